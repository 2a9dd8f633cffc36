// Package config loads and validates the TOML configuration for the
// mailgrab daemon.
package config

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/helpers"
	"github.com/mailgrab/mailgrab/logger"
)

// Config is the root configuration structure.
type Config struct {
	Logging   logger.Config   `toml:"logging"`
	Database  DatabaseConfig  `toml:"database"`
	Detection DetectionConfig `toml:"detection"`
	Sync      SyncConfig      `toml:"sync"`
	Queue     QueueConfig     `toml:"queue"`
	HTTPAPI   HTTPAPIConfig   `toml:"http_api"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host         string `toml:"host"`
	Port         string `toml:"port"`
	User         string `toml:"user"`
	Password     string `toml:"password"`
	Name         string `toml:"name"`
	TLSMode      bool   `toml:"tls"`
	LogQueries   bool   `toml:"log_queries"`
	MaxConns     int    `toml:"max_conns"`
	MinConns     int    `toml:"min_conns"`
	QueryTimeout string `toml:"query_timeout"` // e.g. "30s"
}

// GetQueryTimeout parses the query timeout, defaulting to 30 seconds.
func (d *DatabaseConfig) GetQueryTimeout() (time.Duration, error) {
	if d.QueryTimeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.QueryTimeout)
}

// DetectionConfig holds settings for account configuration discovery.
type DetectionConfig struct {
	Timeout     string `toml:"timeout"`      // per-detection budget (default "30s")
	MaxAttempts int    `toml:"max_attempts"` // candidate attempt budget (default 10)
	// VerifyRuleMatches live-tests rule-derived candidates before declaring
	// success. Off by default: rule matches are trusted for speed and only
	// heuristic Exchange candidates are probed.
	VerifyRuleMatches bool   `toml:"verify_rule_matches"`
	MXCacheTTL        string `toml:"mx_cache_ttl"` // default "10m"
}

func (d *DetectionConfig) GetTimeout() (time.Duration, error) {
	if d.Timeout == "" {
		return 30 * time.Second, nil
	}
	return helpers.ParseDuration(d.Timeout)
}

func (d *DetectionConfig) GetMaxAttempts() int {
	if d.MaxAttempts <= 0 {
		return 10
	}
	return d.MaxAttempts
}

func (d *DetectionConfig) GetMXCacheTTL() (time.Duration, error) {
	if d.MXCacheTTL == "" {
		return 10 * time.Minute, nil
	}
	return helpers.ParseDuration(d.MXCacheTTL)
}

// SyncConfig holds settings for the sync orchestrator.
type SyncConfig struct {
	Deadline        string `toml:"deadline"`         // wall clock per job (default "8m")
	CheckpointEvery int    `toml:"checkpoint_every"` // persist progress every N messages (default 10)
}

func (s *SyncConfig) GetDeadline() (time.Duration, error) {
	if s.Deadline == "" {
		return consts.SyncDeadline, nil
	}
	return helpers.ParseDuration(s.Deadline)
}

func (s *SyncConfig) GetCheckpointEvery() int {
	if s.CheckpointEvery <= 0 {
		return consts.ProgressCheckpointEvery
	}
	return s.CheckpointEvery
}

// QueueConfig holds settings for the per-owner job queues.
type QueueConfig struct {
	WorkersPerQueue int    `toml:"workers_per_queue"` // default 5
	IdleTimeout     string `toml:"idle_timeout"`      // default "30m"
	SweepInterval   string `toml:"sweep_interval"`    // default "15m"
}

func (q *QueueConfig) GetWorkersPerQueue() int {
	if q.WorkersPerQueue <= 0 {
		return consts.DefaultWorkersPerQueue
	}
	return q.WorkersPerQueue
}

func (q *QueueConfig) GetIdleTimeout() (time.Duration, error) {
	if q.IdleTimeout == "" {
		return consts.QueueIdleTimeout, nil
	}
	return helpers.ParseDuration(q.IdleTimeout)
}

func (q *QueueConfig) GetSweepInterval() (time.Duration, error) {
	if q.SweepInterval == "" {
		return consts.QueueSweepInterval, nil
	}
	return helpers.ParseDuration(q.SweepInterval)
}

// HTTPAPIConfig holds settings for the operational HTTP endpoint
// (/healthz, /metrics). The product-facing request layer lives elsewhere.
type HTTPAPIConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`    // default ":9090"
	APIKey  string `toml:"api_key"` // empty disables auth on /api routes
}

func (h *HTTPAPIConfig) GetAddr() string {
	if h.Addr == "" {
		return ":9090"
	}
	return h.Addr
}

// Load reads, decodes and validates a TOML config file.
func Load(path string) (*Config, error) {
	var cfg Config
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to decode config file %q: %w", path, err)
	}
	for _, key := range meta.Undecoded() {
		logger.Warn("Config: unknown key ignored", "key", key.String())
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the parts of the configuration that would otherwise fail
// deep inside a component at runtime.
func (c *Config) Validate() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database.host is required")
	}
	if c.Database.Name == "" {
		return fmt.Errorf("database.name is required")
	}
	if c.Database.MinConns > c.Database.MaxConns && c.Database.MaxConns > 0 {
		return fmt.Errorf("database.min_conns (%d) exceeds max_conns (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}
	for name, get := range map[string]func() (time.Duration, error){
		"database.query_timeout": c.Database.GetQueryTimeout,
		"detection.timeout":      c.Detection.GetTimeout,
		"detection.mx_cache_ttl": c.Detection.GetMXCacheTTL,
		"sync.deadline":          c.Sync.GetDeadline,
		"queue.idle_timeout":     c.Queue.GetIdleTimeout,
		"queue.sweep_interval":   c.Queue.GetSweepInterval,
	} {
		if _, err := get(); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
