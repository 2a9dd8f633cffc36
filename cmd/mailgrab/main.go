// mailgrab is the account discovery and sync daemon: it resolves mail
// server configurations for email accounts and runs queued sync jobs that
// extract address data from mailboxes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/mailgrab/mailgrab/cancel"
	"github.com/mailgrab/mailgrab/config"
	"github.com/mailgrab/mailgrab/db"
	"github.com/mailgrab/mailgrab/detect"
	"github.com/mailgrab/mailgrab/dnsutil"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/retry"
	"github.com/mailgrab/mailgrab/queue"
	"github.com/mailgrab/mailgrab/server/httpapi"
	"github.com/mailgrab/mailgrab/syncer"
)

func main() {
	configPath := flag.String("config", "config.toml", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	if logFile != nil {
		defer logFile.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var database *db.Database
	err = retry.WithRetry(ctx, func() error {
		var connErr error
		database, connErr = db.NewDatabase(ctx, &cfg.Database)
		if connErr != nil {
			logger.Warn("Main: database connection failed, retrying", "error", connErr)
		}
		return connErr
	}, retry.DefaultBackoffConfig())
	if err != nil {
		logger.Fatal("Main: could not connect to database", "error", err)
	}
	defer database.Close()
	database.StartPoolMetrics(ctx)

	detectionTimeout, _ := cfg.Detection.GetTimeout()
	mxTTL, _ := cfg.Detection.GetMXCacheTTL()
	resolver := dnsutil.NewResolver(mxTTL)
	tester := detect.NewSessionTester(nil)
	detector := detect.NewDetector(resolver, tester,
		detectionTimeout, cfg.Detection.GetMaxAttempts(), cfg.Detection.VerifyRuleMatches)

	registry := cancel.NewRegistry()
	registry.Start()
	defer registry.Stop()

	idleTimeout, _ := cfg.Queue.GetIdleTimeout()
	sweepInterval, _ := cfg.Queue.GetSweepInterval()
	manager := queue.NewManager(cfg.Queue.GetWorkersPerQueue(), idleTimeout, sweepInterval)
	manager.Start()
	defer manager.Stop()

	syncDeadline, _ := cfg.Sync.GetDeadline()
	syncs := syncer.NewOrchestrator(database, database, noQuota{}, nil, nil,
		syncDeadline, cfg.Sync.GetCheckpointEvery())

	errChan := make(chan error, 1)
	if cfg.HTTPAPI.Enabled {
		api := httpapi.New(database, detector, registry, manager, syncs, httpapi.Options{
			Addr:   cfg.HTTPAPI.GetAddr(),
			APIKey: cfg.HTTPAPI.APIKey,
		})
		go api.Start(ctx, errChan)
	}

	logger.Info("Main: mailgrab started", "http_api", cfg.HTTPAPI.Enabled)

	select {
	case <-ctx.Done():
		logger.Info("Main: shutdown signal received")
	case err := <-errChan:
		logger.Error("Main: server failed", "error", err)
		stop()
	}
}

// noQuota is the stand-in quota collaborator used when no billing service
// is wired: everything discovered is visible.
type noQuota struct{}

func (noQuota) CheckAvailable(ctx context.Context, ownerID, action string) (int, error) {
	return int(^uint(0) >> 1), nil
}

func (noQuota) Charge(ctx context.Context, ownerID, action string, count int) (bool, error) {
	return true, nil
}
