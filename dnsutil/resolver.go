// Package dnsutil resolves MX records for endpoint inference. Results are
// purely a discovery signal; nothing here touches mail delivery.
package dnsutil

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/metrics"
)

// MXResolver returns a domain's MX hostnames in priority order. An empty
// slice with a nil error is a valid response for domains without MX.
type MXResolver interface {
	LookupMX(ctx context.Context, domain string) ([]string, error)
}

// Resolver resolves via net.Resolver and falls back to an external
// nslookup invocation when the system resolver errors, since some
// environments break Go's DNS path but still ship a working resolver CLI.
// Successful lookups are cached with a TTL.
type Resolver struct {
	resolver    *net.Resolver
	fallbackCmd string
	ttl         time.Duration

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	hosts   []string
	expires time.Time
}

// NewResolver creates a Resolver. ttl <= 0 disables caching.
func NewResolver(ttl time.Duration) *Resolver {
	return &Resolver{
		resolver:    net.DefaultResolver,
		fallbackCmd: "nslookup",
		ttl:         ttl,
		cache:       make(map[string]cacheEntry),
	}
}

func (r *Resolver) LookupMX(ctx context.Context, domain string) ([]string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, fmt.Errorf("empty domain")
	}

	if hosts, ok := r.cached(domain); ok {
		metrics.MXLookups.WithLabelValues("cache", "success").Inc()
		return hosts, nil
	}

	records, err := r.resolver.LookupMX(ctx, domain)
	if err == nil {
		sort.SliceStable(records, func(a, b int) bool { return records[a].Pref < records[b].Pref })
		hosts := make([]string, 0, len(records))
		for _, rec := range records {
			if h := strings.ToLower(strings.TrimSuffix(rec.Host, ".")); h != "" {
				hosts = append(hosts, h)
			}
		}
		metrics.MXLookups.WithLabelValues("resolver", "success").Inc()
		r.store(domain, hosts)
		return hosts, nil
	}

	// A NXDOMAIN-style answer is a definitive "no MX", not a resolver
	// failure worth escalating to the external command.
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		metrics.MXLookups.WithLabelValues("resolver", "no_records").Inc()
		r.store(domain, nil)
		return nil, nil
	}

	logger.Warn("DNS: resolver lookup failed, trying external command",
		"domain", domain, "error", err)
	metrics.MXLookups.WithLabelValues("resolver", "error").Inc()

	hosts, cmdErr := r.lookupWithCommand(ctx, domain)
	if cmdErr != nil {
		metrics.MXLookups.WithLabelValues("command", "error").Inc()
		return nil, fmt.Errorf("mx lookup failed for %s: %w", domain, err)
	}
	metrics.MXLookups.WithLabelValues("command", "success").Inc()
	r.store(domain, hosts)
	return hosts, nil
}

// lookupWithCommand shells out to nslookup and parses lines of the form
// "domain mail exchanger = 10 mx.example.com.".
func (r *Resolver) lookupWithCommand(ctx context.Context, domain string) ([]string, error) {
	cmd := exec.CommandContext(ctx, r.fallbackCmd, "-type=mx", domain)
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", r.fallbackCmd, err)
	}
	return ParseNslookupMX(string(out)), nil
}

// ParseNslookupMX extracts MX hostnames from nslookup output, ordered by
// preference.
func ParseNslookupMX(out string) []string {
	type mxLine struct {
		pref int
		host string
	}
	var records []mxLine

	for _, line := range strings.Split(out, "\n") {
		idx := strings.Index(line, "mail exchanger =")
		if idx < 0 {
			continue
		}
		rest := strings.Fields(strings.TrimSpace(line[idx+len("mail exchanger ="):]))
		var rec mxLine
		switch len(rest) {
		case 1:
			rec.host = rest[0]
		case 2:
			fmt.Sscanf(rest[0], "%d", &rec.pref)
			rec.host = rest[1]
		default:
			continue
		}
		rec.host = strings.ToLower(strings.TrimSuffix(rec.host, "."))
		if rec.host != "" {
			records = append(records, rec)
		}
	}

	sort.SliceStable(records, func(a, b int) bool { return records[a].pref < records[b].pref })
	hosts := make([]string, 0, len(records))
	for _, rec := range records {
		hosts = append(hosts, rec.host)
	}
	return hosts
}

func (r *Resolver) cached(domain string) ([]string, bool) {
	if r.ttl <= 0 {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.cache[domain]
	if !ok || time.Now().After(entry.expires) {
		delete(r.cache, domain)
		return nil, false
	}
	return entry.hosts, true
}

func (r *Resolver) store(domain string, hosts []string) {
	if r.ttl <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache[domain] = cacheEntry{hosts: hosts, expires: time.Now().Add(r.ttl)}
}
