// Package detect discovers the working server configuration for an email
// account: MX resolution, rule matching and bounded candidate probing.
package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgrab/mailgrab/autodiscover"
	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/dnsutil"
	"github.com/mailgrab/mailgrab/helpers"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/metrics"
	"github.com/mailgrab/mailgrab/session"
)

// Provider is the configuration a successful detection settles on.
type Provider struct {
	Protocol autodiscover.Protocol
	Host     string
	URL      string
	Port     int
	Secure   bool
}

// Result is the terminal outcome of one detection run. Exactly one of
// Provider and Err is set.
type Result struct {
	Success              bool
	TestedConfigurations int
	Provider             *Provider
	Err                  error
}

// Options tune a single detection run. Zero values fall back to the
// detector's configured defaults.
type Options struct {
	Timeout     time.Duration
	MaxAttempts int
	Proxy       *session.ProxyConfig
}

// Detector orchestrates configuration discovery for one email address at a
// time. It is safe for concurrent use.
type Detector struct {
	resolver dnsutil.MXResolver
	tester   Tester

	defaultTimeout     time.Duration
	defaultMaxAttempts int

	// verifyRuleMatches probes rule-derived candidates before declaring
	// success. Off by default: rule matches are trusted for speed, only
	// heuristic Exchange candidates get a live probe.
	verifyRuleMatches bool
}

// NewDetector builds a Detector over the given resolver and tester.
func NewDetector(resolver dnsutil.MXResolver, tester Tester, timeout time.Duration, maxAttempts int, verifyRuleMatches bool) *Detector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Detector{
		resolver:           resolver,
		tester:             tester,
		defaultTimeout:     timeout,
		defaultMaxAttempts: maxAttempts,
		verifyRuleMatches:  verifyRuleMatches,
	}
}

// Detect resolves MX records for the address's domain, ranks candidate
// configurations and probes them within the attempt budget. Cancellation is
// rechecked before every step and always wins over connection errors.
func (d *Detector) Detect(ctx context.Context, email, password string, opts Options) Result {
	start := time.Now()
	tested := 0
	defer func() {
		metrics.DetectionDuration.Observe(time.Since(start).Seconds())
		metrics.DetectionCandidatesTested.Observe(float64(tested))
	}()

	if ctx.Err() != nil {
		return d.cancelled(0)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = d.defaultTimeout
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = d.defaultMaxAttempts
	}

	domain, ok := helpers.DomainOf(email)
	if !ok {
		metrics.DetectionAttempts.WithLabelValues("invalid_format").Inc()
		return Result{Err: fmt.Errorf("%w: %s", consts.ErrInvalidEmailFormat, helpers.MaskEmail(email))}
	}

	mxHosts, err := d.resolver.LookupMX(ctx, domain)
	if err != nil {
		if ctx.Err() != nil {
			return d.cancelled(0)
		}
		// Matching still works from domain-only rules.
		logger.Warn("Detect: MX resolution failed, continuing without MX data",
			"domain", domain, "error", err)
		mxHosts = nil
	}

	if ctx.Err() != nil {
		return d.cancelled(0)
	}

	candidates := autodiscover.Match(domain, mxHosts)
	logger.Debug("Detect: candidates ranked",
		"email", helpers.MaskEmail(email), "domain", domain, "mx_count", len(mxHosts), "candidates", len(candidates))

	creds := session.Credentials{Email: email, Password: password}

	ruleWalked := 0
	for _, cand := range candidates {
		if cand.Source != autodiscover.SourceHeuristic {
			if ruleWalked >= consts.MaxRuleCandidates {
				continue
			}
			ruleWalked++
		}

		for _, protocol := range cand.Protocols {
			if ctx.Err() != nil {
				return d.cancelled(tested)
			}
			if tested >= maxAttempts {
				return d.exhausted(email, tested)
			}
			tested++

			ep := session.Endpoint{
				Protocol: protocol,
				Host:     cand.Host,
				URL:      cand.URL,
				Port:     cand.Port,
				Secure:   cand.Secure,
			}

			// Rule-derived candidates are trusted as-is unless verification
			// is switched on; only heuristic Exchange guesses always get a
			// live probe.
			if cand.Source != autodiscover.SourceHeuristic && !d.verifyRuleMatches {
				return d.success(email, cand.Rule, ep, tested)
			}

			outcome := d.tester.Test(ctx, ep, creds, timeout, opts.Proxy)
			if ctx.Err() != nil {
				return d.cancelled(tested)
			}
			if outcome.Success {
				return d.success(email, cand.Rule, ep, tested)
			}
			logger.Debug("Detect: candidate probe failed",
				"rule", cand.Rule, "protocol", protocol, "host", cand.Host, "error", outcome.Err)
		}
	}

	// Last resort: derive endpoint guesses from the primary MX host.
	if len(mxHosts) > 0 && tested < maxAttempts {
		if r, done := d.tryMXGuesses(ctx, mxHosts[0], creds, timeout, maxAttempts, opts.Proxy, &tested); done {
			return r
		}
	}

	return d.exhausted(email, tested)
}

// tryMXGuesses probes endpoint guesses derived from the primary MX host:
// one IMAP guess (returned untested, like rule matches) and one
// connection-tested Exchange guess.
func (d *Detector) tryMXGuesses(ctx context.Context, mx string, creds session.Credentials, timeout time.Duration, maxAttempts int, proxy *session.ProxyConfig, tested *int) (Result, bool) {
	if ctx.Err() != nil {
		return d.cancelled(*tested), true
	}

	if host := autodiscover.GuessIMAPHost(mx); host != "" {
		*tested++
		ep := session.Endpoint{Protocol: autodiscover.ProtocolIMAP, Host: host, Port: 993, Secure: true}
		if !d.verifyRuleMatches {
			return d.success(creds.Email, "mx-guess-imap", ep, *tested), true
		}
		outcome := d.tester.Test(ctx, ep, creds, timeout, proxy)
		if ctx.Err() != nil {
			return d.cancelled(*tested), true
		}
		if outcome.Success {
			return d.success(creds.Email, "mx-guess-imap", ep, *tested), true
		}
	}

	if ctx.Err() != nil {
		return d.cancelled(*tested), true
	}
	if *tested >= maxAttempts {
		return Result{}, false
	}

	if host := autodiscover.GuessExchangeHost(mx); host != "" {
		*tested++
		ep := session.Endpoint{
			Protocol: autodiscover.ProtocolExchange,
			Host:     host,
			URL:      "https://" + host + "/EWS/Exchange.asmx",
			Port:     443,
			Secure:   true,
		}
		outcome := d.tester.Test(ctx, ep, creds, timeout, proxy)
		if ctx.Err() != nil {
			return d.cancelled(*tested), true
		}
		if outcome.Success {
			return d.success(creds.Email, "mx-guess-exchange", ep, *tested), true
		}
	}

	return Result{}, false
}

func (d *Detector) success(email, rule string, ep session.Endpoint, tested int) Result {
	logger.Info("Detect: configuration found",
		"email", helpers.MaskEmail(email), "rule", rule, "protocol", ep.Protocol,
		"host", ep.Host, "tested", tested)
	metrics.DetectionAttempts.WithLabelValues("success").Inc()
	return Result{
		Success:              true,
		TestedConfigurations: tested,
		Provider: &Provider{
			Protocol: ep.Protocol,
			Host:     ep.Host,
			URL:      ep.URL,
			Port:     ep.Port,
			Secure:   ep.Secure,
		},
	}
}

func (d *Detector) cancelled(tested int) Result {
	metrics.DetectionAttempts.WithLabelValues("cancelled").Inc()
	return Result{TestedConfigurations: tested, Err: consts.ErrCancelled}
}

func (d *Detector) exhausted(email string, tested int) Result {
	metrics.DetectionAttempts.WithLabelValues("exhausted").Inc()
	err := consts.ErrDetectionExhausted
	if tested == 0 {
		err = consts.ErrNoCandidates
	}
	logger.Info("Detect: no working configuration",
		"email", helpers.MaskEmail(email), "tested", tested)
	return Result{TestedConfigurations: tested, Err: fmt.Errorf("%w after %d attempts", err, tested)}
}
