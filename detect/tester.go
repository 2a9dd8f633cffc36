package detect

import (
	"context"
	"fmt"
	"time"

	"github.com/mailgrab/mailgrab/autodiscover"
	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/metrics"
	"github.com/mailgrab/mailgrab/session"
)

// Outcome is the normalized result of one connection probe. Failures carry
// a message, never a raw error value, so the orchestrator only ranks
// outcomes and does not branch on error types.
type Outcome struct {
	Success bool
	Err     string
}

// Tester probes one candidate endpoint with the given credentials.
type Tester interface {
	Test(ctx context.Context, ep session.Endpoint, creds session.Credentials, timeout time.Duration, proxy *session.ProxyConfig) Outcome
}

// SessionTester probes candidates by opening and immediately closing a
// protocol session through the per-protocol dialers.
type SessionTester struct {
	dialers map[autodiscover.Protocol]session.Dialer
}

// NewSessionTester builds a tester over the given dialers; nil uses the
// default dialer set.
func NewSessionTester(dialers map[autodiscover.Protocol]session.Dialer) *SessionTester {
	if dialers == nil {
		dialers = session.DefaultDialers()
	}
	return &SessionTester{dialers: dialers}
}

func (t *SessionTester) Test(ctx context.Context, ep session.Endpoint, creds session.Credentials, timeout time.Duration, proxy *session.ProxyConfig) (out Outcome) {
	// Dialers wrap third-party protocol code; a panic there must surface as
	// a failed probe, not take the detection down.
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Tester: probe panicked", "protocol", ep.Protocol, "host", ep.Host, "panic", r)
			out = Outcome{Err: fmt.Sprintf("probe panicked: %v", r)}
		}
	}()

	dialer, ok := t.dialers[ep.Protocol]
	if !ok {
		return Outcome{Err: fmt.Sprintf("%v: %s", consts.ErrProtocolUnknown, ep.Protocol)}
	}

	// Cap the probe so cancellation never waits out a long caller timeout.
	if timeout <= 0 || timeout > consts.MaxProbeTimeout {
		timeout = consts.MaxProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	sess, err := dialer.Dial(probeCtx, ep, creds, proxy)
	metrics.ProbeDuration.WithLabelValues(string(ep.Protocol)).Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.ProbeAttempts.WithLabelValues(string(ep.Protocol), "failure").Inc()
		return Outcome{Err: err.Error()}
	}

	if closeErr := sess.Close(); closeErr != nil {
		logger.Debug("Tester: session close after probe failed",
			"protocol", ep.Protocol, "host", ep.Host, "error", closeErr)
	}
	metrics.ProbeAttempts.WithLabelValues(string(ep.Protocol), "success").Inc()
	return Outcome{Success: true}
}
