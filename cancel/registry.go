// Package cancel tracks in-flight cancellable operations by id so the
// request layer can abort detection and account-add work mid-flight.
package cancel

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/metrics"
)

// Kind labels what an operation is doing; used for logs and metrics only.
type Kind string

const (
	KindDetect     Kind = "detect"
	KindAddAccount Kind = "add-account"
)

type operation struct {
	id        string
	kind      Kind
	owner     string
	startedAt time.Time
	cancel    context.CancelFunc
	cleanup   func()
}

// Registry is a process-wide map of cancellable operations. Entries are
// removed on cancel or unregister; a sweep force-cancels entries whose
// callers never cleaned up.
type Registry struct {
	maxAge        time.Duration
	sweepInterval time.Duration

	mu  sync.Mutex
	ops map[string]*operation

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a Registry with the default age ceiling and sweep
// cadence.
func NewRegistry() *Registry {
	return &Registry{
		maxAge:        consts.OperationMaxAge,
		sweepInterval: consts.RegistrySweepInterval,
		ops:           make(map[string]*operation),
		stopCh:        make(chan struct{}),
	}
}

// Register tracks an operation. cancel must abort the operation's context;
// cleanup, when non-nil, runs after cancellation. Re-registering an id
// replaces the previous entry without cancelling it.
func (r *Registry) Register(id string, kind Kind, owner string, cancel context.CancelFunc, cleanup func()) {
	r.mu.Lock()
	r.ops[id] = &operation{
		id:        id,
		kind:      kind,
		owner:     owner,
		startedAt: time.Now(),
		cancel:    cancel,
		cleanup:   cleanup,
	}
	size := len(r.ops)
	r.mu.Unlock()

	metrics.OperationsInFlight.Set(float64(size))
	logger.Debug("Cancel: operation registered", "id", id, "kind", kind, "owner", owner)
}

// Cancel aborts one operation: triggers its context cancel, runs cleanup
// and removes the entry. Returns false when the id is unknown.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	op, ok := r.ops[id]
	if ok {
		delete(r.ops, id)
	}
	size := len(r.ops)
	r.mu.Unlock()

	if !ok {
		return false
	}
	r.finish(op, "requested")
	metrics.OperationsInFlight.Set(float64(size))
	return true
}

// CancelByPrefix cancels every operation whose id starts with prefix and
// returns how many were cancelled. Used for whole-batch cancellation.
func (r *Registry) CancelByPrefix(prefix string) int {
	r.mu.Lock()
	var matched []*operation
	for id, op := range r.ops {
		if strings.HasPrefix(id, prefix) {
			matched = append(matched, op)
			delete(r.ops, id)
		}
	}
	size := len(r.ops)
	r.mu.Unlock()

	for _, op := range matched {
		r.finish(op, "batch")
	}
	metrics.OperationsInFlight.Set(float64(size))
	if len(matched) > 0 {
		logger.Info("Cancel: batch cancelled", "prefix", prefix, "count", len(matched))
	}
	return len(matched)
}

// Unregister removes an operation that completed normally. Its cancel func
// is invoked to release the context; cleanup is not run.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	op, ok := r.ops[id]
	if ok {
		delete(r.ops, id)
	}
	size := len(r.ops)
	r.mu.Unlock()

	if !ok {
		return
	}
	op.cancel()
	metrics.OperationsInFlight.Set(float64(size))
}

// Len reports how many operations are currently registered.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ops)
}

// Start launches the expiry sweep loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stopCh:
				return
			case <-ticker.C:
				r.sweep(time.Now())
			}
		}
	}()
}

// Stop halts the sweep loop. Registered operations are left in place.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// sweep force-cancels operations older than the age ceiling.
func (r *Registry) sweep(now time.Time) {
	r.mu.Lock()
	var expired []*operation
	for id, op := range r.ops {
		if now.Sub(op.startedAt) > r.maxAge {
			expired = append(expired, op)
			delete(r.ops, id)
		}
	}
	size := len(r.ops)
	r.mu.Unlock()

	for _, op := range expired {
		logger.Warn("Cancel: expiring stale operation",
			"id", op.id, "kind", op.kind, "owner", op.owner, "age", now.Sub(op.startedAt))
		r.finish(op, "expired")
	}
	if len(expired) > 0 {
		metrics.OperationsInFlight.Set(float64(size))
	}
}

func (r *Registry) finish(op *operation, reason string) {
	op.cancel()
	if op.cleanup != nil {
		op.cleanup()
	}
	metrics.Cancellations.WithLabelValues(string(op.kind), reason).Inc()
	logger.Info("Cancel: operation cancelled",
		"id", op.id, "kind", op.kind, "owner", op.owner,
		"elapsed", time.Since(op.startedAt), "reason", reason)
}
