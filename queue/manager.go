// Package queue schedules jobs on per-owner FIFO queues, each served by a
// bounded pool of workers so one owner can never monopolize the process.
package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/metrics"
)

// ownerQueue is one owner's FIFO queue plus its worker accounting. All
// fields are guarded by the manager-shared mutex discipline: each queue has
// its own lock, the manager map has another.
type ownerQueue struct {
	owner string

	mu           sync.Mutex
	waiting      []*Job
	active       map[string]*Job
	workers      int
	lastActivity time.Time

	wake chan struct{} // buffered; nudges the dispatcher
	done chan struct{} // closed when the queue is collected
}

// Manager owns all queues. Queues are created lazily on first submission
// and collected after sitting idle.
type Manager struct {
	workersPerQueue int
	retryBackoff    time.Duration
	idleTimeout     time.Duration
	sweepInterval   time.Duration

	rootCtx    context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	queues  map[string]*ownerQueue
	jobs    map[string]*ownerQueue // job id -> owning queue
	stopped bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewManager creates a Manager. Non-positive arguments fall back to the
// defaults.
func NewManager(workersPerQueue int, idleTimeout, sweepInterval time.Duration) *Manager {
	if workersPerQueue <= 0 {
		workersPerQueue = consts.DefaultWorkersPerQueue
	}
	if idleTimeout <= 0 {
		idleTimeout = consts.QueueIdleTimeout
	}
	if sweepInterval <= 0 {
		sweepInterval = consts.QueueSweepInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		workersPerQueue: workersPerQueue,
		retryBackoff:    consts.WorkerRetryBackoff,
		idleTimeout:     idleTimeout,
		sweepInterval:   sweepInterval,
		rootCtx:         ctx,
		rootCancel:      cancel,
		queues:          make(map[string]*ownerQueue),
		jobs:            make(map[string]*ownerQueue),
		stopCh:          make(chan struct{}),
	}
}

// Start launches the idle-queue sweep loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.sweepIdleQueues(time.Now())
			}
		}
	}()
}

// Stop cancels the job context, halts dispatching and waits for workers to
// drain. Waiting jobs are abandoned.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		m.mu.Unlock()
		m.rootCancel()
		close(m.stopCh)
	})
	m.wg.Wait()
}

// Submit enqueues a job on the owner's queue, creating the queue on first
// use. The returned handle only promises an id and observable status.
func (m *Manager) Submit(ownerID string, kind Kind, task func(ctx context.Context) error) (*Job, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil, consts.ErrQueueStopped
	}
	q, ok := m.queues[ownerID]
	if !ok {
		q = &ownerQueue{
			owner:        ownerID,
			active:       make(map[string]*Job),
			lastActivity: time.Now(),
			wake:         make(chan struct{}, 1),
			done:         make(chan struct{}),
		}
		m.queues[ownerID] = q
		metrics.QueuesActive.Set(float64(len(m.queues)))
		m.wg.Add(1)
		go m.runDispatcher(q)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Kind:        kind,
		OwnerID:     ownerID,
		SubmittedAt: time.Now(),
		task:        task,
		status:      StatusWaiting,
	}
	m.jobs[job.ID] = q

	// Append while still holding the manager lock: the idle sweep takes it
	// too, so it can never collect the queue between the lookup above and
	// this append.
	q.mu.Lock()
	q.waiting = append(q.waiting, job)
	q.lastActivity = time.Now()
	q.mu.Unlock()
	m.mu.Unlock()

	metrics.QueueDepth.WithLabelValues(string(StatusWaiting)).Inc()
	logger.Debug("Queue: job submitted", "job_id", job.ID, "kind", kind, "owner", ownerID)
	q.nudge()
	return job, nil
}

// Remove deletes a waiting job outright. For an active job only the
// bookkeeping entry is dropped; the in-flight execution keeps running and
// must observe its own cancellation signal to stop early.
func (m *Manager) Remove(jobID string) bool {
	m.mu.Lock()
	q, ok := m.jobs[jobID]
	if ok {
		delete(m.jobs, jobID)
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	for i, job := range q.waiting {
		if job.ID == jobID {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			metrics.QueueDepth.WithLabelValues(string(StatusWaiting)).Dec()
			logger.Debug("Queue: waiting job removed", "job_id", jobID, "owner", q.owner)
			return true
		}
	}
	if _, active := q.active[jobID]; active {
		delete(q.active, jobID)
		logger.Debug("Queue: active job unbooked, execution continues", "job_id", jobID, "owner", q.owner)
		return true
	}
	return false
}

// QueueCount reports how many owner queues are live.
func (m *Manager) QueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues)
}

// ActiveCount reports how many jobs an owner is executing right now.
func (m *Manager) ActiveCount(ownerID string) int {
	m.mu.Lock()
	q, ok := m.queues[ownerID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.workers
}

func (q *ownerQueue) nudge() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// runDispatcher moves jobs from the waiting list onto workers. When the
// pool is saturated the front job stays put and dispatch retries after a
// fixed backoff.
func (m *Manager) runDispatcher(q *ownerQueue) {
	defer m.wg.Done()
	var retry *time.Timer
	var retryC <-chan time.Time
	for {
		select {
		case <-m.stopCh:
			return
		case <-q.done:
			return
		case <-q.wake:
		case <-retryC:
			retryC = nil
		}

		saturated := m.dispatch(q)
		if saturated {
			metrics.WorkerSaturationRetries.Inc()
			if retry == nil {
				retry = time.NewTimer(m.retryBackoff)
			} else {
				retry.Reset(m.retryBackoff)
			}
			retryC = retry.C
		}
	}
}

// dispatch starts workers for waiting jobs until the pool bound is hit or
// the queue drains. Returns true when jobs remain but the pool is full.
func (m *Manager) dispatch(q *ownerQueue) bool {
	for {
		q.mu.Lock()
		if len(q.waiting) == 0 {
			q.mu.Unlock()
			return false
		}
		if q.workers >= m.workersPerQueue {
			q.mu.Unlock()
			return true
		}
		job := q.waiting[0]
		q.waiting = q.waiting[1:]
		q.workers++
		q.mu.Unlock()

		m.wg.Add(1)
		go m.runWorker(q, job)
	}
}

// runWorker executes one job, then keeps pulling waiting jobs until the
// queue is empty, at which point the worker retires.
func (m *Manager) runWorker(q *ownerQueue, job *Job) {
	defer m.wg.Done()
	for job != nil {
		m.execute(q, job)

		q.mu.Lock()
		if len(q.waiting) > 0 {
			job = q.waiting[0]
			q.waiting = q.waiting[1:]
		} else {
			job = nil
			q.workers--
		}
		q.lastActivity = time.Now()
		q.mu.Unlock()
	}
}

func (m *Manager) execute(q *ownerQueue, job *Job) {
	job.setStatus(StatusActive)
	q.mu.Lock()
	q.active[job.ID] = job
	q.mu.Unlock()
	metrics.QueueDepth.WithLabelValues(string(StatusWaiting)).Dec()
	metrics.QueueDepth.WithLabelValues(string(StatusActive)).Inc()

	err := m.runTask(job)

	status := StatusCompleted
	if err != nil {
		status = StatusFailed
		logger.Info("Queue: job failed", "job_id", job.ID, "kind", job.Kind, "owner", q.owner, "error", err)
	} else {
		logger.Debug("Queue: job completed", "job_id", job.ID, "kind", job.Kind, "owner", q.owner)
	}
	job.setStatus(status)
	metrics.QueueDepth.WithLabelValues(string(StatusActive)).Dec()
	metrics.JobsProcessed.WithLabelValues(string(job.Kind), string(status)).Inc()

	q.mu.Lock()
	delete(q.active, job.ID)
	q.mu.Unlock()
	m.mu.Lock()
	delete(m.jobs, job.ID)
	m.mu.Unlock()
}

// runTask isolates task panics so a misbehaving job never kills the worker
// pool.
func (m *Manager) runTask(job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Queue: job panicked", "job_id", job.ID, "kind", job.Kind, "panic", r)
			err = &panicError{value: r}
		}
	}()
	return job.task(m.rootCtx)
}

type panicError struct{ value any }

func (e *panicError) Error() string { return "job panicked" }

// sweepIdleQueues collects queues with no waiting jobs, no workers and no
// recent activity.
func (m *Manager) sweepIdleQueues(now time.Time) {
	m.mu.Lock()
	var collected []*ownerQueue
	for owner, q := range m.queues {
		q.mu.Lock()
		idle := len(q.waiting) == 0 && q.workers == 0 && now.Sub(q.lastActivity) > m.idleTimeout
		q.mu.Unlock()
		if idle {
			delete(m.queues, owner)
			collected = append(collected, q)
		}
	}
	metrics.QueuesActive.Set(float64(len(m.queues)))
	m.mu.Unlock()

	for _, q := range collected {
		close(q.done)
		logger.Debug("Queue: idle queue collected", "owner", q.owner)
	}
}
