package queue

import (
	"context"
	"sync"
	"time"
)

// Kind labels what a job does; used for logs and metrics.
type Kind string

const (
	KindDetect     Kind = "detect"
	KindAddAccount Kind = "add-account"
	KindSync       Kind = "sync"
)

// Status is a job's lifecycle state. Transitions are monotonic: completed
// and failed are terminal.
type Status string

const (
	StatusWaiting   Status = "waiting"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Job is one queued unit of work. The task receives a context cancelled
// when the manager stops; long-running tasks must honor it.
type Job struct {
	ID          string
	Kind        Kind
	OwnerID     string
	SubmittedAt time.Time

	task func(ctx context.Context) error

	mu     sync.Mutex
	status Status
}

// Status returns the job's current state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// setStatus applies a transition, refusing to leave a terminal state.
func (j *Job) setStatus(next Status) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == StatusCompleted || j.status == StatusFailed {
		return false
	}
	j.status = next
	return true
}
