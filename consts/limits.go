package consts

import "time"

// Timeouts are layered: a short per-connection probe cap nested inside the
// detection attempt budget, nested inside the sync wall-clock deadline.
const (
	// MaxProbeTimeout caps a single connection attempt so cancellation
	// never waits out a long caller-supplied timeout.
	MaxProbeTimeout = 5 * time.Second

	// SyncDeadline is the wall-clock budget for one sync job. It does not
	// reset between folders.
	SyncDeadline = 8 * time.Minute

	// ProgressCheckpointEvery controls how often the running message count
	// is persisted and broadcast during a sync.
	ProgressCheckpointEvery = 10

	// DefaultWorkersPerQueue bounds concurrent jobs per owner queue.
	DefaultWorkersPerQueue = 5

	// WorkerRetryBackoff is the delay before re-dispatching a job that
	// found the worker pool saturated.
	WorkerRetryBackoff = 1 * time.Second

	// QueueIdleTimeout is how long a queue may sit with no activity before
	// the sweep collects it.
	QueueIdleTimeout = 30 * time.Minute

	// QueueSweepInterval is how often idle queues are collected.
	QueueSweepInterval = 15 * time.Minute

	// OperationMaxAge force-cancels registry entries whose callers never
	// unregistered them.
	OperationMaxAge = 5 * time.Minute

	// RegistrySweepInterval is how often the cancellation registry scans
	// for expired operations.
	RegistrySweepInterval = 1 * time.Minute

	// MaxRuleCandidates bounds how many rule-matched candidates detection
	// walks before falling back to MX-derived guesses.
	MaxRuleCandidates = 2
)
