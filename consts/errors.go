package consts

import "errors"

var (
	ErrInvalidEmailFormat = errors.New("invalid email address format")
	ErrNoCandidates       = errors.New("no candidate configurations found")
	ErrDetectionExhausted = errors.New("detection attempts exhausted")
	ErrCancelled          = errors.New("operation cancelled")

	ErrAccountNotFound = errors.New("account not found")
	ErrProxyNotFound   = errors.New("proxy not found")
	ErrJobNotFound     = errors.New("job not found")
	ErrJobFinalized    = errors.New("job already finalized")

	ErrQueueStopped    = errors.New("queue manager stopped")
	ErrNotSupported    = errors.New("operation not supported by this session")
	ErrProtocolUnknown = errors.New("unknown protocol kind")
	ErrAuthFailed      = errors.New("authentication failed")
	ErrSyncDeadline    = errors.New("sync deadline exceeded")
)
