// Package syncer executes sync jobs: it opens a protocol session for an
// account, streams message envelopes folder by folder, deduplicates the
// addresses seen and finalizes the persisted job with quota-bounded
// results.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/mailgrab/mailgrab/autodiscover"
	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/helpers"
	"github.com/mailgrab/mailgrab/logger"
	"github.com/mailgrab/mailgrab/pkg/metrics"
	"github.com/mailgrab/mailgrab/session"
)

// Account is the stored account material a sync job needs.
type Account struct {
	ID       int64
	OwnerID  string
	Email    string
	Password string
	Protocol autodiscover.Protocol
	Host     string
	URL      string
	Port     int
	Secure   bool
	ProxyID  *int64
	Folders  []string

	// TokenExpiresAt is set for accounts using time-limited credentials;
	// nil means the password never expires.
	TokenExpiresAt *time.Time
}

// JobStatus is a persisted sync job state. Terminal states are never
// mutated again.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// Finalization carries everything written to the job record at the end of
// a run. DiscoveredCount is the true unique-address count; ResultCount is
// how many the owner gets to see after quota.
type Finalization struct {
	Status          JobStatus
	Addresses       []string
	ResultCount     int
	DiscoveredCount int
	ErrMsg          string
}

// AccountStore resolves account material. FreshCredentials must refresh
// any near-expiry time-limited credential before returning it.
type AccountStore interface {
	GetAccount(ctx context.Context, accountID int64) (*Account, error)
	FreshCredentials(ctx context.Context, account *Account) (session.Credentials, error)
	GetProxy(ctx context.Context, proxyID int64) (*session.ProxyConfig, error)
}

// JobStore persists sync job progress and outcome.
type JobStore interface {
	StartSyncJob(ctx context.Context, jobID int64, totalFolders int) error
	CheckpointSyncJob(ctx context.Context, jobID int64, processedFolders, currentMessageCount int) error
	FinalizeSyncJob(ctx context.Context, jobID int64, fin Finalization) error
}

// QuotaService is the external accounting decision: how many discovered
// results the owner is entitled to see.
type QuotaService interface {
	CheckAvailable(ctx context.Context, ownerID, action string) (int, error)
	Charge(ctx context.Context, ownerID, action string, count int) (bool, error)
}

// ProgressEvent is pushed to the broadcast collaborator during a run.
type ProgressEvent struct {
	JobID        int64
	Percentage   int
	MessageCount int
	Message      string
}

// Broadcaster forwards progress to connected clients. Implementations must
// not block.
type Broadcaster interface {
	Notify(ownerID string, event ProgressEvent)
}

// QuotaActionSync is the action kind reported to the quota collaborator.
const QuotaActionSync = "sync"

// Orchestrator runs sync jobs end to end. One Orchestrator serves all
// jobs; per-run state lives on the stack.
type Orchestrator struct {
	accounts  AccountStore
	jobs      JobStore
	quota     QuotaService
	broadcast Broadcaster
	dialers   map[autodiscover.Protocol]session.Dialer

	deadline        time.Duration
	checkpointEvery int
}

// NewOrchestrator builds an Orchestrator. broadcast may be nil; dialers
// nil uses the default set.
func NewOrchestrator(accounts AccountStore, jobs JobStore, quota QuotaService, broadcast Broadcaster, dialers map[autodiscover.Protocol]session.Dialer, deadline time.Duration, checkpointEvery int) *Orchestrator {
	if dialers == nil {
		dialers = session.DefaultDialers()
	}
	if deadline <= 0 {
		deadline = consts.SyncDeadline
	}
	if checkpointEvery <= 0 {
		checkpointEvery = consts.ProgressCheckpointEvery
	}
	return &Orchestrator{
		accounts:        accounts,
		jobs:            jobs,
		quota:           quota,
		broadcast:       broadcast,
		dialers:         dialers,
		deadline:        deadline,
		checkpointEvery: checkpointEvery,
	}
}

// Run executes one sync job. The wall-clock deadline trips non-fatally:
// addresses collected before it are kept and the job still completes.
// ctx cancellation, by contrast, finalizes the job as cancelled.
func (o *Orchestrator) Run(ctx context.Context, jobID, accountID int64, folders []string, proxy *session.ProxyConfig, ownerID string) error {
	start := time.Now()
	defer func() {
		metrics.SyncDuration.Observe(time.Since(start).Seconds())
	}()

	account, err := o.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return o.failEarly(ctx, jobID, ownerID, fmt.Sprintf("account lookup failed: %v", err))
	}
	if ownerID == "" {
		ownerID = account.OwnerID
	}

	creds, err := o.accounts.FreshCredentials(ctx, account)
	if err != nil {
		return o.failEarly(ctx, jobID, ownerID, fmt.Sprintf("credential refresh failed: %v", err))
	}

	// An explicit per-job proxy overrides the account's stored one.
	if proxy == nil && account.ProxyID != nil {
		proxy, err = o.accounts.GetProxy(ctx, *account.ProxyID)
		if err != nil {
			return o.failEarly(ctx, jobID, ownerID, fmt.Sprintf("proxy lookup failed: %v", err))
		}
	}

	dialer, ok := o.dialers[account.Protocol]
	if !ok {
		return o.failEarly(ctx, jobID, ownerID, fmt.Sprintf("%v: %s", consts.ErrProtocolUnknown, account.Protocol))
	}

	endpoint := session.Endpoint{
		Protocol: account.Protocol,
		Host:     account.Host,
		URL:      account.URL,
		Port:     account.Port,
		Secure:   account.Secure,
	}
	sess, err := dialer.Dial(ctx, endpoint, creds, proxy)
	if err != nil {
		return o.failEarly(ctx, jobID, ownerID, fmt.Sprintf("session open failed: %v", err))
	}
	defer sess.Close()

	if len(folders) == 0 {
		folders = account.Folders
	}
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	if err := o.jobs.StartSyncJob(ctx, jobID, len(folders)); err != nil {
		return o.failEarly(ctx, jobID, ownerID, fmt.Sprintf("job start failed: %v", err))
	}

	logger.Info("Sync: job started",
		"job_id", jobID, "account", helpers.MaskEmail(account.Email),
		"protocol", account.Protocol, "folders", len(folders))

	// The wall-clock deadline covers the whole run; it does not reset
	// between folders.
	streamCtx, cancelStream := context.WithTimeout(ctx, o.deadline)
	defer cancelStream()

	addresses := helpers.NewAddressSet()
	messageCount := 0
	deadlineHit := false
	var fatalErr error

folderLoop:
	for i, folder := range folders {
		stream, err := sess.Messages(streamCtx, folder)
		if err != nil {
			if kind := o.classify(ctx, streamCtx, err); kind != errFatal {
				deadlineHit = kind == errDeadline
				if kind == errCancelled {
					fatalErr = consts.ErrCancelled
				}
				break folderLoop
			}
			fatalErr = fmt.Errorf("failed to open folder %q: %w", folder, err)
			break folderLoop
		}

		for {
			msg, err := stream.Next(streamCtx)
			if err != nil {
				if errors.Is(err, io.EOF) {
					break
				}
				switch o.classify(ctx, streamCtx, err) {
				case errDeadline:
					deadlineHit = true
					break folderLoop
				case errCancelled:
					fatalErr = consts.ErrCancelled
					break folderLoop
				default:
					fatalErr = fmt.Errorf("stream failed in folder %q: %w", folder, err)
					break folderLoop
				}
			}

			o.collect(addresses, msg)
			messageCount++
			if messageCount%o.checkpointEvery == 0 {
				o.checkpoint(ctx, jobID, ownerID, i, len(folders), messageCount)
			}
		}

		o.checkpoint(ctx, jobID, ownerID, i+1, len(folders), messageCount)
	}

	switch {
	case fatalErr != nil && errors.Is(fatalErr, consts.ErrCancelled):
		return o.finalize(ctx, jobID, ownerID, Finalization{
			Status:          StatusCancelled,
			ErrMsg:          consts.ErrCancelled.Error(),
			DiscoveredCount: addresses.Len(),
		})
	case fatalErr != nil:
		return o.finalize(ctx, jobID, ownerID, Finalization{
			Status:          StatusFailed,
			ErrMsg:          fatalErr.Error(),
			DiscoveredCount: addresses.Len(),
		})
	}

	discovered := addresses.Values()
	metrics.SyncAddressesExtracted.Observe(float64(len(discovered)))

	fin := o.applyQuota(ctx, ownerID, discovered)
	fin.Status = StatusCompleted
	if deadlineHit {
		fin.ErrMsg = consts.ErrSyncDeadline.Error()
		logger.Warn("Sync: deadline hit, keeping partial results",
			"job_id", jobID, "messages", messageCount, "addresses", len(discovered))
	}
	return o.finalize(ctx, jobID, ownerID, fin)
}

// failEarly finalizes a run that never reached streaming. A cancellation
// observed before the failure wins over the failure itself.
func (o *Orchestrator) failEarly(ctx context.Context, jobID int64, ownerID, errMsg string) error {
	if ctx.Err() != nil {
		return o.finalize(ctx, jobID, ownerID, Finalization{
			Status: StatusCancelled,
			ErrMsg: consts.ErrCancelled.Error(),
		})
	}
	return o.finalize(ctx, jobID, ownerID, Finalization{
		Status: StatusFailed,
		ErrMsg: errMsg,
	})
}

type streamErrKind int

const (
	errFatal streamErrKind = iota
	errDeadline
	errCancelled
)

// classify separates the non-fatal deadline trip from caller cancellation
// and genuine protocol failures. Cancellation wins when both apply.
func (o *Orchestrator) classify(ctx, streamCtx context.Context, err error) streamErrKind {
	if ctx.Err() != nil {
		return errCancelled
	}
	if streamCtx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return errDeadline
	}
	return errFatal
}

func (o *Orchestrator) collect(set *helpers.AddressSet, msg *session.Message) {
	set.Add(msg.From)
	set.AddAll(msg.To, msg.Cc, msg.Bcc)
}

func (o *Orchestrator) checkpoint(ctx context.Context, jobID int64, ownerID string, processedFolders, totalFolders, messageCount int) {
	if err := o.jobs.CheckpointSyncJob(ctx, jobID, processedFolders, messageCount); err != nil {
		logger.Warn("Sync: checkpoint write failed", "job_id", jobID, "error", err)
	}
	pct := 0
	if totalFolders > 0 {
		pct = processedFolders * 100 / totalFolders
	}
	o.notify(ownerID, ProgressEvent{
		JobID:        jobID,
		Percentage:   pct,
		MessageCount: messageCount,
		Message:      fmt.Sprintf("processed %d messages", messageCount),
	})
}

func (o *Orchestrator) notify(ownerID string, event ProgressEvent) {
	if o.broadcast != nil {
		o.broadcast.Notify(ownerID, event)
	}
}

// applyQuota decides result visibility. Addresses beyond the available
// quota are dropped from the visible set but the true discovered count is
// always recorded. A charge that fails after a successful availability
// check grants full visibility without charging; see the WARN it emits.
func (o *Orchestrator) applyQuota(ctx context.Context, ownerID string, discovered []string) Finalization {
	fin := Finalization{DiscoveredCount: len(discovered)}
	if len(discovered) == 0 {
		metrics.SyncQuotaOutcome.WithLabelValues("empty").Inc()
		return fin
	}

	available, err := o.quota.CheckAvailable(ctx, ownerID, QuotaActionSync)
	if err != nil {
		logger.Warn("Sync: quota check failed, granting full visibility uncharged",
			"owner", ownerID, "count", len(discovered), "error", err)
		metrics.SyncQuotaOutcome.WithLabelValues("check_failed").Inc()
		fin.Addresses = discovered
		fin.ResultCount = len(discovered)
		return fin
	}

	if available <= 0 {
		metrics.SyncQuotaOutcome.WithLabelValues("none").Inc()
		return fin
	}

	visible := discovered
	outcome := "full"
	if available < len(discovered) {
		visible = discovered[:available]
		outcome = "partial"
	}

	charged, err := o.quota.Charge(ctx, ownerID, QuotaActionSync, len(visible))
	if err != nil || !charged {
		logger.Warn("Sync: charge failed after availability check, granting full visibility uncharged",
			"owner", ownerID, "count", len(discovered), "error", err)
		metrics.SyncQuotaOutcome.WithLabelValues("charge_failed").Inc()
		fin.Addresses = discovered
		fin.ResultCount = len(discovered)
		return fin
	}

	metrics.SyncQuotaOutcome.WithLabelValues(outcome).Inc()
	fin.Addresses = visible
	fin.ResultCount = len(visible)
	return fin
}

func (o *Orchestrator) finalize(ctx context.Context, jobID int64, ownerID string, fin Finalization) error {
	// Finalization must land even when the run context is gone.
	writeCtx := ctx
	if writeCtx.Err() != nil {
		var cancel context.CancelFunc
		writeCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if err := o.jobs.FinalizeSyncJob(writeCtx, jobID, fin); err != nil {
		logger.Error("Sync: finalize write failed", "job_id", jobID, "status", fin.Status, "error", err)
		metrics.SyncJobs.WithLabelValues(string(fin.Status)).Inc()
		return err
	}

	metrics.SyncJobs.WithLabelValues(string(fin.Status)).Inc()
	logger.Info("Sync: job finalized",
		"job_id", jobID, "status", fin.Status,
		"discovered", fin.DiscoveredCount, "visible", fin.ResultCount, "error", fin.ErrMsg)

	o.notify(ownerID, ProgressEvent{
		JobID:        jobID,
		Percentage:   100,
		MessageCount: fin.DiscoveredCount,
		Message:      fmt.Sprintf("sync %s", fin.Status),
	})

	if fin.Status == StatusFailed {
		return errors.New(fin.ErrMsg)
	}
	return nil
}
