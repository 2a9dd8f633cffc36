package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mailgrab/mailgrab/consts"
	"github.com/mailgrab/mailgrab/syncer"
)

// SyncJobRecord is the persisted shape of one sync job.
type SyncJobRecord struct {
	ID                  int64
	AccountID           int64
	OwnerID             string
	Status              syncer.JobStatus
	TotalFolders        int
	ProcessedFolders    int
	CurrentMessageCount int
	ExtractedAddresses  []string
	ResultCount         int
	DiscoveredCount     int
	Error               string
	StartedAt           *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
}

// CreateSyncJob inserts a pending job and returns its id.
func (db *Database) CreateSyncJob(ctx context.Context, accountID int64, ownerID string) (int64, error) {
	start := time.Now()
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	var id int64
	err := db.Pool.QueryRow(ctx, `
		INSERT INTO sync_jobs (account_id, owner_id) VALUES ($1, $2) RETURNING id
	`, accountID, ownerID).Scan(&id)
	observe("create_sync_job", start, err)
	if err != nil {
		return 0, fmt.Errorf("failed to create sync job for account %d: %w", accountID, err)
	}
	return id, nil
}

// StartSyncJob marks a job running and records its folder total. Terminal
// jobs are never restarted.
func (db *Database) StartSyncJob(ctx context.Context, jobID int64, totalFolders int) error {
	start := time.Now()
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	tag, err := db.Pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = 'running', total_folders = $2, processed_folders = 0,
		    current_message_count = 0, started_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, jobID, totalFolders)
	observe("start_sync_job", start, err)
	if err != nil {
		return fmt.Errorf("failed to start sync job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.jobMissingOrFinalized(ctx, jobID)
	}
	return nil
}

// CheckpointSyncJob persists running progress. Writes against jobs no
// longer running are silently dropped so a late checkpoint can never
// overwrite a terminal state.
func (db *Database) CheckpointSyncJob(ctx context.Context, jobID int64, processedFolders, currentMessageCount int) error {
	start := time.Now()
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	_, err := db.Pool.Exec(ctx, `
		UPDATE sync_jobs
		SET processed_folders = $2, current_message_count = $3
		WHERE id = $1 AND status = 'running'
	`, jobID, processedFolders, currentMessageCount)
	observe("checkpoint_sync_job", start, err)
	if err != nil {
		return fmt.Errorf("failed to checkpoint sync job %d: %w", jobID, err)
	}
	return nil
}

// FinalizeSyncJob writes the terminal outcome. Once a job is terminal no
// further mutation is possible.
func (db *Database) FinalizeSyncJob(ctx context.Context, jobID int64, fin syncer.Finalization) error {
	start := time.Now()
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	addresses := fin.Addresses
	if addresses == nil {
		addresses = []string{}
	}
	tag, err := db.Pool.Exec(ctx, `
		UPDATE sync_jobs
		SET status = $2, extracted_addresses = $3, result_count = $4,
		    discovered_count = $5, error = $6, completed_at = now()
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, jobID, string(fin.Status), addresses, fin.ResultCount, fin.DiscoveredCount, fin.ErrMsg)
	observe("finalize_sync_job", start, err)
	if err != nil {
		return fmt.Errorf("failed to finalize sync job %d: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return db.jobMissingOrFinalized(ctx, jobID)
	}
	return nil
}

// GetSyncJob loads one job record.
func (db *Database) GetSyncJob(ctx context.Context, jobID int64) (*SyncJobRecord, error) {
	start := time.Now()
	ctx, cancel := db.queryCtx(ctx)
	defer cancel()

	var rec SyncJobRecord
	var status string
	err := db.Pool.QueryRow(ctx, `
		SELECT id, account_id, owner_id, status, total_folders, processed_folders,
		       current_message_count, extracted_addresses, result_count,
		       discovered_count, error, started_at, completed_at, created_at
		FROM sync_jobs WHERE id = $1
	`, jobID).Scan(&rec.ID, &rec.AccountID, &rec.OwnerID, &status, &rec.TotalFolders,
		&rec.ProcessedFolders, &rec.CurrentMessageCount, &rec.ExtractedAddresses,
		&rec.ResultCount, &rec.DiscoveredCount, &rec.Error, &rec.StartedAt,
		&rec.CompletedAt, &rec.CreatedAt)
	observe("get_sync_job", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, consts.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load sync job %d: %w", jobID, err)
	}
	rec.Status = syncer.JobStatus(status)
	return &rec, nil
}

// jobMissingOrFinalized distinguishes a missing row from a terminal one.
func (db *Database) jobMissingOrFinalized(ctx context.Context, jobID int64) error {
	var exists bool
	err := db.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sync_jobs WHERE id = $1)`, jobID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to inspect sync job %d: %w", jobID, err)
	}
	if !exists {
		return consts.ErrJobNotFound
	}
	return consts.ErrJobFinalized
}
