package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

// maxItemErrorLen bounds the user-visible item error message.
const maxItemErrorLen = 500

// BatchRepo persists batch jobs and their items. Every counter bump
// happens inside a transaction holding the job row, so
// completed + failed + pending = quantity at each commit.
type BatchRepo struct{ Pool PgxPool }

// NewBatchRepo constructs a BatchRepo with the given pool.
func NewBatchRepo(p PgxPool) *BatchRepo { return &BatchRepo{Pool: p} }

const batchColumns = `uuid, user_id, output_type, config, quantity, completed, failed, pending,
	credits_charged, credits_refunded, status, COALESCE(error_message,''), avg_item_ms, eta,
	COALESCE(claimed_by,''), claim_expires_at, created_at, started_at, finished_at`

func scanBatch(row pgx.Row) (domain.BatchJob, error) {
	var j domain.BatchJob
	var cfg []byte
	err := row.Scan(&j.UUID, &j.UserID, &j.OutputType, &cfg, &j.Quantity, &j.Completed, &j.Failed,
		&j.Pending, &j.CreditsCharged, &j.CreditsRefunded, &j.Status, &j.ErrorMessage, &j.AvgItemMS,
		&j.ETA, &j.ClaimedBy, &j.ClaimExpiresAt, &j.CreatedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return domain.BatchJob{}, err
	}
	j.Config, err = domain.DecodeConfig(cfg)
	if err != nil {
		return domain.BatchJob{}, err
	}
	return j, nil
}

// CreateCharged inserts the job with its items and debits the owner in
// a single transaction; insufficient balance rolls everything back.
func (r *BatchRepo) CreateCharged(ctx context.Context, job domain.BatchJob, items []domain.BatchJobItem) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.CreateCharged")
	defer span.End()
	span.SetAttributes(attribute.Int("batch.quantity", job.Quantity))

	cfg, err := domain.EncodeConfig(job.Config)
	if err != nil {
		return fmt.Errorf("op=batch.create: %w", err)
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=batch.create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = applyLedgerTx(ctx, tx, job.UserID, -job.CreditsCharged,
		fmt.Sprintf("batch job %s (%d items)", job.UUID, job.Quantity),
		domain.TxSourceJob, job.UUID, false)
	if err != nil {
		return fmt.Errorf("op=batch.create: %w", err)
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO batch_jobs (uuid, user_id, output_type, config, quantity, completed, failed, pending,
		   credits_charged, credits_refunded, status, avg_item_ms, created_at)
		 VALUES ($1,$2,$3,$4,$5,0,0,$5,$6,0,$7,0,$8)`,
		job.UUID, job.UserID, job.OutputType, cfg, job.Quantity, job.CreditsCharged,
		domain.BatchQueued, job.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=batch.create: %w", err)
	}

	for _, it := range items {
		_, err = tx.Exec(ctx,
			`INSERT INTO batch_job_items (batch_uuid, item_index, prompt, caption, variation_params, status)
			 VALUES ($1,$2,$3,$4,$5,$6)`,
			job.UUID, it.Index, it.Prompt, it.Caption, it.VariationParams, domain.ItemPending)
		if err != nil {
			return fmt.Errorf("op=batch.create: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=batch.create: %w", err)
	}
	return nil
}

// Get loads a job by uuid.
func (r *BatchRepo) Get(ctx context.Context, uuid string) (domain.BatchJob, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Get")
	defer span.End()

	row := r.Pool.QueryRow(ctx, `SELECT `+batchColumns+` FROM batch_jobs WHERE uuid=$1`, uuid)
	j, err := scanBatch(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.BatchJob{}, fmt.Errorf("op=batch.get: %w", domain.ErrNotFound)
		}
		return domain.BatchJob{}, fmt.Errorf("op=batch.get: %w", err)
	}
	return j, nil
}

// ListByStatus returns jobs in any of the given statuses, oldest first.
func (r *BatchRepo) ListByStatus(ctx context.Context, statuses ...domain.BatchStatus) ([]domain.BatchJob, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.ListByStatus")
	defer span.End()

	rows, err := r.Pool.Query(ctx,
		`SELECT `+batchColumns+` FROM batch_jobs WHERE status = ANY($1) ORDER BY created_at`, statuses)
	if err != nil {
		return nil, fmt.Errorf("op=batch.list: %w", err)
	}
	defer rows.Close()

	var out []domain.BatchJob
	for rows.Next() {
		j, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("op=batch.list: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=batch.list: %w", err)
	}
	return out, nil
}

// CountActiveForUser counts the user's jobs in {QUEUED, RUNNING}.
func (r *BatchRepo) CountActiveForUser(ctx context.Context, userID int64) (int, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.CountActiveForUser")
	defer span.End()

	var n int
	err := r.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM batch_jobs WHERE user_id=$1 AND status = ANY($2)`,
		userID, []domain.BatchStatus{domain.BatchQueued, domain.BatchRunning}).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=batch.count_active: %w", err)
	}
	return n, nil
}

// MarkRunning moves a QUEUED job to RUNNING.
func (r *BatchRepo) MarkRunning(ctx context.Context, uuid string, startedAt time.Time) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.MarkRunning")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE batch_jobs SET status=$2, started_at=$3 WHERE uuid=$1 AND status=$4`,
		uuid, domain.BatchRunning, startedAt.UTC(), domain.BatchQueued)
	if err != nil {
		return fmt.Errorf("op=batch.mark_running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=batch.mark_running: %w", domain.ErrConflict)
	}
	return nil
}

// Finalize sets a terminal status. The error message is recorded only
// for FAILED; terminal rows are never finalized twice.
func (r *BatchRepo) Finalize(ctx context.Context, uuid string, status domain.BatchStatus, errMsg string, finishedAt time.Time) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Finalize")
	defer span.End()

	if !status.Terminal() {
		return fmt.Errorf("op=batch.finalize: %w: status %s not terminal", domain.ErrInvalidArgument, status)
	}
	if status != domain.BatchFailed {
		errMsg = ""
	}
	tag, err := r.Pool.Exec(ctx,
		`UPDATE batch_jobs SET status=$2, error_message=$3, finished_at=$4, claimed_by='', claim_expires_at=NULL
		 WHERE uuid=$1 AND status = ANY($5)`,
		uuid, status, errMsg, finishedAt.UTC(),
		[]domain.BatchStatus{domain.BatchQueued, domain.BatchRunning})
	if err != nil {
		return fmt.Errorf("op=batch.finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=batch.finalize: %w", domain.ErrConflict)
	}
	return nil
}

// CancelRefund cancels the job and credits the refund atomically. A
// zero refund still cancels but appends no ledger row.
func (r *BatchRepo) CancelRefund(ctx context.Context, uuid string, refund int64, finishedAt time.Time) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.CancelRefund")
	defer span.End()
	span.SetAttributes(attribute.Int64("batch.refund", refund))

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=batch.cancel: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var userID int64
	err = tx.QueryRow(ctx,
		`UPDATE batch_jobs SET status=$2, credits_refunded=$3, finished_at=$4, claimed_by='', claim_expires_at=NULL
		 WHERE uuid=$1 AND status = ANY($5) RETURNING user_id`,
		uuid, domain.BatchCanceled, refund, finishedAt.UTC(),
		[]domain.BatchStatus{domain.BatchQueued, domain.BatchRunning}).Scan(&userID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=batch.cancel: %w", domain.ErrConflict)
		}
		return fmt.Errorf("op=batch.cancel: %w", err)
	}

	if refund > 0 {
		_, err = applyLedgerTx(ctx, tx, userID, refund,
			fmt.Sprintf("refund for canceled batch %s", uuid),
			domain.TxSourceRefund, uuid, false)
		if err != nil {
			return fmt.Errorf("op=batch.cancel: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=batch.cancel: %w", err)
	}
	return nil
}

// Items returns a job's items, optionally filtered by status, ordered
// by index.
func (r *BatchRepo) Items(ctx context.Context, uuid string, statuses ...domain.ItemStatus) ([]domain.BatchJobItem, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Items")
	defer span.End()

	q := `SELECT batch_uuid, item_index, prompt, COALESCE(caption,''), variation_params, status,
	        COALESCE(result_url,''), COALESCE(error_message,''), started_at, finished_at, duration_ms
	      FROM batch_job_items WHERE batch_uuid=$1`
	args := []any{uuid}
	if len(statuses) > 0 {
		q += ` AND status = ANY($2)`
		args = append(args, statuses)
	}
	q += ` ORDER BY item_index`

	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=batch.items: %w", err)
	}
	defer rows.Close()

	var out []domain.BatchJobItem
	for rows.Next() {
		var it domain.BatchJobItem
		if err := rows.Scan(&it.BatchUUID, &it.Index, &it.Prompt, &it.Caption, &it.VariationParams,
			&it.Status, &it.ResultURL, &it.ErrorMessage, &it.StartedAt, &it.FinishedAt, &it.DurationMS); err != nil {
			return nil, fmt.Errorf("op=batch.items: %w", err)
		}
		out = append(out, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=batch.items: %w", err)
	}
	return out, nil
}

// MarkItemRunning moves one item to RUNNING.
func (r *BatchRepo) MarkItemRunning(ctx context.Context, uuid string, index int, startedAt time.Time) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.MarkItemRunning")
	defer span.End()

	_, err := r.Pool.Exec(ctx,
		`UPDATE batch_job_items SET status=$3, started_at=$4 WHERE batch_uuid=$1 AND item_index=$2`,
		uuid, index, domain.ItemRunning, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=batch.item_running: %w", err)
	}
	return nil
}

// lockItemStatus reads one item's status under the parent job row lock.
func lockItemStatus(ctx context.Context, tx pgx.Tx, uuid string, index int) (domain.ItemStatus, error) {
	// Lock the job row first: every counter bump serializes on it.
	var status domain.ItemStatus
	if _, err := tx.Exec(ctx, `SELECT 1 FROM batch_jobs WHERE uuid=$1 FOR UPDATE`, uuid); err != nil {
		return "", err
	}
	err := tx.QueryRow(ctx,
		`SELECT status FROM batch_job_items WHERE batch_uuid=$1 AND item_index=$2`,
		uuid, index).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", domain.ErrNotFound
		}
		return "", err
	}
	return status, nil
}

// CompleteItem writes the result and bumps counters once. Replaying a
// completed item overwrites the result url without double-counting.
func (r *BatchRepo) CompleteItem(ctx context.Context, uuid string, index int, resultURL string, finishedAt time.Time, durationMS int64) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.CompleteItem")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=batch.complete_item: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := lockItemStatus(ctx, tx, uuid, index)
	if err != nil {
		return fmt.Errorf("op=batch.complete_item: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE batch_job_items SET status=$3, result_url=$4, error_message='', finished_at=$5, duration_ms=$6
		 WHERE batch_uuid=$1 AND item_index=$2`,
		uuid, index, domain.ItemCompleted, resultURL, finishedAt.UTC(), durationMS)
	if err != nil {
		return fmt.Errorf("op=batch.complete_item: %w", err)
	}

	switch prev {
	case domain.ItemCompleted:
		// Replay: result overwritten, counters untouched.
	case domain.ItemFailed:
		_, err = tx.Exec(ctx,
			`UPDATE batch_jobs SET completed=completed+1, failed=failed-1 WHERE uuid=$1`, uuid)
	default:
		_, err = tx.Exec(ctx,
			`UPDATE batch_jobs SET completed=completed+1, pending=pending-1 WHERE uuid=$1`, uuid)
	}
	if err != nil {
		return fmt.Errorf("op=batch.complete_item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=batch.complete_item: %w", err)
	}
	return nil
}

// FailItem records the failure and bumps counters once.
func (r *BatchRepo) FailItem(ctx context.Context, uuid string, index int, errMsg string, finishedAt time.Time) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.FailItem")
	defer span.End()

	if len(errMsg) > maxItemErrorLen {
		errMsg = errMsg[:maxItemErrorLen]
	}

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("op=batch.fail_item: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	prev, err := lockItemStatus(ctx, tx, uuid, index)
	if err != nil {
		return fmt.Errorf("op=batch.fail_item: %w", err)
	}
	if prev == domain.ItemCompleted || prev == domain.ItemFailed {
		// Item already settled; a late failure report changes nothing.
		return tx.Commit(ctx)
	}

	_, err = tx.Exec(ctx,
		`UPDATE batch_job_items SET status=$3, error_message=$4, finished_at=$5
		 WHERE batch_uuid=$1 AND item_index=$2`,
		uuid, index, domain.ItemFailed, errMsg, finishedAt.UTC())
	if err != nil {
		return fmt.Errorf("op=batch.fail_item: %w", err)
	}
	_, err = tx.Exec(ctx,
		`UPDATE batch_jobs SET failed=failed+1, pending=pending-1 WHERE uuid=$1`, uuid)
	if err != nil {
		return fmt.Errorf("op=batch.fail_item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=batch.fail_item: %w", err)
	}
	return nil
}

// UpdateETA stores the moving-average item duration and projected finish.
func (r *BatchRepo) UpdateETA(ctx context.Context, uuid string, avgItemMS int64, eta *time.Time) error {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.UpdateETA")
	defer span.End()

	_, err := r.Pool.Exec(ctx,
		`UPDATE batch_jobs SET avg_item_ms=$2, eta=$3 WHERE uuid=$1`, uuid, avgItemMS, eta)
	if err != nil {
		return fmt.Errorf("op=batch.update_eta: %w", err)
	}
	return nil
}

// Claim leases up to limit QUEUED jobs to a worker. Jobs whose previous
// lease expired are claimable again; SKIP LOCKED keeps concurrent
// claimers from blocking each other.
func (r *BatchRepo) Claim(ctx context.Context, limit int, claimedBy string, leaseTTL time.Duration, now time.Time) ([]domain.BatchJob, error) {
	tracer := otel.Tracer("repo.batches")
	ctx, span := tracer.Start(ctx, "batches.Claim")
	defer span.End()
	span.SetAttributes(attribute.String("batch.claimed_by", claimedBy))

	rows, err := r.Pool.Query(ctx,
		`UPDATE batch_jobs SET claimed_by=$2, claim_expires_at=$3
		 WHERE uuid IN (
		   SELECT uuid FROM batch_jobs
		   WHERE status=$4 AND (claimed_by='' OR claimed_by IS NULL OR claim_expires_at < $5)
		   ORDER BY created_at
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+batchColumns,
		limit, claimedBy, now.UTC().Add(leaseTTL), domain.BatchQueued, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("op=batch.claim: %w", err)
	}
	defer rows.Close()

	var out []domain.BatchJob
	for rows.Next() {
		j, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("op=batch.claim: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=batch.claim: %w", err)
	}
	return out, nil
}
