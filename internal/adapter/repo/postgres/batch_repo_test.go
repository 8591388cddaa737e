package postgres_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenstudio/media-orchestrator/internal/adapter/repo/postgres"
	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

func TestBatchCreateCharged(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{{vals: []any{int64(100)}}}}
	repo := postgres.NewBatchRepo(&fakePool{tx: tx})

	job := domain.BatchJob{
		UUID:           "b1",
		UserID:         7,
		OutputType:     domain.OutputImage,
		Config:         domain.JobConfig{Type: domain.OutputImage, Image: &domain.ImageConfig{ConfigHeader: domain.ConfigHeader{Model: "wan"}}},
		Quantity:       2,
		CreditsCharged: 2,
		CreatedAt:      time.Now(),
	}
	items := []domain.BatchJobItem{
		{Index: 0, Prompt: "a"},
		{Index: 1, Prompt: "b"},
	}
	require.NoError(t, repo.CreateCharged(context.Background(), job, items))
	require.True(t, tx.committed)

	// Debit (update+insert), job insert, two item inserts.
	require.Len(t, tx.execs, 5)
	assert.Contains(t, tx.execs[2].sql, "INSERT INTO batch_jobs")
	assert.Contains(t, tx.execs[3].sql, "INSERT INTO batch_job_items")
}

func TestBatchCreateChargedInsufficientRollsBack(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{{vals: []any{int64(1)}}}}
	repo := postgres.NewBatchRepo(&fakePool{tx: tx})

	job := domain.BatchJob{UUID: "b1", UserID: 7, Quantity: 2, CreditsCharged: 2,
		Config: domain.JobConfig{Type: domain.OutputImage, Image: &domain.ImageConfig{}}}
	err := repo.CreateCharged(context.Background(), job, nil)
	var ice *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
}

func TestBatchFinalize(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 1")}
	repo := postgres.NewBatchRepo(pool)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.Finalize(ctx, "b1", domain.BatchFailed, "all items failed", now))
	require.Len(t, pool.execs, 1)
	assert.Equal(t, "all items failed", pool.execs[0].args[2])

	// Non-FAILED terminal statuses never carry an error message.
	require.NoError(t, repo.Finalize(ctx, "b1", domain.BatchCompleted, "ignored", now))
	assert.Equal(t, "", pool.execs[1].args[2])

	err := repo.Finalize(ctx, "b1", domain.BatchRunning, "", now)
	require.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestBatchFinalizeAlreadyTerminal(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewBatchRepo(pool)
	err := repo.Finalize(context.Background(), "b1", domain.BatchCompleted, "", time.Now())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func TestBatchMarkRunningConflict(t *testing.T) {
	pool := &fakePool{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewBatchRepo(pool)
	err := repo.MarkRunning(context.Background(), "b1", time.Now())
	require.ErrorIs(t, err, domain.ErrConflict)
}

func itemCounterExecs(tx *fakeTx) []string {
	var out []string
	for _, e := range tx.execs {
		if strings.Contains(e.sql, "UPDATE batch_jobs SET") {
			out = append(out, e.sql)
		}
	}
	return out
}

func TestBatchCompleteItemCounters(t *testing.T) {
	tests := []struct {
		name     string
		prev     domain.ItemStatus
		wantBump string
	}{
		{"from running", domain.ItemRunning, "completed=completed+1, pending=pending-1"},
		{"from pending", domain.ItemPending, "completed=completed+1, pending=pending-1"},
		{"re-complete keeps counters", domain.ItemCompleted, ""},
		{"flip from failed", domain.ItemFailed, "completed=completed+1, failed=failed-1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx := &fakeTx{rows: []fakeRow{{vals: []any{tt.prev}}}}
			repo := postgres.NewBatchRepo(&fakePool{tx: tx})

			err := repo.CompleteItem(context.Background(), "b1", 0, "https://cdn/x.png", time.Now(), 1200)
			require.NoError(t, err)
			require.True(t, tx.committed)

			bumps := itemCounterExecs(tx)
			if tt.wantBump == "" {
				assert.Empty(t, bumps)
				return
			}
			require.Len(t, bumps, 1)
			assert.Contains(t, bumps[0], tt.wantBump)
		})
	}
}

func TestBatchFailItem(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{{vals: []any{domain.ItemRunning}}}}
	repo := postgres.NewBatchRepo(&fakePool{tx: tx})

	long := strings.Repeat("x", 600)
	require.NoError(t, repo.FailItem(context.Background(), "b1", 3, long, time.Now()))

	var itemUpdate *execCall
	for i := range tx.execs {
		if strings.Contains(tx.execs[i].sql, "batch_job_items") {
			itemUpdate = &tx.execs[i]
		}
	}
	require.NotNil(t, itemUpdate)
	assert.Len(t, itemUpdate.args[3], 500, "error message must be truncated")

	bumps := itemCounterExecs(tx)
	require.Len(t, bumps, 1)
	assert.Contains(t, bumps[0], "failed=failed+1, pending=pending-1")
}

func TestBatchFailItemAlreadySettled(t *testing.T) {
	for _, prev := range []domain.ItemStatus{domain.ItemCompleted, domain.ItemFailed} {
		tx := &fakeTx{rows: []fakeRow{{vals: []any{prev}}}}
		repo := postgres.NewBatchRepo(&fakePool{tx: tx})

		require.NoError(t, repo.FailItem(context.Background(), "b1", 0, "late report", time.Now()))
		assert.True(t, tx.committed)
		assert.Empty(t, itemCounterExecs(tx), "settled item %s must not double-count", prev)
	}
}

func TestBatchCancelRefund(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{
		{vals: []any{int64(7)}},   // RETURNING user_id
		{vals: []any{int64(60)}},  // SELECT credits FOR UPDATE
	}}
	repo := postgres.NewBatchRepo(&fakePool{tx: tx})

	require.NoError(t, repo.CancelRefund(context.Background(), "b1", 40, time.Now()))
	require.True(t, tx.committed)

	var sqls []string
	for _, e := range tx.execs {
		sqls = append(sqls, e.sql)
	}
	joined := strings.Join(sqls, "\n")
	assert.Contains(t, joined, "UPDATE users")
	assert.Contains(t, joined, "INSERT INTO credit_transactions")
}

func TestBatchCancelRefundZeroSkipsLedger(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{{vals: []any{int64(7)}}}}
	repo := postgres.NewBatchRepo(&fakePool{tx: tx})

	require.NoError(t, repo.CancelRefund(context.Background(), "b1", 0, time.Now()))
	for _, e := range tx.execs {
		assert.NotContains(t, e.sql, "credit_transactions")
	}
}

func TestUserRepoGetNotFound(t *testing.T) {
	pool := &fakePool{row: fakeRow{err: pgx.ErrNoRows}}
	repo := postgres.NewUserRepo(pool)
	_, err := repo.Get(context.Background(), 404)
	require.ErrorIs(t, err, domain.ErrNotFound)
}
