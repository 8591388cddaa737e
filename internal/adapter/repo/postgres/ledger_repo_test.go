package postgres_test

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenstudio/media-orchestrator/internal/adapter/repo/postgres"
	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

func TestLedgerApplyDebit(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{{vals: []any{int64(100)}}}}
	repo := postgres.NewLedgerRepo(&fakePool{tx: tx})

	tr, err := repo.Apply(context.Background(), 7, -30, "batch job b1", domain.TxSourceJob, "b1", false)
	require.NoError(t, err)
	assert.EqualValues(t, -30, tr.Amount)
	assert.EqualValues(t, 70, tr.BalanceAfter)
	assert.EqualValues(t, 7, tr.UserID)
	assert.NotEmpty(t, tr.ID)
	assert.True(t, tx.committed)

	// Balance update plus ledger insert.
	require.Len(t, tx.execs, 2)
	assert.Contains(t, tx.execs[0].sql, "UPDATE users")
	assert.Contains(t, tx.execs[1].sql, "INSERT INTO credit_transactions")
}

func TestLedgerApplyInsufficient(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{{vals: []any{int64(29)}}}}
	repo := postgres.NewLedgerRepo(&fakePool{tx: tx})

	_, err := repo.Apply(context.Background(), 7, -30, "d", domain.TxSourceJob, "b1", false)
	var ice *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.EqualValues(t, 30, ice.Required)
	assert.EqualValues(t, 29, ice.Available)
	assert.False(t, tx.committed)
	assert.True(t, tx.rolledBack)
	assert.Empty(t, tx.execs, "no mutation may run once the balance check fails")
}

func TestLedgerApplyAllowNegative(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{{vals: []any{int64(5)}}}}
	repo := postgres.NewLedgerRepo(&fakePool{tx: tx})

	tr, err := repo.Apply(context.Background(), 7, -10, "manual adjustment", domain.TxSourceManual, "", true)
	require.NoError(t, err)
	assert.EqualValues(t, -5, tr.BalanceAfter)
}

func TestLedgerApplyUserMissing(t *testing.T) {
	tx := &fakeTx{rows: []fakeRow{{err: pgx.ErrNoRows}}}
	repo := postgres.NewLedgerRepo(&fakePool{tx: tx})

	_, err := repo.Apply(context.Background(), 404, 10, "d", domain.TxSourcePayment, "", false)
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "op=ledger.apply")
}

func TestLedgerApplyBeginError(t *testing.T) {
	repo := postgres.NewLedgerRepo(&fakePool{beginErr: errors.New("pool exhausted")})
	_, err := repo.Apply(context.Background(), 1, 10, "d", domain.TxSourcePayment, "", false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=ledger.apply")
}
