package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
)

// LedgerRepo mutates balances and appends ledger rows atomically. The
// user row is the mutex: every balance change takes SELECT ... FOR UPDATE.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// applyLedgerTx performs one balance mutation plus its ledger row inside
// an already-open transaction. Shared with the batch repo so job
// charging and refunds ride the same transaction as their row changes.
func applyLedgerTx(ctx context.Context, tx pgx.Tx, userID, amount int64, description, source, referenceID string, allowNegative bool) (domain.CreditTransaction, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT credits FROM users WHERE id=$1 FOR UPDATE`, userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.CreditTransaction{}, domain.ErrNotFound
		}
		return domain.CreditTransaction{}, err
	}

	newBalance := balance + amount
	if newBalance < 0 && !allowNegative {
		return domain.CreditTransaction{}, &domain.InsufficientCreditsError{
			Required:  -amount,
			Available: balance,
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE users SET credits=$2 WHERE id=$1`, userID, newBalance); err != nil {
		return domain.CreditTransaction{}, err
	}

	t := domain.CreditTransaction{
		ID:           ulid.Make().String(),
		UserID:       userID,
		Amount:       amount,
		BalanceAfter: newBalance,
		Description:  description,
		Source:       source,
		ReferenceID:  referenceID,
		CreatedAt:    time.Now().UTC(),
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO credit_transactions (id, user_id, amount, balance_after, description, source, reference_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		t.ID, t.UserID, t.Amount, t.BalanceAfter, t.Description, t.Source, t.ReferenceID, t.CreatedAt)
	if err != nil {
		return domain.CreditTransaction{}, err
	}
	return t, nil
}

// Apply adds amount to the user's balance and appends the matching
// ledger row in one transaction.
func (r *LedgerRepo) Apply(ctx context.Context, userID, amount int64, description, source, referenceID string, allowNegative bool) (domain.CreditTransaction, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Apply")
	defer span.End()

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.apply: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	t, err := applyLedgerTx(ctx, tx, userID, amount, description, source, referenceID, allowNegative)
	if err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.apply: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=ledger.apply: %w", err)
	}
	return t, nil
}

// Transactions returns a user's ledger rows in insertion order.
func (r *LedgerRepo) Transactions(ctx context.Context, userID int64) ([]domain.CreditTransaction, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Transactions")
	defer span.End()

	q := `SELECT id, user_id, amount, balance_after, description, source, reference_id, created_at
	      FROM credit_transactions WHERE user_id=$1 ORDER BY created_at, id`
	rows, err := r.Pool.Query(ctx, q, userID)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.transactions: %w", err)
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var t domain.CreditTransaction
		if err := rows.Scan(&t.ID, &t.UserID, &t.Amount, &t.BalanceAfter, &t.Description, &t.Source, &t.ReferenceID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=ledger.transactions: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=ledger.transactions: %w", err)
	}
	return out, nil
}
