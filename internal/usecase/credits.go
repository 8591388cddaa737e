// Package usecase hosts the application services over the domain ports.
package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lumenstudio/media-orchestrator/internal/domain"
	"github.com/lumenstudio/media-orchestrator/internal/observability"
)

// CreditService owns balance changes. Every mutation goes through the
// ledger so balance and transaction history can never drift apart.
type CreditService struct {
	users  domain.UserRepository
	ledger domain.LedgerRepository
}

// NewCreditService wires the service.
func NewCreditService(users domain.UserRepository, ledger domain.LedgerRepository) *CreditService {
	return &CreditService{users: users, ledger: ledger}
}

// Balance returns the user's current balance.
func (s *CreditService) Balance(ctx context.Context, userID int64) (int64, error) {
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("op=credits.balance: %w", err)
	}
	return u.Credits, nil
}

// Add credits a positive amount (purchases, promos, manual grants).
func (s *CreditService) Add(ctx context.Context, userID, amount int64, source, description, referenceID string) (domain.CreditTransaction, error) {
	if amount <= 0 {
		return domain.CreditTransaction{}, fmt.Errorf("op=credits.add: %w: amount must be positive", domain.ErrInvalidArgument)
	}
	t, err := s.ledger.Apply(ctx, userID, amount, description, source, referenceID, false)
	if err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=credits.add: %w", err)
	}
	observability.LoggerFromContext(ctx).Info("credits added",
		slog.Int64("user_id", userID), slog.Int64("amount", amount), slog.String("source", source))
	return t, nil
}

// Deduct debits a positive amount; the balance must cover it.
func (s *CreditService) Deduct(ctx context.Context, userID, amount int64, description, referenceID string) (domain.CreditTransaction, error) {
	if amount <= 0 {
		return domain.CreditTransaction{}, fmt.Errorf("op=credits.deduct: %w: amount must be positive", domain.ErrInvalidArgument)
	}
	t, err := s.ledger.Apply(ctx, userID, -amount, description, domain.TxSourceJob, referenceID, false)
	if err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=credits.deduct: %w", err)
	}
	observability.CreditsChargedTotal.Add(float64(amount))
	return t, nil
}

// Refund returns a positive amount to the user.
func (s *CreditService) Refund(ctx context.Context, userID, amount int64, description, referenceID string) (domain.CreditTransaction, error) {
	if amount <= 0 {
		return domain.CreditTransaction{}, fmt.Errorf("op=credits.refund: %w: amount must be positive", domain.ErrInvalidArgument)
	}
	t, err := s.ledger.Apply(ctx, userID, amount, description, domain.TxSourceRefund, referenceID, false)
	if err != nil {
		return domain.CreditTransaction{}, fmt.Errorf("op=credits.refund: %w", err)
	}
	observability.CreditsRefundedTotal.Add(float64(amount))
	return t, nil
}

// Transactions returns the user's ledger history.
func (s *CreditService) Transactions(ctx context.Context, userID int64) ([]domain.CreditTransaction, error) {
	return s.ledger.Transactions(ctx, userID)
}

// AuditViolation describes one inconsistency found by Audit.
type AuditViolation struct {
	TransactionID string
	Expected      int64
	Got           int64
}

func (v AuditViolation) String() string {
	return fmt.Sprintf("tx %s: balance_after=%d, running sum=%d", v.TransactionID, v.Got, v.Expected)
}

// Audit walks the user's ledger verifying each row's balance_after
// equals the running sum and that the final sum matches the live
// balance. Violations are returned, not repaired.
func (s *CreditService) Audit(ctx context.Context, userID int64) ([]AuditViolation, error) {
	txs, err := s.ledger.Transactions(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("op=credits.audit: %w", err)
	}
	u, err := s.users.Get(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("op=credits.audit: %w", err)
	}

	var violations []AuditViolation
	var sum int64
	for _, t := range txs {
		sum += t.Amount
		if t.BalanceAfter != sum {
			violations = append(violations, AuditViolation{TransactionID: t.ID, Expected: sum, Got: t.BalanceAfter})
		}
	}
	if sum != u.Credits {
		violations = append(violations, AuditViolation{TransactionID: "balance", Expected: sum, Got: u.Credits})
	}
	return violations, nil
}
