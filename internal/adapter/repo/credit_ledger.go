package repo

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// CreditLedgerPG implements domain.CreditLedger against an append-only
// credit_entries table. Debits are stored as negative amounts; the owner
// balance is the running sum. ref_id carries a unique constraint, which is
// what makes Debit and Credit idempotent.
type CreditLedgerPG struct {
	pool *pgxpool.Pool
}

// NewCreditLedger creates a credit ledger backed by PostgreSQL.
func NewCreditLedger(pool *pgxpool.Pool) *CreditLedgerPG {
	return &CreditLedgerPG{pool: pool}
}

// HasSufficientBalance reports whether the owner can cover the amount.
func (l *CreditLedgerPG) HasSufficientBalance(ctx context.Context, ownerID string, amount int) (bool, error) {
	var balance int
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_entries WHERE owner_id = $1;`, ownerID,
	).Scan(&balance)
	if err != nil {
		return false, fmt.Errorf("credit balance: %w", err)
	}
	return balance >= amount, nil
}

// Debit records a negative entry and returns the new balance. A repeated
// refID leaves the ledger unchanged.
func (l *CreditLedgerPG) Debit(ctx context.Context, ownerID string, amount int, reason, refID string) (int, error) {
	query := `
INSERT INTO credit_entries (id, owner_id, amount, reason, ref_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ref_id) DO NOTHING;
`
	if _, err := l.pool.Exec(ctx, query, uuid.NewString(), ownerID, -amount, reason, refID); err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	var balance int
	err := l.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(amount), 0) FROM credit_entries WHERE owner_id = $1;`, ownerID,
	).Scan(&balance)
	if err != nil {
		return 0, fmt.Errorf("debit balance: %w", err)
	}
	return balance, nil
}

// Credit records a positive entry (refund). A repeated refID leaves the
// ledger unchanged.
func (l *CreditLedgerPG) Credit(ctx context.Context, ownerID string, amount int, reason, refID string) error {
	query := `
INSERT INTO credit_entries (id, owner_id, amount, reason, ref_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (ref_id) DO NOTHING;
`
	if _, err := l.pool.Exec(ctx, query, uuid.NewString(), ownerID, amount, reason, refID); err != nil {
		return fmt.Errorf("credit refund: %w", err)
	}
	return nil
}

// HasEntry reports whether a ledger entry with the reference id exists.
func (l *CreditLedgerPG) HasEntry(ctx context.Context, refID string) (bool, error) {
	var exists bool
	err := l.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM credit_entries WHERE ref_id = $1);`, refID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ledger lookup: %w", err)
	}
	return exists, nil
}
