package ledger

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// MemoryLedger mirrors the SQL ledger semantics in process memory. Service
// unit tests use it together with a fake transaction so the escrow and
// reputation logic can be exercised without a database.
type MemoryLedger struct {
	Accounts map[string]int64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{Accounts: make(map[string]int64)}
}

func (l *MemoryLedger) EnsureAccount(ctx context.Context, tx pgx.Tx, id string) error {
	if _, ok := l.Accounts[id]; !ok {
		l.Accounts[id] = 0
	}
	return nil
}

func (l *MemoryLedger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	fromBalance, ok := l.Accounts[from]
	if !ok {
		return ErrNoAccount
	}
	if _, ok := l.Accounts[to]; !ok {
		return ErrNoAccount
	}
	if fromBalance < amount {
		return ErrInsufficientFunds
	}
	l.Accounts[from] -= amount
	l.Accounts[to] += amount
	return nil
}

func (l *MemoryLedger) Balance(ctx context.Context, tx pgx.Tx, id string) (int64, error) {
	balance, ok := l.Accounts[id]
	if !ok {
		return 0, ErrNoAccount
	}
	return balance, nil
}

func (l *MemoryLedger) CloseAccount(ctx context.Context, tx pgx.Tx, id, residualTo string) (int64, error) {
	residual, ok := l.Accounts[id]
	if !ok {
		return 0, ErrNoAccount
	}
	delete(l.Accounts, id)
	if residual > 0 {
		l.Accounts[residualTo] += residual
	}
	return residual, nil
}
