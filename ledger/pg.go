package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// PGLedger implements Ledger on the accounts table.
type PGLedger struct{}

// NewPGLedger wires the PostgreSQL-backed ledger implementation.
func NewPGLedger() *PGLedger {
	return &PGLedger{}
}

func (l *PGLedger) EnsureAccount(ctx context.Context, tx pgx.Tx, id string) error {
	if id == "" {
		return fmt.Errorf("ledger: empty account id")
	}
	_, err := tx.Exec(ctx, `INSERT INTO accounts (id, balance) VALUES ($1, 0) ON CONFLICT (id) DO NOTHING`, id)
	if err != nil {
		return fmt.Errorf("ledger: ensure account: %w", err)
	}
	return nil
}

func (l *PGLedger) Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	// Lock both legs in key order so concurrent transfers cannot deadlock.
	first, second := from, to
	if second < first {
		first, second = second, first
	}
	balances := make(map[string]int64, 2)
	rows, err := tx.Query(ctx, `SELECT id, balance FROM accounts WHERE id = ANY($1) ORDER BY id FOR UPDATE`, []string{first, second})
	if err != nil {
		return fmt.Errorf("ledger: lock accounts: %w", err)
	}
	for rows.Next() {
		var id string
		var balance int64
		if err := rows.Scan(&id, &balance); err != nil {
			rows.Close()
			return fmt.Errorf("ledger: scan account: %w", err)
		}
		balances[id] = balance
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: iterate accounts: %w", err)
	}

	fromBalance, ok := balances[from]
	if !ok {
		return ErrNoAccount
	}
	if _, ok := balances[to]; !ok {
		return ErrNoAccount
	}
	if fromBalance < amount {
		return ErrInsufficientFunds
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1, updated_at = NOW() WHERE id = $2`, amount, from); err != nil {
		return fmt.Errorf("ledger: debit %s: %w", from, err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, amount, to); err != nil {
		return fmt.Errorf("ledger: credit %s: %w", to, err)
	}
	return nil
}

func (l *PGLedger) Balance(ctx context.Context, tx pgx.Tx, id string) (int64, error) {
	var balance int64
	err := tx.QueryRow(ctx, `SELECT balance FROM accounts WHERE id = $1`, id).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoAccount
		}
		return 0, fmt.Errorf("ledger: balance %s: %w", id, err)
	}
	return balance, nil
}

func (l *PGLedger) CloseAccount(ctx context.Context, tx pgx.Tx, id, residualTo string) (int64, error) {
	var residual int64
	err := tx.QueryRow(ctx, `DELETE FROM accounts WHERE id = $1 RETURNING balance`, id).Scan(&residual)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNoAccount
		}
		return 0, fmt.Errorf("ledger: close %s: %w", id, err)
	}
	if residual > 0 {
		if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1, updated_at = NOW() WHERE id = $2`, residual, residualTo); err != nil {
			return 0, fmt.Errorf("ledger: sweep residual to %s: %w", residualTo, err)
		}
	}
	return residual, nil
}
