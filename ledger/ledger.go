// Package ledger is the account substrate backing escrow custody and bonded
// stake. Every mutation runs inside a caller-provided transaction so a failed
// transfer aborts the whole operation it belongs to.
package ledger

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

var (
	// ErrNoAccount signals a transfer leg that does not exist.
	ErrNoAccount = errors.New("ledger: account not found")
	// ErrInsufficientFunds signals the source balance cannot cover the transfer.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrInvalidAmount signals a non-positive transfer amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
)

// Ledger moves value between accounts identified by opaque string keys.
type Ledger interface {
	// EnsureAccount creates the account with a zero balance if it does not exist.
	EnsureAccount(ctx context.Context, tx pgx.Tx, id string) error
	// Transfer moves amount from one account to another, failing without any
	// effect when the source is missing or short.
	Transfer(ctx context.Context, tx pgx.Tx, from, to string, amount int64) error
	// Balance returns the current balance of an account.
	Balance(ctx context.Context, tx pgx.Tx, id string) (int64, error)
	// CloseAccount sweeps any residual balance to residualTo, removes the
	// account, and reports the swept amount.
	CloseAccount(ctx context.Context, tx pgx.Tx, id, residualTo string) (int64, error)
}

// CallCustody derives the custody account key holding a call's escrowed funds.
func CallCustody(callID string) string {
	return "call:" + callID
}

// BondCustody derives the custody account key holding a service's bonded stake.
func BondCustody(serviceID string) string {
	return "bond:" + serviceID
}
