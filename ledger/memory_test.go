package ledger

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryLedger_Transfer(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	if err := l.EnsureAccount(ctx, nil, "alice"); err != nil {
		t.Fatalf("ensure alice: %v", err)
	}
	if err := l.EnsureAccount(ctx, nil, "bob"); err != nil {
		t.Fatalf("ensure bob: %v", err)
	}
	l.Accounts["alice"] = 100

	if err := l.Transfer(ctx, nil, "alice", "bob", 60); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := l.Accounts["alice"]; got != 40 {
		t.Fatalf("alice balance: expected 40 got %d", got)
	}
	if got := l.Accounts["bob"]; got != 60 {
		t.Fatalf("bob balance: expected 60 got %d", got)
	}

	if err := l.Transfer(ctx, nil, "alice", "bob", 41); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if err := l.Transfer(ctx, nil, "alice", "bob", 0); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
	if err := l.Transfer(ctx, nil, "carol", "bob", 1); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount, got %v", err)
	}
}

func TestMemoryLedger_CloseAccountSweepsResidual(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	l.Accounts["call:c1"] = 25
	l.Accounts["payer"] = 5

	residual, err := l.CloseAccount(ctx, nil, "call:c1", "payer")
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if residual != 25 {
		t.Fatalf("expected residual 25 got %d", residual)
	}
	if got := l.Accounts["payer"]; got != 30 {
		t.Fatalf("payer balance: expected 30 got %d", got)
	}
	if _, ok := l.Accounts["call:c1"]; ok {
		t.Fatal("expected custody account to be removed")
	}

	if _, err := l.CloseAccount(ctx, nil, "call:c1", "payer"); !errors.Is(err, ErrNoAccount) {
		t.Fatalf("expected ErrNoAccount on double close, got %v", err)
	}
}

func TestCustodyKeys(t *testing.T) {
	if got := CallCustody("abc"); got != "call:abc" {
		t.Fatalf("call custody: %s", got)
	}
	if got := BondCustody("svc"); got != "bond:svc" {
		t.Fatalf("bond custody: %s", got)
	}
}
