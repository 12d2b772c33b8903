package reputation

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"assured/ledger"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Repository defines the data access required by the service. Records are
// created lazily: GetOrCreateForUpdate materializes a zeroed row on first
// touch and locks it for the rest of the operation.
type Repository interface {
	GetOrCreateForUpdate(ctx context.Context, tx pgx.Tx, serviceID string) (Record, error)
	Update(ctx context.Context, tx pgx.Tx, record Record) error
	Get(ctx context.Context, serviceID string) (Record, error)
}

// Service owns the per-service reputation aggregates and the bonded stake.
// The settlement authority identity is injected so slashing can be exercised
// in isolation.
type Service struct {
	pool      TxBeginner
	repo      Repository
	ledger    ledger.Ledger
	authority string
}

func NewService(pool TxBeginner, repo Repository, lgr ledger.Ledger, authority string) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		ledger:    lgr,
		authority: authority,
	}
}

// UpdateOutcome folds one weighted call outcome into the service's counters.
func (s *Service) UpdateOutcome(ctx context.Context, serviceID string, outcome uint8, weight float64) error {
	if serviceID == "" {
		return fmt.Errorf("reputation: service id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reputation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	record, err := s.repo.GetOrCreateForUpdate(ctx, tx, serviceID)
	if err != nil {
		return err
	}
	record.ApplyOutcome(outcome, weight)
	if err := s.repo.Update(ctx, tx, record); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reputation: commit outcome: %w", err)
	}
	return nil
}

// UpdateLatency folds one latency sample into the service's estimates.
func (s *Service) UpdateLatency(ctx context.Context, serviceID string, sampleMs int64) error {
	if serviceID == "" {
		return fmt.Errorf("reputation: service id required")
	}
	if sampleMs < 0 {
		return ErrInvalidSample
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reputation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	record, err := s.repo.GetOrCreateForUpdate(ctx, tx, serviceID)
	if err != nil {
		return err
	}
	record.RecordLatency(sampleMs)
	if err := s.repo.Update(ctx, tx, record); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reputation: commit latency: %w", err)
	}
	return nil
}

// BondDeposit transfers stake from the caller into the service's bond
// custody. The first depositor becomes the owner; afterwards only the owner
// may deposit.
func (s *Service) BondDeposit(ctx context.Context, serviceID, caller string, amount int64) error {
	if serviceID == "" || caller == "" {
		return fmt.Errorf("reputation: service id and caller required")
	}
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reputation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	record, err := s.repo.GetOrCreateForUpdate(ctx, tx, serviceID)
	if err != nil {
		return err
	}
	if record.Owner == "" {
		record.Owner = caller
	} else if record.Owner != caller {
		return ErrInvalidOwner
	}

	custody := ledger.BondCustody(serviceID)
	if err := s.ledger.EnsureAccount(ctx, tx, custody); err != nil {
		return err
	}
	if err := s.ledger.Transfer(ctx, tx, caller, custody, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrNoAccount) {
			return ErrInvalidAmount
		}
		return fmt.Errorf("reputation: fund bond: %w", err)
	}

	record.BondBalance = satAdd(record.BondBalance, amount)
	if err := s.repo.Update(ctx, tx, record); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reputation: commit deposit: %w", err)
	}
	return nil
}

// BondWithdraw returns stake to the owner.
func (s *Service) BondWithdraw(ctx context.Context, serviceID, caller string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("reputation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	record, err := s.repo.GetOrCreateForUpdate(ctx, tx, serviceID)
	if err != nil {
		return err
	}
	if record.Owner == "" || record.Owner != caller {
		return ErrInvalidOwner
	}
	if record.BondBalance < amount {
		return ErrInsufficientBond
	}

	if err := s.ledger.Transfer(ctx, tx, ledger.BondCustody(serviceID), caller, amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) {
			return ErrInsufficientBond
		}
		return fmt.Errorf("reputation: withdraw bond: %w", err)
	}

	record.BondBalance -= amount
	if err := s.repo.Update(ctx, tx, record); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("reputation: commit withdraw: %w", err)
	}
	return nil
}

// BondSlash forfeits stake to a recipient. Only the configured settlement
// authority may slash; the transferred amount is capped at the bonded
// balance so the bond never goes negative. Returns the amount actually
// slashed.
func (s *Service) BondSlash(ctx context.Context, serviceID, authority, recipient string, amount int64) (int64, error) {
	if authority != s.authority {
		return 0, ErrInvalidAuthority
	}
	if amount < 0 {
		return 0, ErrInvalidAmount
	}
	if recipient == "" {
		return 0, fmt.Errorf("reputation: slash recipient required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("reputation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	record, err := s.repo.GetOrCreateForUpdate(ctx, tx, serviceID)
	if err != nil {
		return 0, err
	}

	actual := amount
	if record.BondBalance < actual {
		actual = record.BondBalance
	}
	if actual > 0 {
		if err := s.ledger.Transfer(ctx, tx, ledger.BondCustody(serviceID), recipient, actual); err != nil {
			return 0, fmt.Errorf("reputation: pay slash: %w", err)
		}
		record.BondBalance -= actual
		if err := s.repo.Update(ctx, tx, record); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("reputation: commit slash: %w", err)
	}
	return actual, nil
}

// Snapshot returns the current reputation record for read-side callers.
func (s *Service) Snapshot(ctx context.Context, serviceID string) (Record, error) {
	return s.repo.Get(ctx, serviceID)
}
