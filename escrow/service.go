package escrow

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"assured/ledger"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CallRepository defines the data access required by the service.
type CallRepository interface {
	Insert(ctx context.Context, tx pgx.Tx, call Call) (Call, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, callID string) (Call, error)
	Update(ctx context.Context, tx pgx.Tx, call Call) error
	Delete(ctx context.Context, tx pgx.Tx, callID string) error
	Get(ctx context.Context, callID string) (Call, error)
}

// OutboxWriter enqueues notification events inside the active transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Service owns the escrow call lifecycle. Every operation runs as a single
// transaction: record mutation, balance transfer, and notification rows all
// commit together or not at all.
type Service struct {
	pool   TxBeginner
	repo   CallRepository
	outbox OutboxWriter
	ledger ledger.Ledger
	now    func() int64
}

func NewService(pool TxBeginner, repo CallRepository, outbox OutboxWriter, lgr ledger.Ledger) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		outbox: outbox,
		ledger: lgr,
		now:    nil,
	}
}

// WithClock overrides the host clock used for start and settlement times.
func (s *Service) WithClock(now func() int64) *Service {
	s.now = now
	return s
}

func (s *Service) clock() int64 {
	if s.now == nil {
		return 0
	}
	return s.now()
}

// OpenParams enumerates the fields required to open an escrowed call.
type OpenParams struct {
	CallID         string
	Payer          string
	Provider       string
	ServiceID      string
	Amount         int64
	SLAMs          int64
	DisputeWindowS int64
	TotalUnits     int64
}

// Open creates the call in state init and escrows the full amount from the
// payer into the call's custody account. A failed funding transfer aborts
// record creation atomically.
func (s *Service) Open(ctx context.Context, params OpenParams) (Call, error) {
	if params.CallID == "" || params.Payer == "" || params.Provider == "" || params.ServiceID == "" {
		return Call{}, fmt.Errorf("escrow: call id, payer, provider and service id are required")
	}
	if len(params.CallID) > MaxIDLen || len(params.ServiceID) > MaxIDLen ||
		len(params.Payer) > MaxIDLen || len(params.Provider) > MaxIDLen {
		return Call{}, ErrIDTooLong
	}
	if params.Amount <= 0 {
		return Call{}, ErrInvalidAmount
	}
	totalUnits := params.TotalUnits
	if totalUnits < 1 {
		totalUnits = 1
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Call{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	call := Call{
		CallID:         params.CallID,
		Payer:          params.Payer,
		Provider:       params.Provider,
		ServiceID:      params.ServiceID,
		Amount:         params.Amount,
		StartTS:        s.clock(),
		SLAMs:          params.SLAMs,
		DisputeWindowS: params.DisputeWindowS,
		TotalUnits:     totalUnits,
		UnitsReleased:  0,
		Status:         StatusInit,
	}

	created, err := s.repo.Insert(ctx, tx, call)
	if err != nil {
		return Call{}, err
	}

	custody := ledger.CallCustody(call.CallID)
	if err := s.ledger.EnsureAccount(ctx, tx, custody); err != nil {
		return Call{}, err
	}
	if err := s.ledger.Transfer(ctx, tx, call.Payer, custody, call.Amount); err != nil {
		if errors.Is(err, ledger.ErrInsufficientFunds) || errors.Is(err, ledger.ErrNoAccount) {
			return Call{}, ErrInvalidAmount
		}
		return Call{}, fmt.Errorf("escrow: fund custody: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Call{}, fmt.Errorf("escrow: commit open: %w", err)
	}
	return created, nil
}

// FulfillFull records a one-shot delivery of the whole call.
func (s *Service) FulfillFull(ctx context.Context, callID, caller string, responseHash [32]byte, ts int64, providerSig []byte) (Call, error) {
	if len(providerSig) > MaxProviderSigLen {
		return Call{}, ErrSignatureTooLong
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Call{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	call, err := s.repo.GetForUpdate(ctx, tx, callID)
	if err != nil {
		return Call{}, err
	}
	if call.Status != StatusInit {
		return Call{}, ErrInvalidStatus
	}
	if caller != call.Provider {
		return Call{}, ErrInvalidProvider
	}

	delivered := ts
	call.ResponseHash = responseHash
	call.DeliveredTS = &delivered
	call.Status = StatusFulfilled
	call.UnitsReleased = call.TotalUnits
	call.ProviderSig = append([]byte(nil), providerSig...)

	if err := s.repo.Update(ctx, tx, call); err != nil {
		return Call{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicFulfilled, map[string]any{
		"call_id": call.CallID,
		"ts":      ts,
	}); err != nil {
		return Call{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, TopicTraceSaved, tracePayload(call.CallID, responseHash, providerSig)); err != nil {
		return Call{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Call{}, fmt.Errorf("escrow: commit fulfill: %w", err)
	}
	return call, nil
}

// FulfillPartial releases a chunk of units, pays the prorated amount for the
// chunk out of custody, and flips the call to fulfilled when the final unit
// lands.
func (s *Service) FulfillPartial(ctx context.Context, callID, caller string, chunkHash [32]byte, units, ts int64, providerSig []byte) (PartialRelease, error) {
	if len(providerSig) > MaxProviderSigLen {
		return PartialRelease{}, ErrSignatureTooLong
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return PartialRelease{}, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	call, err := s.repo.GetForUpdate(ctx, tx, callID)
	if err != nil {
		return PartialRelease{}, err
	}
	if caller != call.Provider {
		return PartialRelease{}, ErrInvalidProvider
	}
	if call.Status != StatusInit {
		return PartialRelease{}, ErrInvalidStatus
	}

	release, err := applyPartialRelease(&call, chunkHash, units, ts, providerSig)
	if err != nil {
		return PartialRelease{}, err
	}

	if release.Payout > 0 {
		custody := ledger.CallCustody(call.CallID)
		if err := s.ledger.Transfer(ctx, tx, custody, call.Provider, release.Payout); err != nil {
			if errors.Is(err, ledger.ErrInsufficientFunds) {
				return PartialRelease{}, ErrEscrowBalanceLow
			}
			return PartialRelease{}, fmt.Errorf("escrow: pay partial release: %w", err)
		}
	}

	if err := s.repo.Update(ctx, tx, call); err != nil {
		return PartialRelease{}, err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicPartialReleased, map[string]any{
		"call_id":     call.CallID,
		"units":       release.Units,
		"total_units": release.TotalUnits,
		"payout":      release.Payout,
	}); err != nil {
		return PartialRelease{}, err
	}
	if release.EmitTrace {
		if err := s.outbox.Enqueue(ctx, tx, TopicTraceSaved, tracePayload(call.CallID, chunkHash, providerSig)); err != nil {
			return PartialRelease{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return PartialRelease{}, fmt.Errorf("escrow: commit partial release: %w", err)
	}
	return release, nil
}

// RaiseDispute flags the call disputed. The flag is monotonic; it never
// reverts and carries no payout of its own.
func (s *Service) RaiseDispute(ctx context.Context, callID, caller string, kind uint8, reasonHash [32]byte) error {
	if kind > DisputeKindMismatchHash {
		return ErrInvalidDisputeKind
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	call, err := s.repo.GetForUpdate(ctx, tx, callID)
	if err != nil {
		return err
	}
	if caller != call.Payer {
		return ErrInvalidReporter
	}
	if call.Status != StatusInit && call.Status != StatusFulfilled {
		return ErrInvalidStatus
	}

	call.Disputed = true
	if err := s.repo.Update(ctx, tx, call); err != nil {
		return err
	}

	if err := s.outbox.Enqueue(ctx, tx, TopicDisputed, map[string]any{
		"call_id":     call.CallID,
		"kind":        kind,
		"reason_hash": hex.EncodeToString(reasonHash[:]),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("escrow: commit dispute: %w", err)
	}
	return nil
}

// Settle evaluates the final outcome and pays the unreleased remainder to the
// provider (release) or back to the payer (refund). Amounts already paid out
// during partial fulfillment are never reversed. The call record is closed:
// the row is deleted and any custody residue swept back to the payer.
func (s *Service) Settle(ctx context.Context, callID, payer, provider string) (Outcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	call, err := s.repo.GetForUpdate(ctx, tx, callID)
	if err != nil {
		return "", err
	}
	if call.Status != StatusInit && call.Status != StatusFulfilled {
		return "", ErrInvalidStatus
	}
	if payer != call.Payer {
		return "", ErrInvalidPayer
	}
	if provider != call.Provider {
		return "", ErrInvalidProvider
	}

	outcome := EvaluateSettlement(&call, s.clock())
	releasedSoFar := call.AmountForUnits(0, call.UnitsReleased)
	remainingUnits := call.TotalUnits - call.UnitsReleased
	remainingAmount := satSub(call.Amount, releasedSoFar)
	custody := ledger.CallCustody(call.CallID)

	switch outcome {
	case OutcomeRelease:
		if remainingUnits > 0 {
			payout := call.AmountForUnits(call.UnitsReleased, remainingUnits)
			if payout > 0 {
				if err := s.ledger.Transfer(ctx, tx, custody, call.Provider, payout); err != nil {
					if errors.Is(err, ledger.ErrInsufficientFunds) {
						return "", ErrEscrowBalanceLow
					}
					return "", fmt.Errorf("escrow: pay release: %w", err)
				}
			}
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicReleased, map[string]any{"call_id": call.CallID}); err != nil {
			return "", err
		}
	case OutcomeRefund:
		if remainingAmount > 0 {
			if err := s.ledger.Transfer(ctx, tx, custody, call.Payer, remainingAmount); err != nil {
				if errors.Is(err, ledger.ErrInsufficientFunds) {
					return "", ErrEscrowBalanceLow
				}
				return "", fmt.Errorf("escrow: pay refund: %w", err)
			}
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicRefunded, map[string]any{"call_id": call.CallID}); err != nil {
			return "", err
		}
	}

	if err := s.repo.Delete(ctx, tx, call.CallID); err != nil {
		return "", err
	}
	if _, err := s.ledger.CloseAccount(ctx, tx, custody, call.Payer); err != nil {
		return "", fmt.Errorf("escrow: close custody: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("escrow: commit settle: %w", err)
	}
	return outcome, nil
}

// Get returns the call record for read-side callers.
func (s *Service) Get(ctx context.Context, callID string) (Call, error) {
	return s.repo.Get(ctx, callID)
}

func tracePayload(callID string, responseHash [32]byte, providerSig []byte) map[string]any {
	return map[string]any{
		"call_id":       callID,
		"response_hash": hex.EncodeToString(responseHash[:]),
		"provider_sig":  providerSig,
	}
}
