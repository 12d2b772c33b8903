package escrow

import "errors"

// Every precondition failure is fatal to the requested operation and checked
// before any mutation is applied; the caller must resubmit a corrected
// request.
var (
	// ErrInvalidStatus signals the operation is not legal in the call's current state.
	ErrInvalidStatus = errors.New("escrow: invalid status")
	// ErrInvalidProvider signals the caller identity does not match the bound provider.
	ErrInvalidProvider = errors.New("escrow: invalid provider")
	// ErrInvalidPayer signals the caller identity does not match the bound payer.
	ErrInvalidPayer = errors.New("escrow: invalid payer")
	// ErrInvalidReporter signals a dispute raised by an identity other than the payer.
	ErrInvalidReporter = errors.New("escrow: invalid reporter")
	// ErrSignatureTooLong signals the provider proof blob exceeds the 128-byte bound.
	ErrSignatureTooLong = errors.New("escrow: provider signature too long")
	// ErrInvalidUnits signals zero units, an overrun of total_units, or arithmetic overflow.
	ErrInvalidUnits = errors.New("escrow: invalid units for partial release")
	// ErrInvalidAmount signals a non-positive amount or a failed escrow funding transfer.
	ErrInvalidAmount = errors.New("escrow: invalid amount")
	// ErrEscrowBalanceLow signals an attempted payout exceeding the custody balance.
	ErrEscrowBalanceLow = errors.New("escrow: escrow account underfunded")
	// ErrInvalidDisputeKind signals a dispute kind outside the known set.
	ErrInvalidDisputeKind = errors.New("escrow: invalid dispute kind")
	// ErrCallNotFound is returned when no call row exists for the identifier.
	ErrCallNotFound = errors.New("escrow: call not found")
	// ErrCallExists is returned when Open hits an already registered call id.
	ErrCallExists = errors.New("escrow: call already exists")
	// ErrIDTooLong signals a call or service identifier over the storage bound.
	ErrIDTooLong = errors.New("escrow: identifier too long")
)
