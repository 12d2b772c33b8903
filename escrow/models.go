package escrow

import "time"

// Status represents the lifecycle of an escrow call. It only ever advances:
// init -> fulfilled -> released|refunded, or init straight to a terminal
// state at settlement.
type Status string

const (
	StatusInit      Status = "init"
	StatusFulfilled Status = "fulfilled"
	StatusReleased  Status = "released"
	StatusRefunded  Status = "refunded"
)

// Dispute kinds accepted by RaiseDispute.
const (
	DisputeKindLate         uint8 = 0
	DisputeKindNoResponse   uint8 = 1
	DisputeKindBadProof     uint8 = 2
	DisputeKindMismatchHash uint8 = 3
)

// Field bounds enforced before any mutation. Storage for a call row is
// reserved up front, so oversized ids and proof blobs are rejected outright.
const (
	MaxIDLen          = 64
	MaxProviderSigLen = 128
)

// Call mirrors the escrow_calls table. Amount is denominated in the smallest
// indivisible unit of value; all timestamps are opaque integer clock readings
// supplied by the host.
type Call struct {
	CallID         string
	Payer          string
	Provider       string
	ServiceID      string
	Amount         int64
	StartTS        int64
	SLAMs          int64
	DisputeWindowS int64
	TotalUnits     int64
	UnitsReleased  int64
	Status         Status
	DeliveredTS    *int64
	ResponseHash   [32]byte
	Disputed       bool
	ProviderSig    []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Outbox topics emitted on state change. These are fire-and-forget
// observability events written in the same transaction as the state they
// describe.
const (
	TopicFulfilled       = "escrow.fulfilled"
	TopicPartialReleased = "escrow.partial_released"
	TopicReleased        = "escrow.released"
	TopicRefunded        = "escrow.refunded"
	TopicDisputed        = "escrow.disputed"
	TopicTraceSaved      = "escrow.trace_saved"
)
