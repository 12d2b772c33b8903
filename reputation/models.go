package reputation

import "time"

// Record mirrors the services table: one row per service identifier, created
// lazily on first update and never destroyed. Owner is bound on the first
// bond deposit and immutable afterwards.
type Record struct {
	ServiceID      string
	Owner          string
	OK             float64
	Late           float64
	Disputed       float64
	BondBalance    int64
	EWMALatencyMs  int64
	P95EstMs       int64
	LatencySamples int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Outcome codes accepted by ApplyOutcome.
const (
	OutcomeOK       uint8 = 0
	OutcomeLate     uint8 = 1
	OutcomeDisputed uint8 = 2
)
