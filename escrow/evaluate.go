package escrow

// Outcome is the terminal settlement decision for a call's remaining
// escrowed balance.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

// EvaluateSettlement maps a call's delivery timing and dispute flag to the
// final outcome. Release requires all three: no dispute, delivery within the
// SLA window, and an elapsed dispute window. An undelivered call never meets
// the SLA but is always considered window-elapsed, so it refunds immediately.
func EvaluateSettlement(c *Call, now int64) Outcome {
	deliveredWithinSLA := false
	disputeWindowElapsed := true
	if c.DeliveredTS != nil {
		deliveredWithinSLA = satSub(*c.DeliveredTS, c.StartTS) <= c.SLAMs
		disputeWindowElapsed = satSub(now, *c.DeliveredTS) >= c.DisputeWindowS
	}
	if !c.Disputed && deliveredWithinSLA && disputeWindowElapsed {
		return OutcomeRelease
	}
	return OutcomeRefund
}

// satSub subtracts without underflowing below zero, matching the host's
// unsigned clock arithmetic.
func satSub(a, b int64) int64 {
	if a < b {
		return 0
	}
	return a - b
}
