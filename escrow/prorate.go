package escrow

// AmountForUnits returns the exact sum owed for the half-open unit range
// [start, start+units). The call's amount is split into total_units shares of
// base = amount div total_units each, and the remainder smallest-units are
// assigned one apiece to the first remainder unit indices, so disjoint ranges
// always sum to the full amount with no rounding loss.
func (c *Call) AmountForUnits(start, units int64) int64 {
	if units <= 0 || c.TotalUnits <= 0 {
		return 0
	}
	base := c.Amount / c.TotalUnits
	remainder := c.Amount % c.TotalUnits
	total := base * units
	if remainder > start {
		overlapEnd := remainder
		if end := start + units; end < overlapEnd {
			overlapEnd = end
		}
		if overlapEnd > start {
			total += overlapEnd - start
		}
	}
	return total
}

// PartialRelease reports the effect of one partial delivery chunk. The caller
// executes the payout transfer and emits the matching notifications.
type PartialRelease struct {
	Payout     int64
	Units      int64
	TotalUnits int64
	EmitTrace  bool
}

// applyPartialRelease advances the call's release bookkeeping for one chunk.
// The latest chunk hash and provider signature overwrite the stored ones;
// when the final unit lands the call flips to fulfilled and the trace flag is
// set exactly once, on that transition.
func applyPartialRelease(c *Call, chunkHash [32]byte, units, ts int64, providerSig []byte) (PartialRelease, error) {
	if units <= 0 {
		return PartialRelease{}, ErrInvalidUnits
	}
	// units_released + units must stay within total_units; comparing against
	// the remaining headroom also rules out int64 overflow.
	if units > c.TotalUnits-c.UnitsReleased {
		return PartialRelease{}, ErrInvalidUnits
	}

	payout := c.AmountForUnits(c.UnitsReleased, units)
	c.UnitsReleased += units
	c.ResponseHash = chunkHash
	c.ProviderSig = append([]byte(nil), providerSig...)

	emitTrace := false
	if c.UnitsReleased == c.TotalUnits {
		delivered := ts
		c.DeliveredTS = &delivered
		c.Status = StatusFulfilled
		emitTrace = true
	}

	return PartialRelease{
		Payout:     payout,
		Units:      units,
		TotalUnits: c.TotalUnits,
		EmitTrace:  emitTrace,
	}, nil
}
