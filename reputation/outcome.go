package reputation

// ApplyOutcome adds weight to the accumulator selected by the outcome code.
// Weight is clamped to [0,1] before accumulation; an unknown code is a
// silent no-op, not an error. The accumulators themselves are uncapped.
func (r *Record) ApplyOutcome(outcome uint8, weight float64) {
	if weight < 0 {
		weight = 0
	}
	if weight > 1 {
		weight = 1
	}
	switch outcome {
	case OutcomeOK:
		r.OK += weight
	case OutcomeLate:
		r.Late += weight
	case OutcomeDisputed:
		r.Disputed += weight
	}
}
