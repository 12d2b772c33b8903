package reputation

import "testing"

func TestApplyOutcome_SelectsAccumulator(t *testing.T) {
	var r Record
	r.ApplyOutcome(OutcomeOK, 0.5)
	if r.OK != 0.5 || r.Late != 0 || r.Disputed != 0 {
		t.Fatalf("unexpected accumulators: %+v", r)
	}

	r.ApplyOutcome(OutcomeLate, 1.0)
	r.ApplyOutcome(OutcomeDisputed, 0.25)
	if r.OK != 0.5 {
		t.Fatalf("ok: expected 0.5 got %v", r.OK)
	}
	if r.Late != 1.0 {
		t.Fatalf("late: expected 1.0 got %v", r.Late)
	}
	if r.Disputed != 0.25 {
		t.Fatalf("disputed: expected 0.25 got %v", r.Disputed)
	}
}

func TestApplyOutcome_ClampsWeight(t *testing.T) {
	var r Record
	r.ApplyOutcome(OutcomeOK, 5.0)
	if r.OK != 1.0 {
		t.Fatalf("expected clamp to 1.0 got %v", r.OK)
	}
	r.ApplyOutcome(OutcomeOK, -3.0)
	if r.OK != 1.0 {
		t.Fatalf("negative weight must clamp to 0, got %v", r.OK)
	}
}

func TestApplyOutcome_UnknownCodeIsNoop(t *testing.T) {
	var r Record
	r.ApplyOutcome(3, 1.0)
	r.ApplyOutcome(255, 1.0)
	if r.OK != 0 || r.Late != 0 || r.Disputed != 0 {
		t.Fatalf("unknown codes must be ignored: %+v", r)
	}
}
