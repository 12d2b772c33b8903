package escrow

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"assured/ledger"
)

type harness struct {
	pool   *fakePool
	repo   *fakeCallRepo
	outbox *recordingOutbox
	ledger *ledger.MemoryLedger
	svc    *Service
}

func newHarness(now int64) *harness {
	h := &harness{
		pool:   &fakePool{},
		repo:   newFakeCallRepo(),
		outbox: &recordingOutbox{},
		ledger: ledger.NewMemoryLedger(),
	}
	h.svc = NewService(h.pool, h.repo, h.outbox, h.ledger).WithClock(func() int64 { return now })
	return h
}

func (h *harness) fundPayer(amount int64) {
	h.ledger.Accounts["payer-key"] = amount
	h.ledger.Accounts["provider-key"] = 0
}

func openParams(amount, totalUnits int64) OpenParams {
	return OpenParams{
		CallID:         "call-1",
		Payer:          "payer-key",
		Provider:       "provider-key",
		ServiceID:      "svc",
		Amount:         amount,
		SLAMs:          2000,
		DisputeWindowS: 10,
		TotalUnits:     totalUnits,
	}
}

func TestOpen_EscrowsAmount(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(150)

	call, err := h.svc.Open(context.Background(), openParams(100, 4))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if call.Status != StatusInit || call.UnitsReleased != 0 {
		t.Fatalf("unexpected call state: %+v", call)
	}
	if got := h.ledger.Accounts["payer-key"]; got != 50 {
		t.Fatalf("payer balance: expected 50 got %d", got)
	}
	if got := h.ledger.Accounts[ledger.CallCustody("call-1")]; got != 100 {
		t.Fatalf("custody balance: expected 100 got %d", got)
	}
	if !h.pool.tx.committed {
		t.Fatal("expected commit")
	}
}

func TestOpen_ClampsTotalUnitsToOne(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(100)

	call, err := h.svc.Open(context.Background(), openParams(100, 0))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if call.TotalUnits != 1 {
		t.Fatalf("expected total_units clamp to 1, got %d", call.TotalUnits)
	}
}

func TestOpen_InsufficientFundsAbortsAtomically(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(10)

	_, err := h.svc.Open(context.Background(), openParams(100, 1))
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("expected ErrInvalidAmount got %v", err)
	}
	if h.pool.tx.committed {
		t.Fatal("failed funding must not commit")
	}
	if !h.pool.tx.rolled {
		t.Fatal("failed funding must roll back")
	}
}

func TestOpen_Validation(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(100)

	params := openParams(0, 1)
	if _, err := h.svc.Open(context.Background(), params); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("zero amount: expected ErrInvalidAmount got %v", err)
	}

	params = openParams(100, 1)
	params.CallID = string(make([]byte, MaxIDLen+1))
	if _, err := h.svc.Open(context.Background(), params); !errors.Is(err, ErrIDTooLong) {
		t.Fatalf("long id: expected ErrIDTooLong got %v", err)
	}

	params = openParams(100, 1)
	params.Provider = ""
	if _, err := h.svc.Open(context.Background(), params); err == nil {
		t.Fatal("expected validation error for missing provider")
	}
	if h.pool.tx != nil {
		t.Fatal("validation failures must reject before any transaction begins")
	}
}

func TestOpen_DuplicateCallID(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(300)

	if _, err := h.svc.Open(context.Background(), openParams(100, 1)); err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := h.svc.Open(context.Background(), openParams(100, 1)); !errors.Is(err, ErrCallExists) {
		t.Fatalf("expected ErrCallExists got %v", err)
	}
}

func TestFulfillFull_SetsDeliveryState(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(100)
	if _, err := h.svc.Open(context.Background(), openParams(100, 1)); err != nil {
		t.Fatalf("open: %v", err)
	}

	call, err := h.svc.FulfillFull(context.Background(), "call-1", "provider-key", [32]byte{7}, 1500, []byte("proof"))
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if call.Status != StatusFulfilled {
		t.Fatalf("expected fulfilled got %s", call.Status)
	}
	if call.DeliveredTS == nil || *call.DeliveredTS != 1500 {
		t.Fatalf("expected delivered_ts 1500 got %v", call.DeliveredTS)
	}
	if call.UnitsReleased != call.TotalUnits {
		t.Fatalf("expected all units released, got %d/%d", call.UnitsReleased, call.TotalUnits)
	}
	h.outbox.expectTopics(t, TopicFulfilled, TopicTraceSaved)
}

func TestFulfillFull_Preconditions(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(100)
	if _, err := h.svc.Open(context.Background(), openParams(100, 1)); err != nil {
		t.Fatalf("open: %v", err)
	}

	longSig := make([]byte, MaxProviderSigLen+1)
	if _, err := h.svc.FulfillFull(context.Background(), "call-1", "provider-key", [32]byte{}, 1, longSig); !errors.Is(err, ErrSignatureTooLong) {
		t.Fatalf("expected ErrSignatureTooLong got %v", err)
	}
	if _, err := h.svc.FulfillFull(context.Background(), "call-1", "intruder", [32]byte{}, 1, nil); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider got %v", err)
	}
	if _, err := h.svc.FulfillFull(context.Background(), "missing", "provider-key", [32]byte{}, 1, nil); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound got %v", err)
	}

	if _, err := h.svc.FulfillFull(context.Background(), "call-1", "provider-key", [32]byte{}, 1, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if _, err := h.svc.FulfillFull(context.Background(), "call-1", "provider-key", [32]byte{}, 2, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("double fulfill: expected ErrInvalidStatus got %v", err)
	}
}

func TestFulfillPartial_StreamsPayouts(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(90)
	if _, err := h.svc.Open(context.Background(), openParams(90, 3)); err != nil {
		t.Fatalf("open: %v", err)
	}

	first, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{1}, 1, 1000, []byte("sig1"))
	if err != nil {
		t.Fatalf("first chunk: %v", err)
	}
	if first.Payout != 30 || first.EmitTrace {
		t.Fatalf("first chunk: %+v", first)
	}
	if got := h.ledger.Accounts["provider-key"]; got != 30 {
		t.Fatalf("provider balance after first chunk: expected 30 got %d", got)
	}
	if call, _ := h.repo.Get(context.Background(), "call-1"); call.Status != StatusInit {
		t.Fatalf("expected status init after first chunk, got %s", call.Status)
	}

	second, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{2}, 2, 2000, []byte("sig2"))
	if err != nil {
		t.Fatalf("second chunk: %v", err)
	}
	if second.Payout != 60 || !second.EmitTrace {
		t.Fatalf("second chunk: %+v", second)
	}
	if got := h.ledger.Accounts["provider-key"]; got != 90 {
		t.Fatalf("provider balance after full delivery: expected 90 got %d", got)
	}
	call, err := h.repo.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if call.Status != StatusFulfilled || call.DeliveredTS == nil || *call.DeliveredTS != 2000 {
		t.Fatalf("unexpected call state: %+v", call)
	}
	h.outbox.expectTopics(t, TopicPartialReleased, TopicPartialReleased, TopicTraceSaved)
}

func TestFulfillPartial_RejectedAfterFulfilled(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(90)
	if _, err := h.svc.Open(context.Background(), openParams(90, 3)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{1}, 3, 1000, nil); err != nil {
		t.Fatalf("fulfilling chunk: %v", err)
	}

	if _, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{2}, 1, 2000, nil); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("chunk after fulfillment: expected ErrInvalidStatus got %v", err)
	}
}

func TestFulfillPartial_Preconditions(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(90)
	if _, err := h.svc.Open(context.Background(), openParams(90, 3)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := h.svc.FulfillPartial(context.Background(), "call-1", "intruder", [32]byte{}, 1, 1, nil); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider got %v", err)
	}
	if _, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{}, 0, 1, nil); !errors.Is(err, ErrInvalidUnits) {
		t.Fatalf("expected ErrInvalidUnits got %v", err)
	}
	if _, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{}, 4, 1, nil); !errors.Is(err, ErrInvalidUnits) {
		t.Fatalf("overrun: expected ErrInvalidUnits got %v", err)
	}
	longSig := make([]byte, MaxProviderSigLen+1)
	if _, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{}, 1, 1, longSig); !errors.Is(err, ErrSignatureTooLong) {
		t.Fatalf("expected ErrSignatureTooLong got %v", err)
	}
}

func TestRaiseDispute_FlagsCall(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(100)
	if _, err := h.svc.Open(context.Background(), openParams(100, 1)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := h.svc.RaiseDispute(context.Background(), "call-1", "payer-key", DisputeKindBadProof, [32]byte{9}); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	call, err := h.repo.Get(context.Background(), "call-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !call.Disputed {
		t.Fatal("expected disputed flag")
	}
	h.outbox.expectTopics(t, TopicDisputed)
}

func TestRaiseDispute_Preconditions(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(100)
	if _, err := h.svc.Open(context.Background(), openParams(100, 1)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if err := h.svc.RaiseDispute(context.Background(), "call-1", "payer-key", 4, [32]byte{}); !errors.Is(err, ErrInvalidDisputeKind) {
		t.Fatalf("expected ErrInvalidDisputeKind got %v", err)
	}
	if err := h.svc.RaiseDispute(context.Background(), "call-1", "provider-key", DisputeKindLate, [32]byte{}); !errors.Is(err, ErrInvalidReporter) {
		t.Fatalf("expected ErrInvalidReporter got %v", err)
	}
}

func TestSettle_RefundsRemainderKeepingPaidPartials(t *testing.T) {
	// Settle while still init: undelivered, so refund of the remainder.
	h2 := newHarness(20000)
	h2.fundPayer(90)
	if _, err := h2.svc.Open(context.Background(), openParams(90, 3)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h2.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{1}, 1, 500, nil); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	outcome, err := h2.svc.Settle(context.Background(), "call-1", "payer-key", "provider-key")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if outcome != OutcomeRefund {
		t.Fatalf("undelivered call must refund, got %s", outcome)
	}
	if got := h2.ledger.Accounts["provider-key"]; got != 30 {
		t.Fatalf("paid partials are never reversed, provider expected 30 got %d", got)
	}
	if got := h2.ledger.Accounts["payer-key"]; got != 60 {
		t.Fatalf("payer refund: expected 60 got %d", got)
	}
	if _, err := h2.repo.Get(context.Background(), "call-1"); !errors.Is(err, ErrCallNotFound) {
		t.Fatal("settled record must be closed")
	}
	if _, ok := h2.ledger.Accounts[ledger.CallCustody("call-1")]; ok {
		t.Fatal("custody account must be closed at settlement")
	}
}

func TestSettle_ReleaseAfterPartialDeliveryWithinSLA(t *testing.T) {
	h := newHarness(0)
	h.fundPayer(90)
	if _, err := h.svc.Open(context.Background(), openParams(90, 3)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{1}, 1, 500, nil); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	if _, err := h.svc.FulfillPartial(context.Background(), "call-1", "provider-key", [32]byte{2}, 2, 1000, nil); err != nil {
		t.Fatalf("chunk: %v", err)
	}
	// Delivered at 1000 within the 2000 SLA; settle after the dispute window.
	h.svc.WithClock(func() int64 { return 5000 })

	outcome, err := h.svc.Settle(context.Background(), "call-1", "payer-key", "provider-key")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if outcome != OutcomeRelease {
		t.Fatalf("expected release got %s", outcome)
	}
	// All 90 were already prorated out during partial fulfillment.
	if got := h.ledger.Accounts["provider-key"]; got != 90 {
		t.Fatalf("provider total: expected 90 got %d", got)
	}
	h.outbox.expectTopics(t, TopicPartialReleased, TopicPartialReleased, TopicTraceSaved, TopicReleased)
}

func TestSettle_RefundWhenDisputed(t *testing.T) {
	h := newHarness(12000)
	h.fundPayer(100)
	if _, err := h.svc.Open(context.Background(), openParams(100, 1)); err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := h.svc.FulfillFull(context.Background(), "call-1", "provider-key", [32]byte{1}, 1000, nil); err != nil {
		t.Fatalf("fulfill: %v", err)
	}
	if err := h.svc.RaiseDispute(context.Background(), "call-1", "payer-key", DisputeKindMismatchHash, [32]byte{}); err != nil {
		t.Fatalf("dispute: %v", err)
	}

	outcome, err := h.svc.Settle(context.Background(), "call-1", "payer-key", "provider-key")
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if outcome != OutcomeRefund {
		t.Fatalf("disputed call must refund, got %s", outcome)
	}
}

func TestSettle_Preconditions(t *testing.T) {
	h := newHarness(12000)
	h.fundPayer(100)
	if _, err := h.svc.Open(context.Background(), openParams(100, 1)); err != nil {
		t.Fatalf("open: %v", err)
	}

	if _, err := h.svc.Settle(context.Background(), "call-1", "intruder", "provider-key"); !errors.Is(err, ErrInvalidPayer) {
		t.Fatalf("expected ErrInvalidPayer got %v", err)
	}
	if _, err := h.svc.Settle(context.Background(), "call-1", "payer-key", "intruder"); !errors.Is(err, ErrInvalidProvider) {
		t.Fatalf("expected ErrInvalidProvider got %v", err)
	}

	if _, err := h.svc.Settle(context.Background(), "call-1", "payer-key", "provider-key"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	// The record is closed; a second settlement has nothing to act on.
	if _, err := h.svc.Settle(context.Background(), "call-1", "payer-key", "provider-key"); !errors.Is(err, ErrCallNotFound) {
		t.Fatalf("expected ErrCallNotFound got %v", err)
	}
}

// --- fakes, following the agreement-service test doubles ---

type fakePool struct {
	tx *fakeTx
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	f.tx = &fakeTx{}
	return f.tx, nil
}

type fakeTx struct {
	rolled    bool
	committed bool
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	panic("not implemented")
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}

type fakeCallRepo struct {
	calls map[string]Call
}

func newFakeCallRepo() *fakeCallRepo {
	return &fakeCallRepo{calls: make(map[string]Call)}
}

func (f *fakeCallRepo) Insert(ctx context.Context, tx pgx.Tx, call Call) (Call, error) {
	if _, exists := f.calls[call.CallID]; exists {
		return Call{}, ErrCallExists
	}
	f.calls[call.CallID] = call
	return call, nil
}

func (f *fakeCallRepo) GetForUpdate(ctx context.Context, tx pgx.Tx, callID string) (Call, error) {
	call, ok := f.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return call, nil
}

func (f *fakeCallRepo) Update(ctx context.Context, tx pgx.Tx, call Call) error {
	if _, ok := f.calls[call.CallID]; !ok {
		return ErrCallNotFound
	}
	f.calls[call.CallID] = call
	return nil
}

func (f *fakeCallRepo) Delete(ctx context.Context, tx pgx.Tx, callID string) error {
	if _, ok := f.calls[callID]; !ok {
		return ErrCallNotFound
	}
	delete(f.calls, callID)
	return nil
}

func (f *fakeCallRepo) Get(ctx context.Context, callID string) (Call, error) {
	call, ok := f.calls[callID]
	if !ok {
		return Call{}, ErrCallNotFound
	}
	return call, nil
}

type outboxEvent struct {
	topic   string
	payload map[string]any
}

type recordingOutbox struct {
	events []outboxEvent
}

func (o *recordingOutbox) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	o.events = append(o.events, outboxEvent{topic: topic, payload: payload})
	return nil
}

func (o *recordingOutbox) expectTopics(t *testing.T, topics ...string) {
	t.Helper()
	if len(o.events) != len(topics) {
		t.Fatalf("expected %d outbox events got %d: %+v", len(topics), len(o.events), o.events)
	}
	for i, topic := range topics {
		if o.events[i].topic != topic {
			t.Fatalf("event %d: expected topic %s got %s", i, topic, o.events[i].topic)
		}
	}
}
