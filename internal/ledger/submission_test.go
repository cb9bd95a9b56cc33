package ledger

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"EstateBonds/internal/coprocessor"
)

// unreachableCoprocessor cannot answer handle checks.
type unreachableCoprocessor struct {
	coprocessor.Coprocessor
}

func (unreachableCoprocessor) IsInitialized(context.Context, coprocessor.Handle) (bool, error) {
	return false, errors.New("coprocessor not connected")
}

// flakyCoprocessor fails Add once its budget of successful additions is spent.
type flakyCoprocessor struct {
	coprocessor.Coprocessor
	addsLeft int
}

func (f *flakyCoprocessor) Add(ctx context.Context, a, b coprocessor.Handle) (coprocessor.Handle, error) {
	if f.addsLeft == 0 {
		return coprocessor.Handle{}, errors.New("coprocessor unavailable")
	}

	f.addsLeft--

	return f.Coprocessor.Add(ctx, a, b)
}

// TestSubmitPreconditions tests every reason a submission is refused.
func TestSubmitPreconditions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.openBatch(1)
	h.openBatch(2)

	if err := h.ledger.CloseBatch(owner, 2); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := h.ledger.SubmitData(ctx, stranger, 1, 1, 1); !errors.Is(err, ErrNotProvider) {
		t.Errorf("stranger: got %v, want ErrNotProvider", err)
	}

	if _, err := h.ledger.SubmitData(ctx, providerA, 7, 1, 1); !errors.Is(err, ErrBatchDoesNotExist) {
		t.Errorf("unknown batch: got %v, want ErrBatchDoesNotExist", err)
	}

	if _, err := h.ledger.SubmitData(ctx, providerA, 2, 1, 1); !errors.Is(err, ErrBatchClosed) {
		t.Errorf("closed batch: got %v, want ErrBatchClosed", err)
	}

	// None of the failures above started a cooldown window.
	h.submit(providerA, 1, 1, 1)

	if err := h.ledger.RemoveProvider(owner, providerB); err != nil {
		t.Fatalf("remove provider: %v", err)
	}

	if _, err := h.ledger.SubmitData(ctx, providerB, 1, 1, 1); !errors.Is(err, ErrNotProvider) {
		t.Errorf("removed provider: got %v, want ErrNotProvider", err)
	}
}

// TestSubmitCooldown tests the per-provider submission throttle.
func TestSubmitCooldown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.openBatch(1)

	h.submit(providerA, 1, 1, 1)

	h.clock.Advance(59 * time.Second)

	if _, err := h.ledger.SubmitData(ctx, providerA, 1, 1, 1); !errors.Is(err, ErrCooldownActive) {
		t.Fatalf("inside window: got %v, want ErrCooldownActive", err)
	}

	// Cooldown is per provider.
	h.submit(providerB, 1, 1, 1)

	h.clock.Advance(time.Second)
	h.submit(providerA, 1, 1, 1)

	// Cooldown is checked before the batch, so a throttled call reports the throttle.
	if _, err := h.ledger.SubmitData(ctx, providerA, 99, 1, 1); !errors.Is(err, ErrCooldownActive) {
		t.Errorf("throttled call to unknown batch: got %v, want ErrCooldownActive", err)
	}

	if err := h.ledger.SetCooldown(owner, 0); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}

	h.submit(providerA, 1, 1, 1)
}

// TestSubmitMaximumCooldown tests that the largest cooldown throttles instead of wrapping.
func TestSubmitMaximumCooldown(t *testing.T) {
	h := newHarness(t)
	h.openBatch(1)

	if err := h.ledger.SetCooldown(owner, math.MaxUint64); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}

	h.submit(providerA, 1, 1, 1)

	for _, wait := range []time.Duration{time.Second, 365 * 24 * time.Hour} {
		h.clock.Advance(wait)

		if _, err := h.ledger.SubmitData(context.Background(), providerA, 1, 1, 1); !errors.Is(err, ErrCooldownActive) {
			t.Errorf("after %v: got %v, want ErrCooldownActive", wait, err)
		}
	}

	// A provider that never submitted is not throttled.
	h.submit(providerB, 1, 1, 1)
}

// TestSubmitOverwritesButTotalsAccumulate pins the repeat-submission asymmetry: the stored
// submission keeps only the latest call while the totals count every accepted call.
func TestSubmitOverwritesButTotalsAccumulate(t *testing.T) {
	h := newHarness(t)
	h.openBatch(1)

	first := h.submit(providerA, 1, 100, 10)
	h.clock.Advance(time.Minute)
	second := h.submit(providerA, 1, 40, 4)

	stored, ok, err := h.ledger.Submission(1, providerA)
	if err != nil || !ok {
		t.Fatalf("submission: ok=%v, %v", ok, err)
	}

	if stored != second || stored == first {
		t.Error("stored submission should be the latest call")
	}

	dc := h.request(1)

	res, err := h.deliver(h.fulfill(dc.RequestID))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if res.TotalValue != 140 || res.TotalShares != 14 {
		t.Errorf("totals: got %d/%d, want 140/14 (both calls counted)", res.TotalValue, res.TotalShares)
	}
}

// TestSubmitInitializesTotalsLazily tests that totals start uninitialized and are set on first touch.
func TestSubmitInitializesTotalsLazily(t *testing.T) {
	h := newHarness(t)
	h.openBatch(1)

	before, _ := h.ledger.BatchTotals(1)
	if before.Value.Initialized || before.Shares.Initialized {
		t.Fatal("fresh batch totals should be uninitialized")
	}

	global, _ := h.ledger.GlobalTotals()
	if global.Value.Initialized {
		t.Fatal("global totals should be uninitialized before any submission")
	}

	h.submit(providerA, 1, 5, 1)

	after, _ := h.ledger.BatchTotals(1)
	if !after.Value.Initialized || !after.Shares.Initialized {
		t.Error("batch totals should be initialized after a submission")
	}

	global, _ = h.ledger.GlobalTotals()
	if ok, _ := h.cop.IsInitialized(t.Context(), global.Value.Handle); !global.Value.Initialized || !ok {
		t.Error("global totals should be initialized after a submission")
	}
}

// TestSubmitEvent tests that the event references handles, not plaintext.
func TestSubmitEvent(t *testing.T) {
	h := newHarness(t)
	h.openBatch(3)

	sub := h.submit(providerC, 3, 77, 7)

	events := h.eventsOf(EventDataSubmitted)
	if len(events) != 1 {
		t.Fatalf("DataSubmitted events: got %d, want 1", len(events))
	}

	var ev DataSubmitted
	if err := events[0].Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ev.Provider != providerC || ev.BatchID != 3 {
		t.Errorf("event: got %+v", ev)
	}

	if ev.ValueHandle != sub.Value.Handle || ev.SharesHandle != sub.Shares.Handle {
		t.Error("event handles differ from the stored submission")
	}
}

// TestSubmitRollbackOnCoprocessorFailure tests that a failing coprocessor leaves no trace.
func TestSubmitRollbackOnCoprocessorFailure(t *testing.T) {
	h := newHarness(t)
	h.openBatch(1)

	// Two adds succeed (batch totals), the global value add fails.
	flaky := &flakyCoprocessor{Coprocessor: h.cop, addsLeft: 2}
	h.reopen(flaky)

	events := h.eventCount()

	if _, err := h.ledger.SubmitData(context.Background(), providerA, 1, 100, 10); err == nil {
		t.Fatal("submission should fail")
	}

	if _, ok, _ := h.ledger.Submission(1, providerA); ok {
		t.Error("failed submission was stored")
	}

	totals, _ := h.ledger.BatchTotals(1)
	if totals.Value.Initialized {
		t.Error("failed submission changed batch totals")
	}

	if h.eventCount() != events {
		t.Error("failed submission emitted events")
	}

	// No cooldown window was started either.
	h.reopen(h.cop)
	h.submit(providerA, 1, 100, 10)
}

// TestSubmitHandleCheckFailure tests that a failed handle check is not reported as
// an uninitialized total and leaves no trace.
func TestSubmitHandleCheckFailure(t *testing.T) {
	h := newHarness(t)
	h.openBatch(1)
	h.submit(providerA, 1, 1, 1)

	h.reopen(unreachableCoprocessor{Coprocessor: h.cop})
	events := h.eventCount()

	_, err := h.ledger.SubmitData(context.Background(), providerB, 1, 1, 1)
	if err == nil {
		t.Fatal("submission should fail")
	}

	if errors.Is(err, ErrUninitialized) {
		t.Errorf("transport failure reported as ErrUninitialized: %v", err)
	}

	if _, ok, _ := h.ledger.Submission(1, providerB); ok {
		t.Error("failed submission was stored")
	}

	if h.eventCount() != events {
		t.Error("failed submission emitted events")
	}
}

// TestSubmitUninitializedHandle tests a stored total whose ciphertext the coprocessor no longer holds.
func TestSubmitUninitializedHandle(t *testing.T) {
	h := newHarness(t)
	h.openBatch(1)
	h.submit(providerA, 1, 1, 1)

	// A coprocessor that never saw the stored totals.
	h.reopen(newLocalCoprocessor(t))

	_, err := h.ledger.SubmitData(context.Background(), providerB, 1, 1, 1)
	if !errors.Is(err, ErrUninitialized) {
		t.Errorf("got %v, want ErrUninitialized", err)
	}
}

// TestTotalsMatchPlaintextSum tests that any mix of providers sums correctly.
func TestTotalsMatchPlaintextSum(t *testing.T) {
	h := newHarness(t)
	h.openBatch(1)

	providers := []struct {
		value, shares uint32
	}{
		{10, 1}, {20, 2}, {30, 3}, {1000, 100}, {7, 0},
	}

	var wantValue, wantShares uint32
	for i, p := range providers {
		addr := providerA
		if i%2 == 1 {
			addr = providerB
		}

		h.submit(addr, 1, p.value, p.shares)
		h.clock.Advance(time.Minute)

		wantValue += p.value
		wantShares += p.shares
	}

	dc := h.request(1)

	res, err := h.deliver(h.fulfill(dc.RequestID))
	if err != nil {
		t.Fatalf("deliver: %v", err)
	}

	if res.TotalValue != wantValue || res.TotalShares != wantShares {
		t.Errorf("totals: got %d/%d, want %d/%d", res.TotalValue, res.TotalShares, wantValue, wantShares)
	}
}
