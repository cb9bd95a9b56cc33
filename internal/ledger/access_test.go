package ledger

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

// TestAdminRequiresOwner tests that every administrative call rejects other callers.
func TestAdminRequiresOwner(t *testing.T) {
	h := newHarness(t)
	before := h.eventCount()

	calls := map[string]func() error{
		"transferOwnership": func() error { return h.ledger.TransferOwnership(stranger, stranger) },
		"addProvider":       func() error { return h.ledger.AddProvider(providerA, stranger) },
		"removeProvider":    func() error { return h.ledger.RemoveProvider(providerA, providerB) },
		"pause":             func() error { return h.ledger.Pause(stranger) },
		"setCooldown":       func() error { return h.ledger.SetCooldown(stranger, 1) },
		"openBatch":         func() error { return h.ledger.OpenBatch(providerA, 1) },
		"closeBatch":        func() error { return h.ledger.CloseBatch(providerA, 1) },
		"requestBatchDecryption": func() error {
			_, err := h.ledger.RequestBatchDecryption(context.Background(), providerA, 1)
			return err
		},
	}

	for name, call := range calls {
		if err := call(); !errors.Is(err, ErrNotOwner) {
			t.Errorf("%s: got %v, want ErrNotOwner", name, err)
		}
	}

	if h.eventCount() != before {
		t.Errorf("rejected calls emitted %d events", h.eventCount()-before)
	}
}

// TestTransferOwnership tests the handover and the rejection of the zero address.
func TestTransferOwnership(t *testing.T) {
	h := newHarness(t)

	if err := h.ledger.TransferOwnership(owner, common.Address{}); !errors.Is(err, ErrZeroAddress) {
		t.Fatalf("zero owner: got %v, want ErrZeroAddress", err)
	}

	if err := h.ledger.TransferOwnership(owner, providerA); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	if got, _ := h.ledger.Owner(); got != providerA {
		t.Errorf("owner: got %s, want %s", got, providerA)
	}

	if err := h.ledger.Pause(owner); !errors.Is(err, ErrNotOwner) {
		t.Errorf("previous owner: got %v, want ErrNotOwner", err)
	}

	transfers := h.eventsOf(EventOwnershipTransferred)
	var last OwnershipTransferred
	if err := transfers[len(transfers)-1].Decode(&last); err != nil {
		t.Fatalf("decode event: %v", err)
	}

	if last.PreviousOwner != owner || last.NewOwner != providerA {
		t.Errorf("event: got %+v", last)
	}
}

// TestProviderToggleIdempotent tests that add and remove can repeat and always emit.
func TestProviderToggleIdempotent(t *testing.T) {
	h := newHarness(t)
	added := len(h.eventsOf(EventProviderAdded))

	for i := 0; i < 2; i++ {
		if err := h.ledger.AddProvider(owner, stranger); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}

	if ok, _ := h.ledger.IsProvider(stranger); !ok {
		t.Error("stranger should be a provider")
	}

	for i := 0; i < 2; i++ {
		if err := h.ledger.RemoveProvider(owner, stranger); err != nil {
			t.Fatalf("remove %d: %v", i, err)
		}
	}

	if ok, _ := h.ledger.IsProvider(stranger); ok {
		t.Error("stranger should no longer be a provider")
	}

	if got := len(h.eventsOf(EventProviderAdded)) - added; got != 2 {
		t.Errorf("ProviderAdded events: got %d, want 2", got)
	}

	if got := len(h.eventsOf(EventProviderRemoved)); got != 2 {
		t.Errorf("ProviderRemoved events: got %d, want 2", got)
	}
}

// TestPauseBlocksMutations tests the pause switch and which calls it gates.
func TestPauseBlocksMutations(t *testing.T) {
	h := newHarness(t)
	h.openBatch(1)
	ctx := context.Background()

	if err := h.ledger.Unpause(owner); !errors.Is(err, ErrNotPaused) {
		t.Errorf("unpause while running: got %v, want ErrNotPaused", err)
	}

	if err := h.ledger.Pause(owner); err != nil {
		t.Fatalf("pause: %v", err)
	}

	if err := h.ledger.Pause(owner); !errors.Is(err, ErrPaused) {
		t.Errorf("second pause: got %v, want ErrPaused", err)
	}

	if err := h.ledger.OpenBatch(owner, 2); !errors.Is(err, ErrPaused) {
		t.Errorf("open batch: got %v, want ErrPaused", err)
	}

	if err := h.ledger.CloseBatch(owner, 1); !errors.Is(err, ErrPaused) {
		t.Errorf("close batch: got %v, want ErrPaused", err)
	}

	if _, err := h.ledger.SubmitData(ctx, providerA, 1, 1, 1); !errors.Is(err, ErrPaused) {
		t.Errorf("submit: got %v, want ErrPaused", err)
	}

	if _, err := h.ledger.RequestBatchDecryption(ctx, owner, 1); !errors.Is(err, ErrPaused) {
		t.Errorf("request decryption: got %v, want ErrPaused", err)
	}

	// Administration keeps working while paused.
	if err := h.ledger.AddProvider(owner, stranger); err != nil {
		t.Errorf("add provider while paused: %v", err)
	}

	if err := h.ledger.SetCooldown(owner, 5); err != nil {
		t.Errorf("set cooldown while paused: %v", err)
	}

	if err := h.ledger.Unpause(owner); err != nil {
		t.Fatalf("unpause: %v", err)
	}

	h.submit(providerA, 1, 1, 1)

	if len(h.eventsOf(EventPaused)) != 1 || len(h.eventsOf(EventUnpaused)) != 1 {
		t.Error("expected one Paused and one Unpaused event")
	}
}

// TestSetCooldownEvent tests that the event carries the old and new values.
func TestSetCooldownEvent(t *testing.T) {
	h := newHarness(t)

	if err := h.ledger.SetCooldown(owner, 300); err != nil {
		t.Fatalf("set cooldown: %v", err)
	}

	if cd, _ := h.ledger.CooldownSeconds(); cd != 300 {
		t.Errorf("cooldown: got %d, want 300", cd)
	}

	updates := h.eventsOf(EventCooldownUpdated)

	var ev CooldownUpdated
	if err := updates[len(updates)-1].Decode(&ev); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if ev.OldSeconds != DefaultCooldownSeconds || ev.NewSeconds != 300 {
		t.Errorf("event: got %+v", ev)
	}
}
