package ledger

import (
	"errors"
	"testing"
)

// TestOpenBatchTwice tests that batch ids cannot be reused.
func TestOpenBatchTwice(t *testing.T) {
	h := newHarness(t)

	for _, id := range []uint64{0, 1, 1 << 40} {
		h.openBatch(id)

		if err := h.ledger.OpenBatch(owner, id); !errors.Is(err, ErrInvalidBatch) {
			t.Errorf("batch %d: second open got %v, want ErrInvalidBatch", id, err)
		}
	}
}

// TestCloseBatchLifecycle tests nonexistent, open and closed transitions.
func TestCloseBatchLifecycle(t *testing.T) {
	h := newHarness(t)

	if err := h.ledger.CloseBatch(owner, 9); !errors.Is(err, ErrBatchDoesNotExist) {
		t.Errorf("close unknown: got %v, want ErrBatchDoesNotExist", err)
	}

	h.openBatch(9)

	b, err := h.ledger.Batch(9)
	if err != nil || !b.Exists || b.Closed {
		t.Fatalf("after open: got %+v, %v", b, err)
	}

	if err := h.ledger.CloseBatch(owner, 9); err != nil {
		t.Fatalf("close: %v", err)
	}

	if err := h.ledger.CloseBatch(owner, 9); !errors.Is(err, ErrBatchClosed) {
		t.Errorf("second close: got %v, want ErrBatchClosed", err)
	}

	if err := h.ledger.OpenBatch(owner, 9); !errors.Is(err, ErrInvalidBatch) {
		t.Errorf("reopen: got %v, want ErrInvalidBatch", err)
	}

	b, _ = h.ledger.Batch(9)
	if !b.Exists || !b.Closed {
		t.Errorf("after close: got %+v", b)
	}

	if len(h.eventsOf(EventBatchOpened)) != 1 || len(h.eventsOf(EventBatchClosed)) != 1 {
		t.Error("expected one BatchOpened and one BatchClosed event")
	}
}

// TestUnknownBatchReads tests reads of a batch that was never opened.
func TestUnknownBatchReads(t *testing.T) {
	h := newHarness(t)

	b, err := h.ledger.Batch(4)
	if err != nil || b.Exists {
		t.Errorf("batch: got %+v, %v", b, err)
	}

	if _, err := h.ledger.BatchTotals(4); !errors.Is(err, ErrBatchDoesNotExist) {
		t.Errorf("totals: got %v, want ErrBatchDoesNotExist", err)
	}
}
