package coprocessor

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"
)

// newTestLocal creates a Local with a small key and a 2-of-3 committee.
func newTestLocal(t *testing.T) *Local {
	t.Helper()

	l, err := NewLocal(LocalConfig{
		KeyBits:       256,
		CommitteeSeed: testSeed,
		CommitteeSize: 3,
		Threshold:     2,
	})
	if err != nil {
		t.Fatalf("create local coprocessor: %v", err)
	}

	return l
}

// mustEncrypt encrypts v or fails the test.
func mustEncrypt(t *testing.T, l *Local, v uint32) Handle {
	t.Helper()

	h, err := l.Encrypt(context.Background(), v)
	if err != nil {
		t.Fatalf("encrypt %d: %v", v, err)
	}

	return h
}

// TestLocalAddAndFulfill tests the full encrypt, add, decrypt path.
func TestLocalAddAndFulfill(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	sum, err := l.Add(ctx, mustEncrypt(t, l, 100), mustEncrypt(t, l, 50))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	shares, err := l.Add(ctx, mustEncrypt(t, l, 10), mustEncrypt(t, l, 5))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	id, err := l.RequestDecryption(ctx, []Handle{sum, shares})
	if err != nil {
		t.Fatalf("request decryption: %v", err)
	}

	if pending := l.Pending(); len(pending) != 1 || pending[0] != id {
		t.Fatalf("pending: got %v, want [%d]", pending, id)
	}

	res, err := l.Fulfill(id)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	values, err := UnpackCleartexts(res.Cleartexts, 2)
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}

	if values[0] != 150 || values[1] != 15 {
		t.Errorf("cleartexts: got %v, want [150 15]", values)
	}

	if !l.Committee().Verifier().CheckSignatures(id, res.Cleartexts, res.Proof) {
		t.Error("proof should verify against the local committee")
	}

	if _, err := l.Fulfill(id); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("second fulfill: got %v, want ErrUnknownRequest", err)
	}
}

// TestLocalWrapsModulo32 tests that sums wrap like uint32 arithmetic.
func TestLocalWrapsModulo32(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	sum, err := l.Add(ctx, mustEncrypt(t, l, math.MaxUint32), mustEncrypt(t, l, 2))
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	id, _ := l.RequestDecryption(ctx, []Handle{sum})

	res, err := l.Fulfill(id)
	if err != nil {
		t.Fatalf("fulfill: %v", err)
	}

	values, _ := UnpackCleartexts(res.Cleartexts, 1)
	if values[0] != 1 {
		t.Errorf("wrapped sum: got %d, want 1", values[0])
	}
}

// TestLocalUnknownHandle tests that foreign handles are rejected.
func TestLocalUnknownHandle(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()
	known := mustEncrypt(t, l, 1)

	var foreign Handle
	foreign[0] = 1

	if _, err := l.Add(ctx, known, foreign); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("add: got %v, want ErrUnknownHandle", err)
	}

	if _, err := l.RequestDecryption(ctx, []Handle{foreign}); !errors.Is(err, ErrUnknownHandle) {
		t.Errorf("request: got %v, want ErrUnknownHandle", err)
	}

	if l.holds(foreign) || l.holds(Handle{}) {
		t.Error("foreign and zero handles must not be initialized")
	}

	if ok, err := l.IsInitialized(ctx, known); !ok || err != nil {
		t.Errorf("known handle: got %v, %v", ok, err)
	}

	if got := l.Size(); got != 1 {
		t.Errorf("size: got %d, want 1", got)
	}
}

// TestLocalRequestIDsIncrease tests that request ids are unique and ascending.
func TestLocalRequestIDsIncrease(t *testing.T) {
	l := newTestLocal(t)
	h := mustEncrypt(t, l, 3)

	first, _ := l.RequestDecryption(context.Background(), []Handle{h})
	second, _ := l.RequestDecryption(context.Background(), []Handle{h})

	if second <= first {
		t.Errorf("request ids not increasing: %d then %d", first, second)
	}
}

// TestLocalRunDelivers tests that Run fulfills and delivers queued requests.
func TestLocalRunDelivers(t *testing.T) {
	l := newTestLocal(t)

	type delivery struct {
		id         uint64
		cleartexts []byte
	}

	got := make(chan delivery, 1)
	l.OnResult(func(id uint64, cleartexts, _ []byte) {
		got <- delivery{id, cleartexts}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	id, err := l.RequestDecryption(ctx, []Handle{mustEncrypt(t, l, 42)})
	if err != nil {
		t.Fatalf("request: %v", err)
	}

	select {
	case d := <-got:
		values, _ := UnpackCleartexts(d.cleartexts, 1)
		if d.id != id || values[0] != 42 {
			t.Errorf("delivery: got id=%d value=%v, want id=%d value=42", d.id, values, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery")
	}

	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("run: got %v, want context.Canceled", err)
	}
}
