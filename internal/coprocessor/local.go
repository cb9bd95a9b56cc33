package coprocessor

import (
	"context"
	"fmt"
	"math/big"
	"slices"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"EstateBonds/internal/logger"
)

const (
	// DefaultKeyBits is the Paillier modulus size used when none is configured.
	DefaultKeyBits = 2048
)

// plaintextMod reduces decrypted sums to uint32 arithmetic.
var plaintextMod = new(big.Int).Lsh(one, 32)

// LocalConfig configures a Local coprocessor.
type LocalConfig struct {
	KeyBits       int    // KeyBits is the Paillier modulus size
	CommitteeSeed []byte // CommitteeSeed derives the committee keys
	CommitteeSize int    // CommitteeSize is the number of committee members
	Threshold     int    // Threshold is the number of signatures per proof
}

// Local is an in-process coprocessor: Paillier ciphertexts held in memory,
// decryption fulfilled by a locally derived BLS committee.
//
// The ciphertext registry only grows. Handles of rolled-back ledger calls and
// superseded totals are never released, so a long-running Local uses memory in
// proportion to every Encrypt and Add it has served.
type Local struct {
	key       *paillierKey
	committee *Committee

	mu          sync.Mutex
	ciphertexts map[Handle]*big.Int // ciphertexts maps handles to their ciphertext
	pending     map[uint64][]Handle // pending maps open request ids to their handles
	nextID      uint64              // nextID is the last assigned request id
	deliver     DeliverFunc         // deliver receives fulfilled results

	notify chan struct{} // notify wakes Run when a request is queued
}

// NewLocal creates a Local coprocessor with a fresh Paillier key.
func NewLocal(cfg LocalConfig) (*Local, error) {
	if cfg.KeyBits == 0 {
		cfg.KeyBits = DefaultKeyBits
	}

	key, err := generatePaillierKey(cfg.KeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate paillier key:\n%w", err)
	}

	committee, err := NewCommittee(cfg.CommitteeSeed, cfg.CommitteeSize, cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("create committee:\n%w", err)
	}

	return &Local{
		key:         key,
		committee:   committee,
		ciphertexts: make(map[Handle]*big.Int),
		pending:     make(map[uint64][]Handle),
		notify:      make(chan struct{}, 1),
	}, nil
}

// Committee returns the committee that signs this coprocessor's results.
func (l *Local) Committee() *Committee {
	return l.committee
}

// OnResult registers the function that receives fulfilled decryption results.
func (l *Local) OnResult(fn DeliverFunc) {
	l.mu.Lock()
	l.deliver = fn
	l.mu.Unlock()
}

// Encrypt encrypts value and registers the ciphertext under its BLAKE3 handle.
func (l *Local) Encrypt(_ context.Context, value uint32) (Handle, error) {
	c, err := l.key.encrypt(new(big.Int).SetUint64(uint64(value)))
	if err != nil {
		return Handle{}, fmt.Errorf("encrypt:\n%w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	return l.store(c), nil
}

// Add multiplies the two ciphertexts mod n², adding their plaintexts.
func (l *Local) Add(_ context.Context, a, b Handle) (Handle, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ca, ok := l.ciphertexts[a]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownHandle, a)
	}

	cb, ok := l.ciphertexts[b]
	if !ok {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownHandle, b)
	}

	if err := l.key.check(ca); err != nil {
		return Handle{}, err
	}

	if err := l.key.check(cb); err != nil {
		return Handle{}, err
	}

	return l.store(l.key.add(ca, cb)), nil
}

// IsInitialized reports whether h refers to a ciphertext held here.
func (l *Local) IsInitialized(_ context.Context, h Handle) (bool, error) {
	return l.holds(h), nil
}

// holds reports whether h is registered.
func (l *Local) holds(h Handle) bool {
	if h.IsZero() {
		return false
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.ciphertexts[h]

	return ok
}

// RequestDecryption queues handles for decryption and returns the request id.
func (l *Local) RequestDecryption(_ context.Context, handles []Handle) (uint64, error) {
	if len(handles) == 0 {
		return 0, fmt.Errorf("no handles to decrypt")
	}

	l.mu.Lock()

	for _, h := range handles {
		if _, ok := l.ciphertexts[h]; !ok {
			l.mu.Unlock()
			return 0, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
		}
	}

	l.nextID++
	id := l.nextID
	l.pending[id] = slices.Clone(handles)

	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}

	logger.Debug("decryption queued", "request", id, "handles", len(handles))

	return id, nil
}

// Pending returns the open request ids in ascending order.
func (l *Local) Pending() []uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]uint64, 0, len(l.pending))
	for id := range l.pending {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Fulfill decrypts a pending request and signs the result without delivering it.
func (l *Local) Fulfill(requestID uint64) (Result, error) {
	l.mu.Lock()

	handles, ok := l.pending[requestID]
	if !ok {
		l.mu.Unlock()
		return Result{}, fmt.Errorf("%w: %d", ErrUnknownRequest, requestID)
	}

	delete(l.pending, requestID)

	cts := make([]*big.Int, len(handles))
	for i, h := range handles {
		cts[i] = l.ciphertexts[h]
	}

	l.mu.Unlock()

	values := make([]uint32, len(cts))
	for i, c := range cts {
		m := l.key.decrypt(c)
		values[i] = uint32(m.Mod(m, plaintextMod).Uint64())
	}

	cleartexts := PackCleartexts(values)

	proof, err := l.committee.Sign(requestID, cleartexts)
	if err != nil {
		return Result{}, fmt.Errorf("sign result %d:\n%w", requestID, err)
	}

	return Result{RequestID: requestID, Cleartexts: cleartexts, Proof: proof}, nil
}

// Run fulfills queued requests and delivers them until ctx is cancelled.
func (l *Local) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.notify:
		}

		for _, id := range l.Pending() {
			start := time.Now()

			res, err := l.Fulfill(id)
			if err != nil {
				logger.Warn("decryption failed", "request", id, "error", err)
				continue
			}

			l.mu.Lock()
			deliver := l.deliver
			l.mu.Unlock()

			if deliver == nil {
				logger.Warn("decryption result dropped, no receiver", "request", id)
				continue
			}

			deliver(res.RequestID, res.Cleartexts, res.Proof)
			logger.Debug("decryption fulfilled", "request", id, logger.Timed(start))
		}
	}
}

// Size returns the number of ciphertexts held.
func (l *Local) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.ciphertexts)
}

// store registers c and returns its handle. Caller must hold mu.
func (l *Local) store(c *big.Int) Handle {
	h := Handle(blake3.Sum256(c.Bytes()))
	l.ciphertexts[h] = c

	return h
}
