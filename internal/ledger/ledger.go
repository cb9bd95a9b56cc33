// Package ledger is the confidential batch coordinator: access control, batch
// lifecycle, encrypted submissions and the decryption request/callback protocol.
//
// Every entry point runs under one mutex and stages its changes in a write set
// that is committed, together with the events it emitted, as a single atomic
// storage batch. A rejected call leaves no trace.
package ledger

import (
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"

	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/eventlog"
	"EstateBonds/internal/logger"
	"EstateBonds/internal/storage"
)

const (
	// DefaultCooldownSeconds is the cooldown installed at deployment.
	DefaultCooldownSeconds = 60
)

// ProofVerifier is the coprocessor's signature-check primitive.
type ProofVerifier interface {
	CheckSignatures(requestID uint64, cleartexts, proof []byte) bool
}

// Options configures deployment and the ledger clock.
type Options struct {
	Deployer        common.Address   // Deployer becomes owner and first provider on first open
	Address         common.Address   // Address is the contract identity; derived from Deployer if zero
	CooldownSeconds uint64           // CooldownSeconds is the initial cooldown; DefaultCooldownSeconds if zero
	Now             func() time.Time // Now is the ledger clock; time.Now if nil
}

// Ledger is the coordinator state machine.
type Ledger struct {
	mu sync.Mutex

	db       *storage.Storage
	events   *eventlog.Log
	cop      coprocessor.Coprocessor
	verifier ProofVerifier
	now      func() time.Time

	address common.Address // address is the contract identity bound into commitments
}

// New opens the ledger stored in db, deploying it first if db is empty.
func New(db *storage.Storage, events *eventlog.Log, cop coprocessor.Coprocessor, verifier ProofVerifier, opts Options) (*Ledger, error) {
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	l := &Ledger{
		db:       db,
		events:   events,
		cop:      cop,
		verifier: verifier,
		now:      now,
	}

	deployed, err := db.Has(keyOwner)
	if err != nil {
		return nil, fmt.Errorf("check deployment:\n%w", err)
	}

	if !deployed {
		if err := l.deploy(opts); err != nil {
			return nil, fmt.Errorf("deploy:\n%w", err)
		}
	}

	err = l.view(func(t *txn) error {
		addr, err := t.contract()
		l.address = addr
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("load contract address:\n%w", err)
	}

	return l, nil
}

// deploy installs the deployer as owner and provider and sets the initial cooldown.
func (l *Ledger) deploy(opts Options) error {
	if opts.Deployer == (common.Address{}) {
		return ErrZeroAddress
	}

	addr := opts.Address
	if addr == (common.Address{}) {
		addr = ContractAddress(opts.Deployer)
	}

	cooldown := opts.CooldownSeconds
	if cooldown == 0 {
		cooldown = DefaultCooldownSeconds
	}

	return l.apply("deploy", func(t *txn) error {
		t.set(keyAddress, addr.Bytes())
		t.set(keyOwner, opts.Deployer.Bytes())
		t.set(providerKey(opts.Deployer), []byte{1})
		t.setUint64(keyCooldown, cooldown)
		t.setPaused(false)

		if err := t.emit(EventOwnershipTransferred, OwnershipTransferred{NewOwner: opts.Deployer}); err != nil {
			return err
		}

		if err := t.emit(EventProviderAdded, ProviderChanged{Provider: opts.Deployer}); err != nil {
			return err
		}

		return t.emit(EventCooldownUpdated, CooldownUpdated{NewSeconds: cooldown})
	})
}

// ContractAddress derives a contract identity from its deployer:
// the last 20 bytes of BLAKE3("estatebonds/contract/v1" || deployer).
func ContractAddress(deployer common.Address) common.Address {
	h := blake3.New()
	h.Write([]byte("estatebonds/contract/v1"))
	h.Write(deployer[:])

	var sum [32]byte
	h.Sum(sum[:0])

	return common.BytesToAddress(sum[12:])
}

// Address returns the contract identity.
func (l *Ledger) Address() common.Address {
	return l.address
}

// Events returns the ledger's event log.
func (l *Ledger) Events() *eventlog.Log {
	return l.events
}

// apply runs fn against a fresh write set and commits it with the emitted events.
// If fn fails, nothing is written.
func (l *Ledger) apply(method string, fn func(t *txn) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	t := newTxn(l.db, l.now())

	if err := fn(t); err != nil {
		logger.Debug("call rejected", "method", method, "error", err)
		return err
	}

	eventOps, staged, err := l.events.Stage(t.events)
	if err != nil {
		return fmt.Errorf("stage %s events:\n%w", method, err)
	}

	if err := l.db.Write(append(t.ops(), eventOps...)); err != nil {
		return fmt.Errorf("commit %s:\n%w", method, err)
	}

	l.events.Commit(staged)

	return nil
}

// view runs a read-only fn under the ledger lock.
func (l *Ledger) view(fn func(t *txn) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return fn(newTxn(l.db, l.now()))
}

// Owner returns the current owner.
func (l *Ledger) Owner() (common.Address, error) {
	var owner common.Address

	err := l.view(func(t *txn) error {
		var err error
		owner, err = t.owner()
		return err
	})

	return owner, err
}

// Paused reports whether the contract is paused.
func (l *Ledger) Paused() (bool, error) {
	var paused bool

	err := l.view(func(t *txn) error {
		var err error
		paused, err = t.paused()
		return err
	})

	return paused, err
}

// CooldownSeconds returns the current cooldown.
func (l *Ledger) CooldownSeconds() (uint64, error) {
	var cooldown uint64

	err := l.view(func(t *txn) error {
		var err error
		cooldown, err = t.cooldown()
		return err
	})

	return cooldown, err
}

// IsProvider reports whether addr is a registered provider.
func (l *Ledger) IsProvider(addr common.Address) (bool, error) {
	var ok bool

	err := l.view(func(t *txn) error {
		var err error
		ok, err = t.isProvider(addr)
		return err
	})

	return ok, err
}

// Batch returns the lifecycle state of a batch. A never-opened batch has Exists false.
func (l *Ledger) Batch(id uint64) (Batch, error) {
	b := Batch{ID: id}

	err := l.view(func(t *txn) error {
		rec, ok, err := t.batch(id)
		b.Exists, b.Closed = ok, rec.closed
		return err
	})

	return b, err
}

// BatchTotals returns the running encrypted totals of a batch.
func (l *Ledger) BatchTotals(id uint64) (Totals, error) {
	var totals Totals

	err := l.view(func(t *txn) error {
		rec, ok, err := t.batch(id)
		if err != nil {
			return err
		}

		if !ok {
			return ErrBatchDoesNotExist
		}

		totals = rec.totals

		return nil
	})

	return totals, err
}

// GlobalTotals returns the running encrypted totals across all batches.
func (l *Ledger) GlobalTotals() (Totals, error) {
	var totals Totals

	err := l.view(func(t *txn) error {
		var err error
		totals, err = t.globalTotals()
		return err
	})

	return totals, err
}

// Submission returns the latest submission of provider to a batch.
func (l *Ledger) Submission(batchID uint64, provider common.Address) (Submission, bool, error) {
	var (
		s  Submission
		ok bool
	)

	err := l.view(func(t *txn) error {
		var err error
		s, ok, err = t.submission(batchID, provider)
		return err
	})

	return s, ok, err
}

// DecryptionContext returns the context recorded for a request id.
func (l *Ledger) DecryptionContext(requestID uint64) (DecryptionContext, bool, error) {
	var (
		c  DecryptionContext
		ok bool
	)

	err := l.view(func(t *txn) error {
		var err error
		c, ok, err = t.decryptionContext(requestID)
		return err
	})

	return c, ok, err
}
