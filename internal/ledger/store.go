package ledger

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/eventlog"
	"EstateBonds/internal/storage"
)

// Key layout. Integers in keys are big-endian so prefix scans come out in id order.
//
//	m:owner, m:paused, m:cooldown, m:address, m:global   singletons
//	p:<addr>                                              provider flag
//	b:<batch>                                             batch record
//	s:<batch><addr>                                       latest submission
//	c:<request>                                           decryption context
//	ts:<addr>, td:<addr>                                  submit / decrypt-request timestamps
var (
	keyOwner    = []byte("m:owner")
	keyPaused   = []byte("m:paused")
	keyCooldown = []byte("m:cooldown")
	keyAddress  = []byte("m:address")
	keyGlobal   = []byte("m:global")

	prefixProvider   = []byte("p:")
	prefixBatch      = []byte("b:")
	prefixSubmission = []byte("s:")
	prefixContext    = []byte("c:")
	prefixSubmitTime = []byte("ts:")
	prefixDecryptReq = []byte("td:")
)

const (
	amountSize  = 1 + coprocessor.HandleSize
	totalsSize  = 2 * amountSize
	batchSize   = 1 + totalsSize
	contextSize = 8 + common.HashLength + 1
)

func providerKey(addr common.Address) []byte {
	return append(append([]byte(nil), prefixProvider...), addr[:]...)
}

func batchKey(id uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefixBatch...), id)
}

func submissionKey(batchID uint64, addr common.Address) []byte {
	key := binary.BigEndian.AppendUint64(append([]byte(nil), prefixSubmission...), batchID)
	return append(key, addr[:]...)
}

func contextKey(requestID uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefixContext...), requestID)
}

func submitTimeKey(addr common.Address) []byte {
	return append(append([]byte(nil), prefixSubmitTime...), addr[:]...)
}

func decryptRequestKey(addr common.Address) []byte {
	return append(append([]byte(nil), prefixDecryptReq...), addr[:]...)
}

// EncryptedAmount is a ciphertext handle plus whether it has been initialized.
// Arithmetic on an uninitialized amount is rejected with ErrUninitialized.
type EncryptedAmount struct {
	Handle      coprocessor.Handle `json:"handle"`
	Initialized bool               `json:"initialized"`
}

// Totals is a pair of running encrypted sums.
type Totals struct {
	Value  EncryptedAmount `json:"value"`
	Shares EncryptedAmount `json:"shares"`
}

// Submission is a provider's latest contribution to a batch.
type Submission struct {
	Value  EncryptedAmount `json:"value"`
	Shares EncryptedAmount `json:"shares"`
}

// Batch is the lifecycle state of one batch.
type Batch struct {
	ID     uint64 `json:"id"`
	Exists bool   `json:"exists"`
	Closed bool   `json:"closed"`
}

// batchRecord is the stored form of a batch: its lifecycle flag and running totals.
type batchRecord struct {
	closed bool
	totals Totals
}

// DecryptionContext binds a decryption request to the ciphertext state it was issued against.
type DecryptionContext struct {
	RequestID  uint64      `json:"requestId"`
	BatchID    uint64      `json:"batchId"`
	Commitment common.Hash `json:"commitment"`
	Processed  bool        `json:"processed"`
}

// Record encodings follow a Borsh-like layout: fixed-size fields, little-endian integers.

func appendAmount(buf []byte, a EncryptedAmount) []byte {
	flag := byte(0)
	if a.Initialized {
		flag = 1
	}

	buf = append(buf, flag)

	return append(buf, a.Handle[:]...)
}

func readAmount(b []byte) EncryptedAmount {
	var a EncryptedAmount
	a.Initialized = b[0] == 1
	copy(a.Handle[:], b[1:amountSize])

	return a
}

func encodeTotals(t Totals) []byte {
	buf := make([]byte, 0, totalsSize)
	buf = appendAmount(buf, t.Value)

	return appendAmount(buf, t.Shares)
}

func decodeTotals(b []byte) (Totals, error) {
	if len(b) != totalsSize {
		return Totals{}, fmt.Errorf("corrupt totals record: %d bytes", len(b))
	}

	return Totals{Value: readAmount(b), Shares: readAmount(b[amountSize:])}, nil
}

func encodeBatch(r batchRecord) []byte {
	closed := byte(0)
	if r.closed {
		closed = 1
	}

	return append([]byte{closed}, encodeTotals(r.totals)...)
}

func decodeBatch(b []byte) (batchRecord, error) {
	if len(b) != batchSize {
		return batchRecord{}, fmt.Errorf("corrupt batch record: %d bytes", len(b))
	}

	totals, err := decodeTotals(b[1:])
	if err != nil {
		return batchRecord{}, err
	}

	return batchRecord{closed: b[0] == 1, totals: totals}, nil
}

func encodeContext(c DecryptionContext) []byte {
	buf := binary.LittleEndian.AppendUint64(make([]byte, 0, contextSize), c.BatchID)
	buf = append(buf, c.Commitment[:]...)

	if c.Processed {
		return append(buf, 1)
	}

	return append(buf, 0)
}

func decodeContext(requestID uint64, b []byte) (DecryptionContext, error) {
	if len(b) != contextSize {
		return DecryptionContext{}, fmt.Errorf("corrupt decryption context %d: %d bytes", requestID, len(b))
	}

	c := DecryptionContext{
		RequestID: requestID,
		BatchID:   binary.LittleEndian.Uint64(b),
		Processed: b[8+common.HashLength] == 1,
	}
	copy(c.Commitment[:], b[8:8+common.HashLength])

	return c, nil
}

// pendingWrite is one staged mutation.
type pendingWrite struct {
	value []byte
	del   bool
}

// txn is the write set of one ledger call. Reads see staged writes first;
// nothing reaches storage until the ledger commits ops() in a single batch.
type txn struct {
	db     *storage.Storage
	now    time.Time
	writes map[string]pendingWrite
	order  []string
	events []eventlog.Event
}

func newTxn(db *storage.Storage, now time.Time) *txn {
	return &txn{db: db, now: now, writes: make(map[string]pendingWrite)}
}

func (t *txn) get(key []byte) ([]byte, error) {
	if w, ok := t.writes[string(key)]; ok {
		if w.del {
			return nil, nil
		}

		return w.value, nil
	}

	value, err := t.db.Get(key)
	if err != nil {
		return nil, fmt.Errorf("read %q:\n%w", key, err)
	}

	return value, nil
}

func (t *txn) stage(key []byte, w pendingWrite) {
	k := string(key)
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}

	t.writes[k] = w
}

func (t *txn) set(key, value []byte) {
	t.stage(key, pendingWrite{value: value})
}

func (t *txn) del(key []byte) {
	t.stage(key, pendingWrite{del: true})
}

// emit queues an event for the call. It is persisted with the write set.
func (t *txn) emit(kind eventlog.Kind, payload any) error {
	ev, err := eventlog.New(kind, t.now, payload)
	if err != nil {
		return err
	}

	t.events = append(t.events, ev)

	return nil
}

// ops returns the staged mutations in first-write order.
func (t *txn) ops() []storage.Op {
	ops := make([]storage.Op, 0, len(t.order))

	for _, k := range t.order {
		w := t.writes[k]
		ops = append(ops, storage.Op{Key: []byte(k), Value: w.value, Delete: w.del})
	}

	return ops
}

// nowSeconds is the call time as unix seconds.
func (t *txn) nowSeconds() uint64 {
	return uint64(t.now.Unix())
}

func (t *txn) address(key []byte) (common.Address, error) {
	raw, err := t.get(key)
	if err != nil {
		return common.Address{}, err
	}

	return common.BytesToAddress(raw), nil
}

func (t *txn) owner() (common.Address, error) {
	return t.address(keyOwner)
}

func (t *txn) contract() (common.Address, error) {
	return t.address(keyAddress)
}

func (t *txn) paused() (bool, error) {
	raw, err := t.get(keyPaused)
	if err != nil {
		return false, err
	}

	return len(raw) == 1 && raw[0] == 1, nil
}

func (t *txn) setPaused(paused bool) {
	if paused {
		t.set(keyPaused, []byte{1})
		return
	}

	t.set(keyPaused, []byte{0})
}

// uint64At reads a little-endian counter; a missing key reads as (0, false).
func (t *txn) uint64At(key []byte) (uint64, bool, error) {
	raw, err := t.get(key)
	if err != nil {
		return 0, false, err
	}

	if raw == nil {
		return 0, false, nil
	}

	if len(raw) != 8 {
		return 0, false, fmt.Errorf("corrupt counter %q: %d bytes", key, len(raw))
	}

	return binary.LittleEndian.Uint64(raw), true, nil
}

func (t *txn) setUint64(key []byte, v uint64) {
	t.set(key, binary.LittleEndian.AppendUint64(nil, v))
}

func (t *txn) cooldown() (uint64, error) {
	v, _, err := t.uint64At(keyCooldown)
	return v, err
}

func (t *txn) isProvider(addr common.Address) (bool, error) {
	raw, err := t.get(providerKey(addr))
	if err != nil {
		return false, err
	}

	return raw != nil, nil
}

func (t *txn) batch(id uint64) (batchRecord, bool, error) {
	raw, err := t.get(batchKey(id))
	if err != nil || raw == nil {
		return batchRecord{}, false, err
	}

	rec, err := decodeBatch(raw)
	if err != nil {
		return batchRecord{}, false, fmt.Errorf("batch %d:\n%w", id, err)
	}

	return rec, true, nil
}

func (t *txn) putBatch(id uint64, rec batchRecord) {
	t.set(batchKey(id), encodeBatch(rec))
}

func (t *txn) globalTotals() (Totals, error) {
	raw, err := t.get(keyGlobal)
	if err != nil || raw == nil {
		return Totals{}, err
	}

	return decodeTotals(raw)
}

func (t *txn) putGlobalTotals(tot Totals) {
	t.set(keyGlobal, encodeTotals(tot))
}

func (t *txn) submission(batchID uint64, addr common.Address) (Submission, bool, error) {
	raw, err := t.get(submissionKey(batchID, addr))
	if err != nil || raw == nil {
		return Submission{}, false, err
	}

	tot, err := decodeTotals(raw)
	if err != nil {
		return Submission{}, false, fmt.Errorf("submission %d/%s:\n%w", batchID, addr, err)
	}

	return Submission{Value: tot.Value, Shares: tot.Shares}, true, nil
}

func (t *txn) putSubmission(batchID uint64, addr common.Address, s Submission) {
	t.set(submissionKey(batchID, addr), encodeTotals(Totals{Value: s.Value, Shares: s.Shares}))
}

func (t *txn) decryptionContext(requestID uint64) (DecryptionContext, bool, error) {
	raw, err := t.get(contextKey(requestID))
	if err != nil || raw == nil {
		return DecryptionContext{}, false, err
	}

	c, err := decodeContext(requestID, raw)
	if err != nil {
		return DecryptionContext{}, false, err
	}

	return c, true, nil
}

func (t *txn) putDecryptionContext(c DecryptionContext) {
	t.set(contextKey(c.RequestID), encodeContext(c))
}
