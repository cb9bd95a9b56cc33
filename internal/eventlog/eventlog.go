// Package eventlog is the ledger's append-only event log.
//
// Events are stored under "e:<seq>" in the same Pebble batch as the state change
// that produced them, then published on an in-process bus once that batch is durable.
// Sequence numbers start at 1 and have no gaps.
package eventlog

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"

	"EstateBonds/internal/storage"
)

const (
	// DefaultLimit is the page size used when a query asks for none.
	DefaultLimit = 100

	// MaxLimit caps the page size of a query.
	MaxLimit = 1000

	// topicAll receives every event regardless of kind.
	topicAll = "event:*"
)

var (
	prefixEvent = []byte("e:")
	keyNextSeq  = []byte("e!next")
)

// Kind names an event type.
type Kind string

// Event is one entry of the log.
type Event struct {
	Seq  uint64          `json:"seq"`  // Seq is the position in the log
	Kind Kind            `json:"kind"` // Kind is the event type
	Time int64           `json:"time"` // Time is the unix time of the call that emitted it
	Data json.RawMessage `json:"data"` // Data is the kind-specific payload
}

// New builds an unsequenced event with payload encoded as JSON.
func New(kind Kind, at time.Time, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload:\n%w", kind, err)
	}

	return Event{Kind: kind, Time: at.Unix(), Data: data}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Data, v)
}

// Log persists and publishes events. It has a single writer: Stage and Commit
// must not be called concurrently. Readers may call Since and Head at any time.
type Log struct {
	db  *storage.Storage
	bus evbus.Bus

	mu   sync.RWMutex
	next uint64 // next is the sequence number the next event receives
}

// Open loads the log head from db.
func Open(db *storage.Storage) (*Log, error) {
	next := uint64(1)

	raw, err := db.Get(keyNextSeq)
	if err != nil {
		return nil, fmt.Errorf("read log head:\n%w", err)
	}

	if raw != nil {
		if len(raw) != 8 {
			return nil, fmt.Errorf("corrupt log head: %d bytes", len(raw))
		}

		next = binary.BigEndian.Uint64(raw)
	}

	return &Log{db: db, bus: evbus.New(), next: next}, nil
}

// Head returns the sequence number the next event will receive.
func (l *Log) Head() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return l.next
}

// Stage assigns sequence numbers to events and returns the storage operations that
// persist them. Nothing is visible until the operations are written and Commit is called.
func (l *Log) Stage(events []Event) ([]storage.Op, []Event, error) {
	if len(events) == 0 {
		return nil, nil, nil
	}

	seq := l.Head()
	staged := make([]Event, len(events))
	ops := make([]storage.Op, 0, len(events)+1)

	for i, ev := range events {
		ev.Seq = seq
		seq++

		value, err := json.Marshal(ev)
		if err != nil {
			return nil, nil, fmt.Errorf("encode event %d:\n%w", ev.Seq, err)
		}

		staged[i] = ev
		ops = append(ops, storage.Op{Key: eventKey(ev.Seq), Value: value})
	}

	ops = append(ops, storage.Op{Key: keyNextSeq, Value: binary.BigEndian.AppendUint64(nil, seq)})

	return ops, staged, nil
}

// Commit advances the head past staged events and publishes them.
// Call it only after the operations from Stage were written.
func (l *Log) Commit(staged []Event) {
	if len(staged) == 0 {
		return
	}

	l.mu.Lock()
	l.next = staged[len(staged)-1].Seq + 1
	l.mu.Unlock()

	for _, ev := range staged {
		l.bus.Publish(topic(ev.Kind), ev)
		l.bus.Publish(topicAll, ev)
	}
}

// Since returns up to limit events with Seq >= from, in order.
func (l *Log) Since(from uint64, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}

	if limit > MaxLimit {
		limit = MaxLimit
	}

	if from == 0 {
		from = 1
	}

	var events []Event
	errDone := errors.New("page full")

	err := l.db.IterateRange(eventKey(from), prefixUpperBound(), func(_, value []byte) error {
		var ev Event
		if err := json.Unmarshal(value, &ev); err != nil {
			return fmt.Errorf("decode event:\n%w", err)
		}

		events = append(events, ev)
		if len(events) >= limit {
			return errDone
		}

		return nil
	})
	if err != nil && !errors.Is(err, errDone) {
		return nil, fmt.Errorf("scan events:\n%w", err)
	}

	return events, nil
}

// Subscribe registers fn for events of kind, or for every event if kind is empty.
// fn runs synchronously on the committing goroutine and must not call back into the ledger.
func (l *Log) Subscribe(kind Kind, fn func(Event)) error {
	return l.bus.Subscribe(topic(kind), fn)
}

// Unsubscribe removes a handler registered with Subscribe.
func (l *Log) Unsubscribe(kind Kind, fn func(Event)) error {
	return l.bus.Unsubscribe(topic(kind), fn)
}

func topic(kind Kind) string {
	if kind == "" {
		return topicAll
	}

	return "event:" + string(kind)
}

// eventKey is "e:" followed by the big-endian sequence number.
func eventKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(append([]byte(nil), prefixEvent...), seq)
}

// prefixUpperBound is the exclusive end of the event key range.
func prefixUpperBound() []byte {
	return []byte("e;")
}
