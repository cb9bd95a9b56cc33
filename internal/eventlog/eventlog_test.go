package eventlog

import (
	"testing"
	"time"

	"EstateBonds/internal/storage"
)

// openTestLog opens a log over a fresh store.
func openTestLog(t *testing.T) (*Log, *storage.Storage, string) {
	t.Helper()

	dir := t.TempDir()

	db, err := storage.New(dir)
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}

	log, err := Open(db)
	if err != nil {
		db.Close()
		t.Fatalf("open log: %v", err)
	}

	return log, db, dir
}

// appendEvents stages, writes and commits events the way the ledger does.
func appendEvents(t *testing.T, log *Log, db *storage.Storage, events ...Event) []Event {
	t.Helper()

	ops, staged, err := log.Stage(events)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}

	if err := db.Write(ops); err != nil {
		t.Fatalf("write: %v", err)
	}

	log.Commit(staged)

	return staged
}

// mustEvent builds an event or fails the test.
func mustEvent(t *testing.T, kind Kind, payload any) Event {
	t.Helper()

	ev, err := New(kind, time.Unix(1700000000, 0), payload)
	if err != nil {
		t.Fatalf("new event: %v", err)
	}

	return ev
}

// TestSequenceNumbers tests that sequence numbers start at 1 and have no gaps.
func TestSequenceNumbers(t *testing.T) {
	log, db, _ := openTestLog(t)
	defer db.Close()

	first := appendEvents(t, log, db, mustEvent(t, "Paused", map[string]string{"by": "a"}))
	second := appendEvents(t, log, db,
		mustEvent(t, "Unpaused", nil),
		mustEvent(t, "BatchOpened", map[string]uint64{"batchId": 1}),
	)

	if first[0].Seq != 1 || second[0].Seq != 2 || second[1].Seq != 3 {
		t.Errorf("sequence: got %d, %d, %d", first[0].Seq, second[0].Seq, second[1].Seq)
	}

	if log.Head() != 4 {
		t.Errorf("head: got %d, want 4", log.Head())
	}
}

// TestStageWithoutCommit tests that an abandoned stage does not advance the head.
func TestStageWithoutCommit(t *testing.T) {
	log, db, _ := openTestLog(t)
	defer db.Close()

	if _, _, err := log.Stage([]Event{mustEvent(t, "Paused", nil)}); err != nil {
		t.Fatalf("stage: %v", err)
	}

	if log.Head() != 1 {
		t.Errorf("head moved without commit: %d", log.Head())
	}

	staged := appendEvents(t, log, db, mustEvent(t, "Paused", nil))
	if staged[0].Seq != 1 {
		t.Errorf("seq after abandoned stage: got %d, want 1", staged[0].Seq)
	}
}

// TestSincePaging tests range queries and limits.
func TestSincePaging(t *testing.T) {
	log, db, _ := openTestLog(t)
	defer db.Close()

	for i := 0; i < 5; i++ {
		appendEvents(t, log, db, mustEvent(t, "DataSubmitted", map[string]int{"i": i}))
	}

	page, err := log.Since(2, 2)
	if err != nil {
		t.Fatalf("since: %v", err)
	}

	if len(page) != 2 || page[0].Seq != 2 || page[1].Seq != 3 {
		t.Fatalf("page: got %+v", page)
	}

	var payload struct{ I int }
	if err := page[1].Decode(&payload); err != nil || payload.I != 2 {
		t.Errorf("payload: got %+v, %v", payload, err)
	}

	all, err := log.Since(0, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}

	if len(all) != 5 {
		t.Errorf("all events: got %d, want 5", len(all))
	}

	tail, _ := log.Since(6, 10)
	if len(tail) != 0 {
		t.Errorf("past head: got %d events", len(tail))
	}
}

// TestHeadSurvivesReopen tests that the sequence continues after a restart.
func TestHeadSurvivesReopen(t *testing.T) {
	log, db, dir := openTestLog(t)

	appendEvents(t, log, db, mustEvent(t, "Paused", nil), mustEvent(t, "Unpaused", nil))

	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err := storage.New(dir)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	defer db.Close()

	reopened, err := Open(db)
	if err != nil {
		t.Fatalf("reopen log: %v", err)
	}

	if reopened.Head() != 3 {
		t.Errorf("head after reopen: got %d, want 3", reopened.Head())
	}

	staged := appendEvents(t, reopened, db, mustEvent(t, "Paused", nil))
	if staged[0].Seq != 3 {
		t.Errorf("seq after reopen: got %d, want 3", staged[0].Seq)
	}
}

// TestSubscribe tests per-kind and catch-all subscriptions.
func TestSubscribe(t *testing.T) {
	log, db, _ := openTestLog(t)
	defer db.Close()

	var paused, all []uint64

	if err := log.Subscribe("Paused", func(ev Event) { paused = append(paused, ev.Seq) }); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := log.Subscribe("", func(ev Event) { all = append(all, ev.Seq) }); err != nil {
		t.Fatalf("subscribe all: %v", err)
	}

	appendEvents(t, log, db, mustEvent(t, "Paused", nil), mustEvent(t, "Unpaused", nil))

	if len(paused) != 1 || paused[0] != 1 {
		t.Errorf("paused subscriber: got %v", paused)
	}

	if len(all) != 2 {
		t.Errorf("catch-all subscriber: got %v", all)
	}
}
