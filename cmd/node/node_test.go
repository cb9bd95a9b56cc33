package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/api"
	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/eventlog"
	"EstateBonds/internal/ledger"
	"EstateBonds/internal/relay"
)

func testConfig(t *testing.T) *Config {
	t.Helper()

	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	return &Config{
		DataPath:      t.TempDir(),
		HTTPAddress:   "127.0.0.1:0",
		PrivateKey:    key,
		KeyBits:       256,
		CommitteeSize: 3,
		CommitteeSeed: hex.EncodeToString(bytes.Repeat([]byte{6}, 32)),
	}
}

func ownerOf(cfg *Config) common.Address {
	return api.CallerAddress(cfg.PrivateKey.Public().(ed25519.PublicKey))
}

// waitCompleted subscribes to completions and returns a channel of their payloads.
func waitCompleted(t *testing.T, log *eventlog.Log) <-chan ledger.DecryptionCompleted {
	t.Helper()

	done := make(chan ledger.DecryptionCompleted, 1)
	log.Subscribe(ledger.EventDecryptionCompleted, func(ev eventlog.Event) {
		var c ledger.DecryptionCompleted
		if err := ev.Decode(&c); err == nil {
			done <- c
		}
	})

	return done
}

// TestEmbeddedNode tests deployment and an asynchronous decryption with the embedded coprocessor.
func TestEmbeddedNode(t *testing.T) {
	cfg := testConfig(t)

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	owner := ownerOf(cfg)

	if got, _ := n.ledger.Owner(); got != owner {
		t.Fatalf("owner: got %s, want node caller %s", got, owner)
	}

	if !n.coprocessorConnected() {
		t.Error("embedded coprocessor should report connected")
	}

	done := waitCompleted(t, n.events)

	n.local.OnResult(n.deliver)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.local.Run(n.ctx)
	}()

	ctx := context.Background()

	if err := n.ledger.OpenBatch(owner, 1); err != nil {
		t.Fatalf("open batch: %v", err)
	}

	if _, err := n.ledger.SubmitData(ctx, owner, 1, 42, 4); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := n.ledger.RequestBatchDecryption(ctx, owner, 1); err != nil {
		t.Fatalf("request: %v", err)
	}

	select {
	case c := <-done:
		if c.TotalValue != 42 || c.TotalShares != 4 {
			t.Errorf("completed: got %+v", c)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("decryption never completed")
	}
}

// TestRemoteNode tests a node driving a coprocessor over the relay.
func TestRemoteNode(t *testing.T) {
	local, err := coprocessor.NewLocal(coprocessor.LocalConfig{
		KeyBits:       256,
		CommitteeSeed: bytes.Repeat([]byte{2}, 32),
		CommitteeSize: 3,
		Threshold:     2,
	})
	if err != nil {
		t.Fatalf("create coprocessor: %v", err)
	}

	_, copKey, _ := ed25519.GenerateKey(rand.Reader)

	relayNode, err := relay.NewNode(relay.Config{PrivateKey: copKey, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create relay node: %v", err)
	}

	coprocessor.NewServer(local, relayNode)

	if err := relayNode.Start(); err != nil {
		t.Fatalf("start relay node: %v", err)
	}
	t.Cleanup(func() { relayNode.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	go local.Run(ctx)

	var committee []string
	for _, k := range local.Committee().PublicKeys() {
		committee = append(committee, hex.EncodeToString(k))
	}

	cfg := testConfig(t)
	cfg.CoprocessorAddr = relayNode.Addr()
	cfg.CoprocessorKey = hex.EncodeToString(copKey.Public().(ed25519.PublicKey))
	cfg.CommitteeKeys = committee
	cfg.Threshold = 2

	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(func() { n.Close() })

	if !n.coprocessorConnected() {
		t.Fatal("remote coprocessor should be connected")
	}

	done := waitCompleted(t, n.events)
	owner := ownerOf(cfg)

	if err := n.ledger.OpenBatch(owner, 5); err != nil {
		t.Fatalf("open batch: %v", err)
	}

	if _, err := n.ledger.SubmitData(ctx, owner, 5, 1000, 10); err != nil {
		t.Fatalf("submit: %v", err)
	}

	if _, err := n.ledger.RequestBatchDecryption(ctx, owner, 5); err != nil {
		t.Fatalf("request: %v", err)
	}

	select {
	case c := <-done:
		if c.BatchID != 5 || c.TotalValue != 1000 || c.TotalShares != 10 {
			t.Errorf("completed: got %+v", c)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("decryption never completed")
	}
}

// TestRemoteNodeWrongKey tests that a node refuses a coprocessor presenting another key.
func TestRemoteNodeWrongKey(t *testing.T) {
	_, copKey, _ := ed25519.GenerateKey(rand.Reader)
	other, _, _ := ed25519.GenerateKey(rand.Reader)

	relayNode, err := relay.NewNode(relay.Config{PrivateKey: copKey, ListenAddr: "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("create relay node: %v", err)
	}

	if err := relayNode.Start(); err != nil {
		t.Fatalf("start relay node: %v", err)
	}
	t.Cleanup(func() { relayNode.Close() })

	cfg := testConfig(t)
	cfg.CoprocessorAddr = relayNode.Addr()
	cfg.CoprocessorKey = hex.EncodeToString(other)
	cfg.CommitteeKeys = []string{hex.EncodeToString(mustCommitteeKey(t))}
	cfg.Threshold = 1

	if _, err := NewNode(cfg); err == nil {
		t.Fatal("node connected to a coprocessor with the wrong key")
	}
}

func mustCommitteeKey(t *testing.T) []byte {
	t.Helper()

	c, err := coprocessor.NewCommittee(bytes.Repeat([]byte{1}, 32), 1, 1)
	if err != nil {
		t.Fatalf("committee: %v", err)
	}

	return c.PublicKeys()[0]
}

// TestNodeRestore tests starting a node from another node's snapshot.
func TestNodeRestore(t *testing.T) {
	cfg := testConfig(t)

	n, err := NewNode(cfg)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	owner := ownerOf(cfg)
	if err := n.ledger.OpenBatch(owner, 9); err != nil {
		t.Fatalf("open batch: %v", err)
	}

	data, err := n.ledger.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	head := n.events.Head()
	n.Close()

	path := filepath.Join(t.TempDir(), "state.snapshot")
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}

	restoredCfg := testConfig(t)
	restoredCfg.RestorePath = path

	restored, err := NewNode(restoredCfg)
	if err != nil {
		t.Fatalf("restored node: %v", err)
	}
	t.Cleanup(func() { restored.Close() })

	// Ownership comes from the snapshot, not from the new node key.
	if got, _ := restored.ledger.Owner(); got != owner {
		t.Errorf("owner: got %s, want %s", got, owner)
	}

	if b, _ := restored.ledger.Batch(9); !b.Exists {
		t.Error("batch missing after restore")
	}

	if restored.events.Head() != head {
		t.Errorf("event head: got %d, want %d", restored.events.Head(), head)
	}
}
