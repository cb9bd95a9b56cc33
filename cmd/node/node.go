package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/api"
	"EstateBonds/internal/config"
	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/eventlog"
	"EstateBonds/internal/ledger"
	"EstateBonds/internal/logger"
	"EstateBonds/internal/relay"
	"EstateBonds/internal/storage"
)

// connectTimeout bounds the initial dial to a remote coprocessor.
const connectTimeout = 10 * time.Second

// Node represents a running EstateBonds coordinator.
type Node struct {
	cfg     *Config
	storage *storage.Storage
	events  *eventlog.Log
	ledger  *ledger.Ledger
	api     *api.Server

	cop      coprocessor.Coprocessor
	verifier ledger.ProofVerifier
	local    *coprocessor.Local // local is set when the coprocessor is embedded
	relay    *relay.Node        // relay is set when the coprocessor is remote
	copKey   ed25519.PublicKey  // copKey is the remote coprocessor's pinned key

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates and initializes a new node.
func NewNode(cfg *Config) (*Node, error) {
	ctx, cancel := context.WithCancel(context.Background())
	n := &Node{cfg: cfg, ctx: ctx, cancel: cancel}

	if err := n.initStorage(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initCoprocessor(); err != nil {
		n.Close()
		return nil, err
	}

	if err := n.initLedger(); err != nil {
		n.Close()
		return nil, err
	}

	n.api = api.New(cfg.HTTPAddress, n.ledger, n.storage, api.Options{
		CoprocessorConnected: n.coprocessorConnected,
	})

	return n, nil
}

// initStorage opens the Pebble store, restoring a snapshot into it first if asked.
func (n *Node) initStorage() error {
	dbPath := filepath.Join(n.cfg.DataPath, "db")

	if err := os.MkdirAll(n.cfg.DataPath, 0755); err != nil {
		return fmt.Errorf("create data directory:\n%w", err)
	}

	db, err := storage.New(dbPath)
	if err != nil {
		return fmt.Errorf("init storage:\n%w", err)
	}

	n.storage = db

	if n.cfg.RestorePath != "" {
		data, err := os.ReadFile(n.cfg.RestorePath)
		if err != nil {
			return fmt.Errorf("read snapshot:\n%w", err)
		}

		count, err := ledger.RestoreSnapshot(db, data)
		if err != nil {
			return fmt.Errorf("restore snapshot:\n%w", err)
		}

		logger.Info("snapshot restored", "path", n.cfg.RestorePath, "entries", count)
	}

	events, err := eventlog.Open(db)
	if err != nil {
		return fmt.Errorf("open event log:\n%w", err)
	}

	n.events = events

	return nil
}

// initCoprocessor builds the embedded coprocessor or connects to a remote one.
func (n *Node) initCoprocessor() error {
	if n.cfg.CoprocessorAddr == "" {
		return n.initEmbedded()
	}

	return n.initRemote()
}

// initEmbedded creates an in-process dev coprocessor.
func (n *Node) initEmbedded() error {
	seed, err := n.committeeSeed()
	if err != nil {
		return err
	}

	threshold := n.cfg.Threshold
	if threshold == 0 {
		threshold = n.cfg.CommitteeSize/2 + 1
	}

	local, err := coprocessor.NewLocal(coprocessor.LocalConfig{
		KeyBits:       n.cfg.KeyBits,
		CommitteeSeed: seed,
		CommitteeSize: n.cfg.CommitteeSize,
		Threshold:     threshold,
	})
	if err != nil {
		return fmt.Errorf("create embedded coprocessor:\n%w", err)
	}

	verifier, err := n.committeeVerifier(local.Committee().Verifier())
	if err != nil {
		return err
	}

	n.local, n.cop, n.verifier = local, local, verifier

	logger.Warn("embedded dev coprocessor: ciphertexts live in memory and are lost on restart")

	return nil
}

// committeeSeed decodes the configured committee seed or draws a random one.
func (n *Node) committeeSeed() ([]byte, error) {
	if n.cfg.CommitteeSeed == "" {
		seed := make([]byte, 32)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("draw committee seed:\n%w", err)
		}

		return seed, nil
	}

	seed, err := hex.DecodeString(n.cfg.CommitteeSeed)
	if err != nil {
		return nil, fmt.Errorf("decode committee seed:\n%w", err)
	}

	return seed, nil
}

// committeeVerifier returns a verifier over the configured committee keys, or
// fallback if none are configured.
func (n *Node) committeeVerifier(fallback *coprocessor.Verifier) (*coprocessor.Verifier, error) {
	if len(n.cfg.CommitteeKeys) == 0 {
		return fallback, nil
	}

	keys, err := config.DecodeHexList(n.cfg.CommitteeKeys, coprocessor.PublicKeySize)
	if err != nil {
		return nil, fmt.Errorf("decode committee keys:\n%w", err)
	}

	v, err := coprocessor.NewVerifier(keys, n.cfg.Threshold)
	if err != nil {
		return nil, fmt.Errorf("create verifier:\n%w", err)
	}

	return v, nil
}

// initRemote dials the remote coprocessor and pins its key.
func (n *Node) initRemote() error {
	keys, err := config.DecodeHexList([]string{n.cfg.CoprocessorKey}, ed25519.PublicKeySize)
	if err != nil {
		return fmt.Errorf("decode coprocessor key:\n%w", err)
	}

	n.copKey = ed25519.PublicKey(keys[0])

	verifier, err := n.committeeVerifier(nil)
	if err != nil {
		return err
	}

	node, err := relay.NewNode(relay.Config{PrivateKey: n.cfg.PrivateKey})
	if err != nil {
		return fmt.Errorf("create relay node:\n%w", err)
	}

	n.relay = node
	node.OnMessage(n.handlePush)

	ctx, cancel := context.WithTimeout(n.ctx, connectTimeout)
	defer cancel()

	if _, err := node.Connect(ctx, n.cfg.CoprocessorAddr, n.copKey); err != nil {
		return fmt.Errorf("connect to coprocessor %s:\n%w", n.cfg.CoprocessorAddr, err)
	}

	n.cop = coprocessor.NewRemote(n.coprocessorPeer)
	n.verifier = verifier

	logger.Info("connected to coprocessor", "addr", n.cfg.CoprocessorAddr)

	return nil
}

// coprocessorPeer returns the live connection to the remote coprocessor, or nil.
func (n *Node) coprocessorPeer() coprocessor.Requester {
	p := n.relay.GetPeer(n.copKey)
	if p == nil {
		return nil
	}

	return p
}

// coprocessorConnected reports whether decryption requests can reach the coprocessor.
func (n *Node) coprocessorConnected() bool {
	if n.relay == nil {
		return n.local != nil
	}

	return n.relay.GetPeer(n.copKey) != nil
}

// initLedger opens or deploys the ledger.
func (n *Node) initLedger() error {
	owner, err := n.owner()
	if err != nil {
		return err
	}

	l, err := ledger.New(n.storage, n.events, n.cop, n.verifier, ledger.Options{
		Deployer:        owner,
		CooldownSeconds: n.cfg.CooldownSeconds,
	})
	if err != nil {
		return fmt.Errorf("open ledger:\n%w", err)
	}

	n.ledger = l

	return nil
}

// owner returns the configured owner or the node key's caller address.
func (n *Node) owner() (common.Address, error) {
	if n.cfg.Owner == "" {
		return api.CallerAddress(n.cfg.PrivateKey.Public().(ed25519.PublicKey)), nil
	}

	if !common.IsHexAddress(n.cfg.Owner) {
		return common.Address{}, fmt.Errorf("invalid owner address %q", n.cfg.Owner)
	}

	return common.HexToAddress(n.cfg.Owner), nil
}

// handlePush receives a decryption result pushed by the remote coprocessor.
func (n *Node) handlePush(p *relay.Peer, data []byte) {
	if !p.PublicKey().Equal(n.copKey) {
		logger.Warn("push from unexpected peer ignored", "peer", p.Address())
		return
	}

	res, err := coprocessor.DecodeResult(data)
	if err != nil {
		logger.Warn("malformed result push", "error", err)
		return
	}

	n.deliver(res.RequestID, res.Cleartexts, res.Proof)
}

// deliver hands a decryption result to the ledger.
func (n *Node) deliver(requestID uint64, cleartexts, proof []byte) {
	res, err := n.ledger.OnDecryptionResult(requestID, cleartexts, proof)
	if err != nil {
		return
	}

	logger.Debug("batch decrypted", "request", requestID, "batch", res.BatchID)
}

// Run starts the node and blocks until shutdown.
func (n *Node) Run() error {
	if n.local != nil {
		n.local.OnResult(n.deliver)

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.local.Run(n.ctx)
		}()
	}

	if err := n.api.Start(); err != nil {
		return fmt.Errorf("start api:\n%w", err)
	}

	return n.waitForShutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM, then closes the node.
func (n *Node) waitForShutdown() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())

	return n.Close()
}

// Close shuts down all node components gracefully.
func (n *Node) Close() error {
	if n.api != nil {
		n.api.Stop()
	}

	n.cancel()
	n.wg.Wait()

	if n.relay != nil {
		n.relay.Close()
	}

	if n.storage != nil {
		n.storage.Close()
	}

	return nil
}
