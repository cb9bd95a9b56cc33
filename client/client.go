// Package client talks to an EstateBonds node over its HTTP API.
package client

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/api"
	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/eventlog"
	"EstateBonds/internal/ledger"
)

// Client connects to an EstateBonds node via HTTP.
type Client struct {
	baseURL string       // baseURL is the node's API root (e.g. "http://127.0.0.1:8080")
	http    *http.Client // http is the underlying HTTP client
}

// NewClient creates a client for the node at nodeAddr, with or without a scheme.
func NewClient(nodeAddr string) *Client {
	base := strings.TrimRight(nodeAddr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	return &Client{
		baseURL: base,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Wallet holds a caller key and its call nonce.
type Wallet struct {
	privKey ed25519.PrivateKey // privKey is the Ed25519 private key
	address common.Address     // address is the ledger identity of the key

	mu     sync.Mutex
	nonce  uint64 // nonce is the last nonce this wallet used
	synced bool   // synced is true once nonce was loaded from the node
}

// NewWallet creates a wallet with a random Ed25519 key.
func NewWallet() *Wallet {
	_, priv, _ := ed25519.GenerateKey(rand.Reader)
	return WalletFromKey(priv)
}

// WalletFromKey wraps an existing key.
func WalletFromKey(priv ed25519.PrivateKey) *Wallet {
	return &Wallet{
		privKey: priv,
		address: api.CallerAddress(priv.Public().(ed25519.PublicKey)),
	}
}

// WalletFromSeed derives a wallet from a 32-byte Ed25519 seed.
func WalletFromSeed(seed []byte) (*Wallet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	return WalletFromKey(ed25519.NewKeyFromSeed(seed)), nil
}

// Address returns the wallet's ledger identity.
func (w *Wallet) Address() common.Address {
	return w.address
}

// Call signs method with args using the wallet's next nonce, posts it and
// decodes the call result into result. A nil result discards it.
func (c *Client) Call(w *Wallet, method string, args, result any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.synced {
		last, err := c.Nonce(w.address)
		if err != nil {
			return fmt.Errorf("sync nonce:\n%w", err)
		}

		w.nonce, w.synced = last, true
	}

	env, err := api.SignCall(w.privKey, method, args, w.nonce+1)
	if err != nil {
		return err
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
	}

	err = c.do(http.MethodPost, "/call", env, &resp)

	// A stale nonce means another writer used this key; resync on the next call.
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == "stale_nonce" {
		w.synced = false
		return err
	}

	if err == nil || errors.As(err, &apiErr) && nonceSpent(apiErr.Code) {
		w.nonce++
	}

	if err != nil {
		return fmt.Errorf("%s:\n%w", method, err)
	}

	if result == nil {
		return nil
	}

	return json.Unmarshal(resp.Result, result)
}

// nonceSpent reports whether a call rejected with code still consumed its nonce.
// Only envelopes refused before the nonce check leave it unspent.
func nonceSpent(code string) bool {
	switch code {
	case "malformed_envelope", "invalid_signature", "unknown_method":
		return false
	}

	return true
}

// Nonce returns the last nonce the node accepted from addr.
func (c *Client) Nonce(addr common.Address) (uint64, error) {
	var info api.NonceInfo
	if err := c.do(http.MethodGet, "/nonce/"+addr.Hex(), nil, &info); err != nil {
		return 0, err
	}

	return info.Last, nil
}

// Batch returns a batch's lifecycle state.
func (c *Client) Batch(id uint64) (ledger.Batch, error) {
	var b ledger.Batch
	err := c.do(http.MethodGet, fmt.Sprintf("/batch/%d", id), nil, &b)
	return b, err
}

// BatchTotals returns a batch's encrypted running totals.
func (c *Client) BatchTotals(id uint64) (ledger.Totals, error) {
	var t ledger.Totals
	err := c.do(http.MethodGet, fmt.Sprintf("/batch/%d/totals", id), nil, &t)
	return t, err
}

// GlobalTotals returns the encrypted totals across all batches.
func (c *Client) GlobalTotals() (ledger.Totals, error) {
	var t ledger.Totals
	err := c.do(http.MethodGet, "/totals", nil, &t)
	return t, err
}

// DecryptionContext returns the stored context of a decryption request.
func (c *Client) DecryptionContext(requestID uint64) (ledger.DecryptionContext, error) {
	var dc ledger.DecryptionContext
	err := c.do(http.MethodGet, fmt.Sprintf("/decryption/%d", requestID), nil, &dc)
	return dc, err
}

// Events returns up to limit events starting at from, and the cursor of the next page.
func (c *Client) Events(from uint64, limit int) ([]eventlog.Event, uint64, error) {
	var page api.EventPage
	if err := c.do(http.MethodGet, fmt.Sprintf("/events?from=%d&limit=%d", from, limit), nil, &page); err != nil {
		return nil, 0, err
	}

	return page.Events, page.Next, nil
}

// WaitForEvent polls the event feed from from until an event of kind matches, or timeout.
func (c *Client) WaitForEvent(kind eventlog.Kind, from uint64, match func(eventlog.Event) bool, timeout time.Duration) (eventlog.Event, error) {
	deadline := time.Now().Add(timeout)

	for {
		events, next, err := c.Events(from, eventlog.MaxLimit)
		if err != nil {
			return eventlog.Event{}, err
		}

		for _, ev := range events {
			if ev.Kind == kind && (match == nil || match(ev)) {
				return ev, nil
			}
		}

		from = next

		if time.Now().After(deadline) {
			return eventlog.Event{}, fmt.Errorf("timeout waiting for %s event", kind)
		}

		time.Sleep(100 * time.Millisecond)
	}
}

// Status returns the node status.
func (c *Client) Status() (api.Status, error) {
	var st api.Status
	err := c.do(http.MethodGet, "/status", nil, &st)
	return st, err
}

// Snapshot downloads a compressed state snapshot.
func (c *Client) Snapshot() ([]byte, error) {
	return c.getRaw("/snapshot")
}

// Callback posts a decryption result to the node.
func (c *Client) Callback(res coprocessor.Result) (ledger.DecryptedTotals, error) {
	var out ledger.DecryptedTotals

	err := c.do(http.MethodPost, "/callback", api.CallbackRequest{
		RequestID:  res.RequestID,
		Cleartexts: res.Cleartexts,
		Proof:      res.Proof,
	}, &out)

	return out, err
}
