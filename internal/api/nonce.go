package api

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/storage"
)

// prefixNonce keys the last accepted nonce of each caller.
var prefixNonce = []byte("n:")

// ErrStaleNonce is returned for a nonce not above the caller's last accepted one.
var ErrStaleNonce = errors.New("stale nonce")

// nonceStore tracks the last accepted call nonce per caller.
type nonceStore struct {
	mu sync.Mutex
	db *storage.Storage
}

func nonceKey(addr common.Address) []byte {
	return append(append([]byte(nil), prefixNonce...), addr[:]...)
}

// last returns the caller's last accepted nonce, 0 if none.
func (n *nonceStore) last(addr common.Address) (uint64, error) {
	raw, err := n.db.Get(nonceKey(addr))
	if err != nil {
		return 0, fmt.Errorf("read nonce:\n%w", err)
	}

	if raw == nil {
		return 0, nil
	}

	if len(raw) != 8 {
		return 0, fmt.Errorf("corrupt nonce record for %s", addr)
	}

	return binary.BigEndian.Uint64(raw), nil
}

// consume records nonce as used. The nonce is spent even if the call it
// authorizes fails afterwards.
func (n *nonceStore) consume(addr common.Address, nonce uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	last, err := n.last(addr)
	if err != nil {
		return err
	}

	if nonce <= last {
		return fmt.Errorf("%w: got %d, last %d", ErrStaleNonce, nonce, last)
	}

	if err := n.db.Set(nonceKey(addr), binary.BigEndian.AppendUint64(nil, nonce)); err != nil {
		return fmt.Errorf("store nonce:\n%w", err)
	}

	return nil
}
