package client

import (
	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/api"
	"EstateBonds/internal/ledger"
)

// TransferOwnership hands the ledger to newOwner.
func (c *Client) TransferOwnership(w *Wallet, newOwner common.Address) error {
	return c.Call(w, "transferOwnership", api.OwnerArgs{NewOwner: newOwner}, nil)
}

// AddProvider allows provider to submit data.
func (c *Client) AddProvider(w *Wallet, provider common.Address) error {
	return c.Call(w, "addProvider", api.ProviderArgs{Provider: provider}, nil)
}

// RemoveProvider revokes a provider.
func (c *Client) RemoveProvider(w *Wallet, provider common.Address) error {
	return c.Call(w, "removeProvider", api.ProviderArgs{Provider: provider}, nil)
}

// Pause stops all mutating calls except decryption callbacks.
func (c *Client) Pause(w *Wallet) error {
	return c.Call(w, "pause", nil, nil)
}

// Unpause resumes a paused ledger.
func (c *Client) Unpause(w *Wallet) error {
	return c.Call(w, "unpause", nil, nil)
}

// SetCooldown sets the throttle between calls of one address.
func (c *Client) SetCooldown(w *Wallet, seconds uint64) error {
	return c.Call(w, "setCooldown", api.CooldownArgs{Seconds: seconds}, nil)
}

// OpenBatch opens batch id.
func (c *Client) OpenBatch(w *Wallet, id uint64) error {
	return c.Call(w, "openBatch", api.BatchArgs{BatchID: id}, nil)
}

// CloseBatch closes batch id.
func (c *Client) CloseBatch(w *Wallet, id uint64) error {
	return c.Call(w, "closeBatch", api.BatchArgs{BatchID: id}, nil)
}

// SubmitData submits an encrypted contribution to a batch.
func (c *Client) SubmitData(w *Wallet, batchID uint64, value, shares uint32) (ledger.Submission, error) {
	var sub ledger.Submission
	err := c.Call(w, "submitData", api.SubmitArgs{BatchID: batchID, Value: value, Shares: shares}, &sub)
	return sub, err
}

// RequestBatchDecryption asks for a batch's totals to be decrypted.
func (c *Client) RequestBatchDecryption(w *Wallet, batchID uint64) (ledger.DecryptionContext, error) {
	var dc ledger.DecryptionContext
	err := c.Call(w, "requestBatchDecryption", api.BatchArgs{BatchID: batchID}, &dc)
	return dc, err
}
