package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/eventlog"
)

// Event kinds emitted by the ledger.
const (
	EventOwnershipTransferred eventlog.Kind = "OwnershipTransferred"
	EventProviderAdded        eventlog.Kind = "ProviderAdded"
	EventProviderRemoved      eventlog.Kind = "ProviderRemoved"
	EventCooldownUpdated      eventlog.Kind = "CooldownUpdated"
	EventPaused               eventlog.Kind = "Paused"
	EventUnpaused             eventlog.Kind = "Unpaused"
	EventBatchOpened          eventlog.Kind = "BatchOpened"
	EventBatchClosed          eventlog.Kind = "BatchClosed"
	EventDataSubmitted        eventlog.Kind = "DataSubmitted"
	EventDecryptionRequested  eventlog.Kind = "DecryptionRequested"
	EventDecryptionCompleted  eventlog.Kind = "DecryptionCompleted"
)

// OwnershipTransferred is the payload of EventOwnershipTransferred.
type OwnershipTransferred struct {
	PreviousOwner common.Address `json:"previousOwner"`
	NewOwner      common.Address `json:"newOwner"`
}

// ProviderChanged is the payload of EventProviderAdded and EventProviderRemoved.
type ProviderChanged struct {
	Provider common.Address `json:"provider"`
}

// CooldownUpdated is the payload of EventCooldownUpdated.
type CooldownUpdated struct {
	OldSeconds uint64 `json:"oldSeconds"`
	NewSeconds uint64 `json:"newSeconds"`
}

// PauseChanged is the payload of EventPaused and EventUnpaused.
type PauseChanged struct {
	Account common.Address `json:"account"`
}

// BatchChanged is the payload of EventBatchOpened and EventBatchClosed.
type BatchChanged struct {
	BatchID uint64 `json:"batchId"`
}

// DataSubmitted carries ciphertext references only, never plaintext.
type DataSubmitted struct {
	Provider     common.Address     `json:"provider"`
	BatchID      uint64             `json:"batchId"`
	ValueHandle  coprocessor.Handle `json:"valueHandle"`
	SharesHandle coprocessor.Handle `json:"sharesHandle"`
}

// DecryptionRequested is the payload of EventDecryptionRequested.
type DecryptionRequested struct {
	RequestID  uint64      `json:"requestId"`
	BatchID    uint64      `json:"batchId"`
	Commitment common.Hash `json:"commitment"`
}

// DecryptionCompleted is the only place decrypted totals ever appear.
type DecryptionCompleted struct {
	RequestID   uint64 `json:"requestId"`
	BatchID     uint64 `json:"batchId"`
	TotalValue  uint32 `json:"totalValue"`
	TotalShares uint32 `json:"totalShares"`
}
