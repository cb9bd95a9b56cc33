package ledger

import (
	"errors"

	"EstateBonds/internal/coprocessor"
)

// Call rejections. Every one aborts the whole call with no state change.
var (
	ErrNotOwner          = errors.New("caller is not the owner")
	ErrNotProvider       = errors.New("caller is not a registered provider")
	ErrPaused            = errors.New("contract is paused")
	ErrNotPaused         = errors.New("contract is not paused")
	ErrCooldownActive    = errors.New("cooldown active")
	ErrBatchDoesNotExist = errors.New("batch does not exist")
	ErrBatchClosed       = errors.New("batch is closed")
	ErrInvalidBatch      = errors.New("batch already exists")
	ErrReplayAttempt     = errors.New("decryption request already processed")
	ErrStateMismatch     = errors.New("ciphertext state changed since request")
	ErrInvalidProof      = errors.New("invalid decryption proof")
	ErrUnknownRequest    = errors.New("unknown decryption request")
	ErrDuplicateRequest  = errors.New("duplicate decryption request id")
	ErrUninitialized     = errors.New("encrypted amount is not initialized")
	ErrZeroAddress       = errors.New("zero address")

	// ErrMalformedCleartexts is shared with the coprocessor codec so either side matches errors.Is.
	ErrMalformedCleartexts = coprocessor.ErrMalformedCleartexts
)
