package api

import (
	"errors"
	"net/http"

	"EstateBonds/internal/ledger"
)

// apiError is a stable error code with its HTTP status.
type apiError struct {
	err    error
	status int
	code   string
}

// errorTable maps known errors to responses. First match wins.
var errorTable = []apiError{
	{ledger.ErrNotOwner, http.StatusForbidden, "not_owner"},
	{ledger.ErrNotProvider, http.StatusForbidden, "not_provider"},
	{ledger.ErrPaused, http.StatusConflict, "paused"},
	{ledger.ErrNotPaused, http.StatusConflict, "not_paused"},
	{ledger.ErrCooldownActive, http.StatusTooManyRequests, "cooldown_active"},
	{ledger.ErrBatchDoesNotExist, http.StatusNotFound, "batch_does_not_exist"},
	{ledger.ErrBatchClosed, http.StatusConflict, "batch_closed"},
	{ledger.ErrInvalidBatch, http.StatusConflict, "invalid_batch"},
	{ledger.ErrReplayAttempt, http.StatusConflict, "replay_attempt"},
	{ledger.ErrStateMismatch, http.StatusConflict, "state_mismatch"},
	{ledger.ErrInvalidProof, http.StatusUnprocessableEntity, "invalid_proof"},
	{ledger.ErrUnknownRequest, http.StatusNotFound, "unknown_request"},
	{ledger.ErrDuplicateRequest, http.StatusConflict, "duplicate_request"},
	{ledger.ErrMalformedCleartexts, http.StatusUnprocessableEntity, "malformed_cleartexts"},
	{ledger.ErrUninitialized, http.StatusConflict, "uninitialized"},
	{ledger.ErrZeroAddress, http.StatusBadRequest, "zero_address"},
	{ErrInvalidSignature, http.StatusUnauthorized, "invalid_signature"},
	{ErrMalformedEnvelope, http.StatusBadRequest, "malformed_envelope"},
	{ErrStaleNonce, http.StatusConflict, "stale_nonce"},
	{ErrUnknownMethod, http.StatusBadRequest, "unknown_method"},
	{ErrInvalidArgs, http.StatusBadRequest, "invalid_args"},
}

// classify returns the status and code for err.
func classify(err error) (int, string) {
	for _, e := range errorTable {
		if errors.Is(err, e.err) {
			return e.status, e.code
		}
	}

	return http.StatusInternalServerError, "internal"
}
