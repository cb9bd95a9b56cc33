package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/zeebo/blake3"

	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/logger"
)

// commitmentDomain separates commitments from every other blake3 use.
var commitmentDomain = []byte("estatebonds/commitment/v1")

// Commitment binds a pair of ciphertext handles to one contract instance:
// BLAKE3(domain || valueHandle || sharesHandle || contract).
func Commitment(value, shares coprocessor.Handle, contract common.Address) common.Hash {
	h := blake3.New()
	h.Write(commitmentDomain)
	h.Write(value[:])
	h.Write(shares[:])
	h.Write(contract[:])

	var sum common.Hash
	h.Sum(sum[:0])

	return sum
}

// DecryptedTotals is the outcome of an accepted decryption callback.
type DecryptedTotals struct {
	RequestID   uint64 `json:"requestId"`
	BatchID     uint64 `json:"batchId"`
	TotalValue  uint32 `json:"totalValue"`
	TotalShares uint32 `json:"totalShares"`
}

// RequestBatchDecryption commits to the batch's current totals and asks the
// coprocessor to decrypt them. The result arrives later through OnDecryptionResult.
func (l *Ledger) RequestBatchDecryption(ctx context.Context, caller common.Address, batchID uint64) (DecryptionContext, error) {
	var dc DecryptionContext

	err := l.apply("requestBatchDecryption", func(t *txn) error {
		if err := t.requireNotPaused(); err != nil {
			return err
		}

		if err := t.requireOwner(caller); err != nil {
			return err
		}

		if err := t.requireCooldownElapsed(decryptRequestKey(caller)); err != nil {
			return err
		}

		rec, exists, err := t.batch(batchID)
		if err != nil {
			return err
		}

		if !exists {
			return ErrBatchDoesNotExist
		}

		t.setUint64(decryptRequestKey(caller), t.nowSeconds())

		if rec.totals.Value, err = l.initialized(ctx, rec.totals.Value); err != nil {
			return fmt.Errorf("batch %d value total:\n%w", batchID, err)
		}

		if rec.totals.Shares, err = l.initialized(ctx, rec.totals.Shares); err != nil {
			return fmt.Errorf("batch %d shares total:\n%w", batchID, err)
		}

		t.putBatch(batchID, rec)

		handles := []coprocessor.Handle{rec.totals.Value.Handle, rec.totals.Shares.Handle}

		requestID, err := l.cop.RequestDecryption(ctx, handles)
		if err != nil {
			return fmt.Errorf("request decryption:\n%w", err)
		}

		_, taken, err := t.decryptionContext(requestID)
		if err != nil {
			return err
		}

		if taken {
			return fmt.Errorf("%w: %d", ErrDuplicateRequest, requestID)
		}

		dc = DecryptionContext{
			RequestID:  requestID,
			BatchID:    batchID,
			Commitment: Commitment(handles[0], handles[1], l.address),
		}
		t.putDecryptionContext(dc)

		return t.emit(EventDecryptionRequested, DecryptionRequested{
			RequestID:  requestID,
			BatchID:    batchID,
			Commitment: dc.Commitment,
		})
	})
	if err != nil {
		return DecryptionContext{}, err
	}

	logger.Info("decryption requested", "request", dc.RequestID, "batch", batchID)

	return dc, nil
}

// OnDecryptionResult consumes the coprocessor's answer to a decryption request.
// The result is accepted at most once, only against unchanged ciphertext state
// and only with a valid committee proof. The decrypted totals are published in
// the completion event and never stored.
func (l *Ledger) OnDecryptionResult(requestID uint64, cleartexts, proof []byte) (DecryptedTotals, error) {
	var out DecryptedTotals

	err := l.apply("onDecryptionResult", func(t *txn) error {
		dc, found, err := t.decryptionContext(requestID)
		if err != nil {
			return err
		}

		var current Totals
		if found {
			rec, _, err := t.batch(dc.BatchID)
			if err != nil {
				return err
			}

			current = rec.totals
		}

		out, err = verifyCallback(callbackInput{
			requestID:  requestID,
			context:    dc,
			found:      found,
			current:    current,
			contract:   l.address,
			cleartexts: cleartexts,
			proof:      proof,
		}, l.verifier)
		if err != nil {
			return err
		}

		dc.Processed = true
		t.putDecryptionContext(dc)

		return t.emit(EventDecryptionCompleted, DecryptionCompleted{
			RequestID:   out.RequestID,
			BatchID:     out.BatchID,
			TotalValue:  out.TotalValue,
			TotalShares: out.TotalShares,
		})
	})
	if err != nil {
		logger.Warn("decryption result rejected", "request", requestID, "error", err)
		return DecryptedTotals{}, err
	}

	logger.Info("decryption completed", "request", requestID, "batch", out.BatchID)

	return out, nil
}

// callbackInput is everything verifyCallback looks at.
type callbackInput struct {
	requestID  uint64
	context    DecryptionContext // context is the stored request context
	found      bool              // found is false if no context exists for requestID
	current    Totals            // current are the batch totals now
	contract   common.Address
	cleartexts []byte
	proof      []byte
}

// verifyCallback decides whether a decryption result may be accepted. It has no
// side effects. Checks run in order: known request, not yet processed, ciphertext
// state unchanged, proof valid, payload well formed.
func verifyCallback(in callbackInput, verifier ProofVerifier) (DecryptedTotals, error) {
	if !in.found {
		return DecryptedTotals{}, fmt.Errorf("%w: %d", ErrUnknownRequest, in.requestID)
	}

	if in.context.Processed {
		return DecryptedTotals{}, fmt.Errorf("%w: %d", ErrReplayAttempt, in.requestID)
	}

	if Commitment(in.current.Value.Handle, in.current.Shares.Handle, in.contract) != in.context.Commitment {
		return DecryptedTotals{}, fmt.Errorf("%w: batch %d", ErrStateMismatch, in.context.BatchID)
	}

	if !verifier.CheckSignatures(in.requestID, in.cleartexts, in.proof) {
		return DecryptedTotals{}, fmt.Errorf("%w: request %d", ErrInvalidProof, in.requestID)
	}

	values, err := coprocessor.UnpackCleartexts(in.cleartexts, 2)
	if err != nil {
		return DecryptedTotals{}, err
	}

	return DecryptedTotals{
		RequestID:   in.requestID,
		BatchID:     in.context.BatchID,
		TotalValue:  values[0],
		TotalShares: values[1],
	}, nil
}
