package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/coprocessor"
	"EstateBonds/internal/logger"
)

// SubmitData encrypts a provider's contribution, records it as the provider's latest
// submission to the batch and adds it into the batch and global running totals.
//
// The stored submission is overwritten on resubmission while the totals grow with
// every accepted call, so a provider submitting twice counts twice in the totals.
func (l *Ledger) SubmitData(ctx context.Context, caller common.Address, batchID uint64, value, shares uint32) (Submission, error) {
	var sub Submission

	err := l.apply("submitData", func(t *txn) error {
		if err := t.requireNotPaused(); err != nil {
			return err
		}

		ok, err := t.isProvider(caller)
		if err != nil {
			return err
		}

		if !ok {
			return ErrNotProvider
		}

		if err := t.requireCooldownElapsed(submitTimeKey(caller)); err != nil {
			return err
		}

		rec, exists, err := t.batch(batchID)
		if err != nil {
			return err
		}

		if !exists {
			return ErrBatchDoesNotExist
		}

		if rec.closed {
			return ErrBatchClosed
		}

		// Acceptance is final from here; the timestamp commits with everything else.
		t.setUint64(submitTimeKey(caller), t.nowSeconds())

		valueHandle, err := l.cop.Encrypt(ctx, value)
		if err != nil {
			return fmt.Errorf("encrypt value:\n%w", err)
		}

		sharesHandle, err := l.cop.Encrypt(ctx, shares)
		if err != nil {
			return fmt.Errorf("encrypt shares:\n%w", err)
		}

		sub = Submission{
			Value:  EncryptedAmount{Handle: valueHandle, Initialized: true},
			Shares: EncryptedAmount{Handle: sharesHandle, Initialized: true},
		}
		t.putSubmission(batchID, caller, sub)

		rec.totals, err = l.accumulate(ctx, rec.totals, valueHandle, sharesHandle)
		if err != nil {
			return fmt.Errorf("batch %d totals:\n%w", batchID, err)
		}
		t.putBatch(batchID, rec)

		global, err := t.globalTotals()
		if err != nil {
			return err
		}

		global, err = l.accumulate(ctx, global, valueHandle, sharesHandle)
		if err != nil {
			return fmt.Errorf("global totals:\n%w", err)
		}
		t.putGlobalTotals(global)

		return t.emit(EventDataSubmitted, DataSubmitted{
			Provider:     caller,
			BatchID:      batchID,
			ValueHandle:  valueHandle,
			SharesHandle: sharesHandle,
		})
	})
	if err != nil {
		return Submission{}, err
	}

	logger.Info("data submitted", "provider", caller, "batch", batchID)

	return sub, nil
}

// accumulate adds the two handles into a pair of running totals.
func (l *Ledger) accumulate(ctx context.Context, tot Totals, value, shares coprocessor.Handle) (Totals, error) {
	var err error

	if tot.Value, err = l.add(ctx, tot.Value, value); err != nil {
		return Totals{}, fmt.Errorf("value:\n%w", err)
	}

	if tot.Shares, err = l.add(ctx, tot.Shares, shares); err != nil {
		return Totals{}, fmt.Errorf("shares:\n%w", err)
	}

	return tot, nil
}

// add returns total + delta, initializing total to an encrypted zero first if needed.
func (l *Ledger) add(ctx context.Context, total EncryptedAmount, delta coprocessor.Handle) (EncryptedAmount, error) {
	total, err := l.initialized(ctx, total)
	if err != nil {
		return EncryptedAmount{}, err
	}

	sum, err := l.cop.Add(ctx, total.Handle, delta)
	if err != nil {
		return EncryptedAmount{}, fmt.Errorf("homomorphic add:\n%w", err)
	}

	return EncryptedAmount{Handle: sum, Initialized: true}, nil
}

// initialized returns a unchanged if the coprocessor knows its handle, or a fresh
// encrypted zero if a was never initialized. A flagged amount whose handle the
// coprocessor does not recognize fails with ErrUninitialized; a failed check does not.
func (l *Ledger) initialized(ctx context.Context, a EncryptedAmount) (EncryptedAmount, error) {
	if !a.Initialized {
		zero, err := l.cop.Encrypt(ctx, 0)
		if err != nil {
			return EncryptedAmount{}, fmt.Errorf("encrypt zero:\n%w", err)
		}

		return EncryptedAmount{Handle: zero, Initialized: true}, nil
	}

	ok, err := l.cop.IsInitialized(ctx, a.Handle)
	if err != nil {
		return EncryptedAmount{}, fmt.Errorf("check handle %s:\n%w", a.Handle, err)
	}

	if !ok {
		return EncryptedAmount{}, fmt.Errorf("%w: handle %s", ErrUninitialized, a.Handle)
	}

	return a, nil
}
