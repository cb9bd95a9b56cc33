package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/logger"
)

// OpenBatch creates batch id in the open state. Ids are never reused.
func (l *Ledger) OpenBatch(caller common.Address, id uint64) error {
	err := l.apply("openBatch", func(t *txn) error {
		if err := t.requireNotPaused(); err != nil {
			return err
		}

		if err := t.requireOwner(caller); err != nil {
			return err
		}

		_, exists, err := t.batch(id)
		if err != nil {
			return err
		}

		if exists {
			return ErrInvalidBatch
		}

		t.putBatch(id, batchRecord{})

		return t.emit(EventBatchOpened, BatchChanged{BatchID: id})
	})
	if err != nil {
		return err
	}

	logger.Info("batch opened", "batch", id)

	return nil
}

// CloseBatch stops ingestion into batch id. Closed batches stay decryptable.
func (l *Ledger) CloseBatch(caller common.Address, id uint64) error {
	err := l.apply("closeBatch", func(t *txn) error {
		if err := t.requireNotPaused(); err != nil {
			return err
		}

		if err := t.requireOwner(caller); err != nil {
			return err
		}

		rec, exists, err := t.batch(id)
		if err != nil {
			return err
		}

		if !exists {
			return ErrBatchDoesNotExist
		}

		if rec.closed {
			return ErrBatchClosed
		}

		rec.closed = true
		t.putBatch(id, rec)

		return t.emit(EventBatchClosed, BatchChanged{BatchID: id})
	})
	if err != nil {
		return err
	}

	logger.Info("batch closed", "batch", id)

	return nil
}
