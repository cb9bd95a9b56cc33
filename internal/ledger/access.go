package ledger

import (
	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/logger"
)

func (t *txn) requireOwner(caller common.Address) error {
	owner, err := t.owner()
	if err != nil {
		return err
	}

	if caller != owner {
		return ErrNotOwner
	}

	return nil
}

func (t *txn) requireNotPaused() error {
	paused, err := t.paused()
	if err != nil {
		return err
	}

	if paused {
		return ErrPaused
	}

	return nil
}

// requireCooldownElapsed fails while fewer than cooldown seconds passed since the
// timestamp stored at key. An address with no timestamp is never throttled.
func (t *txn) requireCooldownElapsed(key []byte) error {
	cooldown, err := t.cooldown()
	if err != nil {
		return err
	}

	last, ok, err := t.uint64At(key)
	if err != nil {
		return err
	}

	if !ok {
		return nil
	}

	// Compared as elapsed time; last+cooldown overflows for large cooldowns.
	now := t.nowSeconds()
	if now < last || now-last < cooldown {
		return ErrCooldownActive
	}

	return nil
}

// TransferOwnership hands the contract to newOwner.
func (l *Ledger) TransferOwnership(caller, newOwner common.Address) error {
	err := l.apply("transferOwnership", func(t *txn) error {
		if err := t.requireOwner(caller); err != nil {
			return err
		}

		if newOwner == (common.Address{}) {
			return ErrZeroAddress
		}

		t.set(keyOwner, newOwner.Bytes())

		return t.emit(EventOwnershipTransferred, OwnershipTransferred{PreviousOwner: caller, NewOwner: newOwner})
	})
	if err != nil {
		return err
	}

	logger.Info("ownership transferred", "from", caller, "to", newOwner)

	return nil
}

// AddProvider registers addr as a provider. Adding an existing provider succeeds.
func (l *Ledger) AddProvider(caller, addr common.Address) error {
	return l.apply("addProvider", func(t *txn) error {
		if err := t.requireOwner(caller); err != nil {
			return err
		}

		t.set(providerKey(addr), []byte{1})

		return t.emit(EventProviderAdded, ProviderChanged{Provider: addr})
	})
}

// RemoveProvider unregisters addr. Removing an unknown address succeeds.
func (l *Ledger) RemoveProvider(caller, addr common.Address) error {
	return l.apply("removeProvider", func(t *txn) error {
		if err := t.requireOwner(caller); err != nil {
			return err
		}

		t.del(providerKey(addr))

		return t.emit(EventProviderRemoved, ProviderChanged{Provider: addr})
	})
}

// Pause stops every non-administrative entry point.
func (l *Ledger) Pause(caller common.Address) error {
	err := l.apply("pause", func(t *txn) error {
		if err := t.requireOwner(caller); err != nil {
			return err
		}

		if err := t.requireNotPaused(); err != nil {
			return err
		}

		t.setPaused(true)

		return t.emit(EventPaused, PauseChanged{Account: caller})
	})
	if err != nil {
		return err
	}

	logger.Info("ledger paused", "by", caller)

	return nil
}

// Unpause resumes normal operation.
func (l *Ledger) Unpause(caller common.Address) error {
	err := l.apply("unpause", func(t *txn) error {
		if err := t.requireOwner(caller); err != nil {
			return err
		}

		paused, err := t.paused()
		if err != nil {
			return err
		}

		if !paused {
			return ErrNotPaused
		}

		t.setPaused(false)

		return t.emit(EventUnpaused, PauseChanged{Account: caller})
	})
	if err != nil {
		return err
	}

	logger.Info("ledger unpaused", "by", caller)

	return nil
}

// SetCooldown changes the minimum number of seconds between throttled calls by one address.
func (l *Ledger) SetCooldown(caller common.Address, seconds uint64) error {
	return l.apply("setCooldown", func(t *txn) error {
		if err := t.requireOwner(caller); err != nil {
			return err
		}

		old, err := t.cooldown()
		if err != nil {
			return err
		}

		t.setUint64(keyCooldown, seconds)

		return t.emit(EventCooldownUpdated, CooldownUpdated{OldSeconds: old, NewSeconds: seconds})
	})
}
