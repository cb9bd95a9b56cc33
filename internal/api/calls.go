package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"EstateBonds/internal/ledger"
)

// ErrUnknownMethod is returned for a call to a method the ledger does not expose.
var ErrUnknownMethod = errors.New("unknown method")

// ErrInvalidArgs is returned when call arguments do not decode.
var ErrInvalidArgs = errors.New("invalid call arguments")

// Call argument shapes, one per method family.
type (
	OwnerArgs struct {
		NewOwner common.Address `json:"newOwner"`
	}

	ProviderArgs struct {
		Provider common.Address `json:"provider"`
	}

	CooldownArgs struct {
		Seconds uint64 `json:"seconds"`
	}

	BatchArgs struct {
		BatchID uint64 `json:"batchId"`
	}

	SubmitArgs struct {
		BatchID uint64 `json:"batchId"`
		Value   uint32 `json:"value"`
		Shares  uint32 `json:"shares"`
	}
)

// Ack is the result of a call that returns nothing but success.
type Ack struct {
	OK bool `json:"ok"`
}

// handler executes one ledger method for caller with raw JSON args.
type handler func(ctx context.Context, l *ledger.Ledger, caller common.Address, args []byte) (any, error)

// methods maps every callable method name to its handler.
var methods = map[string]handler{
	"transferOwnership": func(_ context.Context, l *ledger.Ledger, caller common.Address, raw []byte) (any, error) {
		var a OwnerArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}

		return ack(l.TransferOwnership(caller, a.NewOwner))
	},
	"addProvider": func(_ context.Context, l *ledger.Ledger, caller common.Address, raw []byte) (any, error) {
		var a ProviderArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}

		return ack(l.AddProvider(caller, a.Provider))
	},
	"removeProvider": func(_ context.Context, l *ledger.Ledger, caller common.Address, raw []byte) (any, error) {
		var a ProviderArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}

		return ack(l.RemoveProvider(caller, a.Provider))
	},
	"pause": func(_ context.Context, l *ledger.Ledger, caller common.Address, _ []byte) (any, error) {
		return ack(l.Pause(caller))
	},
	"unpause": func(_ context.Context, l *ledger.Ledger, caller common.Address, _ []byte) (any, error) {
		return ack(l.Unpause(caller))
	},
	"setCooldown": func(_ context.Context, l *ledger.Ledger, caller common.Address, raw []byte) (any, error) {
		var a CooldownArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}

		return ack(l.SetCooldown(caller, a.Seconds))
	},
	"openBatch": func(_ context.Context, l *ledger.Ledger, caller common.Address, raw []byte) (any, error) {
		var a BatchArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}

		return ack(l.OpenBatch(caller, a.BatchID))
	},
	"closeBatch": func(_ context.Context, l *ledger.Ledger, caller common.Address, raw []byte) (any, error) {
		var a BatchArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}

		return ack(l.CloseBatch(caller, a.BatchID))
	},
	"submitData": func(ctx context.Context, l *ledger.Ledger, caller common.Address, raw []byte) (any, error) {
		var a SubmitArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}

		return l.SubmitData(ctx, caller, a.BatchID, a.Value, a.Shares)
	},
	"requestBatchDecryption": func(ctx context.Context, l *ledger.Ledger, caller common.Address, raw []byte) (any, error) {
		var a BatchArgs
		if err := decodeArgs(raw, &a); err != nil {
			return nil, err
		}

		return l.RequestBatchDecryption(ctx, caller, a.BatchID)
	},
}

// decodeArgs decodes raw into v, rejecting unknown fields.
func decodeArgs(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgs, err)
	}

	return nil
}

func ack(err error) (any, error) {
	if err != nil {
		return nil, err
	}

	return Ack{OK: true}, nil
}
