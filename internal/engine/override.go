package engine

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/forksim/internal/simulator"
)

// AccountOverride describes the changes to make to one account. Nil fields
// keep the account's current value.
type AccountOverride struct {
	Address common.Address
	Balance *big.Int
	Nonce   *uint64
	Code    []byte
	Storage *StorageOverride
}

// StorageOverride either patches individual slots (Diff) or replaces the
// account's storage outright, so that every unlisted slot reads zero.
type StorageOverride struct {
	Slots map[common.Hash]common.Hash
	Diff  bool
}

// OverrideAccount writes the override to the fork in one step. The account's
// current state is read fresh each time, nothing about earlier overrides is
// remembered.
func (e *Engine) OverrideAccount(ctx context.Context, override AccountOverride) error {
	info, err := e.backend.BasicInfo(ctx, override.Address)
	if err != nil {
		return &OverrideError{Address: override.Address, Err: err}
	}
	if info == nil {
		info = simulator.NewAccountInfo(nil, 0, nil)
	}

	merged := info.Copy()
	if override.Balance != nil {
		balance, overflow := uint256.FromBig(override.Balance)
		if overflow || override.Balance.Sign() < 0 {
			return &OverrideError{Address: override.Address, Err: fmt.Errorf("balance %s out of range", override.Balance)}
		}
		merged.Balance = balance
	}
	if override.Nonce != nil {
		merged.Nonce = *override.Nonce
	}
	if override.Code != nil {
		merged.Code = common.CopyBytes(override.Code)
	}

	account := &simulator.Account{Info: *merged}
	if override.Storage != nil {
		account.Storage = make(map[common.Hash]common.Hash, len(override.Storage.Slots))
		for slot, value := range override.Storage.Slots {
			account.Storage[slot] = value
		}
		account.StorageCleared = !override.Storage.Diff
	}

	if err := e.backend.Commit(map[common.Address]*simulator.Account{override.Address: account}); err != nil {
		return &OverrideError{Address: override.Address, Err: err}
	}
	log.Trace("Overrode account", "addr", override.Address, "balance", merged.Balance, "nonce", merged.Nonce, "code", len(merged.Code))
	return nil
}

func (e *Engine) Balance(ctx context.Context, addr common.Address) (*big.Int, error) {
	info, err := e.backend.BasicInfo(ctx, addr)
	if err != nil || info == nil {
		return new(big.Int), err
	}
	return info.Balance.ToBig(), nil
}

func (e *Engine) Nonce(ctx context.Context, addr common.Address) (uint64, error) {
	info, err := e.backend.BasicInfo(ctx, addr)
	if err != nil || info == nil {
		return 0, err
	}
	return info.Nonce, nil
}

func (e *Engine) Code(ctx context.Context, addr common.Address) ([]byte, error) {
	info, err := e.backend.BasicInfo(ctx, addr)
	if err != nil || info == nil {
		return nil, err
	}
	return common.CopyBytes(info.Code), nil
}

func (e *Engine) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return e.backend.StorageAt(ctx, addr, slot)
}
