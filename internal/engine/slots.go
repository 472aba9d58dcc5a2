package engine

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// MappingSlot is the storage slot of mapping[key] for a Solidity mapping
// declared at slot: keccak256(abi.encode(key, slot)).
func MappingSlot(key common.Address, slot uint64) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(key.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(slot).Bytes(), 32),
	)
}

// NestedMappingSlot is the slot of mapping[outer][inner], e.g. an ERC-20
// allowance of spender granted by owner.
func NestedMappingSlot(outer, inner common.Address, slot uint64) common.Hash {
	return crypto.Keccak256Hash(
		common.LeftPadBytes(inner.Bytes(), 32),
		MappingSlot(outer, slot).Bytes(),
	)
}

// TokenBalanceOverride patches token storage so holder owns amount of an
// ERC-20 whose balances mapping lives at balanceSlot.
func TokenBalanceOverride(token, holder common.Address, balanceSlot uint64, amount *big.Int) (AccountOverride, error) {
	return storageWordOverride(token, MappingSlot(holder, balanceSlot), amount)
}

// TokenAllowanceOverride patches token storage so spender may move amount of
// owner's tokens.
func TokenAllowanceOverride(token, owner, spender common.Address, allowanceSlot uint64, amount *big.Int) (AccountOverride, error) {
	return storageWordOverride(token, NestedMappingSlot(owner, spender, allowanceSlot), amount)
}

// storageWordOverride sets one slot of token to amount, which must fit an
// unsigned 256-bit word.
func storageWordOverride(token common.Address, slot common.Hash, amount *big.Int) (AccountOverride, error) {
	word, overflow := uint256.FromBig(amount)
	if overflow || amount.Sign() < 0 {
		return AccountOverride{}, &OverrideError{Address: token, Err: fmt.Errorf("amount %s does not fit in a uint256", amount)}
	}
	return AccountOverride{
		Address: token,
		Storage: &StorageOverride{
			Slots: map[common.Hash]common.Hash{slot: word.Bytes32()},
			Diff:  true,
		},
	}, nil
}
