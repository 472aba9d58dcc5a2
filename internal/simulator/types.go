package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// AccountInfo is the basic (non-storage) part of an account.
type AccountInfo struct {
	Balance  *uint256.Int
	Nonce    uint64
	Code     []byte
	CodeHash common.Hash
}

func NewAccountInfo(balance *uint256.Int, nonce uint64, code []byte) *AccountInfo {
	if balance == nil {
		balance = new(uint256.Int)
	}
	return &AccountInfo{
		Balance:  balance,
		Nonce:    nonce,
		Code:     code,
		CodeHash: codeHash(code),
	}
}

func (a *AccountInfo) Copy() *AccountInfo {
	return &AccountInfo{
		Balance:  new(uint256.Int).Set(a.Balance),
		Nonce:    a.Nonce,
		Code:     a.Code,
		CodeHash: a.CodeHash,
	}
}

func (a *AccountInfo) Empty() bool {
	return a.Nonce == 0 && a.Balance.IsZero() && len(a.Code) == 0
}

// Account is one entry of an atomic state write.
type Account struct {
	Info AccountInfo
	// Storage holds the slots to write. With StorageCleared set they become the
	// account's entire storage; otherwise they are patched over what is there.
	Storage        map[common.Hash]common.Hash
	StorageCleared bool
	// Deleted resets the account to empty (self-destruct or EIP-161 removal).
	Deleted bool
}

// Message is a call to execute against the fork.
type Message struct {
	From  common.Address
	To    *common.Address
	Value *big.Int
	Data  []byte
}

type ExecutionResult struct {
	GasUsed     uint64
	BlockNumber uint64
	Reverted    bool
	ExitReason  ExitReason
	// Err is the EVM level failure, nil on success.
	Err        error
	Logs       []*types.Log
	ReturnData []byte
	// Trace is nil unless the executor was built with tracing enabled.
	Trace []*CallFrame
}

func codeHash(code []byte) common.Hash {
	if len(code) == 0 {
		return types.EmptyCodeHash
	}
	return crypto.Keccak256Hash(code)
}
