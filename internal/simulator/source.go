package simulator

import (
	"context"
	"math/big"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Source is the remote chain a fork lazily reads its state from.
// *eth.Client satisfies it.
type Source interface {
	ChainID(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error)
}

type memAccount struct {
	balance *big.Int
	nonce   uint64
	code    []byte
	storage map[common.Hash]common.Hash
}

// MemorySource is an in-process Source holding a single block's state.
// It backs offline forks and tests.
type MemorySource struct {
	mu       sync.RWMutex
	chainID  *big.Int
	header   *types.Header
	accounts map[common.Address]*memAccount
	err      error

	fetches atomic.Int64
}

func NewMemorySource(chainID uint64, header *types.Header) *MemorySource {
	return &MemorySource{
		chainID:  new(big.Int).SetUint64(chainID),
		header:   types.CopyHeader(header),
		accounts: make(map[common.Address]*memAccount),
	}
}

func (m *MemorySource) account(addr common.Address) *memAccount {
	acc, ok := m.accounts[addr]
	if !ok {
		acc = &memAccount{balance: new(big.Int), storage: make(map[common.Hash]common.Hash)}
		m.accounts[addr] = acc
	}
	return acc
}

func (m *MemorySource) SetBalance(addr common.Address, balance *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(addr).balance = new(big.Int).Set(balance)
}

func (m *MemorySource) SetNonce(addr common.Address, nonce uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(addr).nonce = nonce
}

func (m *MemorySource) SetCode(addr common.Address, code []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(addr).code = common.CopyBytes(code)
}

func (m *MemorySource) SetStorage(addr common.Address, slot, value common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account(addr).storage[slot] = value
}

// SetError makes every subsequent read fail with err; nil clears it.
func (m *MemorySource) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Fetches reports how many state reads reached the source.
func (m *MemorySource) Fetches() int64 {
	return m.fetches.Load()
}

func (m *MemorySource) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(m.chainID), nil
}

func (m *MemorySource) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return nil, m.err
	}
	header := types.CopyHeader(m.header)
	if number != nil {
		header.Number = new(big.Int).Set(number)
	}
	return header, nil
}

// lookup runs fn under the read lock with the account, nil when unknown.
func (m *MemorySource) lookup(addr common.Address, fn func(acc *memAccount)) error {
	m.fetches.Add(1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.err != nil {
		return m.err
	}
	fn(m.accounts[addr])
	return nil
}

func (m *MemorySource) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	balance := new(big.Int)
	err := m.lookup(account, func(acc *memAccount) {
		if acc != nil {
			balance.Set(acc.balance)
		}
	})
	return balance, err
}

func (m *MemorySource) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	var nonce uint64
	err := m.lookup(account, func(acc *memAccount) {
		if acc != nil {
			nonce = acc.nonce
		}
	})
	return nonce, err
}

func (m *MemorySource) CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	var code []byte
	err := m.lookup(account, func(acc *memAccount) {
		if acc != nil {
			code = common.CopyBytes(acc.code)
		}
	})
	return code, err
}

func (m *MemorySource) StorageAt(ctx context.Context, account common.Address, key common.Hash, blockNumber *big.Int) ([]byte, error) {
	var value common.Hash
	err := m.lookup(account, func(acc *memAccount) {
		if acc != nil {
			value = acc.storage[key]
		}
	})
	if err != nil {
		return nil, err
	}
	return value.Bytes(), nil
}
