package simulator

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/holiman/uint256"
	"github.com/pulkyeet/forksim/internal/storage"
)

// ErrStateFetch wraps every failure to read state from the fork source.
var ErrStateFetch = errors.New("state fetch failed")

const defaultFetchTimeout = 10 * time.Second

type ForkConfig struct {
	// BlockNumber anchors the fork; nil means the source's latest block.
	BlockNumber *big.Int
	// Cache optionally persists fetched remote state across forks.
	Cache        *storage.CacheDB
	FetchTimeout time.Duration
}

type accountState struct {
	info   *AccountInfo // nil until fetched or written
	exists bool

	storage map[common.Hash]common.Hash
	// storageCleared means storage is fully known locally: unlisted slots are
	// zero and never fetched.
	storageCleared bool
}

func (a *accountState) copy() *accountState {
	cpy := &accountState{
		exists:         a.exists,
		storage:        make(map[common.Hash]common.Hash, len(a.storage)),
		storageCleared: a.storageCleared,
	}
	if a.info != nil {
		cpy.info = a.info.Copy()
	}
	for slot, val := range a.storage {
		cpy.storage[slot] = val
	}
	return cpy
}

// StateFork is a lazily populated snapshot of a remote chain anchored at one
// block. Reads that miss the local state go to the persistent cache and then
// to the source; writes only ever land locally.
type StateFork struct {
	source       Source
	cache        *storage.CacheDB
	chainID      uint64
	blockNumber  *big.Int
	header       *types.Header
	fetchTimeout time.Duration

	mu       sync.RWMutex
	accounts map[common.Address]*accountState
	hashes   map[uint64]common.Hash

	// snapshot for revert
	snapshots []map[common.Address]*accountState
}

func NewStateFork(ctx context.Context, source Source, cfg ForkConfig) (*StateFork, error) {
	chainID, err := source.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chain id: %w", err)
	}

	header, err := source.HeaderByNumber(ctx, cfg.BlockNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch block %v: %w", cfg.BlockNumber, err)
	}

	timeout := cfg.FetchTimeout
	if timeout == 0 {
		timeout = defaultFetchTimeout
	}

	return &StateFork{
		source:       source,
		cache:        cfg.Cache,
		chainID:      chainID.Uint64(),
		blockNumber:  new(big.Int).Set(header.Number), // pin "latest" so lazy reads stay consistent
		header:       header,
		fetchTimeout: timeout,
		accounts:     make(map[common.Address]*accountState),
		hashes:       map[uint64]common.Hash{header.Number.Uint64(): header.Hash()},
	}, nil
}

func (f *StateFork) ChainID() uint64 {
	return f.chainID
}

func (f *StateFork) BlockNumber() uint64 {
	return f.blockNumber.Uint64()
}

func (f *StateFork) Header() *types.Header {
	return types.CopyHeader(f.header)
}

// Account returns a copy of the account's basic info, nil if it does not exist.
func (f *StateFork) Account(ctx context.Context, addr common.Address) (*AccountInfo, error) {
	f.mu.RLock()
	if acc, ok := f.accounts[addr]; ok && acc.info != nil {
		defer f.mu.RUnlock()
		if !acc.exists {
			return nil, nil
		}
		return acc.info.Copy(), nil
	}
	f.mu.RUnlock()

	info, err := f.fetchAccount(ctx, addr)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	acc := f.account(addr)
	if acc.info == nil { // a concurrent writer wins over the fetched value
		acc.info = info
		acc.exists = !info.Empty()
	}
	if !acc.exists {
		return nil, nil
	}
	return acc.info.Copy(), nil
}

func (f *StateFork) fetchAccount(ctx context.Context, addr common.Address) (*AccountInfo, error) {
	block := f.blockNumber.Uint64()
	if f.cache != nil {
		if data, ok := f.cache.GetAccount(f.chainID, block, addr); ok {
			return NewAccountInfo(uint256.MustFromBig(data.Balance), data.Nonce, data.Code), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	bal, err := f.source.BalanceAt(ctx, addr, f.blockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: balance of %s at block %s: %v", ErrStateFetch, addr.Hex(), f.blockNumber, err)
	}
	nonce, err := f.source.NonceAt(ctx, addr, f.blockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: nonce of %s at block %s: %v", ErrStateFetch, addr.Hex(), f.blockNumber, err)
	}
	code, err := f.source.CodeAt(ctx, addr, f.blockNumber)
	if err != nil {
		return nil, fmt.Errorf("%w: code of %s at block %s: %v", ErrStateFetch, addr.Hex(), f.blockNumber, err)
	}

	balance, overflow := uint256.FromBig(bal)
	if overflow {
		return nil, fmt.Errorf("%w: balance of %s overflows 256 bits", ErrStateFetch, addr.Hex())
	}

	if f.cache != nil {
		data := &storage.AccountData{Address: addr, Balance: bal, Nonce: nonce, Code: code}
		if err := f.cache.SetAccount(f.chainID, block, data); err != nil {
			log.Debug("Failed to cache account", "addr", addr, "err", err)
		}
	}
	return NewAccountInfo(balance, nonce, code), nil
}

// Storage returns the value of a storage slot at the forked state.
func (f *StateFork) Storage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	f.mu.RLock()
	if acc, ok := f.accounts[addr]; ok {
		if val, ok := acc.storage[slot]; ok {
			f.mu.RUnlock()
			return val, nil
		}
		if acc.storageCleared {
			f.mu.RUnlock()
			return common.Hash{}, nil
		}
	}
	f.mu.RUnlock()

	val, err := f.fetchStorage(ctx, addr, slot)
	if err != nil {
		return common.Hash{}, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	acc := f.account(addr)
	if cur, ok := acc.storage[slot]; ok {
		return cur, nil
	}
	if acc.storageCleared {
		return common.Hash{}, nil
	}
	acc.storage[slot] = val
	return val, nil
}

func (f *StateFork) fetchStorage(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	block := f.blockNumber.Uint64()
	if f.cache != nil {
		if val, ok := f.cache.GetStorage(f.chainID, block, addr, slot); ok {
			return val, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	data, err := f.source.StorageAt(ctx, addr, slot, f.blockNumber)
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: slot %s of %s at block %s: %v", ErrStateFetch, slot.Hex(), addr.Hex(), f.blockNumber, err)
	}
	val := common.BytesToHash(data)

	if f.cache != nil {
		if err := f.cache.SetStorage(f.chainID, block, addr, slot, val); err != nil {
			log.Debug("Failed to cache storage slot", "addr", addr, "slot", slot, "err", err)
		}
	}
	return val, nil
}

// BlockHash returns the hash of a canonical block for BLOCKHASH.
func (f *StateFork) BlockHash(ctx context.Context, number uint64) (common.Hash, error) {
	f.mu.RLock()
	hash, ok := f.hashes[number]
	f.mu.RUnlock()
	if ok {
		return hash, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.fetchTimeout)
	defer cancel()

	header, err := f.source.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
	if err != nil {
		return common.Hash{}, fmt.Errorf("%w: header of block %d: %v", ErrStateFetch, number, err)
	}
	hash = header.Hash()

	f.mu.Lock()
	f.hashes[number] = hash
	f.mu.Unlock()
	return hash, nil
}

// account returns the local entry for addr, creating it. Callers hold f.mu.
func (f *StateFork) account(addr common.Address) *accountState {
	acc, ok := f.accounts[addr]
	if !ok {
		acc = &accountState{storage: make(map[common.Hash]common.Hash)}
		f.accounts[addr] = acc
	}
	return acc
}

// Commit writes a set of accounts as one atomic step: no reader observes a
// partially applied set.
func (f *StateFork) Commit(accounts map[common.Address]*Account) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for addr, update := range accounts {
		acc := f.account(addr)
		if update.Deleted {
			acc.info = NewAccountInfo(nil, 0, nil)
			acc.exists = false
			acc.storage = make(map[common.Hash]common.Hash)
			acc.storageCleared = true
			continue
		}

		info := update.Info
		if info.Balance == nil {
			info.Balance = new(uint256.Int)
		}
		acc.info = &AccountInfo{
			Balance:  new(uint256.Int).Set(info.Balance),
			Nonce:    info.Nonce,
			Code:     common.CopyBytes(info.Code),
			CodeHash: codeHash(info.Code),
		}
		acc.exists = true

		if update.StorageCleared {
			acc.storage = make(map[common.Hash]common.Hash, len(update.Storage))
			acc.storageCleared = true
		}
		for slot, val := range update.Storage {
			acc.storage[slot] = val
		}
	}
}

// snapshot creates a revert point
func (f *StateFork) Snapshot() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	snap := make(map[common.Address]*accountState, len(f.accounts))
	for addr, acc := range f.accounts {
		snap[addr] = acc.copy()
	}

	f.snapshots = append(f.snapshots, snap)
	return len(f.snapshots) - 1
}

func (f *StateFork) RevertToSnapshot(snapID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if snapID < 0 || snapID >= len(f.snapshots) {
		return fmt.Errorf("invalid snapshot id: %d", snapID)
	}

	f.accounts = f.snapshots[snapID]
	f.snapshots = f.snapshots[:snapID]

	return nil
}

// DiscardSnapshot drops the revert point and every later one.
func (f *StateFork) DiscardSnapshot(snapID int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if snapID >= 0 && snapID < len(f.snapshots) {
		f.snapshots = f.snapshots[:snapID]
	}
}
