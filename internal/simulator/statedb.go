package simulator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/stateless"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/ethereum/go-ethereum/trie/utils"
	"github.com/holiman/uint256"
)

// stateObject is the overlay copy of an account touched by one execution.
type stateObject struct {
	balance  *uint256.Int
	nonce    uint64
	code     []byte
	codeHash common.Hash

	// storage holds the slots written during this execution
	storage map[common.Hash]common.Hash
	// fresh objects were created during this execution and ignore fork storage
	fresh bool
	// created marks contracts deployed during this execution (EIP-6780)
	created bool

	selfDestructed bool
	deleted        bool
}

func newObject(info *AccountInfo) *stateObject {
	if info == nil {
		return &stateObject{
			balance:  new(uint256.Int),
			codeHash: types.EmptyCodeHash,
			storage:  make(map[common.Hash]common.Hash),
			fresh:    true,
		}
	}
	return &stateObject{
		balance:  new(uint256.Int).Set(info.Balance),
		nonce:    info.Nonce,
		code:     info.Code,
		codeHash: info.CodeHash,
		storage:  make(map[common.Hash]common.Hash),
	}
}

func (o *stateObject) empty() bool {
	return o.nonce == 0 && o.balance.IsZero() && o.codeHash == types.EmptyCodeHash
}

// ForkedStateDB implements vm.StateDB for a single execution on top of a
// StateFork. Every write lands in the overlay; the fork itself is only read,
// so dropping the ForkedStateDB discards the execution. Diff extracts the
// changes for an atomic StateFork.Commit.
type ForkedStateDB struct {
	ctx  context.Context
	fork *StateFork

	objects map[common.Address]*stateObject
	// absent caches addresses the fork reported as nonexistent
	absent map[common.Address]struct{}

	journal    *journal
	logs       []*types.Log
	refund     uint64
	accessList map[common.Address]map[common.Hash]struct{}
	transient  map[common.Address]map[common.Hash]common.Hash

	hooks *tracing.Hooks
	// dbErr is the first fork read failure; once set, reads stop reaching the
	// fork and return zero values.
	dbErr error
}

func NewForkedStateDB(ctx context.Context, fork *StateFork) *ForkedStateDB {
	return &ForkedStateDB{
		ctx:        ctx,
		fork:       fork,
		objects:    make(map[common.Address]*stateObject),
		absent:     make(map[common.Address]struct{}),
		journal:    newJournal(),
		accessList: make(map[common.Address]map[common.Hash]struct{}),
		transient:  make(map[common.Address]map[common.Hash]common.Hash),
	}
}

// SetHooks routes emitted logs to a tracer.
func (s *ForkedStateDB) SetHooks(hooks *tracing.Hooks) {
	s.hooks = hooks
}

// Error returns the first failure to read from the fork.
func (s *ForkedStateDB) Error() error {
	return s.dbErr
}

func (s *ForkedStateDB) setError(err error) {
	if s.dbErr == nil {
		s.dbErr = err
	}
}

// getObject returns the live overlay object, loading it from the fork on first
// access. Nonexistent and deleted accounts yield nil.
func (s *ForkedStateDB) getObject(addr common.Address) *stateObject {
	if obj, ok := s.objects[addr]; ok {
		if obj.deleted {
			return nil
		}
		return obj
	}
	if _, ok := s.absent[addr]; ok || s.dbErr != nil {
		return nil
	}

	info, err := s.fork.Account(s.ctx, addr)
	if err != nil {
		s.setError(err)
		return nil
	}
	if info == nil {
		s.absent[addr] = struct{}{}
		return nil
	}
	obj := newObject(info)
	s.objects[addr] = obj
	return obj
}

func (s *ForkedStateDB) getOrNewObject(addr common.Address) *stateObject {
	if obj := s.getObject(addr); obj != nil {
		return obj
	}
	return s.createObject(addr)
}

func (s *ForkedStateDB) createObject(addr common.Address) *stateObject {
	obj := newObject(nil)
	s.journal.append(createObjectChange{account: addr, prev: s.objects[addr]})
	s.objects[addr] = obj
	return obj
}

// CreateAccount creates a new empty account, dropping any storage the
// address had.
func (s *ForkedStateDB) CreateAccount(addr common.Address) {
	s.createObject(addr)
}

// CreateContract marks the account as deployed in this execution
func (s *ForkedStateDB) CreateContract(addr common.Address) {
	obj := s.getObject(addr)
	if obj == nil || obj.created {
		return
	}
	obj.created = true
	s.journal.append(createContractChange{account: addr})
}

// Balance operations
func (s *ForkedStateDB) GetBalance(addr common.Address) *uint256.Int {
	if obj := s.getObject(addr); obj != nil {
		return new(uint256.Int).Set(obj.balance)
	}
	return new(uint256.Int)
}

func (s *ForkedStateDB) AddBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	obj := s.getOrNewObject(addr)
	prev := *obj.balance
	if amount.IsZero() {
		// zero value transfers still touch the account for EIP-161
		s.journal.append(touchChange{account: addr})
		return prev
	}
	s.journal.append(balanceChange{account: addr, prev: prev})
	obj.balance = new(uint256.Int).Add(obj.balance, amount)
	return prev
}

func (s *ForkedStateDB) SubBalance(addr common.Address, amount *uint256.Int, reason tracing.BalanceChangeReason) uint256.Int {
	obj := s.getOrNewObject(addr)
	prev := *obj.balance
	if amount.IsZero() {
		return prev
	}
	s.journal.append(balanceChange{account: addr, prev: prev})
	obj.balance = new(uint256.Int).Sub(obj.balance, amount)
	return prev
}

// Nonce operations
func (s *ForkedStateDB) GetNonce(addr common.Address) uint64 {
	if obj := s.getObject(addr); obj != nil {
		return obj.nonce
	}
	return 0
}

func (s *ForkedStateDB) SetNonce(addr common.Address, nonce uint64, reason tracing.NonceChangeReason) {
	obj := s.getOrNewObject(addr)
	s.journal.append(nonceChange{account: addr, prev: obj.nonce})
	obj.nonce = nonce
}

// Code operations
func (s *ForkedStateDB) GetCode(addr common.Address) []byte {
	if obj := s.getObject(addr); obj != nil {
		return obj.code
	}
	return nil
}

func (s *ForkedStateDB) GetCodeSize(addr common.Address) int {
	return len(s.GetCode(addr))
}

// GetCodeHash returns the zero hash for nonexistent accounts and the empty
// code hash for existing accounts without code.
func (s *ForkedStateDB) GetCodeHash(addr common.Address) common.Hash {
	if obj := s.getObject(addr); obj != nil {
		return obj.codeHash
	}
	return common.Hash{}
}

func (s *ForkedStateDB) SetCode(addr common.Address, code []byte, reason tracing.CodeChangeReason) []byte {
	obj := s.getOrNewObject(addr)
	prev := obj.code
	s.journal.append(codeChange{account: addr, prevCode: prev, prevHash: obj.codeHash})
	obj.code = code
	obj.codeHash = codeHash(code)
	return prev
}

// Storage operations
func (s *ForkedStateDB) GetState(addr common.Address, key common.Hash) common.Hash {
	obj := s.getObject(addr)
	if obj == nil {
		return common.Hash{}
	}
	if val, ok := obj.storage[key]; ok {
		return val
	}
	return s.committedState(addr, obj, key)
}

// committedState is the slot value before this execution started.
func (s *ForkedStateDB) committedState(addr common.Address, obj *stateObject, key common.Hash) common.Hash {
	if obj.fresh || s.dbErr != nil {
		return common.Hash{}
	}
	val, err := s.fork.Storage(s.ctx, addr, key)
	if err != nil {
		s.setError(err)
		return common.Hash{}
	}
	return val
}

func (s *ForkedStateDB) SetState(addr common.Address, key, value common.Hash) common.Hash {
	obj := s.getOrNewObject(addr)
	prev, wasDirty := obj.storage[key]
	if !wasDirty {
		prev = s.committedState(addr, obj, key)
	}
	if prev == value {
		return prev
	}
	s.journal.append(storageChange{account: addr, key: key, prev: prev, wasDirty: wasDirty})
	obj.storage[key] = value
	return prev
}

func (s *ForkedStateDB) GetStateAndCommittedState(addr common.Address, key common.Hash) (common.Hash, common.Hash) {
	obj := s.getObject(addr)
	if obj == nil {
		return common.Hash{}, common.Hash{}
	}
	committed := s.committedState(addr, obj, key)
	if val, ok := obj.storage[key]; ok {
		return val, committed
	}
	return committed, committed
}

// GetStorageRoot is only consulted for CREATE collisions; the zero hash
// reports no storage.
func (s *ForkedStateDB) GetStorageRoot(addr common.Address) common.Hash {
	return common.Hash{}
}

// Transient storage (EIP-1153)
func (s *ForkedStateDB) GetTransientState(addr common.Address, key common.Hash) common.Hash {
	return s.transient[addr][key]
}

func (s *ForkedStateDB) SetTransientState(addr common.Address, key, value common.Hash) {
	prev := s.GetTransientState(addr, key)
	if prev == value {
		return
	}
	s.journal.append(transientStorageChange{account: addr, key: key, prev: prev})
	s.setTransientState(addr, key, value)
}

func (s *ForkedStateDB) setTransientState(addr common.Address, key, value common.Hash) {
	slots, ok := s.transient[addr]
	if !ok {
		slots = make(map[common.Hash]common.Hash)
		s.transient[addr] = slots
	}
	slots[key] = value
}

// Account existence
func (s *ForkedStateDB) Exist(addr common.Address) bool {
	return s.getObject(addr) != nil
}

func (s *ForkedStateDB) Empty(addr common.Address) bool {
	obj := s.getObject(addr)
	return obj == nil || obj.empty()
}

// Snapshot operations
func (s *ForkedStateDB) Snapshot() int {
	return s.journal.snapshot()
}

func (s *ForkedStateDB) RevertToSnapshot(id int) {
	s.journal.revertToSnapshot(id, s)
}

// Logs
func (s *ForkedStateDB) AddLog(log *types.Log) {
	s.journal.append(addLogChange{})
	log.Index = uint(len(s.logs))
	s.logs = append(s.logs, log)
	if s.hooks != nil && s.hooks.OnLog != nil {
		s.hooks.OnLog(log)
	}
}

func (s *ForkedStateDB) Logs() []*types.Log {
	return s.logs
}

// Refunds
func (s *ForkedStateDB) AddRefund(gas uint64) {
	s.journal.append(refundChange{prev: s.refund})
	s.refund += gas
}

func (s *ForkedStateDB) SubRefund(gas uint64) {
	s.journal.append(refundChange{prev: s.refund})
	if gas > s.refund {
		s.refund = 0
		return
	}
	s.refund -= gas
}

func (s *ForkedStateDB) GetRefund() uint64 {
	return s.refund
}

// Preimages
func (s *ForkedStateDB) AddPreimage(hash common.Hash, preimage []byte) {}

// Self-destruct operations
func (s *ForkedStateDB) SelfDestruct(addr common.Address) uint256.Int {
	obj := s.getObject(addr)
	if obj == nil {
		return uint256.Int{}
	}
	prevBalance := *obj.balance
	s.journal.append(selfDestructChange{account: addr, prev: obj.selfDestructed, prevBalance: prevBalance})
	obj.selfDestructed = true
	obj.balance = new(uint256.Int)
	return prevBalance
}

func (s *ForkedStateDB) HasSelfDestructed(addr common.Address) bool {
	obj := s.getObject(addr)
	return obj != nil && obj.selfDestructed
}

// SelfDestruct6780 only destroys contracts created in this execution.
func (s *ForkedStateDB) SelfDestruct6780(addr common.Address) (uint256.Int, bool) {
	obj := s.getObject(addr)
	if obj == nil {
		return uint256.Int{}, false
	}
	if obj.created {
		return s.SelfDestruct(addr), true
	}
	return *obj.balance, false
}

// Access list (EIP-2929)
func (s *ForkedStateDB) AddAddressToAccessList(addr common.Address) {
	if _, ok := s.accessList[addr]; ok {
		return
	}
	s.accessList[addr] = nil
	s.journal.append(accessListAddAccountChange{address: addr})
}

func (s *ForkedStateDB) AddSlotToAccessList(addr common.Address, slot common.Hash) {
	s.AddAddressToAccessList(addr)
	slots := s.accessList[addr]
	if _, ok := slots[slot]; ok {
		return
	}
	if slots == nil {
		slots = make(map[common.Hash]struct{})
		s.accessList[addr] = slots
	}
	slots[slot] = struct{}{}
	s.journal.append(accessListAddSlotChange{address: addr, slot: slot})
}

func (s *ForkedStateDB) AddressInAccessList(addr common.Address) bool {
	_, ok := s.accessList[addr]
	return ok
}

func (s *ForkedStateDB) SlotInAccessList(addr common.Address, slot common.Hash) (bool, bool) {
	slots, ok := s.accessList[addr]
	if !ok {
		return false, false
	}
	_, slotOk := slots[slot]
	return true, slotOk
}

// Prepare resets the per-transaction access list and transient storage.
func (s *ForkedStateDB) Prepare(rules params.Rules, sender, coinbase common.Address, dest *common.Address, precompiles []common.Address, txAccesses types.AccessList) {
	if rules.IsEIP2929 {
		s.accessList = make(map[common.Address]map[common.Hash]struct{})
		s.AddAddressToAccessList(sender)
		if dest != nil {
			s.AddAddressToAccessList(*dest)
		}
		for _, addr := range precompiles {
			s.AddAddressToAccessList(addr)
		}
		for _, el := range txAccesses {
			s.AddAddressToAccessList(el.Address)
			for _, key := range el.StorageKeys {
				s.AddSlotToAccessList(el.Address, key)
			}
		}
		if rules.IsShanghai {
			s.AddAddressToAccessList(coinbase)
		}
	}
	s.transient = make(map[common.Address]map[common.Hash]common.Hash)
}

// Point cache for verkle trees
func (s *ForkedStateDB) PointCache() *utils.PointCache {
	return nil
}

// Witness for stateless execution
func (s *ForkedStateDB) Witness() *stateless.Witness {
	return nil
}

// Access events for verkle (EIP-4762)
func (s *ForkedStateDB) AccessEvents() *state.AccessEvents {
	return nil
}

// Finalise marks self-destructed accounts, and touched empty accounts when
// deleteEmptyObjects is set, as deleted.
func (s *ForkedStateDB) Finalise(deleteEmptyObjects bool) {
	for addr := range s.journal.dirties {
		obj, ok := s.objects[addr]
		if !ok || obj.deleted {
			continue
		}
		if obj.selfDestructed || (deleteEmptyObjects && obj.empty()) {
			obj.deleted = true
		}
	}
}

// Diff returns every account modified by the execution, ready for
// StateFork.Commit. Call Finalise first so deletions are included.
func (s *ForkedStateDB) Diff() map[common.Address]*Account {
	diff := make(map[common.Address]*Account, len(s.journal.dirties))
	for addr := range s.journal.dirties {
		obj, ok := s.objects[addr]
		if !ok {
			continue
		}
		if obj.deleted {
			diff[addr] = &Account{Deleted: true}
			continue
		}
		storage := make(map[common.Hash]common.Hash, len(obj.storage))
		for key, val := range obj.storage {
			storage[key] = val
		}
		diff[addr] = &Account{
			Info: AccountInfo{
				Balance:  new(uint256.Int).Set(obj.balance),
				Nonce:    obj.nonce,
				Code:     obj.code,
				CodeHash: obj.codeHash,
			},
			Storage:        storage,
			StorageCleared: obj.fresh,
		}
	}
	return diff
}
