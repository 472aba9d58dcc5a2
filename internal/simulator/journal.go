package simulator

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// journalEntry is one modification of a ForkedStateDB that can be undone.
type journalEntry interface {
	revert(s *ForkedStateDB)
	// dirtied returns the account the entry modified, nil for tx level entries.
	dirtied() *common.Address
}

type revision struct {
	id           int
	journalIndex int
}

// journal records the changes of a single execution so that reverted call
// frames leave no trace in the overlay.
type journal struct {
	entries []journalEntry
	dirties map[common.Address]int

	revisions []revision
	nextRevID int
}

func newJournal() *journal {
	return &journal{dirties: make(map[common.Address]int)}
}

func (j *journal) append(entry journalEntry) {
	j.entries = append(j.entries, entry)
	if addr := entry.dirtied(); addr != nil {
		j.dirties[*addr]++
	}
}

func (j *journal) snapshot() int {
	id := j.nextRevID
	j.nextRevID++
	j.revisions = append(j.revisions, revision{id: id, journalIndex: len(j.entries)})
	return id
}

func (j *journal) revertToSnapshot(id int, s *ForkedStateDB) {
	idx := -1
	for i := len(j.revisions) - 1; i >= 0; i-- {
		if j.revisions[i].id == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		panic("revision id cannot be reverted")
	}
	target := j.revisions[idx].journalIndex
	j.revisions = j.revisions[:idx]

	for i := len(j.entries) - 1; i >= target; i-- {
		entry := j.entries[i]
		entry.revert(s)
		if addr := entry.dirtied(); addr != nil {
			if j.dirties[*addr]--; j.dirties[*addr] == 0 {
				delete(j.dirties, *addr)
			}
		}
	}
	j.entries = j.entries[:target]
}

type (
	createObjectChange struct {
		account common.Address
		prev    *stateObject
	}
	createContractChange struct {
		account common.Address
	}
	selfDestructChange struct {
		account     common.Address
		prev        bool
		prevBalance uint256.Int
	}
	balanceChange struct {
		account common.Address
		prev    uint256.Int
	}
	nonceChange struct {
		account common.Address
		prev    uint64
	}
	codeChange struct {
		account  common.Address
		prevCode []byte
		prevHash common.Hash
	}
	storageChange struct {
		account  common.Address
		key      common.Hash
		prev     common.Hash
		wasDirty bool
	}
	touchChange struct {
		account common.Address
	}

	refundChange struct {
		prev uint64
	}
	addLogChange struct{}
	transientStorageChange struct {
		account common.Address
		key     common.Hash
		prev    common.Hash
	}
	accessListAddAccountChange struct {
		address common.Address
	}
	accessListAddSlotChange struct {
		address common.Address
		slot    common.Hash
	}
)

func (ch createObjectChange) revert(s *ForkedStateDB) {
	if ch.prev == nil {
		delete(s.objects, ch.account)
		return
	}
	s.objects[ch.account] = ch.prev
}

func (ch createObjectChange) dirtied() *common.Address { return &ch.account }

func (ch createContractChange) revert(s *ForkedStateDB) {
	s.objects[ch.account].created = false
}

func (ch createContractChange) dirtied() *common.Address { return nil }

func (ch selfDestructChange) revert(s *ForkedStateDB) {
	obj := s.objects[ch.account]
	obj.selfDestructed = ch.prev
	obj.balance = new(uint256.Int).Set(&ch.prevBalance)
}

func (ch selfDestructChange) dirtied() *common.Address { return &ch.account }

func (ch balanceChange) revert(s *ForkedStateDB) {
	s.objects[ch.account].balance = new(uint256.Int).Set(&ch.prev)
}

func (ch balanceChange) dirtied() *common.Address { return &ch.account }

func (ch nonceChange) revert(s *ForkedStateDB) {
	s.objects[ch.account].nonce = ch.prev
}

func (ch nonceChange) dirtied() *common.Address { return &ch.account }

func (ch codeChange) revert(s *ForkedStateDB) {
	obj := s.objects[ch.account]
	obj.code = ch.prevCode
	obj.codeHash = ch.prevHash
}

func (ch codeChange) dirtied() *common.Address { return &ch.account }

func (ch storageChange) revert(s *ForkedStateDB) {
	obj := s.objects[ch.account]
	if ch.wasDirty {
		obj.storage[ch.key] = ch.prev
		return
	}
	delete(obj.storage, ch.key)
}

func (ch storageChange) dirtied() *common.Address { return &ch.account }

func (ch touchChange) revert(s *ForkedStateDB) {}

func (ch touchChange) dirtied() *common.Address { return &ch.account }

func (ch refundChange) revert(s *ForkedStateDB) {
	s.refund = ch.prev
}

func (ch refundChange) dirtied() *common.Address { return nil }

func (ch addLogChange) revert(s *ForkedStateDB) {
	s.logs = s.logs[:len(s.logs)-1]
}

func (ch addLogChange) dirtied() *common.Address { return nil }

func (ch transientStorageChange) revert(s *ForkedStateDB) {
	s.setTransientState(ch.account, ch.key, ch.prev)
}

func (ch transientStorageChange) dirtied() *common.Address { return nil }

func (ch accessListAddAccountChange) revert(s *ForkedStateDB) {
	delete(s.accessList, ch.address)
}

func (ch accessListAddAccountChange) dirtied() *common.Address { return nil }

func (ch accessListAddSlotChange) revert(s *ForkedStateDB) {
	delete(s.accessList[ch.address], ch.slot)
}

func (ch accessListAddSlotChange) dirtied() *common.Address { return nil }
