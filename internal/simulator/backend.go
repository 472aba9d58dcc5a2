package simulator

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Backend is what the simulation engine needs from an execution environment.
type Backend interface {
	// BasicInfo returns nil for accounts that do not exist.
	BasicInfo(ctx context.Context, addr common.Address) (*AccountInfo, error)
	// Execute runs msg under Env. Without commit the backend state is left
	// untouched; with commit the execution's diff is applied atomically.
	Execute(ctx context.Context, msg *Message, commit bool) (*ExecutionResult, error)
	// Commit writes all accounts in one atomic step.
	Commit(accounts map[common.Address]*Account) error
	StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error)
	// Env is the mutable execution context used by subsequent executions.
	Env() *Env

	Snapshot() int
	RevertToSnapshot(id int) error
	DiscardSnapshot(id int)
}

var _ Backend = (*Executor)(nil)
