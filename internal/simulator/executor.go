package simulator

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/params"
)

// osakaMaxTxGas is the per-transaction gas cap of EIP-7825.
const osakaMaxTxGas = 1 << 24

// ChainConfig returns the go-ethereum rules for a chain id. Unknown chains
// run under mainnet rules.
func ChainConfig(chainID uint64) *params.ChainConfig {
	switch chainID {
	case params.MainnetChainConfig.ChainID.Uint64():
		return params.MainnetChainConfig
	case params.SepoliaChainConfig.ChainID.Uint64():
		return params.SepoliaChainConfig
	case params.HoleskyChainConfig.ChainID.Uint64():
		return params.HoleskyChainConfig
	case params.HoodiChainConfig.ChainID.Uint64():
		return params.HoodiChainConfig
	}
	cfg := *params.MainnetChainConfig
	cfg.ChainID = new(big.Int).SetUint64(chainID)
	return &cfg
}

// Executor runs messages through the go-ethereum EVM against a StateFork.
type Executor struct {
	fork    *StateFork
	env     *Env
	config  *params.ChainConfig
	tracing bool
}

// NewExecutor builds an executor. A nil env derives the context from the
// fork's anchor header.
func NewExecutor(fork *StateFork, env *Env, tracing bool) *Executor {
	if env == nil {
		env = DefaultEnv(fork.ChainID(), fork.Header())
	} else {
		cpy := *env
		cpy.fill(fork.ChainID())
		env = cpy.Copy()
	}
	return &Executor{
		fork:    fork,
		env:     env,
		config:  ChainConfig(env.ChainID),
		tracing: tracing,
	}
}

func (e *Executor) Fork() *StateFork {
	return e.fork
}

func (e *Executor) Env() *Env {
	return e.env
}

func (e *Executor) BasicInfo(ctx context.Context, addr common.Address) (*AccountInfo, error) {
	return e.fork.Account(ctx, addr)
}

func (e *Executor) StorageAt(ctx context.Context, addr common.Address, slot common.Hash) (common.Hash, error) {
	return e.fork.Storage(ctx, addr, slot)
}

func (e *Executor) Commit(accounts map[common.Address]*Account) error {
	e.fork.Commit(accounts)
	return nil
}

func (e *Executor) Snapshot() int {
	return e.fork.Snapshot()
}

func (e *Executor) RevertToSnapshot(id int) error {
	return e.fork.RevertToSnapshot(id)
}

func (e *Executor) DiscardSnapshot(id int) {
	e.fork.DiscardSnapshot(id)
}

func (e *Executor) blockContext(ctx context.Context, stateDB *ForkedStateDB) vm.BlockContext {
	env := e.env
	blockCtx := vm.BlockContext{
		CanTransfer: core.CanTransfer,
		Transfer:    core.Transfer,
		GetHash: func(n uint64) common.Hash {
			if stateDB.Error() != nil {
				return common.Hash{}
			}
			hash, err := e.fork.BlockHash(ctx, n)
			if err != nil {
				stateDB.setError(err)
			}
			return hash
		},
		Coinbase:    env.Coinbase,
		GasLimit:    env.GasLimit,
		BlockNumber: new(big.Int).SetUint64(env.BlockNumber),
		Time:        env.Timestamp,
		Difficulty:  new(big.Int).Set(env.Difficulty),
		BaseFee:     new(big.Int).Set(env.BaseFee),
		BlobBaseFee: big.NewInt(1),
	}
	// post-merge blocks carry PREVRANDAO in place of difficulty
	if env.Difficulty.Sign() == 0 {
		random := env.Random
		blockCtx.Random = &random
	}
	return blockCtx
}

// Execute runs msg as a transaction under the current Env.
//
// A message the chain rules reject before execution is an error, except for
// a sender that cannot cover value and gas, which is reported as an
// unsuccessful OutOfFunds result.
func (e *Executor) Execute(ctx context.Context, msg *Message, commit bool) (*ExecutionResult, error) {
	stateDB := NewForkedStateDB(ctx, e.fork)

	var (
		tracer *CallTracer
		hooks  *tracing.Hooks
	)
	if e.tracing {
		tracer = NewCallTracer()
		hooks = tracer.Hooks()
		stateDB.SetHooks(hooks)
	}

	env := e.env
	blockCtx := e.blockContext(ctx, stateDB)
	evm := vm.NewEVM(blockCtx, stateDB, e.config, vm.Config{Tracer: hooks, NoBaseFee: true})

	gasLimit := env.GasLimit
	if e.config.IsOsaka(blockCtx.BlockNumber, blockCtx.Time) && gasLimit > osakaMaxTxGas {
		gasLimit = osakaMaxTxGas
	}

	value := msg.Value
	if value == nil {
		value = new(big.Int)
	}
	coreMsg := &core.Message{
		From:       msg.From,
		To:         msg.To,
		Nonce:      stateDB.GetNonce(msg.From),
		Value:      value,
		GasLimit:   gasLimit,
		GasPrice:   new(big.Int).Set(env.GasPrice),
		GasFeeCap:  new(big.Int).Set(env.GasPrice),
		GasTipCap:  new(big.Int).Set(env.GasPrice),
		Data:       msg.Data,
		AccessList: env.AccessList,
	}

	gp := new(core.GasPool).AddGas(env.GasLimit)
	result, err := core.ApplyMessage(evm, coreMsg, gp)
	if dbErr := stateDB.Error(); dbErr != nil {
		return nil, dbErr
	}
	if err != nil {
		if errors.Is(err, core.ErrInsufficientFunds) || errors.Is(err, core.ErrInsufficientFundsForTransfer) {
			log.Debug("Sender cannot fund message", "from", msg.From, "err", err)
			return &ExecutionResult{
				BlockNumber: env.BlockNumber,
				ExitReason:  ExitOutOfFunds,
				Err:         err,
			}, nil
		}
		return nil, err
	}

	res := &ExecutionResult{
		GasUsed:     result.UsedGas,
		BlockNumber: env.BlockNumber,
		Reverted:    errors.Is(result.Err, vm.ErrExecutionReverted),
		ExitReason:  exitReason(result.Err, result.ReturnData),
		Err:         result.Err,
		Logs:        stateDB.Logs(),
		ReturnData:  result.ReturnData,
	}
	if tracer != nil {
		res.Trace = tracer.Frames()
	}

	if commit {
		stateDB.Finalise(e.config.IsEIP158(blockCtx.BlockNumber))
		diff := stateDB.Diff()
		e.fork.Commit(diff)
		log.Trace("Committed execution", "from", msg.From, "accounts", len(diff))
	}
	return res, nil
}
