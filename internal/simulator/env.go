package simulator

import (
	"math"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
)

// Env is the execution context every call runs under. It is metadata only:
// changing BlockNumber or Timestamp does not move the fork to another block,
// it only changes what NUMBER and TIMESTAMP report to executing code.
type Env struct {
	ChainID     uint64
	BlockNumber uint64
	Timestamp   uint64
	Coinbase    common.Address
	BaseFee     *big.Int
	Difficulty  *big.Int
	Random      common.Hash

	GasPrice *big.Int
	GasLimit uint64
	// CodeSizeLimit is reported to clients; go-ethereum enforces the protocol
	// limit of the active fork regardless.
	CodeSizeLimit int
	// MemoryLimit is informational, go-ethereum bounds memory through gas.
	MemoryLimit uint64

	AccessList types.AccessList
}

// DefaultMemoryLimit is the memory limit reported by default contexts.
const DefaultMemoryLimit = 128 << 20

// DefaultEnv derives a context from the fork's anchor header: zero gas
// price, unbounded gas limit and the protocol code size limit.
func DefaultEnv(chainID uint64, header *types.Header) *Env {
	env := &Env{
		ChainID:       chainID,
		BlockNumber:   header.Number.Uint64(),
		Timestamp:     header.Time,
		Coinbase:      header.Coinbase,
		BaseFee:       new(big.Int),
		Difficulty:    new(big.Int),
		Random:        header.MixDigest,
		GasPrice:      new(big.Int),
		GasLimit:      math.MaxUint64,
		CodeSizeLimit: params.MaxCodeSize,
		MemoryLimit:   DefaultMemoryLimit,
	}
	if header.BaseFee != nil {
		env.BaseFee.Set(header.BaseFee)
	}
	if header.Difficulty != nil {
		env.Difficulty.Set(header.Difficulty)
	}
	return env
}

// fill sets defaults for fields an explicitly supplied context left empty.
func (e *Env) fill(chainID uint64) {
	if e.ChainID == 0 {
		e.ChainID = chainID
	}
	if e.BaseFee == nil {
		e.BaseFee = new(big.Int)
	}
	if e.Difficulty == nil {
		e.Difficulty = new(big.Int)
	}
	if e.GasPrice == nil {
		e.GasPrice = new(big.Int)
	}
	if e.GasLimit == 0 {
		e.GasLimit = math.MaxUint64
	}
	if e.CodeSizeLimit == 0 {
		e.CodeSizeLimit = params.MaxCodeSize
	}
	if e.MemoryLimit == 0 {
		e.MemoryLimit = DefaultMemoryLimit
	}
}

func (e *Env) Copy() *Env {
	cpy := *e
	cpy.BaseFee = new(big.Int).Set(e.BaseFee)
	cpy.Difficulty = new(big.Int).Set(e.Difficulty)
	cpy.GasPrice = new(big.Int).Set(e.GasPrice)
	if e.AccessList != nil {
		cpy.AccessList = make(types.AccessList, len(e.AccessList))
		copy(cpy.AccessList, e.AccessList)
	}
	return &cpy
}
