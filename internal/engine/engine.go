// Package engine runs calls against a fork of a remote EVM chain.
//
// An Engine owns one fork and one execution context. It is not safe for
// concurrent use: callers that share an Engine must serialise access.
package engine

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/forksim/internal/eth"
	"github.com/pulkyeet/forksim/internal/simulator"
	"github.com/pulkyeet/forksim/internal/storage"
	"github.com/pulkyeet/forksim/internal/trace"
)

type Options struct {
	// Env replaces the context derived from the fork's anchor block.
	Env *simulator.Env
	// ForkURL is the JSON-RPC endpoint to fork from. Ignored when Source is set.
	ForkURL string
	// ForkBlockNumber anchors the fork; nil forks the latest block.
	ForkBlockNumber *uint64
	// Source replaces dialing ForkURL, e.g. with an in-memory chain.
	Source simulator.Source

	// Tracing records call traces, which are needed for formatted output.
	Tracing bool
	// LabelKey enables Etherscan contract labels in formatted traces.
	LabelKey string
	// SignaturesPath is the local signature database.
	SignaturesPath string
	// LabelTimeout bounds labeling for one formatted trace.
	LabelTimeout time.Duration
	// Labeler is consulted after the built-in and Etherscan labelers.
	Labeler trace.Labeler

	StateCache   *storage.CacheDB
	FetchTimeout time.Duration
	// GasLimit overrides the default unbounded gas limit when non-zero.
	GasLimit uint64
}

type Engine struct {
	backend simulator.Backend
	// decoder is nil when tracing is disabled
	decoder *trace.Decoder

	client     *eth.Client
	signatures *trace.SignatureDB
}

// New forks the chain behind opts.ForkURL (or opts.Source) and builds an
// Engine over it.
func New(ctx context.Context, opts Options) (*Engine, error) {
	e := &Engine{}

	source := opts.Source
	if source == nil {
		client, err := eth.Dial(ctx, opts.ForkURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to fork: %w", err)
		}
		e.client = client
		source = client
		log.Debug("Connected to fork", "url", client.URL())
	}

	var block *big.Int
	if opts.ForkBlockNumber != nil {
		block = new(big.Int).SetUint64(*opts.ForkBlockNumber)
	}
	fork, err := simulator.NewStateFork(ctx, source, simulator.ForkConfig{
		BlockNumber:  block,
		Cache:        opts.StateCache,
		FetchTimeout: opts.FetchTimeout,
	})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("failed to create fork: %w", err)
	}

	executor := simulator.NewExecutor(fork, opts.Env, opts.Tracing)
	if opts.GasLimit != 0 {
		executor.Env().GasLimit = opts.GasLimit
	}
	e.backend = executor

	if opts.Tracing {
		e.decoder = e.newDecoder(opts, fork.ChainID())
	}

	log.Debug("Created engine", "chain", fork.ChainID(), "block", fork.BlockNumber(), "tracing", opts.Tracing)
	return e, nil
}

func (e *Engine) newDecoder(opts Options, chainID uint64) *trace.Decoder {
	sigs := trace.NewSignatureDB(nil)
	if opts.SignaturesPath != "" {
		opened, err := trace.OpenSignatureDB(opts.SignaturesPath)
		if err != nil {
			log.Warn("Signature database unavailable, using built-in signatures", "path", opts.SignaturesPath, "err", err)
		} else {
			sigs = opened
			e.signatures = opened
		}
	}

	labelers := trace.MultiLabeler{trace.NewStaticLabeler(chainID)}
	if opts.LabelKey != "" {
		etherscan, err := trace.NewEtherscanLabeler(trace.EtherscanConfig{APIKey: opts.LabelKey, ChainID: chainID})
		if err != nil {
			log.Warn("Etherscan labeling disabled", "err", err)
		} else {
			labelers = append(labelers, etherscan)
		}
	}

	if opts.Labeler != nil {
		labelers = append(labelers, opts.Labeler)
	}

	decoder := trace.NewDecoder(sigs, labelers)
	if opts.LabelTimeout != 0 {
		decoder.SetLabelTimeout(opts.LabelTimeout)
	}
	return decoder
}

// NewWithBackend assembles an Engine over an existing backend. decoder may be
// nil, in which case formatted traces are empty.
func NewWithBackend(backend simulator.Backend, decoder *trace.Decoder) *Engine {
	return &Engine{backend: backend, decoder: decoder}
}

// Close releases the fork's RPC connection and signature database.
func (e *Engine) Close() {
	if e.client != nil {
		e.client.Close()
	}
	if e.signatures != nil {
		if err := e.signatures.Close(); err != nil {
			log.Debug("Failed to close signature db", "err", err)
		}
	}
}

// Env returns the execution context. Mutations apply to subsequent calls.
func (e *Engine) Env() *simulator.Env {
	return e.backend.Env()
}

// SetBlock sets the block number reported to executing code. The fork keeps
// serving state from its anchor block.
func (e *Engine) SetBlock(number uint64) {
	e.backend.Env().BlockNumber = number
}

func (e *Engine) Block() uint64 {
	return e.backend.Env().BlockNumber
}

// SetBlockTimestamp sets the timestamp reported to executing code.
func (e *Engine) SetBlockTimestamp(timestamp uint64) {
	e.backend.Env().Timestamp = timestamp
}

func (e *Engine) BlockTimestamp() uint64 {
	return e.backend.Env().Timestamp
}

func (e *Engine) ChainID() uint64 {
	return e.backend.Env().ChainID
}
