package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/forksim/internal/engine"
	"github.com/pulkyeet/forksim/internal/simulator"
	"golang.org/x/sync/errgroup"
)

// EngineFactory forks the chain at block.
type EngineFactory func(ctx context.Context, block uint64) (*engine.Engine, error)

type Result struct {
	Hash  common.Hash
	Block uint64
	From  common.Address
	To    *common.Address

	Success        bool
	GasUsed        uint64
	GasLimit       uint64
	ExitReason     simulator.ExitReason
	RevertReason   string
	FormattedTrace string
	// Err is set when the row could not be replayed at all.
	Err error
}

type Report struct {
	Results   []*Result
	Succeeded int
	Failed    int
	Errored   int
	GasUsed   uint64
	Elapsed   time.Duration
}

type Runner struct {
	engines     EngineFactory
	workers     int
	formatTrace bool
}

func NewRunner(engines EngineFactory, workers int, formatTrace bool) *Runner {
	if workers <= 0 {
		workers = 1
	}
	return &Runner{engines: engines, workers: workers, formatTrace: formatTrace}
}

// Run replays every row on its own Engine, at most workers at a time. A row
// that cannot be replayed is reported in its Result; only cancellation stops
// the run.
func (r *Runner) Run(ctx context.Context, rows []*Row) (*Report, error) {
	started := time.Now()
	results := make([]*Result, len(rows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for i, row := range rows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = r.replay(gctx, row)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &Report{Results: results, Elapsed: time.Since(started)}
	for _, res := range results {
		switch {
		case res.Err != nil:
			report.Errored++
		case res.Success:
			report.Succeeded++
		default:
			report.Failed++
		}
		report.GasUsed += res.GasUsed
	}
	return report, nil
}

func (r *Runner) replay(ctx context.Context, row *Row) *Result {
	res := &Result{Hash: common.HexToHash(row.Hash)}

	tx, err := row.Transaction()
	if err != nil {
		res.Err = err
		return res
	}
	res.Hash = tx.Hash()
	res.To = tx.To()
	res.GasLimit = tx.Gas()

	parent, ok := row.ParentBlock()
	if !ok {
		res.Err = errors.New("transaction was never included")
		return res
	}
	res.Block = parent + 1

	call, err := CallFromTx(tx)
	if err != nil {
		res.Err = err
		return res
	}
	res.From = call.From
	call.FormatTrace = r.formatTrace

	e, err := r.engines(ctx, parent)
	if err != nil {
		res.Err = fmt.Errorf("failed to fork block %d: %w", parent, err)
		return res
	}
	defer e.Close()

	// run as the including block with the transaction's own gas limit
	e.SetBlock(res.Block)
	if row.IncludedBlockTimestamp > 0 {
		e.SetBlockTimestamp(uint64(row.IncludedBlockTimestamp / 1000))
	}
	e.Env().GasLimit = tx.Gas()

	out, err := e.CallRaw(ctx, call)
	if err != nil {
		res.Err = err
		return res
	}
	res.Success = out.Success
	res.GasUsed = out.GasUsed
	res.ExitReason = out.ExitReason
	res.RevertReason = out.RevertReason
	if out.FormattedTrace != nil {
		res.FormattedTrace = *out.FormattedTrace
	}
	log.Debug("Replayed transaction", "hash", res.Hash, "block", res.Block, "success", res.Success, "gas", res.GasUsed)
	return res
}
