package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/log"
)

// BundleCall is one step of a bundle. The context changes and overrides are
// applied before the call.
type BundleCall struct {
	BlockNumber    *uint64
	BlockTimestamp *uint64
	Overrides      []AccountOverride
	Call           CallRequest
}

// CallBundle runs the calls in order, each committing on top of the previous
// one. An override or execution error reverts the fork, and the block number
// and timestamp, to where they were before the bundle. Reverted calls are
// results and do not stop the bundle.
func (e *Engine) CallBundle(ctx context.Context, calls []BundleCall) ([]*CallResult, error) {
	if len(calls) == 0 {
		return nil, errors.New("empty bundle")
	}

	block, timestamp := e.Block(), e.BlockTimestamp()
	snapID := e.backend.Snapshot()
	fail := func(i int, err error) ([]*CallResult, error) {
		if rerr := e.backend.RevertToSnapshot(snapID); rerr != nil {
			log.Error("Failed to revert bundle", "snapshot", snapID, "err", rerr)
		}
		e.SetBlock(block)
		e.SetBlockTimestamp(timestamp)
		return nil, fmt.Errorf("bundle call %d: %w", i, err)
	}

	results := make([]*CallResult, 0, len(calls))
	for i, step := range calls {
		if step.BlockNumber != nil {
			e.SetBlock(*step.BlockNumber)
		}
		if step.BlockTimestamp != nil {
			e.SetBlockTimestamp(*step.BlockTimestamp)
		}
		for _, override := range step.Overrides {
			if err := e.OverrideAccount(ctx, override); err != nil {
				return fail(i, err)
			}
		}
		res, err := e.CallRawCommitting(ctx, step.Call)
		if err != nil {
			return fail(i, err)
		}
		log.Debug("Bundle call executed", "index", i, "success", res.Success, "gas", res.GasUsed)
		results = append(results, res)
	}
	e.backend.DiscardSnapshot(snapID)
	return results, nil
}
