package engine

import (
	"context"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/log"
	"github.com/pulkyeet/forksim/internal/simulator"
)

type CallRequest struct {
	From common.Address
	// To is nil for contract creation.
	To    *common.Address
	Value *big.Int
	Data  []byte
	// AccessList becomes the context's access list and stays in effect for
	// later calls; nil clears it.
	AccessList  types.AccessList
	FormatTrace bool
}

type CallResult struct {
	GasUsed     uint64
	BlockNumber uint64
	Success     bool
	// Trace is nil unless the Engine was built with tracing.
	Trace      []*simulator.CallFrame
	Logs       []*types.Log
	ExitReason simulator.ExitReason
	ReturnData []byte
	// RevertReason is the decoded Error(string) or Panic(uint256) payload.
	RevertReason string
	// FormattedTrace is set when the request asked for it, empty without
	// tracing.
	FormattedTrace *string
}

// CallRaw executes a call without changing the fork: every state change the
// call makes is discarded. The access list is the only thing that persists.
func (e *Engine) CallRaw(ctx context.Context, req CallRequest) (*CallResult, error) {
	return e.call(ctx, req, false)
}

// CallRawCommitting executes a call and commits its state changes to the fork
// in one atomic step.
func (e *Engine) CallRawCommitting(ctx context.Context, req CallRequest) (*CallResult, error) {
	return e.call(ctx, req, true)
}

func (e *Engine) call(ctx context.Context, req CallRequest, commit bool) (*CallResult, error) {
	e.backend.Env().AccessList = req.AccessList

	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	res, err := e.backend.Execute(ctx, &simulator.Message{
		From:  req.From,
		To:    req.To,
		Value: value,
		Data:  req.Data,
	}, commit)
	if err != nil {
		return nil, &ExecutionError{Err: err}
	}

	result := &CallResult{
		GasUsed:     res.GasUsed,
		BlockNumber: res.BlockNumber,
		Success:     res.ExitReason.Success(),
		Trace:       res.Trace,
		Logs:        res.Logs,
		ExitReason:  res.ExitReason,
		ReturnData:  res.ReturnData,
	}
	if res.Reverted {
		result.RevertReason, _ = simulator.RevertReason(res.ReturnData)
	}
	if req.FormatTrace {
		formatted := e.FormatTrace(ctx, res.Trace)
		result.FormattedTrace = &formatted
	}

	log.Trace("Executed call", "from", req.From, "to", req.To, "commit", commit, "gas", res.GasUsed, "exit", res.ExitReason)
	return result, nil
}

// FormatTrace renders each top-level frame, labeling addresses on a best
// effort basis, and concatenates the results.
func (e *Engine) FormatTrace(ctx context.Context, frames []*simulator.CallFrame) string {
	if e.decoder == nil {
		return ""
	}
	var out strings.Builder
	for _, frame := range frames {
		out.WriteString(e.decoder.Format(ctx, frame))
	}
	return out.String()
}

// CallTrace is a flattened view of one call frame.
type CallTrace struct {
	CallType simulator.CallKind
	From     common.Address
	To       common.Address
	Value    *big.Int
}

// CallTraces flattens frames depth first, parents before children.
func CallTraces(frames []*simulator.CallFrame) []CallTrace {
	var out []CallTrace
	var walk func(f *simulator.CallFrame)
	walk = func(f *simulator.CallFrame) {
		out = append(out, CallTrace{CallType: f.Kind, From: f.Caller, To: f.Address, Value: f.Value})
		for _, child := range f.Children {
			walk(child)
		}
	}
	for _, frame := range frames {
		walk(frame)
	}
	return out
}
