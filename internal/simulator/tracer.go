package simulator

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
)

// CallKind is the opcode that opened a call frame: CALL, STATICCALL,
// DELEGATECALL, CALLCODE, CREATE, CREATE2 or SELFDESTRUCT.
type CallKind string

// CallFrame is one node of an execution's call tree.
type CallFrame struct {
	Kind    CallKind
	Depth   int
	Caller  common.Address
	Address common.Address
	Value   *big.Int
	Gas     uint64
	GasUsed uint64
	Input   []byte
	Output  []byte
	Success bool
	// Error is the failure message of a frame that did not succeed.
	Error    string
	Logs     []*types.Log
	Children []*CallFrame
}

// Reverted reports whether the frame ended with the REVERT opcode.
func (f *CallFrame) Reverted() bool {
	return !f.Success && f.Error == vm.ErrExecutionReverted.Error()
}

// CallTracer builds the call tree of an execution from EVM tracing hooks.
type CallTracer struct {
	roots []*CallFrame
	stack []*CallFrame
}

func NewCallTracer() *CallTracer {
	return &CallTracer{}
}

// Hooks returns the tracing hooks for the EVM.
func (t *CallTracer) Hooks() *tracing.Hooks {
	return &tracing.Hooks{
		OnEnter: t.OnEnter,
		OnExit:  t.OnExit,
		OnLog:   t.OnLog,
	}
}

// OnEnter pushes a new frame under the frame currently executing.
func (t *CallTracer) OnEnter(depth int, typ byte, from common.Address, to common.Address, input []byte, gas uint64, value *big.Int) {
	frame := &CallFrame{
		Kind:    CallKind(vm.OpCode(typ).String()),
		Depth:   depth,
		Caller:  from,
		Address: to,
		Value:   new(big.Int),
		Gas:     gas,
		Input:   common.CopyBytes(input),
	}
	if value != nil {
		frame.Value.Set(value)
	}

	if len(t.stack) == 0 {
		t.roots = append(t.roots, frame)
	} else {
		parent := t.stack[len(t.stack)-1]
		parent.Children = append(parent.Children, frame)
	}
	t.stack = append(t.stack, frame)
}

// OnExit pops the frame. Logs of failed frames are dropped along with the
// logs of their children, matching what the state keeps.
func (t *CallTracer) OnExit(depth int, output []byte, gasUsed uint64, err error, reverted bool) {
	if len(t.stack) == 0 {
		return
	}
	frame := t.stack[len(t.stack)-1]
	t.stack = t.stack[:len(t.stack)-1]

	frame.GasUsed = gasUsed
	frame.Output = common.CopyBytes(output)
	frame.Success = err == nil
	if err != nil {
		frame.Error = err.Error()
		clearLogs(frame)
	}
}

// OnLog attaches an emitted log to the frame currently executing.
func (t *CallTracer) OnLog(log *types.Log) {
	if len(t.stack) == 0 {
		return
	}
	frame := t.stack[len(t.stack)-1]
	frame.Logs = append(frame.Logs, log)
}

// Frames returns the top-level frames of the traced execution.
func (t *CallTracer) Frames() []*CallFrame {
	return t.roots
}

func clearLogs(frame *CallFrame) {
	frame.Logs = nil
	for _, child := range frame.Children {
		clearLogs(child)
	}
}
