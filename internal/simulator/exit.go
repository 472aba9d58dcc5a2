package simulator

import (
	"errors"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/vm"
)

// ExitReason names how an execution ended.
type ExitReason string

const (
	ExitStop                  ExitReason = "Stop"
	ExitReturn                ExitReason = "Return"
	ExitRevert                ExitReason = "Revert"
	ExitOutOfGas              ExitReason = "OutOfGas"
	ExitOutOfFunds            ExitReason = "OutOfFunds"
	ExitInvalidOpcode         ExitReason = "InvalidOpcode"
	ExitStackUnderflow        ExitReason = "StackUnderflow"
	ExitStackOverflow         ExitReason = "StackOverflow"
	ExitInvalidJump           ExitReason = "InvalidJump"
	ExitWriteProtection       ExitReason = "StateChangeDuringStaticCall"
	ExitCallTooDeep           ExitReason = "CallTooDeep"
	ExitCreateCollision       ExitReason = "CreateCollision"
	ExitCodeSizeLimit         ExitReason = "CreateContractSizeLimit"
	ExitInitCodeSizeLimit     ExitReason = "CreateInitCodeSizeLimit"
	ExitInvalidCode           ExitReason = "CreateContractStartingWithEF"
	ExitReturnDataOutOfBounds ExitReason = "OutOfOffset"
	ExitGasUintOverflow       ExitReason = "OverflowPayment"
	ExitNonceOverflow         ExitReason = "NonceOverflow"
	ExitUnknown               ExitReason = "Unknown"
)

// Success reports whether the reason ends a successful execution.
func (r ExitReason) Success() bool {
	return r == ExitStop || r == ExitReturn
}

// exitReason classifies the outcome of a top-level execution.
func exitReason(err error, returnData []byte) ExitReason {
	if err == nil {
		if len(returnData) == 0 {
			return ExitStop
		}
		return ExitReturn
	}

	var (
		invalidOp *vm.ErrInvalidOpCode
		underflow *vm.ErrStackUnderflow
		overflow  *vm.ErrStackOverflow
	)
	switch {
	case errors.Is(err, vm.ErrExecutionReverted):
		return ExitRevert
	case errors.Is(err, vm.ErrOutOfGas), errors.Is(err, vm.ErrCodeStoreOutOfGas):
		return ExitOutOfGas
	case errors.Is(err, vm.ErrInsufficientBalance):
		return ExitOutOfFunds
	case errors.As(err, &invalidOp):
		return ExitInvalidOpcode
	case errors.As(err, &underflow):
		return ExitStackUnderflow
	case errors.As(err, &overflow):
		return ExitStackOverflow
	case errors.Is(err, vm.ErrInvalidJump):
		return ExitInvalidJump
	case errors.Is(err, vm.ErrWriteProtection):
		return ExitWriteProtection
	case errors.Is(err, vm.ErrDepth):
		return ExitCallTooDeep
	case errors.Is(err, vm.ErrContractAddressCollision):
		return ExitCreateCollision
	case errors.Is(err, vm.ErrMaxCodeSizeExceeded):
		return ExitCodeSizeLimit
	case errors.Is(err, vm.ErrMaxInitCodeSizeExceeded):
		return ExitInitCodeSizeLimit
	case errors.Is(err, vm.ErrInvalidCode):
		return ExitInvalidCode
	case errors.Is(err, vm.ErrReturnDataOutOfBounds):
		return ExitReturnDataOutOfBounds
	case errors.Is(err, vm.ErrGasUintOverflow):
		return ExitGasUintOverflow
	case errors.Is(err, vm.ErrNonceUintOverflow):
		return ExitNonceOverflow
	}
	return ExitUnknown
}

// RevertReason decodes an Error(string) or Panic(uint256) revert payload.
func RevertReason(data []byte) (string, bool) {
	reason, err := abi.UnpackRevert(data)
	if err != nil {
		return "", false
	}
	return reason, true
}
