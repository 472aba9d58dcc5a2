package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
)

// ExecutionError is returned when the backend rejects or fails a call before
// it produces a result. Reverts are results, not ExecutionErrors.
type ExecutionError struct {
	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error: %v", e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// OverrideError is returned when an account's current state could not be read
// or the overridden account could not be written.
type OverrideError struct {
	Address common.Address
	Err     error
}

func (e *OverrideError) Error() string {
	return fmt.Sprintf("override of %s failed: %v", e.Address.Hex(), e.Err)
}

func (e *OverrideError) Unwrap() error {
	return e.Err
}
