// Package primitive holds the contract every compute primitive implements:
// the descriptor/primitive lifecycle, its error taxonomy, attributes, the
// per-engine resource cache and the execution context.
package primitive

import (
	"errors"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/memory"
)

var (
	// ErrUnimplemented means the requested configuration is not supported
	// by this implementation. Callers should try another one.
	ErrUnimplemented = errors.New("unimplemented")
	// ErrInvalidArguments means the request is malformed.
	ErrInvalidArguments = errors.New("invalid arguments")
	// ErrOutOfMemory means a resource could not be allocated.
	ErrOutOfMemory = errors.New("out of memory")
	// ErrRuntime covers compile failures and lifecycle misuse.
	ErrRuntime = errors.New("runtime error")
	// ErrExecution wraps device-level launch failures.
	ErrExecution = errors.New("execution failed")
)

// Status is the coarse outcome of a lifecycle call.
type Status int

const (
	Success Status = iota
	Unimplemented
	InvalidArguments
	OutOfMemory
	RuntimeError
	ExecutionFailed
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Unimplemented:
		return "unimplemented"
	case InvalidArguments:
		return "invalid_arguments"
	case OutOfMemory:
		return "out_of_memory"
	case RuntimeError:
		return "runtime_error"
	case ExecutionFailed:
		return "execution_failed"
	default:
		return "unknown"
	}
}

// StatusOf classifies err. Errors from lower layers map onto the closest
// status; anything unrecognised is a runtime error.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, ErrUnimplemented), errors.Is(err, memory.ErrUnsupportedFormat):
		return Unimplemented
	case errors.Is(err, ErrInvalidArguments):
		return InvalidArguments
	case errors.Is(err, ErrOutOfMemory):
		return OutOfMemory
	case errors.Is(err, ErrExecution), errors.Is(err, compute.ErrLaunch):
		return ExecutionFailed
	default:
		return RuntimeError
	}
}
