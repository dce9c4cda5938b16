package compute

import "errors"

var (
	// ErrCompile is returned when a program cannot be built.
	ErrCompile = errors.New("program compilation failed")
	// ErrKernel is returned when a kernel handle cannot be created.
	ErrKernel = errors.New("kernel creation failed")
	// ErrLaunch wraps failures that happen on the device queue.
	ErrLaunch = errors.New("kernel launch failed")
)
