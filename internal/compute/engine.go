// Package compute is the device-facing layer primitives are built on:
// engines compile programs into binaries, bind binaries into kernel handles
// and run kernels on streams.
package compute

import (
	"context"

	"github.com/google/uuid"
)

// DeviceInfo describes the device behind an engine.
type DeviceInfo struct {
	Name             string `json:"name"`
	Kind             string `json:"kind"`
	ComputeUnits     int    `json:"computeUnits"`
	MaxWorkGroupSize int    `json:"maxWorkGroupSize"`
	Features         string `json:"features,omitempty"`
	RuntimeVersion   string `json:"runtimeVersion"`
}

// Engine is a compute device that primitives compile for and launch on.
//
// Implementations must be safe for concurrent use: several primitives may
// compile and bind kernels on the same engine at once.
type Engine interface {
	// ID uniquely identifies the engine instance for resource caching.
	ID() uuid.UUID

	// Kind is the backend name, e.g. "cpu".
	Kind() string

	DeviceInfo() DeviceInfo

	// MaxWorkGroupSize bounds NDRange.Local for launches on this engine.
	MaxWorkGroupSize() int

	// Compile builds the named program with the given definitions. Binaries
	// are immutable and may be shared between engines of the same kind.
	Compile(ctx context.Context, name string, kctx *KernelCtx) (*Binary, error)

	// CreateKernel binds a binary into a launchable handle on this engine.
	CreateKernel(b *Binary) (Kernel, error)

	// Close releases the engine's workers. Launches after Close fail.
	Close() error
}

// Kernel is a launch-ready handle bound to one engine.
type Kernel interface {
	Name() string
	Binary() *Binary
	// Run executes the kernel over nd and returns once every work-item has
	// finished. Streams call Run; primitives submit through Stream.ParallelFor.
	Run(ctx context.Context, nd NDRange, args *ArgList) error
}

// Binary is a compiled program. It is immutable after Compile returns.
type Binary struct {
	name    string
	key     string
	kctx    *KernelCtx
	program Program
}

func (b *Binary) Name() string { return b.name }

// Key identifies the (program, options) pair the binary was built from.
func (b *Binary) Key() string { return b.key }

// Options returns the build options the binary was compiled with.
func (b *Binary) Options() []string { return b.kctx.Options() }
