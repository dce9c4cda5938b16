package primitive

import (
	"context"

	"github.com/fxnlabs/lnorm/internal/compute"
)

// Descriptor validates a primitive request against an engine and, on
// success, knows how to build the primitive.
type Descriptor interface {
	// Name identifies the implementation, e.g. "lnorm_ref:any".
	Name() string
	PropKind() PropKind
	// Init validates the request. It fails with ErrUnimplemented when the
	// configuration is not supported and leaves the descriptor untouched.
	Init(e compute.Engine) error
	// CreatePrimitive builds and initializes the primitive.
	CreatePrimitive(ctx context.Context, e compute.Engine) (Primitive, error)
}

// Primitive is an initialized, engine-independent computation.
//
// Init runs once before any other call. CreateResource and Execute may be
// called concurrently from many goroutines and for many engines.
type Primitive interface {
	// Init compiles the primitive's binaries.
	Init(ctx context.Context, e compute.Engine) error
	// CreateResource binds the binaries to e and caches them in m. It is
	// idempotent per (primitive, engine).
	CreateResource(e compute.Engine, m *ResourceMapper) error
	// Execute submits the computation to the context's stream.
	Execute(ctx *ExecContext) error
}
