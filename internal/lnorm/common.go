package lnorm

import (
	"context"
	"fmt"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/memory"
	"github.com/fxnlabs/lnorm/internal/primitive"
)

// compileBinary asks e for a program and treats any failure, including a
// missing binary, as a runtime error.
func compileBinary(ctx context.Context, e compute.Engine, name string, kctx *compute.KernelCtx) (*compute.Binary, error) {
	b, err := e.Compile(ctx, name, kctx)
	if err != nil {
		return nil, fmt.Errorf("%w: compile %s: %w", primitive.ErrRuntime, name, err)
	}
	if b == nil {
		return nil, fmt.Errorf("%w: compile %s: no program produced", primitive.ErrRuntime, name)
	}
	return b, nil
}

// lookupKernels makes sure the primitive's resource exists for the context's
// engine and returns the kernels bound from binaries, in order.
func lookupKernels(p primitive.Primitive, ctx *primitive.ExecContext, binaries ...*compute.Binary) ([]compute.Kernel, error) {
	e := ctx.Engine()
	if err := p.CreateResource(e, ctx.Mapper()); err != nil {
		return nil, err
	}
	res, ok := ctx.Mapper().Get(p, e)
	if !ok {
		return nil, fmt.Errorf("%w: no resource for engine %s", primitive.ErrRuntime, e.ID())
	}
	kr, ok := res.(*primitive.KernelResource)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected resource %T", primitive.ErrRuntime, res)
	}
	out := make([]compute.Kernel, len(binaries))
	for i, b := range binaries {
		k, ok := kr.Kernel(b)
		if !ok {
			return nil, fmt.Errorf("%w: kernel %s not bound", primitive.ErrRuntime, b.Name())
		}
		out[i] = k
	}
	return out, nil
}

// bindArg resolves slot a and checks the buffer has the layout the kernels
// were built for.
func bindArg(ctx *primitive.ExecContext, a primitive.Arg, want MemoryInfo) (*memory.Buffer, error) {
	b, err := ctx.RequireArg(a)
	if err != nil {
		return nil, err
	}
	if !want.matches(b.Desc()) {
		return nil, fmt.Errorf("%w: %s buffer is %s, want %s:%v%v",
			primitive.ErrInvalidArguments, a, b.Desc(), want.DataType, want.Dims, want.Strides)
	}
	return b, nil
}
