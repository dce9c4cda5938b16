package lnorm

import (
	"context"
	"fmt"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/dtype"
	"github.com/fxnlabs/lnorm/internal/kernels"
	"github.com/fxnlabs/lnorm/internal/primitive"
	"go.uber.org/zap"
)

// BwdDesc validates a backward layer normalization request.
type BwdDesc struct {
	desc   Desc
	attr   *primitive.Attr
	logger *zap.Logger

	resolved *resolved
	conf     *Conf
	kctx     *compute.KernelCtx
}

var _ primitive.Descriptor = (*BwdDesc)(nil)

func NewBwdDesc(d Desc, attr *primitive.Attr, logger *zap.Logger) *BwdDesc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BwdDesc{desc: d, attr: attr, logger: logger}
}

func (pd *BwdDesc) Name() string { return ImplName }

func (pd *BwdDesc) PropKind() primitive.PropKind { return pd.desc.PropKind }

// Init checks the request is supported: f32 or bf16 source and gradients
// of one type (no f16), f32 scale/shift and scale/shift gradient, plain
// layouts and default attributes.
func (pd *BwdDesc) Init(e compute.Engine) error {
	if pd.conf != nil {
		return nil
	}
	if !pd.desc.PropKind.IsBwd() {
		return fmt.Errorf("%w: %s is not a backward propagation", primitive.ErrUnimplemented, pd.desc.PropKind)
	}
	r, err := pd.desc.withDefaults()
	if err != nil {
		return err
	}

	srcDT, ddDT, dsDT := r.Src.DataType, r.DiffDst.DataType, r.DiffSrc.DataType
	switch {
	case !everyoneIs(dtype.F32, srcDT, ddDT) && !everyoneIs(dtype.BF16, srcDT, ddDT):
		return fmt.Errorf("%w: source %s with diff destination %s", primitive.ErrUnimplemented, srcDT, ddDT)
	case dsDT != ddDT:
		return fmt.Errorf("%w: diff source %s with diff destination %s", primitive.ErrUnimplemented, dsDT, ddDT)
	case r.Flags.Has(UseScaleShift) && !everyoneIs(dtype.F32, r.ScaleShift.DataType, r.DiffScaleShift.DataType):
		return fmt.Errorf("%w: scale/shift %s with gradient %s", primitive.ErrUnimplemented,
			r.ScaleShift.DataType, r.DiffScaleShift.DataType)
	}
	if err := r.setDefaultFormats(); err != nil {
		return err
	}
	if !pd.attr.HasDefaultValues() {
		return fmt.Errorf("%w: non-default attributes", primitive.ErrUnimplemented)
	}

	conf := initConf(&r)
	pd.resolved, pd.conf, pd.kctx = &r, conf, initKernelCtx(conf)
	return nil
}

func (pd *BwdDesc) Conf() (conf Conf, ok bool) {
	if pd.conf == nil {
		return Conf{}, false
	}
	return *pd.conf, true
}

func (pd *BwdDesc) KernelCtx() (*compute.KernelCtx, error) {
	if pd.kctx == nil {
		return nil, fmt.Errorf("%w: %s descriptor is not initialized", primitive.ErrRuntime, ImplName)
	}
	return pd.kctx.Clone(), nil
}

func (pd *BwdDesc) Desc() Desc {
	if pd.resolved != nil {
		return pd.resolved.Desc
	}
	return pd.desc
}

func (pd *BwdDesc) CreatePrimitive(ctx context.Context, e compute.Engine) (primitive.Primitive, error) {
	p := NewBackward(pd, pd.logger)
	if err := p.Init(ctx, e); err != nil {
		return nil, err
	}
	return p, nil
}

// Backward is the backward layer normalization primitive. It always owns
// the diff_src binary and, with scale/shift, a second binary reducing the
// scale/shift gradient.
type Backward struct {
	pd     *BwdDesc
	logger *zap.Logger

	binary *compute.Binary
	// scaleShift is nil unless the configuration uses scale/shift.
	scaleShift *compute.Binary
}

var _ primitive.Primitive = (*Backward)(nil)

func NewBackward(pd *BwdDesc, logger *zap.Logger) *Backward {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backward{pd: pd, logger: logger.Named("lnorm_bwd")}
}

// Init compiles ref_lnorm_bwd and, with scale/shift, ref_lnorm_bwd_scaleshift.
// Nothing is kept unless every required binary compiles.
func (p *Backward) Init(ctx context.Context, e compute.Engine) error {
	kctx, err := p.pd.KernelCtx()
	if err != nil {
		return err
	}
	b, err := compileBinary(ctx, e, kernels.LnormBwd, kctx)
	if err != nil {
		return err
	}
	var ss *compute.Binary
	if p.pd.conf.UseScaleShift {
		ss, err = compileBinary(ctx, e, kernels.LnormBwdScaleShift, kctx)
		if err != nil {
			return err
		}
	}
	p.binary, p.scaleShift = b, ss
	p.logger.Debug("initialized", zap.Int("binaries", len(p.Binaries())))
	return nil
}

// Binaries returns the compiled programs: one, or two with scale/shift.
func (p *Backward) Binaries() []*compute.Binary {
	if p.binary == nil {
		return nil
	}
	if p.scaleShift == nil {
		return []*compute.Binary{p.binary}
	}
	return []*compute.Binary{p.binary, p.scaleShift}
}

// CreateResource binds every binary on e once and caches them in m.
func (p *Backward) CreateResource(e compute.Engine, m *primitive.ResourceMapper) error {
	if p.binary == nil {
		return fmt.Errorf("%w: %s primitive is not initialized", primitive.ErrRuntime, ImplName)
	}
	_, _, err := m.GetOrCreate(p, e, func() (primitive.Resource, error) {
		r := primitive.NewKernelResource()
		if err := r.CreateKernelsAndAdd(e, p.binary, p.scaleShift); err != nil {
			return nil, err
		}
		return r, nil
	})
	return err
}

// Execute submits diff_src and, with scale/shift, the scale/shift gradient
// kernel. The two launches read the same inputs and write disjoint outputs,
// so the stream may run them in either order; both are done after Wait.
func (p *Backward) Execute(ctx *primitive.ExecContext) error {
	return p.executeBackward(ctx)
}

func (p *Backward) executeBackward(ctx *primitive.ExecContext) error {
	conf := p.pd.conf
	ks, err := lookupKernels(p, ctx, p.Binaries()...)
	if err != nil {
		return err
	}

	src, err := bindArg(ctx, primitive.ArgSrc, conf.Src)
	if err != nil {
		return err
	}
	mean, err := bindArg(ctx, primitive.ArgMean, conf.Stat)
	if err != nil {
		return err
	}
	variance, err := bindArg(ctx, primitive.ArgVariance, conf.Stat)
	if err != nil {
		return err
	}
	diffDst, err := bindArg(ctx, primitive.ArgDiffDst, conf.DiffDst)
	if err != nil {
		return err
	}
	diffSrc, err := bindArg(ctx, primitive.ArgDiffSrc, conf.DiffSrc)
	if err != nil {
		return err
	}

	args := compute.NewArgList()
	args.SetBuffer(kernels.BwdArgSrc, src)
	args.SetBuffer(kernels.BwdArgMean, mean)
	args.SetBuffer(kernels.BwdArgVariance, variance)
	args.SetBuffer(kernels.BwdArgDiffDst, diffDst)
	args.SetBuffer(kernels.BwdArgDiffSrc, diffSrc)
	args.SetScalar(kernels.BwdArgEps, conf.Epsilon)

	var ssArgs *compute.ArgList
	if conf.UseScaleShift {
		ss, err := bindArg(ctx, primitive.ArgScaleShift, conf.ScaleShift)
		if err != nil {
			return err
		}
		diffSS, err := bindArg(ctx, primitive.ArgDiffScaleShift, conf.DiffScaleShift)
		if err != nil {
			return err
		}
		args.SetBuffer(kernels.BwdArgScaleShift, ss)

		ssArgs = compute.NewArgList()
		ssArgs.SetBuffer(kernels.BwdSSArgSrc, src)
		ssArgs.SetBuffer(kernels.BwdSSArgMean, mean)
		ssArgs.SetBuffer(kernels.BwdSSArgVariance, variance)
		ssArgs.SetBuffer(kernels.BwdSSArgDiffDst, diffDst)
		ssArgs.SetBuffer(kernels.BwdSSArgDiffScaleShift, diffSS)
		ssArgs.SetScalar(kernels.BwdSSArgEps, conf.Epsilon)
	}

	if conf.NormAxis == 0 {
		return nil
	}
	maxWG := ctx.Engine().MaxWorkGroupSize()
	if conf.AcrossAxis > 0 {
		if err := ctx.Stream().ParallelFor(conf.Dispatch(maxWG), ks[0], args); err != nil {
			return err
		}
	}
	// with no rows the scale/shift gradient is still written, as zeros
	if ssArgs != nil {
		return ctx.Stream().ParallelFor(conf.DispatchScaleShift(maxWG), ks[1], ssArgs)
	}
	return nil
}
