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

// FwdDesc validates a forward layer normalization request.
type FwdDesc struct {
	desc   Desc
	attr   *primitive.Attr
	logger *zap.Logger

	// set by a successful Init
	resolved *resolved
	conf     *Conf
	kctx     *compute.KernelCtx
}

var _ primitive.Descriptor = (*FwdDesc)(nil)

// NewFwdDesc wraps a request. attr may be nil.
func NewFwdDesc(d Desc, attr *primitive.Attr, logger *zap.Logger) *FwdDesc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FwdDesc{desc: d, attr: attr, logger: logger}
}

func (pd *FwdDesc) Name() string { return ImplName }

func (pd *FwdDesc) PropKind() primitive.PropKind { return pd.desc.PropKind }

// Init checks the request is supported and derives the configuration:
// f32, bf16 or f16 data with matching source and destination types, no f16
// training, f32 statistics and f32 scale/shift, default attributes and
// plain layouts.
func (pd *FwdDesc) Init(e compute.Engine) error {
	if pd.conf != nil {
		return nil
	}
	if !pd.desc.PropKind.IsFwd() {
		return fmt.Errorf("%w: %s is not a forward propagation", primitive.ErrUnimplemented, pd.desc.PropKind)
	}
	r, err := pd.desc.withDefaults()
	if err != nil {
		return err
	}

	srcDT, dstDT := r.Src.DataType, r.Dst.DataType
	switch {
	case !everyoneIs(dtype.F32, srcDT, dstDT) && !everyoneIs(dtype.BF16, srcDT, dstDT) && !everyoneIs(dtype.F16, srcDT, dstDT):
		return fmt.Errorf("%w: source %s with destination %s", primitive.ErrUnimplemented, srcDT, dstDT)
	case srcDT == dtype.F16 && r.PropKind.IsTraining():
		return fmt.Errorf("%w: f16 training", primitive.ErrUnimplemented)
	case r.Stat.DataType != dtype.F32:
		return fmt.Errorf("%w: %s statistics", primitive.ErrUnimplemented, r.Stat.DataType)
	case r.Flags.Has(UseScaleShift) && r.ScaleShift.DataType != dtype.F32:
		return fmt.Errorf("%w: %s scale/shift", primitive.ErrUnimplemented, r.ScaleShift.DataType)
	case !pd.attr.HasDefaultValues():
		return fmt.Errorf("%w: non-default attributes", primitive.ErrUnimplemented)
	}
	if err := r.setDefaultFormats(); err != nil {
		return err
	}

	conf := initConf(&r)
	pd.resolved, pd.conf, pd.kctx = &r, conf, initKernelCtx(conf)
	return nil
}

// Conf returns the derived configuration. ok is false before Init succeeds.
func (pd *FwdDesc) Conf() (conf Conf, ok bool) {
	if pd.conf == nil {
		return Conf{}, false
	}
	return *pd.conf, true
}

// KernelCtx returns a copy of the build context.
func (pd *FwdDesc) KernelCtx() (*compute.KernelCtx, error) {
	if pd.kctx == nil {
		return nil, fmt.Errorf("%w: %s descriptor is not initialized", primitive.ErrRuntime, ImplName)
	}
	return pd.kctx.Clone(), nil
}

// Desc returns the request with defaults and layouts resolved, or the
// original request before Init.
func (pd *FwdDesc) Desc() Desc {
	if pd.resolved != nil {
		return pd.resolved.Desc
	}
	return pd.desc
}

// CreatePrimitive builds and compiles a Forward.
func (pd *FwdDesc) CreatePrimitive(ctx context.Context, e compute.Engine) (primitive.Primitive, error) {
	p := NewForward(pd, pd.logger)
	if err := p.Init(ctx, e); err != nil {
		return nil, err
	}
	return p, nil
}

// Forward is the forward layer normalization primitive.
type Forward struct {
	pd     *FwdDesc
	logger *zap.Logger

	binary *compute.Binary
}

var _ primitive.Primitive = (*Forward)(nil)

func NewForward(pd *FwdDesc, logger *zap.Logger) *Forward {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Forward{pd: pd, logger: logger.Named("lnorm_fwd")}
}

// Init compiles ref_lnorm_fwd for the descriptor's configuration.
func (p *Forward) Init(ctx context.Context, e compute.Engine) error {
	kctx, err := p.pd.KernelCtx()
	if err != nil {
		return err
	}
	b, err := compileBinary(ctx, e, kernels.LnormFwd, kctx)
	if err != nil {
		return err
	}
	p.binary = b
	p.logger.Debug("initialized", zap.String("binary", b.Key()))
	return nil
}

// Binary returns the compiled program, nil before Init.
func (p *Forward) Binary() *compute.Binary { return p.binary }

// CreateResource binds the binary on e once and caches it in m.
func (p *Forward) CreateResource(e compute.Engine, m *primitive.ResourceMapper) error {
	if p.binary == nil {
		return fmt.Errorf("%w: %s primitive is not initialized", primitive.ErrRuntime, ImplName)
	}
	_, _, err := m.GetOrCreate(p, e, func() (primitive.Resource, error) {
		r := primitive.NewKernelResource()
		if err := r.CreateKernelAndAdd(e, p.binary); err != nil {
			return nil, err
		}
		return r, nil
	})
	return err
}

// Execute submits the forward kernel. It returns once the launch is queued;
// device errors are reported by the stream.
func (p *Forward) Execute(ctx *primitive.ExecContext) error {
	return p.executeForward(ctx)
}

func (p *Forward) executeForward(ctx *primitive.ExecContext) error {
	conf := p.pd.conf
	kernel, err := lookupKernels(p, ctx, p.binary)
	if err != nil {
		return err
	}

	src, err := bindArg(ctx, primitive.ArgSrc, conf.Src)
	if err != nil {
		return err
	}
	dst, err := bindArg(ctx, primitive.ArgDst, conf.Dst)
	if err != nil {
		return err
	}
	args := compute.NewArgList()
	args.SetBuffer(kernels.FwdArgSrc, src)
	args.SetBuffer(kernels.FwdArgDst, dst)
	args.SetScalar(kernels.FwdArgEps, conf.Epsilon)

	if !conf.CalculateStats || conf.SaveStats {
		mean, err := bindArg(ctx, primitive.ArgMean, conf.Stat)
		if err != nil {
			return err
		}
		variance, err := bindArg(ctx, primitive.ArgVariance, conf.Stat)
		if err != nil {
			return err
		}
		args.SetBuffer(kernels.FwdArgMean, mean)
		args.SetBuffer(kernels.FwdArgVariance, variance)
	}
	if conf.UseScaleShift {
		ss, err := bindArg(ctx, primitive.ArgScaleShift, conf.ScaleShift)
		if err != nil {
			return err
		}
		args.SetBuffer(kernels.FwdArgScaleShift, ss)
	}

	if conf.Empty() {
		return nil
	}
	return ctx.Stream().ParallelFor(conf.Dispatch(ctx.Engine().MaxWorkGroupSize()), kernel[0], args)
}

func everyoneIs(want dtype.DataType, dts ...dtype.DataType) bool {
	for _, dt := range dts {
		if dt != want {
			return false
		}
	}
	return true
}
