package app

import (
	"context"
	"fmt"
	"math/rand/v2"
	"slices"
	"time"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/config"
	"github.com/fxnlabs/lnorm/internal/dtype"
	"github.com/fxnlabs/lnorm/internal/lnorm"
	"github.com/fxnlabs/lnorm/internal/memory"
	"github.com/fxnlabs/lnorm/internal/primitive"
	"github.com/fxnlabs/lnorm/internal/refcheck"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// RunOptions describes one layer normalization run on random data.
type RunOptions struct {
	Shape       []int
	DataType    dtype.DataType
	Training    bool
	ScaleShift  bool
	GlobalStats bool
	// Epsilon of 0 uses the configured value.
	Epsilon float32
	Seed    uint64
	// Device indexes the manager's engines.
	Device int
}

// Report is the outcome of a run checked against the host reference.
type Report struct {
	ID           string             `json:"id"`
	Primitive    string             `json:"primitive"`
	PropKind     string             `json:"propKind"`
	Shape        []int              `json:"shape"`
	DataType     string             `json:"dataType"`
	Engine       string             `json:"engine"`
	Kernels      []string           `json:"kernels"`
	BuildOptions []string           `json:"buildOptions"`
	Dispatch     string             `json:"dispatch"`
	ElapsedMs    float64            `json:"elapsedMs"`
	MaxAbsError  float64            `json:"maxAbsError"`
	Tolerance    float64            `json:"tolerance"`
	Passed       bool               `json:"passed"`
	Metrics      map[string]float64 `json:"metrics,omitempty"`
}

// Runner drives the full descriptor to execution lifecycle.
type Runner struct {
	cfg     *config.Config
	manager *compute.Manager
	mapper  *primitive.ResourceMapper
	logger  *zap.Logger
}

func NewRunner(cfg *config.Config, manager *compute.Manager, mapper *primitive.ResourceMapper, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, manager: manager, mapper: mapper, logger: logger.Named("runner")}
}

// DeviceInfo describes the engines the runner launches on.
func (r *Runner) DeviceInfo() compute.DeviceInfo { return r.manager.DeviceInfo() }

func (r *Runner) desc(opts RunOptions, pk primitive.PropKind) lnorm.Desc {
	d := lnorm.Desc{
		PropKind: pk,
		Src:      memory.NewDesc(opts.Shape, opts.DataType),
		Epsilon:  opts.Epsilon,
	}
	if d.Epsilon == 0 {
		d.Epsilon = r.cfg.Lnorm.Epsilon
	}
	if opts.GlobalStats {
		d.Flags |= lnorm.UseGlobalStats
	}
	if opts.ScaleShift {
		d.Flags |= lnorm.UseScaleShift
	}
	return d
}

// Forward normalizes random data and compares the result, and the saved
// statistics when training, with the host reference.
func (r *Runner) Forward(ctx context.Context, opts RunOptions) (*Report, error) {
	e, err := r.manager.Engine(opts.Device)
	if err != nil {
		return nil, err
	}
	pk := primitive.ForwardInference
	if opts.Training {
		pk = primitive.ForwardTraining
	}
	pd := lnorm.NewFwdDesc(r.desc(opts, pk), nil, r.logger)
	if err := pd.Init(e); err != nil {
		return nil, err
	}
	p, err := pd.CreatePrimitive(ctx, e)
	if err != nil {
		return nil, err
	}
	conf, _ := pd.Conf()
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	bufs := map[primitive.Arg]*memory.Buffer{}
	src, err := randomBuffer(rng, conf.Src, -2, 2)
	if err != nil {
		return nil, err
	}
	bufs[primitive.ArgSrc] = src
	if bufs[primitive.ArgDst], err = newBuffer(conf.Dst); err != nil {
		return nil, err
	}
	if !conf.CalculateStats || conf.SaveStats {
		// saved statistics start at zero, global ones are drawn near N(0, 1)
		meanLo, meanHi, varLo, varHi := float32(0), float32(0), float32(0), float32(0)
		if !conf.CalculateStats {
			meanLo, meanHi, varLo, varHi = -0.5, 0.5, 0.5, 1.5
		}
		if bufs[primitive.ArgMean], err = randomBuffer(rng, conf.Stat, meanLo, meanHi); err != nil {
			return nil, err
		}
		if bufs[primitive.ArgVariance], err = randomBuffer(rng, conf.Stat, varLo, varHi); err != nil {
			return nil, err
		}
	}
	var scale, shift []float64
	if conf.UseScaleShift {
		ss, err := randomBuffer(rng, conf.ScaleShift, -1, 1)
		if err != nil {
			return nil, err
		}
		bufs[primitive.ArgScaleShift] = ss
		scale, shift = splitScaleShift(ss, conf.NormAxis)
	}

	elapsed, err := r.execute(ctx, p, e, bufs)
	if err != nil {
		return nil, err
	}

	var mean, variance []float64
	if !conf.CalculateStats {
		mean = refcheck.Float32ToFloat64(bufs[primitive.ArgMean].Float32s())
		variance = refcheck.Float32ToFloat64(bufs[primitive.ArgVariance].Float32s())
	}
	srcRows := refcheck.Rows(src.Float32s(), conf.NormAxis)
	want, wantMean, wantVar := refcheck.Forward(srcRows, scale, shift, mean, variance, float64(conf.Epsilon))
	maxErr := refcheck.MaxAbsDiff(want, refcheck.Rows(bufs[primitive.ArgDst].Float32s(), conf.NormAxis))
	if conf.SaveStats {
		maxErr = max(maxErr,
			refcheck.MaxAbsDiffVec(wantMean, refcheck.Float32ToFloat64(bufs[primitive.ArgMean].Float32s())),
			refcheck.MaxAbsDiffVec(wantVar, refcheck.Float32ToFloat64(bufs[primitive.ArgVariance].Float32s())))
	}

	kctx, err := pd.KernelCtx()
	if err != nil {
		return nil, err
	}
	rep := r.report(opts, pk, e, kctx, conf.Dispatch(e.MaxWorkGroupSize()), elapsed, maxErr, conf.Dst.DataType, p.(*lnorm.Forward).Binary())
	return rep, nil
}

// Backward computes gradients for random data and compares them with the
// host reference.
func (r *Runner) Backward(ctx context.Context, opts RunOptions) (*Report, error) {
	e, err := r.manager.Engine(opts.Device)
	if err != nil {
		return nil, err
	}
	pd := lnorm.NewBwdDesc(r.desc(opts, primitive.Backward), nil, r.logger)
	if err := pd.Init(e); err != nil {
		return nil, err
	}
	p, err := pd.CreatePrimitive(ctx, e)
	if err != nil {
		return nil, err
	}
	conf, _ := pd.Conf()
	rng := rand.New(rand.NewPCG(opts.Seed, opts.Seed^0x9e3779b97f4a7c15))

	bufs := map[primitive.Arg]*memory.Buffer{}
	src, err := randomBuffer(rng, conf.Src, -2, 2)
	if err != nil {
		return nil, err
	}
	diffDst, err := randomBuffer(rng, conf.DiffDst, -1, 1)
	if err != nil {
		return nil, err
	}
	bufs[primitive.ArgSrc], bufs[primitive.ArgDiffDst] = src, diffDst
	if bufs[primitive.ArgDiffSrc], err = newBuffer(conf.DiffSrc); err != nil {
		return nil, err
	}

	srcRows := refcheck.Rows(src.Float32s(), conf.NormAxis)
	ddRows := refcheck.Rows(diffDst.Float32s(), conf.NormAxis)
	_, mean, variance := refcheck.Forward(srcRows, nil, nil, nil, nil, 0)
	if bufs[primitive.ArgMean], err = filledBuffer(conf.Stat, mean); err != nil {
		return nil, err
	}
	if bufs[primitive.ArgVariance], err = filledBuffer(conf.Stat, variance); err != nil {
		return nil, err
	}

	var scale []float64
	if conf.UseScaleShift {
		ss, err := randomBuffer(rng, conf.ScaleShift, -1, 1)
		if err != nil {
			return nil, err
		}
		bufs[primitive.ArgScaleShift] = ss
		scale, _ = splitScaleShift(ss, conf.NormAxis)
		if bufs[primitive.ArgDiffScaleShift], err = newBuffer(conf.DiffScaleShift); err != nil {
			return nil, err
		}
	}

	elapsed, err := r.execute(ctx, p, e, bufs)
	if err != nil {
		return nil, err
	}

	// the kernels read the statistics back at f32 precision
	mean = refcheck.Float32ToFloat64(bufs[primitive.ArgMean].Float32s())
	variance = refcheck.Float32ToFloat64(bufs[primitive.ArgVariance].Float32s())
	wantDS, wantScale, wantShift := refcheck.Backward(srcRows, ddRows, mean, variance, scale, float64(conf.Epsilon), !conf.CalculateStats)
	maxErr := refcheck.MaxAbsDiff(wantDS, refcheck.Rows(bufs[primitive.ArgDiffSrc].Float32s(), conf.NormAxis))
	if conf.UseScaleShift && conf.NormAxis > 0 {
		gotScale, gotShift := splitScaleShift(bufs[primitive.ArgDiffScaleShift], conf.NormAxis)
		if wantScale == nil {
			wantScale, wantShift = make([]float64, conf.NormAxis), make([]float64, conf.NormAxis)
		}
		maxErr = max(maxErr, refcheck.MaxAbsDiffVec(wantScale, gotScale), refcheck.MaxAbsDiffVec(wantShift, gotShift))
	}

	kctx, err := pd.KernelCtx()
	if err != nil {
		return nil, err
	}
	rep := r.report(opts, primitive.Backward, e, kctx, conf.Dispatch(e.MaxWorkGroupSize()), elapsed, maxErr, conf.DiffSrc.DataType,
		p.(*lnorm.Backward).Binaries()...)
	return rep, nil
}

// execute submits p on a fresh stream and waits at most the configured
// launch timeout.
func (r *Runner) execute(ctx context.Context, p primitive.Primitive, e compute.Engine, bufs map[primitive.Arg]*memory.Buffer) (time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Engine.LaunchTimeout)
	defer cancel()

	s := compute.NewStream(ctx, e)
	defer s.Close()
	ectx := primitive.NewExecContext(s, r.mapper)
	for a, b := range bufs {
		ectx.SetArg(a, b)
	}

	start := time.Now()
	if err := p.Execute(ectx); err != nil {
		return 0, err
	}
	if err := s.Wait(); err != nil {
		return 0, fmt.Errorf("%w: %w", primitive.ErrExecution, err)
	}
	elapsed := time.Since(start)
	r.logger.Debug("executed", zap.Duration("elapsed", elapsed), zap.String("engine_id", e.ID().String()))
	return elapsed, nil
}

func (r *Runner) report(opts RunOptions, pk primitive.PropKind, e compute.Engine, kctx *compute.KernelCtx, nd compute.NDRange,
	elapsed time.Duration, maxErr float64, out dtype.DataType, binaries ...*compute.Binary) *Report {
	tol := Tolerance(out)
	return &Report{
		ID:           uuid.NewString(),
		Primitive:    lnorm.ImplName,
		PropKind:     pk.String(),
		Shape:        slices.Clone(opts.Shape),
		DataType:     opts.DataType.String(),
		Engine:       e.ID().String(),
		Kernels:      lo.Map(binaries, func(b *compute.Binary, _ int) string { return b.Name() }),
		BuildOptions: kctx.Options(),
		Dispatch:     nd.String(),
		ElapsedMs:    float64(elapsed.Microseconds()) / 1000,
		MaxAbsError:  maxErr,
		Tolerance:    tol,
		Passed:       maxErr <= tol,
		Metrics:      Snapshot(),
	}
}

// Tolerance is the largest acceptable distance from the host reference for
// outputs of type dt.
func Tolerance(dt dtype.DataType) float64 {
	switch dt {
	case dtype.BF16:
		return 5e-2
	case dtype.F16:
		return 1e-2
	default:
		return 1e-4
	}
}

func newBuffer(mi lnorm.MemoryInfo) (*memory.Buffer, error) {
	return memory.NewBuffer(memory.NewStridedDesc(mi.Dims, mi.Strides, mi.DataType))
}

func randomBuffer(rng *rand.Rand, mi lnorm.MemoryInfo, minV, maxV float32) (*memory.Buffer, error) {
	b, err := newBuffer(mi)
	if err != nil {
		return nil, err
	}
	values := make([]float32, b.Desc().Nelems())
	for i := range values {
		values[i] = minV + rng.Float32()*(maxV-minV)
	}
	return b, b.Fill(values)
}

func filledBuffer(mi lnorm.MemoryInfo, values []float64) (*memory.Buffer, error) {
	b, err := newBuffer(mi)
	if err != nil {
		return nil, err
	}
	return b, b.Fill(refcheck.Float64MatrixToFloat32([][]float64{values}))
}

// splitScaleShift reads a {2, c} buffer as its scale and shift rows.
func splitScaleShift(b *memory.Buffer, c int) (scale, shift []float64) {
	v := refcheck.Float32ToFloat64(b.Float32s())
	return v[:c], v[c:]
}
