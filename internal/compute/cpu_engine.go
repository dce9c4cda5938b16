package compute

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxnlabs/lnorm/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/sys/cpu"
)

const (
	// KindCPU is the reference engine that runs programs on host goroutines.
	KindCPU = "cpu"

	defaultMaxWorkGroupSize = 256
)

// CPUEngineOptions configures a CPUEngine.
type CPUEngineOptions struct {
	// MaxWorkGroupSize is the largest NDRange.Local accepted. 0 means 256.
	MaxWorkGroupSize int
	// ComputeUnits is how many work-groups run in parallel. 0 means GOMAXPROCS.
	ComputeUnits int
	// ProgramCache reuses binaries built from identical (name, options).
	ProgramCache bool
}

// CPUEngine executes registered programs on the host. Work-groups are spread
// over ComputeUnits goroutines; work-items inside a group run in order.
type CPUEngine struct {
	id       uuid.UUID
	logger   *zap.Logger
	registry *Registry
	opts     CPUEngineOptions

	mu       sync.RWMutex
	binaries map[string]*Binary
	inflight singleflight.Group

	closed atomic.Bool
}

// NewCPUEngine creates a CPU engine compiling from reg.
func NewCPUEngine(reg *Registry, opts CPUEngineOptions, logger *zap.Logger) *CPUEngine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxWorkGroupSize <= 0 {
		opts.MaxWorkGroupSize = defaultMaxWorkGroupSize
	}
	if opts.ComputeUnits <= 0 {
		opts.ComputeUnits = runtime.GOMAXPROCS(0)
	}
	id := uuid.New()
	return &CPUEngine{
		id:       id,
		logger:   logger.Named("engine").With(zap.String("engine_id", id.String())),
		registry: reg,
		opts:     opts,
		binaries: make(map[string]*Binary),
	}
}

func (e *CPUEngine) ID() uuid.UUID { return e.id }

func (e *CPUEngine) Kind() string { return KindCPU }

func (e *CPUEngine) MaxWorkGroupSize() int { return e.opts.MaxWorkGroupSize }

// DeviceInfo reports the host CPU.
func (e *CPUEngine) DeviceInfo() DeviceInfo {
	return DeviceInfo{
		Name:             fmt.Sprintf("CPU (%s)", runtime.GOARCH),
		Kind:             KindCPU,
		ComputeUnits:     e.opts.ComputeUnits,
		MaxWorkGroupSize: e.opts.MaxWorkGroupSize,
		Features:         cpuFeatures(),
		RuntimeVersion:   runtime.Version(),
	}
}

// Compile looks the program up in the registry and binds it to a snapshot of
// kctx. With the program cache on, concurrent and repeated compiles of the
// same options return the same binary.
func (e *CPUEngine) Compile(ctx context.Context, name string, kctx *KernelCtx) (*Binary, error) {
	if e.closed.Load() {
		return nil, fmt.Errorf("%w: engine closed", ErrCompile)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompile, err)
	}
	if kctx == nil {
		kctx = NewKernelCtx()
	}
	key := name + "/" + kctx.Key()
	if !e.opts.ProgramCache {
		return e.build(name, key, kctx)
	}

	e.mu.RLock()
	b, ok := e.binaries[key]
	e.mu.RUnlock()
	if ok {
		metrics.ProgramCacheHits.WithLabelValues(name).Inc()
		e.logger.Debug("program cache hit", zap.String("kernel", name), zap.String("key", key))
		return b, nil
	}

	v, err, _ := e.inflight.Do(key, func() (interface{}, error) {
		b, err := e.build(name, key, kctx)
		if err != nil {
			return nil, err
		}
		e.mu.Lock()
		e.binaries[key] = b
		e.mu.Unlock()
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Binary), nil
}

func (e *CPUEngine) build(name, key string, kctx *KernelCtx) (*Binary, error) {
	program, ok := e.registry.Lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: no program named %q", ErrCompile, name)
	}
	metrics.BinariesCompiled.WithLabelValues(name).Inc()
	e.logger.Debug("compiled program",
		zap.String("kernel", name),
		zap.String("key", key),
		zap.Strings("options", kctx.Options()))
	return &Binary{name: name, key: key, kctx: kctx.Clone(), program: program}, nil
}

// CreateKernel binds b to this engine.
func (e *CPUEngine) CreateKernel(b *Binary) (Kernel, error) {
	if b == nil {
		return nil, fmt.Errorf("%w: nil binary", ErrKernel)
	}
	if e.closed.Load() {
		return nil, fmt.Errorf("%w: engine closed", ErrKernel)
	}
	return &cpuKernel{engine: e, binary: b}, nil
}

// Close stops accepting work. Calling Close multiple times is safe.
func (e *CPUEngine) Close() error {
	if e.closed.CompareAndSwap(false, true) {
		e.logger.Debug("engine closed")
	}
	return nil
}

type cpuKernel struct {
	engine *CPUEngine
	binary *Binary
}

func (k *cpuKernel) Name() string { return k.binary.name }

func (k *cpuKernel) Binary() *Binary { return k.binary }

func (k *cpuKernel) Run(ctx context.Context, nd NDRange, args *ArgList) error {
	if k.engine.closed.Load() {
		return fmt.Errorf("engine closed")
	}
	start := time.Now()
	defer func() {
		metrics.KernelLaunches.WithLabelValues(k.binary.name).Inc()
		metrics.KernelLaunchDuration.Observe(float64(time.Since(start).Microseconds()) / 1000)
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(k.engine.opts.ComputeUnits)
	for group := range nd.Groups() {
		g.Go(func() error {
			for local := range nd.Local {
				if err := gctx.Err(); err != nil {
					return err
				}
				wi := WorkItem{GlobalID: group*nd.Local + local, GroupID: group, LocalID: local}
				if err := k.binary.program(wi, k.binary.kctx, args); err != nil {
					return fmt.Errorf("work-item %d: %w", wi.GlobalID, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func cpuFeatures() string {
	var feats []string
	add := func(ok bool, name string) {
		if ok {
			feats = append(feats, name)
		}
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		add(cpu.X86.HasSSE41, "sse4.1")
		add(cpu.X86.HasAVX, "avx")
		add(cpu.X86.HasAVX2, "avx2")
		add(cpu.X86.HasFMA, "fma")
		add(cpu.X86.HasAVX512F, "avx512f")
	case "arm64":
		add(cpu.ARM64.HasASIMD, "asimd")
		add(cpu.ARM64.HasFPHP, "fphp")
		add(cpu.ARM64.HasSVE, "sve")
	}
	return strings.Join(feats, ",")
}
