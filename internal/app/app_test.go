package app

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/config"
	"github.com/fxnlabs/lnorm/internal/dtype"
	"github.com/fxnlabs/lnorm/internal/lnorm"
	"github.com/fxnlabs/lnorm/internal/memory"
	"github.com/fxnlabs/lnorm/internal/primitive"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func newRunner(t *testing.T, cfg *config.Config) (*Runner, *primitive.ResourceMapper) {
	t.Helper()
	var runner *Runner
	var mapper *primitive.ResourceMapper
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(func() *zap.Logger { return zaptest.NewLogger(t) }),
		Module,
		fx.Populate(&runner, &mapper),
	)
	app.RequireStart()
	t.Cleanup(app.RequireStop)
	return runner, mapper
}

func TestRunner_Forward(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.MaxWorkGroupSize = 16
	runner, _ := newRunner(t, cfg)
	ctx := context.Background()

	tests := []struct {
		name string
		opts RunOptions
	}{
		{"f32 inference", RunOptions{Shape: []int{8, 32}, DataType: dtype.F32, Seed: 1}},
		{"f32 training", RunOptions{Shape: []int{4, 3, 16}, DataType: dtype.F32, Training: true, Seed: 2}},
		{"f32 global stats with scale/shift", RunOptions{Shape: []int{6, 10}, DataType: dtype.F32, GlobalStats: true, ScaleShift: true, Seed: 3}},
		{"bf16 training with scale/shift", RunOptions{Shape: []int{5, 64}, DataType: dtype.BF16, Training: true, ScaleShift: true, Seed: 4}},
		{"f16 inference", RunOptions{Shape: []int{2, 2, 8}, DataType: dtype.F16, Seed: 5}},
		{"empty", RunOptions{Shape: []int{0, 8}, DataType: dtype.F32, Training: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := runner.Forward(ctx, tt.opts)
			require.NoError(t, err)
			assert.True(t, rep.Passed, "max abs error %g above %g", rep.MaxAbsError, rep.Tolerance)
			assert.Equal(t, []string{"ref_lnorm_fwd"}, rep.Kernels)
			assert.Equal(t, tt.opts.DataType.String(), rep.DataType)
			assert.NotEmpty(t, rep.BuildOptions)
			assert.NotEmpty(t, rep.ID)
		})
	}

	t.Run("f16 training is unimplemented", func(t *testing.T) {
		_, err := runner.Forward(ctx, RunOptions{Shape: []int{2, 4}, DataType: dtype.F16, Training: true})
		assert.Equal(t, primitive.Unimplemented, primitive.StatusOf(err))
	})

	t.Run("bad shape", func(t *testing.T) {
		_, err := runner.Forward(ctx, RunOptions{Shape: []int{4}, DataType: dtype.F32})
		assert.Equal(t, primitive.InvalidArguments, primitive.StatusOf(err))
	})

	t.Run("unknown device", func(t *testing.T) {
		_, err := runner.Forward(ctx, RunOptions{Shape: []int{2, 4}, DataType: dtype.F32, Device: 3})
		assert.Error(t, err)
	})
}

func TestRunner_Backward(t *testing.T) {
	runner, mapper := newRunner(t, config.Default())
	ctx := context.Background()

	tests := []struct {
		name    string
		opts    RunOptions
		kernels []string
	}{
		{"f32", RunOptions{Shape: []int{7, 24}, DataType: dtype.F32, Seed: 1}, []string{"ref_lnorm_bwd"}},
		{"f32 with scale/shift", RunOptions{Shape: []int{3, 4, 12}, DataType: dtype.F32, ScaleShift: true, Seed: 2},
			[]string{"ref_lnorm_bwd", "ref_lnorm_bwd_scaleshift"}},
		{"f32 global stats", RunOptions{Shape: []int{5, 9}, DataType: dtype.F32, GlobalStats: true, Seed: 3}, []string{"ref_lnorm_bwd"}},
		{"bf16 with scale/shift", RunOptions{Shape: []int{4, 32}, DataType: dtype.BF16, ScaleShift: true, Seed: 4},
			[]string{"ref_lnorm_bwd", "ref_lnorm_bwd_scaleshift"}},
		{"no rows with scale/shift", RunOptions{Shape: []int{0, 6}, DataType: dtype.F32, ScaleShift: true},
			[]string{"ref_lnorm_bwd", "ref_lnorm_bwd_scaleshift"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rep, err := runner.Backward(ctx, tt.opts)
			require.NoError(t, err)
			assert.True(t, rep.Passed, "max abs error %g above %g", rep.MaxAbsError, rep.Tolerance)
			assert.Equal(t, tt.kernels, rep.Kernels)
			assert.Equal(t, "backward", rep.PropKind)
		})
	}
	assert.Equal(t, len(tests), mapper.Len(), "one resource per primitive")

	t.Run("f16 is unimplemented", func(t *testing.T) {
		_, err := runner.Backward(ctx, RunOptions{Shape: []int{2, 4}, DataType: dtype.F16})
		assert.ErrorIs(t, err, primitive.ErrUnimplemented)
	})
}

func TestRunner_Limits(t *testing.T) {
	t.Run("resource limit", func(t *testing.T) {
		cfg := config.Default()
		cfg.Engine.MaxResources = 1
		runner, _ := newRunner(t, cfg)
		_, err := runner.Forward(context.Background(), RunOptions{Shape: []int{2, 4}, DataType: dtype.F32})
		require.NoError(t, err)
		_, err = runner.Forward(context.Background(), RunOptions{Shape: []int{2, 4}, DataType: dtype.F32})
		assert.Equal(t, primitive.OutOfMemory, primitive.StatusOf(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		cfg := config.Default()
		cfg.Engine.LaunchTimeout = time.Minute
		runner, _ := newRunner(t, cfg)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := runner.Forward(ctx, RunOptions{Shape: []int{2, 4}, DataType: dtype.F32})
		assert.Error(t, err)
	})
}

func TestModule(t *testing.T) {
	cfg := config.Default()
	cfg.Engine.Devices = 2
	var manager *compute.Manager
	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(zap.NewNop),
		Module,
		fx.Populate(&manager),
	)
	app.RequireStart()
	assert.Len(t, manager.Engines(), 2)
	assert.Equal(t, compute.KindCPU, manager.DeviceInfo().Kind)
	app.RequireStop()
	assert.Empty(t, manager.Engines(), "engines are closed on stop")

	t.Run("unknown engine kind", func(t *testing.T) {
		cfg := config.Default()
		cfg.Engine.Kind = "cuda"
		app := fx.New(fx.Supply(cfg), fx.Provide(zap.NewNop), Module, fx.Invoke(func(*Runner) {}), fx.NopLogger)
		require.Error(t, app.Err())
		assert.Contains(t, app.Err().Error(), compute.ErrEngineUnavailable.Error())
	})
}

func TestSnapshot(t *testing.T) {
	runner, _ := newRunner(t, config.Default())
	_, err := runner.Forward(context.Background(), RunOptions{Shape: []int{2, 4}, DataType: dtype.F32})
	require.NoError(t, err)

	snap := Snapshot()
	assert.Positive(t, snap["lnorm_kernel_launches_total"])
	assert.Positive(t, snap["lnorm_resources_created_total"])
	assert.Contains(t, snap, "lnorm_kernel_launch_duration_ms")
}

func TestTolerance(t *testing.T) {
	assert.Less(t, Tolerance(dtype.F32), Tolerance(dtype.F16))
	assert.Less(t, Tolerance(dtype.F16), Tolerance(dtype.BF16))
}

func TestRandomBuffer(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	mi := lnorm.MemoryInfo{Dims: []int{3, 5}, Strides: memory.DenseStrides([]int{3, 5}), DataType: dtype.F32}
	b, err := randomBuffer(rng, mi, -2, 3)
	require.NoError(t, err)
	values := b.Float32s()
	require.Len(t, values, 15)
	for _, v := range values {
		assert.GreaterOrEqual(t, v, float32(-2))
		assert.Less(t, v, float32(3))
	}
}
