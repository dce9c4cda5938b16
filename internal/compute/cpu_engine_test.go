package compute

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fxnlabs/lnorm/internal/dtype"
	"github.com/fxnlabs/lnorm/internal/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// scaleProgram writes args[0][i] * SCALE into args[1][i].
func scaleProgram(wi WorkItem, kctx *KernelCtx, args *ArgList) error {
	if err := args.Require(0, 1); err != nil {
		return err
	}
	in, out := args.Buffer(0), args.Buffer(1)
	out.Set(wi.GlobalID, in.At(wi.GlobalID)*float32(kctx.Int("SCALE")))
	return nil
}

func newTestEngine(t *testing.T, opts CPUEngineOptions) *CPUEngine {
	t.Helper()
	reg := NewRegistry()
	require.NoError(t, reg.Register("scale", scaleProgram))
	require.NoError(t, reg.Register("fail", func(wi WorkItem, _ *KernelCtx, _ *ArgList) error {
		if wi.GlobalID == 3 {
			return errors.New("boom")
		}
		return nil
	}))
	e := NewCPUEngine(reg, opts, zap.NewNop())
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestCPUEngine_DeviceInfo(t *testing.T) {
	e := newTestEngine(t, CPUEngineOptions{ComputeUnits: 3})
	info := e.DeviceInfo()
	assert.Contains(t, info.Name, "CPU")
	assert.Equal(t, KindCPU, info.Kind)
	assert.Equal(t, 3, info.ComputeUnits)
	assert.Equal(t, 256, info.MaxWorkGroupSize)
	assert.NotEmpty(t, info.RuntimeVersion)
}

func TestCPUEngine_Compile(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown program", func(t *testing.T) {
		e := newTestEngine(t, CPUEngineOptions{})
		_, err := e.Compile(ctx, "missing", NewKernelCtx())
		assert.ErrorIs(t, err, ErrCompile)
	})

	t.Run("cache returns the same binary", func(t *testing.T) {
		e := newTestEngine(t, CPUEngineOptions{ProgramCache: true})
		k := NewKernelCtx()
		k.DefineInt("SCALE", 2)
		b1, err := e.Compile(ctx, "scale", k)
		require.NoError(t, err)
		b2, err := e.Compile(ctx, "scale", k.Clone())
		require.NoError(t, err)
		assert.Same(t, b1, b2)
		assert.Equal(t, []string{"-DSCALE=2"}, b1.Options())
	})

	t.Run("without cache every compile is fresh", func(t *testing.T) {
		e := newTestEngine(t, CPUEngineOptions{})
		b1, err := e.Compile(ctx, "scale", NewKernelCtx())
		require.NoError(t, err)
		b2, err := e.Compile(ctx, "scale", NewKernelCtx())
		require.NoError(t, err)
		assert.NotSame(t, b1, b2)
		assert.Equal(t, b1.Key(), b2.Key())
	})

	t.Run("concurrent compiles share one binary", func(t *testing.T) {
		e := newTestEngine(t, CPUEngineOptions{ProgramCache: true})
		k := NewKernelCtx()
		k.DefineInt("SCALE", 7)

		const n = 32
		var wg sync.WaitGroup
		got := make([]*Binary, n)
		for i := range n {
			wg.Add(1)
			go func() {
				defer wg.Done()
				b, err := e.Compile(ctx, "scale", k)
				assert.NoError(t, err)
				got[i] = b
			}()
		}
		wg.Wait()
		for _, b := range got {
			assert.Same(t, got[0], b)
		}
	})

	t.Run("closed engine", func(t *testing.T) {
		e := newTestEngine(t, CPUEngineOptions{})
		require.NoError(t, e.Close())
		_, err := e.Compile(ctx, "scale", NewKernelCtx())
		assert.ErrorIs(t, err, ErrCompile)
		_, err = e.CreateKernel(&Binary{})
		assert.ErrorIs(t, err, ErrKernel)
	})

	t.Run("cancelled context", func(t *testing.T) {
		e := newTestEngine(t, CPUEngineOptions{})
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := e.Compile(cctx, "scale", NewKernelCtx())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStream_ParallelFor(t *testing.T) {
	ctx := context.Background()
	e := newTestEngine(t, CPUEngineOptions{MaxWorkGroupSize: 4, ComputeUnits: 2})

	k := NewKernelCtx()
	k.DefineInt("SCALE", 3)
	b, err := e.Compile(ctx, "scale", k)
	require.NoError(t, err)
	kernel, err := e.CreateKernel(b)
	require.NoError(t, err)
	assert.Equal(t, "scale", kernel.Name())

	in, err := memory.NewBuffer(memory.NewDenseDesc([]int{8}, dtype.F32))
	require.NoError(t, err)
	out, err := memory.NewBuffer(memory.NewDenseDesc([]int{8}, dtype.F32))
	require.NoError(t, err)
	require.NoError(t, in.Fill([]float32{1, 2, 3, 4, 5, 6, 7, 8}))

	args := NewArgList()
	args.SetBuffer(0, in)
	args.SetBuffer(1, out)

	s := NewStream(ctx, e)
	require.NoError(t, s.ParallelFor(NewNDRange(8, e.MaxWorkGroupSize()), kernel, args))
	require.NoError(t, s.Wait())
	assert.Equal(t, []float32{3, 6, 9, 12, 15, 18, 21, 24}, out.Float32s())

	t.Run("group size over the device limit", func(t *testing.T) {
		err := s.ParallelFor(NDRange{Global: 8, Local: 8}, kernel, args)
		assert.ErrorIs(t, err, ErrLaunch)
	})

	t.Run("unbound argument surfaces on wait", func(t *testing.T) {
		require.NoError(t, s.ParallelFor(NewNDRange(8, 4), kernel, NewArgList()))
		assert.ErrorIs(t, s.Wait(), ErrLaunch)
		// the stream is usable again after a failed wait
		require.NoError(t, s.ParallelFor(NewNDRange(8, 4), kernel, args))
		assert.NoError(t, s.Wait())
	})

	t.Run("program error surfaces on wait", func(t *testing.T) {
		fb, err := e.Compile(ctx, "fail", NewKernelCtx())
		require.NoError(t, err)
		fk, err := e.CreateKernel(fb)
		require.NoError(t, err)
		require.NoError(t, s.ParallelFor(NewNDRange(8, 4), fk, NewArgList()))
		err = s.Wait()
		assert.ErrorIs(t, err, ErrLaunch)
		assert.ErrorContains(t, err, "boom")
	})

	t.Run("closed stream", func(t *testing.T) {
		s2 := NewStream(ctx, e)
		require.NoError(t, s2.Close())
		assert.ErrorIs(t, s2.ParallelFor(NewNDRange(8, 4), kernel, args), ErrLaunch)
	})
}

func TestCPUKernel_VisitsEveryWorkItemOnce(t *testing.T) {
	reg := NewRegistry()
	var hits [100]atomic.Int32
	require.NoError(t, reg.Register("count", func(wi WorkItem, _ *KernelCtx, _ *ArgList) error {
		hits[wi.GlobalID].Add(1)
		return nil
	}))
	e := NewCPUEngine(reg, CPUEngineOptions{MaxWorkGroupSize: 8, ComputeUnits: 4}, nil)
	defer e.Close()

	b, err := e.Compile(context.Background(), "count", nil)
	require.NoError(t, err)
	k, err := e.CreateKernel(b)
	require.NoError(t, err)

	nd := NewNDRange(100, e.MaxWorkGroupSize())
	require.NoError(t, k.Run(context.Background(), nd, NewArgList()))
	for i := range hits {
		assert.Equal(t, int32(1), hits[i].Load(), "work-item %d", i)
	}
}

func TestManager(t *testing.T) {
	reg := NewRegistry()

	t.Run("cpu engines", func(t *testing.T) {
		m, err := NewManager(reg, ManagerOptions{Kind: "auto", Devices: 2}, zap.NewNop())
		require.NoError(t, err)
		defer m.Close()

		assert.Len(t, m.Engines(), 2)
		e1, err := m.Engine(1)
		require.NoError(t, err)
		got, ok := m.Lookup(e1.ID())
		require.True(t, ok)
		assert.Same(t, e1, got)

		e0, err := m.Engine(0)
		require.NoError(t, err)
		assert.NotEqual(t, e0.ID(), e1.ID())

		_, err = m.Engine(2)
		assert.Error(t, err)
		assert.Contains(t, m.DeviceInfo().Name, "CPU")
	})

	t.Run("unknown kind", func(t *testing.T) {
		_, err := NewManager(reg, ManagerOptions{Kind: "cuda"}, nil)
		assert.ErrorIs(t, err, ErrEngineUnavailable)
	})

	t.Run("close empties the manager", func(t *testing.T) {
		m, err := NewManager(reg, ManagerOptions{}, nil)
		require.NoError(t, err)
		require.NoError(t, m.Close())
		assert.Empty(t, m.Engines())
		assert.Equal(t, "No engine available", m.DeviceInfo().Name)
	})
}
