package lnorm

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/kernels"
	"github.com/fxnlabs/lnorm/internal/memory"
	"github.com/fxnlabs/lnorm/internal/primitive"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newCPUEngine(t *testing.T) *compute.CPUEngine {
	t.Helper()
	return newCPUEngineWithLimit(t, 4)
}

func newCPUEngineWithLimit(t *testing.T, maxWorkGroupSize int) *compute.CPUEngine {
	t.Helper()
	reg := compute.NewRegistry()
	require.NoError(t, kernels.Register(reg))
	opts := compute.CPUEngineOptions{MaxWorkGroupSize: maxWorkGroupSize, ComputeUnits: 2, ProgramCache: true}
	e := compute.NewCPUEngine(reg, opts, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = e.Close() })
	return e
}

// countingEngine counts kernels bound on the wrapped engine.
type countingEngine struct {
	compute.Engine
	kernels atomic.Int32
}

func (e *countingEngine) CreateKernel(b *compute.Binary) (compute.Kernel, error) {
	e.kernels.Add(1)
	return e.Engine.CreateKernel(b)
}

type mockEngine struct {
	mock.Mock
	id uuid.UUID
}

func newMockEngine() *mockEngine { return &mockEngine{id: uuid.New()} }

func (m *mockEngine) ID() uuid.UUID { return m.id }

func (m *mockEngine) Kind() string { return "mock" }

func (m *mockEngine) DeviceInfo() compute.DeviceInfo { return compute.DeviceInfo{Name: "mock"} }

func (m *mockEngine) MaxWorkGroupSize() int { return 8 }

func (m *mockEngine) Compile(ctx context.Context, name string, kctx *compute.KernelCtx) (*compute.Binary, error) {
	args := m.Called(ctx, name, kctx)
	b, _ := args.Get(0).(*compute.Binary)
	return b, args.Error(1)
}

func (m *mockEngine) CreateKernel(b *compute.Binary) (compute.Kernel, error) {
	args := m.Called(b)
	k, _ := args.Get(0).(compute.Kernel)
	return k, args.Error(1)
}

func (m *mockEngine) Close() error { return nil }

// buffer allocates storage with the layout of mi and fills it in logical
// order. values may be nil.
func buffer(t *testing.T, mi MemoryInfo, values []float32) *memory.Buffer {
	t.Helper()
	b, err := memory.NewBuffer(memory.NewStridedDesc(mi.Dims, mi.Strides, mi.DataType))
	require.NoError(t, err)
	if values != nil {
		require.NoError(t, b.Fill(values))
	}
	return b
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// execute runs p once on a fresh stream and waits for it.
func execute(t *testing.T, p primitive.Primitive, e compute.Engine, m *primitive.ResourceMapper, args map[primitive.Arg]*memory.Buffer) error {
	t.Helper()
	s := compute.NewStream(context.Background(), e)
	defer s.Close()
	ctx := primitive.NewExecContext(s, m)
	for a, b := range args {
		ctx.SetArg(a, b)
	}
	if err := p.Execute(ctx); err != nil {
		return err
	}
	return s.Wait()
}

func fwdPrimitive(t *testing.T, e compute.Engine, d Desc) (*Forward, Conf) {
	t.Helper()
	pd := NewFwdDesc(d, nil, zaptest.NewLogger(t))
	require.NoError(t, pd.Init(e))
	p, err := pd.CreatePrimitive(context.Background(), e)
	require.NoError(t, err)
	conf, ok := pd.Conf()
	require.True(t, ok)
	return p.(*Forward), conf
}

func bwdPrimitive(t *testing.T, e compute.Engine, d Desc) (*Backward, Conf) {
	t.Helper()
	pd := NewBwdDesc(d, nil, zaptest.NewLogger(t))
	require.NoError(t, pd.Init(e))
	p, err := pd.CreatePrimitive(context.Background(), e)
	require.NoError(t, err)
	conf, ok := pd.Conf()
	require.True(t, ok)
	return p.(*Backward), conf
}
