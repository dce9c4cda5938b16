package primitive

import (
	"context"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type mockEngine struct {
	mock.Mock
	id uuid.UUID
}

func newMockEngine() *mockEngine { return &mockEngine{id: uuid.New()} }

func (m *mockEngine) ID() uuid.UUID { return m.id }

func (m *mockEngine) Kind() string { return "mock" }

func (m *mockEngine) DeviceInfo() compute.DeviceInfo { return compute.DeviceInfo{Name: "mock"} }

func (m *mockEngine) MaxWorkGroupSize() int { return 16 }

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
