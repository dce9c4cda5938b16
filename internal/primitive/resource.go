package primitive

import (
	"fmt"
	"sync"

	"github.com/fxnlabs/lnorm/internal/compute"
	"github.com/fxnlabs/lnorm/internal/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Resource is per-engine state owned by a ResourceMapper.
type Resource interface {
	Close() error
}

// KernelResource holds the kernel handles a primitive bound on one engine,
// keyed by the binary they were created from.
type KernelResource struct {
	kernels map[*compute.Binary]compute.Kernel
}

func NewKernelResource() *KernelResource {
	return &KernelResource{kernels: make(map[*compute.Binary]compute.Kernel)}
}

// CreateKernelAndAdd binds b on e. A nil binary is skipped.
func (r *KernelResource) CreateKernelAndAdd(e compute.Engine, b *compute.Binary) error {
	if b == nil {
		return nil
	}
	k, err := e.CreateKernel(b)
	if err != nil {
		return err
	}
	r.kernels[b] = k
	return nil
}

// CreateKernelsAndAdd binds every non-nil binary, stopping on the first error.
func (r *KernelResource) CreateKernelsAndAdd(e compute.Engine, binaries ...*compute.Binary) error {
	for _, b := range binaries {
		if err := r.CreateKernelAndAdd(e, b); err != nil {
			return err
		}
	}
	return nil
}

// Kernel returns the handle bound from b.
func (r *KernelResource) Kernel(b *compute.Binary) (compute.Kernel, bool) {
	k, ok := r.kernels[b]
	return k, ok
}

func (r *KernelResource) Len() int { return len(r.kernels) }

func (r *KernelResource) Close() error { return nil }

type resourceKey struct {
	owner  any
	engine uuid.UUID
}

type resourceEntry struct {
	ready chan struct{}
	res   Resource
	err   error
}

// ResourceMapper caches one Resource per (owner, engine). Owners are compared
// by identity, so pass a pointer.
//
// GetOrCreate is the only way in: the existence check and the insertion of a
// pending entry happen under one lock, and later callers wait on the pending
// entry instead of racing past it.
type ResourceMapper struct {
	mu      sync.Mutex
	entries map[resourceKey]*resourceEntry
	limit   int
	logger  *zap.Logger
}

// NewResourceMapper creates a mapper holding at most limit resources.
// A limit of 0 means unbounded.
func NewResourceMapper(limit int, logger *zap.Logger) *ResourceMapper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ResourceMapper{
		entries: make(map[resourceKey]*resourceEntry),
		limit:   limit,
		logger:  logger.Named("resources"),
	}
}

// GetOrCreate returns the cached resource for (owner, e), calling create at
// most once across concurrent callers. created reports whether this call ran
// create. If create fails nothing is cached, every waiter gets the error and
// a later call may retry.
func (m *ResourceMapper) GetOrCreate(owner any, e compute.Engine, create func() (Resource, error)) (res Resource, created bool, err error) {
	key := resourceKey{owner: owner, engine: e.ID()}

	m.mu.Lock()
	if ent, ok := m.entries[key]; ok {
		m.mu.Unlock()
		<-ent.ready
		return ent.res, false, ent.err
	}
	if m.limit > 0 && len(m.entries) >= m.limit {
		m.mu.Unlock()
		return nil, false, fmt.Errorf("%w: resource mapper full (%d entries)", ErrOutOfMemory, m.limit)
	}
	ent := &resourceEntry{ready: make(chan struct{})}
	m.entries[key] = ent
	m.mu.Unlock()

	m.fill(key, ent, create)
	if ent.err != nil {
		return nil, false, ent.err
	}

	metrics.ResourcesCreated.WithLabelValues(fmt.Sprintf("%T", owner)).Inc()
	m.logger.Debug("resource created",
		zap.String("owner", fmt.Sprintf("%T", owner)),
		zap.String("engine_id", key.engine.String()))
	return ent.res, true, nil
}

// fill runs create for a pending entry and publishes the outcome. The entry is
// released even when create panics; waiters then get ErrRuntime and the panic
// continues in the creating goroutine.
func (m *ResourceMapper) fill(key resourceKey, ent *resourceEntry, create func() (Resource, error)) {
	done := false
	defer func() {
		if !done {
			ent.res, ent.err = nil, fmt.Errorf("%w: resource creation panicked", ErrRuntime)
		}
		if ent.err != nil {
			m.mu.Lock()
			delete(m.entries, key)
			m.mu.Unlock()
		}
		close(ent.ready)
	}()

	ent.res, ent.err = create()
	if ent.err == nil && ent.res == nil {
		ent.err = fmt.Errorf("%w: resource allocation returned nothing", ErrOutOfMemory)
	}
	if ent.err != nil {
		ent.res = nil
	}
	done = true
}

// Has reports whether a finished resource exists for (owner, e).
func (m *ResourceMapper) Has(owner any, e compute.Engine) bool {
	_, ok := m.Get(owner, e)
	return ok
}

// Get returns the finished resource for (owner, e). Pending creations are
// not waited for.
func (m *ResourceMapper) Get(owner any, e compute.Engine) (Resource, bool) {
	m.mu.Lock()
	ent, ok := m.entries[resourceKey{owner: owner, engine: e.ID()}]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	select {
	case <-ent.ready:
		return ent.res, ent.err == nil
	default:
		return nil, false
	}
}

// Len is the number of cached or pending resources.
func (m *ResourceMapper) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close releases every cached resource.
func (m *ResourceMapper) Close() error {
	m.mu.Lock()
	entries := m.entries
	m.entries = make(map[resourceKey]*resourceEntry)
	m.mu.Unlock()

	var firstErr error
	for _, ent := range entries {
		<-ent.ready
		if ent.res == nil {
			continue
		}
		if err := ent.res.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
