package compute

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrEngineUnavailable is returned when a requested engine kind is not built
// into this binary.
var ErrEngineUnavailable = errors.New("engine kind not available")

// ManagerOptions selects and sizes the engines a Manager owns.
type ManagerOptions struct {
	// Kind is "cpu" or "auto". Empty means auto.
	Kind string
	// Devices is the number of engines to create. 0 means 1.
	Devices int
	CPU     CPUEngineOptions
}

// Manager owns the engines of a process and hands them out by index or ID.
type Manager struct {
	engines []Engine
	mu      sync.RWMutex
	logger  *zap.Logger
}

// NewManager creates the engines described by opts.
func NewManager(reg *Registry, opts ManagerOptions, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	kind := strings.ToLower(strings.TrimSpace(opts.Kind))
	switch kind {
	case "", "auto", KindCPU:
	default:
		return nil, fmt.Errorf("%w: %q (available: %s)", ErrEngineUnavailable, opts.Kind, KindCPU)
	}

	m := &Manager{logger: logger.Named("manager")}
	devices := max(opts.Devices, 1)
	for range devices {
		m.engines = append(m.engines, NewCPUEngine(reg, opts.CPU, logger))
	}
	m.logger.Info("engines initialized",
		zap.String("kind", KindCPU),
		zap.Int("devices", devices),
		zap.Int("max_work_group_size", m.engines[0].MaxWorkGroupSize()))
	return m, nil
}

// Engine returns the i-th engine.
func (m *Manager) Engine(i int) (Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if i < 0 || i >= len(m.engines) {
		return nil, fmt.Errorf("no engine at index %d (have %d)", i, len(m.engines))
	}
	return m.engines[i], nil
}

// Lookup finds an engine by ID.
func (m *Manager) Lookup(id uuid.UUID) (Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, e := range m.engines {
		if e.ID() == id {
			return e, true
		}
	}
	return nil, false
}

// Engines returns a copy of the engine list.
func (m *Manager) Engines() []Engine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Engine(nil), m.engines...)
}

// DeviceInfo describes the first engine.
func (m *Manager) DeviceInfo() DeviceInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.engines) == 0 {
		return DeviceInfo{Name: "No engine available"}
	}
	return m.engines[0].DeviceInfo()
}

// Close releases every engine and joins their errors.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, e := range m.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.engines = nil
	return errors.Join(errs...)
}
