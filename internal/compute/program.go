package compute

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/fxnlabs/lnorm/internal/memory"
)

// WorkItem identifies one invocation of a program within an NDRange.
type WorkItem struct {
	GlobalID int
	GroupID  int
	LocalID  int
}

// Program is the entry point of a kernel. It runs once per work-item and
// reads its compile-time definitions from kctx.
type Program func(wi WorkItem, kctx *KernelCtx, args *ArgList) error

// Registry maps program names to their entry points. It plays the role of
// the program sources an engine compiles from.
type Registry struct {
	mu       sync.RWMutex
	programs map[string]Program
}

func NewRegistry() *Registry {
	return &Registry{programs: make(map[string]Program)}
}

// Register adds a program. Names are unique.
func (r *Registry) Register(name string, p Program) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[name]; ok {
		return fmt.Errorf("program %q already registered", name)
	}
	if p == nil {
		return fmt.Errorf("program %q is nil", name)
	}
	r.programs[name] = p
	return nil
}

func (r *Registry) Lookup(name string) (Program, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.programs[name]
	return p, ok
}

// Names lists registered programs in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.programs))
}

// ArgList holds positional kernel arguments. Unset slots read as nil/zero.
type ArgList struct {
	buffers map[int]*memory.Buffer
	scalars map[int]float32
}

func NewArgList() *ArgList {
	return &ArgList{buffers: make(map[int]*memory.Buffer), scalars: make(map[int]float32)}
}

func (a *ArgList) SetBuffer(i int, b *memory.Buffer) { a.buffers[i] = b }

func (a *ArgList) SetScalar(i int, v float32) { a.scalars[i] = v }

func (a *ArgList) Buffer(i int) *memory.Buffer { return a.buffers[i] }

func (a *ArgList) Scalar(i int) float32 { return a.scalars[i] }

// Require fails if any of the listed buffer slots is unset.
func (a *ArgList) Require(slots ...int) error {
	for _, i := range slots {
		if a.buffers[i] == nil {
			return fmt.Errorf("kernel argument %d is not bound", i)
		}
	}
	return nil
}

// Clone snapshots the argument list so the caller may reuse it after
// submission.
func (a *ArgList) Clone() *ArgList {
	return &ArgList{buffers: maps.Clone(a.buffers), scalars: maps.Clone(a.scalars)}
}
