package async

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Unit is an in-process unit of work a task can name as its command.
//
// Execute gets the task's Handle for payload, progress and re-arming.
// Returning an error is the same as returning Failure(err.Error()).
// Execute should watch ctx and return when it is cancelled.
type Unit interface {
	Name() string
	Execute(ctx context.Context, h *Handle) (Outcome, error)
}

type unitFunc struct {
	name string
	fn   func(ctx context.Context, h *Handle) (Outcome, error)
}

func (u unitFunc) Name() string { return u.name }

func (u unitFunc) Execute(ctx context.Context, h *Handle) (Outcome, error) {
	return u.fn(ctx, h)
}

// NewUnit adapts a function into a Unit
func NewUnit(name string, fn func(ctx context.Context, h *Handle) (Outcome, error)) Unit {
	return unitFunc{name: name, fn: fn}
}

// Registry maps unit names to units.
// Safe for concurrent registration and lookup.
type Registry struct {
	units map[string]Unit
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{units: make(map[string]Unit)}
}

// Register adds a unit under its name.
// Panics if a unit is already registered with that name.
func (r *Registry) Register(unit Unit) {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := unit.Name()
	if _, exists := r.units[name]; exists {
		panic(fmt.Sprintf("unit already registered for name: %s", name))
	}
	r.units[name] = unit
}

// Get retrieves the unit for a name
func (r *Registry) Get(name string) (Unit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[name]
	return u, ok
}

// Has checks if a unit is registered for a name
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns all registered unit names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.units))
	for name := range r.units {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
