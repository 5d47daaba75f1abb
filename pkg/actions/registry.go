package actions

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrKindNotRegistered is returned when no implementation exists for a kind.
	ErrKindNotRegistered = errors.New("action kind not registered")
	// ErrNoRunner is returned when an implementation has no runner.
	ErrNoRunner = errors.New("implementation has no runner")
)

// Implementation is a named runner.
type Implementation struct {
	Name   string
	Runner Runner
}

// Spec declares how a kind is executed.
type Spec struct {
	Kind       Kind
	Targeted   bool
	Timeout    time.Duration
	Parameters map[string]interface{}
	Primary    Implementation
	Fallbacks  []Implementation
}

// Chain returns the primary implementation followed by the fallbacks.
func (s Spec) Chain() []Implementation {
	chain := make([]Implementation, 0, 1+len(s.Fallbacks))
	chain = append(chain, s.Primary)
	chain = append(chain, s.Fallbacks...)
	return chain
}

// Registry maps each kind to its execution spec. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu    sync.RWMutex
	specs map[Kind]Spec
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		specs: make(map[Kind]Spec),
	}
}

// Register adds or replaces the spec for a kind.
func (r *Registry) Register(spec Spec) error {
	if !spec.Kind.Valid() {
		return fmt.Errorf("register: invalid kind %s", spec.Kind)
	}
	for i, impl := range spec.Chain() {
		if impl.Runner == nil {
			return fmt.Errorf("register %s: implementation %d (%q): %w", spec.Kind, i, impl.Name, ErrNoRunner)
		}
	}
	if spec.Primary.Name == "" {
		spec.Primary.Name = spec.Kind.String()
	}
	for i := range spec.Fallbacks {
		if spec.Fallbacks[i].Name == "" {
			spec.Fallbacks[i].Name = fmt.Sprintf("%s-fallback-%d", spec.Kind, i+1)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.specs[spec.Kind] = spec
	return nil
}

// Lookup returns the spec for a kind.
func (r *Registry) Lookup(kind Kind) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[kind]
	return spec, ok
}

// Kinds returns the registered kinds in declaration order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.specs))
	for k := range r.specs {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Targeted reports whether actions of kind address an entity. Unregistered
// kinds use the kind default.
func (r *Registry) Targeted(kind Kind) bool {
	if spec, ok := r.Lookup(kind); ok {
		return spec.Targeted
	}
	return kind.DefaultTargeted()
}

// Timeout returns the configured timeout for kind, or def when unset.
func (r *Registry) Timeout(kind Kind, def time.Duration) time.Duration {
	if spec, ok := r.Lookup(kind); ok && spec.Timeout > 0 {
		return spec.Timeout
	}
	return def
}

// Parameters returns a copy of the configured parameters for kind.
func (r *Registry) Parameters(kind Kind) map[string]interface{} {
	spec, ok := r.Lookup(kind)
	if !ok || len(spec.Parameters) == 0 {
		return nil
	}
	params := make(map[string]interface{}, len(spec.Parameters))
	for k, v := range spec.Parameters {
		params[k] = v
	}
	return params
}
