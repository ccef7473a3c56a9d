package stage

import (
	"fmt"
	"sync"
)

// Registry maintains known stages in declaration order. Order matters: the
// registration sequence is the canonical execution sequence.
type Registry struct {
	mu     sync.RWMutex
	stages map[string]Stage
	order  []string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stages: map[string]Stage{}}
}

// Register installs a stage. Returns an error if the name already exists or
// a prerequisite was not registered first.
func (r *Registry) Register(s Stage) error {
	if err := s.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.stages[s.Name]; exists {
		return fmt.Errorf("stage: %s already registered", s.Name)
	}
	for _, dep := range s.Prerequisites {
		if _, ok := r.stages[dep]; !ok {
			return fmt.Errorf("stage: %s depends on unregistered stage %s", s.Name, dep)
		}
	}
	r.stages[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(s Stage) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns a registered stage by name.
func (r *Registry) Get(name string) (Stage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stages[name]
	return s, ok
}

// Sequence returns every stage in declaration order.
func (r *Registry) Sequence() []Stage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Stage, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.stages[name])
	}
	return out
}

// Names returns stage names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// MandatoryNames returns, in declaration order, the stages that are mandatory
// at the given tier. This is the expected sequence missing-stage analysis
// compares against.
func (r *Registry) MandatoryNames(tier string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.order))
	for _, name := range r.order {
		if r.stages[name].MandatoryFor(tier) {
			out = append(out, name)
		}
	}
	return out
}
