package pipeline

import (
	"fmt"
	"sort"
)

// Registry is an explicit step lookup table populated at startup and
// injected into the Runner. Lookup never fails hard: an unknown name is
// reported through the boolean so the Runner can skip it softly.
type Registry struct {
	steps map[string]Step
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]Step)}
}

// Register adds a step under its name. Duplicate names are an error so that
// wiring mistakes surface at startup rather than at run time.
func (r *Registry) Register(s Step) error {
	name := s.Name()
	if name == "" {
		return fmt.Errorf("step has empty name")
	}
	if _, exists := r.steps[name]; exists {
		return fmt.Errorf("step %q already registered", name)
	}
	r.steps[name] = s
	return nil
}

// MustRegister registers a step and panics on conflict. Intended for
// process startup wiring only.
func (r *Registry) MustRegister(s Step) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Lookup returns the step registered under name.
func (r *Registry) Lookup(name string) (Step, bool) {
	s, ok := r.steps[name]
	return s, ok
}

// Names returns the registered step names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.steps))
	for n := range r.steps {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
