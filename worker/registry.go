package worker

import (
	"fmt"

	"github.com/structhub/buildlens/session"
)

// Registry is the fixed, loaded-at-startup worker table. It is
// immutable once built; lookups need no locking.
type Registry struct {
	workers map[string]Worker
	order   []string
}

// NewRegistry builds a registry from the given workers. Duplicate names
// and descriptors referencing unknown fields are configuration errors.
func NewRegistry(workers ...Worker) (*Registry, error) {
	r := &Registry{workers: make(map[string]Worker, len(workers))}

	for _, w := range workers {
		desc := w.Descriptor()
		if desc.Name == "" {
			return nil, fmt.Errorf("worker with empty name")
		}
		if _, exists := r.workers[desc.Name]; exists {
			return nil, fmt.Errorf("duplicate worker %q", desc.Name)
		}
		for _, field := range append(append([]string{}, desc.Requires...), desc.Produces...) {
			if !knownField(field) {
				return nil, fmt.Errorf("worker %q references unknown field %q", desc.Name, field)
			}
		}
		r.workers[desc.Name] = w
		r.order = append(r.order, desc.Name)
	}

	return r, nil
}

// Get returns the worker registered under name.
func (r *Registry) Get(name string) (Worker, error) {
	w, ok := r.workers[name]
	if !ok {
		return nil, fmt.Errorf("unknown worker %q", name)
	}
	return w, nil
}

// Descriptor returns the descriptor for name.
func (r *Registry) Descriptor(name string) (Descriptor, error) {
	w, err := r.Get(name)
	if err != nil {
		return Descriptor{}, err
	}
	return w.Descriptor(), nil
}

// Names lists workers in registration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

func knownField(field string) bool {
	switch field {
	case session.FieldQuery, session.FieldFiles, session.FieldProcessedFiles,
		session.FieldTradeMapping, session.FieldScopeItems, session.FieldTakeoffData,
		session.FieldEstimate, session.FieldQAFindings, session.FieldExportArtifacts:
		return true
	}
	return false
}
