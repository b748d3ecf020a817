package graph

import (
	"fmt"
	"sort"

	"github.com/polygraph-io/polygraph/pkg/models"
)

// Registry maps backend identifiers to their Service instances. It owns
// the mapping only; graph data stays behind each service's adapter. The
// chosen service is resolved once per request and passed explicitly to
// whatever needs it.
type Registry struct {
	services map[string]*Service
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]*Service)}
}

// Register adds a service under its backend name.
func (r *Registry) Register(svc *Service) {
	r.services[svc.Name()] = svc
}

// Resolve returns the service for a backend identifier. An empty
// identifier resolves to the sole registered backend when there is
// exactly one.
func (r *Registry) Resolve(backend string) (*Service, error) {
	if backend == "" && len(r.services) == 1 {
		for _, svc := range r.services {
			return svc, nil
		}
	}
	svc, ok := r.services[backend]
	if !ok {
		return nil, fmt.Errorf("%w: unknown backend %q (registered: %v)",
			models.ErrInvalidArgument, backend, r.Names())
	}
	return svc, nil
}

// Names returns the registered backend identifiers, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close closes every registered service, returning the first error.
func (r *Registry) Close() error {
	var first error
	for _, svc := range r.services {
		if err := svc.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
