// Package supervisor owns the lifecycle of long-running services: it starts
// them as independent tasks, recovers them a bounded number of times when
// they exit unexpectedly, and stops them on shutdown.
package supervisor

import (
	"context"
	"fmt"
	"sync"

	"github.com/dukex/nexus/pkg/errdefs"
)

// Service is a long-running component managed by the supervisor.
//
// Start runs the service loop and blocks until ctx is cancelled or the
// service fails. Returning while the supervisor still expects the service to
// be running is treated as a failure, whatever the returned error. Stop
// releases resources held by the service and must be safe to call repeatedly.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Snapshotter is implemented by services whose state is captured in snapshots.
type Snapshotter interface {
	SnapshotState(ctx context.Context) (map[string]any, error)
}

// Restorer is implemented by services that can resume from a snapshot.
type Restorer interface {
	RestoreSnapshotState(ctx context.Context, state map[string]any) error
}

// Registry holds the services known to the process, in registration order.
type Registry struct {
	mu       sync.RWMutex
	order    []string
	services map[string]Service
}

func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds service to the registry. Names must be unique and non-empty.
func (r *Registry) Register(service Service) error {
	if service == nil || service.Name() == "" {
		return fmt.Errorf("%w: service must have a name", errdefs.ErrValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	name := service.Name()
	if _, exists := r.services[name]; exists {
		return fmt.Errorf("%w: service %q already registered", errdefs.ErrValidation, name)
	}

	r.services[name] = service
	r.order = append(r.order, name)

	return nil
}

// Lookup returns the service registered under name.
func (r *Registry) Lookup(name string) (Service, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	service, ok := r.services[name]
	if !ok {
		return nil, errdefs.NewNotFoundError("service", name)
	}

	return service, nil
}

// Services returns the registered services in registration order.
func (r *Registry) Services() []Service {
	r.mu.RLock()
	defer r.mu.RUnlock()

	services := make([]Service, 0, len(r.order))
	for _, name := range r.order {
		services = append(services, r.services[name])
	}

	return services
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.order))
	copy(names, r.order)

	return names
}

// Snapshotters returns the registered services that can report snapshot state, keyed by name.
func (r *Registry) Snapshotters() map[string]Snapshotter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[string]Snapshotter)

	for name, service := range r.services {
		if s, ok := service.(Snapshotter); ok {
			found[name] = s
		}
	}

	return found
}

// Restorers returns the registered services that can restore snapshot state, keyed by name.
func (r *Registry) Restorers() map[string]Restorer {
	r.mu.RLock()
	defer r.mu.RUnlock()

	found := make(map[string]Restorer)

	for name, service := range r.services {
		if s, ok := service.(Restorer); ok {
			found[name] = s
		}
	}

	return found
}
