package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dukex/nexus/pkg/errdefs"
)

// Method is a callable bound to a (service, method) pair for service_call steps.
type Method func(ctx context.Context, args map[string]any) (any, error)

type bindingKey struct {
	service string
	method  string
}

// Bindings is the explicit table of callables that service_call steps may
// invoke. It is populated at startup and consulted when workflows load, so a
// workflow naming an unknown binding is rejected before any run starts.
type Bindings struct {
	mu      sync.RWMutex
	methods map[bindingKey]Method
}

func NewBindings() *Bindings {
	return &Bindings{methods: make(map[bindingKey]Method)}
}

// Bind registers fn under service.method, replacing any previous binding.
func (b *Bindings) Bind(service, method string, fn Method) error {
	if service == "" || method == "" || fn == nil {
		return fmt.Errorf("%w: binding needs a service, a method and a callable", errdefs.ErrValidation)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.methods[bindingKey{service: service, method: method}] = fn

	return nil
}

// Resolve returns the callable bound to service.method.
func (b *Bindings) Resolve(service, method string) (Method, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	fn, ok := b.methods[bindingKey{service: service, method: method}]
	if !ok {
		return nil, errdefs.NewNotFoundError("binding", service+"."+method)
	}

	return fn, nil
}

// List returns every bound "service.method" name, sorted.
func (b *Bindings) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	names := make([]string, 0, len(b.methods))
	for key := range b.methods {
		names = append(names, key.service+"."+key.method)
	}

	sort.Strings(names)

	return names
}
