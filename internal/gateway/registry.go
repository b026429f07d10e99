package gateway

import (
	"fmt"
	"sync"

	"github.com/aura-learn/backend/internal/models"
)

// Registry maps payment methods and adapter names to adapters.
type Registry struct {
	mu       sync.RWMutex
	byName   map[string]Adapter
	byMethod map[models.PaymentMethod]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byName:   make(map[string]Adapter),
		byMethod: make(map[models.PaymentMethod]string),
	}
}

// Register adds an adapter and routes the given methods to it.
func (r *Registry) Register(a Adapter, methods ...models.PaymentMethod) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := normalizeName(a.Name())
	r.byName[name] = a
	for _, m := range methods {
		r.byMethod[m] = name
	}
}

// ForMethod returns the adapter serving a method.
func (r *Registry) ForMethod(m models.PaymentMethod) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	name, ok := r.byMethod[m]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, m)
	}
	return r.byName[name], nil
}

// ByName returns the adapter persisted on a payment.
func (r *Registry) ByName(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[normalizeName(name)]
	if !ok {
		return nil, fmt.Errorf("unknown gateway %q", name)
	}
	return a, nil
}

// Supports reports whether some adapter serves m.
func (r *Registry) Supports(m models.PaymentMethod) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byMethod[m]
	return ok
}
