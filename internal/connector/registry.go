package connector

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// EvictionHook is invoked after a connector is evicted so the orchestrator
// can mark every in-flight executor of that connector as
// Failure("connector unavailable").
type EvictionHook func(connectorName string)

// Registry holds the live connector set. Re-registration after an eviction
// requires an explicit call to Register — there is no automatic retry path.
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]Connector
	onEvict    []EvictionHook
}

// NewRegistry returns an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]Connector)}
}

// Register adds or replaces a connector under its own Name().
func (r *Registry) Register(c Connector) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectors[c.Name()] = c
}

// OnEviction registers a callback fired whenever a connector is evicted.
func (r *Registry) OnEviction(hook EvictionHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onEvict = append(r.onEvict, hook)
}

// Get returns the live connector for name, or false if it isn't registered
// (including because it was previously evicted).
func (r *Registry) Get(name string) (Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[name]
	return c, ok
}

// Names returns the currently registered connector names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for n := range r.connectors {
		names = append(names, n)
	}
	return names
}

// evict removes a connector from the active map and fires eviction hooks.
// Re-registration requires an explicit Register call (process restart or
// admin action); the registry never re-adds an evicted connector itself.
func (r *Registry) evict(name string) {
	r.mu.Lock()
	delete(r.connectors, name)
	hooks := append([]EvictionHook(nil), r.onEvict...)
	r.mu.Unlock()

	slog.Error("connector evicted after unexpected error", "connector", name)
	for _, h := range hooks {
		h(name)
	}
}

// Call invokes fn against the named connector, recovering any panic and
// treating both a panic and a returned error as grounds for eviction. It
// returns an error when the connector is unknown or was just evicted so
// callers can synthesize per-executor failures for the attempted call.
func (r *Registry) Call(ctx context.Context, name string, fn func(Connector) error) (err error) {
	c, ok := r.Get(name)
	if !ok {
		return fmt.Errorf("connector %q is not registered", name)
	}
	defer func() {
		if rec := recover(); rec != nil {
			r.evict(name)
			err = fmt.Errorf("connector %q panicked: %v", name, rec)
		}
	}()
	if callErr := fn(c); callErr != nil {
		r.evict(name)
		return fmt.Errorf("connector %q returned error: %w", name, callErr)
	}
	return nil
}
