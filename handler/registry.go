package handler

import (
	"fmt"
	"sync"
)

// Registry maps (source, card type) pairs to their handlers. Sources
// register at wiring time; the scheduler resolves at dispatch time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

func registryKey(source, cardType string) string {
	return source + "/" + cardType
}

// Register installs the handler for a source's card type. Registering the
// same pair twice is a wiring bug and panics.
func (r *Registry) Register(source, cardType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(source, cardType)
	if _, exists := r.handlers[key]; exists {
		panic(fmt.Sprintf("handler already registered for %s", key))
	}
	r.handlers[key] = h
}

// Get resolves the handler for a source's card type.
func (r *Registry) Get(source, cardType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey(source, cardType)]
	if !ok {
		return nil, fmt.Errorf("no handler registered for %s/%s", source, cardType)
	}
	return h, nil
}
