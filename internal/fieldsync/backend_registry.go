package fieldsync

import (
	"strings"
	"sync"
)

type ActionQueueFactory func(dsn string, capacity int) (ActionQueue, error)

var queueFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]ActionQueueFactory
}{
	factories: map[string]ActionQueueFactory{},
}

// RegisterActionQueueFactory lets embedders plug additional queue backends
// in under their own DSN scheme. Registered factories take precedence over
// the built-in schemes.
func RegisterActionQueueFactory(scheme string, factory ActionQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	queueFactoryRegistry.mu.Lock()
	defer queueFactoryRegistry.mu.Unlock()
	queueFactoryRegistry.factories[scheme] = factory
}

func lookupActionQueueFactory(scheme string) (ActionQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	queueFactoryRegistry.mu.RLock()
	defer queueFactoryRegistry.mu.RUnlock()
	factory, ok := queueFactoryRegistry.factories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
