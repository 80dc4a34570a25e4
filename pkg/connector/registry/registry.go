// Package registry maps source type names to their factories. Source
// packages register themselves in init, and the command wires them in with
// blank imports.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/saaslog/collector/pkg/connector/core"
	"github.com/saaslog/collector/pkg/errors"
)

// SourceFactory creates an uninitialized source instance.
type SourceFactory func() core.Source

var (
	mu        sync.RWMutex
	factories = make(map[string]SourceFactory)
)

// RegisterSource registers a source factory under a type name. Registering
// the same name twice panics, since it always indicates a wiring bug.
func RegisterSource(name string, factory SourceFactory) {
	mu.Lock()
	defer mu.Unlock()

	if _, exists := factories[name]; exists {
		panic(fmt.Sprintf("source %q registered twice", name))
	}
	factories[name] = factory
}

// CreateSource instantiates a source by type name.
func CreateSource(name string) (core.Source, error) {
	mu.RLock()
	factory, exists := factories[name]
	mu.RUnlock()

	if !exists {
		return nil, errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("unknown source type: %s", name)).
			WithDetail("available", ListSources())
	}
	return factory(), nil
}

// ListSources returns the registered source type names, sorted.
func ListSources() []string {
	mu.RLock()
	defer mu.RUnlock()

	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
