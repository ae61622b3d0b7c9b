package source

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps source type names to factories. Adapter packages
// register themselves in init, so importing an adapter is enough to
// make its type available in configuration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory, replacing any previous one for the type.
func (r *Registry) Register(factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[factory.Type()] = factory
}

// Create validates the config and builds a source instance.
func (r *Registry) Create(config *Config) (Source, error) {
	r.mu.RLock()
	factory, ok := r.factories[config.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("source: unknown source type %q (registered: %v)", config.Type, r.Types())
	}
	if err := factory.ValidateConfig(config); err != nil {
		return nil, err
	}
	return factory.Create(config)
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

var defaultRegistry = NewRegistry()

// RegisterFactory adds a factory to the process-wide registry.
func RegisterFactory(factory Factory) {
	defaultRegistry.Register(factory)
}

// Create builds a source from the process-wide registry.
func Create(config *Config) (Source, error) {
	return defaultRegistry.Create(config)
}

// Types lists the process-wide registered type names.
func Types() []string {
	return defaultRegistry.Types()
}

// Helpers used by the adapter factories to pull typed values out of
// loose config maps.

// StringOption returns a string config value or the fallback.
func StringOption(config map[string]interface{}, key, fallback string) string {
	if v, ok := config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// IntOption returns an integer config value or the fallback.
func IntOption(config map[string]interface{}, key string, fallback int) int {
	switch v := config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

// BoolOption returns a boolean config value or the fallback.
func BoolOption(config map[string]interface{}, key string, fallback bool) bool {
	if v, ok := config[key].(bool); ok {
		return v
	}
	return fallback
}

// StringsOption returns a string list config value or the fallback.
func StringsOption(config map[string]interface{}, key string, fallback []string) []string {
	raw, ok := config[key].([]interface{})
	if !ok {
		return fallback
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
