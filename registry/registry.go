// Package registry maps (kind, name) pairs from recipe configuration
// to the factories that build locators, loaders, and file filters.
// Factories validate their configuration strictly: an unknown field is
// a configuration error naming the field, not a silent ignore.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/pithecene-io/dredge/types"
)

// Kind partitions the factory namespace by the interface produced.
type Kind string

// Registered kinds.
const (
	KindLocator    Kind = "locator"
	KindLoader     Kind = "loader"
	KindFileFilter Kind = "file_filter"
)

// Factory builds one strategy from its configuration map.
type Factory interface {
	// Name is the strategy name recipes reference.
	Name() string
	// Fields lists the accepted configuration fields.
	Fields() []string
	// Create builds the strategy. The concrete type depends on the
	// factory's kind.
	Create(cfg map[string]any, deps *Deps) (any, error)
}

// Registry holds factories by kind and name. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[Kind]map[string]Factory
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{factories: map[Kind]map[string]Factory{}}
}

// Register adds a factory. Re-registering a (kind, name) pair fails.
func (r *Registry) Register(kind Kind, f Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byName := r.factories[kind]
	if byName == nil {
		byName = map[string]Factory{}
		r.factories[kind] = byName
	}
	if _, dup := byName[f.Name()]; dup {
		return types.NewError(types.KindConfiguration,
			fmt.Sprintf("%s factory %q is already registered", kind, f.Name()), nil)
	}
	byName[f.Name()] = f
	return nil
}

// MustRegister is Register for package-init wiring.
func (r *Registry) MustRegister(kind Kind, f Factory) {
	if err := r.Register(kind, f); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(kind Kind, name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[kind][name]
	if !ok {
		return nil, types.NewError(types.KindConfiguration,
			fmt.Sprintf("unknown %s strategy %q (known: %v)", kind, name, r.namesLocked(kind)), nil)
	}
	return f, nil
}

func (r *Registry) namesLocked(kind Kind) []string {
	var names []string
	for name := range r.factories[kind] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Names lists the registered strategy names for a kind.
func (r *Registry) Names(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked(kind)
}

// Validate checks that the strategy exists and cfg uses only its
// declared fields.
func (r *Registry) Validate(kind Kind, name string, cfg map[string]any) error {
	f, err := r.lookup(kind, name)
	if err != nil {
		return err
	}
	allowed := map[string]bool{}
	for _, field := range f.Fields() {
		allowed[field] = true
	}
	var unknown []string
	for field := range cfg {
		if !allowed[field] {
			unknown = append(unknown, field)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return types.NewError(types.KindConfiguration,
			fmt.Sprintf("%s strategy %q does not accept field %q", kind, name, unknown[0]), nil)
	}
	return nil
}

// Create validates and builds the strategy.
func (r *Registry) Create(kind Kind, name string, cfg map[string]any, deps *Deps) (any, error) {
	if err := r.Validate(kind, name, cfg); err != nil {
		return nil, err
	}
	f, err := r.lookup(kind, name)
	if err != nil {
		return nil, err
	}
	return f.Create(cfg, deps)
}

// strField reads an optional string field.
func strField(cfg map[string]any, field string) (string, error) {
	v, ok := cfg[field]
	if !ok || v == nil {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", types.NewError(types.KindConfiguration,
			fmt.Sprintf("field %q must be a string", field), nil)
	}
	return s, nil
}

// intField reads an optional integer field (JSON and YAML decoders
// disagree on number types).
func intField(cfg map[string]any, field string) (int, error) {
	v, ok := cfg[field]
	if !ok || v == nil {
		return 0, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, types.NewError(types.KindConfiguration,
			fmt.Sprintf("field %q must be an integer", field), nil)
	}
}

// boolField reads an optional boolean field.
func boolField(cfg map[string]any, field string) (bool, error) {
	v, ok := cfg[field]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, types.NewError(types.KindConfiguration,
			fmt.Sprintf("field %q must be a boolean", field), nil)
	}
	return b, nil
}

// strSliceField reads an optional list-of-strings field.
func strSliceField(cfg map[string]any, field string) ([]string, error) {
	v, ok := cfg[field]
	if !ok || v == nil {
		return nil, nil
	}
	switch list := v.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, types.NewError(types.KindConfiguration,
					fmt.Sprintf("field %q must be a list of strings", field), nil)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, types.NewError(types.KindConfiguration,
			fmt.Sprintf("field %q must be a list of strings", field), nil)
	}
}
