package output

import (
	"sort"
	"strings"
	"sync"
	"unicode"
)

// Factory creates a driver for one task.
type Factory func(params *Params) (Driver, error)

// Registry maps driver names to factories. Names match ignoring case and
// whitespace, so "NetCDF CF" and "netcdfcf" are the same driver.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	names     map[string]string
}

// DefaultRegistry is the process wide registry used by New.
var DefaultRegistry = NewRegistry()

func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]Factory{},
		names:     map[string]string{},
	}
}

// NormalizeName lower cases name and drops every whitespace rune.
func NormalizeName(name string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToLower(r)
	}, name)
}

// Register adds a factory under name. Registering a name twice is an error.
func (r *Registry) Register(name string, f Factory) error {
	key := NormalizeName(name)
	if key == "" || f == nil {
		return Errorf(KindUsage, "cannot register driver %q", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.names[key]; ok {
		return Errorf(KindUsage, "driver %q is already registered as %q", name, prev)
	}
	r.factories[key] = f
	r.names[key] = name
	return nil
}

// Resolve finds the factory registered under name.
func (r *Registry) Resolve(name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[NormalizeName(name)]
	if !ok {
		return nil, Errorf(KindNoSuchOutputDriver, "no output driver named %q", name)
	}
	return f, nil
}

// Names returns the registered names, as given at registration, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// New creates the driver named by params.Storage.Driver from r. Validation
// and lookup happen before any file is touched.
func (r *Registry) New(params *Params) (Driver, error) {
	f, err := r.Resolve(params.Storage.Driver)
	if err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	params.Log().WithComponent("output").Debug("creating output driver", map[string]interface{}{
		"driver":   params.Storage.Driver,
		"products": len(params.Products),
	})
	return f(params)
}

// New creates a driver from DefaultRegistry.
func New(params *Params) (Driver, error) {
	return DefaultRegistry.New(params)
}
