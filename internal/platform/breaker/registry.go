package breaker

import (
	"sort"
	"sync"
)

// Registry owns the breakers of a process, keyed by integration id. Breakers
// are created lazily on first use with the registry's default settings unless
// the integration was configured explicitly.
type Registry struct {
	mu        sync.Mutex
	defaults  Settings
	overrides map[string]Settings
	breakers  map[string]*Breaker
	opts      []Option
	closed    bool
}

func NewRegistry(defaults Settings, opts ...Option) *Registry {
	return &Registry{
		defaults:  defaults.normalize(),
		overrides: make(map[string]Settings),
		breakers:  make(map[string]*Breaker),
		opts:      opts,
	}
}

// Configure sets per-integration settings. It only affects breakers not yet
// created.
func (r *Registry) Configure(name string, s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = s.normalize()
}

// Get returns the breaker for name, creating it on first use. After Close the
// registry hands out fresh, unregistered breakers.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	settings, ok := r.overrides[name]
	if !ok {
		settings = r.defaults
	}
	b := New(name, settings, r.opts...)
	if !r.closed {
		r.breakers[name] = b
	}
	return b
}

// Snapshot returns the state of every breaker created so far, sorted by name.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]Snapshot, 0, len(list))
	for _, b := range list {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close drops all breakers. It is called at shutdown.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers = make(map[string]*Breaker)
	r.closed = true
}
