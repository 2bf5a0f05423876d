package resilience

import (
	"sort"
	"sync"
	"time"
)

// Registry owns named circuit breakers. Its lock is only held to look up or
// create a breaker; breakers themselves are locked independently.
type Registry struct {
	defaults      BreakerConfig
	overrides     map[string]BreakerConfig
	now           func() time.Time
	onStateChange StateChangeFunc

	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
}

// NewRegistry creates an empty registry whose breakers use defaults unless
// a per-name override was configured.
func NewRegistry(defaults BreakerConfig) *Registry {
	return &Registry{
		defaults:  defaults,
		overrides: make(map[string]BreakerConfig),
		now:       time.Now,
		breakers:  make(map[string]*CircuitBreaker),
	}
}

// Configure sets the config used the first time breaker name is created.
// It has no effect on a breaker that already exists.
func (r *Registry) Configure(name string, config BreakerConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides[name] = config
}

// GetOrCreate returns the breaker for name, creating it on first use.
func (r *Registry) GetOrCreate(name string) *CircuitBreaker {
	r.mu.RLock()
	if cb, exists := r.breakers[name]; exists {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	config := r.defaults
	if override, ok := r.overrides[name]; ok {
		config = override
	}
	cb := NewCircuitBreaker(name, config)
	cb.now = r.now
	cb.onStateChange = r.onStateChange
	r.breakers[name] = cb
	return cb
}

// Get returns an existing breaker.
func (r *Registry) Get(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, exists := r.breakers[name]
	return cb, exists
}

// Stats returns snapshots of all breakers ordered by name.
func (r *Registry) Stats() []BreakerStats {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	stats := make([]BreakerStats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// OpenBreakers returns the names of breakers currently OPEN.
func (r *Registry) OpenBreakers() []string {
	var open []string
	for _, s := range r.Stats() {
		if s.State == StateOpen {
			open = append(open, s.Name)
		}
	}
	return open
}

// Reset closes the named breaker. It reports false if no such breaker exists.
func (r *Registry) Reset(name string) bool {
	cb, ok := r.Get(name)
	if !ok {
		return false
	}
	cb.Reset()
	return true
}

func (r *Registry) setClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.setClock(now)
	}
}

func (r *Registry) setStateChange(fn StateChangeFunc) {
	r.mu.Lock()
	r.onStateChange = fn
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.Unlock()

	for _, cb := range breakers {
		cb.OnStateChange(fn)
	}
}
