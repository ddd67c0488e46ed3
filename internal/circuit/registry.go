package circuit

import (
	"sync"

	"go.uber.org/zap"
)

// Well-known breaker names used across the engine.
const (
	BreakerRPCCalls  = "rpc-calls"
	BreakerDatabase  = "database"
	BreakerPriceFeed = "price-feed"
	BreakerTradeExec = "trade-execution"
)

// Registry lazily creates and hands out named breakers sharing one default
// config. Overall health is "no breaker OPEN".
type Registry struct {
	logger  *zap.Logger
	config  Config
	mu      sync.RWMutex
	items   map[string]*Breaker
	onState func(StateChange)
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, config Config) *Registry {
	return &Registry{
		logger: logger,
		config: config,
		items:  make(map[string]*Breaker),
	}
}

// OnStateChange registers an observer inherited by every breaker, present and
// future.
func (r *Registry) OnStateChange(fn func(StateChange)) {
	r.mu.Lock()
	r.onState = fn
	for _, b := range r.items {
		b.OnStateChange(fn)
	}
	r.mu.Unlock()
}

// Get returns the named breaker, creating it on first use.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.items[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.items[name]; ok {
		return b
	}
	b = NewBreaker(name, r.config, r.logger)
	if r.onState != nil {
		b.OnStateChange(r.onState)
	}
	r.items[name] = b
	return b
}

// Healthy reports whether no breaker is OPEN.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.items {
		if b.State() == StateOpen {
			return false
		}
	}
	return true
}

// AllStats snapshots every registered breaker.
func (r *Registry) AllStats() map[string]Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Stats, len(r.items))
	for name, b := range r.items {
		out[name] = b.GetStats()
	}
	return out
}

// ResetAll returns every breaker to CLOSED.
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.items {
		b.Reset()
	}
}
