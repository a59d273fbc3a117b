package breaker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Registry hands out breakers per (tenant, service) pair, constructing each
// lazily over the shared store.
type Registry struct {
	store  Store
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry. All breakers share the same config and
// store; state isolation comes from the key.
func NewRegistry(store Store, cfg Config, logger zerolog.Logger, now func() time.Time) *Registry {
	if now == nil {
		now = time.Now
	}
	return &Registry{
		store:    store,
		cfg:      cfg,
		logger:   logger,
		now:      now,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker guarding the supplied tenant and service.
func (r *Registry) For(tenantID, service string) (*Breaker, error) {
	key := Key(tenantID, service)

	r.mu.RLock()
	b, ok := r.breakers[key]
	r.mu.RUnlock()
	if ok {
		return b, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[key]; ok {
		return b, nil
	}

	b, err := New(r.store, key, r.cfg, r.logger, r.now)
	if err != nil {
		return nil, err
	}
	r.breakers[key] = b
	return b, nil
}
