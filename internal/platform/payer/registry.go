package payer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rcm/rcm/internal/platform/apperror"
)

// Factory builds an adapter for one configured integration.
type Factory func(cfg IntegrationConfig, logger zerolog.Logger) (Adapter, error)

// Registry maps integration ids to adapters. Adapters are built by the
// factory registered for the integration's kind.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	adapters  map[string]Adapter
	logger    zerolog.Logger
}

// NewRegistry returns a registry with the built-in "http" and "sandbox"
// factories.
func NewRegistry(logger zerolog.Logger) *Registry {
	r := &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
		logger:    logger,
	}
	r.RegisterFactory(KindHTTP, func(cfg IntegrationConfig, l zerolog.Logger) (Adapter, error) {
		return NewHTTPAdapter(cfg, WithLogger(l))
	})
	r.RegisterFactory(KindSandbox, func(cfg IntegrationConfig, _ zerolog.Logger) (Adapter, error) {
		return NewSandboxAdapter(cfg.ID), nil
	})
	return r
}

// RegisterFactory adds or replaces the factory for kind.
func (r *Registry) RegisterFactory(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Add builds and registers the adapter for cfg.
func (r *Registry) Add(cfg IntegrationConfig) error {
	if cfg.ID == "" {
		return fmt.Errorf("integration id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	f, ok := r.factories[cfg.Kind]
	if !ok {
		return fmt.Errorf("integration %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
	a, err := f(cfg, r.logger.With().Str("integration", cfg.ID).Logger())
	if err != nil {
		return fmt.Errorf("integration %s: %w", cfg.ID, err)
	}
	r.adapters[cfg.ID] = a
	return nil
}

// Register installs a ready adapter under id.
func (r *Registry) Register(id string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[id] = a
}

// Adapter returns the adapter for the integration id.
func (r *Registry) Adapter(id string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[id]
	if !ok {
		return nil, apperror.NotFound("integration", id)
	}
	return a, nil
}

// IDs returns the registered integration ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.adapters))
	for id := range r.adapters {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ConnectAll connects every adapter. Failures are logged, not returned, so a
// single unreachable payer does not stop the server from starting.
func (r *Registry) ConnectAll(ctx context.Context) {
	for _, id := range r.IDs() {
		a, _ := r.Adapter(id)
		if err := a.Connect(ctx); err != nil {
			r.logger.Warn().Err(err).Str("integration", id).Msg("payer integration connect failed")
		}
	}
}
