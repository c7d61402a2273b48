package store

import (
	"context"
	"errors"
	"time"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/cache"
	"github.com/neves/zen-gateway/internal/logging"
)

// DefaultCacheTTL bounds how stale a resolved config may be
const DefaultCacheTTL = 10 * time.Second

type resolution struct {
	cfg *ai.ProviderConfig
	ok  bool
}

// Resolver finds the active provider config for a user through a short-TTL cache
type Resolver struct {
	store  *Store
	cache  *cache.Cache[resolution]
	logger *logging.Logger
}

// NewResolver creates a resolver. ttl <= 0 disables caching.
func NewResolver(store *Store, ttl time.Duration, logger *logging.Logger) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{
		store:  store,
		cache:  cache.New[resolution](ttl, 1024),
		logger: logger,
	}
}

// Resolve returns the user's enabled preference, else the enabled default.
// ok is false when neither exists; that is not an error.
func (r *Resolver) Resolve(ctx context.Context, userID string) (*ai.ProviderConfig, bool, error) {
	res, err := r.cache.GetOrLoad("user:"+userID, func() (resolution, error) {
		return r.load(ctx, userID)
	})
	if err != nil {
		return nil, false, err
	}
	return cloneConfig(res.cfg), res.ok, nil
}

// ResolveID returns a specific enabled config, for requests that name one
func (r *Resolver) ResolveID(ctx context.Context, id string) (*ai.ProviderConfig, bool, error) {
	res, err := r.cache.GetOrLoad("id:"+id, func() (resolution, error) {
		cfg, err := r.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			return resolution{}, nil
		}
		if err != nil {
			return resolution{}, err
		}
		return resolution{cfg: cfg, ok: cfg.Enabled}, nil
	})
	if err != nil {
		return nil, false, err
	}
	return cloneConfig(res.cfg), res.ok, nil
}

func (r *Resolver) load(ctx context.Context, userID string) (resolution, error) {
	if userID != "" {
		prefID, err := r.store.UserPreference(ctx, userID)
		switch {
		case err == nil:
			cfg, err := r.store.Get(ctx, prefID)
			if err == nil && cfg.Enabled {
				return resolution{cfg: cfg, ok: true}, nil
			}
			if err != nil && !errors.Is(err, ErrNotFound) {
				return resolution{}, err
			}
			r.logger.Debug("[Resolver] Preference %s for user %s is unavailable, using default", prefID, userID)
		case !errors.Is(err, ErrNotFound):
			return resolution{}, err
		}
	}

	cfg, err := r.store.Default(ctx)
	if errors.Is(err, ErrNotFound) {
		return resolution{}, nil
	}
	if err != nil {
		return resolution{}, err
	}
	return resolution{cfg: cfg, ok: true}, nil
}

// Invalidate drops every cached resolution. Admin writes call this.
func (r *Resolver) Invalidate() {
	r.cache.Clear()
}

// Close stops the cache's background cleanup
func (r *Resolver) Close() {
	r.cache.Close()
}

func cloneConfig(cfg *ai.ProviderConfig) *ai.ProviderConfig {
	if cfg == nil {
		return nil
	}
	c := *cfg
	return &c
}
