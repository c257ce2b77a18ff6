package cache

import (
	"context"
	"errors"
	"time"

	cachekey "github.com/always-cache/offline-fetch/pkg/cache-key"
	"github.com/always-cache/offline-fetch/pkg/metrics"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrNotFound is returned by Store.Get on a miss without a Compute function.
var ErrNotFound = errors.New("cache entry not found")

type Config struct {
	Provider CacheProvider
	// DefaultMaxAge applies to entries stored without a max age.
	// Zero means entries never expire.
	DefaultMaxAge time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Collector
}

// Stores opens namespaced stores over a shared provider.
type Stores struct {
	provider      CacheProvider
	defaultMaxAge time.Duration
	log           zerolog.Logger
	metrics       *metrics.Collector
	group         *singleflight.Group
}

// NewStores returns the stores over config.Provider, or over a new MemCache if nil.
func NewStores(config Config) *Stores {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}
	provider := config.Provider
	if provider == nil {
		provider = NewMemCache()
	}
	return &Stores{
		provider:      provider,
		defaultMaxAge: config.DefaultMaxAge,
		log:           logger,
		metrics:       config.Metrics,
		group:         &singleflight.Group{},
	}
}

// Provider returns the underlying cache provider.
func (s *Stores) Provider() CacheProvider {
	return s.provider
}

// Open returns the store for namespace.
// Stores of the same namespace share entries and in-flight computations.
func (s *Stores) Open(namespace string) *Store {
	return &Store{
		stores: s,
		keyer:  cachekey.NewCacheKeyer(namespace),
		log:    s.log.With().Str("store", namespace).Logger(),
	}
}

// Store is a get-or-compute view over the entries of one namespace.
type Store struct {
	stores *Stores
	keyer  cachekey.CacheKeyer
	log    zerolog.Logger
}

type GetOptions struct {
	// Compute produces the value on a miss. Its errors are returned and not cached.
	Compute func(ctx context.Context) ([]byte, error)
	// MaxAge of a computed entry. The store default applies if zero.
	MaxAge time.Duration
}

// Name returns the namespace of the store.
func (s *Store) Name() string {
	return s.keyer.Store
}

// Key returns the cache key of a request to url in this store.
func (s *Store) Key(url, key string) string {
	return s.keyer.Key(url, key)
}

// Get returns the stored value for key.
// On a miss the value is computed and stored; concurrent misses on the
// same key share a single computation.
func (s *Store) Get(ctx context.Context, key string, opts GetOptions) ([]byte, error) {
	bytes, ok, err := s.stores.provider.Get(key)
	if err != nil {
		// a broken store should not break requests
		s.log.Error().Err(err).Str("key", key).Msg("Could not read cache entry")
		s.stores.metrics.CacheError(s.Name(), "get")
	}
	if ok {
		s.log.Trace().Str("key", key).Msg("Cache hit")
		s.stores.metrics.CacheHit(s.Name())
		return bytes, nil
	}
	s.stores.metrics.CacheMiss(s.Name())
	if opts.Compute == nil {
		return nil, ErrNotFound
	}

	s.log.Trace().Str("key", key).Msg("Cache miss, computing")
	ch := s.stores.group.DoChan(key, func() (interface{}, error) {
		bytes, err := opts.Compute(ctx)
		if err != nil {
			return nil, err
		}
		if err := s.Put(key, bytes, opts.MaxAge); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("Could not save cache entry")
			s.stores.metrics.CacheError(s.Name(), "put")
		}
		return bytes, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]byte), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Put stores value under key. A zero maxAge falls back to the store default.
func (s *Store) Put(key string, value []byte, maxAge time.Duration) error {
	return s.stores.provider.Put(key, s.expires(maxAge), value)
}

// Purge removes the entry under key.
func (s *Store) Purge(key string) error {
	return s.stores.provider.Purge(key)
}

// Keys calls cb with every key of the store.
func (s *Store) Keys(cb func(string)) {
	s.stores.provider.AllKeys(s.keyer.StorePrefix, cb)
}

// RequestKeys calls cb with the request key (explicit key or url) of every entry of the store.
func (s *Store) RequestKeys(cb func(string)) {
	s.Keys(func(cacheKey string) {
		if _, key, err := cachekey.Split(cacheKey); err == nil {
			cb(key)
		}
	})
}

func (s *Store) expires(maxAge time.Duration) time.Time {
	if maxAge <= 0 {
		maxAge = s.stores.defaultMaxAge
	}
	if maxAge <= 0 {
		return time.Time{}
	}
	return time.Now().Add(maxAge)
}
