// Package withcache serves requests from a TTL-aware store.
//
// A request opts in with Options.Cache.Enabled. Its response is stored
// under "{store}.{key or url}" and returned for every later request with the
// same cache key until it expires.
//
// Concurrent misses on the same key share one inner call, which runs with the
// context of the first request. Cancelling that request also rejects the
// requests waiting on it with request.ErrAborted.
package withcache

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/always-cache/offline-fetch/cache"
	cachekey "github.com/always-cache/offline-fetch/pkg/cache-key"
	"github.com/always-cache/offline-fetch/pkg/request"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Getter is a get-or-compute store.
type Getter interface {
	Get(ctx context.Context, key string, opts cache.GetOptions) ([]byte, error)
}

// Opener opens the store of a namespace.
type Opener interface {
	Open(namespace string) Getter
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(namespace string) Getter

func (f OpenerFunc) Open(namespace string) Getter {
	return f(namespace)
}

// FromStores adapts cache.Stores to Opener.
func FromStores(stores *cache.Stores) Opener {
	return OpenerFunc(func(namespace string) Getter {
		return stores.Open(namespace)
	})
}

type Config struct {
	Opener Opener
	// DefaultStore is used by requests that do not name a store.
	DefaultStore string
	// Logger to use. The global zerolog logger is used if nil.
	Logger *zerolog.Logger
}

// New returns the cache middleware.
func New(config Config) request.Middleware {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	return func(next request.Func) request.Func {
		return func(url string, opts request.Options) (*request.Pending, error) {
			cacheOpts := opts.Cache
			opts.Cache = request.CacheOptions{}

			store := cacheOpts.Store
			if store == "" {
				store = config.DefaultStore
			}
			if !cacheOpts.Enabled || store == "" || config.Opener == nil {
				return next(url, opts)
			}

			key := cachekey.Key(store, cacheOpts.Key, url)
			getter := config.Opener.Open(store)
			logger.Trace().Str("url", url).Str("key", key).Msg("Request via cache")

			return request.Deferred(opts.Ctx(), func(ctx context.Context, attach func(*request.Pending)) (*request.Response, error) {
				bytes, err := getter.Get(ctx, key, cache.GetOptions{
					MaxAge: cacheOpts.Age,
					Compute: func(ctx context.Context) ([]byte, error) {
						pending, err := next(url, opts)
						if err != nil {
							return nil, err
						}
						attach(pending)
						res, err := pending.Wait()
						if err != nil {
							return nil, err
						}
						return json.Marshal(res)
					},
				})
				if err != nil {
					if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
						return nil, request.ErrAborted
					}
					return nil, err
				}
				var res request.Response
				if err := json.Unmarshal(bytes, &res); err != nil {
					return nil, err
				}
				return &res, nil
			}), nil
		}
	}
}
