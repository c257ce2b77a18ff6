// Package offlinefetch is a composable HTTP request pipeline for clients that
// may go offline.
//
// The default client wraps the transport, outermost first, with
// authentication, caching, background sync and timeout/abort handling:
//
//	client := offlinefetch.New(offlinefetch.Config{Channel: reconcile.NewHTTPChannel(agentURL)})
//	pending, err := client.Post(agentURL+"/items", item, request.Options{
//		BgSync: request.BgSyncOptions{Confirm: askUser},
//	})
//	res, err := pending.Wait()
//
// Every middleware can also be used on its own to build a custom stack with Chain.
package offlinefetch

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/always-cache/offline-fetch/cache"
	abortcontroller "github.com/always-cache/offline-fetch/pkg/abort-controller"
	"github.com/always-cache/offline-fetch/pkg/metrics"
	"github.com/always-cache/offline-fetch/pkg/reconcile"
	"github.com/always-cache/offline-fetch/pkg/request"
	"github.com/always-cache/offline-fetch/pkg/transport"
	withabort "github.com/always-cache/offline-fetch/pkg/with-abort"
	withauth "github.com/always-cache/offline-fetch/pkg/with-auth"
	withbgsync "github.com/always-cache/offline-fetch/pkg/with-bgsync"
	withcache "github.com/always-cache/offline-fetch/pkg/with-cache"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// The middlewares of the default stack, for custom stacks.
var (
	WithAuth   = withauth.New
	WithCache  = withcache.New
	WithBgSync = withbgsync.New
	WithAbort  = withabort.New
	Chain      = request.Chain
)

type Config struct {
	// Transport performs the requests. A net/http transport using HTTPClient if nil.
	Transport  request.Func
	HTTPClient *http.Client
	// Stores holds cached responses. A memory store if nil.
	Stores *cache.Stores
	// DefaultStore is used by cached requests that do not name a store.
	DefaultStore string
	// Channel notifies the sync agent of confirmed background syncs.
	Channel reconcile.Channel
	// AbortFactory creates the cancellation tokens. The native factory if nil.
	AbortFactory *abortcontroller.Factory
	// Timeout of requests that do not set one. 5 seconds if zero.
	Timeout time.Duration
	// Logger to use. The global zerolog logger is used if nil.
	Logger  *zerolog.Logger
	Metrics *metrics.Collector
}

// Client performs requests through the default stack.
type Client struct {
	do request.Func
}

// New creates a client.
func New(config Config) *Client {
	logger := log.Logger
	if config.Logger != nil {
		logger = *config.Logger
	}

	base := config.Transport
	if base == nil {
		base = transport.New(transport.Config{Client: config.HTTPClient, Logger: &logger, Metrics: config.Metrics})
	}
	stores := config.Stores
	if stores == nil {
		stores = cache.NewStores(cache.Config{Logger: &logger, Metrics: config.Metrics})
	}
	factory := abortcontroller.NewFactory()
	if config.AbortFactory != nil {
		factory = *config.AbortFactory
	}

	return &Client{
		do: request.Chain(base,
			withauth.New(&logger),
			withcache.New(withcache.Config{Opener: withcache.FromStores(stores), DefaultStore: config.DefaultStore, Logger: &logger}),
			withbgsync.New(config.Channel, withbgsync.WithLogger(logger), withbgsync.WithMetrics(config.Metrics)),
			withabort.New(withabort.Config{Factory: factory, Timeout: config.Timeout, Logger: &logger}),
		),
	}
}

// Do performs a request.
func (c *Client) Do(url string, opts request.Options) (*request.Pending, error) {
	return c.do(url, opts)
}

// Func returns the pipeline of the client, to be wrapped further.
func (c *Client) Func() request.Func {
	return c.do
}

func (c *Client) Get(url string, opts request.Options) (*request.Pending, error) {
	opts.Method = http.MethodGet
	return c.do(url, opts)
}

// Post sends data encoded as JSON. A nil data sends no body.
func (c *Client) Post(url string, data any, opts request.Options) (*request.Pending, error) {
	return c.withData(url, http.MethodPost, data, opts)
}

// Put sends data encoded as JSON. A nil data sends no body.
func (c *Client) Put(url string, data any, opts request.Options) (*request.Pending, error) {
	return c.withData(url, http.MethodPut, data, opts)
}

// Patch sends data encoded as JSON. A nil data sends no body.
func (c *Client) Patch(url string, data any, opts request.Options) (*request.Pending, error) {
	return c.withData(url, http.MethodPatch, data, opts)
}

func (c *Client) Delete(url string, opts request.Options) (*request.Pending, error) {
	opts.Method = http.MethodDelete
	return c.do(url, opts)
}

func (c *Client) withData(url, method string, data any, opts request.Options) (*request.Pending, error) {
	opts.Method = method
	if data != nil {
		body, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		opts.Body = body
	}
	return c.do(url, opts)
}
