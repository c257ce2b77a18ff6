package request

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

const (
	// StatusTextOffline is the status text of the offline sentinel.
	StatusTextOffline = "offline"
	// StatusTextBgSynced is the status text of a request the server queued for background sync.
	StatusTextBgSynced = "bgSynced"
)

// Func performs a request and returns a handle to its eventual result.
// A non-nil error means the request was rejected before it started
// (e.g. an invalid configuration); failures of the call itself are
// reported through the returned Pending.
type Func func(url string, opts Options) (*Pending, error)

// Middleware wraps a Func with extra behaviour.
type Middleware func(next Func) Func

// Chain wraps the transport with the given middlewares.
// Middlewares are listed outermost first, so that
//
//	Chain(transport, auth, cache)
//
// is equal to
//
//	auth(cache(transport))
func Chain(transport Func, middlewares ...Middleware) Func {
	f := transport
	for i := len(middlewares) - 1; i >= 0; i-- {
		f = middlewares[i](f)
	}
	return f
}

// Options configures a single request.
// Every middleware zeroes the part it consumes before calling the next layer.
type Options struct {
	// HTTP method, GET if empty.
	Method string
	Header http.Header
	Body   []byte
	// Parent context of the request. Background if nil.
	Context context.Context
	// Cancellation token handed to the transport. Set by the abort middleware.
	Signal context.Context
	// Timeout of the transport call. Consumed by the abort middleware, 5s if zero.
	Timeout time.Duration
	Cache   CacheOptions
	BgSync  BgSyncOptions
	Auth    AuthOptions
	// Extra holds anything not known to the middlewares. It is passed through untouched.
	Extra map[string]any
}

// CacheOptions is consumed by the cache middleware.
type CacheOptions struct {
	// Enabled opts the request in to caching.
	Enabled bool
	// Store is the namespace of the cache store.
	Store string
	// Age is how long the response stays fresh. The store default applies if zero.
	Age time.Duration
	// Key overrides the URL in the cache key.
	Key string
}

// BgSyncMode selects the order of the background sync steps.
type BgSyncMode int

const (
	// Optimistic retries the request first and runs the confirmation only
	// after the server acknowledged the queued request.
	Optimistic BgSyncMode = iota
	// Pessimistic runs the confirmation first and only retries if it succeeds.
	Pessimistic
)

func (m BgSyncMode) String() string {
	if m == Pessimistic {
		return "pessimistic"
	}
	return "optimistic"
}

// BgSyncOptions is consumed by the background sync middleware.
type BgSyncOptions struct {
	// Confirm enables background sync for the request.
	// In optimistic mode a nil error drops the queued request again;
	// in pessimistic mode a nil error lets the request be queued.
	Confirm func(ctx context.Context) error
	Mode    BgSyncMode
}

// AuthOptions is consumed by the auth middleware.
type AuthOptions struct {
	Client oauth2.TokenSource
	// OnError is called with token errors. Returning nil lets the request
	// continue without an Authorization header.
	OnError func(error) error
}

// Ctx returns the parent context of the request.
func (o Options) Ctx() context.Context {
	if o.Context != nil {
		return o.Context
	}
	return context.Background()
}

// MethodOrDefault returns the request method, GET if not set.
func (o Options) MethodOrDefault() string {
	if o.Method == "" {
		return http.MethodGet
	}
	return o.Method
}

// Response is the normalized result of a request.
type Response struct {
	Status     int             `json:"status"`
	StatusText string          `json:"statusText"`
	Header     http.Header     `json:"header,omitempty"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Offline returns the sentinel response used when there is no connectivity.
func Offline() *Response {
	return &Response{Status: -1, StatusText: StatusTextOffline}
}

// IsOffline reports whether the response signals missing connectivity.
func (r *Response) IsOffline() bool {
	return r != nil && r.StatusText == StatusTextOffline
}

// IsBgSynced reports whether the server queued the request for background sync.
func (r *Response) IsBgSynced() bool {
	return r != nil && r.StatusText == StatusTextBgSynced
}

// Decode unmarshals the response body into v.
// An empty body leaves v untouched.
func (r *Response) Decode(v any) error {
	if r == nil || len(r.Body) == 0 {
		return nil
	}
	return json.Unmarshal(r.Body, v)
}
