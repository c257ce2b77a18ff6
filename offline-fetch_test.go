package offlinefetch

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-fetch/agent"
	"github.com/always-cache/offline-fetch/cache"
	abortcontroller "github.com/always-cache/offline-fetch/pkg/abort-controller"
	"github.com/always-cache/offline-fetch/pkg/reconcile"
	"github.com/always-cache/offline-fetch/pkg/request"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type call struct {
	method string
	path   string
	body   string
}

type origin struct {
	mu     sync.Mutex
	calls  []call
	server *httptest.Server
}

func (o *origin) handle(status int, body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		o.mu.Lock()
		o.calls = append(o.calls, call{r.Method, r.URL.Path, string(b)})
		o.mu.Unlock()
		w.WriteHeader(status)
		w.Write([]byte(body))
	}
}

func (o *origin) all() []call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]call{}, o.calls...)
}

func startOrigin(t *testing.T) *origin {
	o := &origin{}
	r := chi.NewRouter()
	r.Get("/items", o.handle(http.StatusOK, `[{"id":1},{"id":2}]`))
	r.Post("/items", o.handle(http.StatusCreated, `{"id":3}`))
	r.Put("/items/{id}", o.handle(http.StatusOK, `{"id":1}`))
	r.Patch("/items/{id}", o.handle(http.StatusOK, `{"id":1}`))
	r.Delete("/items/{id}", o.handle(http.StatusNoContent, ``))
	o.server = httptest.NewServer(r)
	t.Cleanup(o.server.Close)
	return o
}

func countingFactory(count *atomic.Int32) *abortcontroller.Factory {
	return &abortcontroller.Factory{Provider: abortcontroller.ProviderFunc(func(parent context.Context) (context.Context, context.CancelFunc) {
		ctx, cancel := context.WithCancel(parent)
		return ctx, func() {
			count.Add(1)
			cancel()
		}
	})}
}

func quiet() *zerolog.Logger {
	logger := zerolog.Nop()
	return &logger
}

func TestResponseReturnedUnchanged(t *testing.T) {
	o := startOrigin(t)
	var aborts atomic.Int32
	client := New(Config{AbortFactory: countingFactory(&aborts), Timeout: 20 * time.Millisecond, Logger: quiet()})

	pending, err := client.Get(o.server.URL+"/items", request.Options{})
	require.NoError(t, err)
	res, err := pending.Wait()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.JSONEq(t, `[{"id":1},{"id":2}]`, string(res.Body))

	// the timeout of a settled request must not abort anything
	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, aborts.Load())
}

func TestShortcuts(t *testing.T) {
	o := startOrigin(t)
	client := New(Config{Logger: quiet()})

	wait := func(p *request.Pending, err error) *request.Response {
		require.NoError(t, err)
		res, err := p.Wait()
		require.NoError(t, err)
		return res
	}

	res := wait(client.Post(o.server.URL+"/items", map[string]string{"name": "x"}, request.Options{}))
	assert.Equal(t, http.StatusCreated, res.Status)
	var created struct{ ID int }
	require.NoError(t, res.Decode(&created))
	assert.Equal(t, 3, created.ID)

	wait(client.Put(o.server.URL+"/items/1", map[string]int{"n": 1}, request.Options{}))
	wait(client.Patch(o.server.URL+"/items/1", nil, request.Options{}))
	res = wait(client.Delete(o.server.URL+"/items/1", request.Options{}))
	assert.Equal(t, http.StatusNoContent, res.Status)

	assert.Equal(t, []call{
		{"POST", "/items", `{"name":"x"}`},
		{"PUT", "/items/1", `{"n":1}`},
		{"PATCH", "/items/1", ``},
		{"DELETE", "/items/1", ``},
	}, o.all())
}

func TestUnencodableData(t *testing.T) {
	client := New(Config{Logger: quiet()})
	_, err := client.Post("http://localhost/items", make(chan int), request.Options{})
	assert.Error(t, err)
}

func TestCachedThroughStack(t *testing.T) {
	o := startOrigin(t)
	client := New(Config{Stores: cache.NewStores(cache.Config{Logger: quiet()}), DefaultStore: "items", Logger: quiet()})

	for i := 0; i < 3; i++ {
		p, err := client.Get(o.server.URL+"/items", request.Options{Cache: request.CacheOptions{Enabled: true}})
		require.NoError(t, err)
		res, err := p.Wait()
		require.NoError(t, err)
		assert.JSONEq(t, `[{"id":1},{"id":2}]`, string(res.Body))
	}
	assert.Len(t, o.all(), 1)
}

func TestTransportErrorPropagated(t *testing.T) {
	o := startOrigin(t)
	client := New(Config{Logger: quiet()})

	p, err := client.Get(o.server.URL+"/missing", request.Options{})
	require.NoError(t, err)
	_, err = p.Wait()
	var terr *request.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, http.StatusNotFound, terr.StatusCode())
}

func TestCancelThroughStack(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	server := httptest.NewServer(r)
	defer server.Close()

	client := New(Config{Logger: quiet()})
	p, err := client.Get(server.URL+"/slow", request.Options{})
	require.NoError(t, err)
	p.Cancel()
	_, err = p.Wait()
	assert.ErrorIs(t, err, request.ErrAborted)
}

func TestBgSyncMethodNotSupported(t *testing.T) {
	client := New(Config{Logger: quiet()})
	_, err := client.Get("http://localhost/items", request.Options{
		BgSync: request.BgSyncOptions{Confirm: func(context.Context) error { return nil }},
	})
	assert.ErrorContains(t, err, "not supported")
}

// unreachable fails every round trip to the origin.
type unreachable struct{}

func (unreachable) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("dial tcp: connection refused")
}

// startOfflineAgent returns an agent in front of an origin it cannot reach.
func startOfflineAgent(t *testing.T) (*agent.Agent, *httptest.Server) {
	u, err := url.Parse("http://origin.invalid")
	require.NoError(t, err)
	a := agent.New(agent.Config{OriginURL: *u, Transport: unreachable{}, Logger: quiet()})
	server := httptest.NewServer(a)
	t.Cleanup(server.Close)
	return a, server
}

func TestOptimisticBgSyncWithAgent(t *testing.T) {
	a, server := startOfflineAgent(t)
	client := New(Config{Channel: reconcile.NewHTTPChannel(server.URL), Logger: quiet()})

	confirmed := 0
	p, err := client.Post(server.URL+"/items", map[string]string{"name": "x"}, request.Options{
		BgSync: request.BgSyncOptions{Confirm: func(context.Context) error {
			confirmed++
			return nil
		}},
	})
	require.NoError(t, err)
	res, err := p.Wait()
	require.NoError(t, err)
	assert.True(t, res.IsOffline())
	assert.Equal(t, 1, confirmed)

	// the confirmation removed the request the agent queued
	queued, err := a.Queued()
	require.NoError(t, err)
	assert.Empty(t, queued)
}

func TestOptimisticBgSyncDeclined(t *testing.T) {
	a, server := startOfflineAgent(t)
	client := New(Config{Channel: reconcile.NewHTTPChannel(server.URL), Logger: quiet()})

	p, err := client.Put(server.URL+"/items/1", map[string]int{"n": 1}, request.Options{
		BgSync: request.BgSyncOptions{Confirm: func(context.Context) error { return errors.New("declined") }},
	})
	require.NoError(t, err)
	res, err := p.Wait()
	require.NoError(t, err)
	assert.True(t, res.IsOffline())

	queued, err := a.Queued()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "PUT", queued[0].Request.Method)
}

func TestPessimisticBgSyncWithAgent(t *testing.T) {
	a, server := startOfflineAgent(t)
	client := New(Config{Channel: reconcile.NewHTTPChannel(server.URL), Logger: quiet()})

	confirm := func(ok bool) func(context.Context) error {
		return func(context.Context) error {
			if ok {
				return nil
			}
			return errors.New("declined")
		}
	}

	for _, ok := range []bool{false, true} {
		p, err := client.Delete(server.URL+"/items/1", request.Options{
			BgSync: request.BgSyncOptions{Confirm: confirm(ok), Mode: request.Pessimistic},
		})
		require.NoError(t, err)
		res, err := p.Wait()
		require.NoError(t, err)
		assert.True(t, res.IsOffline())
	}

	// only the confirmed request was queued
	queued, err := a.Queued()
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, "DELETE", queued[0].Request.Method)
}
