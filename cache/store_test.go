package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-fetch/pkg/metrics"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counter(calls *atomic.Int32, value string) func(context.Context) ([]byte, error) {
	return func(context.Context) ([]byte, error) {
		calls.Add(1)
		return []byte(value), nil
	}
}

func TestStoreMissComputesThenHits(t *testing.T) {
	store := NewStores(Config{Metrics: metrics.New(prometheus.NewRegistry())}).Open("items")
	var calls atomic.Int32

	v, err := store.Get(context.Background(), "items.mockUrl", GetOptions{Compute: counter(&calls, "first")})
	require.NoError(t, err)
	assert.Equal(t, "first", string(v))

	v, err = store.Get(context.Background(), "items.mockUrl", GetOptions{Compute: counter(&calls, "second")})
	require.NoError(t, err)
	assert.Equal(t, "first", string(v))
	assert.Equal(t, int32(1), calls.Load())
}

func TestStoreMissWithoutCompute(t *testing.T) {
	store := NewStores(Config{}).Open("items")
	_, err := store.Get(context.Background(), "items.none", GetOptions{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreComputeErrorNotCached(t *testing.T) {
	store := NewStores(Config{}).Open("items")
	_, err := store.Get(context.Background(), "items.x", GetOptions{
		Compute: func(context.Context) ([]byte, error) { return nil, assert.AnError },
	})
	assert.ErrorIs(t, err, assert.AnError)

	var calls atomic.Int32
	v, err := store.Get(context.Background(), "items.x", GetOptions{Compute: counter(&calls, "ok")})
	require.NoError(t, err)
	assert.Equal(t, "ok", string(v))
	assert.Equal(t, int32(1), calls.Load())
}

func TestStoreMaxAge(t *testing.T) {
	store := NewStores(Config{DefaultMaxAge: time.Hour}).Open("items")
	var calls atomic.Int32

	_, err := store.Get(context.Background(), "items.x", GetOptions{Compute: counter(&calls, "a"), MaxAge: 20 * time.Millisecond})
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	v, err := store.Get(context.Background(), "items.x", GetOptions{Compute: counter(&calls, "b")})
	require.NoError(t, err)
	assert.Equal(t, "b", string(v))
	assert.Equal(t, int32(2), calls.Load())
}

func TestStoreDefaultMaxAge(t *testing.T) {
	stores := NewStores(Config{DefaultMaxAge: time.Hour})
	store := stores.Open("items")
	require.NoError(t, store.Put("items.x", []byte("x"), 0))

	key, expiry, err := stores.Provider().Oldest("items.")
	require.NoError(t, err)
	assert.Equal(t, "items.x", key)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expiry, time.Second)
}

func TestStoreDedupesConcurrentMisses(t *testing.T) {
	store := NewStores(Config{}).Open("items")
	var calls atomic.Int32
	release := make(chan struct{})
	compute := func(context.Context) ([]byte, error) {
		calls.Add(1)
		<-release
		return []byte("v"), nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := store.Get(context.Background(), "items.same", GetOptions{Compute: compute})
			assert.NoError(t, err)
			assert.Equal(t, "v", string(v))
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestStoreGetGivesUpWithContext(t *testing.T) {
	store := NewStores(Config{}).Open("items")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := store.Get(ctx, "items.slow", GetOptions{Compute: func(ctx context.Context) ([]byte, error) {
		time.Sleep(50 * time.Millisecond)
		return []byte("late"), nil
	}})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStoreKeys(t *testing.T) {
	stores := NewStores(Config{})
	items := stores.Open("items")
	require.NoError(t, items.Put(items.Key("/a", ""), []byte("a"), 0))
	require.NoError(t, stores.Open("other").Put("other./b", []byte("b"), 0))

	var keys []string
	items.Keys(func(k string) { keys = append(keys, k) })
	assert.Equal(t, []string{"items./a"}, keys)

	var requestKeys []string
	items.RequestKeys(func(k string) { requestKeys = append(requestKeys, k) })
	assert.Equal(t, []string{"/a"}, requestKeys)
}

func TestStoreRequestKeysWithDottedKeys(t *testing.T) {
	stores := NewStores(Config{})
	items := stores.Open("items")
	require.NoError(t, items.Put(items.Key("https://api.test/items.json", ""), []byte("a"), 0))

	var requestKeys []string
	items.RequestKeys(func(k string) { requestKeys = append(requestKeys, k) })
	assert.Equal(t, []string{"https://api.test/items.json"}, requestKeys)
}

func TestJanitorSweep(t *testing.T) {
	p := NewMemCache()
	require.NoError(t, p.Put("items.old", time.Now().Add(-time.Minute), []byte("x")))
	require.NoError(t, p.Put("items.older", time.Now().Add(-time.Hour), []byte("x")))
	require.NoError(t, p.Put("items.fresh", time.Now().Add(time.Hour), []byte("x")))
	require.NoError(t, p.Put("items.forever", time.Time{}, []byte("x")))

	purged, err := Janitor{Provider: p, Prefix: "items."}.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 2, purged)
	assert.True(t, p.Has("items.fresh"))
	assert.True(t, p.Has("items.forever"))
	assert.False(t, p.Has("items.old"))
}

func TestJanitorRunStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		Janitor{Provider: NewMemCache(), Interval: time.Millisecond}.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}
