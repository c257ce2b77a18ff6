package cache

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]CacheProvider {
	t.Helper()
	sqlite, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Close() })

	ps := map[string]CacheProvider{
		"memory": NewMemCache(),
		"sqlite": sqlite,
	}
	if addr := os.Getenv("OFFLINE_FETCH_REDIS_ADDR"); addr != "" {
		redis, err := NewRedisCache(addr, "", 0)
		require.NoError(t, err)
		t.Cleanup(func() { redis.Close() })
		ps["redis"] = redis
	}
	return ps
}

func TestProviderGetPut(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := "get-put." + name

			_, ok, err := p.Get(key)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.False(t, p.Has(key))

			require.NoError(t, p.Put(key, time.Now().Add(time.Hour), []byte("hello")))
			bytes, ok, err := p.Get(key)
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "hello", string(bytes))
			assert.True(t, p.Has(key))

			require.NoError(t, p.Purge(key))
			assert.False(t, p.Has(key))
		})
	}
}

func TestProviderZeroExpiryNeverExpires(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			key := "forever." + name
			require.NoError(t, p.Put(key, time.Time{}, []byte("x")))
			_, ok, err := p.Get(key)
			require.NoError(t, err)
			assert.True(t, ok)

			oldest, _, err := p.Oldest("forever.")
			require.NoError(t, err)
			assert.Empty(t, oldest, "entries without expiry are never the oldest")
			p.Purge(key)
		})
	}
}

func TestProviderExpiredIsMiss(t *testing.T) {
	for name, p := range providers(t) {
		if name == "redis" {
			// redis drops the key itself
			continue
		}
		t.Run(name, func(t *testing.T) {
			key := "expired." + name
			require.NoError(t, p.Put(key, time.Now().Add(-time.Hour), []byte("x")))
			_, ok, err := p.Get(key)
			require.NoError(t, err)
			assert.False(t, ok)
			assert.False(t, p.Has(key), "expired entries are purged on read")
		})
	}
}

func TestProviderOldestAndAll(t *testing.T) {
	for name, p := range providers(t) {
		t.Run(name, func(t *testing.T) {
			prefix := "oldest_" + name + "."
			now := time.Now()
			require.NoError(t, p.Put(prefix+"b", now.Add(2*time.Hour), []byte("b")))
			require.NoError(t, p.Put(prefix+"a", now.Add(3*time.Hour), []byte("a")))
			require.NoError(t, p.Put(prefix+"c", now.Add(1*time.Hour), []byte("c")))
			require.NoError(t, p.Put("other.d", now.Add(time.Minute), []byte("d")))

			key, expiry, err := p.Oldest(prefix)
			require.NoError(t, err)
			assert.Equal(t, prefix+"c", key)
			assert.WithinDuration(t, now.Add(time.Hour), expiry, time.Second)

			entries, err := p.All(prefix)
			require.NoError(t, err)
			require.Len(t, entries, 3)
			assert.Equal(t, prefix+"a", entries[0].Key)
			assert.Equal(t, prefix+"c", entries[2].Key)

			var keys []string
			p.AllKeys(prefix, func(k string) { keys = append(keys, k) })
			assert.Equal(t, []string{prefix + "a", prefix + "b", prefix + "c"}, keys)

			for _, k := range append(keys, "other.d") {
				p.Purge(k)
			}
		})
	}
}

func TestSQLitePrefixIsLiteral(t *testing.T) {
	p, err := NewSQLiteCache(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.Put("a_b.1", time.Time{}, []byte("1")))
	require.NoError(t, p.Put("axb.2", time.Time{}, []byte("2")))

	entries, err := p.All("a_b.")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a_b.1", entries[0].Key)
}

func TestGlobPrefix(t *testing.T) {
	assert.Equal(t, `bgsync:\*\?\[x\]*`, globPrefix("bgsync:*?[x]"))
}
