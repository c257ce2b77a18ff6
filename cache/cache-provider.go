package cache

import (
	"database/sql"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// CacheProvider is an interface for a cache provider.
// It stores and retrieves []byte values, which represent serialized responses
// or queued requests. It also keeps track of expiration times of cache entries.
// A zero expiration time means the entry never expires.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// AllKeys calls the given callback for each key with the given prefix.
	AllKeys(prefix string, cb func(string))
	// All returns all unexpired cache entries that have the specific key prefix, ordered by key.
	All(prefix string) ([]CacheEntry, error)
	// Get returns the cached value for the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// If the cache entry has expired, the boolean should be false.
	// (In this case, the cache provider should also purge the entry.)
	Get(key string) ([]byte, bool, error)
	// Put stores the given value in the cache under the given key.
	// It also sets an expiration time for the entry.
	Put(key string, expires time.Time, bytes []byte) error
	// Oldest returns the key and expiration time of the oldest entry with the given prefix.
	// The oldest entry is the one with the earliest expiration time.
	// It should not return items where the expiry is zero.
	// An empty key means there is no such entry.
	Oldest(prefix string) (string, time.Time, error)
	// Purge removes the cache entry for the given key.
	Purge(key string) error
	// Has checks if the specified key exists in the cache.
	Has(key string) bool
}

type CacheEntry struct {
	Key     string
	Expires time.Time
	Bytes   []byte
}

func expired(expires time.Time) bool {
	return !expires.IsZero() && time.Now().After(expires)
}

type memCacheEntry struct {
	expires time.Time
	bytes   []byte
}

type MemCache struct {
	mutex *sync.RWMutex
	db    map[string]memCacheEntry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex: &sync.RWMutex{},
		db:    make(map[string]memCacheEntry),
	}
}

func (m MemCache) AllKeys(prefix string, cb func(string)) {
	m.mutex.RLock()
	keys := make([]string, 0, len(m.db))
	for key := range m.db {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	m.mutex.RUnlock()
	sort.Strings(keys)
	// callback outside of the lock, it may write to the cache
	for _, key := range keys {
		cb(key)
	}
}

func (m MemCache) All(prefix string) ([]CacheEntry, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]CacheEntry, 0)
	for key, val := range m.db {
		if strings.HasPrefix(key, prefix) && !expired(val.expires) {
			entries = append(entries, CacheEntry{
				Key:     key,
				Bytes:   val.bytes,
				Expires: val.expires,
			})
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries, nil
}

func (m MemCache) Get(key string) ([]byte, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	entry, ok := m.db[key]
	if !ok {
		return nil, false, nil
	}
	if expired(entry.expires) {
		delete(m.db, key)
		return nil, false, nil
	}
	return entry.bytes, true, nil
}

func (m MemCache) Put(key string, expires time.Time, bytes []byte) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memCacheEntry{expires, bytes}
	return nil
}

func (m MemCache) Oldest(prefix string) (string, time.Time, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range m.db {
		if !strings.HasPrefix(key, prefix) || entry.expires.IsZero() {
			continue
		}
		if oldestKey == "" || entry.expires.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.expires
		}
	}
	return oldestKey, oldestTime, nil
}

func (m MemCache) Purge(key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.db, key)
	return nil
}

func (m MemCache) Has(key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.db[key]
	return ok
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) (SQLiteCache, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteCache{}, err
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		key TEXT PRIMARY KEY,
		expires INTEGER,
		bytes BLOB
	)`)
	if err != nil {
		return SQLiteCache{}, err
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS expires_idx ON cache (expires)")
	if err != nil {
		return SQLiteCache{}, err
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		return SQLiteCache{}, err
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

// Close closes the underlying db.
func (s SQLiteCache) Close() error {
	return s.db.Close()
}

// unix stores the zero time as 0 so that it sorts out of Oldest.
func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func fromUnix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func (s SQLiteCache) AllKeys(prefix string, cb func(string)) {
	rows, err := s.db.Query("SELECT key FROM cache WHERE key LIKE ? ESCAPE '\\' ORDER BY key", likePrefix(prefix))
	if err != nil {
		return
	}
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			break
		}
		keys = append(keys, key)
	}
	rows.Close()
	for _, key := range keys {
		cb(key)
	}
}

func (s SQLiteCache) All(prefix string) ([]CacheEntry, error) {
	entries := make([]CacheEntry, 0)
	rows, err := s.db.Query(`SELECT key, expires, bytes
		FROM cache WHERE key LIKE ? ESCAPE '\' AND (expires = 0 OR expires >= ?)
		ORDER BY key`, likePrefix(prefix), time.Now().Unix())
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry CacheEntry
		var exp int64
		if err := rows.Scan(&entry.Key, &exp, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.Expires = fromUnix(exp)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s SQLiteCache) Get(key string) ([]byte, bool, error) {
	var expires int64
	var bytes []byte
	err := s.db.QueryRow("SELECT expires, bytes FROM cache WHERE key = ?", key).Scan(&expires, &bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expired(fromUnix(expires)) {
		return nil, false, s.Purge(key)
	}
	return bytes, true, nil
}

func (s SQLiteCache) Put(key string, expires time.Time, bytes []byte) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("INSERT OR REPLACE INTO cache (key, expires, bytes) VALUES (?, ?, ?)", key, unix(expires), bytes)
	return err
}

func (s SQLiteCache) Oldest(prefix string) (string, time.Time, error) {
	var key string
	var expires int64
	err := s.db.QueryRow(
		"SELECT key, expires FROM cache WHERE key LIKE ? ESCAPE '\\' AND expires > 0 ORDER BY expires ASC LIMIT 1",
		likePrefix(prefix),
	).Scan(&key, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return key, time.Unix(expires, 0), nil
}

func (s SQLiteCache) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE key = ?", key)
	return err
}

func (s SQLiteCache) Has(key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM cache WHERE key = ?", key).Scan(&one)
	return err == nil
}

// likePrefix escapes the LIKE wildcards in prefix and appends the "any suffix" wildcard.
func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
