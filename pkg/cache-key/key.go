package cachekey

import (
	"errors"
	"strings"
)

var ErrMalformedKey = errors.New("malformed cache key")

const storeSeparator = "."

type CacheKeyer struct {
	// Name of the cache store (namespace).
	Store string
	// Cache key prefix for this store.
	StorePrefix string
}

func NewCacheKeyer(store string) CacheKeyer {
	return CacheKeyer{
		Store:       store,
		StorePrefix: store + storeSeparator,
	}
}

// Key returns the cache key for a request to url.
// An explicit key takes the place of the url, so that requests with the
// same store and key share the cached entry whatever their url.
func (c CacheKeyer) Key(url, key string) string {
	if key == "" {
		key = url
	}
	return c.StorePrefix + key
}

// Key is a shorthand for NewCacheKeyer(store).Key(url, key).
func Key(store, key, url string) string {
	return NewCacheKeyer(store).Key(url, key)
}

// Split returns the store and the request key (explicit key or url) of a cache key.
// Store names cannot contain the separator, so the first one ends the store.
func Split(cacheKey string) (store string, key string, err error) {
	store, key, found := strings.Cut(cacheKey, storeSeparator)
	if !found || store == "" {
		return "", "", ErrMalformedKey
	}
	return store, key, nil
}
