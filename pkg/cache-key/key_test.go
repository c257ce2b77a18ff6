package cachekey

import (
	"strings"
	"testing"
)

func TestExplicitKeyOverridesURL(t *testing.T) {
	if key := Key("test-store", "test", "mockUrl"); key != "test-store.test" {
		t.Fatalf("Key is %s", key)
	}
	if key := Key("test-store", "", "mockUrl"); key != "test-store.mockUrl" {
		t.Fatalf("Key is %s", key)
	}
}

func TestSameStoreAndKeyShareEntry(t *testing.T) {
	keygen := NewCacheKeyer("items")
	if a, b := keygen.Key("/items?page=1", "list"), keygen.Key("/items?page=2", "list"); a != b {
		t.Fatalf("Keys differ: %s, %s", a, b)
	}
}

func TestStorePrefixIncludesStore(t *testing.T) {
	store := "this-is-the-store"
	keygen := NewCacheKeyer(store)
	if !strings.HasPrefix(keygen.Key("/page", ""), keygen.StorePrefix) {
		t.Fatalf("StorePrefix is %s", keygen.StorePrefix)
	}
}

func TestSplit(t *testing.T) {
	store, key, err := Split(Key("test-store", "", "https://api.test/items.json"))
	if err != nil {
		t.Fatal(err)
	}
	if store != "test-store" || key != "https://api.test/items.json" {
		t.Fatalf("Split gave %s and %s", store, key)
	}
	if _, _, err := Split("no-separator"); err != ErrMalformedKey {
		t.Fatalf("Error is %v", err)
	}
}
