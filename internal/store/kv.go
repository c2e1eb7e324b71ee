// Package store provides the two shared-state abstractions of the pipeline:
// a TTL'd key-value store for job records and an object store for chunk
// payloads. Both are consumed through interfaces; implementations here cover
// an in-process cache and S3.
package store

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/audioscribe/audioscribe/internal/errors"
)

// ErrKeyNotFound is returned by KV.Get for absent keys.
var ErrKeyNotFound = errors.NewStd("key not found")

// KVEntry describes one key returned by List.
type KVEntry struct {
	Name       string
	Expiration int64 // unix seconds, 0 when the entry does not expire
}

// KV is the key-value store contract. Values are UTF-8 JSON strings; every
// put carries a TTL. Semantics are last-writer-wins on individual keys.
type KV interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string, limit int) ([]KVEntry, error)
}

// MemoryKV is an in-process KV implementation backed by go-cache. It honors
// per-key TTLs and is safe for concurrent use.
type MemoryKV struct {
	c  *cache.Cache
	mu sync.RWMutex // serializes List against concurrent expiry sweeps
}

// NewMemoryKV creates a MemoryKV with a 10-minute expiry sweep.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		c: cache.New(cache.NoExpiration, 10*time.Minute),
	}
}

// Get returns the value for key or ErrKeyNotFound.
func (m *MemoryKV) Get(_ context.Context, key string) (string, error) {
	v, found := m.c.Get(key)
	if !found {
		return "", ErrKeyNotFound
	}
	return v.(string), nil
}

// Put stores value under key with the given TTL. A zero TTL stores the key
// without expiration.
func (m *MemoryKV) Put(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	m.c.Set(key, value, ttl)
	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

// List returns up to limit entries whose names start with prefix.
func (m *MemoryKV) List(_ context.Context, prefix string, limit int) ([]KVEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []KVEntry
	for key, item := range m.c.Items() {
		if prefix != "" && !strings.HasPrefix(key, prefix) {
			continue
		}
		var expiration int64
		if item.Expiration > 0 {
			expiration = time.Unix(0, item.Expiration).Unix()
		}
		entries = append(entries, KVEntry{Name: key, Expiration: expiration})
		if limit > 0 && len(entries) >= limit {
			break
		}
	}
	return entries, nil
}
