package store

import (
	"bytes"
	"context"
	"io"
	"sync"
	"time"

	"github.com/audioscribe/audioscribe/internal/errors"
)

// ErrObjectNotFound is returned for absent object keys.
var ErrObjectNotFound = errors.NewStd("object not found")

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Size int64
}

// Blob is the object-store contract used for chunk payloads. Keys follow
// uploads/{parent_id}/chunk.{index}.{ext}.
type Blob interface {
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, bucket, key string) error
	Head(ctx context.Context, bucket, key string) (*ObjectInfo, error)
}

// Presigner is implemented by blob backends that can mint presigned PUT
// URLs so clients upload chunks directly to storage.
type Presigner interface {
	PresignPut(ctx context.Context, bucket, key string, expiry time.Duration) (string, error)
}

// MemoryBlob is an in-process Blob implementation for tests and single-node
// deployments.
type MemoryBlob struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryBlob creates an empty MemoryBlob.
func NewMemoryBlob() *MemoryBlob {
	return &MemoryBlob{objects: make(map[string][]byte)}
}

func blobKey(bucket, key string) string {
	return bucket + "/" + key
}

// Put stores data under bucket/key.
func (m *MemoryBlob) Put(_ context.Context, bucket, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	m.objects[blobKey(bucket, key)] = stored
	return nil
}

// Get returns a reader over the stored object or ErrObjectNotFound.
func (m *MemoryBlob) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[blobKey(bucket, key)]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Delete removes the object. Deleting an absent object is a no-op.
func (m *MemoryBlob) Delete(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, blobKey(bucket, key))
	return nil
}

// Head returns the object size or ErrObjectNotFound.
func (m *MemoryBlob) Head(_ context.Context, bucket, key string) (*ObjectInfo, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.objects[blobKey(bucket, key)]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return &ObjectInfo{Size: int64(len(data))}, nil
}

// Len returns the number of stored objects. Test helper.
func (m *MemoryBlob) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
