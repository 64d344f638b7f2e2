// Package signing implements document signing against per-tenant PKCS#12
// credentials held in a blob store.
package signing

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// ErrBlobNotFound is returned when no blob exists for a reference.
var ErrBlobNotFound = errors.New("credential blob not found")

// BlobStore holds raw certificate bytes keyed by a tenant's credential
// reference. Implementations must treat blobs as opaque and read-only.
type BlobStore interface {
	Get(ctx context.Context, ref string) ([]byte, error)
}

// FileBlobStore reads credential blobs from a directory. References are
// file names relative to the root; path escapes are rejected.
type FileBlobStore struct {
	root string
}

// NewFileBlobStore creates a store rooted at dir.
func NewFileBlobStore(dir string) *FileBlobStore {
	return &FileBlobStore{root: dir}
}

// Get reads the blob for ref.
func (s *FileBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	clean := filepath.Clean(ref)
	if clean != ref || filepath.IsAbs(clean) || clean == ".." || len(clean) > 0 && clean[0] == '.' {
		return nil, ErrBlobNotFound
	}
	data, err := os.ReadFile(filepath.Join(s.root, clean))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrBlobNotFound
		}
		return nil, err
	}
	return data, nil
}

// MemoryBlobStore is an in-memory BlobStore for tests and seeding.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

// NewMemoryBlobStore creates an empty store.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

// Put stores a blob under ref.
func (s *MemoryBlobStore) Put(ref string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[ref] = data
}

// Get reads the blob for ref.
func (s *MemoryBlobStore) Get(ctx context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, ErrBlobNotFound
	}
	return data, nil
}
