// Package evidence defines the narrow blob interface the core needs to
// fetch and store opaque evidence bytes by key, with interchangeable
// backends selected by configuration outside the core.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/Mindburn-Labs/settld/pkg/canonical"
)

// Ref identifies stored evidence: the storage key plus the content hash.
type Ref struct {
	Key  string `json:"key"`
	Hash string `json:"hash"`
}

// ErrNotFound is returned when a ref does not resolve.
var ErrNotFound = errors.New("evidence: not found")

// Store is the evidence blob boundary.
type Store interface {
	Put(ctx context.Context, key string, data []byte) (Ref, error)
	Get(ctx context.Context, ref Ref) ([]byte, error)
}

// MemoryStore keeps blobs in process. Test and single-node default.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) (Ref, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
	return Ref{Key: key, Hash: canonical.HashBytes(data)}, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[ref.Key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Key)
	}
	return verify(ref, append([]byte(nil), data...))
}

// FileStore writes blobs under a root directory, one file per key.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("evidence: creating root: %w", err)
	}
	return &FileStore{root: root}, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) (Ref, error) {
	path := filepath.Join(s.root, filepath.Clean(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return Ref{}, fmt.Errorf("evidence: creating dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return Ref{}, fmt.Errorf("evidence: writing %s: %w", key, err)
	}
	return Ref{Key: key, Hash: canonical.HashBytes(data)}, nil
}

func (s *FileStore) Get(ctx context.Context, ref Ref) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.root, filepath.Clean(ref.Key)))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("evidence: reading %s: %w", ref.Key, err)
	}
	return verify(ref, data)
}

// verify rejects blobs whose bytes no longer match the ref's content hash.
func verify(ref Ref, data []byte) ([]byte, error) {
	if ref.Hash != "" && canonical.HashBytes(data) != ref.Hash {
		return nil, fmt.Errorf("evidence: content hash mismatch for %s", ref.Key)
	}
	return data, nil
}
