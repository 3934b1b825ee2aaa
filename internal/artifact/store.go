// Package artifact provides durable storage for raw model responses and
// rendered prompts. The store is deliberately dumb: write-once blobs behind
// opaque keys. The pipeline's core reliability invariant — every response is
// persisted before any parse attempt — rests on Put succeeding here first.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/chrbradley/constitutional-reasoning-engine-sub000/internal/domain"
)

// Store errors.
var (
	// ErrKeyEmpty indicates a Put or Get with no key.
	ErrKeyEmpty = errors.New("artifact key cannot be empty")

	// ErrNotFound indicates the referenced artifact does not exist.
	ErrNotFound = errors.New("artifact not found")
)

// Store provides write-once content storage keyed by artifact reference.
type Store interface {
	// Put stores content durably and returns a reference for later
	// retrieval. Existing content under the same key is never overwritten:
	// a colliding Put lands on a numbered sibling key, and the returned ref
	// carries the key that was actually written. Callers must read back
	// through the ref, never through the requested key.
	Put(ctx context.Context, key string, kind domain.ArtifactKind, content string) (domain.ArtifactRef, error)

	// Get retrieves stored content by reference.
	Get(ctx context.Context, ref domain.ArtifactRef) (string, error)

	// Exists checks presence without retrieving content.
	Exists(ctx context.Context, ref domain.ArtifactRef) (bool, error)
}

// MemoryStore is an in-memory Store for tests and development.
type MemoryStore struct {
	mu      sync.RWMutex
	storage map[string]string
}

// NewMemoryStore creates an empty in-memory artifact store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{storage: make(map[string]string)}
}

// Put stores content in memory and returns its reference. An occupied key
// is left intact; the content lands on the next free sibling key.
func (s *MemoryStore) Put(_ context.Context, key string, kind domain.ArtifactKind, content string) (domain.ArtifactRef, error) {
	if key == "" {
		return domain.ArtifactRef{}, ErrKeyEmpty
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	final := key
	for n := 1; ; n++ {
		if _, taken := s.storage[final]; !taken {
			break
		}
		final = siblingKey(key, n)
	}
	s.storage[final] = content

	return domain.ArtifactRef{Key: final, Size: int64(len(content)), Kind: kind}, nil
}

// Get retrieves stored content from memory.
func (s *MemoryStore) Get(_ context.Context, ref domain.ArtifactRef) (string, error) {
	if ref.Key == "" {
		return "", ErrKeyEmpty
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	content, ok := s.storage[ref.Key]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

// Exists checks artifact presence in memory.
func (s *MemoryStore) Exists(_ context.Context, ref domain.ArtifactRef) (bool, error) {
	if ref.Key == "" {
		return false, ErrKeyEmpty
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.storage[ref.Key]
	return ok, nil
}

// Len reports the number of stored artifacts (test helper).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.storage)
}

// siblingKey derives the nth alternative for an occupied key, numbered
// before the extension: "facts-attempt-0.txt" becomes "facts-attempt-0.1.txt".
func siblingKey(key string, n int) string {
	ext := path.Ext(key)
	return fmt.Sprintf("%s.%d%s", strings.TrimSuffix(key, ext), n, ext)
}
