// Package archive provides content-addressed blob storage for kernel
// artifacts: settled run snapshots and dead-lettered events. Blobs are
// keyed by their SHA-256 digest, so writes are idempotent and retrieved
// content can always be re-verified against its key.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const digestPrefix = "sha256:"

// ParseDigest validates a "sha256:<hex>" digest and returns the raw hex
// portion.
func ParseDigest(digest string) (string, error) {
	if !strings.HasPrefix(digest, digestPrefix) {
		return "", fmt.Errorf("invalid digest format: %s", digest)
	}
	raw := digest[len(digestPrefix):]
	if len(raw) != sha256.Size*2 {
		return "", fmt.Errorf("invalid digest length: %s", digest)
	}
	if _, err := hex.DecodeString(raw); err != nil {
		return "", fmt.Errorf("invalid digest hex: %w", err)
	}
	return raw, nil
}

func digestOf(data []byte) (string, string) {
	sum := sha256.Sum256(data)
	raw := hex.EncodeToString(sum[:])
	return digestPrefix + raw, raw
}

// BlobStore is the contract for content-addressed archival backends.
type BlobStore interface {
	// Put persists data and returns its digest ("sha256:<hex>").
	// Storing the same bytes twice is a no-op.
	Put(ctx context.Context, data []byte) (string, error)
	// Fetch retrieves data by digest.
	Fetch(ctx context.Context, digest string) ([]byte, error)
	// Exists reports whether a blob is present.
	Exists(ctx context.Context, digest string) (bool, error)
	// Remove deletes a blob. Removing a missing blob is not an error.
	Remove(ctx context.Context, digest string) error
}

// FileBlobStore is a filesystem-backed BlobStore. Blobs are written to a
// temp file and renamed into place, so partially written blobs are never
// visible under their final name.
type FileBlobStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileBlobStore creates a blob store rooted at dir.
func NewFileBlobStore(dir string) (*FileBlobStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure archive dir: %w", err)
	}
	return &FileBlobStore{dir: dir}, nil
}

func (s *FileBlobStore) path(raw string) string {
	return filepath.Join(s.dir, raw+".blob")
}

func (s *FileBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	digest, raw := digestOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(raw)
	if _, err := os.Stat(path); err == nil {
		return digest, nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("commit blob: %w", err)
	}
	return digest, nil
}

func (s *FileBlobStore) Fetch(ctx context.Context, digest string) ([]byte, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(raw))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob not found: %s", digest)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	return io.ReadAll(f)
}

func (s *FileBlobStore) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, err = os.Stat(s.path(raw))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("stat blob: %w", err)
}

func (s *FileBlobStore) Remove(ctx context.Context, digest string) error {
	raw, err := ParseDigest(digest)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(raw)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}

// MemoryBlobStore is an in-process BlobStore for tests and single-node
// deployments with no durable archive configured.
type MemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte
}

func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{blobs: make(map[string][]byte)}
}

func (s *MemoryBlobStore) Put(ctx context.Context, data []byte) (string, error) {
	digest, raw := digestOf(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[raw]; !ok {
		cp := make([]byte, len(data))
		copy(cp, data)
		s.blobs[raw] = cp
	}
	return digest, nil
}

func (s *MemoryBlobStore) Fetch(ctx context.Context, digest string) ([]byte, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.blobs[raw]
	if !ok {
		return nil, fmt.Errorf("blob not found: %s", digest)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryBlobStore) Exists(ctx context.Context, digest string) (bool, error) {
	raw, err := ParseDigest(digest)
	if err != nil {
		return false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.blobs[raw]
	return ok, nil
}

func (s *MemoryBlobStore) Remove(ctx context.Context, digest string) error {
	raw, err := ParseDigest(digest)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, raw)
	return nil
}

// Digests returns all stored digests, sorted. Test helper.
func (s *MemoryBlobStore) Digests() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.blobs))
	for raw := range s.blobs {
		out = append(out, digestPrefix+raw)
	}
	sort.Strings(out)
	return out
}
