// Package blobstore provides object storage for pipeline inputs and run
// logs. It defines the BlobStore interface, an in-memory implementation
// suitable for testing, an S3-compatible implementation (AWS S3 or
// Cloudflare R2), and helpers to open local-or-remote inputs by URI.
package blobstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrBlobNotFound = errors.New("blob not found")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrMissingKey   = errors.New("object key is required")
	ErrNoStore      = errors.New("remote path given but no object store configured")
)

// MaxFileSize is the maximum allowed blob size in bytes (512 MB).
const MaxFileSize = 512 * 1024 * 1024

// ---------------------------------------------------------------------------
// Domain types
// ---------------------------------------------------------------------------

// BlobMetadata describes a stored object.
type BlobMetadata struct {
	Bucket      string    `json:"bucket"`
	Key         string    `json:"key"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	Hash        string    `json:"hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore defines the contract for blob storage backends.
type BlobStore interface {
	Upload(ctx context.Context, bucket, key, contentType string, content io.Reader) (*BlobMetadata, error)
	Download(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	List(ctx context.Context, bucket, prefix string) ([]*BlobMetadata, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedBlob struct {
	metadata BlobMetadata
	content  []byte
}

// InMemoryBlobStore is a thread-safe, in-memory BlobStore for testing/dev.
type InMemoryBlobStore struct {
	mu    sync.RWMutex
	blobs map[string]*storedBlob
}

// NewInMemoryBlobStore returns a ready-to-use InMemoryBlobStore.
func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{
		blobs: make(map[string]*storedBlob),
	}
}

func blobID(bucket, key string) string { return bucket + "/" + key }

// Upload reads the content, computes a SHA-256 hash, and stores the object
// in memory, replacing any previous object with the same key.
func (s *InMemoryBlobStore) Upload(_ context.Context, bucket, key, contentType string, content io.Reader) (*BlobMetadata, error) {
	if key == "" {
		return nil, ErrMissingKey
	}

	data, err := io.ReadAll(io.LimitReader(content, MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading content: %w", err)
	}
	if int64(len(data)) > MaxFileSize {
		return nil, ErrFileTooLarge
	}

	h := sha256.Sum256(data)
	meta := BlobMetadata{
		Bucket:      bucket,
		Key:         key,
		ContentType: contentType,
		Size:        int64(len(data)),
		Hash:        fmt.Sprintf("%x", h),
		CreatedAt:   time.Now().UTC(),
	}

	s.mu.Lock()
	s.blobs[blobID(bucket, key)] = &storedBlob{metadata: meta, content: data}
	s.mu.Unlock()

	out := meta // copy
	return &out, nil
}

// Download returns an io.ReadCloser over the object content.
func (s *InMemoryBlobStore) Download(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	blob, ok := s.blobs[blobID(bucket, key)]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrBlobNotFound
	}
	return io.NopCloser(bytes.NewReader(blob.content)), nil
}

// List returns objects in bucket whose key starts with prefix, ordered by key.
func (s *InMemoryBlobStore) List(_ context.Context, bucket, prefix string) ([]*BlobMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*BlobMetadata
	for _, b := range s.blobs {
		if b.metadata.Bucket != bucket || !strings.HasPrefix(b.metadata.Key, prefix) {
			continue
		}
		meta := b.metadata
		out = append(out, &meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// ---------------------------------------------------------------------------
// URI helpers
// ---------------------------------------------------------------------------

const remoteScheme = "s3://"

// IsRemote reports whether path names an object (s3://bucket/key).
func IsRemote(path string) bool {
	return strings.HasPrefix(path, remoteScheme)
}

// ParseURI splits s3://bucket/key into its parts.
func ParseURI(uri string) (bucket, key string, err error) {
	if !IsRemote(uri) {
		return "", "", fmt.Errorf("not an object uri: %s", uri)
	}
	rest := strings.TrimPrefix(uri, remoteScheme)
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("object uri %s must be s3://bucket/key", uri)
	}
	return bucket, key, nil
}

// Open returns a reader over a local file or, for s3:// paths, over the
// object fetched from store. A nil store with a remote path yields ErrNoStore.
func Open(ctx context.Context, store BlobStore, path string) (io.ReadCloser, error) {
	if !IsRemote(path) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return f, nil
	}
	if store == nil {
		return nil, ErrNoStore
	}
	bucket, key, err := ParseURI(path)
	if err != nil {
		return nil, err
	}
	rc, err := store.Download(ctx, bucket, key)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}
	return rc, nil
}
