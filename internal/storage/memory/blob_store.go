// Package memory provides in-memory object store and index implementations
// for development and tests.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

// Op names a BlobStore operation for failure injection.
type Op string

// Injectable operations.
const (
	OpGet    Op = "get"
	OpPut    Op = "put"
	OpDelete Op = "delete"
	OpList   Op = "list"
)

// BlobStore keeps objects in memory and implements catalog.ObjectStore.
type BlobStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	types    map[string]string
	failures map[string]error
	puts     int
	deletes  int
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{
		data:     make(map[string][]byte),
		types:    make(map[string]string),
		failures: make(map[string]error),
	}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

func failureID(op Op, bucket, key string) string {
	return string(op) + ":" + objectID(bucket, key)
}

// FailOn makes op on bucket/key return err until cleared with a nil err.
func (s *BlobStore) FailOn(op Op, bucket, key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, failureID(op, bucket, key))
		return
	}
	s.failures[failureID(op, bucket, key)] = err
}

func (s *BlobStore) injected(op Op, bucket, key string) error {
	return s.failures[failureID(op, bucket, key)]
}

// List returns sorted keys under prefix.
func (s *BlobStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected(OpList, bucket, prefix); err != nil {
		return nil, err
	}
	var keys []string
	for id := range s.data {
		key, ok := strings.CutPrefix(id, bucket+"/")
		if !ok || !strings.HasPrefix(key, prefix) || strings.HasSuffix(key, "/") {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// Get returns a reader over a copy of the object.
func (s *BlobStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.injected(OpGet, bucket, key); err != nil {
		return nil, err
	}
	data, ok := s.data[objectID(bucket, key)]
	if !ok {
		return nil, catalog.NewNotFound("object", objectID(bucket, key))
	}
	return io.NopCloser(bytes.NewReader(append([]byte(nil), data...))), nil
}

// Put stores a copy of the reader's content.
func (s *BlobStore) Put(_ context.Context, bucket, key, contentType string, r io.Reader) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key is required")
	}
	byteData, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read data from reader: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpPut, bucket, key); err != nil {
		return err
	}
	s.data[objectID(bucket, key)] = byteData
	s.types[objectID(bucket, key)] = contentType
	s.puts++
	return nil
}

// Exists reports whether the object is present.
func (s *BlobStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[objectID(bucket, key)]
	return ok, nil
}

// Delete removes the object; deleting a missing object is not an error.
func (s *BlobStore) Delete(_ context.Context, bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.injected(OpDelete, bucket, key); err != nil {
		return err
	}
	if _, ok := s.data[objectID(bucket, key)]; ok {
		s.deletes++
	}
	delete(s.data, objectID(bucket, key))
	delete(s.types, objectID(bucket, key))
	return nil
}

// DeleteMany removes every listed key, stopping at the first failure.
func (s *BlobStore) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, bucket, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return nil
}

// SignedURL returns a pseudo URL carrying the expiry.
func (s *BlobStore) SignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	if ok, _ := s.Exists(context.Background(), bucket, key); !ok {
		return "", catalog.NewNotFound("object", objectID(bucket, key))
	}
	return fmt.Sprintf("memory://%s/%s?expires=%d", bucket, key, int64(ttl.Seconds())), nil
}

// Bytes returns a copy of the stored object, for assertions.
func (s *BlobStore) Bytes(bucket, key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[objectID(bucket, key)]
	return append([]byte(nil), data...), ok
}

// ContentType returns the content type recorded at Put.
func (s *BlobStore) ContentType(bucket, key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.types[objectID(bucket, key)]
}

// Puts counts successful Put calls.
func (s *BlobStore) Puts() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.puts
}

// Deletes counts Delete calls that removed an object.
func (s *BlobStore) Deletes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deletes
}
