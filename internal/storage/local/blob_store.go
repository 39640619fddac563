// Package local implements a local filesystem object store that emulates
// bucket/key addressing under a base directory.
package local

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/imagevault/internal/catalog"
)

// stagingDir holds in-flight uploads. It sits beside the buckets and is
// rejected as a bucket name, so no key can ever land in it.
const stagingDir = ".staging"

// Config captures the parameters for the local filesystem blob store.
type Config struct {
	// BaseDir is the root directory; each bucket is a subdirectory.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// BlobStore implements catalog.ObjectStore on the local filesystem.
type BlobStore struct {
	baseDir string
}

// New creates a new local filesystem-backed blob store.
func New(cfg Config) (*BlobStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}

	// Check if the directory exists and is writable.
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
				return nil, fmt.Errorf("failed to create base directory: %w", mkErr)
			}
		} else {
			return nil, fmt.Errorf("failed to stat base directory: %w", err)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}

	testFile := filepath.Join(cfg.BaseDir, ".writable_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("base directory is not writable: %w", err)
	}
	if err := os.Remove(testFile); err != nil {
		return nil, fmt.Errorf("failed to clean up test file: %w", err)
	}

	return &BlobStore{
		baseDir: filepath.Clean(cfg.BaseDir),
	}, nil
}

// resolve maps bucket/key onto a path and rejects traversal outside the bucket.
func (s *BlobStore) resolve(bucket, key string) (string, error) {
	if strings.TrimSpace(bucket) == "" || strings.ContainsAny(bucket, `/\`) || bucket == "." || bucket == ".." || bucket == stagingDir {
		return "", fmt.Errorf("invalid bucket %q", bucket)
	}
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	bucketDir := filepath.Join(s.baseDir, bucket)
	fullPath := filepath.Clean(filepath.Join(bucketDir, filepath.FromSlash(key)))
	if !strings.HasPrefix(fullPath, bucketDir+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected")
	}
	return fullPath, nil
}

// List walks the bucket directory and returns keys under prefix in lexical order.
func (s *BlobStore) List(_ context.Context, bucket, prefix string) ([]string, error) {
	bucketDir := filepath.Join(s.baseDir, bucket)
	var keys []string
	err := filepath.WalkDir(bucketDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(bucketDir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Get opens the object file.
func (s *BlobStore) Get(_ context.Context, bucket, key string) (io.ReadCloser, error) {
	fullPath, err := s.resolve(bucket, key)
	if err != nil {
		return nil, err
	}
	// #nosec G304 -- path is confined to the bucket directory by resolve.
	f, err := os.Open(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, catalog.NewNotFound("object", bucket+"/"+key)
		}
		return nil, fmt.Errorf("open object: %w", err)
	}
	return f, nil
}

// Put writes the object through a temporary file and renames it into place,
// so readers never observe a partial object.
func (s *BlobStore) Put(_ context.Context, bucket, key, _ string, data io.Reader) error {
	fullPath, err := s.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o750); err != nil {
		return fmt.Errorf("failed to create parent directories: %w", err)
	}

	byteData, err := io.ReadAll(data)
	if err != nil {
		return fmt.Errorf("failed to read data from reader: %w", err)
	}

	staging := filepath.Join(s.baseDir, stagingDir)
	if err := os.MkdirAll(staging, 0o750); err != nil {
		return fmt.Errorf("failed to create staging directory: %w", err)
	}
	tmp, err := os.CreateTemp(staging, "put-*")
	if err != nil {
		return fmt.Errorf("failed to create staging file: %w", err)
	}
	_, writeErr := tmp.Write(byteData)
	closeErr := tmp.Close()
	if err := errors.Join(writeErr, closeErr); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := os.Rename(tmp.Name(), fullPath); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to move file into place: %w", err)
	}
	return nil
}

// Exists reports whether the object file is present.
func (s *BlobStore) Exists(_ context.Context, bucket, key string) (bool, error) {
	fullPath, err := s.resolve(bucket, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(fullPath)
	switch {
	case err == nil:
		return !info.IsDir(), nil
	case os.IsNotExist(err):
		return false, nil
	default:
		return false, fmt.Errorf("stat object: %w", err)
	}
}

// Delete removes the object file; a missing file is not an error.
func (s *BlobStore) Delete(_ context.Context, bucket, key string) error {
	fullPath, err := s.resolve(bucket, key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete object: %w", err)
	}
	return nil
}

// DeleteMany removes every key and reports all failures together.
func (s *BlobStore) DeleteMany(ctx context.Context, bucket string, keys []string) error {
	var errs []error
	for _, key := range keys {
		if err := s.Delete(ctx, bucket, key); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

// SignedURL returns a file:// URL carrying an expiry; the local backend has
// no signer, so the expiry is informational.
func (s *BlobStore) SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	fullPath, err := s.resolve(bucket, key)
	if err != nil {
		return "", err
	}
	ok, err := s.Exists(ctx, bucket, key)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", catalog.NewNotFound("object", bucket+"/"+key)
	}
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(fullPath)}
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(time.Now().Add(ttl).Unix(), 10))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ReadAll is a convenience used by tests and tools.
func (s *BlobStore) ReadAll(ctx context.Context, bucket, key string) ([]byte, error) {
	rc, err := s.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close() //nolint:errcheck // read-only handle
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, fmt.Errorf("read object: %w", err)
	}
	return buf.Bytes(), nil
}
