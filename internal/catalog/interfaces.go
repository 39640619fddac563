package catalog

import (
	"context"
	"io"
	"net/http"
	"time"
)

// ObjectStore is the capability set consumed from any object storage backend.
type ObjectStore interface {
	// List returns every key under prefix, excluding directory markers.
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	// Get opens the object; a missing object yields a NotFoundError.
	Get(ctx context.Context, bucket, key string) (io.ReadCloser, error)
	Put(ctx context.Context, bucket, key, contentType string, r io.Reader) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Delete(ctx context.Context, bucket, key string) error
	DeleteMany(ctx context.Context, bucket string, keys []string) error
	// SignedURL returns a time limited read URL for external callers.
	SignedURL(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Fetcher retrieves a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (FetchResponse, error)
}

// Hasher computes content fingerprints.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record identifiers.
type IDGenerator interface {
	NewID() (string, error)
}

// Publisher pushes operation events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// OperationEvent is published after every state changing operation.
type OperationEvent struct {
	Operation string         `json:"operation"`
	Subject   string         `json:"subject,omitempty"`
	Counts    map[string]int `json:"counts,omitempty"`
	Errors    int            `json:"errors"`
	At        time.Time      `json:"at"`
}
