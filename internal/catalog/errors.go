package catalog

import (
	"errors"
	"fmt"
)

// Sentinel errors matched through errors.Is by the typed errors below.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)

// FetchError reports a failed network fetch, timeout, or non-2xx status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ParseError reports malformed markup, a malformed key, or a bad option value.
type ParseError struct {
	Subject string
	Reason  string
	Err     error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %q: %s: %v", e.Subject, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %q: %s", e.Subject, e.Reason)
}

func (e *ParseError) Unwrap() error { return e.Err }

// NotFoundError reports an entity absent from the index or the object store.
type NotFoundError struct {
	Kind string
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NewNotFound builds a NotFoundError.
func NewNotFound(kind, key string) error {
	return &NotFoundError{Kind: kind, Key: key}
}

// ConflictError reports a uniqueness violation.
type ConflictError struct {
	Kind string
	Key  string
	Err  error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Key)
}

// Is lets errors.Is(err, ErrConflict) match.
func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func (e *ConflictError) Unwrap() error { return e.Err }

// ConsistencyWarning is a non-fatal mismatch between the object store and the index.
type ConsistencyWarning struct {
	Key    string
	Detail string
	Err    error
}

func (e *ConsistencyWarning) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("consistency warning for %s: %s: %v", e.Key, e.Detail, e.Err)
	}
	return fmt.Sprintf("consistency warning for %s: %s", e.Key, e.Detail)
}

func (e *ConsistencyWarning) Unwrap() error { return e.Err }

// IsNotFound reports whether err is, or wraps, a not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
