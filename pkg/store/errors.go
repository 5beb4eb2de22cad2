package store

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Read when no value exists at the requested key.
// It is distinct from BackendError so callers can treat an absent object as
// a normal condition rather than a store failure.
var ErrNotFound = errors.New("key not found")

// BackendError wraps any failure coming from the underlying datastore,
// including malformed payloads found at a key.
type BackendError struct {
	Key string
	Err error
}

func (e *BackendError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("backend error: %v", e.Err)
	}
	return fmt.Sprintf("backend error at key %s: %v", e.Key, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// wrapErr converts a raw driver error into a BackendError, leaving
// ErrNotFound and already-wrapped errors untouched.
func wrapErr(key string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var be *BackendError
	if errors.As(err, &be) {
		return err
	}
	return &BackendError{Key: key, Err: err}
}
