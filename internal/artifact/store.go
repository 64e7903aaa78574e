// Package artifact keeps raw uploaded bytes, keyed by an opaque location.
// It does no processing; metadata lives in the repository.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

var (
	// ErrNotFound is returned when no bytes are stored under a location.
	ErrNotFound = errors.New("artifact not found")

	// ErrTooLarge is returned by ReadAll when an artifact exceeds its limit.
	ErrTooLarge = errors.New("artifact too large")
)

// Store persists artifact bytes. Locations are produced by Put and are
// opaque to callers.
type Store interface {
	Put(ctx context.Context, id string, r io.Reader) (location string, size int64, err error)
	Open(ctx context.Context, location string) (io.ReadCloser, error)
	Delete(ctx context.Context, location string) error
	Close() error
}

// New returns the store selected by backend ("disk" or "badger") rooted at dir.
func New(backend, dir string) (Store, error) {
	switch strings.ToLower(backend) {
	case "", "disk":
		return NewDiskStore(dir)
	case "badger":
		return OpenBadgerStore(dir, false)
	default:
		return nil, fmt.Errorf("unknown artifact backend %q", backend)
	}
}

// ReadAll loads the bytes at location, reading at most limit bytes when
// limit > 0.
func ReadAll(ctx context.Context, s Store, location string, limit int64) ([]byte, error) {
	rc, err := s.Open(ctx, location)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	var r io.Reader = rc
	if limit > 0 {
		r = io.LimitReader(rc, limit+1)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading artifact %s: %w", location, err)
	}
	if limit > 0 && int64(len(data)) > limit {
		return nil, fmt.Errorf("artifact %s exceeds %d bytes: %w", location, limit, ErrTooLarge)
	}
	return data, nil
}

func validID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return fmt.Errorf("invalid artifact id %q", id)
	}
	return nil
}
