// Package store persists the records of the risk service behind a small
// key/value contract. Keys are slash separated paths (see keys.go) so every
// backend can answer prefix listings.
package store

import (
	"context"
	"strings"

	xerrors "OpenGRC-Risk/internal/errors"
)

// ErrNotFound matches any error carrying CodeNotFound.
var ErrNotFound = xerrors.New(xerrors.CodeNotFound, "record not found")

// Record is one key/value pair returned by List.
type Record struct {
	Key   string
	Value []byte
}

// Store is a key-based repository. A value written with Put is returned by
// Get for the same key afterwards. List returns records in ascending key
// order. Implementations must be safe for concurrent use.
type Store interface {
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, prefix string) ([]Record, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "record key must not be empty")
	}
	if len(key) > maxKeyLength {
		return xerrors.New(xerrors.CodeInvalidArgument, "record key too long",
			xerrors.WithMetadata("key", key[:32]))
	}
	return nil
}

// maxKeyLength matches the record_key column width.
const maxKeyLength = 255

func notFound(key string) error {
	return xerrors.New(xerrors.CodeNotFound, "record not found", xerrors.WithMetadata("key", key))
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
