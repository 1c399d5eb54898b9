// Package cache holds the persistent key-value stores behind the tiered
// resource cache. Values are opaque byte blobs; text tiers are stored as
// their UTF-8 bytes.
package cache

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("cache object not found")

// Store is the persistence contract shared by every backend. Get returns
// ErrNotFound when the key has never been written.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}
