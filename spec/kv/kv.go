package kv

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("kv: store is closed")

// Store is an ordered key to string store. Implementations must be safe for concurrent use
type Store interface {
	// Get returns false when the key does not exist
	Get(ctx context.Context, key string) (value string, found bool, err error)
	Set(ctx context.Context, key string, value string) error
	// Delete is a no-op for missing keys
	Delete(ctx context.Context, key string) error
	// ListKeys returns every key starting with prefix in ascending order
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}
