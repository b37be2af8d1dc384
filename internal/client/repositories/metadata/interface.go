// Package metadata is the client's key/value persistence layer: the shared
// cell that sibling processes read session state from.
package metadata

import (
	"context"
)

// Repository is a flat byte-valued key/value store. Get returns (nil, nil)
// for a missing key; Delete of a missing key is not an error.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// List returns every pair whose key starts with prefix ("" lists all).
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Clear(ctx context.Context) error
}
