// Package store holds short-lived broker state (pending authorizations,
// authorization codes, grants) in a key/value store with per-entry TTL.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is missing or its TTL has elapsed.
var ErrNotFound = errors.New("store: not found")

// ErrInvalidTTL is returned by Put for a non-positive TTL.
var ErrInvalidTTL = errors.New("store: ttl must be positive")

// Store is the durable state store used by the broker.
//
// Take must be atomic: when two callers take the same key concurrently at most
// one of them receives the value, the other observes ErrNotFound.
type Store interface {
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Take(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
