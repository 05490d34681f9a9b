// Package statusstore declares the narrow key/value contract that the
// cache manager and the copy workers use to coordinate. The backing
// store may be flushed at any time, so a miss is an expected outcome,
// never an error.
package statusstore

import (
	"context"
	"errors"
	"time"
)

var ErrMiss = errors.New("status store entry not found")

type Fields map[string]string

type Store interface {
	// Get returns the fields stored under key or ErrMiss.
	Get(ctx context.Context, key string) (Fields, error)

	// Put atomically stores the fields and arms the TTL.
	Put(ctx context.Context, key string, fields Fields, ttl time.Duration) error

	Delete(ctx context.Context, key string) error

	// SetIfAbsent is the conditional write used for single-flight
	// locks: it succeeds only when no value is stored under key yet.
	SetIfAbsent(ctx context.Context, key string, value string, ttl time.Duration) (bool, error)
}
