// Package kv provides the namespaced, TTL-aware durable map backing the
// work queue, dedup sets, retry metadata, and cursor checkpoints.
//
// Keys are hierarchical strings with ':' separators; values are opaque
// bytes. Range scans return entries in lexicographic key order over the
// half-open interval [start, end). Expired entries are invisible to reads
// and may be lazily reclaimed.
package kv

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for store failure classification.
var (
	// ErrStoreUnavailable indicates a transport failure. Retryable by the caller.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrSerialization indicates a value that failed to decode.
	ErrSerialization = errors.New("serialization error")
)

// Entry is a key-value pair returned by range scans.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the key-value contract. Implementations are safe for
// concurrent use. Concurrent Put on one key is last-writer-wins; a Get
// never observes a torn value.
type Store interface {
	// Put writes value under key. ttl <= 0 means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get returns the value for key, or (nil, false, nil) when absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Delete removes key, reporting whether it was present.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether key is present and unexpired.
	Exists(ctx context.Context, key string) (bool, error)

	// RangeGet returns entries with start <= key < end in lexicographic
	// order. Empty end means open-ended. limit <= 0 means no limit.
	RangeGet(ctx context.Context, start, end string, limit int) ([]Entry, error)

	// Close releases store resources.
	Close() error
}

// unavailable wraps a transport error with the retryable sentinel.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
