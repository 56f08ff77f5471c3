// Package queue implements the durable FIFO work queue over the
// key-value store. Queue items are pending bundle requests; the queue
// survives process restarts because both items and ordering live in the
// store.
package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/pithecene-io/dredge/kv"
	"github.com/pithecene-io/dredge/types"
)

// counterWidth zero-pads item keys so lexicographic store order matches
// numeric enqueue order.
const counterWidth = 20

// Queue is a FIFO over one key namespace in the store. Safe for
// concurrent producers and consumers; cross-process ordering relies on
// the store's atomic delete.
type Queue struct {
	store  kv.Store
	codec  kv.Codec
	prefix string

	mu   sync.Mutex
	next uint64
}

// Open creates a queue under namespace and resumes the item counter from
// whatever the store already holds, so a restarted run appends after its
// surviving items.
func Open(ctx context.Context, store kv.Store, codec kv.Codec, namespace string) (*Queue, error) {
	if store == nil {
		return nil, types.NewError(types.KindConfiguration, "queue requires a store", nil)
	}
	if codec == nil {
		codec = kv.JSONCodec{}
	}
	q := &Queue{
		store:  store,
		codec:  codec,
		prefix: namespace + ":queue:",
	}

	entries, err := store.RangeGet(ctx, q.prefix, q.end(), 0)
	if err != nil {
		return nil, fmt.Errorf("resume queue %q: %w", namespace, err)
	}
	for _, e := range entries {
		n, err := q.parseKey(e.Key)
		if err != nil {
			continue
		}
		if n >= q.next {
			q.next = n + 1
		}
	}
	return q, nil
}

// Enqueue appends one request.
func (q *Queue) Enqueue(ctx context.Context, req *types.RequestMeta) error {
	if err := req.Validate(); err != nil {
		return err
	}
	value, err := q.codec.Encode(req)
	if err != nil {
		return fmt.Errorf("encode queue item: %w: %w", kv.ErrSerialization, err)
	}

	q.mu.Lock()
	n := q.next
	q.next++
	q.mu.Unlock()

	if err := q.store.Put(ctx, q.key(n), value, 0); err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	return nil
}

// EnqueueAll appends requests in order and reports how many were
// stored. A failure partway leaves the earlier items queued, so callers
// deliver at least once rather than losing the batch.
func (q *Queue) EnqueueAll(ctx context.Context, reqs []*types.RequestMeta) (int, error) {
	for i, req := range reqs {
		if err := q.Enqueue(ctx, req); err != nil {
			return i, err
		}
	}
	return len(reqs), nil
}

// Dequeue removes and returns the oldest request. The second return is
// false when the queue is empty. Concurrent consumers race on the
// store's delete, so an item is delivered to exactly one of them.
func (q *Queue) Dequeue(ctx context.Context) (*types.RequestMeta, bool, error) {
	for {
		entries, err := q.store.RangeGet(ctx, q.prefix, q.end(), 16)
		if err != nil {
			return nil, false, fmt.Errorf("dequeue scan: %w", err)
		}
		if len(entries) == 0 {
			return nil, false, nil
		}
		for _, e := range entries {
			won, err := q.store.Delete(ctx, e.Key)
			if err != nil {
				return nil, false, fmt.Errorf("dequeue claim: %w", err)
			}
			if !won {
				// Another consumer claimed it first.
				continue
			}
			var req types.RequestMeta
			if err := q.codec.Decode(e.Value, &req); err != nil {
				return nil, false, fmt.Errorf("decode queue item %q: %w: %w", e.Key, kv.ErrSerialization, err)
			}
			return &req, true, nil
		}
	}
}

// Peek returns the oldest request without removing it.
func (q *Queue) Peek(ctx context.Context) (*types.RequestMeta, bool, error) {
	entries, err := q.store.RangeGet(ctx, q.prefix, q.end(), 1)
	if err != nil {
		return nil, false, fmt.Errorf("peek: %w", err)
	}
	if len(entries) == 0 {
		return nil, false, nil
	}
	var req types.RequestMeta
	if err := q.codec.Decode(entries[0].Value, &req); err != nil {
		return nil, false, fmt.Errorf("decode queue item %q: %w: %w", entries[0].Key, kv.ErrSerialization, err)
	}
	return &req, true, nil
}

// Size counts pending items.
func (q *Queue) Size(ctx context.Context) (int, error) {
	entries, err := q.store.RangeGet(ctx, q.prefix, q.end(), 0)
	if err != nil {
		return 0, fmt.Errorf("size: %w", err)
	}
	return len(entries), nil
}

// Clear drops every pending item.
func (q *Queue) Clear(ctx context.Context) error {
	entries, err := q.store.RangeGet(ctx, q.prefix, q.end(), 0)
	if err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	for _, e := range entries {
		if _, err := q.store.Delete(ctx, e.Key); err != nil {
			return fmt.Errorf("clear %q: %w", e.Key, err)
		}
	}
	return nil
}

// Close releases the queue. The underlying store is shared and stays
// open.
func (q *Queue) Close() error { return nil }

func (q *Queue) key(n uint64) string {
	return fmt.Sprintf("%s%0*d", q.prefix, counterWidth, n)
}

// end is the exclusive scan bound. Item suffixes are decimal digits, so
// ':'+1 after the prefix bounds them all.
func (q *Queue) end() string {
	return q.prefix[:len(q.prefix)-1] + ";"
}

func (q *Queue) parseKey(key string) (uint64, error) {
	suffix := strings.TrimPrefix(key, q.prefix)
	return strconv.ParseUint(suffix, 10, 64)
}
