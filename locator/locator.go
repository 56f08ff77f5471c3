// Package locator implements the bundle discovery strategies: a single
// fixed URL, SFTP drop directories and file lists, and cursored API
// pagination with gap-filling. Every locator owns its durable state
// (cursor, processed set, failure counters) under a key-value namespace
// derived from its id.
package locator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/pithecene-io/dredge/kv"
	"github.com/pithecene-io/dredge/types"
)

// state is the durable per-locator keyspace: cursor checkpoints,
// processed markers, and failure counters.
type state struct {
	store kv.Store
	codec kv.Codec
	ns    string
}

func newState(store kv.Store, id string) *state {
	return &state{store: store, codec: kv.JSONCodec{}, ns: "locator:" + id + ":"}
}

func (s *state) key(parts ...string) string {
	out := s.ns
	for i, p := range parts {
		if i > 0 {
			out += ":"
		}
		out += p
	}
	return out
}

// processed reports whether marker is in the processed set.
func (s *state) processed(ctx context.Context, marker string) (bool, error) {
	return s.store.Exists(ctx, s.key("processed", marker))
}

// processedValue returns the stored marker payload when present.
func (s *state) processedValue(ctx context.Context, marker string) (string, bool, error) {
	v, ok, err := s.store.Get(ctx, s.key("processed", marker))
	if err != nil || !ok {
		return "", ok, err
	}
	return string(v), true, nil
}

// markProcessed records marker with an optional payload.
func (s *state) markProcessed(ctx context.Context, marker, payload string) error {
	return s.store.Put(ctx, s.key("processed", marker), []byte(payload), 0)
}

// loadCursor decodes the checkpointed cursor into v, reporting presence.
func (s *state) loadCursor(ctx context.Context, v any) (bool, error) {
	data, ok, err := s.store.Get(ctx, s.key("cursor"))
	if err != nil || !ok {
		return ok, err
	}
	if err := s.codec.Decode(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// saveCursor checkpoints the cursor.
func (s *state) saveCursor(ctx context.Context, v any) error {
	data, err := s.codec.Encode(v)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, s.key("cursor"), data, 0)
}

// recordFailure bumps the failure counter for marker and returns the
// new count.
func (s *state) recordFailure(ctx context.Context, marker string) (int, error) {
	key := s.key("failed", marker)
	v, _, err := s.store.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(string(v))
	n++
	if err := s.store.Put(ctx, key, []byte(strconv.Itoa(n)), 0); err != nil {
		return 0, err
	}
	return n, nil
}

// clearFailure drops the failure counter for marker.
func (s *state) clearFailure(ctx context.Context, marker string) error {
	_, err := s.store.Delete(ctx, s.key("failed", marker))
	return err
}

// stateFor resolves the locator's store from the run context.
func stateFor(rctx *types.RunContext, id string) (*state, error) {
	if rctx == nil || rctx.App == nil || rctx.App.KV == nil {
		return nil, types.NewError(types.KindConfiguration,
			fmt.Sprintf("locator %q requires a key-value store on the run context", id), nil)
	}
	return newState(rctx.App.KV, id), nil
}
