// Package storage implements the bundle storage lifecycle: a Store
// tracks open bundles, a per-bundle Context accepts concurrent resource
// streams, and pluggable sinks persist content to the local filesystem
// or the S3 ingestion bus.
package storage

import (
	"context"
	"io"
	"sync"

	"github.com/pithecene-io/dredge/types"
)

// ResourceRecord is the bookkeeping entry for one stored resource.
type ResourceRecord struct {
	// Name is the unique stored name within the bundle.
	Name string `json:"name"`
	// Meta is the caller-supplied resource metadata.
	Meta *types.ResourceMeta `json:"meta"`
	// Size is the stored byte count.
	Size int64 `json:"size"`
	// Hash is the sha256 hex digest of the stored bytes.
	Hash string `json:"hash"`
}

// Sink persists bundle bytes. One Begin/Finalize pair per bundle;
// PutResource may run concurrently between them.
type Sink interface {
	// Begin marks the bundle discovered before any content lands.
	Begin(ctx context.Context, ref *types.BundleRef) error

	// PutResource streams one resource. It fills rec.Size and rec.Hash.
	PutResource(ctx context.Context, ref *types.BundleRef, rec *ResourceRecord, r io.Reader) error

	// Finalize seals the bundle and returns its storage key. A bundle
	// without a Finalize marker is invisible downstream.
	Finalize(ctx context.Context, ref *types.BundleRef, records []*ResourceRecord, meta map[string]any) (string, error)

	// Close releases sink resources.
	Close() error
}

// BIDResolver is an optional sink capability: content-addressed sinks
// resolve a previously seen bundle back to its original BID.
type BIDResolver interface {
	ResolveBID(ctx context.Context, meta map[string]string) (types.BID, bool, error)
}

// StubSink records everything in memory. The test double for loaders,
// locators, and the scheduler.
type StubSink struct {
	mu        sync.Mutex
	begun     []types.BID
	resources map[types.BID][]*ResourceRecord
	contents  map[types.BID]map[string][]byte
	finalized map[types.BID]map[string]any

	// FailPut, when set, fails the named resource once.
	FailPut string
}

var _ Sink = (*StubSink)(nil)

// NewStubSink creates an empty stub.
func NewStubSink() *StubSink {
	return &StubSink{
		resources: map[types.BID][]*ResourceRecord{},
		contents:  map[types.BID]map[string][]byte{},
		finalized: map[types.BID]map[string]any{},
	}
}

// Begin implements Sink.
func (s *StubSink) Begin(_ context.Context, ref *types.BundleRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begun = append(s.begun, ref.BID)
	return nil
}

// PutResource implements Sink.
func (s *StubSink) PutResource(_ context.Context, ref *types.BundleRef, rec *ResourceRecord, r io.Reader) error {
	s.mu.Lock()
	fail := s.FailPut != "" && s.FailPut == rec.Name
	if fail {
		s.FailPut = ""
	}
	s.mu.Unlock()
	if fail {
		return types.NewError(types.KindStorage, "stub sink failure", nil).WithResource(rec.Name)
	}

	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	rec.Size = int64(len(body))
	rec.Hash = hashBytes(body)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[ref.BID] = append(s.resources[ref.BID], rec)
	if s.contents[ref.BID] == nil {
		s.contents[ref.BID] = map[string][]byte{}
	}
	s.contents[ref.BID][rec.Name] = body
	return nil
}

// Finalize implements Sink.
func (s *StubSink) Finalize(_ context.Context, ref *types.BundleRef, _ []*ResourceRecord, meta map[string]any) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finalized[ref.BID] = meta
	return "stub://" + string(ref.BID), nil
}

// Close implements Sink.
func (s *StubSink) Close() error { return nil }

// Finalized reports whether the bundle was sealed.
func (s *StubSink) Finalized(bid types.BID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.finalized[bid]
	return ok
}

// Resources returns the records stored for a bundle.
func (s *StubSink) Resources(bid types.BID) []*ResourceRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*ResourceRecord(nil), s.resources[bid]...)
}

// Content returns one stored resource body.
func (s *StubSink) Content(bid types.BID, name string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.contents[bid][name]
	return body, ok
}
