package types

import (
	"context"
	"io"
	"sync"

	"github.com/pithecene-io/dredge/creds"
	"github.com/pithecene-io/dredge/kv"
)

// BundleLocator produces BundleRefs and owns its cursor state in the
// key-value store. NextBundleRefs may return fewer refs than needed;
// an empty result means the locator has nothing more to emit this run.
type BundleLocator interface {
	// ID returns the stable locator identifier used for state namespacing.
	ID() string

	// NextBundleRefs returns up to needed refs, advancing internal state.
	// Retry exhaustion on transient failures surfaces ErrLocatorStalled
	// without advancing the cursor.
	NextBundleRefs(ctx context.Context, rctx *RunContext, needed int) ([]*BundleRef, error)

	// HandleRequestProcessed records the outcome of a dequeued request
	// (retry bookkeeping, error markers).
	HandleRequestProcessed(ctx context.Context, rctx *RunContext, req *RequestMeta, ok bool) error

	// OnBundleComplete checkpoints the cursor atomically with bundle
	// finalization. Called by storage after the sink completes.
	OnBundleComplete(ctx context.Context, ref *BundleRef) error
}

// BundleLoader consumes a queued request and drives the bundle storage
// lifecycle. A failed load returns an empty slice together with the error;
// the scheduler records the error and moves on.
type BundleLoader interface {
	Load(ctx context.Context, req *RequestMeta, st Storage, rctx *RunContext, recipe *Recipe) ([]*BundleRef, error)

	// OnBundleComplete is the loader-side completion hook. Errors are
	// logged by storage, never failing completion.
	OnBundleComplete(ctx context.Context, ref *BundleRef) error
}

// BundleContext is the per-bundle storage lifecycle handle.
// AddResource is safe for concurrent use; Complete blocks until every
// in-flight AddResource has terminated and runs at most once.
type BundleContext interface {
	// Ref returns the bundle ref, including counts updated so far.
	Ref() *BundleRef

	// AddResource streams one resource into the bundle.
	AddResource(ctx context.Context, name string, meta *ResourceMeta, r io.Reader) error

	// Complete finalizes the bundle. Idempotent.
	Complete(ctx context.Context, meta map[string]any) error

	// Abandon marks the bundle failed without finalizing. The bundle
	// stays invisible downstream and is re-discovered on restart.
	Abandon(ctx context.Context)
}

// Storage is the pluggable bundle sink contract.
type Storage interface {
	// StartBundle registers the BID as open and returns its lifecycle
	// context. The recipe supplies completion hooks.
	StartBundle(ctx context.Context, ref *BundleRef, recipe *Recipe) (BundleContext, error)

	// BundleFound resolves or mints a BID for sinks that own identity.
	BundleFound(ctx context.Context, meta map[string]string) (BID, error)

	// Close releases sink resources.
	Close() error
}

// Recipe assembles locators and a loader under a stable identifier.
// Immutable for the duration of a run.
type Recipe struct {
	// RecipeID identifies the recipe in logs, state keys, and notifications.
	RecipeID string
	// Locators are polled round-robin by the scheduler, in order.
	Locators []BundleLocator
	// Loader consumes every request the locators emit.
	Loader BundleLoader
}

// Validate checks recipe invariants.
func (r *Recipe) Validate() error {
	if r.RecipeID == "" {
		return NewError(KindValidation, "recipe id is required", nil)
	}
	if r.Loader == nil {
		return NewError(KindValidation, "recipe requires a loader", nil)
	}
	return nil
}

// AppConfig bundles the injected backends every component reaches through.
// Carried on the run context instead of process-level globals.
type AppConfig struct {
	// Creds resolves (configName, key) secrets.
	Creds creds.Provider
	// KV is the durable state substrate (queue, cursors, dedup).
	KV kv.Store
	// Storage is the bundle sink.
	Storage Storage
}

// RunContext is the per-run context passed to every component.
type RunContext struct {
	// RunID identifies the run; queue and fetch state are namespaced by it.
	RunID string
	// Shared is a run-scoped scratch map for cross-component hints.
	Shared *SharedMap
	// App holds the injected backends.
	App *AppConfig
}

// NewRunContext creates a run context with an empty shared map.
func NewRunContext(runID string, app *AppConfig) *RunContext {
	return &RunContext{RunID: runID, Shared: NewSharedMap(), App: app}
}

// Plan couples a recipe and run context with a concurrency level.
type Plan struct {
	Recipe      *Recipe
	Context     *RunContext
	Concurrency int
}

// Validate rejects malformed plans before any worker starts.
func (p *Plan) Validate() error {
	if p.Recipe == nil {
		return NewError(KindValidation, "plan requires a recipe", nil)
	}
	if err := p.Recipe.Validate(); err != nil {
		return err
	}
	if p.Context == nil {
		return NewError(KindValidation, "plan requires a run context", nil)
	}
	if p.Concurrency < 1 {
		return NewError(KindValidation, "plan concurrency must be >= 1", nil)
	}
	return nil
}

// SharedMap is a mutex-guarded string-keyed scratch map.
type SharedMap struct {
	mu sync.RWMutex
	m  map[string]any
}

// NewSharedMap creates an empty shared map.
func NewSharedMap() *SharedMap {
	return &SharedMap{m: map[string]any{}}
}

// Get returns the value for key and whether it was present.
func (s *SharedMap) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.m[key]
	return v, ok
}

// Set stores a value under key.
func (s *SharedMap) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[key] = value
}
