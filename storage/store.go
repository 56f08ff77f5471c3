package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pithecene-io/dredge/notify"
	"github.com/pithecene-io/dredge/types"
)

// Store implements the bundle sink contract over a byte Sink. It owns
// the open-bundle set, runs completion hooks, and publishes completion
// events.
type Store struct {
	sink      Sink
	publisher notify.Publisher
	logger    *zap.Logger
	recipeID  string
	now       func() time.Time

	mu   sync.Mutex
	open map[types.BID]*Context
}

var _ types.Storage = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithPublisher sets the completion event publisher.
func WithPublisher(p notify.Publisher) Option {
	return func(s *Store) { s.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithRecipeID attributes completion events to a recipe.
func WithRecipeID(id string) Option {
	return func(s *Store) { s.recipeID = id }
}

// New creates a Store over sink.
func New(sink Sink, opts ...Option) *Store {
	s := &Store{
		sink:      sink,
		publisher: notify.Nop{},
		logger:    zap.NewNop(),
		now:       time.Now,
		open:      map[types.BID]*Context{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// StartBundle implements types.Storage.
func (s *Store) StartBundle(ctx context.Context, ref *types.BundleRef, recipe *types.Recipe) (types.BundleContext, error) {
	if err := ref.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if _, dup := s.open[ref.BID]; dup {
		s.mu.Unlock()
		return nil, types.NewError(types.KindStorage,
			fmt.Sprintf("bundle %s is already open", ref.BID), nil)
	}
	bc := &Context{
		store:   s,
		ref:     ref,
		recipe:  recipe,
		pending: map[string]struct{}{},
		names:   map[string]int{},
		idle:    make(chan struct{}, 1),
	}
	s.open[ref.BID] = bc
	s.mu.Unlock()

	if err := s.sink.Begin(ctx, ref); err != nil {
		s.forget(ref.BID)
		return nil, types.NewError(types.KindStorage, "begin bundle", err).WithResource(string(ref.BID))
	}
	return bc, nil
}

// BundleFound implements types.Storage. Content-addressed sinks resolve
// a previously seen bundle to its original BID; everything else mints a
// fresh one.
func (s *Store) BundleFound(ctx context.Context, meta map[string]string) (types.BID, error) {
	if r, ok := s.sink.(BIDResolver); ok {
		bid, found, err := r.ResolveBID(ctx, meta)
		if err != nil {
			return "", types.NewError(types.KindStorage, "resolve bundle identity", err)
		}
		if found {
			return bid, nil
		}
	}
	return types.NewBID(), nil
}

// Close implements types.Storage.
func (s *Store) Close() error {
	s.mu.Lock()
	n := len(s.open)
	s.mu.Unlock()
	if n > 0 {
		s.logger.Warn("closing storage with open bundles", zap.Int("open", n))
	}
	return s.sink.Close()
}

func (s *Store) forget(bid types.BID) {
	s.mu.Lock()
	delete(s.open, bid)
	s.mu.Unlock()
}

// Context is the per-bundle lifecycle handle. AddResource may run
// concurrently; Complete blocks until every in-flight AddResource has
// terminated, then finalizes at most once.
type Context struct {
	store  *Store
	ref    *types.BundleRef
	recipe *types.Recipe

	mu        sync.Mutex
	pending   map[string]struct{}
	records   []*ResourceRecord
	names     map[string]int
	completed bool
	abandoned bool
	idle      chan struct{}
}

var _ types.BundleContext = (*Context)(nil)

// Ref implements types.BundleContext.
func (c *Context) Ref() *types.BundleRef {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ref.ResourcesCount = len(c.records)
	return c.ref
}

// AddResource implements types.BundleContext. The stored name is made
// unique within the bundle by suffixing repeats.
func (c *Context) AddResource(ctx context.Context, name string, meta *types.ResourceMeta, r io.Reader) error {
	c.mu.Lock()
	if c.completed || c.abandoned {
		c.mu.Unlock()
		return types.NewError(types.KindStorage, "bundle is no longer open", nil).
			WithResource(string(c.ref.BID))
	}
	stored := name
	if n := c.names[name]; n > 0 {
		stored = fmt.Sprintf("%s.%d", name, n)
	}
	c.names[name]++
	c.pending[stored] = struct{}{}
	c.mu.Unlock()

	rec := &ResourceRecord{Name: stored, Meta: meta}
	err := c.store.sink.PutResource(ctx, c.ref, rec, r)

	c.mu.Lock()
	delete(c.pending, stored)
	if err == nil {
		c.records = append(c.records, rec)
	}
	if len(c.pending) == 0 {
		// Edge signal: a waiter in Complete re-checks under the lock.
		select {
		case c.idle <- struct{}{}:
		default:
		}
	}
	c.mu.Unlock()

	if err != nil {
		return types.NewError(types.KindStorage, "store resource", err).WithResource(stored)
	}
	return nil
}

// Complete implements types.BundleContext. It waits for in-flight
// resources, seals the bundle through the sink, runs loader and locator
// completion hooks, and publishes the completion event. Hook failures
// are logged, never failing a sealed bundle; a publish failure is an
// operational fault and propagates.
func (c *Context) Complete(ctx context.Context, meta map[string]any) error {
	for {
		c.mu.Lock()
		if c.abandoned {
			c.mu.Unlock()
			return types.NewError(types.KindStorage, "bundle was abandoned", nil).
				WithResource(string(c.ref.BID))
		}
		if c.completed {
			c.mu.Unlock()
			return nil
		}
		if len(c.pending) == 0 {
			c.completed = true
			records := append([]*ResourceRecord(nil), c.records...)
			c.ref.ResourcesCount = len(records)
			c.mu.Unlock()
			return c.finalize(ctx, records, meta)
		}
		c.mu.Unlock()

		select {
		case <-c.idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Context) finalize(ctx context.Context, records []*ResourceRecord, meta map[string]any) error {
	s := c.store
	key, err := s.sink.Finalize(ctx, c.ref, records, meta)
	if err != nil {
		c.mu.Lock()
		c.completed = false
		c.mu.Unlock()
		return types.NewError(types.KindStorage, "finalize bundle", err).WithResource(string(c.ref.BID))
	}
	c.ref.StorageKey = key
	s.forget(c.ref.BID)

	log := s.logger.With(zap.String("bid", string(c.ref.BID)))
	if c.recipe != nil {
		if c.recipe.Loader != nil {
			if err := c.recipe.Loader.OnBundleComplete(ctx, c.ref); err != nil {
				log.Warn("loader completion hook failed", zap.Error(err))
			}
		}
		for _, loc := range c.completionLocators() {
			if err := loc.OnBundleComplete(ctx, c.ref); err != nil {
				log.Warn("locator completion hook failed",
					zap.String("locator", loc.ID()), zap.Error(err))
			}
		}
	}

	event := notify.NewBundleCompleted(c.ref, s.recipeID, s.now(), meta)
	if err := s.publisher.PublishBundleCompleted(ctx, event); err != nil {
		return types.NewError(types.KindStorage, "publish completion event", err).
			WithResource(string(c.ref.BID))
	}
	return nil
}

// completionLocators picks which locators get the completion hook: the
// one the ref names, or all of them when unattributed.
func (c *Context) completionLocators() []types.BundleLocator {
	id := c.ref.Meta[types.FlagLocatorID]
	if id == "" {
		return c.recipe.Locators
	}
	for _, loc := range c.recipe.Locators {
		if loc.ID() == id {
			return []types.BundleLocator{loc}
		}
	}
	return nil
}

// Abandon implements types.BundleContext.
func (c *Context) Abandon(_ context.Context) {
	c.mu.Lock()
	if c.completed || c.abandoned {
		c.mu.Unlock()
		return
	}
	c.abandoned = true
	c.mu.Unlock()

	c.store.forget(c.ref.BID)
	c.store.logger.Info("bundle abandoned",
		zap.String("bid", string(c.ref.BID)),
		zap.String("url", c.ref.PrimaryURL))
}

// hashBytes is the sha256 hex digest used for resource records.
func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// hashingReader tees reads through a sha256 digest and byte counter.
type hashingReader struct {
	r    io.Reader
	h    io.Writer
	n    int64
	hash interface{ Sum([]byte) []byte }
}

func newHashingReader(r io.Reader) *hashingReader {
	h := sha256.New()
	return &hashingReader{r: r, h: h, hash: h}
}

func (h *hashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		_, _ = h.h.Write(p[:n])
		h.n += int64(n)
	}
	return n, err
}

func (h *hashingReader) sum() string { return hex.EncodeToString(h.hash.Sum(nil)) }
