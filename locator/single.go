package locator

import (
	"context"
	"sync"

	"github.com/pithecene-io/dredge/types"
)

// binder memoizes the locator's durable state on first use. Completion
// hooks run without a run context, so the state captured during
// discovery serves them. It also tracks in-flight emissions: the
// processed marker lands only on completion, and the producer re-polls
// before workers finish, so without the claim set the same item would
// be re-emitted under a fresh BID while the first is still queued.
type binder struct {
	id string
	mu sync.Mutex
	st *state

	inflight map[string]struct{}
}

func (b *binder) bind(rctx *types.RunContext) (*state, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st != nil {
		return b.st, nil
	}
	st, err := stateFor(rctx, b.id)
	if err != nil {
		return nil, err
	}
	b.st = st
	return st, nil
}

// claim records marker as emitted but not yet settled. It reports
// false when an earlier emission of the same marker is still pending.
func (b *binder) claim(marker string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inflight == nil {
		b.inflight = map[string]struct{}{}
	}
	if _, pending := b.inflight[marker]; pending {
		return false
	}
	b.inflight[marker] = struct{}{}
	return true
}

// settle releases the in-flight claim on marker. Callers settle after
// the durable outcome (processed marker or failure counter) is written.
func (b *binder) settle(marker string) {
	b.mu.Lock()
	delete(b.inflight, marker)
	b.mu.Unlock()
}

// bound returns the memoized state, or an error when the locator has
// not been asked for refs yet.
func (b *binder) bound() (*state, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.st == nil {
		return nil, types.NewError(types.KindConfiguration,
			"locator "+b.id+" has no bound state", nil)
	}
	return b.st, nil
}

// SingleURL emits one bundle for a fixed URL, once. Re-runs skip the
// URL until its processed marker is cleared.
type SingleURL struct {
	binder
	url string
}

var _ types.BundleLocator = (*SingleURL)(nil)

// NewSingleURL creates a single-URL locator.
func NewSingleURL(id, url string) (*SingleURL, error) {
	if id == "" {
		return nil, types.NewError(types.KindConfiguration, "single-url locator requires an id", nil)
	}
	if url == "" {
		return nil, types.NewError(types.KindConfiguration, "single-url locator requires a url", nil)
	}
	return &SingleURL{binder: binder{id: id}, url: url}, nil
}

// ID implements types.BundleLocator.
func (l *SingleURL) ID() string { return l.id }

// NextBundleRefs implements types.BundleLocator.
func (l *SingleURL) NextBundleRefs(ctx context.Context, rctx *types.RunContext, needed int) ([]*types.BundleRef, error) {
	if needed < 1 {
		return nil, nil
	}
	st, err := l.bind(rctx)
	if err != nil {
		return nil, err
	}
	done, err := st.processed(ctx, l.url)
	if err != nil {
		return nil, err
	}
	if done {
		return nil, nil
	}
	if !l.claim(l.url) {
		return nil, nil
	}

	ref := types.NewBundleRef(l.url)
	ref.Meta[types.FlagLocatorID] = l.id
	return []*types.BundleRef{ref}, nil
}

// HandleRequestProcessed implements types.BundleLocator.
func (l *SingleURL) HandleRequestProcessed(ctx context.Context, rctx *types.RunContext, req *types.RequestMeta, ok bool) error {
	st, err := l.bind(rctx)
	if err != nil {
		return err
	}
	if ok {
		return st.clearFailure(ctx, req.URL)
	}
	_, err = st.recordFailure(ctx, req.URL)
	l.settle(req.URL)
	return err
}

// OnBundleComplete implements types.BundleLocator: the processed marker
// lands only after storage sealed the bundle.
func (l *SingleURL) OnBundleComplete(ctx context.Context, ref *types.BundleRef) error {
	st, err := l.bound()
	if err != nil {
		return err
	}
	if err := st.markProcessed(ctx, ref.PrimaryURL, string(ref.BID)); err != nil {
		return err
	}
	l.settle(ref.PrimaryURL)
	return nil
}
