// Package fetcher is the run scheduler: one producer polls the
// recipe's locators round-robin and feeds the durable queue, a pool of
// workers drains it through the loader, and the run ends when every
// locator is exhausted and the queue is empty.
package fetcher

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pithecene-io/dredge/kv"
	"github.com/pithecene-io/dredge/metrics"
	"github.com/pithecene-io/dredge/queue"
	"github.com/pithecene-io/dredge/types"
)

// DefaultIdleInterval is the poll gap when the queue has no work and
// the backpressure re-check gap when it is full.
const DefaultIdleInterval = 50 * time.Millisecond

// backpressureFactor sizes the queue high-water mark as a multiple of
// the worker count.
const backpressureFactor = 4

// Result is the run summary.
type Result struct {
	// Processed counts successfully loaded requests.
	Processed int
	// Errors collects per-request failures; the run continues past them.
	Errors []error
	// Context is the run context the fetch executed under.
	Context *types.RunContext
}

// Fetcher runs fetch plans.
type Fetcher struct {
	logger       *zap.Logger
	codec        kv.Codec
	metrics      *metrics.Metrics
	idleInterval time.Duration
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fetcher) { f.logger = l }
}

// WithCodec sets the queue serializer.
func WithCodec(c kv.Codec) Option {
	return func(f *Fetcher) { f.codec = c }
}

// WithMetrics enables instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Fetcher) { f.metrics = m }
}

// WithIdleInterval sets the idle poll gap.
func WithIdleInterval(d time.Duration) Option {
	return func(f *Fetcher) { f.idleInterval = d }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{
		logger:       zap.NewNop(),
		codec:        kv.BinaryCodec{},
		idleInterval: DefaultIdleInterval,
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// Run executes the plan to completion or cancellation. Per-request
// failures land in Result.Errors; only setup failures and cancellation
// return an error.
func (f *Fetcher) Run(ctx context.Context, plan *types.Plan) (*Result, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	rctx := plan.Context
	if rctx.App == nil || rctx.App.KV == nil {
		return nil, types.NewError(types.KindConfiguration, "run context has no key-value store", nil)
	}
	if rctx.App.Storage == nil {
		return nil, types.NewError(types.KindConfiguration, "run context has no storage", nil)
	}

	q, err := queue.Open(ctx, rctx.App.KV, f.codec, "fetch:"+rctx.RunID)
	if err != nil {
		return nil, err
	}

	log := f.logger.With(
		zap.String("run_id", rctx.RunID),
		zap.String("recipe_id", plan.Recipe.RecipeID),
	)
	log.Info("run starting",
		zap.Int("concurrency", plan.Concurrency),
		zap.Int("locators", len(plan.Recipe.Locators)))
	if f.metrics != nil {
		f.metrics.RunsStarted.WithLabelValues(plan.Recipe.RecipeID).Inc()
	}

	run := &runState{
		fetcher:   f,
		plan:      plan,
		queue:     q,
		log:       log,
		highWater: backpressureFactor * plan.Concurrency,
		drained:   make(chan struct{}),
		locators:  map[string]types.BundleLocator{},
	}
	for _, loc := range plan.Recipe.Locators {
		run.locators[loc.ID()] = loc
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return run.produce(gctx) })
	for range plan.Concurrency {
		g.Go(func() error { return run.work(gctx) })
	}
	err = g.Wait()

	result := &Result{
		Processed: run.processedCount(),
		Errors:    run.errorList(),
		Context:   rctx,
	}
	log.Info("run finished",
		zap.Int("processed", result.Processed),
		zap.Int("errors", len(result.Errors)))
	if err != nil && !errors.Is(err, context.Canceled) {
		f.finishMetric(plan, metrics.OutcomeError)
		return result, err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		f.finishMetric(plan, metrics.OutcomeCanceled)
		return result, ctxErr
	}
	f.finishMetric(plan, metrics.OutcomeOK)
	return result, nil
}

func (f *Fetcher) finishMetric(plan *types.Plan, outcome string) {
	if f.metrics != nil {
		f.metrics.RunsFinished.WithLabelValues(plan.Recipe.RecipeID, outcome).Inc()
	}
}

// runState is the shared state of one run.
type runState struct {
	fetcher   *Fetcher
	plan      *types.Plan
	queue     *queue.Queue
	log       *zap.Logger
	highWater int
	drained   chan struct{}
	locators  map[string]types.BundleLocator

	mu        sync.Mutex
	processed int
	errs      []error
}

func (r *runState) recordError(err error) {
	r.mu.Lock()
	r.errs = append(r.errs, err)
	r.mu.Unlock()
}

func (r *runState) recordProcessed() {
	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

func (r *runState) processedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

func (r *runState) errorList() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

// produce polls locators round-robin until every one is drained or
// stalled, applying queue backpressure. It owns the drained signal.
func (r *runState) produce(ctx context.Context) error {
	defer close(r.drained)

	rotation := append([]types.BundleLocator(nil), r.plan.Recipe.Locators...)
	for len(rotation) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		next := rotation[:0]
		for _, loc := range rotation {
			if err := ctx.Err(); err != nil {
				return err
			}

			size, err := r.queue.Size(ctx)
			if err != nil {
				return err
			}
			if m := r.fetcher.metrics; m != nil {
				m.QueueDepth.WithLabelValues(r.plan.Context.RunID).Set(float64(size))
			}
			if size >= r.highWater {
				next = append(next, loc)
				if !r.sleep(ctx) {
					return ctx.Err()
				}
				continue
			}

			refs, err := loc.NextBundleRefs(ctx, r.plan.Context, r.highWater-size)
			switch {
			case errors.Is(err, types.ErrLocatorStalled):
				r.log.Warn("locator stalled, removing from rotation",
					zap.String("locator", loc.ID()))
				r.recordError(err)
				continue
			case err != nil:
				r.log.Error("locator failed, removing from rotation",
					zap.String("locator", loc.ID()), zap.Error(err))
				r.recordError(err)
				continue
			case len(refs) == 0:
				r.log.Info("locator drained", zap.String("locator", loc.ID()))
				continue
			}

			reqs := make([]*types.RequestMeta, len(refs))
			for i, ref := range refs {
				reqs[i] = requestFor(loc, ref)
			}
			if _, err := r.queue.EnqueueAll(ctx, reqs); err != nil {
				return err
			}
			next = append(next, loc)
		}
		rotation = next
	}
	return nil
}

// requestFor converts an emitted ref into a queue item. Ref meta rides
// along as flags so the loader can rebuild the ref and the locator can
// recognize its own pages.
func requestFor(loc types.BundleLocator, ref *types.BundleRef) *types.RequestMeta {
	flags := make(map[string]string, len(ref.Meta)+2)
	for k, v := range ref.Meta {
		flags[k] = v
	}
	flags[types.FlagLocatorID] = loc.ID()
	flags[types.FlagBID] = string(ref.BID)
	return &types.RequestMeta{URL: ref.PrimaryURL, Flags: flags}
}

// work drains the queue until the producer is done and the queue is
// empty.
func (r *runState) work(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		req, ok, err := r.queue.Dequeue(ctx)
		if err != nil {
			return err
		}
		if !ok {
			select {
			case <-r.drained:
				// Producer done; re-check for items enqueued before the
				// signal.
				if req, ok, err = r.queue.Dequeue(ctx); err != nil {
					return err
				} else if !ok {
					return nil
				}
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.fetcher.idleInterval):
				continue
			}
		}

		r.process(ctx, req)
	}
}

// process runs one request through the loader and reports the outcome
// to the emitting locator.
func (r *runState) process(ctx context.Context, req *types.RequestMeta) {
	started := time.Now()
	refs, err := r.plan.Recipe.Loader.Load(ctx, req, r.plan.Context.App.Storage, r.plan.Context, r.plan.Recipe)
	if m := r.fetcher.metrics; m != nil {
		m.RequestDuration.WithLabelValues(r.plan.Recipe.RecipeID).Observe(time.Since(started).Seconds())
		if err != nil {
			m.RequestsFailed.WithLabelValues(r.plan.Recipe.RecipeID).Inc()
		} else {
			m.RequestsProcessed.WithLabelValues(r.plan.Recipe.RecipeID).Inc()
		}
	}
	if err != nil {
		r.log.Warn("request failed",
			zap.String("url", req.URL), zap.Error(err))
		r.recordError(err)
	} else {
		r.recordProcessed()
		for _, ref := range refs {
			r.log.Debug("bundle loaded",
				zap.String("bid", string(ref.BID)),
				zap.String("url", ref.PrimaryURL),
				zap.Int("resources", ref.ResourcesCount))
		}
	}

	if loc, attributed := r.locators[req.Flags[types.FlagLocatorID]]; attributed {
		if herr := loc.HandleRequestProcessed(ctx, r.plan.Context, req, err == nil); herr != nil {
			r.log.Warn("locator outcome hook failed",
				zap.String("locator", loc.ID()), zap.Error(herr))
		}
	}
}

// sleep pauses for the idle interval, reporting false on cancellation.
func (r *runState) sleep(ctx context.Context) bool {
	select {
	case <-time.After(r.fetcher.idleInterval):
		return true
	case <-ctx.Done():
		return false
	}
}
