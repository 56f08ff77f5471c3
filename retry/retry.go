// Package retry implements the exponential-backoff retry engine used by
// the connection pools and locators.
//
// The engine is policy-only: it never classifies errors. Callers decide
// which operations are worth wrapping; the engine decides how long to
// sleep between attempts and when to give up.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Config holds the backoff policy.
type Config struct {
	// MaxRetries is the number of retries after the first attempt (>= 0).
	MaxRetries int
	// BaseDelay is the delay before the first retry (> 0).
	BaseDelay time.Duration
	// MaxDelay caps the computed delay (> 0).
	MaxDelay time.Duration
	// ExponentialBase is the growth factor per retry (> 1).
	ExponentialBase float64
	// Jitter enables multiplicative jitter on each delay.
	Jitter bool
	// JitterLow and JitterHigh bound the jitter multiplier, 0 < low <= high.
	JitterLow  float64
	JitterHigh float64
}

// DefaultConfig is a sane policy for transient network failures.
func DefaultConfig() Config {
	return Config{
		MaxRetries:      3,
		BaseDelay:       500 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		JitterLow:       0.8,
		JitterHigh:      1.2,
	}
}

// Validate checks the policy bounds.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0, got %d", c.MaxRetries)
	}
	if c.BaseDelay <= 0 {
		return fmt.Errorf("base delay must be > 0, got %v", c.BaseDelay)
	}
	if c.MaxDelay <= 0 {
		return fmt.Errorf("max delay must be > 0, got %v", c.MaxDelay)
	}
	if c.ExponentialBase <= 1 {
		return fmt.Errorf("exponential base must be > 1, got %v", c.ExponentialBase)
	}
	if c.Jitter && (c.JitterLow <= 0 || c.JitterLow > c.JitterHigh) {
		return fmt.Errorf("jitter range must satisfy 0 < low <= high, got (%v, %v)", c.JitterLow, c.JitterHigh)
	}
	return nil
}

// Engine executes operations under the configured backoff policy.
// Safe for concurrent use.
type Engine struct {
	cfg Config

	mu  sync.Mutex
	rnd *rand.Rand

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine, validating the config.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{
		cfg:   cfg,
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep: sleepCtx,
	}, nil
}

// MustNew creates an engine and panics on an invalid config.
// For package-level defaults only.
func MustNew(cfg Config) *Engine {
	e, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return e
}

// Delay returns the sleep before retry n (0-indexed).
func (e *Engine) Delay(n int) time.Duration {
	d := time.Duration(float64(e.cfg.BaseDelay) * math.Pow(e.cfg.ExponentialBase, float64(n)))
	if d > e.cfg.MaxDelay || d <= 0 {
		d = e.cfg.MaxDelay
	}
	if e.cfg.Jitter {
		e.mu.Lock()
		mult := e.cfg.JitterLow + e.rnd.Float64()*(e.cfg.JitterHigh-e.cfg.JitterLow)
		e.mu.Unlock()
		d = time.Duration(float64(d) * mult)
	}
	return d
}

// Do runs op, retrying per policy. The operation is invoked at most
// MaxRetries+1 times; the last error is surfaced on exhaustion.
// Context cancellation aborts both sleeps and further attempts.
func (e *Engine) Do(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := e.sleep(ctx, e.Delay(attempt-1)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("exhausted %d attempts: %w", e.cfg.MaxRetries+1, lastErr)
}

// Go runs op asynchronously with Do semantics, reporting the terminal
// result on the returned channel.
func (e *Engine) Go(ctx context.Context, op func(ctx context.Context) error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- e.Do(ctx, op)
	}()
	return done
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
