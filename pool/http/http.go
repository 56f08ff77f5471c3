// Package http implements the per-config HTTP client pool: bounded
// client reuse, a rate-limit gate, transient-failure retries, and auth
// header injection on every attempt.
package http

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	nethttp "net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/pithecene-io/dredge/auth"
	"github.com/pithecene-io/dredge/creds"
	"github.com/pithecene-io/dredge/retry"
	"github.com/pithecene-io/dredge/types"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultRate         = 5.0
	DefaultMaxRetries   = 3
	DefaultMaxRedirects = 5
	DefaultPoolMaxSize  = 8
)

// Config identifies a pool. Pools are shared across callers whose configs
// fingerprint identically.
type Config struct {
	// Name scopes credential lookups and log attribution.
	Name string
	// Timeout is the per-request timeout.
	Timeout time.Duration
	// RatePerSecond caps gate entries per second.
	RatePerSecond float64
	// MaxRetries bounds retries per request.
	MaxRetries int
	// MaxRedirects caps followed redirects (0 disables following).
	MaxRedirects int
	// PoolMaxSize bounds the number of live clients.
	PoolMaxSize int
	// Auth augments headers on every attempt. Nil means no auth.
	Auth auth.Mechanism
	// DefaultHeaders are applied under per-request headers.
	DefaultHeaders map[string]string
	// RetryBaseDelay overrides the first-retry delay when > 0.
	RetryBaseDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRate
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.MaxRedirects < 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	if c.PoolMaxSize <= 0 {
		c.PoolMaxSize = DefaultPoolMaxSize
	}
	return c
}

// Fingerprint identifies the pool: timeout, rate, retries, auth identity,
// and sorted default headers.
func (c Config) Fingerprint() string {
	authName := "none"
	if c.Auth != nil {
		authName = c.Auth.Name()
	}
	keys := make([]string, 0, len(c.DefaultHeaders))
	for k := range c.DefaultHeaders {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s|%v|%v|%d|%d|%s|", c.Name, c.Timeout, c.RatePerSecond, c.MaxRetries, c.MaxRedirects, authName)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s=%s;", k, c.DefaultHeaders[k])
	}
	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:16])
}

// Response is the pool's request result. The caller owns Body.
type Response struct {
	StatusCode  int
	Headers     nethttp.Header
	Body        io.ReadCloser
	ContentType string
	FinalURL    string
}

// client is a pooled HTTP client with a liveness flag.
type client struct {
	http   *nethttp.Client
	closed bool
}

// Pool is a bounded pool of HTTP clients sharing one rate gate and one
// retry policy. Safe for concurrent use.
type Pool struct {
	cfg      Config
	provider creds.Provider

	idle    chan *client
	totalMu sync.Mutex
	total   int

	limiter *rate.Limiter
	engine  *retry.Engine

	gateMu    sync.Mutex
	lastEntry time.Time
}

// New creates a pool for the given config.
func New(cfg Config, provider creds.Provider) (*Pool, error) {
	cfg = cfg.withDefaults()

	baseDelay := 250 * time.Millisecond
	if cfg.RetryBaseDelay > 0 {
		baseDelay = cfg.RetryBaseDelay
	}
	engine, err := retry.New(retry.Config{
		MaxRetries:      cfg.MaxRetries,
		BaseDelay:       baseDelay,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2,
		Jitter:          true,
		JitterLow:       0.8,
		JitterHigh:      1.2,
	})
	if err != nil {
		return nil, err
	}

	return &Pool{
		cfg:      cfg,
		provider: provider,
		idle:     make(chan *client, cfg.PoolMaxSize),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		engine:   engine,
	}, nil
}

// Get performs a GET through the gate, the retry engine, and the auth
// mechanism. 5xx, 429, and transport errors are retried; other statuses
// are returned to the caller as-is.
func (p *Pool) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return p.do(ctx, nethttp.MethodGet, url, headers)
}

func (p *Pool) do(ctx context.Context, method, url string, headers map[string]string) (*Response, error) {
	if err := p.gate(ctx); err != nil {
		return nil, err
	}

	var out *Response
	err := p.engine.Do(ctx, func(ctx context.Context) error {
		resp, err := p.attempt(ctx, method, url, headers)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// attempt performs one request on one pooled client.
func (p *Pool) attempt(ctx context.Context, method, url string, headers map[string]string) (*Response, error) {
	merged := make(map[string]string, len(p.cfg.DefaultHeaders)+len(headers))
	for k, v := range p.cfg.DefaultHeaders {
		merged[k] = v
	}
	for k, v := range headers {
		merged[k] = v
	}

	// Auth runs per attempt: a token refreshed between attempts must be
	// picked up by the next one.
	if p.cfg.Auth != nil {
		authed, err := p.cfg.Auth.Authenticate(ctx, merged, p.provider)
		if err != nil {
			return nil, types.NewError(types.KindNetwork, "authenticate request", err).WithResource(url)
		}
		merged = authed
	}

	c, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	req, err := nethttp.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		p.release(c)
		return nil, types.NewError(types.KindResource, "build request", err).WithResource(url)
	}
	for k, v := range merged {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.closed = true
		p.release(c)
		return nil, types.NewError(types.KindRetryable, "request failed", err).WithResource(url)
	}

	if resp.StatusCode >= 500 || resp.StatusCode == nethttp.StatusTooManyRequests {
		_ = resp.Body.Close()
		p.release(c)
		return nil, types.NewError(types.KindRetryable,
			fmt.Sprintf("server returned %d", resp.StatusCode), nil).WithResource(url)
	}

	p.release(c)
	return &Response{
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		Body:        resp.Body,
		ContentType: resp.Header.Get("Content-Type"),
		FinalURL:    resp.Request.URL.String(),
	}, nil
}

// gate serializes entry per the configured rate. Gate-entry timestamps
// are monotonic per pool.
func (p *Pool) gate(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}
	p.gateMu.Lock()
	p.lastEntry = time.Now()
	p.gateMu.Unlock()
	return nil
}

// LastGateEntry returns the most recent gate-entry timestamp.
func (p *Pool) LastGateEntry() time.Time {
	p.gateMu.Lock()
	defer p.gateMu.Unlock()
	return p.lastEntry
}

// acquire pops an idle client, creates one below the size cap, or blocks
// until a client is released.
func (p *Pool) acquire(ctx context.Context) (*client, error) {
	for {
		select {
		case c := <-p.idle:
			if c.closed {
				p.discard()
				continue
			}
			return c, nil
		default:
		}

		p.totalMu.Lock()
		if p.total < p.cfg.PoolMaxSize {
			p.total++
			p.totalMu.Unlock()
			return p.newClient(), nil
		}
		p.totalMu.Unlock()

		select {
		case c := <-p.idle:
			if c.closed {
				p.discard()
				continue
			}
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release returns a client to the idle queue, or drops it when closed.
func (p *Pool) release(c *client) {
	if c.closed {
		p.discard()
		return
	}
	select {
	case p.idle <- c:
	default:
		// Idle queue full; drop the surplus client.
		p.discard()
	}
}

func (p *Pool) discard() {
	p.totalMu.Lock()
	p.total--
	p.totalMu.Unlock()
}

func (p *Pool) newClient() *client {
	maxRedirects := p.cfg.MaxRedirects
	return &client{
		http: &nethttp.Client{
			Timeout: p.cfg.Timeout,
			CheckRedirect: func(req *nethttp.Request, via []*nethttp.Request) error {
				if len(via) > maxRedirects {
					return fmt.Errorf("stopped after %d redirects", maxRedirects)
				}
				return nil
			},
		},
	}
}

// Manager shares pools across callers, keyed by config fingerprint.
type Manager struct {
	provider creds.Provider

	mu    sync.Mutex
	pools map[string]*Pool
}

// NewManager creates an empty pool manager.
func NewManager(provider creds.Provider) *Manager {
	return &Manager{provider: provider, pools: map[string]*Pool{}}
}

// Pool returns the pool for cfg, creating it on first use.
func (m *Manager) Pool(cfg Config) (*Pool, error) {
	fp := cfg.withDefaults().Fingerprint()

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.pools[fp]; ok {
		return p, nil
	}
	p, err := New(cfg, m.provider)
	if err != nil {
		return nil, err
	}
	m.pools[fp] = p
	return p, nil
}
