// Package sftp implements the per-config SFTP connection pool: bounded
// connection reuse with health checks, a baseline-directory invariant,
// a rate-limit gate, and transient-failure retries.
package sftp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/pithecene-io/dredge/creds"
	"github.com/pithecene-io/dredge/retry"
	"github.com/pithecene-io/dredge/types"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultConnectTimeout = 15 * time.Second
	DefaultRate           = 2.0
	DefaultMaxRetries     = 3
	DefaultPoolMaxSize    = 4
	DefaultPort           = 22
)

// Conn is one SFTP session. Satisfied by the pkg/sftp-backed connection
// returned by Dial; fakes are used for testing.
type Conn interface {
	// Getwd is the cheap liveness probe used as the pool health check.
	Getwd() (string, error)
	ReadDir(path string) ([]os.FileInfo, error)
	Stat(path string) (os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Close() error
}

// Dialer opens a new connection. Swappable for tests.
type Dialer func(ctx context.Context, cfg Config, provider creds.Provider) (Conn, error)

// Gate optionally blocks operations before the rate gate, e.g. for
// provider maintenance windows.
type Gate interface {
	WaitIfNeeded(ctx context.Context) error
}

// Config identifies a pool.
type Config struct {
	// Name scopes credential lookups (username/password keys).
	Name string
	// Host is the SFTP server host (required).
	Host string
	// Port defaults to 22.
	Port int
	// BaseDir, when set, is the baseline directory every pooled
	// connection is verified against on acquire and release. Relative
	// operation paths resolve under it.
	BaseDir string
	// ConnectTimeout bounds the SSH dial.
	ConnectTimeout time.Duration
	// RatePerSecond caps gate entries per second.
	RatePerSecond float64
	// MaxRetries bounds retries per operation.
	MaxRetries int
	// PoolMaxSize bounds the number of live connections.
	PoolMaxSize int
	// RetryBaseDelay overrides the first-retry delay when > 0.
	RetryBaseDelay time.Duration
	// HostKeyCallback verifies the server host key. Nil accepts any key:
	// registry drops rarely publish stable host keys.
	HostKeyCallback ssh.HostKeyCallback
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = DefaultRate
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PoolMaxSize <= 0 {
		c.PoolMaxSize = DefaultPoolMaxSize
	}
	return c
}

// Pool is a bounded pool of SFTP connections sharing one rate gate and
// one retry policy. Safe for concurrent use.
type Pool struct {
	cfg      Config
	provider creds.Provider
	dial     Dialer
	gate     Gate

	idle    chan Conn
	totalMu sync.Mutex
	total   int

	limiter *rate.Limiter
	engine  *retry.Engine
}

// New creates a pool. A nil dialer uses the pkg/sftp-backed Dial.
func New(cfg Config, provider creds.Provider, dial Dialer, gate Gate) (*Pool, error) {
	cfg = cfg.withDefaults()
	if cfg.Name == "" {
		return nil, types.NewError(types.KindConfiguration, "sftp pool requires a config name", nil)
	}
	if cfg.Host == "" {
		return nil, types.NewError(types.KindConfiguration, "sftp pool requires a host", nil)
	}
	if dial == nil {
		dial = Dial
	}

	baseDelay := 250 * time.Millisecond
	if cfg.RetryBaseDelay > 0 {
		baseDelay = cfg.RetryBaseDelay
	}
	engine, err := retry.New(retry.Config{
		MaxRetries:      cfg.MaxRetries,
		BaseDelay:       baseDelay,
		MaxDelay:        30 * time.Second,
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
		dial:     dial,
		gate:     gate,
		idle:     make(chan Conn, cfg.PoolMaxSize),
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		engine:   engine,
	}, nil
}

// ListDir lists a remote directory.
func (p *Pool) ListDir(ctx context.Context, dir string) ([]os.FileInfo, error) {
	var out []os.FileInfo
	err := p.op(ctx, func(c Conn) error {
		infos, err := c.ReadDir(p.resolve(dir))
		if err != nil {
			return err
		}
		out = infos
		return nil
	})
	return out, err
}

// Stat returns file metadata.
func (p *Pool) Stat(ctx context.Context, file string) (os.FileInfo, error) {
	var out os.FileInfo
	err := p.op(ctx, func(c Conn) error {
		info, err := c.Stat(p.resolve(file))
		if err != nil {
			return err
		}
		out = info
		return nil
	})
	return out, err
}

// Open reads the whole remote file through one pooled connection and
// returns a reader over its contents. Buffering keeps the connection's
// scope inside the retry attempt: the handle returned to the caller
// never touches the pool.
func (p *Pool) Open(ctx context.Context, file string) (io.ReadCloser, error) {
	var body []byte
	err := p.op(ctx, func(c Conn) error {
		f, err := c.Open(p.resolve(file))
		if err != nil {
			return err
		}
		body, err = io.ReadAll(f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(body)), nil
}

// Exists reports whether the path exists.
func (p *Pool) Exists(ctx context.Context, file string) (bool, error) {
	_, err := p.Stat(ctx, file)
	if err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// IsDir reports whether the path is a directory.
func (p *Pool) IsDir(ctx context.Context, file string) (bool, error) {
	info, err := p.Stat(ctx, file)
	if err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

// IsFile reports whether the path is a regular file.
func (p *Pool) IsFile(ctx context.Context, file string) (bool, error) {
	info, err := p.Stat(ctx, file)
	if err != nil {
		if isNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

// Close drains and closes idle connections.
func (p *Pool) Close() error {
	for {
		select {
		case c := <-p.idle:
			_ = c.Close()
			p.totalMu.Lock()
			p.total--
			p.totalMu.Unlock()
		default:
			return nil
		}
	}
}

// op runs one operation: gating strategy, rate gate, then the retry
// engine around acquire/do/release.
func (p *Pool) op(ctx context.Context, do func(Conn) error) error {
	if p.gate != nil {
		if err := p.gate.WaitIfNeeded(ctx); err != nil {
			return err
		}
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return err
	}

	return p.engine.Do(ctx, func(ctx context.Context) error {
		c, err := p.acquire(ctx)
		if err != nil {
			return err
		}
		if err := do(c); err != nil {
			if isNotExist(err) {
				// Healthy connection, missing path. Not transient.
				p.release(c)
				return err
			}
			p.discardConn(c)
			return types.NewError(types.KindRetryable, "sftp operation failed", err).
				WithComponent("sftp:" + p.cfg.Name)
		}
		p.release(c)
		return nil
	})
}

// acquire pops an idle connection and verifies health and baseline
// directory; unhealthy connections are discarded and replaced.
func (p *Pool) acquire(ctx context.Context) (Conn, error) {
	for {
		select {
		case c := <-p.idle:
			if p.checkBaseline(c) {
				return c, nil
			}
			p.discardConn(c)
			continue
		default:
		}

		p.totalMu.Lock()
		if p.total < p.cfg.PoolMaxSize {
			p.total++
			p.totalMu.Unlock()
			c, err := p.dial(ctx, p.cfg, p.provider)
			if err != nil {
				p.totalMu.Lock()
				p.total--
				p.totalMu.Unlock()
				return nil, types.NewError(types.KindNetwork, "sftp dial failed", err).
					WithComponent("sftp:" + p.cfg.Name)
			}
			if !p.checkBaseline(c) {
				p.discardConn(c)
				return nil, types.NewError(types.KindConfiguration,
					fmt.Sprintf("base directory %q unavailable", p.cfg.BaseDir), nil).
					WithComponent("sftp:" + p.cfg.Name)
			}
			return c, nil
		}
		p.totalMu.Unlock()

		select {
		case c := <-p.idle:
			if p.checkBaseline(c) {
				return c, nil
			}
			p.discardConn(c)
			continue
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// release re-verifies the baseline and returns the connection to the
// idle queue, discarding on failure.
func (p *Pool) release(c Conn) {
	if !p.checkBaseline(c) {
		p.discardConn(c)
		return
	}
	select {
	case p.idle <- c:
	default:
		p.discardConn(c)
	}
}

func (p *Pool) discardConn(c Conn) {
	_ = c.Close()
	p.totalMu.Lock()
	p.total--
	p.totalMu.Unlock()
}

// checkBaseline is the health check plus base-directory verification.
func (p *Pool) checkBaseline(c Conn) bool {
	if _, err := c.Getwd(); err != nil {
		return false
	}
	if p.cfg.BaseDir == "" {
		return true
	}
	info, err := c.Stat(p.cfg.BaseDir)
	return err == nil && info.IsDir()
}

// resolve joins relative paths under the baseline directory.
func (p *Pool) resolve(file string) string {
	if p.cfg.BaseDir == "" || path.IsAbs(file) {
		return file
	}
	return path.Join(p.cfg.BaseDir, file)
}

func isNotExist(err error) bool {
	return os.IsNotExist(err) || (err != nil && err.Error() == "file does not exist")
}
