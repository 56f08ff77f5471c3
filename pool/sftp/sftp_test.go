package sftp

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/dredge/creds"
)

// fakeInfo is a minimal os.FileInfo for fake connections.
type fakeInfo struct {
	name string
	dir  bool
	size int64
}

func (f fakeInfo) Name() string { return f.name }
func (f fakeInfo) Size() int64  { return f.size }
func (f fakeInfo) Mode() os.FileMode {
	if f.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (f fakeInfo) ModTime() time.Time { return time.Time{} }
func (f fakeInfo) IsDir() bool        { return f.dir }
func (f fakeInfo) Sys() any           { return nil }

// fakeConn serves a flat path->entry map and records requested paths.
type fakeConn struct {
	files map[string]fakeInfo
	data  map[string]string

	paths    []string
	unwell   atomic.Bool
	readErrs atomic.Int64 // remaining ReadDir failures
	closed   atomic.Bool
}

func (c *fakeConn) Getwd() (string, error) {
	if c.unwell.Load() {
		return "", errors.New("connection lost")
	}
	return "/", nil
}

func (c *fakeConn) ReadDir(path string) ([]os.FileInfo, error) {
	c.paths = append(c.paths, path)
	if c.readErrs.Add(-1) >= 0 {
		return nil, errors.New("sshfx: failure")
	}
	var out []os.FileInfo
	for p, info := range c.files {
		if strings.HasPrefix(p, path+"/") && !strings.Contains(strings.TrimPrefix(p, path+"/"), "/") {
			out = append(out, info)
		}
	}
	return out, nil
}

func (c *fakeConn) Stat(path string) (os.FileInfo, error) {
	if info, ok := c.files[path]; ok {
		return info, nil
	}
	return nil, os.ErrNotExist
}

func (c *fakeConn) Open(path string) (io.ReadCloser, error) {
	c.paths = append(c.paths, path)
	if body, ok := c.data[path]; ok {
		return io.NopCloser(strings.NewReader(body)), nil
	}
	return nil, os.ErrNotExist
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return nil
}

func newFakeConn() *fakeConn {
	c := &fakeConn{
		files: map[string]fakeInfo{
			"/drop":           {name: "drop", dir: true},
			"/drop/a.xml":     {name: "a.xml", size: 10},
			"/drop/b.xml":     {name: "b.xml", size: 20},
			"/drop/sub":       {name: "sub", dir: true},
			"/drop/sub/c.xml": {name: "c.xml", size: 30},
		},
		data: map[string]string{"/drop/a.xml": "<a/>"},
	}
	c.readErrs.Store(-1 << 30)
	return c
}

// dialSequence hands out prepared connections in order and counts dials.
func dialSequence(conns ...*fakeConn) (Dialer, *atomic.Int64) {
	var dials atomic.Int64
	return func(context.Context, Config, creds.Provider) (Conn, error) {
		n := dials.Add(1)
		if int(n) > len(conns) {
			return nil, errors.New("dial budget exceeded")
		}
		return conns[n-1], nil
	}, &dials
}

func fakePool(t *testing.T, cfg Config, dial Dialer) *Pool {
	t.Helper()
	cfg.Name = "acme"
	cfg.Host = "sftp.example.test"
	cfg.RatePerSecond = 10000
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = time.Millisecond
	}
	p, err := New(cfg, nil, dial, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	return p
}

func TestPoolReusesHealthyConnection(t *testing.T) {
	dial, dials := dialSequence(newFakeConn())
	p := fakePool(t, Config{}, dial)
	ctx := context.Background()

	for range 3 {
		infos, err := p.ListDir(ctx, "/drop")
		if err != nil {
			t.Fatalf("listdir: %v", err)
		}
		if len(infos) != 3 {
			t.Fatalf("entries: got %d, want 3", len(infos))
		}
	}
	if dials.Load() != 1 {
		t.Fatalf("dials: got %d, want 1", dials.Load())
	}
}

func TestPoolDiscardsUnhealthyConnection(t *testing.T) {
	sick := newFakeConn()
	dial, dials := dialSequence(sick, newFakeConn())
	p := fakePool(t, Config{}, dial)
	ctx := context.Background()

	if _, err := p.Stat(ctx, "/drop/a.xml"); err != nil {
		t.Fatalf("first stat: %v", err)
	}
	sick.unwell.Store(true)

	if _, err := p.Stat(ctx, "/drop/a.xml"); err != nil {
		t.Fatalf("second stat: %v", err)
	}
	if !sick.closed.Load() {
		t.Fatal("unhealthy connection not closed")
	}
	if dials.Load() != 2 {
		t.Fatalf("dials: got %d, want 2", dials.Load())
	}
}

func TestTransientFailureRetriesOnFreshConnection(t *testing.T) {
	flaky := newFakeConn()
	flaky.readErrs.Store(1)
	dial, dials := dialSequence(flaky, newFakeConn())
	p := fakePool(t, Config{MaxRetries: 2}, dial)

	infos, err := p.ListDir(context.Background(), "/drop")
	if err != nil {
		t.Fatalf("listdir: %v", err)
	}
	if len(infos) != 3 {
		t.Fatalf("entries: got %d, want 3", len(infos))
	}
	if !flaky.closed.Load() {
		t.Fatal("failed connection kept in pool")
	}
	if dials.Load() != 2 {
		t.Fatalf("dials: got %d, want 2", dials.Load())
	}
}

func TestMissingPathIsNotRetried(t *testing.T) {
	conn := newFakeConn()
	dial, dials := dialSequence(conn)
	p := fakePool(t, Config{MaxRetries: 3}, dial)
	ctx := context.Background()

	ok, err := p.Exists(ctx, "/drop/ghost.xml")
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if ok {
		t.Fatal("missing file reported present")
	}
	if conn.closed.Load() {
		t.Fatal("healthy connection discarded on missing path")
	}
	if dials.Load() != 1 {
		t.Fatalf("dials: got %d, want 1", dials.Load())
	}
}

func TestRelativePathsResolveUnderBaseDir(t *testing.T) {
	conn := newFakeConn()
	dial, _ := dialSequence(conn)
	p := fakePool(t, Config{BaseDir: "/drop"}, dial)
	ctx := context.Background()

	r, err := p.Open(ctx, "a.xml")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(r)
	_ = r.Close()
	if string(body) != "<a/>" {
		t.Fatalf("body: %q", body)
	}
	if got := conn.paths[len(conn.paths)-1]; got != "/drop/a.xml" {
		t.Fatalf("resolved path: %q", got)
	}

	// Absolute paths bypass the base directory.
	if _, err := p.Stat(ctx, "/drop/sub/c.xml"); err != nil {
		t.Fatalf("absolute stat: %v", err)
	}
}

func TestOpenReleasesConnectionBeforeRead(t *testing.T) {
	conn := newFakeConn()
	dial, dials := dialSequence(conn)
	p := fakePool(t, Config{PoolMaxSize: 1}, dial)
	ctx := context.Background()

	r, err := p.Open(ctx, "/drop/a.xml")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// The handle is fully buffered: the single pooled connection is
	// already free for other operations while r is still held.
	if _, err := p.Stat(ctx, "/drop/b.xml"); err != nil {
		t.Fatalf("stat with open handle outstanding: %v", err)
	}
	body, _ := io.ReadAll(r)
	_ = r.Close()
	if string(body) != "<a/>" {
		t.Fatalf("body: %q", body)
	}
	if dials.Load() != 1 {
		t.Fatalf("dials: got %d, want 1", dials.Load())
	}
}

func TestIsDirAndIsFile(t *testing.T) {
	dial, _ := dialSequence(newFakeConn())
	p := fakePool(t, Config{}, dial)
	ctx := context.Background()

	if dir, err := p.IsDir(ctx, "/drop/sub"); err != nil || !dir {
		t.Fatalf("IsDir(/drop/sub): %v %v", dir, err)
	}
	if file, err := p.IsFile(ctx, "/drop/b.xml"); err != nil || !file {
		t.Fatalf("IsFile(/drop/b.xml): %v %v", file, err)
	}
	if dir, err := p.IsDir(ctx, "/nowhere"); err != nil || dir {
		t.Fatalf("IsDir(/nowhere): %v %v", dir, err)
	}
}

// blockedGate denies every operation.
type blockedGate struct{ calls atomic.Int64 }

func (g *blockedGate) WaitIfNeeded(context.Context) error {
	g.calls.Add(1)
	return errors.New("maintenance window")
}

func TestGateRunsBeforeDial(t *testing.T) {
	dial, dials := dialSequence(newFakeConn())
	gate := &blockedGate{}
	p, err := New(Config{Name: "acme", Host: "h", RatePerSecond: 10000}, nil, dial, gate)
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	if _, err := p.Stat(context.Background(), "/drop"); err == nil {
		t.Fatal("gated operation succeeded")
	}
	if gate.calls.Load() != 1 {
		t.Fatalf("gate calls: %d", gate.calls.Load())
	}
	if dials.Load() != 0 {
		t.Fatalf("dialed despite closed gate: %d", dials.Load())
	}
}

func TestNewRejectsMissingIdentity(t *testing.T) {
	if _, err := New(Config{Host: "h"}, nil, nil, nil); err == nil {
		t.Fatal("missing name accepted")
	}
	if _, err := New(Config{Name: "acme"}, nil, nil, nil); err == nil {
		t.Fatal("missing host accepted")
	}
}
