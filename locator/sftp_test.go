package locator

import (
	"context"
	"errors"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/dredge/creds"
	"github.com/pithecene-io/dredge/kv"
	sftppool "github.com/pithecene-io/dredge/pool/sftp"
	"github.com/pithecene-io/dredge/types"
)

// dirEntry is a fake remote file.
type dirEntry struct {
	name  string
	mtime time.Time
	dir   bool
}

func (e dirEntry) Name() string { return e.name }
func (e dirEntry) Size() int64  { return 42 }
func (e dirEntry) Mode() os.FileMode {
	if e.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (e dirEntry) ModTime() time.Time { return e.mtime }
func (e dirEntry) IsDir() bool        { return e.dir }
func (e dirEntry) Sys() any           { return nil }

// dirConn serves a single directory listing.
type dirConn struct {
	dir     string
	entries []dirEntry
	fail    bool
}

func (c *dirConn) Getwd() (string, error) { return "/", nil }

func (c *dirConn) ReadDir(path string) ([]os.FileInfo, error) {
	if c.fail {
		return nil, errors.New("connection reset")
	}
	if path != c.dir {
		return nil, os.ErrNotExist
	}
	out := make([]os.FileInfo, len(c.entries))
	for i, e := range c.entries {
		out[i] = e
	}
	return out, nil
}

func (c *dirConn) Stat(path string) (os.FileInfo, error) {
	for _, e := range c.entries {
		if c.dir+"/"+e.name == path || e.name == path {
			return e, nil
		}
	}
	return nil, os.ErrNotExist
}

func (c *dirConn) Open(string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader("content")), nil
}

func (c *dirConn) Close() error { return nil }

func testSFTPPool(t *testing.T, conn sftppool.Conn) *sftppool.Pool {
	t.Helper()
	dial := func(context.Context, sftppool.Config, creds.Provider) (sftppool.Conn, error) {
		return conn, nil
	}
	p, err := sftppool.New(sftppool.Config{
		Name: "acme", Host: "sftp.acme.test",
		RatePerSecond: 10000, RetryBaseDelay: time.Millisecond,
	}, nil, dial, nil)
	if err != nil {
		t.Fatalf("new sftp pool: %v", err)
	}
	return p
}

func mtime(day int) time.Time {
	return time.Date(2024, 1, day, 8, 0, 0, 0, time.UTC)
}

func newDirLocator(t *testing.T, conn *dirConn) *SFTPDir {
	t.Helper()
	loc, err := NewSFTPDir(SFTPDirConfig{
		ID:     "drop",
		Host:   "sftp.acme.test",
		Dir:    "/drop",
		Filter: GlobFilter{Pattern: "*.xml"},
	}, testSFTPPool(t, conn))
	if err != nil {
		t.Fatalf("new locator: %v", err)
	}
	return loc
}

func TestSFTPDirEmitsNewestFirst(t *testing.T) {
	conn := &dirConn{dir: "/drop", entries: []dirEntry{
		{name: "old.xml", mtime: mtime(10)},
		{name: "new.xml", mtime: mtime(14)},
		{name: "mid.xml", mtime: mtime(12)},
		{name: "skip.pdf", mtime: mtime(15)},
		{name: "sub", mtime: mtime(15), dir: true},
	}}
	loc := newDirLocator(t, conn)
	ctx := context.Background()

	refs, err := loc.NextBundleRefs(ctx, testRunContext(kv.NewMemoryStore()), 10)
	if err != nil {
		t.Fatalf("next refs: %v", err)
	}

	var names []string
	for _, ref := range refs {
		names = append(names, ref.Meta[MetaPath])
		if !strings.HasPrefix(ref.PrimaryURL, "sftp://sftp.acme.test/drop/") {
			t.Fatalf("url: %s", ref.PrimaryURL)
		}
	}
	want := []string{"/drop/new.xml", "/drop/mid.xml", "/drop/old.xml"}
	if len(names) != len(want) {
		t.Fatalf("refs: %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("order: %v, want %v", names, want)
		}
	}
}

func TestSFTPDirSkipsProcessedUntilModified(t *testing.T) {
	conn := &dirConn{dir: "/drop", entries: []dirEntry{
		{name: "report.xml", mtime: mtime(10)},
	}}
	store := kv.NewMemoryStore()
	rctx := testRunContext(store)
	loc := newDirLocator(t, conn)
	ctx := context.Background()

	refs, err := loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs) != 1 {
		t.Fatalf("first scan: %d %v", len(refs), err)
	}
	if err := loc.OnBundleComplete(ctx, refs[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Unchanged file stays out of rotation.
	refs, err = loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs) != 0 {
		t.Fatalf("rescan: %d %v", len(refs), err)
	}

	// A newer drop of the same name re-emits.
	conn.entries[0].mtime = mtime(20)
	refs, err = loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs) != 1 {
		t.Fatalf("modified rescan: %d %v", len(refs), err)
	}
}

func TestSFTPDirDoesNotReemitInFlight(t *testing.T) {
	conn := &dirConn{dir: "/drop", entries: []dirEntry{
		{name: "report.xml", mtime: mtime(10)},
	}}
	rctx := testRunContext(kv.NewMemoryStore())
	loc := newDirLocator(t, conn)
	ctx := context.Background()

	refs, err := loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs) != 1 {
		t.Fatalf("first scan: %d %v", len(refs), err)
	}
	// Re-poll before the bundle completes: the file has no processed
	// marker yet but is claimed in flight.
	refs2, err := loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs2) != 0 {
		t.Fatalf("in-flight file re-emitted: %d %v", len(refs2), err)
	}

	if err := loc.OnBundleComplete(ctx, refs[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
	refs2, err = loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs2) != 0 {
		t.Fatalf("processed file re-emitted: %d %v", len(refs2), err)
	}
}

func TestSFTPDirStallsOnListFailure(t *testing.T) {
	conn := &dirConn{dir: "/drop", fail: true}
	loc := newDirLocator(t, conn)

	_, err := loc.NextBundleRefs(context.Background(), testRunContext(kv.NewMemoryStore()), 5)
	if !errors.Is(err, types.ErrLocatorStalled) {
		t.Fatalf("err: %v, want stall", err)
	}
}

func TestSFTPDirPoisonAfterRepeatedFailures(t *testing.T) {
	conn := &dirConn{dir: "/drop", entries: []dirEntry{
		{name: "bad.xml", mtime: mtime(10)},
	}}
	store := kv.NewMemoryStore()
	rctx := testRunContext(store)
	loc, err := NewSFTPDir(SFTPDirConfig{
		ID: "drop", Host: "h", Dir: "/drop", MaxFailures: 2,
	}, testSFTPPool(t, conn))
	if err != nil {
		t.Fatalf("new locator: %v", err)
	}
	ctx := context.Background()

	refs, err := loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs) != 1 {
		t.Fatalf("scan: %d %v", len(refs), err)
	}

	req := &types.RequestMeta{
		URL:   refs[0].PrimaryURL,
		Flags: map[string]string{MetaMTime: refs[0].Meta[MetaMTime]},
	}
	for range 2 {
		if err := loc.HandleRequestProcessed(ctx, rctx, req, false); err != nil {
			t.Fatalf("handle failure: %v", err)
		}
	}

	refs, err = loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs) != 0 {
		t.Fatalf("poisoned file re-emitted: %d %v", len(refs), err)
	}
}

func TestSFTPFilesEmitsOnceAndSkipsMissing(t *testing.T) {
	conn := &dirConn{dir: "/drop", entries: []dirEntry{
		{name: "/data/a.xml", mtime: mtime(10)},
	}}
	store := kv.NewMemoryStore()
	rctx := testRunContext(store)
	loc, err := NewSFTPFiles("fixed", "sftp.acme.test",
		[]string{"/data/a.xml", "/data/missing.xml"}, testSFTPPool(t, conn))
	if err != nil {
		t.Fatalf("new locator: %v", err)
	}
	ctx := context.Background()

	refs, err := loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil {
		t.Fatalf("next refs: %v", err)
	}
	if len(refs) != 1 || refs[0].Meta[MetaPath] != "/data/a.xml" {
		t.Fatalf("refs: %+v", refs)
	}

	// Still in flight: the re-poll must not mint a second bundle.
	again, err := loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(again) != 0 {
		t.Fatalf("in-flight file re-emitted: %d %v", len(again), err)
	}

	if err := loc.OnBundleComplete(ctx, refs[0]); err != nil {
		t.Fatalf("complete: %v", err)
	}
	refs, err = loc.NextBundleRefs(ctx, rctx, 5)
	if err != nil || len(refs) != 0 {
		t.Fatalf("rescan: %d %v", len(refs), err)
	}
}
