package loader

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/pithecene-io/dredge/creds"
	"github.com/pithecene-io/dredge/locator"
	sftppool "github.com/pithecene-io/dredge/pool/sftp"
	"github.com/pithecene-io/dredge/types"
)

type fileInfo struct {
	name string
	dir  bool
}

func (f fileInfo) Name() string { return f.name }
func (f fileInfo) Size() int64  { return 7 }
func (f fileInfo) Mode() os.FileMode {
	if f.dir {
		return os.ModeDir | 0o755
	}
	return 0o644
}
func (f fileInfo) ModTime() time.Time { return time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC) }
func (f fileInfo) IsDir() bool        { return f.dir }
func (f fileInfo) Sys() any           { return nil }

// remoteConn serves a small fixed tree.
type remoteConn struct {
	dirs  map[string][]fileInfo
	files map[string]string
}

func (c *remoteConn) Getwd() (string, error) { return "/", nil }

func (c *remoteConn) ReadDir(path string) ([]os.FileInfo, error) {
	entries, ok := c.dirs[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	out := make([]os.FileInfo, len(entries))
	for i, e := range entries {
		out[i] = e
	}
	return out, nil
}

func (c *remoteConn) Stat(path string) (os.FileInfo, error) {
	if _, ok := c.dirs[path]; ok {
		return fileInfo{name: path, dir: true}, nil
	}
	if _, ok := c.files[path]; ok {
		return fileInfo{name: path}, nil
	}
	return nil, os.ErrNotExist
}

func (c *remoteConn) Open(path string) (io.ReadCloser, error) {
	body, ok := c.files[path]
	if !ok {
		return nil, os.ErrNotExist
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func (c *remoteConn) Close() error { return nil }

func testSFTPLoader(t *testing.T, conn *remoteConn) *SFTP {
	t.Helper()
	dial := func(context.Context, sftppool.Config, creds.Provider) (sftppool.Conn, error) {
		return conn, nil
	}
	pool, err := sftppool.New(sftppool.Config{
		Name: "acme", Host: "h", RatePerSecond: 10000, RetryBaseDelay: time.Millisecond,
	}, nil, dial, nil)
	if err != nil {
		t.Fatalf("new pool: %v", err)
	}
	l, err := NewSFTP(pool)
	if err != nil {
		t.Fatalf("new loader: %v", err)
	}
	return l
}

func TestSFTPLoadSingleFile(t *testing.T) {
	conn := &remoteConn{
		dirs:  map[string][]fileInfo{},
		files: map[string]string{"/drop/a.xml": "<a/>"},
	}
	l := testSFTPLoader(t, conn)
	st, sink := testStorage()

	req := &types.RequestMeta{
		URL:   "sftp://h/drop/a.xml",
		Flags: map[string]string{locator.MetaPath: "/drop/a.xml"},
	}
	refs, err := l.Load(context.Background(), req, st, nil, testRecipe(l))
	if err != nil || len(refs) != 1 {
		t.Fatalf("load: %d %v", len(refs), err)
	}
	body, ok := sink.Content(refs[0].BID, "a.xml")
	if !ok || string(body) != "<a/>" {
		t.Fatalf("content: %q ok=%v", body, ok)
	}
	if !sink.Finalized(refs[0].BID) {
		t.Fatal("bundle not finalized")
	}
}

func TestSFTPLoadDirectoryBundlesAllFiles(t *testing.T) {
	conn := &remoteConn{
		dirs: map[string][]fileInfo{
			"/drop": {{name: "a.xml"}, {name: "b.xml"}, {name: "sub", dir: true}},
		},
		files: map[string]string{"/drop/a.xml": "<a/>", "/drop/b.xml": "<b/>"},
	}
	l := testSFTPLoader(t, conn)
	st, sink := testStorage()

	req := &types.RequestMeta{URL: "sftp://h/drop"}
	refs, err := l.Load(context.Background(), req, st, nil, testRecipe(l))
	if err != nil || len(refs) != 1 {
		t.Fatalf("load: %d %v", len(refs), err)
	}
	if refs[0].ResourcesCount != 2 {
		t.Fatalf("resources: %d", refs[0].ResourcesCount)
	}
	for name, want := range map[string]string{"a.xml": "<a/>", "b.xml": "<b/>"} {
		body, ok := sink.Content(refs[0].BID, name)
		if !ok || string(body) != want {
			t.Fatalf("%s: %q ok=%v", name, body, ok)
		}
	}
}

func TestSFTPLoadEmptyDirectoryDiscards(t *testing.T) {
	conn := &remoteConn{
		dirs:  map[string][]fileInfo{"/empty": {}},
		files: map[string]string{},
	}
	l := testSFTPLoader(t, conn)
	st, _ := testStorage()

	refs, err := l.Load(context.Background(), &types.RequestMeta{URL: "sftp://h/empty"}, st, nil, testRecipe(l))
	if err != nil || len(refs) != 0 {
		t.Fatalf("empty dir: %d %v", len(refs), err)
	}
}

func TestSFTPLoadRejectsNonSFTPURL(t *testing.T) {
	l := testSFTPLoader(t, &remoteConn{})
	st, _ := testStorage()

	_, err := l.Load(context.Background(), &types.RequestMeta{URL: "https://h/x"}, st, nil, testRecipe(l))
	if err == nil {
		t.Fatal("non-sftp url accepted")
	}
	if types.KindOf(err) != types.KindValidation {
		t.Fatalf("kind: %s", types.KindOf(err))
	}
}
