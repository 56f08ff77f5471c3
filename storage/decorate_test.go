package storage

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"strings"
	"testing"

	"github.com/pithecene-io/dredge/types"
)

func gzipped(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write([]byte(body)); err != nil {
		t.Fatalf("gzip write: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

func TestGunzipSinkUnwrapsBySuffix(t *testing.T) {
	inner := NewStubSink()
	sink := &GunzipSink{Inner: inner}
	ctx := context.Background()
	ref := types.NewBundleRef("https://x")

	rec := &ResourceRecord{Name: "report.xml.gz", Meta: &types.ResourceMeta{}}
	if err := sink.PutResource(ctx, ref, rec, bytes.NewReader(gzipped(t, "<report/>"))); err != nil {
		t.Fatalf("put: %v", err)
	}

	if rec.Name != "report.xml" {
		t.Fatalf("stored name: %s", rec.Name)
	}
	body, ok := inner.Content(ref.BID, "report.xml")
	if !ok || string(body) != "<report/>" {
		t.Fatalf("content: %q ok=%v", body, ok)
	}
	if !strings.Contains(rec.Meta.Note, "gzip-unwrapped") {
		t.Fatalf("note: %q", rec.Meta.Note)
	}
}

func TestGunzipSinkUnwrapsByMagic(t *testing.T) {
	inner := NewStubSink()
	sink := &GunzipSink{Inner: inner}
	ctx := context.Background()
	ref := types.NewBundleRef("https://x")

	// No .gz suffix; detection is by the stream header.
	rec := &ResourceRecord{Name: "report.xml", Meta: &types.ResourceMeta{}}
	if err := sink.PutResource(ctx, ref, rec, bytes.NewReader(gzipped(t, "<report/>"))); err != nil {
		t.Fatalf("put: %v", err)
	}
	body, ok := inner.Content(ref.BID, "report.xml")
	if !ok || string(body) != "<report/>" {
		t.Fatalf("content: %q ok=%v", body, ok)
	}
}

func TestGunzipSinkFallsBackOnCorruptStream(t *testing.T) {
	inner := NewStubSink()
	sink := &GunzipSink{Inner: inner}
	ctx := context.Background()
	ref := types.NewBundleRef("https://x")

	// Valid magic, garbage payload.
	corrupt := append([]byte{0x1f, 0x8b}, []byte("not gzip at all")...)
	rec := &ResourceRecord{Name: "blob.gz", Meta: &types.ResourceMeta{}}
	if err := sink.PutResource(ctx, ref, rec, bytes.NewReader(corrupt)); err != nil {
		t.Fatalf("put: %v", err)
	}

	body, ok := inner.Content(ref.BID, "blob.gz")
	if !ok || !bytes.Equal(body, corrupt) {
		t.Fatalf("fallback content: %q ok=%v", body, ok)
	}
	if strings.Contains(rec.Meta.Note, "gzip-unwrapped") {
		t.Fatal("fallback marked as unwrapped")
	}
}

func TestGunzipSinkPassesPlainContent(t *testing.T) {
	inner := NewStubSink()
	sink := &GunzipSink{Inner: inner}
	ctx := context.Background()
	ref := types.NewBundleRef("https://x")

	rec := &ResourceRecord{Name: "plain.txt", Meta: &types.ResourceMeta{}}
	if err := sink.PutResource(ctx, ref, rec, strings.NewReader("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	body, ok := inner.Content(ref.BID, "plain.txt")
	if !ok || string(body) != "hello" {
		t.Fatalf("content: %q ok=%v", body, ok)
	}
}

func tarArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, body := range files {
		if err := tw.WriteHeader(&tar.Header{Name: name, Mode: 0o644, Size: int64(len(body))}); err != nil {
			t.Fatalf("tar header: %v", err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatalf("tar write: %v", err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("tar close: %v", err)
	}
	return buf.Bytes()
}

func TestUntarSinkExpandsEntries(t *testing.T) {
	inner := NewStubSink()
	sink := &UntarSink{Inner: inner}
	ctx := context.Background()
	ref := types.NewBundleRef("https://x")

	archive := tarArchive(t, map[string]string{"a.xml": "<a/>", "b.xml": "<b/>"})
	rec := &ResourceRecord{Name: "drop.tar", Meta: &types.ResourceMeta{URL: "https://x/drop.tar"}}
	if err := sink.PutResource(ctx, ref, rec, bytes.NewReader(archive)); err != nil {
		t.Fatalf("put: %v", err)
	}

	for entry, want := range map[string]string{"drop/a.xml": "<a/>", "drop/b.xml": "<b/>"} {
		body, ok := inner.Content(ref.BID, entry)
		if !ok || string(body) != want {
			t.Fatalf("entry %s: %q ok=%v", entry, body, ok)
		}
	}
	if rec.Size != int64(len(archive)) {
		t.Fatalf("archive size: %d want %d", rec.Size, len(archive))
	}
	if rec.Hash == "" {
		t.Fatal("archive hash not recorded")
	}
}

func TestUntarSinkPassesNonArchives(t *testing.T) {
	inner := NewStubSink()
	sink := &UntarSink{Inner: inner}
	ctx := context.Background()
	ref := types.NewBundleRef("https://x")

	rec := &ResourceRecord{Name: "plain.xml", Meta: &types.ResourceMeta{}}
	if err := sink.PutResource(ctx, ref, rec, strings.NewReader("<x/>")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, ok := inner.Content(ref.BID, "plain.xml"); !ok {
		t.Fatal("plain resource dropped")
	}
}

func TestTarSinkArchivesAtFinalize(t *testing.T) {
	inner := NewStubSink()
	sink := &TarSink{Inner: inner}
	ctx := context.Background()
	ref := types.NewBundleRef("https://x")

	if err := sink.Begin(ctx, ref); err != nil {
		t.Fatalf("begin: %v", err)
	}

	want := map[string]string{"a.xml": "<a/>", "b.pdf": "pdf bytes"}
	var records []*ResourceRecord
	for name, body := range want {
		rec := &ResourceRecord{Name: name, Meta: &types.ResourceMeta{}}
		if err := sink.PutResource(ctx, ref, rec, strings.NewReader(body)); err != nil {
			t.Fatalf("put %s: %v", name, err)
		}
		if rec.Size != int64(len(body)) || rec.Hash == "" {
			t.Fatalf("record %s: size=%d hash=%q", name, rec.Size, rec.Hash)
		}
		records = append(records, rec)
	}

	// Nothing reaches the inner sink until the bundle finalizes.
	if got := inner.Resources(ref.BID); len(got) != 0 {
		t.Fatalf("resources stored before finalize: %d", len(got))
	}

	if _, err := sink.Finalize(ctx, ref, records, nil); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	body, ok := inner.Content(ref.BID, "bundle.tar")
	if !ok {
		t.Fatal("archive not stored")
	}
	tr := tar.NewReader(bytes.NewReader(body))
	got := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		b, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("read entry %s: %v", hdr.Name, err)
		}
		got[hdr.Name] = string(b)
	}
	for name, w := range want {
		if got[name] != w {
			t.Fatalf("entry %s: %q, want %q", name, got[name], w)
		}
	}
}

func TestTarSinkRejectsUnbegunBundle(t *testing.T) {
	sink := &TarSink{Inner: NewStubSink()}
	ref := types.NewBundleRef("https://x")
	rec := &ResourceRecord{Name: "a.xml"}
	if err := sink.PutResource(context.Background(), ref, rec, strings.NewReader("x")); err == nil {
		t.Fatal("resource accepted without begin")
	}
}
