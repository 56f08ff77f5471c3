package storage

import (
	"archive/tar"
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/pithecene-io/dredge/types"
)

// gzipMagic is the two-byte gzip stream header.
var gzipMagic = []byte{0x1f, 0x8b}

// GunzipSink transparently unwraps gzip-compressed resources before
// handing them to the inner sink. Detection is by `.gz` suffix or the
// stream magic; anything that fails to open as gzip passes through
// unchanged.
type GunzipSink struct {
	Inner Sink
}

var _ Sink = (*GunzipSink)(nil)

// Begin implements Sink.
func (s *GunzipSink) Begin(ctx context.Context, ref *types.BundleRef) error {
	return s.Inner.Begin(ctx, ref)
}

// PutResource implements Sink.
func (s *GunzipSink) PutResource(ctx context.Context, ref *types.BundleRef, rec *ResourceRecord, r io.Reader) error {
	looksGzipped := func(b []byte) bool {
		return len(b) >= 2 && b[0] == gzipMagic[0] && b[1] == gzipMagic[1]
	}

	if !strings.HasSuffix(rec.Name, ".gz") {
		br := bufio.NewReader(r)
		magic, err := br.Peek(2)
		if err != nil || !looksGzipped(magic) {
			return s.Inner.PutResource(ctx, ref, rec, br)
		}
		r = br
	}

	// Buffer so a mid-stream gzip failure can fall back to raw bytes.
	raw, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	if !looksGzipped(raw) {
		return s.Inner.PutResource(ctx, ref, rec, bytes.NewReader(raw))
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return s.Inner.PutResource(ctx, ref, rec, bytes.NewReader(raw))
	}
	plain, err := io.ReadAll(gz)
	if cerr := gz.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		// Truncated or corrupt stream; keep the original bytes.
		return s.Inner.PutResource(ctx, ref, rec, bytes.NewReader(raw))
	}

	rec.Name = strings.TrimSuffix(rec.Name, ".gz")
	if rec.Meta != nil {
		if rec.Meta.Note != "" {
			rec.Meta.Note += "; "
		}
		rec.Meta.Note += "gzip-unwrapped"
	}
	return s.Inner.PutResource(ctx, ref, rec, bytes.NewReader(plain))
}

// Finalize implements Sink.
func (s *GunzipSink) Finalize(ctx context.Context, ref *types.BundleRef, records []*ResourceRecord, meta map[string]any) (string, error) {
	return s.Inner.Finalize(ctx, ref, records, meta)
}

// Close implements Sink.
func (s *GunzipSink) Close() error { return s.Inner.Close() }

// UntarSink expands `.tar` resources into one inner resource per
// archive entry, named `<archive>/<entry>`. Non-archives pass through.
// The logical record keeps the archive name; its size and hash cover
// the raw archive bytes.
type UntarSink struct {
	Inner Sink
}

var _ Sink = (*UntarSink)(nil)

// Begin implements Sink.
func (s *UntarSink) Begin(ctx context.Context, ref *types.BundleRef) error {
	return s.Inner.Begin(ctx, ref)
}

// PutResource implements Sink.
func (s *UntarSink) PutResource(ctx context.Context, ref *types.BundleRef, rec *ResourceRecord, r io.Reader) error {
	if !strings.HasSuffix(rec.Name, ".tar") {
		return s.Inner.PutResource(ctx, ref, rec, r)
	}

	base := strings.TrimSuffix(rec.Name, ".tar")
	hr := newHashingReader(r)
	tr := tar.NewReader(hr)
	entries := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		entryMeta := &types.ResourceMeta{Note: "extracted from " + rec.Name}
		if rec.Meta != nil {
			entryMeta.URL = rec.Meta.URL
		}
		entryRec := &ResourceRecord{
			Name: path.Join(base, path.Clean(hdr.Name)),
			Meta: entryMeta,
		}
		if err := s.Inner.PutResource(ctx, ref, entryRec, tr); err != nil {
			return err
		}
		entries++
	}

	// Drain any trailing padding so the archive hash is complete.
	_, _ = io.Copy(io.Discard, hr)
	rec.Size = hr.n
	rec.Hash = hr.sum()
	if rec.Meta != nil && entries > 0 {
		if rec.Meta.Note != "" {
			rec.Meta.Note += "; "
		}
		rec.Meta.Note += "archive-expanded"
	}
	return nil
}

// Finalize implements Sink.
func (s *UntarSink) Finalize(ctx context.Context, ref *types.BundleRef, records []*ResourceRecord, meta map[string]any) (string, error) {
	return s.Inner.Finalize(ctx, ref, records, meta)
}

// Close implements Sink.
func (s *UntarSink) Close() error { return s.Inner.Close() }

// TarSink holds resource writes back and stores a bundle's entire
// content as one `bundle.tar` archive when it finalizes. The logical
// records still describe the individual resources; only the archive
// reaches the inner sink's content area.
type TarSink struct {
	Inner Sink

	mu      sync.Mutex
	pending map[types.BID]*tarBuffer
}

// tarBuffer accumulates one bundle's archive between Begin and Finalize.
type tarBuffer struct {
	buf     bytes.Buffer
	tw      *tar.Writer
	entries int
}

var _ Sink = (*TarSink)(nil)

// Begin implements Sink.
func (s *TarSink) Begin(ctx context.Context, ref *types.BundleRef) error {
	if err := s.Inner.Begin(ctx, ref); err != nil {
		return err
	}
	s.mu.Lock()
	if s.pending == nil {
		s.pending = map[types.BID]*tarBuffer{}
	}
	tb := &tarBuffer{}
	tb.tw = tar.NewWriter(&tb.buf)
	s.pending[ref.BID] = tb
	s.mu.Unlock()
	return nil
}

// PutResource implements Sink. The entry lands in the bundle's archive;
// the record's size and hash cover the resource's own bytes.
func (s *TarSink) PutResource(ctx context.Context, ref *types.BundleRef, rec *ResourceRecord, r io.Reader) error {
	body, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	rec.Size = int64(len(body))
	rec.Hash = hashBytes(body)

	s.mu.Lock()
	defer s.mu.Unlock()
	tb, ok := s.pending[ref.BID]
	if !ok {
		return types.NewError(types.KindStorage, "bundle was not begun on the tar sink", nil).
			WithResource(string(ref.BID))
	}
	hdr := &tar.Header{
		Name:    rec.Name,
		Mode:    0o644,
		Size:    rec.Size,
		ModTime: time.Now().UTC(),
	}
	if err := tb.tw.WriteHeader(hdr); err != nil {
		return err
	}
	if _, err := tb.tw.Write(body); err != nil {
		return err
	}
	tb.entries++
	return nil
}

// Finalize implements Sink: closes the archive, stores it as the sole
// content object, and passes the logical records through for the
// manifest.
func (s *TarSink) Finalize(ctx context.Context, ref *types.BundleRef, records []*ResourceRecord, meta map[string]any) (string, error) {
	s.mu.Lock()
	tb, ok := s.pending[ref.BID]
	delete(s.pending, ref.BID)
	s.mu.Unlock()
	if !ok {
		return "", types.NewError(types.KindStorage, "bundle was not begun on the tar sink", nil).
			WithResource(string(ref.BID))
	}
	if err := tb.tw.Close(); err != nil {
		return "", err
	}

	archive := &ResourceRecord{
		Name: "bundle.tar",
		Meta: &types.ResourceMeta{
			ContentType: "application/x-tar",
			Note:        fmt.Sprintf("archive of %d resources", tb.entries),
		},
	}
	if err := s.Inner.PutResource(ctx, ref, archive, bytes.NewReader(tb.buf.Bytes())); err != nil {
		return "", err
	}
	return s.Inner.Finalize(ctx, ref, records, meta)
}

// Close implements Sink.
func (s *TarSink) Close() error { return s.Inner.Close() }
