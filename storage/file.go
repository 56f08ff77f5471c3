package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pithecene-io/dredge/types"
)

// FileSink writes bundles to the local filesystem, one directory per
// bundle. Resources land next to `<name>.meta` sidecars; the
// `bundle.meta` manifest written at Finalize is the completion marker.
type FileSink struct {
	root string
	now  func() time.Time
}

var _ Sink = (*FileSink)(nil)

// NewFileSink creates a sink rooted at dir, creating it when absent.
func NewFileSink(dir string) (*FileSink, error) {
	if dir == "" {
		return nil, types.NewError(types.KindConfiguration, "file sink requires a root directory", nil)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewError(types.KindConfiguration, "create sink root", err).WithResource(dir)
	}
	return &FileSink{root: dir, now: time.Now}, nil
}

func (s *FileSink) bundleDir(ref *types.BundleRef) string {
	return filepath.Join(s.root, "bundle_"+string(ref.BID))
}

// Begin implements Sink.
func (s *FileSink) Begin(_ context.Context, ref *types.BundleRef) error {
	return os.MkdirAll(s.bundleDir(ref), 0o755)
}

// PutResource implements Sink.
func (s *FileSink) PutResource(_ context.Context, ref *types.BundleRef, rec *ResourceRecord, r io.Reader) error {
	dir := s.bundleDir(ref)
	path := filepath.Join(dir, rec.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	hr := newHashingReader(r)
	_, copyErr := io.Copy(f, hr)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(path)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(path)
		return closeErr
	}
	rec.Size = hr.n
	rec.Hash = hr.sum()

	return writeJSON(path+".meta", rec.Meta)
}

// bundleManifest is the bundle.meta document.
type bundleManifest struct {
	Bundle      *types.BundleRef  `json:"bundle"`
	Resources   []*ResourceRecord `json:"resources"`
	Meta        map[string]any    `json:"meta,omitempty"`
	CompletedAt string            `json:"completed_at"`
}

// Finalize implements Sink.
func (s *FileSink) Finalize(_ context.Context, ref *types.BundleRef, records []*ResourceRecord, meta map[string]any) (string, error) {
	dir := s.bundleDir(ref)
	manifest := bundleManifest{
		Bundle:      ref,
		Resources:   records,
		Meta:        meta,
		CompletedAt: s.now().UTC().Format(time.RFC3339),
	}
	if err := writeJSON(filepath.Join(dir, "bundle.meta"), manifest); err != nil {
		return "", fmt.Errorf("write bundle manifest: %w", err)
	}
	return dir, nil
}

// Close implements Sink.
func (s *FileSink) Close() error { return nil }

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
