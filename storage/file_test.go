package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pithecene-io/dredge/types"
)

func TestFileSinkLayout(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()

	ref := types.NewBundleRef("https://registry.test/report.xml")
	if err := sink.Begin(ctx, ref); err != nil {
		t.Fatalf("begin: %v", err)
	}

	rec := &ResourceRecord{
		Name: "report.xml",
		Meta: &types.ResourceMeta{URL: ref.PrimaryURL, ContentType: "application/xml"},
	}
	if err := sink.PutResource(ctx, ref, rec, strings.NewReader("<report/>")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if rec.Size != int64(len("<report/>")) || rec.Hash == "" {
		t.Fatalf("record not filled: %+v", rec)
	}

	key, err := sink.Finalize(ctx, ref, []*ResourceRecord{rec}, map[string]any{"source": "acme"})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}

	dir := key
	if filepath.Base(dir) != "bundle_"+string(ref.BID) {
		t.Fatalf("bundle dir: %s", dir)
	}

	body, err := os.ReadFile(filepath.Join(dir, "report.xml"))
	if err != nil || string(body) != "<report/>" {
		t.Fatalf("content: %q %v", body, err)
	}

	var meta types.ResourceMeta
	raw, err := os.ReadFile(filepath.Join(dir, "report.xml.meta"))
	if err != nil {
		t.Fatalf("sidecar: %v", err)
	}
	if err := json.Unmarshal(raw, &meta); err != nil || meta.URL != ref.PrimaryURL {
		t.Fatalf("sidecar meta: %+v %v", meta, err)
	}

	var manifest bundleManifest
	raw, err = os.ReadFile(filepath.Join(dir, "bundle.meta"))
	if err != nil {
		t.Fatalf("manifest: %v", err)
	}
	if err := json.Unmarshal(raw, &manifest); err != nil {
		t.Fatalf("manifest decode: %v", err)
	}
	if manifest.Bundle.BID != ref.BID || len(manifest.Resources) != 1 {
		t.Fatalf("manifest: %+v", manifest)
	}
	if manifest.Meta["source"] != "acme" {
		t.Fatalf("manifest meta: %+v", manifest.Meta)
	}
}

func TestFileSinkRequiresRoot(t *testing.T) {
	if _, err := NewFileSink(""); err == nil {
		t.Fatal("empty root accepted")
	}
}

func TestFileSinkNestedResourceNames(t *testing.T) {
	sink, err := NewFileSink(t.TempDir())
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	ctx := context.Background()
	ref := types.NewBundleRef("https://x")
	if err := sink.Begin(ctx, ref); err != nil {
		t.Fatalf("begin: %v", err)
	}

	rec := &ResourceRecord{Name: "archive/entry.xml", Meta: &types.ResourceMeta{}}
	if err := sink.PutResource(ctx, ref, rec, strings.NewReader("<e/>")); err != nil {
		t.Fatalf("nested put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(sink.bundleDir(ref), "archive", "entry.xml")); err != nil {
		t.Fatalf("nested file: %v", err)
	}
}
