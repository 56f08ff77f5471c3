package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"go.uber.org/zap"
)

func TestEntriesCarryRunIdentity(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter("info", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	ForRun(l, "run-1", "acme-annual").Info("run starting", zap.Int("concurrency", 4))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("not json: %v (%s)", err, buf.String())
	}
	if entry["run_id"] != "run-1" || entry["recipe_id"] != "acme-annual" {
		t.Fatalf("identity: %v", entry)
	}
	if entry["level"] != "info" || entry["message"] != "run starting" {
		t.Fatalf("entry: %v", entry)
	}
	if _, ok := entry["timestamp"].(string); !ok {
		t.Fatalf("timestamp: %v", entry["timestamp"])
	}
}

func TestLevelFiltersOutput(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewWithWriter("warn", &buf)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	l.Info("quiet")
	l.Warn("loud")

	if bytes.Contains(buf.Bytes(), []byte("quiet")) {
		t.Fatal("info entry emitted at warn level")
	}
	if !bytes.Contains(buf.Bytes(), []byte("loud")) {
		t.Fatal("warn entry missing")
	}
}

func TestParseLevel(t *testing.T) {
	for name, ok := range map[string]bool{
		"": true, "debug": true, "info": true, "warn": true,
		"warning": true, "error": true, "loud": false,
	} {
		_, err := ParseLevel(name)
		if ok && err != nil {
			t.Fatalf("%q rejected: %v", name, err)
		}
		if !ok && err == nil {
			t.Fatalf("%q accepted", name)
		}
	}
}
