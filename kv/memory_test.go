package kv

import (
	"context"
	"testing"
	"time"
)

func TestMemoryPutGetDelete(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	if err := s.Put(ctx, "a", []byte("1"), 0); err != nil {
		t.Fatalf("put: %v", err)
	}

	v, ok, err := s.Get(ctx, "a")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	if string(v) != "1" {
		t.Fatalf("get value: %q", v)
	}

	present, err := s.Delete(ctx, "a")
	if err != nil || !present {
		t.Fatalf("delete: present=%v err=%v", present, err)
	}
	if present, _ = s.Delete(ctx, "a"); present {
		t.Fatal("second delete reported present")
	}
	if _, ok, _ = s.Get(ctx, "a"); ok {
		t.Fatal("get after delete returned value")
	}
}

func TestMemoryTTLExpiry(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	if err := s.Put(ctx, "k", []byte("v"), time.Second); err != nil {
		t.Fatalf("put: %v", err)
	}

	now = now.Add(500 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "k"); !ok {
		t.Fatal("value expired too early")
	}

	now = now.Add(600 * time.Millisecond)
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Fatal("value visible past ttl")
	}
	if ok, _ := s.Exists(ctx, "k"); ok {
		t.Fatal("exists true past ttl")
	}
}

func TestMemoryRangeGet(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	for _, k := range []string{"q:3", "q:1", "q:2", "r:1"} {
		if err := s.Put(ctx, k, []byte(k), 0); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	entries, err := s.RangeGet(ctx, "q:", "q;", 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	want := []string{"q:1", "q:2", "q:3"}
	if len(entries) != len(want) {
		t.Fatalf("range size: got %d, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.Key != want[i] {
			t.Fatalf("range order: got %q at %d, want %q", e.Key, i, want[i])
		}
	}

	// Limit caps the result.
	entries, _ = s.RangeGet(ctx, "q:", "q;", 2)
	if len(entries) != 2 || entries[1].Key != "q:2" {
		t.Fatalf("limited range: %+v", entries)
	}

	// start == end yields empty.
	entries, _ = s.RangeGet(ctx, "q:1", "q:1", 0)
	if len(entries) != 0 {
		t.Fatalf("start==end: got %d entries", len(entries))
	}

	// Open-ended scan includes everything from start.
	entries, _ = s.RangeGet(ctx, "q:2", "", 0)
	if len(entries) != 3 {
		t.Fatalf("open-ended: got %d entries", len(entries))
	}
}

func TestMemoryRangeSkipsExpired(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	_ = s.Put(ctx, "q:1", []byte("1"), time.Second)
	_ = s.Put(ctx, "q:2", []byte("2"), 0)

	now = now.Add(2 * time.Second)
	entries, err := s.RangeGet(ctx, "q:", "", 0)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(entries) != 1 || entries[0].Key != "q:2" {
		t.Fatalf("expired entry leaked: %+v", entries)
	}
}

func TestMemoryLastWriterWins(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	_ = s.Put(ctx, "k", []byte("old"), 0)
	_ = s.Put(ctx, "k", []byte("new"), 0)

	v, _, _ := s.Get(ctx, "k")
	if string(v) != "new" {
		t.Fatalf("got %q, want new", v)
	}
}
