package statsdb

import (
	"context"
	"path/filepath"
	"testing"
)

func open(t *testing.T) *DB {
	t.Helper()
	db, err := Open(context.Background(), filepath.Join(t.TempDir(), "stats.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSaveAndLoadCountersRoundTrip(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	if err := db.SaveCounters(ctx, map[string]int64{
		KeyRequestsTotal: 42,
		KeyBytesServed:   1 << 20,
	}); err != nil {
		t.Fatalf("SaveCounters: %v", err)
	}

	got, err := db.LoadCounters(ctx)
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if got[KeyRequestsTotal] != 42 || got[KeyBytesServed] != 1<<20 {
		t.Fatalf("got %+v", got)
	}
	if got[KeyCacheHits] != 0 {
		t.Fatalf("unset counter should default to zero, got %d", got[KeyCacheHits])
	}
}

func TestSaveCountersUpsertsOverwrite(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	db.SaveCounters(ctx, map[string]int64{KeyCacheHits: 1})
	db.SaveCounters(ctx, map[string]int64{KeyCacheHits: 2})

	got, err := db.LoadCounters(ctx)
	if err != nil {
		t.Fatalf("LoadCounters: %v", err)
	}
	if got[KeyCacheHits] != 2 {
		t.Fatalf("KeyCacheHits = %d, want 2 (upsert should overwrite)", got[KeyCacheHits])
	}
}

func TestBlacklistPatternLifecycle(t *testing.T) {
	db := open(t)
	ctx := context.Background()

	if err := db.AddBlacklistPattern(ctx, "linux-image-*"); err != nil {
		t.Fatalf("AddBlacklistPattern: %v", err)
	}
	if err := db.AddBlacklistPattern(ctx, "linux-image-*"); err != nil {
		t.Fatalf("AddBlacklistPattern (duplicate): %v", err)
	}

	patterns, err := db.LoadBlacklist(ctx)
	if err != nil {
		t.Fatalf("LoadBlacklist: %v", err)
	}
	if len(patterns) != 1 || patterns[0] != "linux-image-*" {
		t.Fatalf("got %v, want single deduped pattern", patterns)
	}

	if err := db.RemoveBlacklistPattern(ctx, "linux-image-*"); err != nil {
		t.Fatalf("RemoveBlacklistPattern: %v", err)
	}
	patterns, err = db.LoadBlacklist(ctx)
	if err != nil {
		t.Fatalf("LoadBlacklist after remove: %v", err)
	}
	if len(patterns) != 0 {
		t.Fatalf("got %v, want empty after remove", patterns)
	}
}
