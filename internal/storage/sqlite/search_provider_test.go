package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/internal/storage/storagetest"
	"github.com/scrypster/memvault/pkg/types"
)

// mustWrite is a test helper that writes a record and fails the test on error.
func mustWrite(t *testing.T, store *MemoryStore, r *types.Record) {
	t.Helper()
	if _, err := store.Write(context.Background(), r); err != nil {
		t.Fatalf("mustWrite(%s) failed: %v", r.ID, err)
	}
}

func TestQuery_TextMatch(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	fox := storagetest.NewRecord("proj1", types.CategoryPattern, "The quick brown fox jumps over the lazy dog", nil)
	engine := storagetest.NewRecord("proj1", types.CategoryPattern, "Completely unrelated content about machinery", nil)
	mustWrite(t, store, fox)
	mustWrite(t, store, engine)

	got, err := store.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Text: "fox"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != fox.ID {
		t.Fatalf("Query('fox'): got %v, want [%s]", storagetest.IDs(got), fox.ID)
	}
}

func TestQuery_PrefixMatch(t *testing.T) {
	store := newTestStore(t)
	rec := storagetest.NewRecord("proj1", types.CategoryPattern, "retrying idempotent writes", nil)
	mustWrite(t, store, rec)

	got, err := store.Query(context.Background(), storage.QueryOptions{ProjectScope: "proj1", Text: "retry"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Query('retry'): got %d results, want 1", len(got))
	}
}

// TestQuery_RankThenRecency verifies that a record matching more terms ranks
// first, and ties in rank fall back to recency.
func TestQuery_RankThenRecency(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := types.Now().Add(-time.Hour)

	both := storagetest.NewRecord("proj1", types.CategoryPattern, "retry with jittered backoff", nil)
	both.UpdatedAt = base
	older := storagetest.NewRecord("proj1", types.CategoryPattern, "retry", nil)
	older.UpdatedAt = base.Add(time.Minute)
	newer := storagetest.NewRecord("proj1", types.CategoryPattern, "retry", nil)
	newer.UpdatedAt = base.Add(2 * time.Minute)
	for _, r := range []*types.Record{both, older, newer} {
		mustWrite(t, store, r)
	}

	got, err := store.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Text: "retry backoff"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	ids := storagetest.IDs(got)
	if len(ids) != 3 {
		t.Fatalf("Query(): got %d results, want 3", len(ids))
	}
	if ids[0] != both.ID {
		t.Errorf("first result: got %s, want the two-term match %s", ids[0], both.ID)
	}
	if ids[1] != newer.ID || ids[2] != older.ID {
		t.Errorf("tie order: got %v, want newer before older", ids[1:])
	}
}

func TestQuery_TextRespectsDeletes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := storagetest.NewRecord("proj1", types.CategoryPattern, "use retry with backoff", nil)
	mustWrite(t, store, rec)

	if err := store.Delete(ctx, rec.ID); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	got, err := store.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Text: "retry"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Query() after delete: got %v, want none", storagetest.IDs(got))
	}
}

func TestQuery_TextFollowsUpdates(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	rec := storagetest.NewRecord("proj1", types.CategoryPattern, "use retry with backoff", nil)
	mustWrite(t, store, rec)

	content := "prefer circuit breakers"
	if _, err := store.Update(ctx, rec.ID, types.Patch{Content: &content}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}

	got, err := store.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Text: "retry"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Query('retry') after update: got %d results, want 0", len(got))
	}

	got, err = store.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Text: "breakers"})
	if err != nil {
		t.Fatalf("Query() failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("Query('breakers') after update: got %d results, want 1", len(got))
	}
}

func TestQuery_PunctuationIsSafe(t *testing.T) {
	store := newTestStore(t)
	mustWrite(t, store, storagetest.NewRecord("proj1", types.CategoryError, "nil pointer in handler", nil))

	for _, q := range []string{`"unbalanced`, "AND OR NOT", "(nil)*", "-- ;", "???"} {
		if _, err := store.Query(context.Background(), storage.QueryOptions{ProjectScope: "proj1", Text: q}); err != nil {
			t.Errorf("Query(%q) failed: %v", q, err)
		}
	}
}

func TestSanitiseFTSQuery(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"How do I retry?", "retry*"},
		{"retry with backoff", "retry* OR backoff*"},
		{"the", "the*"},
		{`"quoted" (terms)`, "quoted* OR terms*"},
		{"???", ""},
	}
	for _, tt := range tests {
		if got := sanitiseFTSQuery(tt.in); got != tt.want {
			t.Errorf("sanitiseFTSQuery(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
