package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/pkg/types"
)

// Factory returns a fresh, empty backend for one subtest.
type Factory func(t *testing.T) storage.Backend

// RunConformance exercises the storage.Backend contract against the
// backends produced by newBackend.
func RunConformance(t *testing.T, newBackend Factory) {
	t.Helper()

	t.Run("WriteRead", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		rec := NewRecord("proj1", types.CategoryPattern, "use retry with backoff", types.Metadata{"lang": "go"})

		id, err := b.Write(ctx, rec)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, id)

		got, err := b.Read(ctx, id)
		require.NoError(t, err)
		RequireSameRecord(t, rec, got)
	})

	t.Run("ReadMissing", func(t *testing.T) {
		b := newBackend(t)
		_, err := b.Read(context.Background(), "00000000-0000-4000-8000-000000000000")
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("WriteInvalid", func(t *testing.T) {
		b := newBackend(t)
		rec := NewRecord("proj1", types.CategoryTeam, "", nil)
		_, err := b.Write(context.Background(), rec)
		assert.ErrorIs(t, err, types.ErrValidationFailed)

		rec = NewRecord("", types.CategoryTeam, "content", nil)
		_, err = b.Write(context.Background(), rec)
		assert.ErrorIs(t, err, types.ErrValidationFailed)
	})

	t.Run("WriteSameIDKeepsStoredRecord", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		rec := NewRecord("proj1", types.CategoryProject, "first", nil)
		_, err := b.Write(ctx, rec)
		require.NoError(t, err)

		replay := rec.Clone()
		replay.Content = "second"
		replay.CreatedAt = rec.CreatedAt.Add(time.Second)
		replay.UpdatedAt = replay.CreatedAt
		id, err := b.Write(ctx, replay)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, id)

		got, err := b.Read(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, "first", got.Content)
		assert.True(t, rec.CreatedAt.Equal(got.CreatedAt))
		assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))

		listed, err := b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1"})
		require.NoError(t, err)
		assert.Len(t, listed, 1)
	})

	t.Run("QueryScopeIsolation", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		x := NewRecord("X", types.CategoryPattern, "shared words here", nil)
		y := NewRecord("Y", types.CategoryPattern, "shared words here", nil)
		_, err := b.Write(ctx, x)
		require.NoError(t, err)
		_, err = b.Write(ctx, y)
		require.NoError(t, err)

		got, err := b.Query(ctx, storage.QueryOptions{ProjectScope: "X"})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, x.ID, got[0].ID)
	})

	t.Run("QueryFilters", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		goPattern := NewRecord("proj1", types.CategoryPattern, "table driven tests", types.Metadata{"lang": "go"})
		pyPattern := NewRecord("proj1", types.CategoryPattern, "pytest fixtures", types.Metadata{"lang": "python"})
		goError := NewRecord("proj1", types.CategoryError, "nil map write", types.Metadata{"lang": "go"})
		for _, r := range []*types.Record{goPattern, pyPattern, goError} {
			_, err := b.Write(ctx, r)
			require.NoError(t, err)
		}

		got, err := b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Category: types.CategoryPattern})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{goPattern.ID, pyPattern.ID}, IDs(got))

		got, err = b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Metadata: types.Metadata{"lang": "go"}})
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{goPattern.ID, goError.ID}, IDs(got))

		got, err = b.Query(ctx, storage.QueryOptions{
			ProjectScope: "proj1",
			Category:     types.CategoryError,
			Metadata:     types.Metadata{"lang": "go"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{goError.ID}, IDs(got))
	})

	t.Run("QueryRecencyOrderAndLimit", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		base := types.Now().Add(-time.Hour)
		var ids []string
		for i := 0; i < 5; i++ {
			r := NewRecord("proj1", types.CategoryProject, "note", nil)
			r.CreatedAt = base.Add(time.Duration(i) * time.Second)
			r.UpdatedAt = r.CreatedAt
			_, err := b.Write(ctx, r)
			require.NoError(t, err)
			ids = append([]string{r.ID}, ids...)
		}

		got, err := b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, ids[:3], IDs(got))

		again, err := b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Limit: 3})
		require.NoError(t, err)
		assert.Equal(t, IDs(got), IDs(again), "ordering must be stable for identical input")
	})

	t.Run("QueryText", func(t *testing.T) {
		b := newBackend(t)
		if !supportsText(b) {
			t.Skip("backend has no text search capability")
		}
		ctx := context.Background()
		hit := NewRecord("proj1", types.CategoryPattern, "use retry with backoff", types.Metadata{"lang": "go"})
		other := NewRecord("proj2", types.CategoryPattern, "use retry with backoff", nil)
		_, err := b.Write(ctx, hit)
		require.NoError(t, err)
		_, err = b.Write(ctx, other)
		require.NoError(t, err)

		got, err := b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Category: types.CategoryPattern, Text: "retry"})
		require.NoError(t, err)
		require.Contains(t, IDs(got), hit.ID)
		assert.NotContains(t, IDs(got), other.ID)
	})

	t.Run("Update", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		rec := NewRecord("proj1", types.CategoryTeam, "alice owns billing", types.Metadata{"team": "payments"})
		_, err := b.Write(ctx, rec)
		require.NoError(t, err)

		content := "bob owns billing"
		updated, err := b.Update(ctx, rec.ID, types.Patch{Content: &content})
		require.NoError(t, err)
		assert.Equal(t, content, updated.Content)
		assert.Equal(t, "payments", updated.Metadata["team"])
		assert.True(t, updated.CreatedAt.Equal(rec.CreatedAt))
		assert.True(t, updated.UpdatedAt.After(rec.UpdatedAt))
		assert.Equal(t, rec.ProjectScope, updated.ProjectScope)
		assert.Equal(t, rec.Category, updated.Category)

		again, err := b.Update(ctx, rec.ID, types.Patch{Content: &content})
		require.NoError(t, err)
		assert.Equal(t, updated.Content, again.Content)
		assert.True(t, again.UpdatedAt.After(updated.UpdatedAt))

		updated, err = b.Update(ctx, rec.ID, types.Patch{Metadata: types.Metadata{"team": "core"}})
		require.NoError(t, err)
		assert.Equal(t, types.Metadata{"team": "core"}, updated.Metadata)

		stored, err := b.Read(ctx, rec.ID)
		require.NoError(t, err)
		RequireSameRecord(t, updated, stored)
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		b := newBackend(t)
		content := "x"
		_, err := b.Update(context.Background(), "00000000-0000-4000-8000-000000000001", types.Patch{Content: &content})
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("Delete", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		rec := NewRecord("proj1", types.CategoryError, "panic on startup", nil)
		_, err := b.Write(ctx, rec)
		require.NoError(t, err)

		require.NoError(t, b.Delete(ctx, rec.ID))
		_, err = b.Read(ctx, rec.ID)
		assert.ErrorIs(t, err, types.ErrNotFound)
		assert.ErrorIs(t, b.Delete(ctx, rec.ID), types.ErrNotFound)

		got, err := b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("HealthCheck", func(t *testing.T) {
		b := newBackend(t)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		status := b.HealthCheck(ctx)
		assert.True(t, status.OK, "health check failed: %v", status.Err)
	})
}

// RequireSameRecord asserts that got carries the same data as want.
// Empty and nil metadata are considered equal.
func RequireSameRecord(t *testing.T, want, got *types.Record) {
	t.Helper()
	require.NotNil(t, got)
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.ProjectScope, got.ProjectScope)
	assert.Equal(t, want.Category, got.Category)
	assert.Equal(t, want.Content, got.Content)
	if len(want.Metadata) == 0 {
		assert.Empty(t, got.Metadata)
	} else {
		assert.Equal(t, want.Metadata, got.Metadata)
	}
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt), "created_at: want %v got %v", want.CreatedAt, got.CreatedAt)
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt), "updated_at: want %v got %v", want.UpdatedAt, got.UpdatedAt)
}

// IDs returns the ids of records in order.
func IDs(records []types.Record) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	return ids
}

func supportsText(b storage.Backend) bool {
	for _, c := range b.Capabilities() {
		if c == types.CapFullText || c == types.CapSemanticSearch {
			return true
		}
	}
	return false
}
