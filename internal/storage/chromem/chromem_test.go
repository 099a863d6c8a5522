package chromem

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/internal/storage/storagetest"
	"github.com/scrypster/memvault/pkg/types"
)

func newTestStore(t *testing.T) *ChromemStore {
	t.Helper()
	store, err := New(Options{Name: "chromem-test", MaxConns: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestConformance(t *testing.T) {
	storagetest.RunConformance(t, func(t *testing.T) storage.Backend {
		return newTestStore(t)
	})
}

func TestQuery_SimilarityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exact := storagetest.NewRecord("proj1", types.CategoryPattern, "retry backoff", nil)
	partial := storagetest.NewRecord("proj1", types.CategoryPattern, "use retry with jittered backoff and circuit breakers", nil)
	unrelated := storagetest.NewRecord("proj1", types.CategoryPattern, "alice owns billing", nil)
	for _, r := range []*types.Record{unrelated, partial, exact} {
		_, err := store.Write(ctx, r)
		require.NoError(t, err)
	}

	got, err := store.Query(ctx, storage.QueryOptions{ProjectScope: "proj1", Text: "retry backoff"})
	require.NoError(t, err)
	ids := storagetest.IDs(got)
	require.GreaterOrEqual(t, len(ids), 2)
	assert.Equal(t, exact.ID, ids[0])
	assert.Equal(t, partial.ID, ids[1])
	assert.NotContains(t, ids, unrelated.ID)
}

func TestMetadataIsolatedFromReservedKeys(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	rec := storagetest.NewRecord("proj1", types.CategoryTeam, "ownership", types.Metadata{"_scope": "evil", "category": "x"})
	_, err := store.Write(ctx, rec)
	require.NoError(t, err)

	got, err := store.Read(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "proj1", got.ProjectScope)
	assert.Equal(t, types.CategoryTeam, got.Category)
	assert.Equal(t, rec.Metadata, got.Metadata)
}

func TestPersistentStore(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "chromem")
	ctx := context.Background()

	store, err := New(Options{Name: "disk", Path: dir, Compress: true})
	require.NoError(t, err)
	rec := storagetest.NewRecord("proj1", types.CategoryProject, "survives restarts", types.Metadata{"k": "v"})
	_, err = store.Write(ctx, rec)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := New(Options{Name: "disk", Path: dir, Compress: true})
	require.NoError(t, err)
	got, err := reopened.Read(ctx, rec.ID)
	require.NoError(t, err)
	storagetest.RequireSameRecord(t, rec, got)

	assert.True(t, reopened.HealthCheck(ctx).OK)
}

func TestClosedStoreIsUnavailable(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.Read(context.Background(), "id")
	assert.True(t, types.IsUnavailable(err))
	assert.False(t, store.HealthCheck(context.Background()).OK)
}

// TestSlotsBoundConcurrency verifies that once every slot is held, further
// operations wait and give up with the caller's context.
func TestSlotsBoundConcurrency(t *testing.T) {
	store := newTestStore(t)

	var releases []func()
	for i := 0; i < 2; i++ {
		release, err := store.acquire(context.Background(), "test")
		require.NoError(t, err)
		releases = append(releases, release)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := store.Read(ctx, "id")
	assert.True(t, types.IsUnavailable(err))
	assert.False(t, store.HealthCheck(ctx).OK)

	for _, release := range releases {
		release()
	}
	_, err = store.Read(context.Background(), "id")
	assert.ErrorIs(t, err, types.ErrNotFound)
}
