package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/internal/health"
	"github.com/scrypster/memvault/internal/storage"
	"github.com/scrypster/memvault/internal/storage/storagetest"
	"github.com/scrypster/memvault/pkg/types"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.CallTimeout = time.Second
	opts.Breaker.FailureThreshold = 2
	opts.Breaker.CoolDown = time.Minute
	return opts
}

// setupRouter registers fakes a, b, c with ranks 1, 2, 3.
func setupRouter(t *testing.T, opts Options) (*Router, []*storagetest.FakeBackend) {
	t.Helper()
	r, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(r.Close)

	var fakes []*storagetest.FakeBackend
	for i, name := range []string{"a", "b", "c"} {
		f := storagetest.NewFakeBackend(name)
		require.NoError(t, r.Register(types.BackendDescriptor{Name: name, Type: "fake", Rank: i + 1}, f))
		fakes = append(fakes, f)
	}
	return r, fakes
}

func trip(t *testing.T, r *Router, name string) {
	t.Helper()
	b, ok := r.Breaker(name)
	require.True(t, ok)
	for b.State() == breaker.StateClosed {
		p, err := b.Allow()
		require.NoError(t, err)
		p.Done(breaker.Failure)
	}
}

func write(ctx context.Context, r *Router, rec *types.Record) (Result, error) {
	_, res, err := Execute(ctx, r, Request{Op: "store", Write: true}, func(ctx context.Context, b storage.Backend, _ types.Capability) (string, error) {
		return b.Write(ctx, rec)
	})
	return res, err
}

func get(ctx context.Context, r *Router, id string) (*types.Record, Result, error) {
	req := Request{Op: "get", ContinueOnNotFound: true}
	return Execute(ctx, r, req, func(ctx context.Context, b storage.Backend, _ types.Capability) (*types.Record, error) {
		return b.Read(ctx, id)
	})
}

func TestStoreSkipsOpenBackend(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	trip(t, r, "a")

	rec := storagetest.NewRecord("proj1", types.CategoryProject, "x", nil)
	res, err := write(context.Background(), r, rec)
	require.NoError(t, err)

	assert.Equal(t, "b", res.Backend)
	assert.True(t, res.Failover)
	require.Len(t, res.Attempts, 2)
	assert.True(t, res.Attempts[0].Skipped)
	assert.ErrorIs(t, res.Attempts[0].Err, types.ErrCircuitOpen)

	assert.Zero(t, fakes[0].Calls(), "open backend is never called")
	assert.True(t, fakes[1].Has(rec.ID))
	assert.False(t, fakes[2].Has(rec.ID))
}

func TestSameStateSameChoice(t *testing.T) {
	r, _ := setupRouter(t, testOptions())
	for i := 0; i < 5; i++ {
		res, err := write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil))
		require.NoError(t, err)
		assert.Equal(t, "a", res.Backend)
		assert.False(t, res.Failover)
	}
}

func TestFailoverOnUnavailable(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	fakes[0].Fail()

	rec := storagetest.NewRecord("proj1", types.CategoryProject, "x", nil)
	res, err := write(context.Background(), r, rec)
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)
	assert.ErrorIs(t, res.Attempts[0].Err, types.ErrBackendUnavailable)
	assert.False(t, res.Attempts[0].Skipped)

	// Second failure reaches the threshold.
	_, err = write(context.Background(), r, rec)
	require.NoError(t, err)
	b, _ := r.Breaker("a")
	assert.Equal(t, breaker.StateOpen, b.State())
}

func TestAllOpenFailsFast(t *testing.T) {
	opts := testOptions()
	opts.CallTimeout = 2 * time.Second
	r, fakes := setupRouter(t, opts)
	for _, name := range []string{"a", "b", "c"} {
		trip(t, r, name)
	}

	start := time.Now()
	res, err := write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryProject, "x", nil))
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrAllBackendsUnavailable)
	assert.True(t, types.IsUnavailable(err))
	var rerr *types.RoutingError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, []string{"a", "b", "c"}, rerr.Unreachable())
	assert.Len(t, res.Attempts, 3)
	for _, f := range fakes {
		assert.Zero(t, f.Calls())
	}
}

func TestAllFailing(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	for _, f := range fakes {
		f.Fail()
	}
	_, err := write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryProject, "x", nil))
	assert.ErrorIs(t, err, types.ErrAllBackendsUnavailable)
	assert.Contains(t, err.Error(), "a: ")
	assert.Contains(t, err.Error(), "c: ")
	for _, f := range fakes {
		assert.Equal(t, 1, f.CallsFor("write"))
	}
}

func TestValidationStopsWalk(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	_, res, err := Execute(context.Background(), r, Request{Op: "store", Write: true}, func(ctx context.Context, b storage.Backend, _ types.Capability) (string, error) {
		return b.Write(ctx, &types.Record{})
	})
	assert.ErrorIs(t, err, types.ErrValidationFailed)
	assert.Equal(t, "a", res.Backend)
	assert.Zero(t, fakes[1].Calls())

	b, _ := r.Breaker("a")
	assert.Equal(t, uint32(0), b.Snapshot().ConsecutiveFailures, "validation is not a backend failure")
}

func TestNotFoundWalk(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	rec := storagetest.NewRecord("proj1", types.CategoryPattern, "only on c", nil)
	fakes[2].Seed(rec)

	got, res, err := get(context.Background(), r, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, got.ID)
	assert.Equal(t, "c", res.Backend)
	assert.Len(t, res.Attempts, 3)

	_, _, err = get(context.Background(), r, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.False(t, errors.Is(err, types.ErrAllBackendsUnavailable))

	// NotFound stays a success for the breaker.
	b, _ := r.Breaker("a")
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestNotFoundWithUnreachableBackend(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	fakes[1].Fail()

	_, _, err := get(context.Background(), r, "missing")
	assert.ErrorIs(t, err, types.ErrNotFound)
	var rerr *types.RoutingError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, []string{"b"}, rerr.Unreachable())
}

func TestNotFoundWithoutContinueReturnsAtOnce(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	_, _, err := Execute(context.Background(), r, Request{Op: "get"}, func(ctx context.Context, b storage.Backend, _ types.Capability) (*types.Record, error) {
		return b.Read(ctx, "missing")
	})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Zero(t, fakes[1].Calls())
}

func TestCapabilityFilter(t *testing.T) {
	r, err := New(testOptions())
	require.NoError(t, err)
	defer r.Close()

	kv := storagetest.NewFakeBackend("kv", types.CapKeyValue)
	text := storagetest.NewFakeBackend("text", types.CapKeyValue, types.CapFullText)
	require.NoError(t, r.Register(types.BackendDescriptor{Name: "kv", Rank: 1}, kv))
	require.NoError(t, r.Register(types.BackendDescriptor{Name: "text", Rank: 2}, text))

	req := Request{Op: "retrieve", AnyOf: types.SearchCapabilities}
	mode, res, err := Execute(context.Background(), r, req, func(_ context.Context, _ storage.Backend, mode types.Capability) (types.Capability, error) {
		return mode, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "text", res.Backend)
	assert.Equal(t, types.CapFullText, mode)
	assert.False(t, res.Failover)

	_, _, err = Execute(context.Background(), r, Request{Op: "retrieve", AnyOf: []types.Capability{types.CapSemanticSearch}},
		func(context.Context, storage.Backend, types.Capability) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, types.ErrAllBackendsUnavailable)
	assert.Contains(t, err.Error(), "semantic-search")
}

func TestPreferTriedFirst(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	rec := storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil)
	fakes[2].Seed(rec)

	_, res, err := Execute(context.Background(), r, Request{Op: "get", Prefer: "c", ContinueOnNotFound: true},
		func(ctx context.Context, b storage.Backend, _ types.Capability) (*types.Record, error) {
			return b.Read(ctx, rec.ID)
		})
	require.NoError(t, err)
	assert.Equal(t, "c", res.Backend)
	assert.Len(t, res.Attempts, 1)
	assert.Zero(t, fakes[0].Calls())
}

func TestDemoteUnhealthy(t *testing.T) {
	r, _ := setupRouter(t, testOptions())
	r.ObserveHealth(health.Result{Backend: "a", OK: false})

	res, err := write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)

	// The check failure also counted toward a's breaker.
	b, _ := r.Breaker("a")
	assert.Equal(t, uint32(1), b.Snapshot().ConsecutiveFailures)

	r.ObserveHealth(health.Result{Backend: "a", OK: true})
	res, err = write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Backend)

	status := r.Snapshots()
	require.Len(t, status, 3)
	assert.Equal(t, "a", status[0].Name)
	assert.True(t, status[0].Healthy)
	assert.True(t, status[0].Checked)
	assert.False(t, status[1].Checked)
}

func TestPerCallTimeoutCountsAsFailure(t *testing.T) {
	opts := testOptions()
	opts.CallTimeout = 20 * time.Millisecond
	r, fakes := setupRouter(t, opts)
	fakes[0].SetLatency(time.Second)

	res, err := write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)
	assert.Contains(t, res.Attempts[0].Err.Error(), "timed out")

	b, _ := r.Breaker("a")
	snap := b.Snapshot()
	assert.Equal(t, uint32(1), snap.ConsecutiveFailures)
	assert.Equal(t, uint64(1), snap.Failures)
}

func TestParentDeadlineIsTimeout(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	fakes[0].SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := write(ctx, r, storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil))
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	assert.ErrorIs(t, err, types.ErrTimeout)
	var terr *types.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.True(t, terr.Ambiguous)
	assert.Equal(t, "a", terr.Backend)
	assert.Zero(t, fakes[1].Calls())

	b, _ := r.Breaker("a")
	assert.Zero(t, b.Snapshot().Failures, "the caller's deadline says nothing about the backend")
}

func TestReadTimeoutIsNotAmbiguous(t *testing.T) {
	r, fakes := setupRouter(t, testOptions())
	fakes[0].SetLatency(time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := get(ctx, r, "id")
	var terr *types.TimeoutError
	require.True(t, errors.As(err, &terr))
	assert.False(t, terr.Ambiguous)
}

func TestRaceReads(t *testing.T) {
	opts := testOptions()
	opts.RaceReads = true
	r, fakes := setupRouter(t, opts)
	fakes[0].SetLatency(time.Second)

	start := time.Now()
	_, res, err := Execute(context.Background(), r, Request{Op: "retrieve", Race: true},
		func(ctx context.Context, b storage.Backend, _ types.Capability) ([]types.Record, error) {
			return b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1"})
		})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.NotEqual(t, "a", res.Backend)

	// The slow loser is cancelled and not held against the backend.
	b, _ := r.Breaker("a")
	require.Eventually(t, func() bool { return b.Snapshot().Calls == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, b.Snapshot().Failures)
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestRaceGivesHalfOpenItsTrial(t *testing.T) {
	opts := testOptions()
	opts.RaceReads = true
	opts.Breaker.FailureThreshold = 1
	opts.Breaker.CoolDown = 30 * time.Millisecond
	r, fakes := setupRouter(t, opts)

	trip(t, r, "a")
	b, _ := r.Breaker("a")
	require.Eventually(t, func() bool { return b.State() == breaker.StateHalfOpen }, time.Second, 5*time.Millisecond)

	_, res, err := Execute(context.Background(), r, Request{Op: "retrieve", Race: true},
		func(ctx context.Context, b storage.Backend, _ types.Capability) ([]types.Record, error) {
			return b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1"})
		})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Backend)
	assert.Equal(t, 1, fakes[0].CallsFor("query"))
	assert.Zero(t, fakes[1].CallsFor("query"))
	assert.Zero(t, fakes[2].CallsFor("query"))
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestRaceAfterFailedTrial(t *testing.T) {
	opts := testOptions()
	opts.RaceReads = true
	opts.Breaker.FailureThreshold = 1
	opts.Breaker.CoolDown = 30 * time.Millisecond
	r, fakes := setupRouter(t, opts)

	fakes[0].Fail()
	trip(t, r, "a")
	b, _ := r.Breaker("a")
	require.Eventually(t, func() bool { return b.State() == breaker.StateHalfOpen }, time.Second, 5*time.Millisecond)

	_, res, err := Execute(context.Background(), r, Request{Op: "retrieve", Race: true},
		func(ctx context.Context, b storage.Backend, _ types.Capability) ([]types.Record, error) {
			return b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1"})
		})
	require.NoError(t, err)
	assert.NotEqual(t, "a", res.Backend)
	assert.True(t, res.Failover)
	require.NotEmpty(t, res.Attempts)
	assert.Equal(t, "a", res.Attempts[0].Backend)
	assert.False(t, res.Attempts[0].Skipped)
	assert.Error(t, res.Attempts[0].Err)
	assert.Equal(t, 1, fakes[0].CallsFor("query"))
	assert.Equal(t, breaker.StateOpen, b.State())
}

func TestRaceIgnoredForWrites(t *testing.T) {
	opts := testOptions()
	opts.RaceReads = true
	r, fakes := setupRouter(t, opts)

	rec := storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil)
	_, _, err := Execute(context.Background(), r, Request{Op: "store", Write: true, Race: true},
		func(ctx context.Context, b storage.Backend, _ types.Capability) (string, error) {
			return b.Write(ctx, rec)
		})
	require.NoError(t, err)
	assert.True(t, fakes[0].Has(rec.ID))
	assert.False(t, fakes[1].Has(rec.ID))
	assert.False(t, fakes[2].Has(rec.ID))
}

func TestRaceAllFailing(t *testing.T) {
	opts := testOptions()
	opts.RaceReads = true
	r, fakes := setupRouter(t, opts)
	for _, f := range fakes {
		f.Fail()
	}
	_, _, err := Execute(context.Background(), r, Request{Op: "retrieve", Race: true},
		func(ctx context.Context, b storage.Backend, _ types.Capability) ([]types.Record, error) {
			return b.Query(ctx, storage.QueryOptions{ProjectScope: "proj1"})
		})
	assert.ErrorIs(t, err, types.ErrAllBackendsUnavailable)
}

func TestRateLimitSkipsToNextBackend(t *testing.T) {
	opts := testOptions()
	opts.RateLimit = 0.001
	opts.RateBurst = 1
	r, _ := setupRouter(t, opts)

	res, err := write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Backend)

	res, err = write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "y", nil))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)
	assert.ErrorIs(t, res.Attempts[0].Err, ErrRateLimited)
	assert.True(t, res.Attempts[0].Skipped)
}

func TestRecoveryThroughHalfOpen(t *testing.T) {
	opts := testOptions()
	opts.Breaker.FailureThreshold = 1
	opts.Breaker.CoolDown = 30 * time.Millisecond
	r, fakes := setupRouter(t, opts)

	fakes[0].Fail()
	res, err := write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "x", nil))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend)

	fakes[0].Recover()
	res, err = write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "y", nil))
	require.NoError(t, err)
	assert.Equal(t, "b", res.Backend, "a is still cooling down")

	time.Sleep(45 * time.Millisecond)
	res, err = write(context.Background(), r, storagetest.NewRecord("proj1", types.CategoryTeam, "z", nil))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Backend, "trial call succeeds")

	b, _ := r.Breaker("a")
	assert.Equal(t, breaker.StateClosed, b.State())
}

func TestRegisterValidation(t *testing.T) {
	r, err := New(testOptions())
	require.NoError(t, err)
	defer r.Close()

	kv := storagetest.NewFakeBackend("kv", types.CapKeyValue)
	err = r.Register(types.BackendDescriptor{Name: "kv", Capabilities: []types.Capability{types.CapSemanticSearch}}, kv)
	assert.ErrorIs(t, err, types.ErrValidationFailed)

	require.NoError(t, r.Register(types.BackendDescriptor{}, kv))
	status := r.Snapshots()
	require.Len(t, status, 1)
	assert.Equal(t, "kv", status[0].Name)
	assert.Equal(t, []types.Capability{types.CapKeyValue}, status[0].Capabilities)

	err = r.Register(types.BackendDescriptor{Name: "kv"}, storagetest.NewFakeBackend("kv"))
	assert.ErrorIs(t, err, types.ErrValidationFailed)

	empty, err := New(testOptions())
	require.NoError(t, err)
	defer empty.Close()
	_, _, err = Execute(context.Background(), empty, Request{Op: "store"},
		func(context.Context, storage.Backend, types.Capability) (bool, error) { return true, nil })
	assert.ErrorIs(t, err, types.ErrAllBackendsUnavailable)
}

func TestTransitionListeners(t *testing.T) {
	r, _ := setupRouter(t, testOptions())
	var seen []breaker.Transition
	r.OnTransition(func(tr breaker.Transition) { seen = append(seen, tr) })

	trip(t, r, "b")
	require.Len(t, seen, 1)
	assert.Equal(t, "b", seen[0].Backend)
	assert.Equal(t, breaker.StateOpen, seen[0].To)
}

func TestAffinity(t *testing.T) {
	r, _ := setupRouter(t, testOptions())
	r.Remember("id-1", "c")
	r.affinity.wait()

	name, ok := r.Affinity("id-1")
	require.True(t, ok)
	assert.Equal(t, "c", name)

	r.Forget("id-1")
	r.affinity.wait()
	_, ok = r.Affinity("id-1")
	assert.False(t, ok)

	disabled := testOptions()
	disabled.AffinityEntries = -1
	nr, err := New(disabled)
	require.NoError(t, err)
	nr.Remember("id-1", "a")
	_, ok = nr.Affinity("id-1")
	assert.False(t, ok)
}
