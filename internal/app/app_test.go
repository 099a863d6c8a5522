package app_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scrypster/memvault/internal/app"
	"github.com/scrypster/memvault/internal/breaker"
	"github.com/scrypster/memvault/internal/config"
	"github.com/scrypster/memvault/internal/engine"
	"github.com/scrypster/memvault/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Backends = []config.BackendConfig{
		{Name: "primary", Type: config.TypeSQLite, Rank: 1, Path: ":memory:"},
		{Name: "vectors", Type: config.TypeChromem, Rank: 2},
	}
	cfg.Health.Interval = time.Second
	cfg.Health.Timeout = 500 * time.Millisecond
	cfg.Metrics.OTel = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestNewWiresBackendsInRankOrder(t *testing.T) {
	a, err := app.New(testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	status := a.Service.Backends()
	require.Len(t, status, 2)
	assert.Equal(t, "primary", status[0].Name)
	assert.Equal(t, "vectors", status[1].Name)
	assert.Equal(t, breaker.StateClosed, status[0].Breaker.State)
	assert.True(t, status[1].Has(types.CapSemanticSearch))
}

func TestStoreAndRetrieveThroughRealBackends(t *testing.T) {
	a, err := app.New(testConfig(t))
	require.NoError(t, err)
	defer a.Close()
	ctx := context.Background()

	res, err := a.Service.Store(ctx, engine.StoreRequest{
		Category:     types.CategoryPattern,
		Content:      "wrap errors with context",
		ProjectScope: "alpha",
	})
	require.NoError(t, err)
	assert.Equal(t, "primary", res.Backend)

	got, err := a.Service.Retrieve(ctx, engine.RetrieveRequest{ProjectScope: "alpha", QueryText: "errors"})
	require.NoError(t, err)
	require.Len(t, got.Records, 1)
	assert.Equal(t, res.ID, got.Records[0].ID)
}

func TestSemanticQueryRoutesToVectorBackend(t *testing.T) {
	a, err := app.New(testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	_, err = a.Service.Retrieve(context.Background(), engine.RetrieveRequest{
		ProjectScope: "alpha",
		QueryText:    "anything",
		Mode:         types.CapSemanticSearch,
	})
	require.NoError(t, err)

	b, ok := a.Router.Breaker("vectors")
	require.True(t, ok)
	assert.Equal(t, uint64(1), b.Snapshot().Calls)
}

func TestStartRunsHealthChecks(t *testing.T) {
	a, err := app.New(testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.Start(context.Background()))
	require.Eventually(t, func() bool {
		return len(a.Monitor.Results()) == 2
	}, 2*time.Second, 10*time.Millisecond)

	for _, st := range a.Service.Backends() {
		assert.True(t, st.Checked, st.Name)
		assert.True(t, st.Healthy, st.Name)
	}
}

func TestNewFailsOnBadBackend(t *testing.T) {
	cfg := testConfig(t)
	cfg.Backends = append(cfg.Backends, config.BackendConfig{Name: "cache", Type: config.TypeRedis, Rank: 3, URL: "ftp://nope"})

	_, err := app.New(cfg)
	assert.Error(t, err)
}

func TestCloseIsSafeBeforeStart(t *testing.T) {
	a, err := app.New(testConfig(t))
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}

func TestOTelExportsToCollector(t *testing.T) {
	var exports atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/metrics" {
			exports.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	cfg := testConfig(t)
	cfg.Metrics.OTel = true
	cfg.Metrics.OTLPEndpoint = collector.URL + "/v1/metrics"
	cfg.Metrics.ExportInterval = time.Hour
	require.NoError(t, cfg.Validate())

	a, err := app.New(cfg)
	require.NoError(t, err)
	_, err = a.Service.Store(context.Background(), engine.StoreRequest{
		Category:     types.CategoryTeam,
		Content:      "on-call rotation",
		ProjectScope: "alpha",
	})
	require.NoError(t, err)

	// The export interval never elapses; Close must flush.
	require.NoError(t, a.Close())
	assert.Positive(t, exports.Load())
}
