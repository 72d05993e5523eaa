package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gavv/httpexpect/v2"
	"github.com/stretchr/testify/require"

	"github.com/0xlens/yieldsync/internal/config"
	"github.com/0xlens/yieldsync/internal/metrics"
	"github.com/0xlens/yieldsync/internal/runtime"
	"github.com/0xlens/yieldsync/internal/runtime/cache"
	"github.com/0xlens/yieldsync/internal/runtime/jobs"
	"github.com/0xlens/yieldsync/internal/runtime/source"
)

type stubAdapter struct {
	name   string
	result source.FetchResult
}

func (a *stubAdapter) Name() string { return a.name }
func (a *stubAdapter) Type() string { return "stub" }
func (a *stubAdapter) Fetch(context.Context) source.FetchResult {
	return a.result
}
func (a *stubAdapter) Probe(context.Context) error { return nil }

func okSample(apy float64) source.FetchResult {
	return source.FetchResult{
		Success:    true,
		Sample:     source.Sample{APY: &apy},
		StatusCode: 200,
	}
}

type env struct {
	api   *httpexpect.Expect
	cache *cache.Store
	jobs  *jobs.MemoryStore
	sched *runtime.Scheduler
}

func newEnv(t *testing.T, adapters map[string]*stubAdapter, skips []config.SourceSkip) *env {
	t.Helper()

	store := jobs.NewMemoryStore()
	var seed []jobs.ServiceConfig
	var set []runtime.Job
	for name, adapter := range adapters {
		seed = append(seed, jobs.ServiceConfig{
			ServiceName:     name,
			DisplayName:     name,
			IntervalMinutes: 10,
			Enabled:         true,
		})
		set = append(set, runtime.Job{
			Service:     name,
			Adapter:     adapter,
			CacheKey:    "sample:" + name,
			CacheSource: name,
			TTL:         10 * time.Minute,
		})
	}
	require.NoError(t, store.Seed(context.Background(), seed))

	c := cache.New(cache.Options{})
	rec := metrics.NewRecorder(nil)
	sched := runtime.NewScheduler(runtime.SchedulerOptions{Store: store, Cache: c, Metrics: rec})
	sched.SetJobs(context.Background(), set)
	t.Cleanup(sched.Stop)

	handler := NewRouter(RouterOptions{
		Cache:        c,
		Jobs:         store,
		Orchestrator: sched,
		Skips:        skips,
		Metrics:      rec,
	})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &env{
		api:   httpexpect.Default(t, srv.URL),
		cache: c,
		jobs:  store,
		sched: sched,
	}
}

func singleService(t *testing.T) *env {
	return newEnv(t, map[string]*stubAdapter{
		"lido-steth-apr": {name: "lido-steth-apr", result: okSample(2.9)},
	}, nil)
}

func TestCacheStatsEndpoint(t *testing.T) {
	e := singleService(t)
	e.cache.Set(context.Background(), "sample:lido-steth-apr", map[string]any{"apy": 2.9}, "lido-steth-apr", time.Minute)
	e.cache.Get("sample:lido-steth-apr")
	e.cache.Get("missing")

	stats := e.api.GET("/api/cache/stats").Expect().Status(http.StatusOK).JSON().Object()
	stats.Value("totalEntries").Number().IsEqual(1)
	stats.Value("totalHits").Number().IsEqual(1)
	stats.Value("totalMisses").Number().IsEqual(1)
}

func TestCacheEntriesFilterAndLimit(t *testing.T) {
	e := singleService(t)
	ctx := context.Background()
	e.cache.Set(ctx, "pool-details:defillama", 1, "defillama", time.Minute)
	e.cache.Set(ctx, "vault-apy:beefy", 2, "beefy", time.Minute)
	e.cache.Set(ctx, "staking-apr:lido", 3, "lido", time.Minute)

	all := e.api.GET("/api/cache/entries").Expect().Status(http.StatusOK).JSON().Object()
	all.Value("count").Number().IsEqual(3)

	filtered := e.api.GET("/api/cache/entries").WithQuery("source", "beefy").
		Expect().Status(http.StatusOK).JSON().Object()
	filtered.Value("count").Number().IsEqual(1)
	filtered.Value("entries").Array().Value(0).Object().Value("key").IsEqual("vault-apy:beefy")

	searched := e.api.GET("/api/cache/entries").WithQuery("q", "apr").
		Expect().Status(http.StatusOK).JSON().Object()
	searched.Value("count").Number().IsEqual(1)

	limited := e.api.GET("/api/cache/entries").WithQuery("limit", "2").
		Expect().Status(http.StatusOK).JSON().Object()
	limited.Value("count").Number().IsEqual(2)

	e.api.GET("/api/cache/entries").WithQuery("limit", "bogus").
		Expect().Status(http.StatusBadRequest)
}

func TestCacheDeleteEndpoints(t *testing.T) {
	e := singleService(t)
	ctx := context.Background()
	e.cache.Set(ctx, "pool-details:defillama", 1, "defillama", time.Minute)
	e.cache.Set(ctx, "vault-apy:beefy", 2, "beefy", time.Minute)
	e.cache.Set(ctx, "gas-oracle:etherscan", 3, "etherscan", time.Minute)

	e.api.DELETE("/api/cache/entries/{key}", "vault-apy:beefy").
		Expect().Status(http.StatusOK).JSON().Object().
		Value("deleted").IsEqual("vault-apy:beefy")
	e.api.DELETE("/api/cache/entries/{key}", "vault-apy:beefy").
		Expect().Status(http.StatusNotFound)

	e.api.DELETE("/api/cache/sources/{source}", "defillama").
		Expect().Status(http.StatusOK).JSON().Object().
		Value("cleared").Number().IsEqual(1)

	e.api.DELETE("/api/cache/entries").
		Expect().Status(http.StatusOK).JSON().Object().
		Value("cleared").Number().IsEqual(1)
	require.Zero(t, e.cache.Stats().TotalEntries)
}

func TestCacheSourcesEndpoint(t *testing.T) {
	e := singleService(t)
	ctx := context.Background()
	e.cache.Set(ctx, "a", 1, "defillama", time.Minute)
	e.cache.Set(ctx, "b", 2, "defillama", time.Minute)
	e.cache.Set(ctx, "c", 3, "beefy", time.Minute)

	sources := e.api.GET("/api/cache/sources").Expect().Status(http.StatusOK).
		JSON().Object().Value("sources").Array()
	sources.Length().IsEqual(2)
	sources.Value(0).Object().Value("source").IsEqual("beefy")
	sources.Value(1).Object().Value("count").Number().IsEqual(2)
}

func TestServiceListAndGet(t *testing.T) {
	e := singleService(t)

	list := e.api.GET("/api/services").Expect().Status(http.StatusOK).JSON().Object()
	list.Value("count").Number().IsEqual(1)
	list.Value("services").Array().Value(0).Object().
		Value("serviceName").IsEqual("lido-steth-apr")

	svc := e.api.GET("/api/services/{name}", "lido-steth-apr").
		Expect().Status(http.StatusOK).JSON().Object()
	svc.Value("intervalMinutes").Number().IsEqual(10)
	svc.Value("isEnabled").Boolean().IsTrue()

	e.api.GET("/api/services/{name}", "nope").Expect().Status(http.StatusNotFound)
}

func TestServicePatch(t *testing.T) {
	e := singleService(t)

	patched := e.api.PATCH("/api/services/{name}", "lido-steth-apr").
		WithJSON(map[string]any{"intervalMinutes": 45}).
		Expect().Status(http.StatusOK).JSON().Object()
	patched.Value("intervalMinutes").Number().IsEqual(45)
	patched.Value("isEnabled").Boolean().IsTrue()

	patched = e.api.PATCH("/api/services/{name}", "lido-steth-apr").
		WithJSON(map[string]any{"isEnabled": false}).
		Expect().Status(http.StatusOK).JSON().Object()
	patched.Value("intervalMinutes").Number().IsEqual(45)
	patched.Value("isEnabled").Boolean().IsFalse()

	e.api.PATCH("/api/services/{name}", "lido-steth-apr").
		WithJSON(map[string]any{}).
		Expect().Status(http.StatusBadRequest)
	e.api.PATCH("/api/services/{name}", "lido-steth-apr").
		WithJSON(map[string]any{"intervalMinutes": -5}).
		Expect().Status(http.StatusBadRequest)
	e.api.PATCH("/api/services/{name}", "lido-steth-apr").
		WithJSON(map[string]any{"bogus": true}).
		Expect().Status(http.StatusBadRequest)
	e.api.PATCH("/api/services/{name}", "nope").
		WithJSON(map[string]any{"isEnabled": true}).
		Expect().Status(http.StatusNotFound)
}

func TestServiceTrigger(t *testing.T) {
	e := singleService(t)

	res := e.api.POST("/api/services/{name}/trigger", "lido-steth-apr").
		Expect().Status(http.StatusOK).JSON().Object()
	res.Value("runId").String().NotEmpty()
	res.Value("service").IsEqual("lido-steth-apr")
	res.Path("$.result.success").Boolean().IsTrue()

	cfg, err := e.jobs.Get(context.Background(), "lido-steth-apr")
	require.NoError(t, err)
	require.Equal(t, int64(1), cfg.RunCount)

	e.api.POST("/api/services/{name}/trigger", "nope").
		Expect().Status(http.StatusNotFound)
}

func TestTriggerFailureStillReturnsRun(t *testing.T) {
	e := newEnv(t, map[string]*stubAdapter{
		"etherscan-gas": {name: "etherscan-gas", result: source.FetchResult{
			Kind: source.ErrorConfig, Error: "apikey missing; set ETHERSCAN_API_KEY",
		}},
	}, nil)

	res := e.api.POST("/api/services/{name}/trigger", "etherscan-gas").
		Expect().Status(http.StatusOK).JSON().Object()
	res.Path("$.result.success").Boolean().IsFalse()
	res.Path("$.result.kind").IsEqual("config")

	cfg, err := e.jobs.Get(context.Background(), "etherscan-gas")
	require.NoError(t, err)
	require.Equal(t, int64(1), cfg.ErrorCount)
}

func TestLiveReadServesAndCaches(t *testing.T) {
	e := singleService(t)

	live := e.api.GET("/api/live/{service}", "lido-steth-apr").
		Expect().Status(http.StatusOK).JSON().Object()
	live.Value("service").IsEqual("lido-steth-apr")
	live.Path("$.data.apy").Number().IsEqual(2.9)

	_, ok := e.cache.Get("sample:lido-steth-apr")
	require.True(t, ok, "live miss populates the cache")

	e.api.GET("/api/live/{service}", "nope").Expect().Status(http.StatusNotFound)
}

func TestLiveReadUnavailable(t *testing.T) {
	e := newEnv(t, map[string]*stubAdapter{
		"coingecko-prices": {name: "coingecko-prices", result: source.FetchResult{
			Kind: source.ErrorTimeout, Error: "timeout: context deadline exceeded",
		}},
	}, nil)

	body := e.api.GET("/api/live/{service}", "coingecko-prices").
		Expect().Status(http.StatusServiceUnavailable).JSON().Object()
	body.Value("error").IsEqual("unavailable")
	body.Value("detail").String().Contains("timeout")
}

func TestHealthzReportsSkipsAndStatus(t *testing.T) {
	clean := singleService(t)
	healthy := clean.api.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	healthy.Value("status").IsEqual("ok")
	healthy.Value("mirror").IsEqual("disabled")

	degraded := newEnv(t, map[string]*stubAdapter{
		"lido-steth-apr": {name: "lido-steth-apr", result: okSample(2.9)},
	}, []config.SourceSkip{{Name: "dup", Reason: "duplicate definition", Sources: []string{"catalog.yaml"}}})

	body := degraded.api.GET("/healthz").Expect().Status(http.StatusOK).JSON().Object()
	body.Value("status").IsEqual("degraded")
	body.Value("skippedSources").Array().Length().IsEqual(1)
}

func TestMetricsEndpointExposed(t *testing.T) {
	e := singleService(t)
	e.api.POST("/api/services/{name}/trigger", "lido-steth-apr").
		Expect().Status(http.StatusOK)

	text := e.api.GET("/metrics").Expect().Status(http.StatusOK).Body().Raw()
	require.Contains(t, text, "yieldsync_fetch_requests_total")
}
