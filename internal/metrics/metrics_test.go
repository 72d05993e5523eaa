package metrics

import (
	"math"
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

func TestRecorderObserveFetch(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveFetch("defillama", FetchSuccess, 250*time.Millisecond)

	families := gather(t, rec, "yieldsync_fetch_requests_total", "yieldsync_fetch_request_duration_seconds")

	counter := findMetric(t, families["yieldsync_fetch_requests_total"], map[string]string{
		"source":  "defillama",
		"outcome": string(FetchSuccess),
	})
	if counter.GetCounter() == nil {
		t.Fatalf("expected counter metric for fetch requests")
	}
	if got := counter.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected counter value 1, got %v", got)
	}

	histMetric := findMetric(t, families["yieldsync_fetch_request_duration_seconds"], map[string]string{
		"source":  "defillama",
		"outcome": string(FetchSuccess),
	})
	hist := histMetric.GetHistogram()
	if hist == nil {
		t.Fatalf("expected histogram metric for fetch latency")
	}
	if hist.GetSampleCount() != 1 {
		t.Fatalf("expected histogram count 1, got %d", hist.GetSampleCount())
	}
	want := 0.25
	if diff := math.Abs(hist.GetSampleSum() - want); diff > 0.001 {
		t.Fatalf("expected histogram sum near %v, got %v", want, hist.GetSampleSum())
	}
}

func TestRecorderObserveCacheOps(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheOp("get", CacheHit)
	rec.ObserveCacheOp("set", CacheStored)

	families := gather(t, rec, "yieldsync_cache_operations_total")

	hitMetric := findMetric(t, families["yieldsync_cache_operations_total"], map[string]string{
		"operation": "get",
		"result":    string(CacheHit),
	})
	if got := hitMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected hit counter 1, got %v", got)
	}

	storeMetric := findMetric(t, families["yieldsync_cache_operations_total"], map[string]string{
		"operation": "set",
		"result":    string(CacheStored),
	})
	if got := storeMetric.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected store counter 1, got %v", got)
	}
}

func TestRecorderCacheUsageGauges(t *testing.T) {
	rec := NewRecorder(nil)
	rec.SetCacheUsage(7, 4096)

	families := gather(t, rec, "yieldsync_cache_entries", "yieldsync_cache_memory_bytes")

	entries := families["yieldsync_cache_entries"][0]
	if got := entries.GetGauge().GetValue(); got != 7 {
		t.Fatalf("expected entries gauge 7, got %v", got)
	}
	memory := families["yieldsync_cache_memory_bytes"][0]
	if got := memory.GetGauge().GetValue(); got != 4096 {
		t.Fatalf("expected memory gauge 4096, got %v", got)
	}
}

func TestRecorderObserveRun(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRun("defillama-pools", true)
	rec.ObserveRun("defillama-pools", false)

	families := gather(t, rec, "yieldsync_scheduler_runs_total")

	success := findMetric(t, families["yieldsync_scheduler_runs_total"], map[string]string{
		"service": "defillama-pools",
		"outcome": "success",
	})
	if got := success.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected success counter 1, got %v", got)
	}
	failure := findMetric(t, families["yieldsync_scheduler_runs_total"], map[string]string{
		"service": "defillama-pools",
		"outcome": "failure",
	})
	if got := failure.GetCounter().GetValue(); got != 1 {
		t.Fatalf("expected failure counter 1, got %v", got)
	}
}

func TestRecorderHandler(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)

	rec.Handler().ServeHTTP(rr, req)

	if rr.Code != 200 {
		t.Fatalf("expected 200 response, got %d", rr.Code)
	}
	if rr.Body.Len() == 0 {
		t.Fatalf("expected response body")
	}
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if !wanted[mf.GetName()] {
			continue
		}
		collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
	}
	for _, name := range names {
		if len(collected[name]) == 0 {
			t.Fatalf("metric %q not collected", name)
		}
	}
	return collected
}

func findMetric(t *testing.T, metrics []*dto.Metric, labels map[string]string) *dto.Metric {
	t.Helper()
	for _, metric := range metrics {
		if matchLabels(metric, labels) {
			return metric
		}
	}
	t.Fatalf("metric with labels %v not found", labels)
	return nil
}

func matchLabels(metric *dto.Metric, labels map[string]string) bool {
	if len(metric.GetLabel()) < len(labels) {
		return false
	}
	for key, expected := range labels {
		found := false
		for _, label := range metric.GetLabel() {
			if label.GetName() == key && label.GetValue() == expected {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
