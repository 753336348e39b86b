package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveCall(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCall("generator", CallSucceeded, 100*time.Millisecond, 250*time.Millisecond)

	families := gather(t, rec, "edubot_dispatch_calls_total", "edubot_dispatch_call_duration_seconds", "edubot_dispatch_queue_wait_seconds")

	counter := findMetric(t, families["edubot_dispatch_calls_total"], map[string]string{
		"service": "generator",
		"outcome": "success",
	})
	assert.Equal(t, float64(1), counter.GetCounter().GetValue())

	hist := findMetric(t, families["edubot_dispatch_call_duration_seconds"], map[string]string{
		"service": "generator",
		"outcome": "success",
	}).GetHistogram()
	require.NotNil(t, hist)
	assert.Equal(t, uint64(1), hist.GetSampleCount())
	assert.InDelta(t, 0.25, hist.GetSampleSum(), 0.001)

	wait := findMetric(t, families["edubot_dispatch_queue_wait_seconds"], map[string]string{
		"service": "generator",
	}).GetHistogram()
	require.NotNil(t, wait)
	assert.InDelta(t, 0.1, wait.GetSampleSum(), 0.001)
}

func TestObserveRetryAndQueueDepth(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveRetry("telegram", "rate_limited")
	rec.ObserveRetry("telegram", "rate_limited")
	rec.SetQueueDepth("telegram", 7)

	families := gather(t, rec, "edubot_dispatch_retries_total", "edubot_dispatch_queue_depth")

	retries := findMetric(t, families["edubot_dispatch_retries_total"], map[string]string{
		"service": "telegram",
		"class":   "rate_limited",
	})
	assert.Equal(t, float64(2), retries.GetCounter().GetValue())

	depth := findMetric(t, families["edubot_dispatch_queue_depth"], map[string]string{
		"service": "telegram",
	})
	assert.Equal(t, float64(7), depth.GetGauge().GetValue())
}

func TestCacheMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rec.ObserveCacheLookup(CacheHit)
	rec.ObserveCacheLookup(CacheMiss)
	rec.ObserveCacheLookup(CacheMiss)
	rec.ObserveCacheEviction()
	rec.SetCacheSize(42)

	families := gather(t, rec, "edubot_cache_lookups_total", "edubot_cache_evictions_total", "edubot_cache_entries")

	misses := findMetric(t, families["edubot_cache_lookups_total"], map[string]string{"result": "miss"})
	assert.Equal(t, float64(2), misses.GetCounter().GetValue())

	assert.Equal(t, float64(1), families["edubot_cache_evictions_total"][0].GetCounter().GetValue())
	assert.Equal(t, float64(42), families["edubot_cache_entries"][0].GetGauge().GetValue())
}

func TestNilRecorderIsSafe(t *testing.T) {
	var rec *Recorder
	rec.ObserveCall("generator", CallSucceeded, 0, 0)
	rec.ObserveRetry("generator", "transient")
	rec.SetQueueDepth("generator", 1)
	rec.ObserveCacheLookup(CacheHit)
	rec.ObserveCacheEviction()
	rec.SetCacheSize(1)

	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 503, rr.Code)
}

func TestHandlerServesMetrics(t *testing.T) {
	rec := NewRecorder(nil)
	rr := httptest.NewRecorder()
	rec.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rr.Code)
	assert.NotZero(t, rr.Body.Len())
}

func gather(t *testing.T, rec *Recorder, names ...string) map[string][]*dto.Metric {
	t.Helper()
	wanted := make(map[string]bool, len(names))
	for _, name := range names {
		wanted[name] = true
	}
	families, err := rec.Gatherer().Gather()
	require.NoError(t, err)
	collected := make(map[string][]*dto.Metric, len(names))
	for _, mf := range families {
		if wanted[mf.GetName()] {
			collected[mf.GetName()] = append(collected[mf.GetName()], mf.GetMetric()...)
		}
	}
	for _, name := range names {
		require.NotEmpty(t, collected[name], "metric %q not collected", name)
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
