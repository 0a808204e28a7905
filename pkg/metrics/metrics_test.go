package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestRecorder(t *testing.T) (*Recorder, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	r, err := New(mp.Meter("test"))
	require.NoError(t, err)
	return r, reader
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func sumByAttr(t *testing.T, rm metricdata.ResourceMetrics, name, key string) map[string]int64 {
	t.Helper()
	m := findMetric(rm, name)
	require.NotNil(t, m, "metric %s not found", name)
	sum, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "expected Sum[int64], got %T", m.Data)
	out := make(map[string]int64)
	for _, dp := range sum.DataPoints {
		v, _ := dp.Attributes.Value(attribute.Key(key))
		out[v.AsString()] += dp.Value
	}
	return out
}

func TestRecorderCounters(t *testing.T) {
	ctx := context.Background()
	r, reader := newTestRecorder(t)

	r.Answer(ctx, "exact", time.Millisecond)
	r.Answer(ctx, "exact", time.Millisecond)
	r.Answer(ctx, "live", 800*time.Millisecond)
	r.Denial(ctx, "tokens_per_day")
	r.CacheError(ctx, "semantic")
	r.Tokens(ctx, "consumed", 850)
	r.Tokens(ctx, "consumed", 0)
	r.UpstreamFailure(ctx, "timeout")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.Equal(t, map[string]int64{"exact": 2, "live": 1}, sumByAttr(t, rm, "tiercache.answers", "source"))
	assert.Equal(t, map[string]int64{"tokens_per_day": 1}, sumByAttr(t, rm, "tiercache.denials", "reason"))
	assert.Equal(t, map[string]int64{"semantic": 1}, sumByAttr(t, rm, "tiercache.cache.errors", "tier"))
	assert.Equal(t, map[string]int64{"consumed": 850}, sumByAttr(t, rm, "tiercache.tokens", "kind"))
	assert.Equal(t, map[string]int64{"timeout": 1}, sumByAttr(t, rm, "tiercache.upstream.failures", "kind"))

	hist := findMetric(rm, "tiercache.answer.duration_ms")
	require.NotNil(t, hist)
	h, ok := hist.Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range h.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestNopDoesNotPanic(t *testing.T) {
	r := Nop()
	r.Answer(context.Background(), "exact", time.Second)
	r.Denial(context.Background(), "x")
}

func TestPrometheusHandler(t *testing.T) {
	p, err := NewPrometheus()
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	r, err := New(p.Meter())
	require.NoError(t, err)
	r.Answer(context.Background(), "semantic", 5*time.Millisecond)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "tiercache_answers")
	assert.Contains(t, string(body), `source="semantic"`)
}
