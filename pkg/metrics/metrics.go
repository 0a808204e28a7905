// Package metrics defines tiercache's OpenTelemetry instruments and their
// Prometheus export.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

const meterName = "github.com/pario-ai/tiercache"

// Recorder holds the answer-pipeline instruments.
type Recorder struct {
	answers          metric.Int64Counter
	denials          metric.Int64Counter
	cacheErrors      metric.Int64Counter
	tokens           metric.Int64Counter
	upstreamFailures metric.Int64Counter
	duration         metric.Float64Histogram
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Recorder, error) {
	var r Recorder
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
		unit string
	}{
		{&r.answers, "tiercache.answers", "Answers served, by source", "{answer}"},
		{&r.denials, "tiercache.denials", "Admission denials, by reason", "{denial}"},
		{&r.cacheErrors, "tiercache.cache.errors", "Cache backend errors treated as misses, by tier", "{error}"},
		{&r.tokens, "tiercache.tokens", "Tokens reserved and consumed, by kind", "{token}"},
		{&r.upstreamFailures, "tiercache.upstream.failures", "Model invocation failures, by kind", "{failure}"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit(c.unit))
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", c.name, err)
		}
	}

	r.duration, err = meter.Float64Histogram(
		"tiercache.answer.duration_ms",
		metric.WithDescription("Answer latency in milliseconds, by source"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create tiercache.answer.duration_ms: %w", err)
	}
	return &r, nil
}

// Nop returns a Recorder that discards everything.
func Nop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(meterName))
	return r
}

// Answer records a served answer.
func (r *Recorder) Answer(ctx context.Context, source string, d time.Duration) {
	opt := metric.WithAttributes(attribute.String("source", source))
	r.answers.Add(ctx, 1, opt)
	r.duration.Record(ctx, float64(d.Milliseconds()), opt)
}

// Denial records one admission denial reason.
func (r *Recorder) Denial(ctx context.Context, reason string) {
	r.denials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// CacheError records a degraded cache tier.
func (r *Recorder) CacheError(ctx context.Context, tier string) {
	r.cacheErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// Tokens records reserved, consumed or released tokens.
func (r *Recorder) Tokens(ctx context.Context, kind string, n int64) {
	if n <= 0 {
		return
	}
	r.tokens.Add(ctx, n, metric.WithAttributes(attribute.String("kind", kind)))
}

// UpstreamFailure records a failed model call.
func (r *Recorder) UpstreamFailure(ctx context.Context, kind string) {
	r.upstreamFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Provider exports instruments to a Prometheus registry.
type Provider struct {
	registry *prometheus.Registry
	mp       *sdkmetric.MeterProvider
}

// NewPrometheus creates a meter provider backed by a private Prometheus
// registry.
func NewPrometheus() (*Provider, error) {
	reg := prometheus.NewRegistry()
	exp, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	return &Provider{
		registry: reg,
		mp: sdkmetric.NewMeterProvider(
			sdkmetric.WithReader(exp),
			sdkmetric.WithResource(resource.NewSchemaless(attribute.String("service.name", "tiercache"))),
		),
	}, nil
}

// Meter returns the tiercache meter.
func (p *Provider) Meter() metric.Meter { return p.mp.Meter(meterName) }

// Handler serves the registry in the Prometheus exposition format.
func (p *Provider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error { return p.mp.Shutdown(ctx) }
