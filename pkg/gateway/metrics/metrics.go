// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides the gateway's OpenTelemetry instruments and the
// Prometheus handler that exports them.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"

	"github.com/stacklok/mcpgate/pkg/gateway/cache"
)

const instrumentationName = "github.com/stacklok/mcpgate"

// Outcomes attached to request, tool call and refresh metrics.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeDenied  = "denied"
)

// ToolCallDurationBuckets are the histogram boundaries for backend tool calls, in seconds.
var ToolCallDurationBuckets = []float64{
	0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Config configures Metrics.
type Config struct {
	ServiceName           string
	ServiceVersion        string
	IncludeRuntimeMetrics bool
}

// Metrics holds the gateway instruments. A nil *Metrics records nothing.
type Metrics struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	handler  http.Handler

	requests       metric.Int64Counter
	toolDuration   metric.Float64Histogram
	tokenRefreshes metric.Int64Counter
}

// New creates the meter provider and its Prometheus exporter.
func New(cfg Config) (*Metrics, error) {
	registry := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	)
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	meter := provider.Meter(instrumentationName)

	m := &Metrics{
		provider: provider,
		meter:    meter,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}

	// The exporter adds the _total suffix automatically
	if m.requests, err = meter.Int64Counter("mcpgate_requests",
		metric.WithDescription("JSON-RPC requests by method and outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	if m.toolDuration, err = meter.Float64Histogram("mcpgate_tool_call_duration",
		metric.WithDescription("Duration of backend tool calls"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(ToolCallDurationBuckets...),
	); err != nil {
		return nil, fmt.Errorf("failed to create tool call histogram: %w", err)
	}
	if m.tokenRefreshes, err = meter.Int64Counter("mcpgate_token_refreshes",
		metric.WithDescription("Backend OAuth token refreshes by outcome"),
	); err != nil {
		return nil, fmt.Errorf("failed to create token refresh counter: %w", err)
	}
	return m, nil
}

// Handler serves the Prometheus exposition.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return m.handler
}

// RecordRequest counts a JSON-RPC request.
func (m *Metrics) RecordRequest(ctx context.Context, method, outcome string) {
	if m == nil {
		return
	}
	m.requests.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("outcome", outcome),
	))
}

// RecordToolCall records the duration of a tool call.
func (m *Metrics) RecordToolCall(ctx context.Context, resourceID, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("resource_id", resourceID),
		attribute.String("outcome", outcome),
	))
}

// RecordTokenRefresh counts a token refresh attempt.
func (m *Metrics) RecordTokenRefresh(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.tokenRefreshes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// ObserveSessions reports the number of live sessions at collection time.
func (m *Metrics) ObserveSessions(count func() int) error {
	if m == nil {
		return nil
	}
	_, err := m.meter.Int64ObservableGauge("mcpgate_active_sessions",
		metric.WithDescription("Live client sessions"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(count()))
			return nil
		}),
	)
	return err
}

// ObserveCache reports hit, miss and entry counts of a named cache at
// collection time.
func (m *Metrics) ObserveCache(name string, stats func() cache.Stats) error {
	if m == nil {
		return nil
	}
	hits, err := m.meter.Int64ObservableCounter("mcpgate_cache_hits",
		metric.WithDescription("Cache hits"))
	if err != nil {
		return err
	}
	misses, err := m.meter.Int64ObservableCounter("mcpgate_cache_misses",
		metric.WithDescription("Cache misses"))
	if err != nil {
		return err
	}
	entries, err := m.meter.Int64ObservableGauge("mcpgate_cache_entries",
		metric.WithDescription("Cached entries"))
	if err != nil {
		return err
	}

	attrs := metric.WithAttributes(attribute.String("cache", name))
	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		s := stats()
		o.ObserveInt64(hits, s.Hits, attrs)
		o.ObserveInt64(misses, s.Misses, attrs)
		o.ObserveInt64(entries, int64(s.Entries), attrs)
		return nil
	}, hits, misses, entries)
	return err
}

// Shutdown flushes and stops the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}
	return m.provider.Shutdown(ctx)
}
