package instrumentation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metric attribute keys
const (
	attrMethod    = "method"
	attrPath      = "path"
	attrStatus    = "status"
	attrOperation = "operation"
	attrReason    = "reason"
	attrResult    = "result"
	attrAction    = "action"
	attrTransport = "transport"
	attrKind      = "kind"
)

var durationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0}

// Metrics records inboxlink metrics. The zero value is a no-op recorder, so
// components can hold a *Metrics even when instrumentation is disabled.
type Metrics struct {
	// Inbound transports (HTTP message endpoint, websocket)
	httpRequestsTotal   metric.Int64Counter
	httpRequestDuration metric.Float64Histogram
	activeConnections   metric.Int64UpDownCounter

	// ClickUp request pipeline
	apiRequestsTotal   metric.Int64Counter
	apiRequestDuration metric.Float64Histogram
	apiRetriesTotal    metric.Int64Counter

	// OAuth
	oauthAuthTotal         metric.Int64Counter
	oauthTokenRefreshTotal metric.Int64Counter

	// Message dispatch
	messagesTotal   metric.Int64Counter
	messageDuration metric.Float64Histogram

	// Link index
	linkSweepsTotal  metric.Int64Counter
	linksFoundTotal  metric.Int64Counter
	linksPrunedTotal metric.Int64Counter

	// Hierarchy cache
	cacheLookupsTotal metric.Int64Counter
	cacheRefreshTotal metric.Int64Counter
}

// NewMetrics creates all instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	counter := func(name, desc, unit string) metric.Int64Counter {
		if err != nil {
			return nil
		}
		var c metric.Int64Counter
		c, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("failed to create %s counter: %w", name, err)
		}
		return c
	}
	histogram := func(name, desc string) metric.Float64Histogram {
		if err != nil {
			return nil
		}
		var h metric.Float64Histogram
		h, err = meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(durationBuckets...),
		)
		if err != nil {
			err = fmt.Errorf("failed to create %s histogram: %w", name, err)
		}
		return h
	}

	m.httpRequestsTotal = counter("http_requests_total", "Total number of inbound HTTP requests", "{request}")
	m.httpRequestDuration = histogram("http_request_duration_seconds", "Inbound HTTP request duration in seconds")
	m.apiRequestsTotal = counter("clickup_api_requests_total", "Total number of ClickUp API attempts", "{request}")
	m.apiRequestDuration = histogram("clickup_api_request_duration_seconds", "ClickUp API attempt duration in seconds")
	m.apiRetriesTotal = counter("clickup_api_retries_total", "Total number of ClickUp API retries", "{retry}")
	m.oauthAuthTotal = counter("oauth_auth_total", "Total number of ClickUp login attempts", "{attempt}")
	m.oauthTokenRefreshTotal = counter("oauth_token_refresh_total", "Total number of token refresh attempts", "{attempt}")
	m.messagesTotal = counter("messages_total", "Total number of dispatched messages", "{message}")
	m.messageDuration = histogram("message_duration_seconds", "Message handling duration in seconds")
	m.linkSweepsTotal = counter("link_sweeps_total", "Total number of link sweeps", "{sweep}")
	m.linksFoundTotal = counter("links_found_total", "Thread links discovered by reconcile sweeps", "{link}")
	m.linksPrunedTotal = counter("links_pruned_total", "Thread links removed by validation", "{link}")
	m.cacheLookupsTotal = counter("hierarchy_cache_lookups_total", "Hierarchy cache lookups by result", "{lookup}")
	m.cacheRefreshTotal = counter("hierarchy_cache_refresh_total", "Hierarchy refreshes by status", "{refresh}")
	if err != nil {
		return nil, err
	}

	m.activeConnections, err = meter.Int64UpDownCounter(
		"active_connections",
		metric.WithDescription("Number of open websocket connections"),
		metric.WithUnit("{connection}"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create active_connections gauge: %w", err)
	}

	return m, nil
}

// RecordHTTPRequest records an inbound HTTP request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration) {
	if m == nil || m.httpRequestsTotal == nil {
		return // Instrumentation not initialized
	}
	attrs := metric.WithAttributes(
		attribute.String(attrMethod, method),
		attribute.String(attrPath, path),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.httpRequestsTotal.Add(ctx, 1, attrs)
	m.httpRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAPIRequest records one attempt against the ClickUp API. statusCode is
// 0 for transport failures.
func (m *Metrics) RecordAPIRequest(ctx context.Context, operation string, statusCode int, duration time.Duration) {
	if m == nil || m.apiRequestsTotal == nil {
		return // Instrumentation not initialized
	}
	attrs := metric.WithAttributes(
		attribute.String(attrOperation, operation),
		attribute.String(attrStatus, strconv.Itoa(statusCode)),
	)
	m.apiRequestsTotal.Add(ctx, 1, attrs)
	m.apiRequestDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordAPIRetry records a scheduled retry. Reason is RetryReasonStatus or
// RetryReasonNetwork.
func (m *Metrics) RecordAPIRetry(ctx context.Context, operation, reason string) {
	if m == nil || m.apiRetriesTotal == nil {
		return // Instrumentation not initialized
	}
	m.apiRetriesTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrOperation, operation),
		attribute.String(attrReason, reason),
	))
}

// RecordOAuthAuth records a login (code exchange) with result.
func (m *Metrics) RecordOAuthAuth(ctx context.Context, result string) {
	if m == nil || m.oauthAuthTotal == nil {
		return // Instrumentation not initialized
	}
	m.oauthAuthTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordOAuthTokenRefresh records a refresh-token grant with result.
func (m *Metrics) RecordOAuthTokenRefresh(ctx context.Context, result string) {
	if m == nil || m.oauthTokenRefreshTotal == nil {
		return // Instrumentation not initialized
	}
	m.oauthTokenRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordMessage records a dispatched message.
func (m *Metrics) RecordMessage(ctx context.Context, action, transport, status string, duration time.Duration) {
	if m == nil || m.messagesTotal == nil {
		return // Instrumentation not initialized
	}
	attrs := metric.WithAttributes(
		attribute.String(attrAction, action),
		attribute.String(attrTransport, transport),
		attribute.String(attrStatus, status),
	)
	m.messagesTotal.Add(ctx, 1, attrs)
	m.messageDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordSweep records a finished link sweep together with the number of links
// found (reconcile) or pruned (validation).
func (m *Metrics) RecordSweep(ctx context.Context, kind, status string, links int) {
	if m == nil || m.linkSweepsTotal == nil {
		return // Instrumentation not initialized
	}
	m.linkSweepsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String(attrKind, kind),
		attribute.String(attrStatus, status),
	))
	if links <= 0 {
		return
	}
	switch kind {
	case SweepReconcile:
		m.linksFoundTotal.Add(ctx, int64(links))
	case SweepValidation:
		m.linksPrunedTotal.Add(ctx, int64(links))
	}
}

// RecordCacheLookup records a hierarchy cache read as CacheHit, CacheStale or CacheMiss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, result string) {
	if m == nil || m.cacheLookupsTotal == nil {
		return // Instrumentation not initialized
	}
	m.cacheLookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, result)))
}

// RecordCacheRefresh records a hierarchy refresh outcome.
func (m *Metrics) RecordCacheRefresh(ctx context.Context, status string) {
	if m == nil || m.cacheRefreshTotal == nil {
		return // Instrumentation not initialized
	}
	m.cacheRefreshTotal.Add(ctx, 1, metric.WithAttributes(attribute.String(attrStatus, status)))
}

// IncrementActiveConnections increments the open websocket gauge.
func (m *Metrics) IncrementActiveConnections(ctx context.Context) {
	if m == nil || m.activeConnections == nil {
		return // Instrumentation not initialized
	}
	m.activeConnections.Add(ctx, 1)
}

// DecrementActiveConnections decrements the open websocket gauge.
func (m *Metrics) DecrementActiveConnections(ctx context.Context) {
	if m == nil || m.activeConnections == nil {
		return // Instrumentation not initialized
	}
	m.activeConnections.Add(ctx, -1)
}
