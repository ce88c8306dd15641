// Package instrumentation provides OpenTelemetry metrics, tracing and audit
// logging for inboxlink.
//
// # Metrics
//
// Inbound:
//   - http_requests_total, http_request_duration_seconds
//   - active_connections (open websocket connections)
//
// ClickUp request pipeline:
//   - clickup_api_requests_total, clickup_api_request_duration_seconds (per attempt)
//   - clickup_api_retries_total by operation and reason
//   - oauth_auth_total, oauth_token_refresh_total by result
//
// Messages and background work:
//   - messages_total, message_duration_seconds by action, transport and status
//   - link_sweeps_total, links_found_total, links_pruned_total
//   - hierarchy_cache_lookups_total (hit, stale, miss), hierarchy_cache_refresh_total
//
// # Tracing
//
// Spans are created per dispatched message (message.<action>) and per logical
// ClickUp call (clickup.<operation>); retries and refreshes are span events.
//
// # Configuration
//
//   - INSTRUMENTATION_ENABLED (default: true)
//   - METRICS_EXPORTER: prometheus, otlp, stdout (default: prometheus)
//   - TRACING_EXPORTER: otlp, stdout, none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT, OTEL_EXPORTER_OTLP_INSECURE
//   - OTEL_TRACES_SAMPLER_ARG (default: 0.1)
//   - AUDIT_LOGGING_ENABLED, AUDIT_LOGGING_INCLUDE_PII
//
// # Example Usage
//
//	provider, err := instrumentation.NewProvider(ctx, instrumentation.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	defer provider.Shutdown(ctx)
//
//	provider.Metrics().RecordAPIRequest(ctx, "get_task", 200, time.Since(start))
package instrumentation
