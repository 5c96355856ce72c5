// Package metrics documents the Prometheus metrics exposed by the collector.
// Metrics are defined via promauto in their owning packages (graph, ratelimit,
// enrich, collector) to maintain modularity and avoid circular dependencies.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry is the default Prometheus registry used by the collector.
// All metrics register automatically via promauto in their packages.
var Registry = prometheus.DefaultRegisterer

// Metrics Documentation
//
// Request Metrics (pkg/graph):
//   - graph_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - graph_request_duration_seconds{endpoint} (Histogram): Request duration by endpoint
//   - graph_errors_total{class} (Counter): Errors by class
//   - graph_retries_total{error_class} (Counter): Retry attempts by error class
//   - graph_retry_exhausted_total{error_class} (Counter): Requests that exhausted their budget
//
// App-Usage Metrics (pkg/ratelimit):
//   - graph_app_usage_percent{dimension} (Gauge): Usage percentage per budget dimension
//   - graph_usage_blocks_total (Counter): Requests blocked at critical usage
//   - graph_usage_throttles_total (Counter): Requests throttled at elevated usage
//
// Enrichment Metrics (pkg/enrich):
//   - enrich_groups_total{outcome} (Counter): Batch groups by outcome (ok, failed, encode_error)
//   - enrich_items_total{outcome} (Counter): Items by outcome (ok, unavailable)
//
// Run Metrics (pkg/collector):
//   - collector_runs_total{outcome} (Counter): Runs by outcome (success, partial, failed, panic)
//
// Example Prometheus Queries:
//
//   # Request Error Rate
//   rate(graph_errors_total[5m])
//
//   # Usage headroom
//   100 - max(graph_app_usage_percent)
//
//   # Partial-success ratio
//   rate(collector_runs_total{outcome="partial"}[1h]) /
//   sum(rate(collector_runs_total[1h]))
//
//   # P95 Request Latency
//   histogram_quantile(0.95, rate(graph_request_duration_seconds_bucket[5m]))
