// Package api hosts the read-only HTTP surface over the incident cache and
// the poller's health. Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/incidents/... for active, filtered, searched and single
//     incidents.
//   - GET /v1/cache/stats for cache occupancy and cleanup totals.
package api
