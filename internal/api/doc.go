// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/scrape for a non-persisting preview scrape.
//   - /v1/labels, /v1/collections and /v1/scrapes for the collection lifecycle.
//   - POST /v1/assets/reclaim, /v1/processed/migrate and /v1/labels/{id}/sync
//     for storage maintenance.
package api
