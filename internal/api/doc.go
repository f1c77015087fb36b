// Package api hosts the HTTP server, middleware, and REST handlers for job
// submission and inspection. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs, /v1/jobs/batch, /v1/jobs/{job_id}/cancel and /retry.
//   - GET /v1/jobs/{job_id}/events streams job events as server-sent events.
//   - GET /v1/records and /v1/statistics for harvested records and totals.
package api
