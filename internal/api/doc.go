// Package api hosts the supervisor HTTP server, middleware and REST handlers.
// Notable routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/jobs to enqueue, POST /v1/jobs/{job_id}/cancel to cancel.
//   - GET /v1/jobs/{job_id}/logs, with follow=true streaming server-sent
//     events until the job finishes.
//   - GET and DELETE /v1/entities/{key}/retry for operator inspection and
//     reset of the retry ledger.
package api
