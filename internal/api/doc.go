// Package api hosts the HTTP server and handlers. Routes:
//   - POST /subscribe adds an e-mail to the subscriber set.
//   - GET /health serves the health report (200, 503 or 500).
//   - GET /healthz is a liveness probe.
//   - GET /metrics for Prometheus scraping.
//   - POST /admin/run triggers an update run, guarded by X-API-Key.
package api
