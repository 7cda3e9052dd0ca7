// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz for liveness probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/entities and /v1/entities/{entity_id} for reading the view model.
//   - GET/POST/DELETE /v1/sessions for tracking jobs.
//   - PUT/DELETE /v1/items/{item_id} for out-of-band sub-item mappings.
package api
