// Package api serves the operational HTTP surface of a worker process:
// liveness and readiness probes, Prometheus metrics and read-only queue
// statistics. Tasks are submitted and managed through the service layer,
// not over HTTP.
package api
