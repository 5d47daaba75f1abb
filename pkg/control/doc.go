// Package control exposes a running autolab process over HTTP.
//
// Endpoints:
//
//	GET  /status   current scheduler status as JSON
//	POST /stop     request a graceful stop after the current cycle
//	GET  /metrics  Prometheus metrics
//	GET  /events   websocket stream of lifecycle events
//	GET  /healthz  liveness probe
//
// When a shared secret is configured, POST /stop and GET /events require it
// in the X-Autolab-Secret header.
package control
