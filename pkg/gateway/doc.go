// Package gateway is the HTTP surface of the streaming gateway: the
// WebSocket endpoint with its per-connection command loop, plus health,
// readiness, statistics and Prometheus endpoints.
//
// GET /connections/{id} reports the registry's view of one connection:
// topics, heartbeat state and outbound queue depth.
package gateway
