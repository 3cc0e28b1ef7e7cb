// Package metrics defines the gateway's Prometheus collectors.
//
// Every method is safe to call on a nil *Metrics, so components built
// without metrics (tests, the CLI) need no special casing.
package metrics
