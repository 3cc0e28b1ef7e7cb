// Package client is a gateway consumer that survives connection loss. It
// keeps the desired topic set independently of the socket, reconnects with
// jittered exponential backoff and restores its subscriptions on every new
// connection.
package client
