// Package registry tracks live WebSocket connections and their topic
// subscriptions, fans topic updates out to subscribers and purges
// connections that stop answering heartbeats.
//
// All connection and topic state sits behind one mutex. A TopicObserver is
// told when a topic gains its first or loses its last subscriber; it is
// called with the lock held and must not block.
package registry
