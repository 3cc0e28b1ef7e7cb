// Package stream runs one upstream poll task per topic that has subscribers
// and broadcasts each result as a topic envelope.
//
// A topic whose last subscriber leaves has its task cancelled. If it is
// resubscribed before the cancelled poll returns, the new task waits for it,
// so one topic never has two upstream polls in flight.
package stream
