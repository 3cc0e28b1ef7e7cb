package protocol

// Type is the value of the "type" field of an envelope. Topic updates use
// the topic name as their type.
type Type string

// Envelope types.
const (
	// TypeSubscribe adds a topic to the client's subscriptions (client → server).
	TypeSubscribe Type = "subscribe"
	// TypeUnsubscribe removes a topic (client → server).
	TypeUnsubscribe Type = "unsubscribe"
	// TypePing is an application-level keep-alive (both directions).
	TypePing Type = "ping"
	// TypePong answers TypePing (both directions).
	TypePong Type = "pong"
	// TypeWelcome is sent once after the handshake (server → client).
	TypeWelcome Type = "welcome"
	// TypeSubscribed acknowledges TypeSubscribe (server → client).
	TypeSubscribed Type = "subscribed"
	// TypeUnsubscribed acknowledges TypeUnsubscribe (server → client).
	TypeUnsubscribed Type = "unsubscribed"
	// TypeError reports a rejected command (server → client).
	TypeError Type = "error"
)

// String returns the string representation of the type.
func (t Type) String() string {
	return string(t)
}

// IsCommand reports whether a client may send this type.
func (t Type) IsCommand() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypePing, TypePong:
		return true
	default:
		return false
	}
}

// IsControl reports whether the type is part of the command/ack vocabulary
// rather than a topic update.
func (t Type) IsControl() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypePing, TypePong,
		TypeWelcome, TypeSubscribed, TypeUnsubscribed, TypeError:
		return true
	default:
		return false
	}
}

// NeedsStream reports whether the type must carry a stream field.
func (t Type) NeedsStream() bool {
	switch t {
	case TypeSubscribe, TypeUnsubscribe, TypeSubscribed, TypeUnsubscribed:
		return true
	default:
		return false
	}
}
