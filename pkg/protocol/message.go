package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Protocol errors.
var (
	// ErrInvalidJSON is returned when a payload is not a JSON object.
	ErrInvalidJSON = errors.New("invalid JSON")
	// ErrMissingType is returned when the type field is absent or empty.
	ErrMissingType = errors.New("missing message type")
	// ErrUnknownCommand is returned for a type clients may not send.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrMissingStream is returned when a subscribe or unsubscribe has no stream.
	ErrMissingStream = errors.New("missing stream")
	// ErrInvalidStream is returned for a malformed topic name.
	ErrInvalidStream = errors.New("invalid stream name")
	// ErrCommandTooLarge is returned when a command exceeds MaxCommandSize.
	ErrCommandTooLarge = errors.New("command too large")
)

// Envelope is the JSON object carried in every text frame.
type Envelope struct {
	// Type is the command, acknowledgement or topic name.
	Type Type `json:"type"`
	// Stream names the topic for subscribe/unsubscribe and their acks.
	Stream string `json:"stream,omitempty"`
	// Data is the payload of topic updates, welcome and error envelopes.
	Data json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope creates an envelope, marshalling data unless it is nil.
func NewEnvelope(t Type, stream string, data any) (*Envelope, error) {
	e := &Envelope{Type: t, Stream: stream}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("marshal %s data: %w", t, err)
		}
		e.Data = raw
	}
	return e, nil
}

// Encode encodes the envelope to JSON.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode decodes an envelope from JSON. It checks only that the payload is a
// JSON object with a type.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}
	if e.Type == "" {
		return nil, ErrMissingType
	}
	return &e, nil
}

// ParseCommand decodes and validates a client command.
func ParseCommand(data []byte) (*Envelope, error) {
	if len(data) > MaxCommandSize {
		return nil, ErrCommandTooLarge
	}

	e, err := Decode(data)
	if err != nil {
		return nil, err
	}

	if !e.Type.IsCommand() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, e.Type)
	}

	if e.Type.NeedsStream() {
		if e.Stream == "" {
			return nil, ErrMissingStream
		}
		if !ValidTopic(e.Stream) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidStream, e.Stream)
		}
	}

	return e, nil
}

// ValidTopic reports whether name can be used as a topic. Topic names share
// the type field with commands, so command names are rejected.
func ValidTopic(name string) bool {
	if name == "" || len(name) > MaxTopicLength || !utf8.ValidString(name) {
		return false
	}
	if Type(name).IsControl() {
		return false
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-', r == '.':
		default:
			return false
		}
	}
	return true
}

// TopicMessage builds the update for topic: {"type":<topic>,"data":<data>}.
// data must be valid JSON; it is compacted into the envelope.
func TopicMessage(topic string, data json.RawMessage) ([]byte, error) {
	if !json.Valid(data) {
		return nil, fmt.Errorf("%w: %s payload", ErrInvalidJSON, topic)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, data); err != nil {
		return nil, err
	}
	return (&Envelope{Type: Type(topic), Data: buf.Bytes()}).Encode()
}

// welcomeData is the payload of a welcome envelope.
type welcomeData struct {
	Message string   `json:"message"`
	Streams []string `json:"streams"`
}

// WelcomeMessage builds the greeting sent after the handshake.
func WelcomeMessage(message string, streams []string) []byte {
	if streams == nil {
		streams = []string{}
	}
	return mustEncode(TypeWelcome, "", welcomeData{Message: message, Streams: streams})
}

// AckMessage builds a subscribed or unsubscribed acknowledgement.
func AckMessage(t Type, stream string) []byte {
	return mustEncode(t, stream, nil)
}

// CommandMessage encodes a subscribe or unsubscribe command.
func CommandMessage(t Type, stream string) []byte {
	return mustEncode(t, stream, nil)
}

// PingMessage builds an application ping.
func PingMessage() []byte {
	return mustEncode(TypePing, "", nil)
}

// PongMessage builds an application pong.
func PongMessage() []byte {
	return mustEncode(TypePong, "", nil)
}

// errorData is the payload of an error envelope.
type errorData struct {
	Message string `json:"message"`
}

// ErrorMessage builds an error envelope.
func ErrorMessage(message string) []byte {
	return mustEncode(TypeError, "", errorData{Message: message})
}

// ErrorText extracts the message of an error envelope.
func (e *Envelope) ErrorText() string {
	var d errorData
	if e.Type != TypeError || json.Unmarshal(e.Data, &d) != nil {
		return ""
	}
	return d.Message
}

// Streams extracts the stream list of a welcome envelope.
func (e *Envelope) Streams() []string {
	var d welcomeData
	if e.Type != TypeWelcome || json.Unmarshal(e.Data, &d) != nil {
		return nil
	}
	return d.Streams
}

// mustEncode encodes envelopes built from fixed Go types, which cannot fail.
func mustEncode(t Type, stream string, data any) []byte {
	e, err := NewEnvelope(t, stream, data)
	if err != nil {
		panic(err)
	}
	b, err := e.Encode()
	if err != nil {
		panic(err)
	}
	return b
}
