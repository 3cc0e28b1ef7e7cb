package websocket

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"
)

// CloseCode is a close status code as defined in RFC 6455 Section 7.4.
type CloseCode uint16

// Close codes distinguished by the gateway.
const (
	CloseNormal          CloseCode = 1000
	CloseGoingAway       CloseCode = 1001
	CloseProtocolError   CloseCode = 1002
	CloseUnsupportedData CloseCode = 1003
	// CloseNoStatus is reported when a close frame carried no code. Never sent.
	CloseNoStatus CloseCode = 1005
	// CloseAbnormal is reported locally when the socket went away without a
	// close frame exchange. Never sent on the wire.
	CloseAbnormal        CloseCode = 1006
	CloseInvalidPayload  CloseCode = 1007
	ClosePolicyViolation CloseCode = 1008
	CloseMessageTooBig   CloseCode = 1009
	CloseInternalError   CloseCode = 1011
)

// String returns a short name for the code.
func (c CloseCode) String() string {
	switch c {
	case CloseNormal:
		return "normal"
	case CloseGoingAway:
		return "going-away"
	case CloseProtocolError:
		return "protocol-error"
	case CloseUnsupportedData:
		return "unsupported-data"
	case CloseNoStatus:
		return "no-status"
	case CloseAbnormal:
		return "abnormal"
	case CloseInvalidPayload:
		return "invalid-payload"
	case ClosePolicyViolation:
		return "policy-violation"
	case CloseMessageTooBig:
		return "message-too-big"
	case CloseInternalError:
		return "internal-error"
	default:
		return fmt.Sprintf("code-%d", uint16(c))
	}
}

// sendable reports whether the code may appear in a close frame on the wire.
func (c CloseCode) sendable() bool {
	switch c {
	case CloseNoStatus, CloseAbnormal, 1015:
		return false
	}
	return c >= 1000 && c < 5000 && c != 1004
}

// CloseError describes how a connection ended.
type CloseError struct {
	Code   CloseCode
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("websocket closed: %d %s", uint16(e.Code), e.Code)
	}
	return fmt.Sprintf("websocket closed: %d %s: %s", uint16(e.Code), e.Code, e.Reason)
}

// Is lets errors.Is(err, ErrConnectionClosed) match any close.
func (e *CloseError) Is(target error) bool {
	return target == ErrConnectionClosed
}

// CloseCodeOf returns the close code from a close frame payload.
func CloseCodeOf(payload []byte) CloseCode {
	if len(payload) < 2 {
		return CloseNoStatus
	}
	return CloseCode(binary.BigEndian.Uint16(payload[:2]))
}

// CloseReason returns the close reason from a close frame.
func CloseReason(payload []byte) string {
	if len(payload) <= 2 {
		return ""
	}
	return string(payload[2:])
}

// FormatClosePayload builds a close frame payload. The reason is truncated so
// the frame stays within the control frame limit.
func FormatClosePayload(code CloseCode, reason string) []byte {
	if !code.sendable() {
		return nil
	}
	if len(reason) > MaxControlPayloadSize-2 {
		reason = reason[:MaxControlPayloadSize-2]
		for !utf8.ValidString(reason) {
			reason = reason[:len(reason)-1]
		}
	}
	payload := make([]byte, 2+len(reason))
	binary.BigEndian.PutUint16(payload[:2], uint16(code))
	copy(payload[2:], reason)
	return payload
}

// validateClosePayload checks a received close payload per RFC 6455 Section 5.5.1.
func validateClosePayload(payload []byte) error {
	switch {
	case len(payload) == 0:
		return nil
	case len(payload) == 1:
		return &FrameError{Err: ErrInvalidFrame, Opcode: OpcodeClose}
	}
	if !CloseCodeOf(payload).sendable() {
		return &FrameError{Err: ErrInvalidFrame, Opcode: OpcodeClose}
	}
	if !utf8.Valid(payload[2:]) {
		return ErrInvalidUTF8
	}
	return nil
}
