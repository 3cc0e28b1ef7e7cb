package websocket

import (
	"errors"
	"fmt"
)

// Opcode is the 4-bit frame type from RFC 6455 Section 5.2.
type Opcode uint8

const (
	OpcodeContinuation Opcode = 0x0
	OpcodeText         Opcode = 0x1
	OpcodeBinary       Opcode = 0x2
	OpcodeClose        Opcode = 0x8
	OpcodePing         Opcode = 0x9
	OpcodePong         Opcode = 0xA
)

var opcodeNames = map[Opcode]string{
	OpcodeContinuation: "continuation",
	OpcodeText:         "text",
	OpcodeBinary:       "binary",
	OpcodeClose:        "close",
	OpcodePing:         "ping",
	OpcodePong:         "pong",
}

// IsValid reports whether o is one of the six opcodes RFC 6455 defines.
// Reserved opcodes 0x3-0x7 and 0xB-0xF are invalid.
func (o Opcode) IsValid() bool {
	_, ok := opcodeNames[o]
	return ok
}

// IsControl reports whether o is a defined control opcode.
func (o Opcode) IsControl() bool {
	return o >= OpcodeClose && o <= OpcodePong
}

// IsData reports whether o starts or continues a message.
func (o Opcode) IsData() bool {
	return o <= OpcodeBinary
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("opcode(0x%x)", uint8(o))
}

// Frame is one decoded frame. Payload is always unmasked.
type Frame struct {
	Fin              bool
	RSV1, RSV2, RSV3 bool
	Opcode           Opcode
	// Masked and Mask record how the frame arrived on the wire.
	Masked  bool
	Mask    [4]byte
	Payload []byte
}

// Wire-level errors. Decoders wrap them in *FrameError and *ProtocolError.
var (
	ErrInvalidFrame           = errors.New("invalid frame")
	ErrInvalidOpcode          = errors.New("invalid opcode")
	ErrFrameTooLarge          = errors.New("frame too large")
	ErrMessageTooLarge        = errors.New("message too large")
	ErrControlFrameTooLong    = errors.New("control frame payload too long")
	ErrFragmentedControl      = errors.New("control frames cannot be fragmented")
	ErrUnexpectedContinuation = errors.New("continuation frame without a message in progress")
	ErrInterleavedMessage     = errors.New("data frame interleaved with a fragmented message")
	ErrInvalidUTF8            = errors.New("text message is not valid UTF-8")
	ErrConnectionClosed       = errors.New("connection closed")
	// ErrInvalidMask means the mask bit does not match the sender's role.
	ErrInvalidMask     = errors.New("invalid frame mask")
	ErrReservedBitsSet = errors.New("reserved bits set without extension")
	// ErrNeedMoreData means the buffer ends inside a frame. It is not fatal.
	ErrNeedMoreData = errors.New("need more data")
)

const (
	MaxControlPayloadSize = 125
	// DefaultMaxPayloadSize is the default limit for a single data frame and for
	// a reassembled message.
	DefaultMaxPayloadSize = 1 << 20
	// MaxHeaderSize is the largest possible frame header (2 + 8 length + 4 mask).
	MaxHeaderSize = 14
)

// Validate validates the frame according to RFC 6455 rules. It does not check
// payload size limits; those belong to the Decoder.
func (f *Frame) Validate() error {
	if f.RSV1 || f.RSV2 || f.RSV3 {
		return &FrameError{Err: ErrReservedBitsSet, Opcode: f.Opcode}
	}

	if !f.Opcode.IsValid() {
		return &FrameError{Err: ErrInvalidOpcode, Opcode: f.Opcode}
	}

	if f.Opcode.IsControl() && !f.Fin {
		return &FrameError{Err: ErrFragmentedControl, Opcode: f.Opcode}
	}

	if f.Opcode.IsControl() && len(f.Payload) > MaxControlPayloadSize {
		return &FrameError{Err: ErrControlFrameTooLong, Opcode: f.Opcode}
	}

	return nil
}

// FrameError represents a frame validation error.
type FrameError struct {
	Err    error
	Opcode Opcode
}

func (e *FrameError) Error() string {
	return e.Err.Error()
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// ProtocolError is a fatal wire-level violation. The connection that produced
// it must be closed with Code; the byte stream cannot be resynchronised.
type ProtocolError struct {
	Code CloseCode
	Err  error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol violation (%d): %v", e.Code, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// protocolError maps a frame-level error to the close code the caller must use.
func protocolError(err error) *ProtocolError {
	code := CloseProtocolError
	switch {
	case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrMessageTooLarge):
		code = CloseMessageTooBig
	case errors.Is(err, ErrInvalidUTF8):
		code = CloseInvalidPayload
	}
	return &ProtocolError{Code: code, Err: err}
}

// NewFrame creates a new frame with the given parameters.
func NewFrame(opcode Opcode, payload []byte, fin bool) *Frame {
	return &Frame{
		Fin:     fin,
		Opcode:  opcode,
		Payload: payload,
	}
}
