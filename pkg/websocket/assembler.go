package websocket

import "unicode/utf8"

// Message is a complete application-level message, or a control frame
// surfaced on its own.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Assembler reassembles fragmented data messages. Control frames pass through
// immediately, even in the middle of a fragmented message.
type Assembler struct {
	maxMessage int
	opcode     Opcode
	buf        []byte
	inProgress bool
}

// NewAssembler creates an assembler that rejects messages larger than
// maxMessage bytes. maxMessage <= 0 selects DefaultMaxPayloadSize.
func NewAssembler(maxMessage int) *Assembler {
	if maxMessage <= 0 {
		maxMessage = DefaultMaxPayloadSize
	}
	return &Assembler{maxMessage: maxMessage}
}

// Push feeds one decoded frame. It returns the completed message and true
// when f finished a message or was a control frame, false when more
// fragments are needed, or a *ProtocolError.
func (a *Assembler) Push(f *Frame) (Message, bool, error) {
	if f.Opcode.IsControl() {
		if f.Opcode == OpcodeClose {
			if err := validateClosePayload(f.Payload); err != nil {
				return Message{}, false, protocolError(err)
			}
		}
		return Message{Opcode: f.Opcode, Payload: f.Payload}, true, nil
	}

	if f.Opcode == OpcodeContinuation {
		if !a.inProgress {
			return Message{}, false, protocolError(&FrameError{Err: ErrUnexpectedContinuation, Opcode: f.Opcode})
		}
	} else {
		if a.inProgress {
			return Message{}, false, protocolError(&FrameError{Err: ErrInterleavedMessage, Opcode: f.Opcode})
		}
		if f.Fin {
			if f.Opcode == OpcodeText && !utf8.Valid(f.Payload) {
				return Message{}, false, protocolError(ErrInvalidUTF8)
			}
			return Message{Opcode: f.Opcode, Payload: f.Payload}, true, nil
		}
		a.inProgress = true
		a.opcode = f.Opcode
		a.buf = a.buf[:0]
	}

	if len(a.buf)+len(f.Payload) > a.maxMessage {
		a.reset()
		return Message{}, false, protocolError(ErrMessageTooLarge)
	}
	a.buf = append(a.buf, f.Payload...)

	if !f.Fin {
		return Message{}, false, nil
	}

	msg := Message{Opcode: a.opcode, Payload: make([]byte, len(a.buf))}
	copy(msg.Payload, a.buf)
	a.reset()

	if msg.Opcode == OpcodeText && !utf8.Valid(msg.Payload) {
		return Message{}, false, protocolError(ErrInvalidUTF8)
	}
	return msg, true, nil
}

// InProgress reports whether a fragmented message is partially buffered.
func (a *Assembler) InProgress() bool {
	return a.inProgress
}

func (a *Assembler) reset() {
	a.inProgress = false
	a.opcode = 0
	a.buf = a.buf[:0]
}
