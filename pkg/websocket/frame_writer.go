package websocket

import (
	"io"
)

// FrameWriter encodes frames onto an io.Writer. It is not safe for
// concurrent use; Conn serialises all writes through a single writer
// goroutine.
type FrameWriter struct {
	w    io.Writer
	role Role
}

// NewFrameWriter creates a FrameWriter for the given role. Client writers
// mask every frame; server writers never do.
func NewFrameWriter(w io.Writer, role Role) *FrameWriter {
	return &FrameWriter{w: w, role: role}
}

// WriteFrame validates and writes a single frame.
func (fw *FrameWriter) WriteFrame(frame *Frame) error {
	if err := frame.Validate(); err != nil {
		return err
	}
	return fw.WriteRaw(encodeFrame(frame, fw.role.masksOutbound()))
}

// WriteRaw writes bytes that are already an encoded frame.
func (fw *FrameWriter) WriteRaw(b []byte) error {
	_, err := fw.w.Write(b)
	return err
}

// WriteMessage writes payload as one message, split into fragments of at
// most maxFragmentSize bytes. A non-positive size disables fragmentation.
func (fw *FrameWriter) WriteMessage(opcode Opcode, payload []byte, maxFragmentSize int) error {
	if maxFragmentSize <= 0 || len(payload) <= maxFragmentSize {
		return fw.WriteFrame(NewFrame(opcode, payload, true))
	}

	for op := opcode; len(payload) > 0; op = OpcodeContinuation {
		n := min(maxFragmentSize, len(payload))
		if err := fw.WriteFrame(NewFrame(op, payload[:n], n == len(payload))); err != nil {
			return err
		}
		payload = payload[n:]
	}
	return nil
}

// WriteClose writes a close frame carrying code and reason.
func (fw *FrameWriter) WriteClose(code CloseCode, reason string) error {
	return fw.WriteFrame(NewFrame(OpcodeClose, FormatClosePayload(code, reason), true))
}
