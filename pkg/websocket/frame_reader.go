package websocket

import (
	"errors"
	"io"
)

// readChunkSize is how many bytes the reader asks the socket for at a time.
const readChunkSize = 4096

// FrameReader provides methods for reading WebSocket frames from an io.Reader.
// Bytes are accumulated until the Decoder can produce a full frame, so short
// reads from the underlying socket are handled transparently.
type FrameReader struct {
	r   io.Reader
	dec *Decoder
	asm *Assembler
	buf []byte
	off int
	err error
}

// NewFrameReader creates a new FrameReader for reading from r as the given
// role. maxPayload bounds both single frames and reassembled messages.
func NewFrameReader(r io.Reader, role Role, maxPayload int) *FrameReader {
	return &FrameReader{
		r:   r,
		dec: NewDecoder(role, maxPayload),
		asm: NewAssembler(maxPayload),
	}
}

// ReadFrame reads and parses the next WebSocket frame. A *ProtocolError is
// sticky: once returned, every later call returns it again.
func (fr *FrameReader) ReadFrame() (*Frame, error) {
	if fr.err != nil {
		return nil, fr.err
	}

	for {
		frame, n, err := fr.dec.Decode(fr.buf[fr.off:])
		if err == nil {
			fr.off += n
			if fr.off == len(fr.buf) {
				fr.buf = fr.buf[:0]
				fr.off = 0
			}
			return frame, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			fr.err = err
			return nil, err
		}

		if err := fr.fill(); err != nil {
			if errors.Is(err, io.EOF) && len(fr.buf) > fr.off {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
}

// fill compacts the buffer and reads at least one more byte.
func (fr *FrameReader) fill() error {
	if fr.off > 0 {
		n := copy(fr.buf, fr.buf[fr.off:])
		fr.buf = fr.buf[:n]
		fr.off = 0
	}
	if cap(fr.buf)-len(fr.buf) < readChunkSize {
		grown := make([]byte, len(fr.buf), 2*cap(fr.buf)+readChunkSize)
		copy(grown, fr.buf)
		fr.buf = grown
	}

	n, err := fr.r.Read(fr.buf[len(fr.buf):cap(fr.buf)])
	fr.buf = fr.buf[:len(fr.buf)+n]
	if n > 0 {
		return nil
	}
	if err == nil {
		err = io.ErrNoProgress
	}
	return err
}

// ReadMessage reads a complete message, handling fragmentation. Control
// frames are returned as soon as they arrive, even between fragments.
func (fr *FrameReader) ReadMessage() (Message, error) {
	for {
		frame, err := fr.ReadFrame()
		if err != nil {
			return Message{}, err
		}
		msg, done, err := fr.asm.Push(frame)
		if err != nil {
			fr.err = err
			return Message{}, err
		}
		if done {
			return msg, nil
		}
	}
}
