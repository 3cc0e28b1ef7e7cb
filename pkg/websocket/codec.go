package websocket

import (
	"crypto/rand"
	"encoding/binary"
)

// Role identifies which end of a connection a codec works for. It decides the
// masking rule: frames travelling client to server are masked, frames
// travelling server to client are not.
type Role uint8

const (
	// RoleServer decodes masked frames and encodes unmasked ones.
	RoleServer Role = iota
	// RoleClient decodes unmasked frames and encodes masked ones.
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "server"
}

// masksOutbound reports whether frames written by this role must be masked.
func (r Role) masksOutbound() bool { return r == RoleClient }

// Decoder parses frames out of a byte buffer. It holds no stream state, so the
// same bytes produce the same frames no matter how they were chunked: the
// caller keeps unconsumed bytes and calls Decode again once more arrive.
type Decoder struct {
	role       Role
	maxPayload int
}

// NewDecoder creates a decoder for the given role. maxPayload <= 0 selects
// DefaultMaxPayloadSize.
func NewDecoder(role Role, maxPayload int) *Decoder {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadSize
	}
	return &Decoder{role: role, maxPayload: maxPayload}
}

// Decode parses one frame from the front of buf. It returns the frame and the
// number of bytes it occupied, ErrNeedMoreData when buf holds only a prefix of
// a frame, or a *ProtocolError when the bytes violate RFC 6455. Violations are
// reported as soon as the offending header bytes are present.
func (d *Decoder) Decode(buf []byte) (*Frame, int, error) {
	if len(buf) < 2 {
		return nil, 0, ErrNeedMoreData
	}

	frame := &Frame{
		Fin:    buf[0]&0x80 != 0,
		RSV1:   buf[0]&0x40 != 0,
		RSV2:   buf[0]&0x20 != 0,
		RSV3:   buf[0]&0x10 != 0,
		Opcode: Opcode(buf[0] & 0x0F),
		Masked: buf[1]&0x80 != 0,
	}
	length7 := int(buf[1] & 0x7F)

	// Header-level checks, before any payload is buffered.
	if err := frame.Validate(); err != nil {
		return nil, 0, protocolError(err)
	}
	if frame.Opcode.IsControl() && length7 > MaxControlPayloadSize {
		return nil, 0, protocolError(&FrameError{Err: ErrControlFrameTooLong, Opcode: frame.Opcode})
	}
	if wantMasked := d.role == RoleServer; frame.Masked != wantMasked {
		return nil, 0, protocolError(&FrameError{Err: ErrInvalidMask, Opcode: frame.Opcode})
	}

	header := 2
	switch length7 {
	case 126:
		header += 2
	case 127:
		header += 8
	}
	if frame.Masked {
		header += 4
	}
	if len(buf) < header {
		return nil, 0, ErrNeedMoreData
	}

	var payloadLen uint64
	pos := 2
	switch length7 {
	case 126:
		payloadLen = uint64(binary.BigEndian.Uint16(buf[pos:]))
		pos += 2
		if payloadLen < 126 {
			return nil, 0, protocolError(&FrameError{Err: ErrInvalidFrame, Opcode: frame.Opcode})
		}
	case 127:
		payloadLen = binary.BigEndian.Uint64(buf[pos:])
		pos += 8
		if payloadLen>>63 != 0 || payloadLen <= 0xFFFF {
			return nil, 0, protocolError(&FrameError{Err: ErrInvalidFrame, Opcode: frame.Opcode})
		}
	default:
		payloadLen = uint64(length7)
	}

	if payloadLen > uint64(d.maxPayload) {
		return nil, 0, protocolError(&FrameError{Err: ErrFrameTooLarge, Opcode: frame.Opcode})
	}

	if frame.Masked {
		copy(frame.Mask[:], buf[pos:pos+4])
		pos += 4
	}

	total := pos + int(payloadLen)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}

	if payloadLen > 0 {
		frame.Payload = make([]byte, payloadLen)
		copy(frame.Payload, buf[pos:total])
		if frame.Masked {
			maskBytes(frame.Mask, frame.Payload)
		}
	}

	return frame, total, nil
}

// EncodeFrame encodes a single final frame. When mask is true a random key is
// drawn and the payload is masked on the copy; payload itself is not modified.
func EncodeFrame(opcode Opcode, payload []byte, mask bool) []byte {
	return encodeFrame(&Frame{Fin: true, Opcode: opcode, Payload: payload}, mask)
}

// encodeFrame serialises f. The caller validates f beforehand.
func encodeFrame(f *Frame, mask bool) []byte {
	payloadLen := len(f.Payload)

	headerSize := 2
	if payloadLen > 0xFFFF {
		headerSize += 8
	} else if payloadLen > 125 {
		headerSize += 2
	}
	if mask {
		headerSize += 4
	}

	buf := make([]byte, headerSize+payloadLen)

	if f.Fin {
		buf[0] |= 0x80
	}
	if f.RSV1 {
		buf[0] |= 0x40
	}
	if f.RSV2 {
		buf[0] |= 0x20
	}
	if f.RSV3 {
		buf[0] |= 0x10
	}
	buf[0] |= byte(f.Opcode & 0x0F)

	pos := 1
	if mask {
		buf[pos] = 0x80
	}
	switch {
	case payloadLen <= 125:
		buf[pos] |= byte(payloadLen)
		pos++
	case payloadLen <= 0xFFFF:
		buf[pos] |= 126
		pos++
		binary.BigEndian.PutUint16(buf[pos:], uint16(payloadLen))
		pos += 2
	default:
		buf[pos] |= 127
		pos++
		binary.BigEndian.PutUint64(buf[pos:], uint64(payloadLen))
		pos += 8
	}

	copy(buf[pos+boolToInt(mask)*4:], f.Payload)
	if mask {
		var key [4]byte
		if _, err := rand.Read(key[:]); err != nil {
			panic("websocket: crypto/rand failed: " + err.Error())
		}
		copy(buf[pos:pos+4], key[:])
		maskBytes(key, buf[pos+4:])
	}

	return buf
}

// maskBytes XORs b in place with the masking key.
func maskBytes(key [4]byte, b []byte) {
	for i := range b {
		b[i] ^= key[i&3]
	}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
