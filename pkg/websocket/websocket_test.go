package websocket

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"testing"
)

// TestOpcode tests opcode validation.
func TestOpcode(t *testing.T) {
	tests := []struct {
		name     string
		opcode   Opcode
		wantVal  bool
		wantCtrl bool
		wantData bool
	}{
		{"Continuation", OpcodeContinuation, true, false, true},
		{"Text", OpcodeText, true, false, true},
		{"Binary", OpcodeBinary, true, false, true},
		{"Close", OpcodeClose, true, true, false},
		{"Ping", OpcodePing, true, true, false},
		{"Pong", OpcodePong, true, true, false},
		{"Reserved data", Opcode(0x3), false, false, false},
		{"Reserved control", Opcode(0xB), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.opcode.IsValid(); got != tt.wantVal {
				t.Errorf("Opcode.IsValid() = %v, want %v", got, tt.wantVal)
			}
			if got := tt.opcode.IsControl(); got != tt.wantCtrl {
				t.Errorf("Opcode.IsControl() = %v, want %v", got, tt.wantCtrl)
			}
			if got := tt.opcode.IsData(); got != tt.wantData {
				t.Errorf("Opcode.IsData() = %v, want %v", got, tt.wantData)
			}
		})
	}
}

// TestFrameValidation tests frame validation.
func TestFrameValidation(t *testing.T) {
	tests := []struct {
		name    string
		frame   *Frame
		wantErr error
	}{
		{
			name:  "Valid text frame",
			frame: &Frame{Fin: true, Opcode: OpcodeText, Payload: []byte("hello")},
		},
		{
			name:    "Invalid opcode",
			frame:   &Frame{Fin: true, Opcode: Opcode(0x7), Payload: []byte("test")},
			wantErr: ErrInvalidOpcode,
		},
		{
			name:    "Control frame fragmented",
			frame:   &Frame{Fin: false, Opcode: OpcodeClose},
			wantErr: ErrFragmentedControl,
		},
		{
			name:    "Control frame too long",
			frame:   &Frame{Fin: true, Opcode: OpcodePing, Payload: make([]byte, 126)},
			wantErr: ErrControlFrameTooLong,
		},
		{
			name:  "Control frame at limit",
			frame: &Frame{Fin: true, Opcode: OpcodePing, Payload: make([]byte, 125)},
		},
		{
			name:    "Reserved bits set",
			frame:   &Frame{Fin: true, RSV1: true, Opcode: OpcodeText, Payload: []byte("test")},
			wantErr: ErrReservedBitsSet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr == nil && err != nil {
				t.Errorf("Frame.Validate() error = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Frame.Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestEncodeFrameBytes checks the exact wire format of unmasked frames.
func TestEncodeFrameBytes(t *testing.T) {
	tests := []struct {
		name    string
		opcode  Opcode
		payload []byte
		want    []byte
	}{
		{"Hello", OpcodeText, []byte("Hello"), []byte{0x81, 0x05, 'H', 'e', 'l', 'l', 'o'}},
		{"Empty ping", OpcodePing, nil, []byte{0x89, 0x00}},
		{"Close 1000", OpcodeClose, []byte{0x03, 0xE8}, []byte{0x88, 0x02, 0x03, 0xE8}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := EncodeFrame(tt.opcode, tt.payload, false)
			if !bytes.Equal(got, tt.want) {
				t.Errorf("EncodeFrame() = %x, want %x", got, tt.want)
			}
		})
	}
}

// TestEncodeFrameLengths covers the three payload length encodings.
func TestEncodeFrameLengths(t *testing.T) {
	tests := []struct {
		name       string
		size       int
		wantLen7   byte
		wantHeader int
	}{
		{"125 bytes", 125, 125, 2},
		{"126 bytes", 126, 126, 4},
		{"65535 bytes", 65535, 126, 4},
		{"65536 bytes", 65536, 127, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := EncodeFrame(OpcodeBinary, make([]byte, tt.size), false)
			if got := b[1] & 0x7F; got != tt.wantLen7 {
				t.Errorf("length7 = %d, want %d", got, tt.wantLen7)
			}
			if got := len(b) - tt.size; got != tt.wantHeader {
				t.Errorf("header size = %d, want %d", got, tt.wantHeader)
			}

			dec := NewDecoder(RoleClient, 1<<20)
			f, n, err := dec.Decode(b)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(b) || len(f.Payload) != tt.size {
				t.Errorf("Decode() consumed %d payload %d, want %d payload %d", n, len(f.Payload), len(b), tt.size)
			}
		})
	}
}

// TestFrameRoundTrip tests frame encoding and decoding round-trip for both roles.
func TestFrameRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		opcode  Opcode
		payload []byte
	}{
		{"Text message", OpcodeText, []byte("Hello, World!")},
		{"Binary message", OpcodeBinary, []byte{0x00, 0x01, 0x02, 0x03}},
		{"Empty text", OpcodeText, []byte{}},
		{"Ping frame", OpcodePing, []byte("ping")},
		{"Pong frame", OpcodePong, []byte("pong")},
		{"Close frame", OpcodeClose, []byte{0x03, 0xE8}},
	}

	for _, tt := range tests {
		for _, role := range []Role{RoleServer, RoleClient} {
			t.Run(tt.name+"/"+role.String(), func(t *testing.T) {
				// A writer for the opposite role produces what this role reads.
				writerRole := RoleClient
				if role == RoleClient {
					writerRole = RoleServer
				}

				var buf bytes.Buffer
				if err := NewFrameWriter(&buf, writerRole).WriteFrame(NewFrame(tt.opcode, tt.payload, true)); err != nil {
					t.Fatalf("WriteFrame() error = %v", err)
				}

				decoded, err := NewFrameReader(&buf, role, 0).ReadFrame()
				if err != nil {
					t.Fatalf("ReadFrame() error = %v", err)
				}

				if !decoded.Fin {
					t.Errorf("Fin = false, want true")
				}
				if decoded.Opcode != tt.opcode {
					t.Errorf("Opcode = %v, want %v", decoded.Opcode, tt.opcode)
				}
				if !bytes.Equal(decoded.Payload, tt.payload) {
					t.Errorf("Payload = %v, want %v", decoded.Payload, tt.payload)
				}
			})
		}
	}
}

// TestMaskingLeavesPayloadUntouched ensures masking works on a copy.
func TestMaskingLeavesPayloadUntouched(t *testing.T) {
	payload := []byte("do not modify")
	orig := append([]byte(nil), payload...)

	b := EncodeFrame(OpcodeText, payload, true)
	if !bytes.Equal(payload, orig) {
		t.Fatalf("payload modified to %q", payload)
	}
	if b[1]&0x80 == 0 {
		t.Error("mask bit not set")
	}
}

// TestDecodeChunked feeds a stream of frames to the decoder in random chunks
// and expects the same frames as a single-shot decode.
func TestDecodeChunked(t *testing.T) {
	var stream []byte
	var want [][]byte
	for i := 0; i < 20; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, i*37)
		want = append(want, payload)
		stream = append(stream, EncodeFrame(OpcodeBinary, payload, true)...)
	}

	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 50; trial++ {
		dec := NewDecoder(RoleServer, 0)
		var pending []byte
		var got [][]byte

		for pos := 0; pos < len(stream); {
			n := 1 + rng.Intn(17)
			if pos+n > len(stream) {
				n = len(stream) - pos
			}
			pending = append(pending, stream[pos:pos+n]...)
			pos += n

			for {
				f, used, err := dec.Decode(pending)
				if errors.Is(err, ErrNeedMoreData) {
					break
				}
				if err != nil {
					t.Fatalf("trial %d: Decode() error = %v", trial, err)
				}
				got = append(got, f.Payload)
				pending = pending[used:]
			}
		}

		if len(got) != len(want) {
			t.Fatalf("trial %d: decoded %d frames, want %d", trial, len(got), len(want))
		}
		for i := range want {
			if !bytes.Equal(got[i], want[i]) {
				t.Fatalf("trial %d: frame %d mismatch", trial, i)
			}
		}
		if len(pending) != 0 {
			t.Fatalf("trial %d: %d bytes left over", trial, len(pending))
		}
	}
}

// TestDecodeViolations checks that malformed headers map to the right close code.
func TestDecodeViolations(t *testing.T) {
	masked := func(b0, b1 byte, rest ...byte) []byte {
		return append([]byte{b0, b1 | 0x80, 1, 2, 3, 4}, rest...)
	}

	key := []byte{1, 2, 3, 4}
	long126 := append([]byte{0x82, 0x80 | 126, 0x00, 0x10}, key...)
	long127 := append([]byte{0x82, 0x80 | 127, 0, 0, 0, 0, 0, 0, 0x01, 0x00}, key...)
	msb127 := append([]byte{0x82, 0x80 | 127, 0x80, 0, 0, 0, 0, 1, 0, 0}, key...)
	tooLarge := append([]byte{0x82, 0x80 | 126, 0xFF, 0xFF}, key...)

	tests := []struct {
		name     string
		role     Role
		input    []byte
		wantCode CloseCode
		wantErr  error
	}{
		{"Unmasked frame to server", RoleServer, []byte{0x81, 0x01, 'x'}, CloseProtocolError, ErrInvalidMask},
		{"Masked frame to client", RoleClient, masked(0x81, 0x01, 'x'), CloseProtocolError, ErrInvalidMask},
		{"RSV1 set", RoleServer, masked(0xC1, 0x01, 'x'), CloseProtocolError, ErrReservedBitsSet},
		{"Unknown opcode", RoleServer, masked(0x83, 0x00), CloseProtocolError, ErrInvalidOpcode},
		{"Fragmented ping", RoleServer, masked(0x09, 0x00), CloseProtocolError, ErrFragmentedControl},
		{"Control frame 126 bytes", RoleServer, []byte{0x89, 0x80 | 126, 0x00, 0x7E}, CloseProtocolError, ErrControlFrameTooLong},
		{"Non-minimal 16-bit length", RoleServer, long126, CloseProtocolError, ErrInvalidFrame},
		{"Non-minimal 64-bit length", RoleServer, long127, CloseProtocolError, ErrInvalidFrame},
		{"64-bit length MSB set", RoleServer, msb127, CloseProtocolError, ErrInvalidFrame},
		{"Too large", RoleServer, tooLarge, CloseMessageTooBig, ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := NewDecoder(tt.role, 1024)
			_, _, err := dec.Decode(tt.input)

			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Decode() error = %v, want *ProtocolError", err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", pe.Code, tt.wantCode)
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Decode() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// TestDecodeNeedMoreData checks that every strict prefix of a frame asks for more.
func TestDecodeNeedMoreData(t *testing.T) {
	frame := EncodeFrame(OpcodeText, []byte(strings.Repeat("x", 300)), true)
	dec := NewDecoder(RoleServer, 0)

	for i := 0; i < len(frame); i++ {
		if _, _, err := dec.Decode(frame[:i]); !errors.Is(err, ErrNeedMoreData) {
			t.Fatalf("Decode(prefix %d) error = %v, want ErrNeedMoreData", i, err)
		}
	}
	if _, n, err := dec.Decode(frame); err != nil || n != len(frame) {
		t.Fatalf("Decode(full) = %d, %v", n, err)
	}
}

// TestAssembler tests fragment reassembly.
func TestAssembler(t *testing.T) {
	t.Run("Fragmented text with ping in between", func(t *testing.T) {
		a := NewAssembler(0)
		frames := []*Frame{
			{Fin: false, Opcode: OpcodeText, Payload: []byte("Hel")},
			{Fin: true, Opcode: OpcodePing, Payload: []byte("p")},
			{Fin: false, Opcode: OpcodeContinuation, Payload: []byte("lo, ")},
			{Fin: true, Opcode: OpcodeContinuation, Payload: []byte("World")},
		}

		var got []Message
		for _, f := range frames {
			msg, done, err := a.Push(f)
			if err != nil {
				t.Fatalf("Push() error = %v", err)
			}
			if done {
				got = append(got, msg)
			}
		}

		if len(got) != 2 {
			t.Fatalf("got %d messages, want 2", len(got))
		}
		if got[0].Opcode != OpcodePing {
			t.Errorf("first message = %v, want PING", got[0].Opcode)
		}
		if got[1].Opcode != OpcodeText || string(got[1].Payload) != "Hello, World" {
			t.Errorf("second message = %v %q, want TEXT %q", got[1].Opcode, got[1].Payload, "Hello, World")
		}
		if a.InProgress() {
			t.Error("InProgress() = true after final fragment")
		}
	})

	tests := []struct {
		name     string
		frames   []*Frame
		wantCode CloseCode
	}{
		{
			name:     "Continuation without start",
			frames:   []*Frame{{Fin: true, Opcode: OpcodeContinuation}},
			wantCode: CloseProtocolError,
		},
		{
			name: "Interleaved data frame",
			frames: []*Frame{
				{Fin: false, Opcode: OpcodeText, Payload: []byte("a")},
				{Fin: true, Opcode: OpcodeBinary, Payload: []byte("b")},
			},
			wantCode: CloseProtocolError,
		},
		{
			name:     "Invalid UTF-8",
			frames:   []*Frame{{Fin: true, Opcode: OpcodeText, Payload: []byte{0xFF, 0xFE}}},
			wantCode: CloseInvalidPayload,
		},
		{
			name: "Invalid UTF-8 across fragments",
			frames: []*Frame{
				{Fin: false, Opcode: OpcodeText, Payload: []byte{0xE2, 0x82}},
				{Fin: true, Opcode: OpcodeContinuation, Payload: []byte{0x41}},
			},
			wantCode: CloseInvalidPayload,
		},
		{
			name: "Message too large",
			frames: []*Frame{
				{Fin: false, Opcode: OpcodeBinary, Payload: make([]byte, 6)},
				{Fin: true, Opcode: OpcodeContinuation, Payload: make([]byte, 6)},
			},
			wantCode: CloseMessageTooBig,
		},
		{
			name:     "Close with one byte payload",
			frames:   []*Frame{{Fin: true, Opcode: OpcodeClose, Payload: []byte{0x03}}},
			wantCode: CloseProtocolError,
		},
		{
			name:     "Close with reserved code",
			frames:   []*Frame{{Fin: true, Opcode: OpcodeClose, Payload: []byte{0x03, 0xED}}},
			wantCode: CloseProtocolError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := NewAssembler(10)
			var err error
			for _, f := range tt.frames {
				if _, _, err = a.Push(f); err != nil {
					break
				}
			}

			var pe *ProtocolError
			if !errors.As(err, &pe) {
				t.Fatalf("Push() error = %v, want *ProtocolError", err)
			}
			if pe.Code != tt.wantCode {
				t.Errorf("Code = %d, want %d", pe.Code, tt.wantCode)
			}
		})
	}
}

// TestFrameReaderMessages reads a fragmented message through a reader that
// returns one byte at a time.
func TestFrameReaderMessages(t *testing.T) {
	var buf bytes.Buffer
	fw := NewFrameWriter(&buf, RoleClient)
	if err := fw.WriteMessage(OpcodeText, []byte("fragmented telemetry payload"), 5); err != nil {
		t.Fatalf("WriteMessage() error = %v", err)
	}
	if err := fw.WriteClose(CloseNormal, "bye"); err != nil {
		t.Fatalf("WriteClose() error = %v", err)
	}

	fr := NewFrameReader(&oneByteReader{r: &buf}, RoleServer, 0)

	msg, err := fr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if string(msg.Payload) != "fragmented telemetry payload" {
		t.Errorf("Payload = %q", msg.Payload)
	}

	msg, err = fr.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	if msg.Opcode != OpcodeClose || CloseCodeOf(msg.Payload) != CloseNormal || CloseReason(msg.Payload) != "bye" {
		t.Errorf("close message = %v %d %q", msg.Opcode, CloseCodeOf(msg.Payload), CloseReason(msg.Payload))
	}

	if _, err := fr.ReadMessage(); !errors.Is(err, io.EOF) {
		t.Errorf("ReadMessage() at end error = %v, want io.EOF", err)
	}
}

// TestFrameReaderTruncated reports a frame cut off by EOF.
func TestFrameReaderTruncated(t *testing.T) {
	frame := EncodeFrame(OpcodeText, []byte("truncated"), true)
	fr := NewFrameReader(bytes.NewReader(frame[:len(frame)-2]), RoleServer, 0)

	if _, err := fr.ReadFrame(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("ReadFrame() error = %v, want io.ErrUnexpectedEOF", err)
	}
}

// TestFrameReaderStickyError keeps returning a protocol error.
func TestFrameReaderStickyError(t *testing.T) {
	stream := append([]byte{0x81, 0x01, 'x'}, EncodeFrame(OpcodeText, []byte("ok"), true)...)
	fr := NewFrameReader(bytes.NewReader(stream), RoleServer, 0)

	_, err1 := fr.ReadFrame()
	_, err2 := fr.ReadFrame()
	if err1 == nil || err1 != err2 {
		t.Errorf("ReadFrame() errors = %v, %v, want the same protocol error", err1, err2)
	}
}

// TestClosePayload tests close payload helpers.
func TestClosePayload(t *testing.T) {
	p := FormatClosePayload(CloseGoingAway, "shutting down")
	if got := binary.BigEndian.Uint16(p); got != 1001 {
		t.Errorf("code = %d, want 1001", got)
	}
	if CloseReason(p) != "shutting down" {
		t.Errorf("CloseReason() = %q", CloseReason(p))
	}

	if p := FormatClosePayload(CloseAbnormal, "x"); p != nil {
		t.Errorf("FormatClosePayload(1006) = %v, want nil", p)
	}

	long := FormatClosePayload(CloseNormal, strings.Repeat("é", 100))
	if len(long) > MaxControlPayloadSize {
		t.Errorf("payload length = %d, want <= %d", len(long), MaxControlPayloadSize)
	}
	if err := validateClosePayload(long); err != nil {
		t.Errorf("truncated payload invalid: %v", err)
	}

	if CloseCodeOf(nil) != CloseNoStatus {
		t.Errorf("CloseCodeOf(nil) = %d, want %d", CloseCodeOf(nil), CloseNoStatus)
	}

	var err error = &CloseError{Code: CloseNormal}
	if !errors.Is(err, ErrConnectionClosed) {
		t.Error("CloseError should match ErrConnectionClosed")
	}
}

// TestHandshakeKeyGeneration tests Sec-WebSocket-Key generation.
func TestHandshakeKeyGeneration(t *testing.T) {
	key, err := GenerateSecKey()
	if err != nil {
		t.Fatalf("GenerateSecKey() error = %v", err)
	}

	if len(key) != 24 {
		t.Errorf("Key length = %d, want 24", len(key))
	}
}

// TestAcceptKeyGeneration tests Sec-WebSocket-Accept key generation.
func TestAcceptKeyGeneration(t *testing.T) {
	requestKey := "dGhlIHNhbXBsZSBub25jZQ=="
	expectedAccept := "s3pPLMBiTxaQ9kYGzzhZRbK+xOo="

	if acceptKey := generateAcceptKey(requestKey); acceptKey != expectedAccept {
		t.Errorf("generateAcceptKey() = %v, want %v", acceptKey, expectedAccept)
	}

	if !VerifyAcceptKey(requestKey, expectedAccept) {
		t.Error("VerifyAcceptKey() = false, want true")
	}
	if VerifyAcceptKey(requestKey, "wrong-key") {
		t.Error("VerifyAcceptKey() = true, want false")
	}
}

// TestNegotiatorValidation tests HTTP upgrade request validation.
func TestNegotiatorValidation(t *testing.T) {
	n := NewNegotiator()
	n.CheckOrigin = func(r *http.Request) bool {
		return r.Header.Get("Origin") != "https://evil.example"
	}

	valid := func() http.Header {
		return http.Header{
			"Upgrade":               []string{"websocket"},
			"Connection":            []string{"keep-alive, Upgrade"},
			"Sec-Websocket-Version": []string{"13"},
			"Sec-Websocket-Key":     []string{"dGhlIHNhbXBsZSBub25jZQ=="},
		}
	}
	with := func(key, value string) http.Header {
		h := valid()
		if value == "" {
			h.Del(key)
		} else {
			h.Set(key, value)
		}
		return h
	}

	tests := []struct {
		name       string
		method     string
		header     http.Header
		wantStatus int
		wantReason string
	}{
		{"Valid request", http.MethodGet, valid(), 0, ""},
		{"Invalid method", http.MethodPost, valid(), http.StatusMethodNotAllowed, "method"},
		{"Missing upgrade header", http.MethodGet, with("Upgrade", ""), http.StatusBadRequest, "upgrade"},
		{"Missing connection token", http.MethodGet, with("Connection", "keep-alive"), http.StatusBadRequest, "connection"},
		{"Invalid version", http.MethodGet, with("Sec-WebSocket-Version", "8"), http.StatusUpgradeRequired, "version"},
		{"Missing key", http.MethodGet, with("Sec-WebSocket-Key", ""), http.StatusBadRequest, "key"},
		{"Key not 16 bytes", http.MethodGet, with("Sec-WebSocket-Key", "c2hvcnQ="), http.StatusBadRequest, "key"},
		{"Origin rejected", http.MethodGet, with("Origin", "https://evil.example"), http.StatusForbidden, "origin"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := n.validateRequest(&http.Request{Method: tt.method, Header: tt.header})
			if tt.wantStatus == 0 {
				if err != nil {
					t.Errorf("validateRequest() error = %v, want nil", err)
				}
				return
			}

			var he *HandshakeError
			if !errors.As(err, &he) {
				t.Fatalf("validateRequest() error = %v, want *HandshakeError", err)
			}
			if he.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", he.Status, tt.wantStatus)
			}
			if he.Reason() != tt.wantReason {
				t.Errorf("Reason() = %q, want %q", he.Reason(), tt.wantReason)
			}
		})
	}
}

// oneByteReader returns at most one byte per Read call.
type oneByteReader struct {
	r io.Reader
}

func (o *oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}
