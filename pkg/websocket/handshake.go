package websocket

import (
	"bufio"
	"crypto/rand"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// Handshake errors.
var (
	ErrNotWebSocketRequest = errors.New("not a WebSocket request")
	ErrMissingUpgrade      = errors.New("missing Upgrade header")
	ErrMissingConnection   = errors.New("missing Connection: Upgrade header")
	ErrMissingSecKey       = errors.New("missing Sec-WebSocket-Key header")
	ErrInvalidSecKey       = errors.New("invalid Sec-WebSocket-Key header")
	ErrInvalidSecVersion   = errors.New("invalid Sec-WebSocket-Version")
	ErrOriginNotAllowed    = errors.New("origin not allowed")
	ErrHandshakeTimeout    = errors.New("handshake timed out")
	ErrMissingSecAccept    = errors.New("missing Sec-WebSocket-Accept header")
	ErrSecAcceptMismatch   = errors.New("Sec-WebSocket-Accept mismatch")
	ErrNotHijacker         = errors.New("http.ResponseWriter does not support Hijacker")
)

// WebSocket GUID as defined in RFC 6455.
const webSocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// supportedVersion is the only protocol version accepted.
const supportedVersion = "13"

// HandshakeError represents a handshake error. Status is the HTTP status the
// server answered with, or the one it received when dialing.
type HandshakeError struct {
	Err    error
	Status int
}

func (e *HandshakeError) Error() string {
	return e.Err.Error()
}

func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// Reason returns a short label for the failure, suitable for metrics.
func (e *HandshakeError) Reason() string {
	switch {
	case errors.Is(e.Err, ErrNotWebSocketRequest):
		return "method"
	case errors.Is(e.Err, ErrMissingUpgrade):
		return "upgrade"
	case errors.Is(e.Err, ErrMissingConnection):
		return "connection"
	case errors.Is(e.Err, ErrMissingSecKey), errors.Is(e.Err, ErrInvalidSecKey):
		return "key"
	case errors.Is(e.Err, ErrInvalidSecVersion):
		return "version"
	case errors.Is(e.Err, ErrOriginNotAllowed):
		return "origin"
	case errors.Is(e.Err, ErrHandshakeTimeout):
		return "timeout"
	case errors.Is(e.Err, ErrMissingSecAccept), errors.Is(e.Err, ErrSecAcceptMismatch):
		return "accept"
	default:
		return "malformed"
	}
}

// Negotiator performs the server side of the opening handshake and turns
// accepted sockets into Conns in frame mode.
type Negotiator struct {
	// HandshakeTimeout bounds reading the request and writing the response.
	HandshakeTimeout time.Duration
	// CheckOrigin returns true if the origin is allowed. Nil allows all.
	CheckOrigin func(r *http.Request) bool
	// Conn configures connections created by the negotiator.
	Conn ConnConfig
}

// NewNegotiator creates a Negotiator with default settings.
func NewNegotiator() *Negotiator {
	return &Negotiator{
		HandshakeTimeout: 10 * time.Second,
		Conn:             DefaultConnConfig(),
	}
}

// Upgrade answers an HTTP upgrade request from an http.Handler. On failure a
// plain HTTP error has already been written and the returned error is a
// *HandshakeError.
func (n *Negotiator) Upgrade(w http.ResponseWriter, r *http.Request, id string) (*Conn, error) {
	if err := n.validateRequest(r); err != nil {
		var he *HandshakeError
		if errors.As(err, &he) && errors.Is(he.Err, ErrInvalidSecVersion) {
			w.Header().Set("Sec-WebSocket-Version", supportedVersion)
		}
		http.Error(w, err.Error(), he.Status)
		return nil, err
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, ErrNotHijacker.Error(), http.StatusInternalServerError)
		return nil, &HandshakeError{Err: ErrNotHijacker, Status: http.StatusInternalServerError}
	}

	nc, brw, err := hijacker.Hijack()
	if err != nil {
		return nil, fmt.Errorf("failed to hijack connection: %w", err)
	}

	return n.accept(nc, brw.Reader, r, id)
}

// Negotiate reads the upgrade request directly from a raw socket. It is used
// when the gateway owns the listener instead of net/http. A client that does
// not complete its request within HandshakeTimeout is disconnected.
func (n *Negotiator) Negotiate(nc net.Conn, id string) (*Conn, error) {
	if n.HandshakeTimeout > 0 {
		_ = nc.SetReadDeadline(time.Now().Add(n.HandshakeTimeout))
	}

	br := bufio.NewReader(nc)
	r, err := http.ReadRequest(br)
	if err != nil {
		nc.Close()
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, &HandshakeError{Err: ErrHandshakeTimeout, Status: http.StatusRequestTimeout}
		}
		return nil, &HandshakeError{Err: fmt.Errorf("%w: %v", ErrNotWebSocketRequest, err), Status: http.StatusBadRequest}
	}

	if err := n.validateRequest(r); err != nil {
		var he *HandshakeError
		errors.As(err, &he)
		writeHTTPError(nc, he, n.HandshakeTimeout)
		nc.Close()
		return nil, err
	}

	return n.accept(nc, br, r, id)
}

// accept writes the 101 response and opens the connection.
func (n *Negotiator) accept(nc net.Conn, br *bufio.Reader, r *http.Request, id string) (*Conn, error) {
	if n.HandshakeTimeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(n.HandshakeTimeout))
	}

	resp := buildUpgradeResponse(generateAcceptKey(r.Header.Get("Sec-WebSocket-Key")))
	if _, err := io.WriteString(nc, resp); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to write upgrade response: %w", err)
	}

	_ = nc.SetDeadline(time.Time{})

	c := newConn(id, nc, br, RoleServer, n.Conn)
	c.open()
	return c, nil
}

// validateRequest validates the WebSocket upgrade request.
func (n *Negotiator) validateRequest(r *http.Request) error {
	if r.Method != http.MethodGet {
		return &HandshakeError{Err: ErrNotWebSocketRequest, Status: http.StatusMethodNotAllowed}
	}

	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return &HandshakeError{Err: ErrMissingUpgrade, Status: http.StatusBadRequest}
	}

	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return &HandshakeError{Err: ErrMissingConnection, Status: http.StatusBadRequest}
	}

	if r.Header.Get("Sec-WebSocket-Version") != supportedVersion {
		return &HandshakeError{Err: ErrInvalidSecVersion, Status: http.StatusUpgradeRequired}
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return &HandshakeError{Err: ErrMissingSecKey, Status: http.StatusBadRequest}
	}
	if decoded, err := base64.StdEncoding.DecodeString(key); err != nil || len(decoded) != 16 {
		return &HandshakeError{Err: ErrInvalidSecKey, Status: http.StatusBadRequest}
	}

	if n.CheckOrigin != nil && !n.CheckOrigin(r) {
		return &HandshakeError{Err: ErrOriginNotAllowed, Status: http.StatusForbidden}
	}

	return nil
}

// headerContainsToken reports whether a comma separated header holds token,
// compared case-insensitively.
func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, t := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(t), token) {
				return true
			}
		}
	}
	return false
}

// writeHTTPError answers a rejected raw handshake with a plain HTTP response.
func writeHTTPError(nc net.Conn, he *HandshakeError, timeout time.Duration) {
	if timeout > 0 {
		_ = nc.SetWriteDeadline(time.Now().Add(timeout))
	}

	var sb strings.Builder
	body := he.Err.Error() + "\n"
	fmt.Fprintf(&sb, "HTTP/1.1 %d %s\r\n", he.Status, http.StatusText(he.Status))
	if errors.Is(he.Err, ErrInvalidSecVersion) {
		fmt.Fprintf(&sb, "Sec-WebSocket-Version: %s\r\n", supportedVersion)
	}
	sb.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	fmt.Fprintf(&sb, "Content-Length: %d\r\n", len(body))
	sb.WriteString("Connection: close\r\n\r\n")
	sb.WriteString(body)

	_, _ = io.WriteString(nc, sb.String())
}

// generateAcceptKey generates the Sec-WebSocket-Accept key per RFC 6455.
func generateAcceptKey(secKey string) string {
	hash := sha1.Sum([]byte(secKey + webSocketGUID))
	return base64.StdEncoding.EncodeToString(hash[:])
}

// buildUpgradeResponse builds the WebSocket upgrade response.
func buildUpgradeResponse(acceptKey string) string {
	var sb strings.Builder

	sb.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	sb.WriteString("Upgrade: websocket\r\n")
	sb.WriteString("Connection: Upgrade\r\n")
	fmt.Fprintf(&sb, "Sec-WebSocket-Accept: %s\r\n", acceptKey)
	sb.WriteString("\r\n")

	return sb.String()
}

// GenerateSecKey generates a valid Sec-WebSocket-Key.
func GenerateSecKey() (string, error) {
	data := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, data); err != nil {
		return "", err
	}

	return base64.StdEncoding.EncodeToString(data), nil
}

// VerifyAcceptKey verifies that the accept key is correct for the given request key.
func VerifyAcceptKey(requestKey, expectedAccept string) bool {
	return generateAcceptKey(requestKey) == expectedAccept
}
