package websocket

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// ErrBadScheme is returned by Dial for URLs that are not ws:// or wss://.
var ErrBadScheme = errors.New("websocket: URL scheme must be ws or wss")

// DialOptions configures the client side of a connection.
type DialOptions struct {
	// ID names the connection. Empty generates a random one.
	ID string
	// Header is sent with the upgrade request.
	Header http.Header
	// HandshakeTimeout bounds the TCP connect and the upgrade exchange.
	HandshakeTimeout time.Duration
	// TLSConfig is used for wss:// URLs.
	TLSConfig *tls.Config
	// Conn configures the resulting connection.
	Conn ConnConfig
}

// Dial opens a client connection to rawURL. The returned Conn masks every
// frame it sends and rejects masked frames from the server.
func Dial(ctx context.Context, rawURL string, opts DialOptions) (*Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("websocket: parse url: %w", err)
	}

	var secure bool
	switch u.Scheme {
	case "ws":
	case "wss":
		secure = true
	default:
		return nil, ErrBadScheme
	}

	host := u.Host
	if u.Port() == "" {
		if secure {
			host = net.JoinHostPort(u.Hostname(), "443")
		} else {
			host = net.JoinHostPort(u.Hostname(), "80")
		}
	}

	if opts.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.HandshakeTimeout)
		defer cancel()
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return nil, err
	}

	if secure {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		}
		if cfg.ServerName == "" {
			cfg = cfg.Clone()
			cfg.ServerName = u.Hostname()
		}
		tc := tls.Client(nc, cfg)
		if err := tc.HandshakeContext(ctx); err != nil {
			nc.Close()
			return nil, err
		}
		nc = tc
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	// Unblock the exchange if ctx is cancelled mid-handshake.
	stop := context.AfterFunc(ctx, func() { _ = nc.SetDeadline(time.Now()) })
	defer stop()

	key, err := GenerateSecKey()
	if err != nil {
		nc.Close()
		return nil, err
	}

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        u,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     make(http.Header),
		Host:       u.Host,
	}
	for k, vs := range opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Sec-WebSocket-Key", key)
	req.Header.Set("Sec-WebSocket-Version", supportedVersion)

	if err := req.Write(nc); err != nil {
		nc.Close()
		return nil, fmt.Errorf("websocket: write upgrade request: %w", err)
	}

	br := bufio.NewReader(nc)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("websocket: read upgrade response: %w", err)
	}

	if err := checkUpgradeResponse(resp, key); err != nil {
		nc.Close()
		return nil, err
	}

	_ = nc.SetDeadline(time.Time{})

	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}

	c := newConn(id, nc, br, RoleClient, opts.Conn)
	c.open()
	return c, nil
}

func checkUpgradeResponse(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return &HandshakeError{Err: fmt.Errorf("%w: status %s", ErrNotWebSocketRequest, resp.Status), Status: resp.StatusCode}
	}
	if !headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return &HandshakeError{Err: ErrMissingUpgrade, Status: resp.StatusCode}
	}
	if !headerContainsToken(resp.Header, "Connection", "upgrade") {
		return &HandshakeError{Err: ErrMissingConnection, Status: resp.StatusCode}
	}
	accept := resp.Header.Get("Sec-WebSocket-Accept")
	if accept == "" {
		return &HandshakeError{Err: ErrMissingSecAccept, Status: resp.StatusCode}
	}
	if !VerifyAcceptKey(key, accept) {
		return &HandshakeError{Err: ErrSecAcceptMismatch, Status: resp.StatusCode}
	}
	return nil
}
