package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"streamgate/internal/logger"
	"streamgate/pkg/protocol"
	"streamgate/pkg/websocket"
)

// ErrInvalidTopic is returned for topic names the gateway would reject.
var ErrInvalidTopic = errors.New("invalid topic")

// Config holds reconnector configuration.
type Config struct {
	// URL is the gateway endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Header is sent with every upgrade request.
	Header http.Header
	// HandshakeTimeout bounds each connection attempt.
	HandshakeTimeout time.Duration
	// InitialDelay is the first reconnect delay.
	InitialDelay time.Duration
	// MaxDelay caps the reconnect delay.
	MaxDelay time.Duration
	// PingInterval is how often an application ping is sent. Zero disables it.
	PingInterval time.Duration
	// Buffer is the capacity of the Messages channel.
	Buffer int
	Logger *zap.Logger
}

// DefaultConfig returns the default configuration for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		HandshakeTimeout: 10 * time.Second,
		InitialDelay:     500 * time.Millisecond,
		MaxDelay:         30 * time.Second,
		PingInterval:     30 * time.Second,
		Buffer:           64,
	}
}

// Reconnector is a self-healing gateway subscription.
type Reconnector struct {
	cfg Config
	log *zap.Logger

	mu sync.Mutex
	// active is the topic set acknowledged on the current or last connection.
	active map[string]struct{}
	// pending holds commands issued while disconnected, in issuance order.
	pending []command
	conn    *websocket.Conn

	messages chan *protocol.Envelope
	connects atomic.Uint64
}

// command is a subscribe or unsubscribe.
type command struct {
	typ   protocol.Type
	topic string
}

func (c command) encode() []byte {
	return protocol.CommandMessage(c.typ, c.topic)
}

// New creates a reconnector. Call Run to connect.
func New(cfg Config) *Reconnector {
	d := DefaultConfig(cfg.URL)
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = d.HandshakeTimeout
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = d.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		cfg.MaxDelay = max(d.MaxDelay, cfg.InitialDelay)
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = d.Buffer
	}

	return &Reconnector{
		cfg:      cfg,
		log:      logger.OrNop(cfg.Logger).Named("client"),
		active:   make(map[string]struct{}),
		messages: make(chan *protocol.Envelope, cfg.Buffer),
	}
}

// Messages delivers topic updates and server replies other than pings. It
// is closed when Run returns.
func (r *Reconnector) Messages() <-chan *protocol.Envelope { return r.messages }

// Connected reports whether a connection is currently open.
func (r *Reconnector) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conn != nil
}

// Connects returns how many connections have been established.
func (r *Reconnector) Connects() uint64 { return r.connects.Load() }

// Subscribe adds topic to the desired set. While disconnected the command is
// deferred until the next connection.
func (r *Reconnector) Subscribe(topic string) error {
	if !protocol.ValidTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return r.send(command{protocol.TypeSubscribe, topic})
}

// Unsubscribe removes topic from the desired set.
func (r *Reconnector) Unsubscribe(topic string) error {
	if !protocol.ValidTopic(topic) {
		return fmt.Errorf("%w: %q", ErrInvalidTopic, topic)
	}
	return r.send(command{protocol.TypeUnsubscribe, topic})
}

// Topics returns the sorted desired topic set, including deferred commands.
func (r *Reconnector) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := make(map[string]struct{}, len(r.active))
	for t := range r.active {
		set[t] = struct{}{}
	}
	for _, cmd := range r.pending {
		apply(set, cmd)
	}

	topics := make([]string, 0, len(set))
	for t := range set {
		topics = append(topics, t)
	}
	sort.Strings(topics)
	return topics
}

func (r *Reconnector) send(cmd command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		if err := r.conn.WriteText(cmd.encode()); err == nil {
			apply(r.active, cmd)
			return nil
		}
	}
	r.pending = append(r.pending, cmd)
	return nil
}

// apply updates a topic set with a subscribe or unsubscribe command.
func apply(set map[string]struct{}, cmd command) {
	switch cmd.typ {
	case protocol.TypeSubscribe:
		set[cmd.topic] = struct{}{}
	case protocol.TypeUnsubscribe:
		delete(set, cmd.topic)
	}
}

// Run connects and keeps reconnecting until ctx is done.
func (r *Reconnector) Run(ctx context.Context) error {
	defer close(r.messages)

	for {
		conn, err := r.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := r.attach(conn); err != nil {
			r.log.Warn("failed to restore subscriptions", zap.Error(err))
			conn.Terminate(websocket.CloseAbnormal, "")
			continue
		}

		err = r.serve(ctx, conn)
		r.detach(conn)

		if ctx.Err() != nil {
			return nil
		}
		r.log.Info("connection lost", zap.Error(err))
	}
}

// dial connects with jittered exponential backoff until it succeeds or ctx
// is done.
func (r *Reconnector) dial(ctx context.Context) (*websocket.Conn, error) {
	return retry.DoWithData(
		func() (*websocket.Conn, error) {
			conn, err := websocket.Dial(ctx, r.cfg.URL, websocket.DialOptions{
				Header:           r.cfg.Header,
				HandshakeTimeout: r.cfg.HandshakeTimeout,
			})
			if errors.Is(err, websocket.ErrBadScheme) {
				return nil, retry.Unrecoverable(err)
			}
			return conn, err
		},
		retry.Context(ctx),
		retry.UntilSucceeded(),
		retry.Delay(r.cfg.InitialDelay),
		retry.MaxDelay(r.cfg.MaxDelay),
		retry.MaxJitter(r.cfg.InitialDelay),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			r.log.Debug("connect failed",
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
}

// attach restores the subscriptions of the previous connection, replays
// deferred commands in order and makes conn current. The lock is held
// throughout so no command can overtake the replay.
func (r *Reconnector) attach(conn *websocket.Conn) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	topics := make([]string, 0, len(r.active))
	for t := range r.active {
		topics = append(topics, t)
	}
	sort.Strings(topics)

	for _, t := range topics {
		if err := conn.WriteText(protocol.CommandMessage(protocol.TypeSubscribe, t)); err != nil {
			return err
		}
	}
	for i, cmd := range r.pending {
		if err := conn.WriteText(cmd.encode()); err != nil {
			r.pending = r.pending[i:]
			return err
		}
		apply(r.active, cmd)
	}
	r.pending = nil
	r.conn = conn
	r.connects.Add(1)

	r.log.Info("connected",
		zap.String("url", r.cfg.URL),
		zap.Strings("topics", topics))
	return nil
}

func (r *Reconnector) detach(conn *websocket.Conn) {
	r.mu.Lock()
	if r.conn == conn {
		r.conn = nil
	}
	r.mu.Unlock()
	conn.Terminate(websocket.CloseAbnormal, "")
}

// serve reads from conn until it fails or ctx is done.
func (r *Reconnector) serve(ctx context.Context, conn *websocket.Conn) error {
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close(websocket.CloseNormal, "client shutdown")
	})
	defer stop()

	if r.cfg.PingInterval > 0 {
		go r.pingLoop(conn)
	}

	for {
		msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msg.Opcode != websocket.OpcodeText {
			continue
		}

		env, err := protocol.Decode(msg.Payload)
		if err != nil {
			r.log.Debug("ignoring malformed message", zap.Error(err))
			continue
		}

		switch env.Type {
		case protocol.TypePing:
			_ = conn.WriteText(protocol.PongMessage())
			continue
		case protocol.TypePong:
			continue
		}

		select {
		case r.messages <- env:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Reconnector) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(r.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-conn.Done():
			return
		case <-ticker.C:
			if err := conn.WriteText(protocol.PingMessage()); err != nil {
				return
			}
		}
	}
}
