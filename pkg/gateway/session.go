package gateway

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"streamgate/pkg/protocol"
	"streamgate/pkg/websocket"
)

// Error texts sent to clients.
const (
	errTextInvalidJSON   = "Invalid JSON"
	errTextTooLarge      = "Message too large"
	errTextRateLimited   = "Rate limit exceeded"
	errTextUnknownStream = "Unknown stream: "
	errTextBinary        = "Binary messages are not supported"
)

// handleWebSocket upgrades the request and runs the connection's command
// loop until it closes.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	id := uuid.NewString()

	conn, err := s.negotiator.Upgrade(w, r, id)
	if err != nil {
		reason := "hijack"
		var he *websocket.HandshakeError
		if errors.As(err, &he) {
			reason = he.Reason()
		}
		s.metrics.HandshakeFailed(reason)
		s.log.Debug("handshake rejected",
			zap.String("remote_addr", r.RemoteAddr),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}

	if err := s.registry.Register(conn); err != nil {
		s.log.Warn("connection refused",
			zap.String("connection_id", id),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		_ = conn.Close(websocket.ClosePolicyViolation, err.Error())
		drain(conn)
		return
	}

	sess := &session{
		srv:     s,
		conn:    conn,
		limiter: rate.NewLimiter(rate.Limit(s.cfg.CommandsPerSecond), s.cfg.CommandBurst),
		log:     s.log.With(zap.String("connection_id", id)),
	}
	sess.run()
}

// drain reads until the connection closes so a close handshake can finish.
func drain(conn *websocket.Conn) {
	for {
		if _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// session is one client's command loop.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	limiter *rate.Limiter
	log     *zap.Logger
}

func (ss *session) run() {
	reg := ss.srv.registry
	defer func() {
		reg.Unregister(ss.conn.ID())
		ss.conn.Terminate(websocket.CloseAbnormal, "")

		code := websocket.CloseAbnormal
		if st := ss.conn.CloseStatus(); st != nil {
			code = st.Code
		}
		ss.log.Info("connection closed", zap.Stringer("close_code", code))
	}()

	ss.log.Info("connection opened", zap.String("remote_addr", ss.conn.RemoteAddr().String()))
	ss.reply(protocol.WelcomeMessage(ss.srv.cfg.Welcome, ss.srv.topics.Topics()))

	for {
		msg, err := ss.conn.ReadMessage()
		if err != nil {
			var pe *websocket.ProtocolError
			if errors.As(err, &pe) {
				ss.srv.metrics.ProtocolError(uint16(pe.Code))
				ss.log.Info("protocol violation", zap.Error(err))
			}
			return
		}

		switch msg.Opcode {
		case websocket.OpcodePong:
			reg.Pong(ss.conn.ID())
		case websocket.OpcodeBinary:
			ss.reply(protocol.ErrorMessage(errTextBinary))
			_ = ss.conn.Close(websocket.CloseUnsupportedData, "text frames only")
		case websocket.OpcodeText:
			ss.handleCommand(msg.Payload)
		}
	}
}

func (ss *session) reply(msg []byte) {
	if err := ss.conn.WriteText(msg); err != nil {
		ss.log.Debug("reply dropped", zap.Error(err))
	}
}

// handleCommand executes one client command and replies to it.
func (ss *session) handleCommand(payload []byte) {
	m := ss.srv.metrics
	id := ss.conn.ID()

	if !ss.limiter.Allow() {
		m.Command("any", "rate_limited")
		ss.reply(protocol.ErrorMessage(errTextRateLimited))
		return
	}

	cmd, err := protocol.ParseCommand(payload)
	if err != nil {
		m.Command("invalid", "rejected")
		ss.reply(protocol.ErrorMessage(commandErrorText(err)))
		return
	}

	kind := string(cmd.Type)
	switch cmd.Type {
	case protocol.TypeSubscribe:
		if !ss.srv.topics.Has(cmd.Stream) {
			m.Command(kind, "unknown_stream")
			ss.reply(protocol.ErrorMessage(errTextUnknownStream + cmd.Stream))
			return
		}
		// Acknowledge first so the ack precedes the topic's first update.
		ss.reply(protocol.AckMessage(protocol.TypeSubscribed, cmd.Stream))
		if _, err := ss.srv.registry.Subscribe(id, cmd.Stream); err != nil {
			m.Command(kind, "failed")
			ss.log.Warn("subscribe failed", zap.String("topic", cmd.Stream), zap.Error(err))
			return
		}

	case protocol.TypeUnsubscribe:
		if _, err := ss.srv.registry.Unsubscribe(id, cmd.Stream); err != nil {
			m.Command(kind, "failed")
			return
		}
		ss.reply(protocol.AckMessage(protocol.TypeUnsubscribed, cmd.Stream))

	case protocol.TypePing:
		ss.reply(protocol.PongMessage())

	case protocol.TypePong:
		ss.srv.registry.Pong(id)
	}
	m.Command(kind, "ok")
}

// commandErrorText maps a parse failure to the text sent to the client.
func commandErrorText(err error) string {
	switch {
	case errors.Is(err, protocol.ErrInvalidJSON):
		return errTextInvalidJSON
	case errors.Is(err, protocol.ErrCommandTooLarge):
		return errTextTooLarge
	default:
		return err.Error()
	}
}
