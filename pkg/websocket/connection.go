package websocket

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// State is the lifecycle state of a connection.
type State int32

// Connection states. A successful handshake moves CONNECTING to OPEN; a close
// frame sent or received moves OPEN to CLOSING; completing the close exchange
// or losing the socket moves to CLOSED. Protocol violations skip CLOSING.
const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// ConnConfig holds per-connection limits.
type ConnConfig struct {
	// MaxMessageSize bounds single frames and reassembled messages.
	MaxMessageSize int
	// OutboundQueue is the number of broadcast frames that may wait for the
	// socket. When full, the oldest queued broadcast is dropped.
	OutboundQueue int
	// WriteTimeout bounds each socket write.
	WriteTimeout time.Duration
	// CloseTimeout bounds the close handshake.
	CloseTimeout time.Duration
}

// DefaultConnConfig returns the default connection configuration.
func DefaultConnConfig() ConnConfig {
	return ConnConfig{
		MaxMessageSize: 64 * 1024,
		OutboundQueue:  32,
		WriteTimeout:   10 * time.Second,
		CloseTimeout:   5 * time.Second,
	}
}

func (c ConnConfig) withDefaults() ConnConfig {
	d := DefaultConnConfig()
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = d.OutboundQueue
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = d.CloseTimeout
	}
	return c
}

// outbound is one encoded frame waiting for the writer goroutine.
type outbound struct {
	frame     []byte
	droppable bool
	close     bool
}

// Conn is a WebSocket connection in frame mode.
//
// Reads happen on the caller's goroutine through ReadMessage. Every write goes
// through an internal queue drained by a single writer goroutine, so replies,
// pings and broadcasts never interleave on the wire and a stalled socket only
// ever blocks its own writer.
type Conn struct {
	id      string
	role    Role
	netConn net.Conn
	reader  *FrameReader
	writer  *FrameWriter
	cfg     ConnConfig

	state atomic.Int32

	// mu guards the queues and close bookkeeping below.
	mu         sync.Mutex
	control    []outbound
	data       []outbound
	broadcasts int
	closeSent  bool
	peerClosed bool
	final      *outbound
	status     *CloseError
	closeTimer *time.Timer

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	dropped atomic.Uint64
}

// newConn wraps an upgraded socket. br may hold bytes that arrived right
// after the handshake; they are read before the socket itself.
func newConn(id string, nc net.Conn, br *bufio.Reader, role Role, cfg ConnConfig) *Conn {
	cfg = cfg.withDefaults()

	var r io.Reader = nc
	if br != nil {
		r = br
	}

	c := &Conn{
		id:      id,
		role:    role,
		netConn: nc,
		reader:  NewFrameReader(r, role, cfg.MaxMessageSize),
		writer:  NewFrameWriter(nc, role),
		cfg:     cfg,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// open moves the connection to OPEN and starts its writer.
func (c *Conn) open() {
	if c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		go c.writeLoop()
	}
}

// ID returns the connection identifier.
func (c *Conn) ID() string { return c.id }

// Role returns which end of the connection this is.
func (c *Conn) Role() Role { return c.role }

// State returns the current lifecycle state.
func (c *Conn) State() State { return State(c.state.Load()) }

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr { return c.netConn.RemoteAddr() }

// Dropped returns how many broadcast frames were discarded for backpressure.
func (c *Conn) Dropped() uint64 { return c.dropped.Load() }

// Done is closed when the connection reaches CLOSED.
func (c *Conn) Done() <-chan struct{} { return c.done }

// CloseStatus returns how the connection ended, or nil while it is alive.
func (c *Conn) CloseStatus() *CloseError {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.State() != StateClosed {
		return nil
	}
	return c.status
}

// Queued returns the number of frames waiting for the writer.
func (c *Conn) Queued() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.control) + len(c.data)
}

// encode encodes a frame with the masking rule of this connection's role.
func (c *Conn) encode(opcode Opcode, payload []byte) []byte {
	return EncodeFrame(opcode, payload, c.role.masksOutbound())
}

// Publish queues an already encoded broadcast frame. If the queue already
// holds OutboundQueue broadcasts the oldest one is discarded, because a newer
// state snapshot supersedes it. Publish never blocks and returns false only
// when the connection is no longer open.
func (c *Conn) Publish(frame []byte) bool {
	if c.State() != StateOpen {
		return false
	}

	c.mu.Lock()
	if c.closeSent || c.State() != StateOpen {
		c.mu.Unlock()
		return false
	}
	if c.broadcasts >= c.cfg.OutboundQueue {
		for i, item := range c.data {
			if item.droppable {
				c.data = append(c.data[:i], c.data[i+1:]...)
				c.broadcasts--
				c.dropped.Add(1)
				break
			}
		}
	}
	c.data = append(c.data, outbound{frame: frame, droppable: true})
	c.broadcasts++
	c.mu.Unlock()

	c.signal()
	return true
}

// Send queues an encoded frame that must not be dropped, such as a reply to
// a client command.
func (c *Conn) Send(frame []byte) error {
	return c.enqueue(outbound{frame: frame}, false)
}

// WriteText queues a text message.
func (c *Conn) WriteText(payload []byte) error {
	return c.Send(c.encode(OpcodeText, payload))
}

// Ping queues a ping frame ahead of any pending data.
func (c *Conn) Ping(payload []byte) error {
	if len(payload) > MaxControlPayloadSize {
		return &FrameError{Err: ErrControlFrameTooLong, Opcode: OpcodePing}
	}
	return c.enqueue(outbound{frame: c.encode(OpcodePing, payload)}, true)
}

func (c *Conn) enqueue(item outbound, control bool) error {
	c.mu.Lock()
	if c.closeSent || c.State() != StateOpen {
		c.mu.Unlock()
		return ErrConnectionClosed
	}
	if control {
		c.control = append(c.control, item)
	} else {
		c.data = append(c.data, item)
	}
	c.mu.Unlock()

	c.signal()
	return nil
}

func (c *Conn) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close starts the closing handshake: a close frame is queued ahead of any
// pending data and the connection moves to CLOSING. It reaches CLOSED when
// the peer answers or CloseTimeout elapses.
func (c *Conn) Close(code CloseCode, reason string) error {
	if !c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		return ErrConnectionClosed
	}

	c.mu.Lock()
	c.status = &CloseError{Code: code, Reason: reason}
	c.control = append(c.control, outbound{frame: c.encode(OpcodeClose, FormatClosePayload(code, reason)), close: true})
	c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, c.finish)
	c.mu.Unlock()

	c.signal()
	return nil
}

// Terminate moves the connection straight to CLOSED. When code may be sent
// on the wire and no close frame went out yet, one final close frame is
// written best effort before the socket is closed. Blocked reads and writes
// are released.
func (c *Conn) Terminate(code CloseCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.status == nil || c.State() != StateClosing {
			c.status = &CloseError{Code: code, Reason: reason}
		}
		if code.sendable() && !c.closeSent {
			c.final = &outbound{frame: c.encode(OpcodeClose, FormatClosePayload(code, reason)), close: true}
		}
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		wasConnecting := c.State() == StateConnecting
		c.state.Store(int32(StateClosed))
		c.mu.Unlock()

		close(c.done)
		_ = c.netConn.SetReadDeadline(time.Now())
		_ = c.netConn.SetWriteDeadline(time.Now().Add(c.cfg.CloseTimeout))
		if wasConnecting {
			_ = c.netConn.Close()
		}
		c.signal()
	})
}

// finish completes a close handshake.
func (c *Conn) finish() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if c.closeTimer != nil {
			c.closeTimer.Stop()
		}
		c.state.Store(int32(StateClosed))
		c.mu.Unlock()

		close(c.done)
		_ = c.netConn.Close()
	})
}

// handlePeerClose reacts to a received close frame.
func (c *Conn) handlePeerClose(payload []byte) *CloseError {
	received := &CloseError{Code: CloseCodeOf(payload), Reason: CloseReason(payload)}

	if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosing)) {
		c.mu.Lock()
		c.status = received
		c.peerClosed = true
		echo := FormatClosePayload(received.Code, "")
		c.control = append(c.control, outbound{frame: c.encode(OpcodeClose, echo), close: true})
		c.closeTimer = time.AfterFunc(c.cfg.CloseTimeout, c.finish)
		c.mu.Unlock()
		c.signal()
		return received
	}

	// We started the exchange; this is the answer.
	c.finish()
	return received
}

// ReadMessage reads the next data message. Pings are answered automatically
// and pong frames are returned so the caller can track liveness. A received
// close frame, a socket error or a protocol violation ends the connection and
// is reported as an error: *ProtocolError for violations, *CloseError
// otherwise.
func (c *Conn) ReadMessage() (Message, error) {
	for {
		msg, err := c.reader.ReadMessage()
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				c.Terminate(pe.Code, pe.Err.Error())
				return Message{}, err
			}
			c.Terminate(CloseAbnormal, "")
			return Message{}, c.closedErr()
		}

		switch msg.Opcode {
		case OpcodePing:
			_ = c.enqueue(outbound{frame: c.encode(OpcodePong, msg.Payload)}, true)
		case OpcodePong:
			return msg, nil
		case OpcodeClose:
			return Message{}, c.handlePeerClose(msg.Payload)
		default:
			return msg, nil
		}
	}
}

func (c *Conn) closedErr() error {
	if st := c.CloseStatus(); st != nil {
		return st
	}
	return ErrConnectionClosed
}

// next blocks until there is a frame to write. It returns false once the
// connection is CLOSED and nothing remains to flush.
func (c *Conn) next() (outbound, bool) {
	for {
		c.mu.Lock()
		if c.final != nil {
			item := *c.final
			c.final = nil
			c.closeSent = true
			c.mu.Unlock()
			return item, true
		}
		if c.State() == StateClosed {
			c.mu.Unlock()
			return outbound{}, false
		}
		if !c.closeSent {
			if len(c.control) > 0 {
				item := c.control[0]
				c.control = c.control[1:]
				if item.close {
					c.closeSent = true
				}
				c.mu.Unlock()
				return item, true
			}
			if len(c.data) > 0 {
				item := c.data[0]
				c.data = c.data[1:]
				if item.droppable {
					c.broadcasts--
				}
				c.mu.Unlock()
				return item, true
			}
		}
		c.mu.Unlock()

		select {
		case <-c.wake:
		case <-c.done:
		}
	}
}

// writeLoop is the only goroutine that writes to the socket.
func (c *Conn) writeLoop() {
	defer c.netConn.Close()

	for {
		item, ok := c.next()
		if !ok {
			return
		}

		timeout := c.cfg.WriteTimeout
		if c.State() == StateClosed {
			timeout = c.cfg.CloseTimeout
		}
		_ = c.netConn.SetWriteDeadline(time.Now().Add(timeout))

		if err := c.writer.WriteRaw(item.frame); err != nil {
			c.Terminate(CloseAbnormal, err.Error())
			return
		}

		if item.close {
			c.mu.Lock()
			peerClosed := c.peerClosed
			c.mu.Unlock()
			if peerClosed || c.State() == StateClosed {
				c.finish()
				return
			}
		}
	}
}
