// Package server manages individual client connections, handling the
// handshake, read/write pumps, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Tyrowin/justchat/internal/protocol"
)

// Transport is the byte stream a connection runs over. net.Conn satisfies it,
// WebSocket connections are adapted to it.
type Transport interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	RemoteAddr() net.Addr
}

// ConnState is the lifecycle state of a connection.
type ConnState int32

// Connection states, in lifecycle order.
const (
	StateConnecting ConnState = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Client is the registry record of a connection. Its identity is owned by the
// Registry; the transport is owned by the connection's own goroutines.
type Client struct {
	identity  protocol.SimpleClient
	transport Transport
	send      chan []byte
	addr      string
	// closed is guarded by the registry mutex.
	closed bool

	state       atomic.Int32
	closeOnce   sync.Once
	rateLimiter *rateLimiter
	logger      *logrus.Entry
}

// NewClient creates a Client for the given transport with a send queue of
// queueSize frames. The transport may be nil for a detached record.
func NewClient(transport Transport, name string, queueSize int) *Client {
	if queueSize <= 0 {
		queueSize = 1
	}
	addr := ""
	if transport != nil && transport.RemoteAddr() != nil {
		addr = transport.RemoteAddr().String()
	}
	return &Client{
		identity:  protocol.SimpleClient{Name: name},
		transport: transport,
		send:      make(chan []byte, queueSize),
		addr:      addr,
		logger:    discardLogger().WithField("remote", addr),
	}
}

// Identity returns the client's name and uuid.
func (c *Client) Identity() protocol.SimpleClient { return c.identity }

// State returns the current lifecycle state.
func (c *Client) State() ConnState { return ConnState(c.state.Load()) }

func (c *Client) setState(s ConnState) {
	prev := ConnState(c.state.Swap(int32(s)))
	if prev != s {
		c.logger.WithFields(logrus.Fields{"from": prev, "to": s}).Debug("Connection state changed")
	}
}

// closeTransport closes the transport once. Only the call that closes it
// reports the close error.
func (c *Client) closeTransport() error {
	var err error
	c.closeOnce.Do(func() {
		if c.transport == nil {
			return
		}
		if cerr := c.transport.Close(); cerr != nil && !isExpectedCloseError(cerr) {
			err = cerr
		}
	})
	return err
}

// connection drives one transport from handshake to close.
type connection struct {
	client   *Client
	server   *Server
	reader   *protocol.Reader
	writer   *protocol.Writer
	cfg      *Config
	registry *Registry
	router   *Router
}

func newConnection(s *Server, transport Transport) *connection {
	c := NewClient(transport, "", s.cfg.SendQueueSize)
	c.logger = s.logger.WithFields(logrus.Fields{
		"component": "conn",
		"remote":    c.addr,
	})
	c.rateLimiter = newRateLimiter(s.cfg.RateLimit.Burst, s.cfg.RateLimit.RefillInterval)

	return &connection{
		client:   c,
		server:   s,
		reader:   protocol.NewReader(transport, s.cfg.MaxFrameSize),
		writer:   protocol.NewWriter(transport, s.cfg.MaxFrameSize),
		cfg:      &s.cfg,
		registry: s.registry,
		router:   s.router,
	}
}

// serve runs the connection until the transport fails or the server stops.
func (conn *connection) serve() {
	c := conn.client
	defer func() {
		c.setState(StateClosing)
		conn.registry.remove(c)
		if err := c.closeTransport(); err != nil {
			c.logger.WithError(err).Warn("Error closing connection")
		}
		c.setState(StateClosed)
	}()

	c.setState(StateHandshaking)
	if !conn.handshake() {
		return
	}

	c.setState(StateActive)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		conn.writePump()
	}()

	conn.readPump()

	// Unblock the write pump if the read side ended first.
	conn.registry.remove(c)
	<-writerDone
}

// handshake reads the register frame, admits the client and acknowledges it.
// It reports whether the connection became active.
func (conn *connection) handshake() bool {
	c := conn.client

	if err := c.transport.SetReadDeadline(time.Now().Add(conn.cfg.HandshakeTimeout)); err != nil {
		c.logger.WithError(err).Warn("Error setting handshake deadline")
		return false
	}

	msg, err := conn.reader.ReadMessage()
	if err != nil {
		c.logger.WithError(err).Warn("Handshake read failed")
		if protocol.IsMalformed(err) {
			conn.reject(protocol.CodeMalformedFrame, err.Error())
		}
		return false
	}

	reg, ok := msg.(protocol.RegisterMessage)
	if !ok {
		c.logger.WithField("kind", msg.Kind()).Warn("Handshake expected a register frame")
		conn.reject(protocol.CodeHandshakeFailed, "expected register frame")
		return false
	}

	c.identity = protocol.SimpleClient{Name: reg.Name, UUID: reg.UUID}
	identity, err := conn.registry.Register(c)
	if err != nil {
		code := protocol.CodeHandshakeFailed
		if errors.Is(err, ErrConnectionLimitExceeded) {
			code = protocol.CodeConnectionLimitExceeded
		}
		c.logger.WithError(err).WithField("name", reg.Name).Warn("Client rejected")
		conn.reject(code, err.Error())
		return false
	}
	c.logger = c.logger.WithFields(logrus.Fields{"uuid": identity.UUID, "name": identity.Name})

	ack := protocol.RegisterMessage{
		Name:       identity.Name,
		UUID:       identity.UUID,
		ServerID:   conn.cfg.ID,
		ServerName: conn.cfg.Name,
	}
	if err := conn.write(ack); err != nil {
		c.logger.WithError(err).Warn("Error writing handshake acknowledgement")
		return false
	}

	if err := c.transport.SetReadDeadline(conn.readDeadline()); err != nil {
		c.logger.WithError(err).Warn("Error clearing handshake deadline")
		return false
	}
	return true
}

// reject tells the peer why it is being dropped. Failures are ignored since
// the connection is closed right after.
func (conn *connection) reject(code, reason string) {
	if err := conn.write(protocol.ErrorMessage{Code: code, Reason: reason}); err != nil && !isExpectedCloseError(err) {
		conn.client.logger.WithError(err).Debug("Error writing rejection notice")
	}
}

func (conn *connection) write(msg protocol.Message) error {
	if err := conn.client.transport.SetWriteDeadline(time.Now().Add(conn.cfg.WriteTimeout)); err != nil {
		return err
	}
	return conn.writer.WriteMessage(msg)
}

func (conn *connection) readDeadline() time.Time {
	if conn.cfg.IdleTimeout <= 0 {
		return time.Time{}
	}
	return time.Now().Add(conn.cfg.IdleTimeout)
}

// handleReadError logs appropriate error messages based on the error type.
func (conn *connection) handleReadError(err error) {
	c := conn.client
	switch {
	case errors.Is(err, io.EOF), isExpectedCloseError(err):
		c.logger.Info("Client disconnected")
	case protocol.IsMalformed(err):
		c.logger.WithError(err).Warn("Malformed frame, closing connection")
	case errors.Is(err, io.ErrUnexpectedEOF):
		c.logger.WithError(err).Warn("Connection closed mid-frame")
	case errors.Is(err, ErrClientDisconnected):
		c.logger.Debug("Connection closed by server")
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			c.logger.WithError(err).Info("Connection idle timeout")
			return
		}
		c.logger.WithError(err).Warn("Read error")
	}
}

// checkRateLimit verifies if the client has exceeded rate limits
// and returns true if the message should be processed.
func (conn *connection) checkRateLimit() bool {
	c := conn.client
	if c.rateLimiter != nil && !c.rateLimiter.allow() {
		c.logger.WithFields(logrus.Fields{
			"burst":    conn.cfg.RateLimit.Burst,
			"interval": conn.cfg.RateLimit.RefillInterval,
		}).Warn("Rate limit exceeded; discarding message")
		return false
	}
	return true
}

// process stamps inbound messages with the sender's identity and hands them
// to the router. Dispatch is synchronous to keep per-client ordering.
func (conn *connection) process(msg protocol.Message) {
	from := conn.client.identity
	switch m := msg.(type) {
	case protocol.ChatMessage:
		m.Sender = from
		m.Timestamp = time.Now().UTC()
		msg = m
	case protocol.ListMessage:
	default:
		conn.client.logger.WithField("kind", msg.Kind()).Warn("Ignoring unexpected message kind")
		return
	}
	conn.router.DispatchInbound(msg, from)
}

func (conn *connection) readPump() {
	c := conn.client
	for {
		msg, err := conn.reader.ReadMessage()
		if err != nil {
			if conn.closedByServer() {
				err = ErrClientDisconnected
			}
			conn.handleReadError(err)
			return
		}

		if conn.cfg.IdleTimeout > 0 {
			if err := c.transport.SetReadDeadline(conn.readDeadline()); err != nil {
				c.logger.WithError(err).Warn("Error extending read deadline")
				return
			}
		}

		if !conn.checkRateLimit() {
			continue
		}
		conn.process(msg)
	}
}

// closedByServer reports whether the client was removed from the registry,
// which also closes its transport.
func (conn *connection) closedByServer() bool {
	current, ok := conn.registry.Lookup(conn.client.identity.UUID)
	return !ok || current != conn.client
}

// writePump drains the send queue onto the transport until the queue is
// closed by Unregister or a write fails.
func (conn *connection) writePump() {
	c := conn.client
	for frame := range c.send {
		if err := c.transport.SetWriteDeadline(time.Now().Add(conn.cfg.WriteTimeout)); err != nil {
			c.logger.WithError(err).Warn("Error setting write deadline")
			conn.registry.remove(c)
			return
		}
		if _, err := c.transport.Write(frame); err != nil {
			if !isExpectedCloseError(err) {
				c.logger.WithError(err).Warn("Error writing message")
			}
			conn.registry.remove(c)
			return
		}
	}
}
