// Package testhelpers provides common utilities and helper functions for testing the JustChat server.
//
// It contains a framed test client that speaks the wire protocol over TCP or
// WebSocket, so package tests can drive a real server end to end.
package testhelpers

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Tyrowin/justchat/internal/protocol"
)

const (
	// DialTimeout bounds connection establishment.
	DialTimeout = 2 * time.Second
	// MessageTimeout bounds a single expected receive.
	MessageTimeout = 2 * time.Second
)

// TestClient is a protocol client over a stream connection.
type TestClient struct {
	conn   io.ReadWriteCloser
	setDL  func(time.Time) error
	reader *protocol.Reader
	writer *protocol.Writer

	// Identity is filled by Register from the server acknowledgement.
	Identity protocol.SimpleClient
}

// Dial opens a TCP connection to addr.
func Dial(addr string) (*TestClient, error) {
	dialer := net.Dialer{Timeout: DialTimeout}
	conn, err := dialer.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not connect to server: %w", err)
	}
	return newTestClient(conn, conn.SetReadDeadline), nil
}

// DialWebSocket opens a WebSocket connection to url with the given Origin.
func DialWebSocket(url, origin string) (*TestClient, error) {
	dialer := websocket.Dialer{HandshakeTimeout: DialTimeout}

	headers := http.Header{}
	if origin != "" {
		headers.Set("Origin", origin)
	}

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	stream := &wsStream{conn: conn}
	return newTestClient(stream, conn.SetReadDeadline), nil
}

func newTestClient(conn io.ReadWriteCloser, setDL func(time.Time) error) *TestClient {
	return &TestClient{
		conn:   conn,
		setDL:  setDL,
		reader: protocol.NewReader(conn, 0),
		writer: protocol.NewWriter(conn, 0),
	}
}

// MustDial dials addr and fails the test on error. The client is closed at
// test cleanup.
func MustDial(t *testing.T, addr string) *TestClient {
	t.Helper()
	c, err := Dial(addr)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

// Send writes one message.
func (c *TestClient) Send(msg protocol.Message) error {
	return c.writer.WriteMessage(msg)
}

// SendRaw writes raw bytes to the connection.
func (c *TestClient) SendRaw(data []byte) error {
	_, err := c.conn.Write(data)
	return err
}

// Receive reads one message, failing after MessageTimeout.
func (c *TestClient) Receive() (protocol.Message, error) {
	return c.ReceiveWithin(MessageTimeout)
}

// ReceiveWithin reads one message, failing after d.
func (c *TestClient) ReceiveWithin(d time.Duration) (protocol.Message, error) {
	if err := c.setDL(time.Now().Add(d)); err != nil {
		return nil, err
	}
	return c.reader.ReadMessage()
}

// Register performs the handshake and returns the server acknowledgement.
// A rejection is returned as an error carrying the server's error code.
func (c *TestClient) Register(name string) (protocol.RegisterMessage, error) {
	if err := c.Send(protocol.RegisterMessage{Name: name}); err != nil {
		return protocol.RegisterMessage{}, err
	}
	msg, err := c.Receive()
	if err != nil {
		return protocol.RegisterMessage{}, err
	}

	switch m := msg.(type) {
	case protocol.RegisterMessage:
		c.Identity = protocol.SimpleClient{Name: m.Name, UUID: m.UUID}
		return m, nil
	case protocol.ErrorMessage:
		return protocol.RegisterMessage{}, &RejectedError{Code: m.Code, Reason: m.Reason}
	default:
		return protocol.RegisterMessage{}, fmt.Errorf("unexpected %s frame during handshake", msg.Kind())
	}
}

// MustRegister performs the handshake and fails the test on error.
func (c *TestClient) MustRegister(t *testing.T, name string) protocol.SimpleClient {
	t.Helper()
	if _, err := c.Register(name); err != nil {
		t.Fatalf("Failed to register %q: %v", name, err)
	}
	return c.Identity
}

// ExpectClosed reports whether the server closed the connection within d.
func (c *TestClient) ExpectClosed(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		_, err := c.ReceiveWithin(time.Until(deadline))
		if err == nil {
			continue
		}
		var netErr net.Error
		return !(errors.As(err, &netErr) && netErr.Timeout())
	}
	return false
}

// Close closes the connection.
func (c *TestClient) Close() {
	_ = c.conn.Close()
}

// RejectedError is a handshake rejection sent by the server.
type RejectedError struct {
	Code   string
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("rejected: %s: %s", e.Code, e.Reason)
}

type wsStream struct {
	conn *websocket.Conn
	r    io.Reader
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.r == nil {
			_, r, err := s.conn.NextReader()
			if err != nil {
				return 0, err
			}
			s.r = r
		}
		n, err := s.r.Read(p)
		if errors.Is(err, io.EOF) {
			s.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	return s.conn.Close()
}
