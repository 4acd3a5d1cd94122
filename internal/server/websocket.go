// Package server adapts gorilla/websocket connections to the stream Transport
// so WebSocket peers share the handshake and pumps of TCP peers.
package server

import (
	"errors"
	"io"

	"github.com/gorilla/websocket"
)

// wsTransport presents a WebSocket connection as a byte stream. Inbound
// binary messages are concatenated; every Write is sent as one binary
// message, and the connection writer emits exactly one frame per Write.
type wsTransport struct {
	*websocket.Conn
	r io.Reader
}

func newWSTransport(conn *websocket.Conn, maxFrameSize int) *wsTransport {
	conn.SetReadLimit(int64(maxFrameSize) + 4*1024)
	return &wsTransport{Conn: conn}
}

func (t *wsTransport) Read(p []byte) (int, error) {
	for {
		if t.r == nil {
			mt, r, err := t.NextReader()
			if err != nil {
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Code == websocket.CloseNormalClosure {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				continue
			}
			t.r = r
		}

		n, err := t.r.Read(p)
		if errors.Is(err, io.EOF) {
			t.r = nil
			if n == 0 {
				continue
			}
			err = nil
		}
		return n, err
	}
}

func (t *wsTransport) Write(p []byte) (int, error) {
	if err := t.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
