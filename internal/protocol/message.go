package protocol

import "time"

// Kind discriminates the message types carried in a frame.
type Kind string

// Message kinds understood by the server.
const (
	KindRegister Kind = "register"
	KindChat     Kind = "chat"
	KindList     Kind = "list"
	KindError    Kind = "error"
)

// Valid reports whether k is a known message kind.
func (k Kind) Valid() bool {
	switch k {
	case KindRegister, KindChat, KindList, KindError:
		return true
	}
	return false
}

// Message is implemented by every value that can be framed on the wire.
type Message interface {
	Kind() Kind
}

// SimpleClient identifies a connected peer. Name is a display string and is
// not unique; UUID is assigned at registration and never changes while the
// connection lives.
type SimpleClient struct {
	Name string `json:"name"`
	UUID string `json:"uuid"`
}

// Same reports whether c and other identify the same client. Both fields must
// match since names may repeat.
func (c SimpleClient) Same(other SimpleClient) bool {
	return c.Name == other.Name && c.UUID == other.UUID
}

// RegisterMessage opens the handshake. The client sends its display name and
// optionally a UUID it wants to keep; the server answers with the same kind
// carrying the assigned UUID and its own identity.
type RegisterMessage struct {
	Name       string `json:"name"`
	UUID       string `json:"uuid,omitempty"`
	ServerID   string `json:"server_id,omitempty"`
	ServerName string `json:"server_name,omitempty"`
}

// Kind implements Message.
func (RegisterMessage) Kind() Kind { return KindRegister }

// ChatMessage is a line of chat. Sender and Timestamp are stamped by the
// server for inbound messages.
type ChatMessage struct {
	Sender    SimpleClient `json:"sender"`
	Text      string       `json:"text"`
	Timestamp time.Time    `json:"timestamp"`
}

// Kind implements Message.
func (ChatMessage) Kind() Kind { return KindChat }

// ListMessage carries the roster. An inbound ListMessage with no clients is a
// roster request.
type ListMessage struct {
	Clients []SimpleClient `json:"clients"`
}

// Kind implements Message.
func (ListMessage) Kind() Kind { return KindList }

// IsRequest reports whether the message asks for the roster.
func (m ListMessage) IsRequest() bool { return len(m.Clients) == 0 }

// Error codes sent in ErrorMessage before the server closes a connection.
const (
	CodeConnectionLimitExceeded = "connection_limit_exceeded"
	CodeHandshakeFailed         = "handshake_failed"
	CodeMalformedFrame          = "malformed_frame"
)

// ErrorMessage is a server notice explaining why a connection is closed.
type ErrorMessage struct {
	Code   string `json:"code"`
	Reason string `json:"reason,omitempty"`
}

// Kind implements Message.
func (ErrorMessage) Kind() Kind { return KindError }
