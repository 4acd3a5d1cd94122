package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// HeaderSize is the length of the frame length prefix.
	HeaderSize = 4

	// DefaultMaxFrameSize bounds the payload of a single frame.
	DefaultMaxFrameSize = 64 * 1024

	separator = '|'
)

var (
	// ErrIncompleteFrame is returned when the buffered input does not yet hold
	// a whole frame. It is not fatal: feed more bytes and retry.
	ErrIncompleteFrame = errors.New("protocol: incomplete frame")

	// ErrFrameTooLarge is returned by the encoder for payloads above the limit.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds maximum size")
)

// MalformedFrameError reports a frame that cannot be decoded. The stream it
// came from can no longer be trusted to be in sync.
type MalformedFrameError struct {
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: malformed frame: %s: %v", e.Reason, e.Err)
	}
	return "protocol: malformed frame: " + e.Reason
}

func (e *MalformedFrameError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a *MalformedFrameError.
func IsMalformed(err error) bool {
	var mf *MalformedFrameError
	return errors.As(err, &mf)
}

// Encode frames msg using DefaultMaxFrameSize as the limit.
func Encode(msg Message) ([]byte, error) {
	return AppendFrame(nil, msg, DefaultMaxFrameSize)
}

// AppendFrame appends the frame for msg to dst. maxSize <= 0 means no limit.
func AppendFrame(dst []byte, msg Message, maxSize int) ([]byte, error) {
	if msg == nil {
		return dst, errors.New("protocol: nil message")
	}
	body, err := json.Marshal(msg)
	if err != nil {
		return dst, fmt.Errorf("protocol: encode %s: %w", msg.Kind(), err)
	}

	kind := msg.Kind()
	size := len(kind) + 1 + len(body)
	if maxSize > 0 && size > maxSize {
		return dst, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, maxSize)
	}

	dst = binary.BigEndian.AppendUint32(dst, uint32(size))
	dst = append(dst, kind...)
	dst = append(dst, separator)
	return append(dst, body...), nil
}

// Decode reads one frame from the front of buf. It returns the message and
// the number of bytes consumed. ErrIncompleteFrame means buf holds only a
// prefix of a frame; any other error is a *MalformedFrameError.
func Decode(buf []byte, maxSize int) (Message, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrIncompleteFrame
	}
	size := int(binary.BigEndian.Uint32(buf))
	if size == 0 {
		return nil, 0, &MalformedFrameError{Reason: "empty payload"}
	}
	if maxSize > 0 && size > maxSize {
		return nil, 0, &MalformedFrameError{Reason: fmt.Sprintf("length %d exceeds limit %d", size, maxSize)}
	}
	if len(buf)-HeaderSize < size {
		return nil, 0, ErrIncompleteFrame
	}

	msg, err := decodePayload(buf[HeaderSize : HeaderSize+size])
	if err != nil {
		return nil, 0, err
	}
	return msg, HeaderSize + size, nil
}

func decodePayload(payload []byte) (Message, error) {
	sep := bytes.IndexByte(payload, separator)
	if sep <= 0 {
		return nil, &MalformedFrameError{Reason: "missing kind separator"}
	}
	kind := Kind(payload[:sep])
	body := payload[sep+1:]

	var (
		msg Message
		err error
	)
	switch kind {
	case KindRegister:
		var m RegisterMessage
		err = json.Unmarshal(body, &m)
		msg = m
	case KindChat:
		var m ChatMessage
		err = json.Unmarshal(body, &m)
		msg = m
	case KindList:
		var m ListMessage
		err = json.Unmarshal(body, &m)
		msg = m
	case KindError:
		var m ErrorMessage
		err = json.Unmarshal(body, &m)
		msg = m
	default:
		return nil, &MalformedFrameError{Reason: fmt.Sprintf("unknown kind %q", kind)}
	}
	if err != nil {
		return nil, &MalformedFrameError{Reason: "invalid " + string(kind) + " body", Err: err}
	}
	return msg, nil
}
