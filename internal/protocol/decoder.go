package protocol

import (
	"errors"
	"io"
)

// Decoder reassembles frames from input that arrives in arbitrary chunks.
// It is not safe for concurrent use.
type Decoder struct {
	buf     []byte
	maxSize int
	err     error
}

// NewDecoder returns a Decoder rejecting frames larger than maxSize bytes.
// maxSize <= 0 selects DefaultMaxFrameSize.
func NewDecoder(maxSize int) *Decoder {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Decoder{maxSize: maxSize}
}

// Feed appends p to the pending input. p is copied.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting to be decoded.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next returns the next complete message. It returns ErrIncompleteFrame until
// enough input has been fed. After a malformed frame every call returns the
// same error.
func (d *Decoder) Next() (Message, error) {
	if d.err != nil {
		return nil, d.err
	}
	msg, n, err := Decode(d.buf, d.maxSize)
	if err != nil {
		if !errors.Is(err, ErrIncompleteFrame) {
			d.err = err
			d.buf = nil
		}
		return nil, err
	}

	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
	return msg, nil
}

// Reader decodes messages from a byte stream.
type Reader struct {
	r     io.Reader
	dec   *Decoder
	chunk []byte
}

// NewReader returns a Reader over r. maxSize bounds a single frame.
func NewReader(r io.Reader, maxSize int) *Reader {
	return &Reader{
		r:     r,
		dec:   NewDecoder(maxSize),
		chunk: make([]byte, 4096),
	}
}

// ReadMessage blocks until a whole message is available. A stream that ends
// in the middle of a frame returns io.ErrUnexpectedEOF.
func (r *Reader) ReadMessage() (Message, error) {
	for {
		msg, err := r.dec.Next()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, ErrIncompleteFrame) {
			return nil, err
		}

		n, rerr := r.r.Read(r.chunk)
		if n > 0 {
			r.dec.Feed(r.chunk[:n])
			continue
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && r.dec.Buffered() > 0 {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, rerr
		}
	}
}

// Writer frames messages onto a byte stream. Each message is written with a
// single Write call.
type Writer struct {
	w       io.Writer
	buf     []byte
	maxSize int
}

// NewWriter returns a Writer over w.
func NewWriter(w io.Writer, maxSize int) *Writer {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &Writer{w: w, maxSize: maxSize}
}

// WriteMessage encodes and writes msg.
func (w *Writer) WriteMessage(msg Message) error {
	frame, err := AppendFrame(w.buf[:0], msg, w.maxSize)
	if err != nil {
		return err
	}
	w.buf = frame
	_, err = w.w.Write(frame)
	return err
}
