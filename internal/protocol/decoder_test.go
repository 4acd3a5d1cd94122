package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeAll(t *testing.T, msgs []Message) []byte {
	t.Helper()
	var stream []byte
	for _, msg := range msgs {
		var err error
		stream, err = AppendFrame(stream, msg, DefaultMaxFrameSize)
		require.NoError(t, err)
	}
	return stream
}

// TestDecoderChunkSizes feeds the same stream in every chunk size from one
// byte up to the whole stream and expects the same messages back.
func TestDecoderChunkSizes(t *testing.T) {
	msgs := sampleMessages()
	stream := encodeAll(t, msgs)

	for size := 1; size <= len(stream); size++ {
		dec := NewDecoder(0)
		var got []Message

		for off := 0; off < len(stream); off += size {
			end := min(off+size, len(stream))
			dec.Feed(stream[off:end])
			for {
				msg, err := dec.Next()
				if errors.Is(err, ErrIncompleteFrame) {
					break
				}
				require.NoError(t, err)
				got = append(got, msg)
			}
		}

		require.Equal(t, msgs, got, "chunk size %d", size)
		assert.Zero(t, dec.Buffered())
	}
}

func TestDecoderStaysFailedAfterMalformedFrame(t *testing.T) {
	dec := NewDecoder(16)
	dec.Feed([]byte{0, 0, 1, 0})

	_, err := dec.Next()
	require.True(t, IsMalformed(err))

	dec.Feed(encodeAll(t, []Message{ListMessage{}}))
	_, again := dec.Next()
	assert.Equal(t, err, again)
}

type oneByteReader struct{ r io.Reader }

func (o oneByteReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return o.r.Read(p[:1])
}

func TestReaderReadsAcrossPartialReads(t *testing.T) {
	msgs := sampleMessages()
	r := NewReader(oneByteReader{bytes.NewReader(encodeAll(t, msgs))}, 0)

	for _, want := range msgs {
		got, err := r.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderTruncatedStream(t *testing.T) {
	stream := encodeAll(t, []Message{ChatMessage{Sender: alice, Text: "cut"}})
	r := NewReader(bytes.NewReader(stream[:len(stream)-2]), 0)

	_, err := r.ReadMessage()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestWriterWritesOneFramePerCall(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)

	require.NoError(t, w.WriteMessage(ChatMessage{Sender: bob, Text: "one", Timestamp: stamp}))
	require.NoError(t, w.WriteMessage(ListMessage{Clients: []SimpleClient{alice}}))

	r := NewReader(&buf, 0)
	first, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "one", first.(ChatMessage).Text)

	second, err := r.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, []SimpleClient{alice}, second.(ListMessage).Clients)
}
