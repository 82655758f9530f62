package remote

import (
	"bufio"
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestFrames(t *testing.T) {
	var stream bytes.Buffer

	for i := 0; i < 3; i++ {
		m := newTestMessage(t, bytes.Repeat([]byte{byte(i)}, 200*(i+1)))
		m.BufferCompletionFix()
		require.NoError(t, WriteFrame(&stream, m))
		m.Release()
	}

	r := bufio.NewReader(&stream)
	for i := 0; i < 3; i++ {
		m, err := ReadFrame(r)
		require.NoError(t, err)
		require.True(t, m.IsChecksumValid())
		require.Equal(t, bytes.Repeat([]byte{byte(i)}, 200*(i+1)), m.Payload())
		require.Equal(t, uint32(0x4001), m.MessageID())
		m.Release()
	}

	_, err := ReadFrame(r)
	require.ErrorIs(t, err, io.EOF)
}

func TestFrameErrors(t *testing.T) {
	t.Run("writing a released message fails", func(t *testing.T) {
		m := newTestMessage(t, nil)
		m.Release()
		require.ErrorIs(t, WriteFrame(io.Discard, m), ErrReleased)
	})

	t.Run("oversized frames are refused before reading them", func(t *testing.T) {
		prefix := protowire.AppendVarint(nil, MaxMessageSize+1)
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(prefix)))
		require.ErrorIs(t, err, ErrTooLarge)
	})

	t.Run("a truncated frame is reported", func(t *testing.T) {
		m := newTestMessage(t, []byte("cut"))
		defer m.Release()
		var stream bytes.Buffer
		require.NoError(t, WriteFrame(&stream, m))
		cut := stream.Bytes()[:stream.Len()-2]
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(cut)))
		require.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("a runaway length prefix is malformed", func(t *testing.T) {
		prefix := bytes.Repeat([]byte{0xFF}, 12)
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(prefix)))
		require.ErrorIs(t, err, ErrMalformed)
	})

	t.Run("a frame too short for a header is malformed", func(t *testing.T) {
		frame := protowire.AppendVarint(nil, 3)
		frame = append(frame, 1, 2, 3)
		_, err := ReadFrame(bufio.NewReader(bytes.NewReader(frame)))
		require.ErrorIs(t, err, ErrMalformed)
	})
}
