package remote

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// FrameReader is what `ReadFrame` needs from a byte stream, a `bufio.Reader`
// satisfies it.
type FrameReader interface {
	io.Reader
	io.ByteReader
}

// WriteFrame writes the wire image of m prefixed by its varint length.
// The message should have been completed with `BufferCompletionFix`.
func WriteFrame(w io.Writer, m *Message) error {
	wire := m.Bytes()
	if wire == nil {
		return ErrReleased
	}
	buf := make([]byte, 0, binary.MaxVarintLen64+len(wire))
	buf = protowire.AppendVarint(buf, uint64(len(wire)))
	buf = append(buf, wire...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one frame written by `WriteFrame` and wraps it with
// `InitMessage`. The checksum is not verified.
func ReadFrame(r FrameReader) (*Message, error) {
	prefix := make([]byte, 0, binary.MaxVarintLen64)
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		prefix = append(prefix, b)
		if b < 0x80 {
			break
		}
		if len(prefix) == binary.MaxVarintLen64 {
			return nil, fmt.Errorf("%w: frame length prefix overflow", ErrMalformed)
		}
	}

	size, n := protowire.ConsumeVarint(prefix)
	if err := protowire.ParseError(n); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if size > MaxMessageSize {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrTooLarge, size)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return InitMessage(buf)
}
