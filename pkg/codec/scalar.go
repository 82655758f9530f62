package codec

import (
	"errors"
	"fmt"

	"github.com/raskyld/relay/pkg/remote"
)

var ErrOutOfRange = errors.New("codec: value out of range")

// Unsigned is any integer type stored as a varint.
type Unsigned interface {
	~uint8 | ~uint16 | ~uint32 | ~uint64
}

// Uvarint stores unsigned integers and enums. Values above `Max` are
// rejected on both sides, a zero `Max` only bounds them by the size of `T`.
type Uvarint[T Unsigned] struct {
	Max T
}

func (c Uvarint[T]) limit() uint64 {
	if c.Max != 0 {
		return uint64(c.Max)
	}
	return uint64(^T(0))
}

func (c Uvarint[T]) Encode(m *remote.Message, v T) error {
	if uint64(v) > c.limit() {
		return fmt.Errorf("%w: %d > %d", ErrOutOfRange, uint64(v), c.limit())
	}
	return m.WriteUvarint(uint64(v))
}

func (c Uvarint[T]) Decode(r *remote.Reader) (T, error) {
	v, err := r.Uvarint()
	if err != nil {
		return 0, err
	}
	if v > c.limit() {
		return 0, fmt.Errorf("%w: %d > %d", ErrOutOfRange, v, c.limit())
	}
	return T(v), nil
}

type Bool struct{}

func (Bool) Encode(m *remote.Message, v bool) error {
	return m.WriteBool(v)
}

func (Bool) Decode(r *remote.Reader) (bool, error) {
	return r.Bool()
}

// Bytes stores length-prefixed byte strings. Decoded slices are copies.
type Bytes struct{}

func (Bytes) Encode(m *remote.Message, v []byte) error {
	return m.WriteBytes(v)
}

func (Bytes) Decode(r *remote.Reader) ([]byte, error) {
	return r.Bytes()
}

type String struct{}

func (String) Encode(m *remote.Message, v string) error {
	return m.WriteString(v)
}

func (String) Decode(r *remote.Reader) (string, error) {
	return r.String()
}
