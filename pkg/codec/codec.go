// Package codec turns typed values into message payloads and back, for
// bindings whose arguments are more than a few integers.
package codec

import (
	"errors"
	"fmt"

	"github.com/raskyld/relay/pkg/remote"
)

var ErrTrailingBytes = errors.New("codec: trailing bytes after the value")

type Encoder[T any] interface {
	// Encode appends `v` to the payload of `m`.
	Encode(m *remote.Message, v T) error
}

type Decoder[T any] interface {
	// Decode consumes the next value of `r`.
	Decode(r *remote.Reader) (T, error)
}

type Codec[T any] interface {
	Encoder[T]
	Decoder[T]
}

// Marshal allocates a message holding `v` alone.
func Marshal[T any](enc Encoder[T], v T) (*remote.Message, error) {
	m, err := remote.NewMessage(0)
	if err != nil {
		return nil, err
	}
	if err := enc.Encode(m, v); err != nil {
		m.Release()
		return nil, err
	}
	return m, nil
}

// Unmarshal decodes a payload holding exactly one value.
func Unmarshal[T any](dec Decoder[T], payload []byte) (T, error) {
	r := remote.NewReader(payload)
	v, err := dec.Decode(r)
	if err != nil {
		return v, err
	}
	if r.Len() != 0 {
		var zero T
		return zero, fmt.Errorf("%w: %d left", ErrTrailingBytes, r.Len())
	}
	return v, nil
}
