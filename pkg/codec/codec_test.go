package codec

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/raskyld/relay/pkg/remote"
)

type level uint8

type reading struct {
	Sensor string   `json:"sensor"`
	Values []uint32 `json:"values"`
}

func roundTrip[T any](t *testing.T, c Codec[T], v T) T {
	t.Helper()
	m, err := Marshal[T](c, v)
	require.NoError(t, err)
	defer m.Release()
	out, err := Unmarshal[T](c, m.Payload())
	require.NoError(t, err)
	return out
}

func TestCodecs(t *testing.T) {
	t.Run("scalars survive a round trip", func(t *testing.T) {
		require.Equal(t, level(3), roundTrip[level](t, Uvarint[level]{Max: 3}, 3))
		require.Equal(t, uint64(1<<40), roundTrip[uint64](t, Uvarint[uint64]{}, 1<<40))
		require.True(t, roundTrip[bool](t, Bool{}, true))
		require.Equal(t, "north", roundTrip[string](t, String{}, "north"))
		require.Equal(t, []byte{0, 1, 2}, roundTrip[[]byte](t, Bytes{}, []byte{0, 1, 2}))
	})

	t.Run("enums are bounded", func(t *testing.T) {
		_, err := Marshal[level](Uvarint[level]{Max: 3}, 4)
		require.ErrorIs(t, err, ErrOutOfRange)

		m, err := Marshal[uint64](Uvarint[uint64]{}, 300)
		require.NoError(t, err)
		defer m.Release()
		_, err = Unmarshal[level](Uvarint[level]{}, m.Payload())
		require.ErrorIs(t, err, ErrOutOfRange)
	})

	t.Run("json documents survive a round trip", func(t *testing.T) {
		in := reading{Sensor: "loop-1", Values: []uint32{4, 8, 15}}
		require.Equal(t, in, roundTrip[reading](t, JSON[reading]{}, in))

		ptr := roundTrip[*reading](t, JSON[*reading]{}, &in)
		require.Equal(t, in, *ptr)
	})

	t.Run("protobuf messages survive a round trip", func(t *testing.T) {
		in := wrapperspb.String("green")
		out := roundTrip[*wrapperspb.StringValue](t, Proto[*wrapperspb.StringValue]{}, in)
		require.True(t, proto.Equal(in, out))
	})

	t.Run("values are read in sequence", func(t *testing.T) {
		m, err := remote.NewMessage(0)
		require.NoError(t, err)
		defer m.Release()
		require.NoError(t, String{}.Encode(m, "east"))
		require.NoError(t, Uvarint[level]{}.Encode(m, 2))

		r := m.Reader()
		s, err := String{}.Decode(r)
		require.NoError(t, err)
		require.Equal(t, "east", s)
		l, err := Uvarint[level]{}.Decode(r)
		require.NoError(t, err)
		require.Equal(t, level(2), l)
	})

	t.Run("trailing bytes are rejected", func(t *testing.T) {
		m, err := remote.NewMessage(0)
		require.NoError(t, err)
		defer m.Release()
		require.NoError(t, m.WriteBool(true))
		require.NoError(t, m.WriteBool(false))
		_, err = Unmarshal[bool](Bool{}, m.Payload())
		require.ErrorIs(t, err, ErrTrailingBytes)
	})

	t.Run("truncated payloads are rejected", func(t *testing.T) {
		_, err := Unmarshal[string](String{}, []byte{5, 'a'})
		require.ErrorIs(t, err, remote.ErrShortPayload)
	})
}
