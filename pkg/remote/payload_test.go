package remote

import (
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestPayloadCodec(t *testing.T) {
	m, err := NewMessage(0)
	require.NoError(t, err)
	defer m.Release()

	require.NoError(t, m.WriteUvarint(300))
	require.NoError(t, m.WriteVarint(-42))
	require.NoError(t, m.WriteBool(true))
	require.NoError(t, m.WriteFixed32(0xDEADBEEF))
	require.NoError(t, m.WriteFixed64(0x0102030405060708))
	require.NoError(t, m.WriteString("traffic"))
	require.NoError(t, m.WriteBytes([]byte{1, 2, 3}))
	require.NoError(t, m.WriteProto(wrapperspb.String("light")))

	r := m.Reader()
	u, err := r.Uvarint()
	require.NoError(t, err)
	require.Equal(t, uint64(300), u)

	v, err := r.Varint()
	require.NoError(t, err)
	require.Equal(t, int64(-42), v)

	b, err := r.Bool()
	require.NoError(t, err)
	require.True(t, b)

	f32, err := r.Fixed32()
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), f32)

	f64, err := r.Fixed64()
	require.NoError(t, err)
	require.Equal(t, uint64(0x0102030405060708), f64)

	s, err := r.String()
	require.NoError(t, err)
	require.Equal(t, "traffic", s)

	raw, err := r.Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{1, 2, 3}, raw)

	pm := &wrapperspb.StringValue{}
	require.NoError(t, r.Proto(pm))
	require.Equal(t, "light", pm.GetValue())

	require.Zero(t, r.Len())
	require.Empty(t, r.Remaining())
}

func TestPayloadTruncated(t *testing.T) {
	m, err := NewMessage(0)
	require.NoError(t, err)
	defer m.Release()
	require.NoError(t, m.WriteString("truncated"))
	m.Trim(4)

	r := m.Reader()
	_, err = r.String()
	require.ErrorIs(t, err, ErrShortPayload)

	_, err = NewReader(nil).Uvarint()
	require.ErrorIs(t, err, ErrShortPayload)
	_, err = NewReader([]byte{1, 2}).Fixed32()
	require.ErrorIs(t, err, ErrShortPayload)
	_, err = NewReader([]byte{1, 2, 3, 4}).Fixed64()
	require.ErrorIs(t, err, ErrShortPayload)
	_, err = NewReader([]byte{0x80}).Bool()
	require.ErrorIs(t, err, ErrShortPayload)
}

func TestPayloadBytesAreCopied(t *testing.T) {
	buf := []byte{2, 'o', 'k'}
	r := NewReader(buf)
	out, err := r.Bytes()
	require.NoError(t, err)
	buf[1] = 'K'
	require.Equal(t, []byte("ok"), out)
}
