package remote

import (
	"encoding/binary"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/proto"
)

// Payload values are encoded with the protobuf wire primitives, without
// field tags: readers consume them in the order they were written.

func (m *Message) WriteUvarint(v uint64) error {
	var tmp [binary.MaxVarintLen64]byte
	_, err := m.Write(protowire.AppendVarint(tmp[:0], v))
	return err
}

func (m *Message) WriteVarint(v int64) error {
	return m.WriteUvarint(protowire.EncodeZigZag(v))
}

func (m *Message) WriteBool(v bool) error {
	return m.WriteUvarint(protowire.EncodeBool(v))
}

func (m *Message) WriteFixed32(v uint32) error {
	var tmp [4]byte
	_, err := m.Write(protowire.AppendFixed32(tmp[:0], v))
	return err
}

func (m *Message) WriteFixed64(v uint64) error {
	var tmp [8]byte
	_, err := m.Write(protowire.AppendFixed64(tmp[:0], v))
	return err
}

// WriteBytes writes a length-prefixed byte string.
func (m *Message) WriteBytes(b []byte) error {
	if err := m.WriteUvarint(uint64(len(b))); err != nil {
		return err
	}
	_, err := m.Write(b)
	return err
}

func (m *Message) WriteString(s string) error {
	if err := m.WriteUvarint(uint64(len(s))); err != nil {
		return err
	}
	_, err := m.Write([]byte(s))
	return err
}

// WriteProto marshals a protobuf message as a length-prefixed byte string.
func (m *Message) WriteProto(pm proto.Message) error {
	buf, err := proto.Marshal(pm)
	if err != nil {
		return err
	}
	return m.WriteBytes(buf)
}

// Reader consumes values written by the `Write...` methods of `Message`.
type Reader struct {
	buf []byte
	off int
}

// NewReader reads from b. The slice is not copied.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Reader returns a reader on the used payload.
func (m *Message) Reader() *Reader {
	return NewReader(m.Payload())
}

func parseErr(what string, n int) error {
	return fmt.Errorf("%w: %s: %w", ErrShortPayload, what, protowire.ParseError(n))
}

// Len returns how many bytes are left.
func (r *Reader) Len() int {
	return len(r.buf) - r.off
}

// Remaining returns the bytes which were not consumed yet.
func (r *Reader) Remaining() []byte {
	return r.buf[r.off:]
}

func (r *Reader) Uvarint() (uint64, error) {
	v, n := protowire.ConsumeVarint(r.buf[r.off:])
	if n < 0 {
		return 0, parseErr("varint", n)
	}
	r.off += n
	return v, nil
}

func (r *Reader) Varint() (int64, error) {
	v, err := r.Uvarint()
	return protowire.DecodeZigZag(v), err
}

func (r *Reader) Bool() (bool, error) {
	v, err := r.Uvarint()
	return protowire.DecodeBool(v), err
}

func (r *Reader) Fixed32() (uint32, error) {
	v, n := protowire.ConsumeFixed32(r.buf[r.off:])
	if n < 0 {
		return 0, parseErr("fixed32", n)
	}
	r.off += n
	return v, nil
}

func (r *Reader) Fixed64() (uint64, error) {
	v, n := protowire.ConsumeFixed64(r.buf[r.off:])
	if n < 0 {
		return 0, parseErr("fixed64", n)
	}
	r.off += n
	return v, nil
}

// Bytes returns a copy of the next length-prefixed byte string.
func (r *Reader) Bytes() ([]byte, error) {
	v, n := protowire.ConsumeBytes(r.buf[r.off:])
	if n < 0 {
		return nil, parseErr("bytes", n)
	}
	r.off += n
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (r *Reader) String() (string, error) {
	v, n := protowire.ConsumeString(r.buf[r.off:])
	if n < 0 {
		return "", parseErr("string", n)
	}
	r.off += n
	return v, nil
}

// Proto unmarshals the next length-prefixed byte string into pm.
func (r *Reader) Proto(pm proto.Message) error {
	v, n := protowire.ConsumeBytes(r.buf[r.off:])
	if n < 0 {
		return parseErr("proto", n)
	}
	r.off += n
	return proto.Unmarshal(v, pm)
}
