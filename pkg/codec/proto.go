package codec

import (
	"google.golang.org/protobuf/proto"

	"github.com/raskyld/relay/pkg/remote"
)

// Proto stores protobuf messages as a length-prefixed byte string.
type Proto[Msg proto.Message] struct{}

func (Proto[Msg]) Encode(m *remote.Message, v Msg) error {
	return m.WriteProto(v)
}

func (Proto[Msg]) Decode(r *remote.Reader) (Msg, error) {
	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	err := r.Proto(allocated)
	return allocated, err
}
