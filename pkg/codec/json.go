package codec

import (
	"encoding/json"

	"github.com/raskyld/relay/pkg/remote"
)

// JSON stores values as a length-prefixed JSON document.
type JSON[T any] struct{}

func (JSON[T]) Encode(m *remote.Message, v T) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return m.WriteBytes(buf)
}

func (JSON[T]) Decode(r *remote.Reader) (T, error) {
	var v T
	buf, err := r.Bytes()
	if err != nil {
		return v, err
	}
	err = json.Unmarshal(buf, &v)
	return v, err
}
