// Package trafficlight is the relay binding of the TrafficLight service: a
// light whose color can be changed on request, publishing its current color
// as an attribute and every change as a broadcast.
//
// It shows what generated bindings look like: `Attach` returns a typed
// `Proxy` calling back a `ClientHandler`, `Register` returns a typed `Stub`
// dispatching to a `ServiceHandler`.
package trafficlight

import (
	"errors"
	"fmt"

	"github.com/raskyld/relay"
	"github.com/raskyld/relay/pkg/codec"
	"github.com/raskyld/relay/pkg/remote"
)

const ServiceName = "TrafficLight"

const (
	MsgRequestChangeLight    relay.MessageID = 0x0001
	MsgResponseChangeLight   relay.MessageID = 0x4000
	MsgBroadcastLightChanged relay.MessageID = 0x6000
	MsgTrafficLight          relay.MessageID = 0x8000
)

var (
	ErrUnknownColor = errors.New("trafficlight: unknown color")
	ErrNotReady     = errors.New("trafficlight: not attached to the bus yet")
)

type Color uint8

const (
	Red Color = iota
	Yellow
	Green
	Off
)

func (c Color) String() string {
	switch c {
	case Red:
		return "red"
	case Yellow:
		return "yellow"
	case Green:
		return "green"
	case Off:
		return "off"
	default:
		return fmt.Sprintf("color(%d)", uint8(c))
	}
}

// ParseColor is the reverse of `Color.String`.
func ParseColor(s string) (Color, error) {
	for c := Red; c <= Off; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return Off, fmt.Errorf("%w: %q", ErrUnknownColor, s)
}

// NewInterface returns the metadata of the service. Proxies and stubs
// built from different calls are compatible.
func NewInterface() *relay.Interface {
	return relay.MustInterface(relay.InterfaceSpec{
		Name:             ServiceName,
		Version:          relay.Version{Major: 1, Minor: 0, Patch: 0},
		Requests:         []relay.MessageID{MsgRequestChangeLight},
		RequestResponses: []relay.MessageID{MsgResponseChangeLight},
		Responses:        []relay.MessageID{MsgResponseChangeLight},
		Broadcasts:       []relay.MessageID{MsgBroadcastLightChanged},
		Attributes:       []relay.MessageID{MsgTrafficLight},
	})
}

var (
	colors = codec.Uvarint[Color]{Max: Off}
	holdon = codec.Bool{}
)

func writeColors(cs ...Color) (*remote.Message, error) {
	m, err := remote.NewMessage(len(cs))
	if err != nil {
		return nil, err
	}
	for _, c := range cs {
		if err := colors.Encode(m, c); err != nil {
			m.Release()
			return nil, err
		}
	}
	return m, nil
}

func readColor(r *remote.Reader) (Color, error) {
	c, err := colors.Decode(r)
	if err != nil {
		return Off, fmt.Errorf("%w: %w", ErrUnknownColor, err)
	}
	return c, nil
}
