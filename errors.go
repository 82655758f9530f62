package relay

import (
	"errors"
)

var (
	ErrInvalidCfg      = errors.New("relay: invalid options")
	ErrBusClosed       = errors.New("relay: bus is shut down")
	ErrNameConflict    = errors.New("relay: name conflict")
	ErrNameInvalid     = errors.New("relay: names must not be empty")
	ErrNilHandler      = errors.New("relay: clients and handlers must not be nil")
	ErrUnknownThread   = errors.New("relay: thread does not exist")
	ErrThreadStopped   = errors.New("relay: thread is stopped")
	ErrUnknownMessage  = errors.New("relay: message id is not part of the interface")
	ErrInterface       = errors.New("relay: invalid interface metadata")
	ErrIfaceMismatch   = errors.New("relay: interface mismatch")
	ErrProxyClosed     = errors.New("relay: proxy is closed")
	ErrStubClosed      = errors.New("relay: stub is closed")
	ErrNotRegistered   = errors.New("relay: service is not registered on this bus")
	ErrInvalidChannel  = errors.New("relay: invalid channel")
	ErrNoLink          = errors.New("relay: no link to reach the channel")
	ErrLinkClosed      = errors.New("relay: link is closed")
	ErrCorruptMessage  = errors.New("relay: corrupt remote message")
	ErrMalformedEvent  = errors.New("relay: malformed remote event")
	ErrMisdirected     = errors.New("relay: remote message is addressed to another channel")
	ErrUnexpectedEvent = errors.New("relay: unexpected event")
)
