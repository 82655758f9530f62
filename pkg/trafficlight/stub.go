package trafficlight

import (
	"log/slog"
	"sync/atomic"

	"github.com/raskyld/relay"
)

// ServiceHandler implements the service. It is called on the thread of the
// stub.
//
// `RequestChangeLight` answers with `Stub.ResponseChangeLight`, either
// before returning or later after calling `req.KeepPending()`.
type ServiceHandler interface {
	RequestChangeLight(req *relay.Request, stub *Stub, color Color, holdon bool)
}

// UnimplementedService logs every request as not implemented and fails it.
type UnimplementedService struct {
	Logger *slog.Logger
}

func (u UnimplementedService) RequestChangeLight(req *relay.Request, stub *Stub, color Color, holdon bool) {
	logger := u.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn(
		"not implemented: RequestChangeLight",
		relay.LabelSequence.L(req.Sequence()),
		"color", color.String(),
		"holdon", holdon,
	)
	req.KeepPending()
	stub.ErrorRequestChangeLight(false)
}

// Stub is the typed server side of the service.
type Stub struct {
	bus     *relay.Bus
	handler ServiceHandler
	logger  *slog.Logger
	stub    atomic.Pointer[relay.Stub]
}

// Register serves `role` on `thread` with `handler`.
func Register(bus *relay.Bus, role, thread string, handler ServiceHandler, opts ...relay.StubOption) (*Stub, error) {
	s := &Stub{
		bus:     bus,
		handler: handler,
		logger:  slog.Default().With(relay.LabelService.L(ServiceName), relay.LabelRole.L(role)),
	}
	rs, err := bus.RegisterStub(NewInterface(), role, thread, s, opts...)
	if err != nil {
		return nil, err
	}
	s.stub.CompareAndSwap(nil, rs)
	return s, nil
}

// Relay returns the underlying stub.
func (s *Stub) Relay() *relay.Stub {
	return s.stub.Load()
}

func (s *Stub) ProcessRequest(req *relay.Request) {
	s.stub.CompareAndSwap(nil, req.Stub())
	switch req.MessageID() {
	case MsgRequestChangeLight:
		args := req.Args()
		color, err := readColor(args)
		if err != nil {
			s.malformed(req, err)
			return
		}
		hold, err := holdon.Decode(args)
		if err != nil {
			s.malformed(req, err)
			return
		}
		s.handler.RequestChangeLight(req, s, color, hold)
	default:
		s.logger.Warn("unexpected request", relay.LabelMessageID.L(req.MessageID()))
	}
}

func (s *Stub) malformed(req *relay.Request, err error) {
	s.logger.Error(
		"failing a malformed request",
		relay.LabelMessageID.L(req.MessageID()),
		relay.LabelError.L(err),
	)
	req.KeepPending()
	req.Stub().ErrorRequest(req.MessageID(), false)
}

func (s *Stub) relay() (*relay.Stub, error) {
	rs := s.stub.Load()
	if rs == nil {
		return nil, ErrNotReady
	}
	return rs, nil
}

// ResponseChangeLight answers every pending `RequestChangeLight`.
func (s *Stub) ResponseChangeLight(color Color) error {
	rs, err := s.relay()
	if err != nil {
		return err
	}
	m, err := writeColors(color)
	if err != nil {
		return err
	}
	return rs.SendResponse(MsgResponseChangeLight, m)
}

func (s *Stub) BroadcastLightChanged(old, current Color) error {
	rs, err := s.relay()
	if err != nil {
		return err
	}
	m, err := writeColors(old, current)
	if err != nil {
		return err
	}
	return rs.SendBroadcast(MsgBroadcastLightChanged, m)
}

// SetTrafficLight updates the attribute and notifies its subscribers.
func (s *Stub) SetTrafficLight(color Color) error {
	rs, err := s.relay()
	if err != nil {
		return err
	}
	m, err := writeColors(color)
	if err != nil {
		return err
	}
	return rs.SetAttribute(MsgTrafficLight, m)
}

func (s *Stub) InvalidateTrafficLight() error {
	rs, err := s.relay()
	if err != nil {
		return err
	}
	return rs.InvalidateAttribute(MsgTrafficLight)
}

// TrafficLight returns the current attribute and whether it is valid.
func (s *Stub) TrafficLight() (Color, bool) {
	rs, err := s.relay()
	if err != nil {
		return Off, false
	}
	r, valid := rs.Attribute(MsgTrafficLight)
	if !valid {
		return Off, false
	}
	c, err := readColor(r)
	if err != nil {
		return Off, false
	}
	return c, true
}

// ErrorRequestChangeLight fails every pending `RequestChangeLight`.
func (s *Stub) ErrorRequestChangeLight(cancel bool) error {
	rs, err := s.relay()
	if err != nil {
		return err
	}
	return rs.ErrorRequest(MsgRequestChangeLight, cancel)
}

// UnlockAllRequests cancels every pending request.
func (s *Stub) UnlockAllRequests() {
	if rs := s.stub.Load(); rs != nil {
		rs.UnlockAllRequests()
	}
}

func (s *Stub) Unregister() error {
	rs, err := s.relay()
	if err != nil {
		return err
	}
	return s.bus.UnregisterStub(rs)
}
