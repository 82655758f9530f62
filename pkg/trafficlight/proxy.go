package trafficlight

import (
	"log/slog"
	"sync/atomic"

	"github.com/raskyld/relay"
)

// ClientHandler receives what a `Proxy` gets from the service. Every
// method is called on the thread the proxy was attached to.
type ClientHandler interface {
	ServiceConnected(status relay.ConnectionStatus, proxy *Proxy)
	// ResponseChangeLight answers the request stamped `seq`, or notifies a
	// subscriber of someone else's request when `seq` is `relay.SeqNotify`.
	ResponseChangeLight(seq relay.SequenceNr, color Color)
	// RequestChangeLightFailed is called when the request stamped `seq`
	// was not processed.
	RequestChangeLightFailed(seq relay.SequenceNr, result relay.ResultType)
	BroadcastLightChanged(old, current Color)
	// TrafficLightChanged reports the attribute. `color` is only
	// meaningful when `state` is `relay.DataOK`.
	TrafficLightChanged(color Color, state relay.DataState)
}

// UnimplementedClient logs every callback as not implemented. Embed it in
// your handler and override what you need.
type UnimplementedClient struct {
	Logger *slog.Logger
}

func (u UnimplementedClient) log() *slog.Logger {
	if u.Logger == nil {
		return slog.Default()
	}
	return u.Logger
}

func (u UnimplementedClient) ServiceConnected(status relay.ConnectionStatus, _ *Proxy) {
	u.log().Warn("not implemented: ServiceConnected", "status", status.String())
}

func (u UnimplementedClient) ResponseChangeLight(seq relay.SequenceNr, color Color) {
	u.log().Warn("not implemented: ResponseChangeLight", relay.LabelSequence.L(seq), "color", color.String())
}

func (u UnimplementedClient) RequestChangeLightFailed(seq relay.SequenceNr, result relay.ResultType) {
	u.log().Warn("not implemented: RequestChangeLightFailed", relay.LabelSequence.L(seq), relay.LabelResult.L(result.String()))
}

func (u UnimplementedClient) BroadcastLightChanged(old, current Color) {
	u.log().Warn("not implemented: BroadcastLightChanged", "old", old.String(), "new", current.String())
}

func (u UnimplementedClient) TrafficLightChanged(color Color, state relay.DataState) {
	u.log().Warn("not implemented: TrafficLightChanged", "color", color.String(), "state", state.String())
}

// Proxy is the typed client side of the service.
type Proxy struct {
	bus     *relay.Bus
	handler ClientHandler
	logger  *slog.Logger
	proxy   atomic.Pointer[relay.Proxy]
}

// Attach attaches `handler` to the proxy of `role` on `thread`.
func Attach(bus *relay.Bus, role, thread string, handler ClientHandler) (*Proxy, error) {
	p := &Proxy{
		bus:     bus,
		handler: handler,
		logger:  slog.Default().With(relay.LabelService.L(ServiceName), relay.LabelRole.L(role)),
	}
	rp, err := bus.AttachProxy(NewInterface(), role, thread, p)
	if err != nil {
		return nil, err
	}
	p.proxy.CompareAndSwap(nil, rp)
	return p, nil
}

// Relay returns the underlying proxy.
func (p *Proxy) Relay() *relay.Proxy {
	return p.proxy.Load()
}

func (p *Proxy) IsConnected() bool {
	rp := p.proxy.Load()
	return rp != nil && rp.IsConnected()
}

// RequestChangeLight asks the light to switch to `color`. The answer is
// delivered to `ResponseChangeLight` or `RequestChangeLightFailed` with
// the returned sequence number.
func (p *Proxy) RequestChangeLight(color Color, hold bool) (relay.SequenceNr, error) {
	rp := p.proxy.Load()
	if rp == nil {
		return relay.SeqAny, ErrNotReady
	}
	m, err := writeColors(color)
	if err != nil {
		return relay.SeqAny, err
	}
	if err := holdon.Encode(m, hold); err != nil {
		m.Release()
		return relay.SeqAny, err
	}
	return rp.SendRequest(MsgRequestChangeLight, m, p)
}

func (p *Proxy) notify(id relay.MessageID, always bool) error {
	rp := p.proxy.Load()
	if rp == nil {
		return ErrNotReady
	}
	return rp.SetNotification(id, p, always)
}

func (p *Proxy) clear(id relay.MessageID) {
	if rp := p.proxy.Load(); rp != nil {
		rp.ClearNotification(id, p)
	}
}

// NotifyTrafficLight subscribes to the attribute. With `always` unset,
// updates which do not change the color are skipped.
func (p *Proxy) NotifyTrafficLight(always bool) error {
	return p.notify(MsgTrafficLight, always)
}

func (p *Proxy) ClearTrafficLight() {
	p.clear(MsgTrafficLight)
}

func (p *Proxy) NotifyLightChanged() error {
	return p.notify(MsgBroadcastLightChanged, true)
}

func (p *Proxy) ClearLightChanged() {
	p.clear(MsgBroadcastLightChanged)
}

// NotifyResponseChangeLight subscribes to the responses to every caller.
func (p *Proxy) NotifyResponseChangeLight() error {
	return p.notify(MsgResponseChangeLight, true)
}

func (p *Proxy) ClearResponseChangeLight() {
	p.clear(MsgResponseChangeLight)
}

// TrafficLight returns the cached attribute.
func (p *Proxy) TrafficLight() (Color, relay.DataState) {
	rp := p.proxy.Load()
	if rp == nil {
		return Off, relay.DataUnavailable
	}
	r, state := rp.Value(MsgTrafficLight)
	if state != relay.DataOK {
		return Off, state
	}
	c, err := readColor(r)
	if err != nil {
		return Off, relay.DataInvalid
	}
	return c, state
}

// Detach detaches the handler. The proxy MUST NOT be used afterwards.
func (p *Proxy) Detach() error {
	rp := p.proxy.Load()
	if rp == nil {
		return ErrNotReady
	}
	return p.bus.DetachProxy(rp, p)
}

func (p *Proxy) ServiceConnected(status relay.ConnectionStatus, rp *relay.Proxy) {
	p.proxy.CompareAndSwap(nil, rp)
	p.handler.ServiceConnected(status, p)
}

func (p *Proxy) ProcessNotification(n relay.Notification) {
	switch n.MessageID {
	case MsgResponseChangeLight:
		if n.Result.IsRequestFailure() {
			p.handler.RequestChangeLightFailed(n.Sequence, n.Result)
			return
		}
		color, err := readColor(n.Args())
		if err != nil {
			p.malformed(n, err)
			return
		}
		p.handler.ResponseChangeLight(n.Sequence, color)

	case MsgRequestChangeLight:
		p.handler.RequestChangeLightFailed(n.Sequence, n.Result)

	case MsgBroadcastLightChanged:
		if n.State != relay.DataOK {
			return
		}
		args := n.Args()
		old, err := readColor(args)
		if err != nil {
			p.malformed(n, err)
			return
		}
		current, err := readColor(args)
		if err != nil {
			p.malformed(n, err)
			return
		}
		p.handler.BroadcastLightChanged(old, current)

	case MsgTrafficLight:
		if n.State != relay.DataOK {
			p.handler.TrafficLightChanged(Off, n.State)
			return
		}
		color, err := readColor(n.Args())
		if err != nil {
			p.malformed(n, err)
			return
		}
		p.handler.TrafficLightChanged(color, n.State)

	default:
		p.logger.Warn("unexpected notification", relay.LabelMessageID.L(n.MessageID))
	}
}

func (p *Proxy) malformed(n relay.Notification, err error) {
	p.logger.Error(
		"dropping a malformed notification",
		relay.LabelMessageID.L(n.MessageID),
		relay.LabelError.L(err),
	)
}
