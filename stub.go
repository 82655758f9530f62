package relay

import (
	"fmt"
	"slices"
	"sync"

	"github.com/raskyld/relay/pkg/remote"
	"golang.org/x/time/rate"
)

// StubHandler implements the requests of a service. It is called on the
// thread of the stub.
type StubHandler interface {
	ProcessRequest(req *Request)
}

// StubHandlerFunc adapts a function to `StubHandler`.
type StubHandlerFunc func(req *Request)

func (f StubHandlerFunc) ProcessRequest(req *Request) {
	f(req)
}

// Request is a call received by a stub.
//
// Once `ProcessRequest` returns, the request is considered answered unless
// the handler called `KeepPending`, in which case it stays pending until a
// matching `Stub.SendResponse`, `Stub.ErrorRequest` or
// `Stub.UnlockAllRequests`.
type Request struct {
	stub *Stub
	ev   *RequestEvent
	keep bool
}

func (r *Request) MessageID() MessageID { return r.ev.MessageID() }
func (r *Request) Caller() ServiceAddress { return r.ev.Source() }
func (r *Request) Sequence() SequenceNr { return r.ev.Sequence() }
func (r *Request) Stub() *Stub { return r.stub }

// Args returns a reader on the arguments, valid during `ProcessRequest`.
func (r *Request) Args() *remote.Reader {
	return r.ev.Args()
}

// Data returns the arguments payload, nil when there is none.
func (r *Request) Data() *remote.Message {
	return r.ev.Data()
}

// KeepPending defers the answer past the return of `ProcessRequest`.
func (r *Request) KeepPending() {
	r.keep = true
}

// Stub is the server side of a service interface: it dispatches requests to
// its `StubHandler`, remembers the callers waiting for a response and the
// proxies subscribed to its responses, broadcasts and attributes.
//
// Its methods are safe to call from any goroutine, protocol events are
// processed on the thread of the stub.
type Stub struct {
	ConsumerBase

	bus     *Bus
	iface   *Interface
	addr    ServiceAddress
	thread  *Thread
	handler StubHandler
	limiter *rate.Limiter
	tm      telemetry

	lk         sync.Mutex
	closed     bool
	pending    map[MessageID][]pendingRequest
	listeners  map[MessageID][]ServiceAddress
	attributes map[MessageID]*attribute
	proxies    map[ServiceAddress]struct{}
}

type pendingRequest struct {
	caller ServiceAddress
	seq    SequenceNr
}

type attribute struct {
	valid bool
	data  *remote.Message
}

type delivery struct {
	addr ServiceAddress
	seq  SequenceNr
}

func newStub(bus *Bus, iface *Interface, role string, thread *Thread, handler StubHandler, cfg stubConfig) *Stub {
	addr := NewServiceAddress(iface.Name(), role, thread.Name(), bus.Channel())
	tm := bus.tm
	tm.logger = tm.logger.With(LabelAddress.L(addr), "side", "stub")
	return &Stub{
		ConsumerBase: ConsumerBase{logger: tm.logger},
		bus:          bus,
		iface:        iface,
		addr:         addr,
		thread:       thread,
		handler:      handler,
		limiter:      cfg.limiter,
		tm:           tm,
		pending:      make(map[MessageID][]pendingRequest),
		listeners:    make(map[MessageID][]ServiceAddress),
		attributes:   make(map[MessageID]*attribute),
		proxies:      make(map[ServiceAddress]struct{}),
	}
}

func (s *Stub) Address() ServiceAddress {
	return s.addr
}

func (s *Stub) Interface() *Interface {
	return s.iface
}

func (s *Stub) Thread() *Thread {
	return s.thread
}

func (s *Stub) ProcessRequestEvent(ev *RequestEvent) {
	id, caller, seq := ev.MessageID(), ev.Source(), ev.Sequence()
	if !id.IsRequest() || !s.iface.Has(id) {
		s.tm.incr(MetricEventDropped, LabelMessageID.M(id.String()))
		s.tm.logger.Warn("dropping a request with an unknown id", LabelMessageID.L(id), "caller", caller.String())
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.tm.incr(MetricRequestBusy, LabelMessageID.M(id.String()))
		s.fail(caller, id, seq, ResultRequestBusy)
		return
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		s.fail(caller, id, seq, ResultMessageUndelivered)
		return
	}
	if slices.ContainsFunc(s.pending[id], func(pr pendingRequest) bool { return pr.caller == caller }) {
		s.lk.Unlock()
		s.tm.incr(MetricRequestBusy, LabelMessageID.M(id.String()))
		s.tm.logger.Debug("request already pending for caller", LabelMessageID.L(id), "caller", caller.String())
		s.fail(caller, id, seq, ResultRequestBusy)
		return
	}
	s.pending[id] = append(s.pending[id], pendingRequest{caller: caller, seq: seq})
	s.lk.Unlock()

	req := &Request{stub: s, ev: ev}
	defer func() {
		if !req.keep {
			s.clearPending(id, caller, seq)
		}
	}()
	s.handler.ProcessRequest(req)
}

func (s *Stub) ProcessNotifyRequestEvent(ev *NotifyRequestEvent) {
	id, caller := ev.MessageID(), ev.Source()

	switch ev.NotifyType() {
	case StartNotify:
		if !id.IsNotifiable() || !s.iface.Has(id) {
			s.tm.logger.Warn("dropping a subscription to an unknown id", LabelMessageID.L(id), "caller", caller.String())
			return
		}
		s.lk.Lock()
		if slices.Contains(s.listeners[id], caller) {
			s.lk.Unlock()
			s.tm.logger.Warn("duplicate notification registration", LabelMessageID.L(id), "caller", caller.String())
			return
		}
		s.listeners[id] = append(s.listeners[id], caller)
		s.proxies[caller] = struct{}{}
		var push *ResponseEvent
		if id.IsAttribute() {
			if attr, ok := s.attributes[id]; ok && attr.valid {
				push = newResponseEvent(s.addr, caller, id, SeqNotify, ResultDataOK, attr.data.Share())
			} else {
				push = newResponseEvent(s.addr, caller, id, SeqNotify, ResultDataInvalid, nil)
			}
		}
		s.lk.Unlock()
		if push != nil {
			s.bus.route(push)
		}

	case StopNotify:
		s.lk.Lock()
		lst := s.listeners[id]
		if idx := slices.Index(lst, caller); idx >= 0 {
			lst = slices.Delete(lst, idx, idx+1)
			if len(lst) == 0 {
				delete(s.listeners, id)
			} else {
				s.listeners[id] = lst
			}
		}
		s.lk.Unlock()

	case RemoveAllNotify:
		s.removeProxy(caller)

	default:
		s.tm.logger.Warn("unknown notify type", LabelNotify.L(ev.NotifyType().String()))
	}
}

func (s *Stub) ProcessConnectEvent(ev *ConnectEvent) {
	switch ev.Status() {
	case Connected:
		s.lk.Lock()
		s.proxies[ev.Source()] = struct{}{}
		s.lk.Unlock()
	case Disconnected:
		s.removeProxy(ev.Source())
	}
}

// removeProxy forgets every subscription and pending request of a proxy.
func (s *Stub) removeProxy(proxy ServiceAddress) {
	s.lk.Lock()
	defer s.lk.Unlock()
	delete(s.proxies, proxy)
	for id, lst := range s.listeners {
		lst = slices.DeleteFunc(lst, func(addr ServiceAddress) bool { return addr == proxy })
		if len(lst) == 0 {
			delete(s.listeners, id)
		} else {
			s.listeners[id] = lst
		}
	}
	for id, lst := range s.pending {
		lst = slices.DeleteFunc(lst, func(pr pendingRequest) bool { return pr.caller == proxy })
		if len(lst) == 0 {
			delete(s.pending, id)
		} else {
			s.pending[id] = lst
		}
	}
}

func (s *Stub) clearPending(id MessageID, caller ServiceAddress, seq SequenceNr) {
	s.lk.Lock()
	defer s.lk.Unlock()
	lst := slices.DeleteFunc(s.pending[id], func(pr pendingRequest) bool {
		return pr.caller == caller && pr.seq == seq
	})
	if len(lst) == 0 {
		delete(s.pending, id)
	} else {
		s.pending[id] = lst
	}
}

// fail answers a single call with a failure result. The failure carries
// the response id when the request has one, proxies map it back.
func (s *Stub) fail(caller ServiceAddress, req MessageID, seq SequenceNr, result ResultType) {
	id := s.iface.ResponseFor(req)
	if id == MsgInvalid {
		id = req
	}
	s.bus.route(newResponseEvent(s.addr, caller, id, seq, result, nil))
}

// deliver sends one event per target. It takes ownership of `data`.
func (s *Stub) deliver(targets []delivery, id MessageID, result ResultType, data *remote.Message) {
	for _, target := range targets {
		s.bus.route(newResponseEvent(s.addr, target.addr, id, target.seq, result, data.Share()))
	}
	data.Release()
}

func (s *Stub) listenersLocked(id MessageID, targets []delivery) []delivery {
	for _, addr := range s.listeners[id] {
		if !slices.ContainsFunc(targets, func(d delivery) bool { return d.addr == addr }) {
			targets = append(targets, delivery{addr: addr, seq: SeqNotify})
		}
	}
	return targets
}

// SendResponse answers every caller waiting for a request answered by
// `id` and notifies the subscribers of `id`. The stub takes ownership of
// `data`.
func (s *Stub) SendResponse(id MessageID, data *remote.Message) error {
	if !id.IsResponse() || !s.iface.Has(id) {
		data.Release()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		data.Release()
		return ErrStubClosed
	}
	var targets []delivery
	for _, req := range s.iface.RequestsFor(id) {
		for _, pr := range s.pending[req] {
			targets = append(targets, delivery{addr: pr.caller, seq: pr.seq})
		}
		delete(s.pending, req)
	}
	targets = s.listenersLocked(id, targets)
	s.lk.Unlock()

	s.deliver(targets, id, ResultOK, data)
	return nil
}

// SendBroadcast notifies the subscribers of the broadcast `id`. The stub
// takes ownership of `data`.
func (s *Stub) SendBroadcast(id MessageID, data *remote.Message) error {
	if !id.IsBroadcast() || !s.iface.Has(id) {
		data.Release()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		data.Release()
		return ErrStubClosed
	}
	targets := s.listenersLocked(id, nil)
	s.lk.Unlock()

	s.deliver(targets, id, ResultDataOK, data)
	return nil
}

// SetAttribute stores the value of an attribute and notifies its
// subscribers. The stub takes ownership of `data`.
func (s *Stub) SetAttribute(id MessageID, data *remote.Message) error {
	if !id.IsAttribute() || !s.iface.Has(id) {
		data.Release()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		data.Release()
		return ErrStubClosed
	}
	attr, ok := s.attributes[id]
	if !ok {
		attr = &attribute{}
		s.attributes[id] = attr
	}
	attr.data.Release()
	attr.data = data
	attr.valid = true
	targets := s.listenersLocked(id, nil)
	shared := data.Share()
	s.lk.Unlock()

	s.deliver(targets, id, ResultDataOK, shared)
	return nil
}

// InvalidateAttribute marks an attribute invalid and notifies its
// subscribers.
func (s *Stub) InvalidateAttribute(id MessageID) error {
	if !id.IsAttribute() || !s.iface.Has(id) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrStubClosed
	}
	s.invalidateLocked(id)
	targets := s.listenersLocked(id, nil)
	s.lk.Unlock()

	s.deliver(targets, id, ResultDataInvalid, nil)
	return nil
}

func (s *Stub) invalidateLocked(id MessageID) {
	if attr, ok := s.attributes[id]; ok {
		attr.data.Release()
		attr.data = nil
		attr.valid = false
	}
}

// SendNotification pushes the current value of an attribute to its
// subscribers, `ResultDataInvalid` if it has no valid value.
func (s *Stub) SendNotification(id MessageID) error {
	if !id.IsAttribute() || !s.iface.Has(id) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrStubClosed
	}
	result := ResultDataInvalid
	var data *remote.Message
	if attr, ok := s.attributes[id]; ok && attr.valid {
		result = ResultDataOK
		data = attr.data.Share()
	}
	targets := s.listenersLocked(id, nil)
	s.lk.Unlock()

	s.deliver(targets, id, result, data)
	return nil
}

// Attribute returns a reader on the current value of an attribute and
// whether it is valid.
func (s *Stub) Attribute(id MessageID) (*remote.Reader, bool) {
	s.lk.Lock()
	defer s.lk.Unlock()
	attr, ok := s.attributes[id]
	if !ok || !attr.valid {
		return remote.NewReader(nil), false
	}
	return remote.NewReader(slices.Clone(attr.data.Payload())), true
}

// ErrorRequest reports a failure on `id` to whoever waits for it:
//   - for a request, its pending callers receive `ResultRequestCanceled` if
//     `cancel` is set, `ResultRequestError` otherwise;
//   - for an attribute, the value is invalidated and subscribers receive
//     `ResultDataInvalid`;
//   - for a response or a broadcast, subscribers receive `ResultInvalid`.
func (s *Stub) ErrorRequest(id MessageID, cancel bool) error {
	if !s.iface.Has(id) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return ErrStubClosed
	}
	var (
		targets []delivery
		result  ResultType
		sendID  = id
	)
	switch id.Category() {
	case CategoryRequest:
		result = ResultRequestError
		if cancel {
			result = ResultRequestCanceled
		}
		for _, pr := range s.pending[id] {
			targets = append(targets, delivery{addr: pr.caller, seq: pr.seq})
		}
		delete(s.pending, id)
		if resp := s.iface.ResponseFor(id); resp != MsgInvalid {
			sendID = resp
			targets = s.listenersLocked(resp, targets)
		}
	case CategoryAttribute:
		result = ResultDataInvalid
		s.invalidateLocked(id)
		targets = s.listenersLocked(id, nil)
	default:
		result = ResultInvalid
		targets = s.listenersLocked(id, nil)
	}
	s.lk.Unlock()

	if result == ResultRequestCanceled {
		s.tm.add(MetricRequestCanceled, float32(len(targets)), LabelMessageID.M(id.String()))
	}
	s.deliver(targets, sendID, result, nil)
	return nil
}

// UnlockAllRequests answers every pending request with
// `ResultRequestCanceled`.
func (s *Stub) UnlockAllRequests() {
	type canceled struct {
		id MessageID
		pr pendingRequest
	}
	var calls []canceled

	s.lk.Lock()
	for id, lst := range s.pending {
		for _, pr := range lst {
			calls = append(calls, canceled{id: id, pr: pr})
		}
	}
	clear(s.pending)
	s.lk.Unlock()

	for _, call := range calls {
		s.tm.incr(MetricRequestCanceled, LabelMessageID.M(call.id.String()))
		s.fail(call.pr.caller, call.id, call.pr.seq, ResultRequestCanceled)
	}
}

// NumPending returns how many calls of `id` wait for an answer.
func (s *Stub) NumPending(id MessageID) int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.pending[id])
}

// NumListeners returns how many proxies subscribed to `id`.
func (s *Stub) NumListeners(id MessageID) int {
	s.lk.Lock()
	defer s.lk.Unlock()
	return len(s.listeners[id])
}

// Proxies returns the proxies known to the stub.
func (s *Stub) Proxies() []ServiceAddress {
	s.lk.Lock()
	defer s.lk.Unlock()
	proxies := make([]ServiceAddress, 0, len(s.proxies))
	for addr := range s.proxies {
		proxies = append(proxies, addr)
	}
	return proxies
}

func (s *Stub) close() {
	s.lk.Lock()
	if s.closed {
		s.lk.Unlock()
		return
	}
	s.closed = true
	for _, attr := range s.attributes {
		attr.data.Release()
	}
	clear(s.attributes)
	clear(s.listeners)
	clear(s.proxies)
	s.lk.Unlock()

	s.thread.unregister(consumerKey{s.addr, sideStub}, s)
}
