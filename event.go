package relay

import (
	"log/slog"

	"github.com/raskyld/relay/pkg/remote"
)

// Event is something posted to a `Thread` and dispatched by its worker.
// The set of events is closed: they are created by proxies, stubs and the
// `Bus`, and dispatched to the consumer registered for their target.
//
// An event is bound to at most one thread, binding it again replaces the
// target. Once dispatched, the event is destroyed and its payload released.
type Event interface {
	// RegisterForThread binds the event to `t`. If `t` does not accept
	// events anymore, the event is destroyed and false is returned.
	RegisterForThread(t *Thread) bool
	// Thread returns the thread the event is bound to, if any.
	Thread() *Thread
	// Destroy releases the payload of the event. It is idempotent.
	Destroy()

	eventType() string
	consumerKey() (consumerKey, bool)
	accept(c Consumer)
}

// Deliver enqueues the event on the thread it is bound to. The event is
// destroyed when it cannot be queued.
func Deliver(ev Event) bool {
	t := ev.Thread()
	if t == nil {
		ev.Destroy()
		return false
	}
	return t.enqueue(ev)
}

type side uint8

const (
	sideProxy side = iota
	sideStub
)

// consumerKey identifies a consumer on a thread. Proxies and stubs of the
// same role may share a thread so the side is part of the key.
type consumerKey struct {
	addr ServiceAddress
	side side
}

// Consumer is implemented by what processes service events on a thread.
type Consumer interface {
	ProcessRequestEvent(ev *RequestEvent)
	ProcessNotifyRequestEvent(ev *NotifyRequestEvent)
	ProcessResponseEvent(ev *ResponseEvent)
	ProcessNotificationEvent(ev *NotificationEvent)
	ProcessConnectEvent(ev *ConnectEvent)
}

// ConsumerBase implements every entry point of `Consumer` by logging the
// event as unexpected and dropping it. Embed it and override what you
// handle.
type ConsumerBase struct {
	logger *slog.Logger
}

func (cb *ConsumerBase) log() *slog.Logger {
	if cb.logger == nil {
		return slog.Default()
	}
	return cb.logger
}

func (cb *ConsumerBase) unexpected(ev serviceEvent) {
	cb.log().Warn(
		"unexpected event",
		LabelEventType.L(ev.eventType()),
		LabelMessageID.L(ev.MessageID()),
		LabelAddress.L(ev.Target()),
	)
}

func (cb *ConsumerBase) ProcessRequestEvent(ev *RequestEvent) { cb.unexpected(ev) }
func (cb *ConsumerBase) ProcessNotifyRequestEvent(ev *NotifyRequestEvent) { cb.unexpected(ev) }
func (cb *ConsumerBase) ProcessResponseEvent(ev *ResponseEvent) { cb.unexpected(ev) }
func (cb *ConsumerBase) ProcessNotificationEvent(ev *NotificationEvent) { cb.unexpected(ev) }
func (cb *ConsumerBase) ProcessConnectEvent(ev *ConnectEvent) { cb.unexpected(ev) }

type eventBase struct {
	thread *Thread
}

func (eb *eventBase) Thread() *Thread {
	return eb.thread
}

// serviceEvent is the part shared by every event exchanged between proxies
// and stubs.
type serviceEvent interface {
	Event
	Source() ServiceAddress
	Target() ServiceAddress
	MessageID() MessageID
	Sequence() SequenceNr
	Data() *remote.Message
	retarget(addr ServiceAddress)
}

type serviceBase struct {
	eventBase
	source ServiceAddress
	target ServiceAddress
	msgID  MessageID
	seq    SequenceNr
	data   *remote.Message
}

func (sb *serviceBase) Source() ServiceAddress { return sb.source }
func (sb *serviceBase) Target() ServiceAddress { return sb.target }
func (sb *serviceBase) MessageID() MessageID { return sb.msgID }
func (sb *serviceBase) Sequence() SequenceNr { return sb.seq }

// Data returns the payload of the event, nil when it carries none. It is
// only valid until the consumer returns: call `Share` to keep it.
func (sb *serviceBase) Data() *remote.Message { return sb.data }

// Args returns a reader on the payload.
func (sb *serviceBase) Args() *remote.Reader {
	if sb.data == nil {
		return remote.NewReader(nil)
	}
	return sb.data.Reader()
}

func (sb *serviceBase) retarget(addr ServiceAddress) {
	sb.target = addr
}

func (sb *serviceBase) Destroy() {
	if sb.data != nil {
		sb.data.Release()
		sb.data = nil
	}
}

// bind is shared by every `RegisterForThread` implementation.
func bind(eb *eventBase, ev Event, t *Thread) bool {
	if t == nil || !t.IsRunning() {
		eb.thread = nil
		ev.Destroy()
		return false
	}
	eb.thread = t
	return true
}

// RequestEvent carries a call from a proxy to a stub.
type RequestEvent struct {
	serviceBase
}

func newRequestEvent(source, target ServiceAddress, id MessageID, seq SequenceNr, data *remote.Message) *RequestEvent {
	return &RequestEvent{serviceBase{
		source: source,
		target: target,
		msgID:  id,
		seq:    seq,
		data:   data,
	}}
}

func (ev *RequestEvent) RegisterForThread(t *Thread) bool { return bind(&ev.eventBase, ev, t) }
func (ev *RequestEvent) eventType() string { return "request" }
func (ev *RequestEvent) accept(c Consumer) { c.ProcessRequestEvent(ev) }
func (ev *RequestEvent) consumerKey() (consumerKey, bool) {
	return consumerKey{ev.target, sideStub}, true
}

// NotifyRequestEvent asks a stub to start or stop notifying a proxy.
type NotifyRequestEvent struct {
	serviceBase
	notify NotifyType
}

func newNotifyRequestEvent(source, target ServiceAddress, id MessageID, notify NotifyType) *NotifyRequestEvent {
	return &NotifyRequestEvent{
		serviceBase: serviceBase{
			source: source,
			target: target,
			msgID:  id,
			seq:    SeqNotify,
		},
		notify: notify,
	}
}

func (ev *NotifyRequestEvent) NotifyType() NotifyType { return ev.notify }

func (ev *NotifyRequestEvent) RegisterForThread(t *Thread) bool {
	return bind(&ev.eventBase, ev, t)
}
func (ev *NotifyRequestEvent) eventType() string { return "notify_request" }
func (ev *NotifyRequestEvent) accept(c Consumer) { c.ProcessNotifyRequestEvent(ev) }
func (ev *NotifyRequestEvent) consumerKey() (consumerKey, bool) {
	return consumerKey{ev.target, sideStub}, true
}

// ResponseEvent carries a response, a broadcast, an attribute update or a
// request failure from a stub to a proxy.
type ResponseEvent struct {
	serviceBase
	result ResultType
}

func newResponseEvent(source, target ServiceAddress, id MessageID, seq SequenceNr, result ResultType, data *remote.Message) *ResponseEvent {
	return &ResponseEvent{
		serviceBase: serviceBase{
			source: source,
			target: target,
			msgID:  id,
			seq:    seq,
			data:   data,
		},
		result: result,
	}
}

func (ev *ResponseEvent) Result() ResultType { return ev.result }

func (ev *ResponseEvent) RegisterForThread(t *Thread) bool { return bind(&ev.eventBase, ev, t) }
func (ev *ResponseEvent) eventType() string { return "response" }
func (ev *ResponseEvent) accept(c Consumer) { c.ProcessResponseEvent(ev) }
func (ev *ResponseEvent) consumerKey() (consumerKey, bool) {
	return consumerKey{ev.target, sideProxy}, true
}

// NotificationEvent is posted by a proxy to its own thread to hand a
// processed response to its clients.
type NotificationEvent struct {
	serviceBase
	result ResultType
	state  DataState
	caller Client
	// only deliver to the caller, used to replay a cached value.
	callerOnly bool
	// false when an attribute was refreshed with the same value.
	changed bool
	// the subscribers of this id are notified instead of those of msgID,
	// set when a failure is reported under the id of its request.
	listenOn MessageID
}

func (ev *NotificationEvent) Result() ResultType { return ev.result }
func (ev *NotificationEvent) State() DataState { return ev.state }

func (ev *NotificationEvent) listenersID() MessageID {
	if ev.listenOn != MsgInvalid {
		return ev.listenOn
	}
	return ev.msgID
}

func (ev *NotificationEvent) RegisterForThread(t *Thread) bool {
	return bind(&ev.eventBase, ev, t)
}
func (ev *NotificationEvent) eventType() string { return "notification" }
func (ev *NotificationEvent) accept(c Consumer) { c.ProcessNotificationEvent(ev) }
func (ev *NotificationEvent) consumerKey() (consumerKey, bool) {
	return consumerKey{ev.target, sideProxy}, true
}

// ConnectEvent tells a proxy that its stub became (un)available, or a stub
// that one of its proxies did.
type ConnectEvent struct {
	serviceBase
	status ConnectionStatus
	toStub bool
}

func newConnectEvent(source, target ServiceAddress, status ConnectionStatus, toStub bool) *ConnectEvent {
	return &ConnectEvent{
		serviceBase: serviceBase{
			source: source,
			target: target,
			seq:    SeqAny,
		},
		status: status,
		toStub: toStub,
	}
}

func (ev *ConnectEvent) Status() ConnectionStatus { return ev.status }

func (ev *ConnectEvent) RegisterForThread(t *Thread) bool { return bind(&ev.eventBase, ev, t) }
func (ev *ConnectEvent) eventType() string { return "connect" }
func (ev *ConnectEvent) accept(c Consumer) { c.ProcessConnectEvent(ev) }
func (ev *ConnectEvent) consumerKey() (consumerKey, bool) {
	if ev.toStub {
		return consumerKey{ev.target, sideStub}, true
	}
	return consumerKey{ev.target, sideProxy}, true
}

// CallEvent runs a function on the thread.
type CallEvent struct {
	eventBase
	fn func()
}

func NewCallEvent(fn func()) *CallEvent {
	return &CallEvent{fn: fn}
}

func (ev *CallEvent) RegisterForThread(t *Thread) bool { return bind(&ev.eventBase, ev, t) }
func (ev *CallEvent) Destroy() {}
func (ev *CallEvent) eventType() string { return "call" }
func (ev *CallEvent) consumerKey() (consumerKey, bool) { return consumerKey{}, false }
func (ev *CallEvent) accept(Consumer) {
	if ev.fn != nil {
		ev.fn()
	}
}
