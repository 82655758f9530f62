package relay

import (
	"bytes"
	"fmt"
	"slices"
	"sync"

	"github.com/raskyld/relay/pkg/remote"
)

// Proxy is the client side of a service interface: it sends requests to the
// stub registered under its role, keeps track of the calls in flight and of
// the notifications its clients subscribed to, and caches the last value
// received for every id.
//
// There is one proxy per role and thread, shared by every client attached
// on that thread with `Bus.AttachProxy`. Its methods are safe to call from
// any goroutine, protocol events are processed and clients are called on
// the thread of the proxy.
type Proxy struct {
	ConsumerBase

	bus    *Bus
	iface  *Interface
	addr   ServiceAddress
	thread *Thread
	tm     telemetry

	lk        sync.Mutex
	closed    bool
	connected bool
	stubAddr  ServiceAddress
	nextSeq   SequenceNr
	clients   []Client
	listeners map[MessageID][]listener
	pending   map[SequenceNr]pendingCall
	values    map[MessageID]*cachedValue
}

type listener struct {
	client Client
	always bool
}

type pendingCall struct {
	request  MessageID
	response MessageID
	caller   Client
}

type cachedValue struct {
	state DataState
	data  *remote.Message
}

func newProxy(bus *Bus, iface *Interface, role string, thread *Thread) *Proxy {
	addr := NewServiceAddress(iface.Name(), role, thread.Name(), bus.Channel())
	tm := bus.tm
	tm.logger = tm.logger.With(LabelAddress.L(addr), "side", "proxy")
	return &Proxy{
		ConsumerBase: ConsumerBase{logger: tm.logger},
		bus:          bus,
		iface:        iface,
		addr:         addr,
		thread:       thread,
		tm:           tm,
		nextSeq:      SeqFirst,
		listeners:    make(map[MessageID][]listener),
		pending:      make(map[SequenceNr]pendingCall),
		values:       make(map[MessageID]*cachedValue),
	}
}

func (p *Proxy) Address() ServiceAddress {
	return p.addr
}

func (p *Proxy) Interface() *Interface {
	return p.iface
}

func (p *Proxy) Thread() *Thread {
	return p.thread
}

// StubAddress returns the address of the stub the proxy is connected to.
// It is the zero address while disconnected.
func (p *Proxy) StubAddress() ServiceAddress {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.stubAddr
}

func (p *Proxy) IsConnected() bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.connected
}

// SendRequest sends the request `id` with `args` as payload and returns
// its sequence number. The proxy takes ownership of `args`, which may be
// nil. Sequence numbers increase with every call and wrap back to
// `SeqFirst` after the last value below `SeqAny`, so they only repeat once
// 2^32-2 requests went through the same proxy.
//
// It never blocks: the response, or the failure, is delivered later to
// `caller` (and to the listeners of the response) as a notification on the
// thread of the proxy. A request sent while disconnected fails with
// `ResultMessageUndelivered`.
func (p *Proxy) SendRequest(id MessageID, args *remote.Message, caller Client) (SequenceNr, error) {
	if !id.IsRequest() || !p.iface.Has(id) {
		args.Release()
		return SeqAny, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		args.Release()
		return SeqAny, ErrProxyClosed
	}
	seq := p.nextSeq
	p.nextSeq++
	if p.nextSeq == SeqAny {
		p.nextSeq = SeqFirst
	}
	resp := p.iface.ResponseFor(id)
	connected, stub := p.connected, p.stubAddr
	if connected && resp != MsgInvalid {
		p.pending[seq] = pendingCall{
			request:  id,
			response: resp,
			caller:   caller,
		}
	}
	state := p.stateLocked(resp)
	p.lk.Unlock()

	if !connected {
		args.Release()
		p.tm.incr(MetricMessageUndelivered, LabelMessageID.M(id.String()))
		p.tm.logger.Debug("request sent while disconnected", LabelMessageID.L(id), LabelSequence.L(seq))
		if caller != nil {
			p.post(&NotificationEvent{
				serviceBase: serviceBase{
					source: p.addr,
					msgID:  id,
					seq:    seq,
				},
				result:     ResultMessageUndelivered,
				state:      state,
				caller:     caller,
				callerOnly: true,
				changed:    true,
			})
		}
		return seq, nil
	}

	p.bus.route(newRequestEvent(p.addr, stub, id, seq, args))
	return seq, nil
}

// SetNotification subscribes `client` to a response, broadcast or
// attribute. A new subscriber immediately gets the cached value, if any.
// Subscribing twice only updates `notifyAlways`: when unset, the client is
// not notified of attribute updates which did not change the value.
func (p *Proxy) SetNotification(id MessageID, client Client, notifyAlways bool) error {
	if !id.IsNotifiable() || !p.iface.Has(id) {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}

	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return ErrProxyClosed
	}
	lst := p.listeners[id]
	for i := range lst {
		if lst[i].client == client {
			lst[i].always = notifyAlways
			p.lk.Unlock()
			return nil
		}
	}
	first := len(lst) == 0
	p.listeners[id] = append(lst, listener{client: client, always: notifyAlways})
	connected, stub := p.connected, p.stubAddr

	// the stub pushes attributes to new subscribers.
	var replay *NotificationEvent
	pushed := first && connected && id.IsAttribute()
	if cached, ok := p.values[id]; ok && cached.state == DataOK && !pushed {
		replay = &NotificationEvent{
			serviceBase: serviceBase{
				source: stub,
				msgID:  id,
				seq:    SeqNotify,
				data:   cached.data.Share(),
			},
			result:     ResultDataOK,
			state:      DataOK,
			caller:     client,
			callerOnly: true,
			changed:    true,
		}
	}
	p.lk.Unlock()

	if first && connected {
		p.bus.route(newNotifyRequestEvent(p.addr, stub, id, StartNotify))
	}
	if replay != nil {
		p.post(replay)
	}
	return nil
}

// ClearNotification unsubscribes `client` from `id`.
func (p *Proxy) ClearNotification(id MessageID, client Client) {
	p.lk.Lock()
	lst := p.listeners[id]
	idx := slices.IndexFunc(lst, func(l listener) bool { return l.client == client })
	if idx < 0 {
		p.lk.Unlock()
		return
	}
	lst = slices.Delete(lst, idx, idx+1)
	last := len(lst) == 0
	if last {
		delete(p.listeners, id)
	} else {
		p.listeners[id] = lst
	}
	connected, stub := p.connected, p.stubAddr
	p.lk.Unlock()

	if last && connected {
		p.bus.route(newNotifyRequestEvent(p.addr, stub, id, StopNotify))
	}
}

// ClearAllNotifications unsubscribes `client` from every id.
func (p *Proxy) ClearAllNotifications(client Client) {
	var emptied []MessageID

	p.lk.Lock()
	for id, lst := range p.listeners {
		idx := slices.IndexFunc(lst, func(l listener) bool { return l.client == client })
		if idx < 0 {
			continue
		}
		lst = slices.Delete(lst, idx, idx+1)
		if len(lst) == 0 {
			delete(p.listeners, id)
			emptied = append(emptied, id)
		} else {
			p.listeners[id] = lst
		}
	}
	connected, stub := p.connected, p.stubAddr
	p.lk.Unlock()

	if !connected {
		return
	}
	slices.Sort(emptied)
	for _, id := range emptied {
		p.bus.route(newNotifyRequestEvent(p.addr, stub, id, StopNotify))
	}
}

// IsNotified tells whether `client` subscribed to `id`.
func (p *Proxy) IsNotified(id MessageID, client Client) bool {
	p.lk.Lock()
	defer p.lk.Unlock()
	return slices.ContainsFunc(p.listeners[id], func(l listener) bool { return l.client == client })
}

// Value returns a reader on a copy of the last payload received for `id`.
func (p *Proxy) Value(id MessageID) (*remote.Reader, DataState) {
	p.lk.Lock()
	defer p.lk.Unlock()
	cached, ok := p.values[id]
	if !ok {
		return remote.NewReader(nil), DataUnavailable
	}
	return remote.NewReader(bytes.Clone(cached.data.Payload())), cached.state
}

func (p *Proxy) State(id MessageID) DataState {
	p.lk.Lock()
	defer p.lk.Unlock()
	return p.stateLocked(id)
}

func (p *Proxy) stateLocked(id MessageID) DataState {
	if cached, ok := p.values[id]; ok {
		return cached.state
	}
	return DataUnavailable
}

// storeLocked updates the cache and reports whether the value changed.
func (p *Proxy) storeLocked(id MessageID, state DataState, data *remote.Message) bool {
	cached, ok := p.values[id]
	if !ok {
		cached = &cachedValue{}
		p.values[id] = cached
	}
	changed := cached.state != state
	if state == DataOK {
		if !bytes.Equal(cached.data.Payload(), data.Payload()) {
			changed = true
		}
		old := cached.data
		cached.data = data.Share()
		old.Release()
	}
	cached.state = state
	return changed
}

func (p *Proxy) post(ev *NotificationEvent) {
	ev.target = p.addr
	if ev.RegisterForThread(p.thread) {
		Deliver(ev)
	}
}

func (p *Proxy) ProcessResponseEvent(ev *ResponseEvent) {
	id, result, seq := ev.MessageID(), ev.Result(), ev.Sequence()
	if !result.IsValid() {
		p.tm.incr(MetricResultUnrecognized, LabelMessageID.M(id.String()))
		p.tm.logger.Error(
			"dropping a response with an unrecognized result",
			LabelMessageID.L(id),
			LabelResult.L(uint32(result)),
		)
		return
	}
	failure := result.IsRequestFailure()

	p.lk.Lock()
	if p.closed || (!failure && !p.connected) {
		p.lk.Unlock()
		p.tm.logger.Debug("dropping a response received while disconnected", LabelMessageID.L(id))
		return
	}

	var (
		caller   Client
		listenOn MessageID
	)
	if seq != SeqNotify && seq != SeqAny {
		if call, ok := p.pending[seq]; ok && (id == call.response || id == call.request) {
			delete(p.pending, seq)
			caller = call.caller
			if failure {
				id, listenOn = call.request, call.response
			}
		}
	}
	// failures are reported under the request id, and still reach the
	// subscribers of its response.
	if failure && id.IsResponse() {
		if req := p.iface.RequestFor(id); req != MsgInvalid {
			id, listenOn = req, id
		}
	}
	if !p.iface.Has(id) {
		p.lk.Unlock()
		p.tm.logger.Warn("dropping a response with an unknown id", LabelMessageID.L(id))
		return
	}

	notif := &NotificationEvent{
		serviceBase: serviceBase{
			source: ev.Source(),
			msgID:  id,
			seq:    seq,
		},
		result:   result,
		caller:   caller,
		changed:  true,
		listenOn: listenOn,
	}
	switch result {
	case ResultOK, ResultDataOK:
		notif.changed = p.storeLocked(id, DataOK, ev.Data())
		notif.state = DataOK
		notif.data = ev.Data().Share()
	case ResultDataInvalid, ResultInvalid:
		notif.changed = p.storeLocked(id, DataInvalid, nil)
		notif.state = DataInvalid
	default:
		notif.state = p.stateLocked(id)
	}
	p.lk.Unlock()

	if failure {
		p.tm.logger.Debug(
			"request failed",
			LabelMessageID.L(id),
			LabelSequence.L(seq),
			LabelResult.L(result.String()),
		)
	}
	p.post(notif)
}

func (p *Proxy) ProcessNotificationEvent(ev *NotificationEvent) {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return
	}
	var recipients []Client
	if ev.caller != nil && slices.Contains(p.clients, ev.caller) {
		recipients = append(recipients, ev.caller)
	}
	if !ev.callerOnly {
		for _, l := range p.listeners[ev.listenersID()] {
			if !ev.changed && !l.always {
				continue
			}
			if !slices.Contains(recipients, l.client) {
				recipients = append(recipients, l.client)
			}
		}
	}
	p.lk.Unlock()

	n := Notification{
		MessageID: ev.msgID,
		Result:    ev.result,
		Sequence:  ev.seq,
		State:     ev.state,
		Proxy:     p,
		data:      ev.data,
	}
	for _, client := range recipients {
		client.ProcessNotification(n)
	}
}

func (p *Proxy) ProcessConnectEvent(ev *ConnectEvent) {
	switch ev.Status() {
	case Connected:
		p.lk.Lock()
		if p.closed || (p.connected && sameStub(p.stubAddr, ev.Source())) {
			p.lk.Unlock()
			return
		}
		p.connected = true
		p.stubAddr = ev.Source()
		clients := slices.Clone(p.clients)
		ids := make([]MessageID, 0, len(p.listeners))
		for id := range p.listeners {
			ids = append(ids, id)
		}
		stub := p.stubAddr
		p.lk.Unlock()

		p.tm.logger.Debug("connected", "stub", stub.String())
		slices.Sort(ids)
		for _, id := range ids {
			p.bus.route(newNotifyRequestEvent(p.addr, stub, id, StartNotify))
		}
		for _, client := range clients {
			client.ServiceConnected(Connected, p)
		}

	case Disconnected:
		p.lk.Lock()
		if !p.connected || !sameStub(p.stubAddr, ev.Source()) {
			p.lk.Unlock()
			return
		}
		p.connected = false
		p.stubAddr = ServiceAddress{}
		p.resetLocked()
		clients := slices.Clone(p.clients)
		p.lk.Unlock()

		p.tm.logger.Debug("disconnected")
		for _, client := range clients {
			client.ServiceConnected(Disconnected, p)
		}
	}
}

func (p *Proxy) resetLocked() {
	clear(p.listeners)
	clear(p.pending)
	for _, cached := range p.values {
		cached.data.Release()
	}
	clear(p.values)
}

// addClient attaches the client. It reports whether it was not attached
// yet and whether the proxy is connected.
func (p *Proxy) addClient(c Client) (added, connected bool, err error) {
	p.lk.Lock()
	defer p.lk.Unlock()
	if p.closed {
		return false, false, ErrProxyClosed
	}
	if slices.Contains(p.clients, c) {
		return false, p.connected, nil
	}
	p.clients = append(p.clients, c)
	return true, p.connected, nil
}

// removeClient detaches the client and reports whether it was the last.
// Its subscriptions are left to the caller.
func (p *Proxy) removeClient(c Client) (last bool, found bool) {
	p.lk.Lock()
	defer p.lk.Unlock()
	idx := slices.Index(p.clients, c)
	if idx < 0 {
		return false, false
	}
	p.clients = slices.Delete(p.clients, idx, idx+1)
	for seq, call := range p.pending {
		if call.caller == c {
			call.caller = nil
			p.pending[seq] = call
		}
	}
	return len(p.clients) == 0, true
}

// NumClients returns how many clients are attached.
func (p *Proxy) NumClients() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.clients)
}

// close tells the stub the proxy is going away and stops consuming events.
func (p *Proxy) close() {
	p.lk.Lock()
	if p.closed {
		p.lk.Unlock()
		return
	}
	p.closed = true
	connected, stub := p.connected, p.stubAddr
	p.connected = false
	p.resetLocked()
	p.lk.Unlock()

	if connected {
		p.bus.route(newNotifyRequestEvent(p.addr, stub, MsgRemoveAllNotify, RemoveAllNotify))
	}
	p.thread.unregister(consumerKey{p.addr, sideProxy}, p)
}

// sameStub compares stub addresses regardless of the thread, which is not
// known for stubs living on other channels.
func sameStub(a, b ServiceAddress) bool {
	return a.service == b.service && a.role == b.role && a.channel == b.channel
}
