package relay

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/relay/pkg/remote"
	"golang.org/x/sync/errgroup"
)

// Bus routes events between the proxies and stubs of a process. It owns the
// threads they run on and the directory of the services they speak to.
//
// A bus is identified by its channel. Services living on other channels
// are declared with `AttachRemoteService` and reached through a `Link`,
// messages coming from them are handed to `Receive`.
type Bus struct {
	config  config
	tm      telemetry
	channel uint64
	dir     *directory

	lk      sync.Mutex
	link    Link
	threads map[string]*Thread
	// role -> thread -> proxy
	proxies map[string]map[string]*Proxy
	// channel -> remote proxy -> stub it talks to
	remoteProxies map[uint64]map[ServiceAddress]ServiceAddress
	shutdown      bool
}

func Create(opts ...Option) (*Bus, error) {
	b := &Bus{
		dir:           newDirectory(),
		threads:       make(map[string]*Thread),
		proxies:       make(map[string]map[string]*Proxy),
		remoteProxies: make(map[uint64]map[ServiceAddress]ServiceAddress),
	}

	for _, opt := range opts {
		err := opt(&b.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	// Logging implementations.
	if b.config.logHandler != nil {
		b.tm.logger = slog.New(b.config.logHandler)
	} else {
		b.tm.logger = slog.Default()
	}

	// Metrics implementations.
	if b.config.msink == nil {
		b.config.msink = metrics.Default()
	}
	b.tm.msink = b.config.msink
	b.tm.labels = b.config.metricLabels

	b.channel = b.config.channel
	for b.channel == 0 {
		b.channel = rand.Uint64()
	}
	b.link = b.config.link

	b.tm.logger = b.tm.logger.With(LabelChannel.L(channelLabel(b.channel)))
	b.tm.logger.Info("bus created")
	return b, nil
}

func channelLabel(channel uint64) string {
	return strconv.FormatUint(channel, 16)
}

// Channel identifies the bus in service addresses.
func (b *Bus) Channel() uint64 {
	return b.channel
}

// SetLink replaces the link used to reach other channels. A nil link makes
// every remote message undeliverable.
func (b *Bus) SetLink(link Link) {
	b.lk.Lock()
	defer b.lk.Unlock()
	b.link = link
}

// StartThread creates a thread and starts dispatching its events.
func (b *Bus) StartThread(name string) (*Thread, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: thread", ErrNameInvalid)
	}

	b.lk.Lock()
	defer b.lk.Unlock()
	if b.shutdown {
		return nil, ErrBusClosed
	}
	if _, has := b.threads[name]; has {
		return nil, fmt.Errorf("%w: thread %q already exists", ErrNameConflict, name)
	}
	t := newThread(name, b.tm, b.config.queueWarning)
	b.threads[name] = t
	b.tm.logger.Debug("thread started", LabelThread.L(name))
	return t, nil
}

// Thread returns the thread named `name`, nil if there is none.
func (b *Bus) Thread(name string) *Thread {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.threads[name]
}

// Shutdown stops every thread. Events still queued are destroyed, the
// proxies and stubs are left as they are: they cannot process anything
// anymore.
func (b *Bus) Shutdown() error {
	b.lk.Lock()
	if b.shutdown {
		b.lk.Unlock()
		return nil
	}
	b.shutdown = true
	threads := make([]*Thread, 0, len(b.threads))
	for _, t := range b.threads {
		threads = append(threads, t)
	}
	b.lk.Unlock()

	start := time.Now()
	b.tm.logger.Info("shutting down...")

	var g errgroup.Group
	for _, t := range threads {
		g.Go(t.Stop)
	}
	err := g.Wait()

	b.tm.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}

// AttachProxy returns the proxy of `role` on `thread` and attaches `client`
// to it. The proxy is created by the first client and connects as soon as
// a compatible stub is registered for the role.
//
// A client attached to an already connected proxy gets its
// `ServiceConnected` callback posted on the thread.
func (b *Bus) AttachProxy(iface *Interface, role, thread string, client Client) (*Proxy, error) {
	if iface == nil {
		return nil, fmt.Errorf("%w: nil interface", ErrInterface)
	}
	if role == "" {
		return nil, fmt.Errorf("%w: role", ErrNameInvalid)
	}
	if client == nil {
		return nil, ErrNilHandler
	}

	b.lk.Lock()
	if b.shutdown {
		b.lk.Unlock()
		return nil, ErrBusClosed
	}
	t := b.threads[thread]
	if t == nil {
		b.lk.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownThread, thread)
	}
	byThread := b.proxies[role]
	p := byThread[thread]
	created := p == nil
	if created {
		p = newProxy(b, iface, role, t)
		if err := t.register(consumerKey{p.addr, sideProxy}, p); err != nil {
			b.lk.Unlock()
			return nil, err
		}
		if byThread == nil {
			byThread = make(map[string]*Proxy)
			b.proxies[role] = byThread
		}
		byThread[thread] = p
	} else if !p.iface.Compatible(iface) {
		b.lk.Unlock()
		return nil, fmt.Errorf(
			"%w: %s proxy already speaks %s %s",
			ErrIfaceMismatch, role, p.iface.Name(), p.iface.Version(),
		)
	}
	added, connected, err := p.addClient(client)
	b.lk.Unlock()
	if err != nil {
		return nil, err
	}

	if created {
		b.tm.logger.Debug("proxy created", LabelAddress.L(p.addr))
		if rec, ok := b.dir.lookup(role); ok {
			b.connect(p, rec)
		}
	} else if added && connected {
		t.Post(func() {
			if p.IsConnected() {
				client.ServiceConnected(Connected, p)
			}
		})
	}
	return p, nil
}

// DetachProxy detaches `client` from the proxy and drops its
// subscriptions. If the proxy was connected, the client gets a last
// `ServiceConnected(Disconnected)` callback on the thread.
//
// The last client closes the proxy: its stub forgets about it and the next
// `AttachProxy` creates a new one.
func (b *Bus) DetachProxy(p *Proxy, client Client) error {
	b.lk.Lock()
	connected := p.IsConnected()
	last, found := p.removeClient(client)
	if last {
		if byThread := b.proxies[p.addr.Role()]; byThread[p.addr.Thread()] == p {
			delete(byThread, p.addr.Thread())
			if len(byThread) == 0 {
				delete(b.proxies, p.addr.Role())
			}
		}
	}
	b.lk.Unlock()

	if !found {
		return fmt.Errorf("%w: client is not attached to %s", ErrNotRegistered, p.addr)
	}
	if last {
		p.close()
		b.tm.logger.Debug("proxy closed", LabelAddress.L(p.addr))
	} else {
		p.ClearAllNotifications(client)
	}
	if connected {
		p.thread.Post(func() { client.ServiceConnected(Disconnected, p) })
	}
	return nil
}

// RegisterStub makes `handler` serve `role` on `thread`. Proxies already
// waiting for the role get connected.
func (b *Bus) RegisterStub(iface *Interface, role, thread string, handler StubHandler, opts ...StubOption) (*Stub, error) {
	if iface == nil {
		return nil, fmt.Errorf("%w: nil interface", ErrInterface)
	}
	if role == "" {
		return nil, fmt.Errorf("%w: role", ErrNameInvalid)
	}
	if handler == nil {
		return nil, ErrNilHandler
	}
	var cfg stubConfig
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	b.lk.Lock()
	if b.shutdown {
		b.lk.Unlock()
		return nil, ErrBusClosed
	}
	t := b.threads[thread]
	if t == nil {
		b.lk.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrUnknownThread, thread)
	}
	s := newStub(b, iface, role, t, handler, cfg)
	key := consumerKey{s.addr, sideStub}
	if err := t.register(key, s); err != nil {
		b.lk.Unlock()
		return nil, err
	}
	rec := &serviceRecord{addr: s.addr, stub: s}
	if err := b.dir.register(rec); err != nil {
		t.unregister(key, s)
		b.lk.Unlock()
		return nil, err
	}
	waiting := b.proxiesLocked(role)
	b.lk.Unlock()

	b.tm.logger.Info("stub registered", LabelAddress.L(s.addr))
	for _, p := range waiting {
		b.connect(p, rec)
	}
	return s, nil
}

// UnregisterStub cancels the requests pending on `s`, disconnects its
// proxies and removes it from the directory.
func (b *Bus) UnregisterStub(s *Stub) error {
	rec, ok := b.dir.unregister(s.addr.Role(), func(rec *serviceRecord) bool {
		return rec.stub == s
	})
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRegistered, s.addr)
	}
	s.UnlockAllRequests()

	b.lk.Lock()
	waiting := b.proxiesLocked(s.addr.Role())
	var remotes []ServiceAddress
	for _, known := range b.remoteProxies {
		for proxy, stub := range known {
			if stub.Role() == s.addr.Role() {
				remotes = append(remotes, proxy)
				delete(known, proxy)
			}
		}
	}
	b.lk.Unlock()

	for _, p := range waiting {
		b.disconnect(p, rec)
	}
	for _, proxy := range remotes {
		b.route(newConnectEvent(s.addr, proxy, Disconnected, false))
	}
	s.close()
	b.tm.logger.Info("stub unregistered", LabelAddress.L(s.addr))
	return nil
}

// AttachRemoteService declares that `role` is served on `channel`. Local
// proxies of the role speaking `service` get connected to it.
func (b *Bus) AttachRemoteService(service, role string, channel uint64) error {
	if service == "" || role == "" {
		return fmt.Errorf("%w: service and role", ErrNameInvalid)
	}
	if channel == 0 || channel == b.channel {
		return fmt.Errorf("%w: %x is not a remote channel", ErrInvalidChannel, channel)
	}
	rec := &serviceRecord{addr: NewServiceAddress(service, role, "", channel)}

	b.lk.Lock()
	if b.shutdown {
		b.lk.Unlock()
		return ErrBusClosed
	}
	if err := b.dir.register(rec); err != nil {
		b.lk.Unlock()
		return err
	}
	waiting := b.proxiesLocked(role)
	b.lk.Unlock()

	b.tm.logger.Info("remote service attached", LabelAddress.L(rec.addr))
	for _, p := range waiting {
		b.connect(p, rec)
	}
	return nil
}

// DetachRemoteService forgets the remote service of `role` and
// disconnects its local proxies.
func (b *Bus) DetachRemoteService(role string) error {
	rec, ok := b.dir.unregister(role, (*serviceRecord).isRemote)
	if !ok {
		return fmt.Errorf("%w: no remote service for %q", ErrNotRegistered, role)
	}
	for _, p := range b.proxiesOf(role) {
		b.disconnect(p, rec)
	}
	b.tm.logger.Info("remote service detached", LabelAddress.L(rec.addr))
	return nil
}

// DetachChannel forgets everything living on `channel`, typically because
// its link went down: local proxies of its services are disconnected and
// local stubs forget its proxies.
func (b *Bus) DetachChannel(channel uint64) {
	removed := b.dir.removeChannel(channel)

	b.lk.Lock()
	proxies := b.remoteProxies[channel]
	delete(b.remoteProxies, channel)
	b.lk.Unlock()

	for _, rec := range removed {
		for _, p := range b.proxiesOf(rec.addr.Role()) {
			b.disconnect(p, rec)
		}
	}
	for proxy, stub := range proxies {
		b.deliverLocal(newConnectEvent(proxy, stub, Disconnected, true))
	}
	b.tm.logger.Info(
		"channel detached",
		LabelChannel.L(channelLabel(channel)),
		"services", len(removed),
		"proxies", len(proxies),
	)
}

// ScanServices lists the services whose role starts with `prefix`, in role
// order. Remote services have no thread.
func (b *Bus) ScanServices(prefix string) []ServiceAddress {
	recs := b.dir.scan(prefix)
	addrs := make([]ServiceAddress, 0, len(recs))
	for _, rec := range recs {
		addrs = append(addrs, rec.addr)
	}
	return addrs
}

// Lookup returns the address of the service registered for `role`.
func (b *Bus) Lookup(role string) (ServiceAddress, bool) {
	rec, ok := b.dir.lookup(role)
	if !ok {
		return ServiceAddress{}, false
	}
	return rec.addr, true
}

func (b *Bus) proxiesLocked(role string) []*Proxy {
	byThread := b.proxies[role]
	proxies := make([]*Proxy, 0, len(byThread))
	for _, p := range byThread {
		proxies = append(proxies, p)
	}
	return proxies
}

func (b *Bus) proxiesOf(role string) []*Proxy {
	b.lk.Lock()
	defer b.lk.Unlock()
	return b.proxiesLocked(role)
}

// connect introduces a proxy and a stub to each other. The stub hears of
// the proxy first so it knows it before its first request.
func (b *Bus) connect(p *Proxy, rec *serviceRecord) {
	if rec.isRemote() {
		if p.iface.Name() != rec.addr.Service() {
			b.tm.logger.Warn(
				"proxy and remote service disagree on the interface",
				LabelAddress.L(p.addr),
				LabelService.L(rec.addr.Service()),
			)
			return
		}
	} else {
		if !p.iface.Compatible(rec.stub.iface) {
			b.tm.logger.Warn(
				"proxy and stub interfaces are not compatible",
				LabelAddress.L(p.addr),
				"proxy_version", p.iface.Version().String(),
				"stub_version", rec.stub.iface.Version().String(),
			)
			return
		}
		b.deliverLocal(newConnectEvent(p.addr, rec.addr, Connected, true))
	}
	b.deliverLocal(newConnectEvent(rec.addr, p.addr, Connected, false))
}

// disconnect only tells the proxy: the service is already gone from the
// directory.
func (b *Bus) disconnect(p *Proxy, rec *serviceRecord) {
	b.deliverLocal(newConnectEvent(rec.addr, p.addr, Disconnected, false))
}

// route sends an event to its target, wherever it lives.
func (b *Bus) route(ev serviceEvent) {
	if !ev.Target().IsLocal(b.channel) {
		b.sendRemote(ev)
		return
	}
	b.deliverLocal(ev)
}

// deliverLocal queues the event on the thread of its target. Stubs are
// found by role since remote proxies do not know their thread.
func (b *Bus) deliverLocal(ev serviceEvent) {
	var thread *Thread
	key, _ := ev.consumerKey()
	if key.side == sideStub {
		if rec, ok := b.dir.lookup(ev.Target().Role()); ok && !rec.isRemote() &&
			rec.addr.Service() == ev.Target().Service() {
			ev.retarget(rec.addr)
			thread = rec.stub.thread
		}
	} else {
		b.lk.Lock()
		thread = b.threads[ev.Target().Thread()]
		b.lk.Unlock()
	}

	if thread != nil && ev.RegisterForThread(thread) && Deliver(ev) {
		return
	}
	b.undeliverable(ev)
}

func (b *Bus) sendRemote(ev serviceEvent) {
	b.lk.Lock()
	link := b.link
	b.lk.Unlock()

	channel := channelLabel(ev.Target().Channel())
	if link == nil {
		b.tm.logger.Warn("no link to reach channel", LabelChannel.L(channel), LabelError.L(ErrNoLink))
		b.undeliverable(ev)
		return
	}
	msg, err := encodeEvent(b.channel, ev)
	if err != nil {
		b.tm.logger.Error("failed to encode a remote event", LabelError.L(err), LabelMessageID.L(ev.MessageID()))
		b.undeliverable(ev)
		return
	}
	ev.Destroy()

	size := len(msg.Bytes())
	err = link.Send(msg)
	msg.Release()
	if err != nil {
		b.tm.logger.Warn("failed to send a remote event", LabelChannel.L(channel), LabelError.L(err))
		b.undeliverable(ev)
		return
	}
	b.tm.add(MetricRemoteOutBytes, float32(size), LabelChannel.M(channel))
}

// undeliverable destroys the event. Requests are bounced back to their
// caller as `ResultMessageUndelivered`, anything else is dropped.
func (b *Bus) undeliverable(ev serviceEvent) {
	ev.Destroy()
	b.tm.incr(
		MetricMessageUndelivered,
		LabelEventType.M(ev.eventType()),
		LabelMessageID.M(ev.MessageID().String()),
	)
	if req, ok := ev.(*RequestEvent); ok && req.Source().IsValid() {
		b.tm.logger.Debug(
			"request is undeliverable",
			LabelAddress.L(req.Target()),
			LabelMessageID.L(req.MessageID()),
			LabelSequence.L(req.Sequence()),
		)
		b.route(newResponseEvent(
			req.Target(), req.Source(), req.MessageID(), req.Sequence(),
			ResultMessageUndelivered, nil,
		))
		return
	}
	b.tm.logger.Warn(
		"dropping an undeliverable event",
		LabelEventType.L(ev.eventType()),
		LabelAddress.L(ev.Target()),
		LabelMessageID.L(ev.MessageID()),
	)
}

// Receive routes a message coming from another channel. It takes ownership
// of `msg`. Nothing is routed unless the message is intact, addressed to
// this bus and fully decoded.
func (b *Bus) Receive(msg *remote.Message) error {
	defer msg.Release()

	if err := msg.Verify(); err != nil {
		b.tm.incr(MetricRemoteChecksumErrors, LabelChannel.M(channelLabel(msg.Source())))
		return fmt.Errorf("%w: %w", ErrCorruptMessage, err)
	}
	if msg.Target() != b.channel {
		b.tm.incr(MetricRemoteDecodeErrors, LabelChannel.M(channelLabel(msg.Source())))
		return fmt.Errorf("%w: %x", ErrMisdirected, msg.Target())
	}
	ev, err := decodeEvent(msg)
	if err != nil {
		b.tm.incr(MetricRemoteDecodeErrors, LabelChannel.M(channelLabel(msg.Source())))
		return err
	}
	b.tm.add(MetricRemoteInBytes, float32(len(msg.Bytes())), LabelChannel.M(channelLabel(msg.Source())))

	b.trackRemoteProxy(ev)
	b.deliverLocal(ev)
	return nil
}

// ReceiveBytes is `Receive` for a message held in a byte slice, which is
// copied.
func (b *Bus) ReceiveBytes(raw []byte) error {
	msg, err := remote.InitMessage(raw)
	if err != nil {
		b.tm.incr(MetricRemoteDecodeErrors)
		return fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}
	return b.Receive(msg)
}

// trackRemoteProxy remembers which remote proxies talk to local stubs, so
// they can be disconnected when the stub goes away. A stub hears of a
// remote proxy on its first event.
func (b *Bus) trackRemoteProxy(ev serviceEvent) {
	if key, _ := ev.consumerKey(); key.side != sideStub {
		return
	}
	proxy, stub := ev.Source(), ev.Target()
	forget := false
	switch ev := ev.(type) {
	case *NotifyRequestEvent:
		forget = ev.NotifyType() == RemoveAllNotify
	case *ConnectEvent:
		forget = ev.Status() == Disconnected
	}

	b.lk.Lock()
	known := b.remoteProxies[proxy.Channel()]
	_, has := known[proxy]
	switch {
	case forget && has:
		delete(known, proxy)
		if len(known) == 0 {
			delete(b.remoteProxies, proxy.Channel())
		}
	case !forget && !has:
		if known == nil {
			known = make(map[ServiceAddress]ServiceAddress)
			b.remoteProxies[proxy.Channel()] = known
		}
		known[proxy] = stub
	}
	b.lk.Unlock()

	if !forget && !has {
		b.deliverLocal(newConnectEvent(proxy, stub, Connected, true))
	}
}
