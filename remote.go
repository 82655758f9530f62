package relay

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/raskyld/relay/pkg/remote"
)

// Link hands remote messages to the transport reaching other channels.
// `msg.Target()` is the channel of the destination.
//
// The message is completed and only valid during the call: a link keeping
// it longer MUST `Share` it and release its handle when done.
type Link interface {
	Send(msg *remote.Message) error
}

// LinkFunc adapts a function to `Link`.
type LinkFunc func(msg *remote.Message) error

func (f LinkFunc) Send(msg *remote.Message) error {
	return f(msg)
}

type remoteEventType uint64

const (
	remoteRequest remoteEventType = iota + 1
	remoteNotifyRequest
	remoteResponse
	remoteConnect
)

// eventWriter stops writing at the first error.
type eventWriter struct {
	m   *remote.Message
	err error
}

func (w *eventWriter) uvarint(v uint64) {
	if w.err == nil {
		w.err = w.m.WriteUvarint(v)
	}
}

func (w *eventWriter) boolean(v bool) {
	if w.err == nil {
		w.err = w.m.WriteBool(v)
	}
}

func (w *eventWriter) bytes(b []byte) {
	if w.err == nil {
		w.err = w.m.WriteBytes(b)
	}
}

func (w *eventWriter) address(addr ServiceAddress) {
	if w.err == nil {
		w.err = w.m.WriteString(addr.service)
	}
	if w.err == nil {
		w.err = w.m.WriteString(addr.role)
	}
	if w.err == nil {
		w.err = w.m.WriteString(addr.thread)
	}
	if w.err == nil {
		w.err = w.m.WriteFixed64(addr.channel)
	}
}

// encodeEvent serialises a service event leaving the bus owning `channel`.
// The payload is laid out as:
//
//	eventType   uvarint
//	notifyType  uvarint, notify requests only
//	status      uvarint + toStub bool, connect events only
//	source      address
//	target      address
//	args        bytes
//
// with addresses as {service string, role string, thread string,
// channel fixed64}.
func encodeEvent(channel uint64, ev serviceEvent) (*remote.Message, error) {
	h := remote.Header{
		Target:    ev.Target().Channel(),
		Source:    channel,
		MessageID: uint32(ev.MessageID()),
		Result:    remote.ResultIgnore,
		Sequence:  uint32(ev.Sequence()),
	}

	var head func(w *eventWriter)
	switch ev := ev.(type) {
	case *RequestEvent:
		head = func(w *eventWriter) {
			w.uvarint(uint64(remoteRequest))
		}
	case *NotifyRequestEvent:
		head = func(w *eventWriter) {
			w.uvarint(uint64(remoteNotifyRequest))
			w.uvarint(uint64(ev.notify))
		}
	case *ResponseEvent:
		h.Result = uint32(ev.result)
		head = func(w *eventWriter) {
			w.uvarint(uint64(remoteResponse))
		}
	case *ConnectEvent:
		head = func(w *eventWriter) {
			w.uvarint(uint64(remoteConnect))
			w.uvarint(uint64(ev.status))
			w.boolean(ev.toStub)
		}
	default:
		return nil, fmt.Errorf("%w: %s events cannot leave the bus", ErrUnexpectedEvent, ev.eventType())
	}

	args := ev.Data().Payload()
	m, err := remote.NewMessageFor(h, len(args)+128)
	if err != nil {
		return nil, err
	}
	w := &eventWriter{m: m}
	head(w)
	w.address(ev.Source())
	w.address(ev.Target())
	w.bytes(args)
	if w.err != nil {
		m.Release()
		return nil, w.err
	}
	m.BufferCompletionFix()
	return m, nil
}

func readAddress(r *remote.Reader) (addr ServiceAddress, err error) {
	if addr.service, err = r.String(); err != nil {
		return addr, err
	}
	if addr.role, err = r.String(); err != nil {
		return addr, err
	}
	if addr.thread, err = r.String(); err != nil {
		return addr, err
	}
	addr.channel, err = r.Fixed64()
	return addr, err
}

// decodeEvent is the reverse of `encodeEvent`. Nothing is built unless
// the whole message is well-formed.
func decodeEvent(m *remote.Message) (serviceEvent, error) {
	malformed := func(err error) (serviceEvent, error) {
		return nil, fmt.Errorf("%w: %w", ErrMalformedEvent, err)
	}

	r := m.Reader()
	kind, err := r.Uvarint()
	if err != nil {
		return malformed(err)
	}

	var (
		notify NotifyType
		status ConnectionStatus
		toStub bool
	)
	switch remoteEventType(kind) {
	case remoteRequest, remoteResponse:
	case remoteNotifyRequest:
		v, err := r.Uvarint()
		if err != nil {
			return malformed(err)
		}
		if v > uint64(RemoveAllNotify) {
			return malformed(fmt.Errorf("unknown notify type %d", v))
		}
		notify = NotifyType(v)
	case remoteConnect:
		v, err := r.Uvarint()
		if err != nil {
			return malformed(err)
		}
		if v > uint64(Connected) {
			return malformed(fmt.Errorf("unknown connection status %d", v))
		}
		status = ConnectionStatus(v)
		if toStub, err = r.Bool(); err != nil {
			return malformed(err)
		}
	default:
		return malformed(fmt.Errorf("unknown event type %d", kind))
	}

	source, err := readAddress(r)
	if err != nil {
		return malformed(err)
	}
	target, err := readAddress(r)
	if err != nil {
		return malformed(err)
	}
	args, err := r.Bytes()
	if err != nil {
		return malformed(err)
	}
	if r.Len() != 0 {
		return malformed(fmt.Errorf("%d trailing bytes", r.Len()))
	}
	if source.channel != m.Source() || target.channel != m.Target() {
		return malformed(errors.New("addresses do not match the header"))
	}

	var data *remote.Message
	if len(args) > 0 {
		if data, err = remote.NewMessage(len(args)); err != nil {
			return nil, err
		}
		if _, err = data.Write(args); err != nil {
			data.Release()
			return nil, err
		}
	}

	id, seq := MessageID(m.MessageID()), SequenceNr(m.Sequence())
	switch remoteEventType(kind) {
	case remoteRequest:
		return newRequestEvent(source, target, id, seq, data), nil
	case remoteNotifyRequest:
		data.Release()
		return newNotifyRequestEvent(source, target, id, notify), nil
	case remoteResponse:
		return newResponseEvent(source, target, id, seq, ResultType(m.Result()), data), nil
	default:
		data.Release()
		return newConnectEvent(source, target, status, toStub), nil
	}
}

// StreamLink is a `Link` writing frames to a byte stream, typically a
// connection whose other end is served by `Bus.ServeStream`. Frames are
// written by a single goroutine, in the order they were sent.
type StreamLink struct {
	w      io.Writer
	logger *slog.Logger
	queue  chan *remote.Message

	lk      sync.Mutex
	closed  bool
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewStreamLink starts writing to `w`. A nil logger uses `slog.Default()`.
func NewStreamLink(w io.Writer, logger *slog.Logger) *StreamLink {
	if logger == nil {
		logger = slog.Default()
	}
	l := &StreamLink{
		w:       w,
		logger:  logger,
		queue:   make(chan *remote.Message, 256),
		closeCh: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.handleWrites()
	return l
}

func (l *StreamLink) Send(msg *remote.Message) error {
	shared := msg.Share()
	if shared == nil {
		return remote.ErrReleased
	}
	select {
	case <-l.closeCh:
		shared.Release()
		return ErrLinkClosed
	default:
	}
	select {
	case l.queue <- shared:
		return nil
	case <-l.closeCh:
		shared.Release()
		return ErrLinkClosed
	}
}

// Close stops writing. Frames still queued are dropped.
func (l *StreamLink) Close() error {
	l.lk.Lock()
	if l.closed {
		l.lk.Unlock()
		return nil
	}
	l.closed = true
	close(l.closeCh)
	l.lk.Unlock()
	l.wg.Wait()
	return nil
}

func (l *StreamLink) handleWrites() {
	defer l.wg.Done()
	for {
		select {
		case msg := <-l.queue:
			err := remote.WriteFrame(l.w, msg)
			msg.Release()
			if err != nil {
				l.logger.Error("failed to write a frame", LabelError.L(err))
			}
		case <-l.closeCh:
			for {
				select {
				case msg := <-l.queue:
					msg.Release()
				default:
					return
				}
			}
		}
	}
}

// ServeStream receives the frames read from `r` until it is exhausted,
// fails or `ctx` is done. Messages which cannot be received are logged
// and skipped, a broken stream ends the loop.
func (b *Bus) ServeStream(ctx context.Context, r io.Reader) error {
	br := bufio.NewReader(r)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := remote.ReadFrame(br)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := b.Receive(msg); err != nil {
			b.tm.logger.Warn("dropping a remote message", LabelError.L(err))
		}
	}
}
