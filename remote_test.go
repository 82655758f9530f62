package relay

import (
	"bytes"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/raskyld/relay/pkg/remote"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockLink struct {
	m mock.Mock
}

func (l *MockLink) Send(msg *remote.Message) error {
	args := l.m.Called(msg.MessageID(), msg.Target())
	return args.Error(0)
}

func TestRemoteEvents(t *testing.T) {
	proxy := NewServiceAddress(counterService, "counter", "client", 2)
	stub := NewServiceAddress(counterService, "counter", "", 1)

	roundTrip := func(t *testing.T, ev serviceEvent) serviceEvent {
		t.Helper()
		msg, err := encodeEvent(ev.Source().Channel(), ev)
		require.NoError(t, err)
		defer msg.Release()
		require.NoError(t, msg.Verify())
		require.Equal(t, ev.Target().Channel(), msg.Target())

		decoded, err := decodeEvent(msg)
		require.NoError(t, err)
		require.Equal(t, ev.Source(), decoded.Source())
		require.Equal(t, ev.Target(), decoded.Target())
		require.Equal(t, ev.MessageID(), decoded.MessageID())
		require.Equal(t, ev.Sequence(), decoded.Sequence())
		require.Equal(t, ev.Data().Payload(), decoded.Data().Payload())
		return decoded
	}

	t.Run("requests keep their arguments", func(t *testing.T) {
		ev := newRequestEvent(proxy, stub, reqAdd, 12, uvarintMsg(t, 300))
		defer ev.Destroy()
		decoded := roundTrip(t, ev)
		defer decoded.Destroy()
		require.IsType(t, &RequestEvent{}, decoded)
		require.Equal(t, uint64(300), readUvarint(t, decoded.Data().Payload()))
	})

	t.Run("notify requests keep their type", func(t *testing.T) {
		decoded := roundTrip(t, newNotifyRequestEvent(proxy, stub, attrSum, StopNotify))
		require.Equal(t, StopNotify, decoded.(*NotifyRequestEvent).NotifyType())
	})

	t.Run("responses keep their result", func(t *testing.T) {
		ev := newResponseEvent(stub, proxy, respAdd, 3, ResultRequestBusy, nil)
		decoded := roundTrip(t, ev)
		require.Equal(t, ResultRequestBusy, decoded.(*ResponseEvent).Result())
		require.Nil(t, decoded.Data())
	})

	t.Run("connect events keep their status and side", func(t *testing.T) {
		decoded := roundTrip(t, newConnectEvent(stub, proxy, Disconnected, false))
		require.Equal(t, Disconnected, decoded.(*ConnectEvent).Status())
		key, _ := decoded.consumerKey()
		require.Equal(t, sideProxy, key.side)
	})

	t.Run("notifications never leave the bus", func(t *testing.T) {
		_, err := encodeEvent(2, &NotificationEvent{serviceBase: serviceBase{source: proxy, target: stub}})
		require.ErrorIs(t, err, ErrUnexpectedEvent)
	})

	t.Run("malformed payloads are rejected", func(t *testing.T) {
		msg, err := encodeEvent(2, newRequestEvent(proxy, stub, reqAdd, 1, uvarintMsg(t, 1)))
		require.NoError(t, err)
		defer msg.Release()
		payload := msg.Payload()

		cases := map[string][]byte{
			"empty":            nil,
			"unknown type":     append([]byte{9}, payload[1:]...),
			"truncated":        payload[:len(payload)-2],
			"trailing garbage": append(bytes.Clone(payload), 0),
		}
		for name, p := range cases {
			t.Run(name, func(t *testing.T) {
				bad, err := remote.NewMessageFor(msg.Header(), len(p))
				require.NoError(t, err)
				defer bad.Release()
				_, err = bad.Write(p)
				require.NoError(t, err)
				_, err = decodeEvent(bad)
				require.ErrorIs(t, err, ErrMalformedEvent)
			})
		}

		forged := msg.Header()
		forged.Source = 7
		bad, err := remote.NewMessageFor(forged, len(payload))
		require.NoError(t, err)
		defer bad.Release()
		_, err = bad.Write(payload)
		require.NoError(t, err)
		_, err = decodeEvent(bad)
		require.ErrorIs(t, err, ErrMalformedEvent, "addresses must match the header")
	})
}

// linkBuses makes `a` and `b` deliver their remote messages to each other.
func linkBuses(a, b *Bus) {
	a.SetLink(LinkFunc(func(msg *remote.Message) error {
		return b.ReceiveBytes(msg.Bytes())
	}))
	b.SetLink(LinkFunc(func(msg *remote.Message) error {
		return a.ReceiveBytes(msg.Bytes())
	}))
}

func TestBus_Remote(t *testing.T) {
	setup := func(t *testing.T) (server, client *Bus, s *Stub, rec *recorder, p *Proxy) {
		server = newTestBus(t, "server", WithChannel(1))
		client = newTestBus(t, "client", WithChannel(2))
		linkBuses(server, client)
		startThreads(t, server, "main")
		startThreads(t, client, "main")

		s, err := server.RegisterStub(counterInterface(1), "counter", "main", &counter{})
		require.NoError(t, err)
		rec = newRecorder()
		p, err = client.AttachProxy(counterInterface(1), "counter", "main", rec)
		require.NoError(t, err)
		require.NoError(t, client.AttachRemoteService(counterService, "counter", 1))
		rec.requireStatus(t, Connected)
		return server, client, s, rec, p
	}

	t.Run("requests cross channels", func(t *testing.T) {
		_, _, s, rec, p := setup(t)
		require.Equal(t, uint64(1), p.StubAddress().Channel())

		seq, err := p.SendRequest(reqAdd, uvarintMsg(t, 40), rec)
		require.NoError(t, err)
		n := rec.next(t)
		require.Equal(t, respAdd, n.MessageID)
		require.Equal(t, seq, n.Sequence)
		require.Equal(t, uint64(40), readUvarint(t, n.payload))

		require.Eventually(t, func() bool { return len(s.Proxies()) == 1 }, waitFor, time.Millisecond)
		require.Equal(t, p.Address(), s.Proxies()[0])
	})

	t.Run("attributes are pushed across channels", func(t *testing.T) {
		_, _, s, rec, p := setup(t)
		require.NoError(t, s.SetAttribute(attrSum, uvarintMsg(t, 5)))

		require.NoError(t, p.SetNotification(attrSum, rec, true))
		n := rec.next(t)
		require.Equal(t, attrSum, n.MessageID)
		require.Equal(t, uint64(5), readUvarint(t, n.payload))

		p.ClearNotification(attrSum, rec)
		require.Eventually(t, func() bool { return s.NumListeners(attrSum) == 0 }, waitFor, time.Millisecond)
	})

	t.Run("remote proxies are disconnected with the stub", func(t *testing.T) {
		server, _, s, rec, p := setup(t)
		_, err := p.SendRequest(reqSlow, nil, rec)
		require.NoError(t, err)
		require.Eventually(t, func() bool { return s.NumPending(reqSlow) == 1 }, waitFor, time.Millisecond)

		require.NoError(t, server.UnregisterStub(s))
		n := rec.next(t)
		require.Equal(t, reqSlow, n.MessageID)
		require.Equal(t, ResultRequestCanceled, n.Result)
		rec.requireStatus(t, Disconnected)
	})

	t.Run("requests to a missing stub are undelivered", func(t *testing.T) {
		server, client, s, rec, p := setup(t)
		require.NoError(t, server.UnregisterStub(s))
		rec.requireStatus(t, Disconnected)

		// the client bus still believes the service is there.
		require.NoError(t, client.DetachRemoteService("counter"))
		require.NoError(t, client.AttachRemoteService(counterService, "counter", 1))
		rec.requireStatus(t, Connected)

		_, err := p.SendRequest(reqAdd, uvarintMsg(t, 1), rec)
		require.NoError(t, err)
		n := rec.next(t)
		require.Equal(t, reqAdd, n.MessageID)
		require.Equal(t, ResultMessageUndelivered, n.Result)
	})

	t.Run("detaching a channel disconnects both sides", func(t *testing.T) {
		server, client, s, rec, p := setup(t)
		require.NoError(t, p.SetNotification(bcTick, rec, true))
		require.Eventually(t, func() bool { return s.NumListeners(bcTick) == 1 }, waitFor, time.Millisecond)

		client.DetachChannel(1)
		rec.requireStatus(t, Disconnected)
		_, ok := client.Lookup("counter")
		require.False(t, ok)

		server.DetachChannel(2)
		require.Eventually(t, func() bool { return len(s.Proxies()) == 0 }, waitFor, time.Millisecond)
		require.Zero(t, s.NumListeners(bcTick))
	})

	t.Run("no link means undelivered", func(t *testing.T) {
		_, client, _, rec, p := setup(t)
		client.SetLink(nil)
		_, err := p.SendRequest(reqAdd, uvarintMsg(t, 1), rec)
		require.NoError(t, err)
		require.Equal(t, ResultMessageUndelivered, rec.next(t).Result)
	})

	t.Run("link failures are reported to the caller", func(t *testing.T) {
		_, client, _, rec, p := setup(t)
		link := &MockLink{}
		link.m.On("Send", uint32(reqAdd), uint64(1)).Return(errors.New("connection reset")).Once()
		client.SetLink(link)

		_, err := p.SendRequest(reqAdd, uvarintMsg(t, 1), rec)
		require.NoError(t, err)
		require.Equal(t, ResultMessageUndelivered, rec.next(t).Result)
		link.m.AssertExpectations(t)
	})
}

func TestBus_Receive(t *testing.T) {
	sink := newCountingSink()
	b := newTestBus(t, "bus", WithChannel(1), WithMetricSink(sink))
	startThreads(t, b, "main")
	_, err := b.RegisterStub(counterInterface(1), "counter", "main", &counter{})
	require.NoError(t, err)

	proxy := NewServiceAddress(counterService, "counter", "main", 2)
	stub := NewServiceAddress(counterService, "counter", "", 1)

	t.Run("corrupt messages are dropped", func(t *testing.T) {
		msg, err := encodeEvent(2, newRequestEvent(proxy, stub, reqAdd, 1, uvarintMsg(t, 1)))
		require.NoError(t, err)
		raw := bytes.Clone(msg.Bytes())
		msg.Release()
		raw[len(raw)-1] ^= 0xFF

		require.ErrorIs(t, b.ReceiveBytes(raw), ErrCorruptMessage)
		require.Equal(t, float32(1), sink.count(MetricRemoteChecksumErrors))
	})

	t.Run("misdirected messages are dropped", func(t *testing.T) {
		other := NewServiceAddress(counterService, "counter", "", 3)
		msg, err := encodeEvent(2, newRequestEvent(proxy, other, reqAdd, 1, nil))
		require.NoError(t, err)
		require.ErrorIs(t, b.Receive(msg), ErrMisdirected)
	})

	t.Run("truncated frames are malformed", func(t *testing.T) {
		require.ErrorIs(t, b.ReceiveBytes([]byte{1, 2, 3}), ErrMalformedEvent)
	})
}

func TestStreamLink(t *testing.T) {
	server := newTestBus(t, "server", WithChannel(1))
	client := newTestBus(t, "client", WithChannel(2))
	startThreads(t, server, "main")
	startThreads(t, client, "main")

	c1, c2 := net.Pipe()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	toServer := NewStreamLink(c1, nil)
	toClient := NewStreamLink(c2, nil)
	client.SetLink(toServer)
	server.SetLink(toClient)

	served := make(chan error, 2)
	go func() { served <- server.ServeStream(ctx, c2) }()
	go func() { served <- client.ServeStream(ctx, c1) }()

	_, err := server.RegisterStub(counterInterface(1), "counter", "main", &counter{})
	require.NoError(t, err)
	rec := newRecorder()
	p, err := client.AttachProxy(counterInterface(1), "counter", "main", rec)
	require.NoError(t, err)
	require.NoError(t, client.AttachRemoteService(counterService, "counter", 1))
	rec.requireStatus(t, Connected)

	for i := range 10 {
		_, err := p.SendRequest(reqAdd, uvarintMsg(t, 1), rec)
		require.NoError(t, err)
		n := rec.next(t)
		require.Equal(t, ResultOK, n.Result)
		require.Equal(t, uint64(i+1), readUvarint(t, n.payload))
	}

	require.NoError(t, toServer.Close())
	require.NoError(t, toClient.Close())
	require.ErrorIs(t, toServer.Send(uvarintMsg(t, 1)), ErrLinkClosed)
	require.NoError(t, c1.Close())
	require.NoError(t, c2.Close())
	for range 2 {
		select {
		case <-served:
		case <-time.After(waitFor):
			t.Fatal("ServeStream did not return")
		}
	}
}
