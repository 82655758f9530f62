package relay

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type requestSink struct {
	ConsumerBase
	got chan MessageID
}

func (c *requestSink) ProcessRequestEvent(ev *RequestEvent) {
	c.got <- ev.MessageID()
}

func newTestThread(t *testing.T, sink *countingSink) *Thread {
	t.Helper()
	tm := telemetry{logger: slog.New(testHandler("thread")), msink: sink}
	th := newThread("worker", tm, 2)
	t.Cleanup(func() {
		require.NoError(t, th.Stop())
	})
	return th
}

func TestThread(t *testing.T) {
	t.Run("events are dispatched in order", func(t *testing.T) {
		th := newTestThread(t, newCountingSink())
		var got []int
		for i := range 100 {
			require.True(t, th.Post(func() { got = append(got, i) }))
		}
		drain(t, th)
		require.Len(t, got, 100)
		for i, v := range got {
			require.Equal(t, i, v)
		}
	})

	t.Run("events reach the consumer registered for their target", func(t *testing.T) {
		sink := newCountingSink()
		th := newTestThread(t, sink)
		addr := NewServiceAddress(counterService, "counter", th.Name(), 1)
		c := &requestSink{got: make(chan MessageID, 1)}
		require.NoError(t, th.register(consumerKey{addr, sideStub}, c))
		require.ErrorIs(t, th.register(consumerKey{addr, sideStub}, c), ErrNameConflict)

		ev := newRequestEvent(ServiceAddress{}, addr, reqAdd, SeqFirst, nil)
		require.True(t, ev.RegisterForThread(th))
		require.True(t, Deliver(ev))
		select {
		case id := <-c.got:
			require.Equal(t, reqAdd, id)
		case <-time.After(waitFor):
			t.Fatal("request was not dispatched")
		}

		th.unregister(consumerKey{addr, sideStub}, c)
		ev = newRequestEvent(ServiceAddress{}, addr, reqAdd, SeqFirst, uvarintMsg(t, 1))
		data := ev.Data()
		require.True(t, ev.RegisterForThread(th))
		require.True(t, Deliver(ev))
		drain(t, th)
		require.Empty(t, c.got)
		require.Equal(t, 0, data.Refs(), "dropped events release their payload")
		require.Equal(t, float32(1), sink.count(MetricEventDropped))
	})

	t.Run("a panicking event does not kill the thread", func(t *testing.T) {
		sink := newCountingSink()
		th := newTestThread(t, sink)
		require.True(t, th.Post(func() { panic("boom") }))
		drain(t, th)
		require.True(t, th.IsRunning())
		require.Equal(t, float32(1), sink.count(MetricEventPanic))
	})

	t.Run("stop destroys queued events and rejects new ones", func(t *testing.T) {
		tm := telemetry{logger: slog.New(testHandler("thread")), msink: newCountingSink()}
		th := newThread("worker", tm, 0)

		block, started := make(chan struct{}), make(chan struct{})
		require.True(t, th.Post(func() {
			close(started)
			<-block
		}))
		<-started

		addr := NewServiceAddress(counterService, "counter", th.Name(), 1)
		ev := newRequestEvent(ServiceAddress{}, addr, reqAdd, SeqFirst, uvarintMsg(t, 1))
		data := ev.Data().Share()
		require.True(t, ev.RegisterForThread(th))
		require.True(t, Deliver(ev))
		require.Equal(t, 1, th.Len())

		stopped := make(chan error)
		go func() { stopped <- th.Stop() }()
		require.Eventually(t, func() bool { return !th.IsRunning() }, waitFor, time.Millisecond)
		close(block)
		require.NoError(t, <-stopped)

		require.Equal(t, 0, th.Len())
		require.Equal(t, 1, data.Refs(), "only our handle is left")
		data.Release()

		require.False(t, th.Post(func() {}))
		late := newRequestEvent(ServiceAddress{}, addr, reqAdd, SeqFirst, uvarintMsg(t, 2))
		lateData := late.Data().Share()
		require.False(t, late.RegisterForThread(th))
		require.Nil(t, late.Thread())
		require.Equal(t, 1, lateData.Refs())
		lateData.Release()

		require.NoError(t, th.Stop(), "stopping twice is fine")
	})
}
