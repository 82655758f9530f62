package relay

import (
	"bytes"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/relay/pkg/remote"
	"github.com/stretchr/testify/require"
)

const (
	reqAdd   MessageID = 0x0001
	reqPing  MessageID = 0x0002
	reqSlow  MessageID = 0x0003
	respAdd  MessageID = 0x4000
	respSlow MessageID = 0x4001
	bcTick   MessageID = 0x6000
	attrSum  MessageID = 0x8000

	counterService = "test.Counter"
	waitFor        = 2 * time.Second
)

func counterInterface(major uint32) *Interface {
	return MustInterface(InterfaceSpec{
		Name:             counterService,
		Version:          Version{Major: major, Minor: 2},
		Requests:         []MessageID{reqAdd, reqPing, reqSlow},
		RequestResponses: []MessageID{respAdd, MsgInvalid, respSlow},
		Responses:        []MessageID{respAdd, respSlow},
		Broadcasts:       []MessageID{bcTick},
		Attributes:       []MessageID{attrSum},
	})
}

func testHandler(name string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(name)},
	})
}

func newTestBus(t *testing.T, name string, opts ...Option) *Bus {
	t.Helper()
	opts = append([]Option{WithLog(testHandler(name)), WithMetricSink(&metrics.BlackholeSink{})}, opts...)
	b, err := Create(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Shutdown())
	})
	return b
}

func startThreads(t *testing.T, b *Bus, names ...string) {
	t.Helper()
	for _, name := range names {
		_, err := b.StartThread(name)
		require.NoError(t, err)
	}
}

func uvarintMsg(t *testing.T, v uint64) *remote.Message {
	t.Helper()
	m, err := remote.NewMessage(16)
	require.NoError(t, err)
	require.NoError(t, m.WriteUvarint(v))
	return m
}

func readUvarint(t *testing.T, payload []byte) uint64 {
	t.Helper()
	v, err := remote.NewReader(payload).Uvarint()
	require.NoError(t, err)
	return v
}

// counter serves the test interface: `reqAdd` adds its argument to the
// sum attribute, `reqSlow` is answered later, `reqPing` broadcasts a tick.
type counter struct {
	lk  sync.Mutex
	sum uint64
}

func (c *counter) ProcessRequest(req *Request) {
	s := req.Stub()
	switch req.MessageID() {
	case reqAdd:
		v, err := req.Args().Uvarint()
		if err != nil {
			s.ErrorRequest(reqAdd, false)
			return
		}
		c.lk.Lock()
		c.sum += v
		sum := c.sum
		c.lk.Unlock()

		resp, _ := remote.NewMessage(16)
		resp.WriteUvarint(sum)
		s.SendResponse(respAdd, resp)
		attr, _ := remote.NewMessage(16)
		attr.WriteUvarint(sum)
		s.SetAttribute(attrSum, attr)
	case reqSlow:
		req.KeepPending()
	case reqPing:
		s.SendBroadcast(bcTick, nil)
	}
}

type received struct {
	Notification
	payload []byte
}

// recorder is a client forwarding its callbacks to channels.
type recorder struct {
	connCh  chan ConnectionStatus
	notifCh chan received
}

func newRecorder() *recorder {
	return &recorder{
		connCh:  make(chan ConnectionStatus, 64),
		notifCh: make(chan received, 64),
	}
}

func (r *recorder) ServiceConnected(status ConnectionStatus, _ *Proxy) {
	r.connCh <- status
}

func (r *recorder) ProcessNotification(n Notification) {
	r.notifCh <- received{Notification: n, payload: bytes.Clone(n.Data().Payload())}
}

func (r *recorder) requireStatus(t *testing.T, status ConnectionStatus) {
	t.Helper()
	select {
	case got := <-r.connCh:
		require.Equal(t, status, got)
	case <-time.After(waitFor):
		t.Fatalf("no %s callback", status)
	}
}

func (r *recorder) next(t *testing.T) received {
	t.Helper()
	select {
	case n := <-r.notifCh:
		return n
	case <-time.After(waitFor):
		t.Fatal("no notification received")
		return received{}
	}
}

func (r *recorder) requireNothing(t *testing.T) {
	t.Helper()
	select {
	case n := <-r.notifCh:
		t.Fatalf("unexpected notification %s %s", n.MessageID, n.Result)
	case status := <-r.connCh:
		t.Fatalf("unexpected %s callback", status)
	case <-time.After(50 * time.Millisecond):
	}
}

// countingSink counts the increments of every counter, by name.
type countingSink struct {
	metrics.BlackholeSink
	lk     sync.Mutex
	counts map[string]float32
}

func newCountingSink() *countingSink {
	return &countingSink{counts: make(map[string]float32)}
}

func (s *countingSink) IncrCounterWithLabels(key []string, val float32, _ []metrics.Label) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.counts[strings.Join(key, ".")] += val
}

func (s *countingSink) count(key []string) float32 {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.counts[strings.Join(key, ".")]
}

// drain waits for every event already queued on the thread.
func drain(t *testing.T, th *Thread) {
	t.Helper()
	done := make(chan struct{})
	require.True(t, th.Post(func() { close(done) }))
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatalf("thread %s is stuck", th.Name())
	}
}
