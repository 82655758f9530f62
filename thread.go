package relay

import (
	"fmt"
	"sync"
)

// Thread is a named dispatcher: a FIFO queue of events drained by a single
// goroutine. Events posted to the same thread are dispatched in the order
// they were posted, there is no ordering between threads.
//
// Proxies and stubs register on a thread as consumers, every event posted
// for them is processed on that goroutine, so their protocol state is only
// ever mutated there.
type Thread struct {
	name         string
	tm           telemetry
	queueWarning int

	lk        sync.Mutex
	queue     []Event
	consumers map[consumerKey]Consumer
	stopped   bool

	wakeCh chan struct{}
	stopCh chan struct{}
	doneCh chan struct{}
}

func newThread(name string, tm telemetry, queueWarning int) *Thread {
	t := &Thread{
		name:         name,
		tm:           tm,
		queueWarning: queueWarning,
		consumers:    make(map[consumerKey]Consumer),
		wakeCh:       make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *Thread) Name() string {
	return t.name
}

// IsRunning is false once `Stop` was called.
func (t *Thread) IsRunning() bool {
	t.lk.Lock()
	defer t.lk.Unlock()
	return !t.stopped
}

// Len returns the number of queued events.
func (t *Thread) Len() int {
	t.lk.Lock()
	defer t.lk.Unlock()
	return len(t.queue)
}

// Post runs `fn` on the thread, after every event already queued.
func (t *Thread) Post(fn func()) bool {
	ev := NewCallEvent(fn)
	if !ev.RegisterForThread(t) {
		return false
	}
	return Deliver(ev)
}

// Stop rejects new events, destroys the queued ones and waits for the
// event being dispatched, if any. It MUST NOT be called from the thread
// itself.
func (t *Thread) Stop() error {
	t.lk.Lock()
	if t.stopped {
		t.lk.Unlock()
		<-t.doneCh
		return nil
	}
	t.stopped = true
	pending := t.queue
	t.queue = nil
	close(t.stopCh)
	t.lk.Unlock()

	for _, ev := range pending {
		ev.Destroy()
	}
	<-t.doneCh

	if len(pending) > 0 {
		t.tm.logger.Warn(
			"thread stopped with queued events",
			LabelThread.L(t.name),
			LabelDepth.L(len(pending)),
		)
	} else {
		t.tm.logger.Debug("thread stopped", LabelThread.L(t.name))
	}
	return nil
}

func (t *Thread) register(key consumerKey, c Consumer) error {
	t.lk.Lock()
	defer t.lk.Unlock()
	if t.stopped {
		return ErrThreadStopped
	}
	if _, has := t.consumers[key]; has {
		return fmt.Errorf("%w: %s already consumes events on %s", ErrNameConflict, key.addr, t.name)
	}
	t.consumers[key] = c
	return nil
}

func (t *Thread) unregister(key consumerKey, c Consumer) {
	t.lk.Lock()
	defer t.lk.Unlock()
	if current, has := t.consumers[key]; has && current == c {
		delete(t.consumers, key)
	}
}

func (t *Thread) enqueue(ev Event) bool {
	t.lk.Lock()
	if t.stopped {
		t.lk.Unlock()
		ev.Destroy()
		return false
	}
	t.queue = append(t.queue, ev)
	depth := len(t.queue)
	t.lk.Unlock()

	select {
	case t.wakeCh <- struct{}{}:
	default:
	}

	t.tm.gauge(MetricThreadQueueDepth, float32(depth), LabelThread.M(t.name))
	if t.queueWarning > 0 && depth == t.queueWarning {
		t.tm.logger.Warn("thread queue is growing", LabelThread.L(t.name), LabelDepth.L(depth))
	}
	return true
}

func (t *Thread) run() {
	defer close(t.doneCh)
	for {
		ev, c, ok := t.next()
		if !ok {
			return
		}
		t.dispatch(ev, c)
	}
}

// next pops the oldest event and resolves its consumer.
func (t *Thread) next() (Event, Consumer, bool) {
	for {
		t.lk.Lock()
		if t.stopped {
			t.lk.Unlock()
			return nil, nil, false
		}
		if len(t.queue) > 0 {
			ev := t.queue[0]
			t.queue[0] = nil
			t.queue = t.queue[1:]
			if len(t.queue) == 0 {
				t.queue = nil
			}
			var c Consumer
			if key, needed := ev.consumerKey(); needed {
				c = t.consumers[key]
			}
			t.lk.Unlock()
			return ev, c, true
		}
		t.lk.Unlock()

		select {
		case <-t.wakeCh:
		case <-t.stopCh:
		}
	}
}

func (t *Thread) dispatch(ev Event, c Consumer) {
	defer ev.Destroy()
	defer func() {
		if r := recover(); r != nil {
			t.tm.incr(MetricEventPanic, LabelThread.M(t.name), LabelEventType.M(ev.eventType()))
			t.tm.logger.Error(
				"recovered from a panic while dispatching an event",
				LabelThread.L(t.name),
				LabelEventType.L(ev.eventType()),
				LabelError.L(r),
			)
		}
	}()

	if key, needed := ev.consumerKey(); needed && c == nil {
		t.tm.incr(MetricEventDropped, LabelThread.M(t.name), LabelEventType.M(ev.eventType()))
		t.tm.logger.Warn(
			"no consumer registered for event, dropping",
			LabelThread.L(t.name),
			LabelEventType.L(ev.eventType()),
			LabelAddress.L(key.addr),
		)
		return
	}

	ev.accept(c)
	t.tm.incr(MetricEventDispatched, LabelThread.M(t.name), LabelEventType.M(ev.eventType()))
}
