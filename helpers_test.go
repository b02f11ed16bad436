package gophxchannels

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// manualScheduler runs tasks on the test goroutine against a virtual clock.
type manualScheduler struct {
	now    time.Duration
	seq    int
	queue  []func()
	timers []*manualTimer
}

type manualTimer struct {
	at        time.Duration
	seq       int
	fn        func()
	cancelled bool
	fired     bool
}

func newManualScheduler() *manualScheduler {
	return &manualScheduler{}
}

func (m *manualScheduler) Post(fn func()) {
	m.queue = append(m.queue, fn)
}

func (m *manualScheduler) AfterFunc(d time.Duration, fn func()) CancelFunc {
	m.seq++
	t := &manualTimer{at: m.now + d, seq: m.seq, fn: fn}
	m.timers = append(m.timers, t)
	return func() bool {
		if t.cancelled || t.fired {
			return false
		}
		t.cancelled = true
		return true
	}
}

// flush runs every posted task, including ones posted while flushing.
func (m *manualScheduler) flush() {
	for len(m.queue) > 0 {
		fn := m.queue[0]
		m.queue = m.queue[1:]
		fn()
	}
}

// advance moves the clock forward by d, firing due timers in order.
func (m *manualScheduler) advance(d time.Duration) {
	target := m.now + d
	m.flush()
	for {
		next := m.nextDue(target)
		if next == nil {
			break
		}
		m.now = next.at
		next.fired = true
		next.fn()
		m.flush()
	}
	m.now = target
}

func (m *manualScheduler) nextDue(target time.Duration) *manualTimer {
	var pending []*manualTimer
	for _, t := range m.timers {
		if !t.cancelled && !t.fired && t.at <= target {
			pending = append(pending, t)
		}
	}
	if len(pending) == 0 {
		return nil
	}
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].at == pending[j].at {
			return pending[i].seq < pending[j].seq
		}
		return pending[i].at < pending[j].at
	})
	return pending[0]
}

// pendingTimers counts timers that have neither fired nor been cancelled.
func (m *manualScheduler) pendingTimers() int {
	n := 0
	for _, t := range m.timers {
		if !t.cancelled && !t.fired {
			n++
		}
	}
	return n
}

// fakeTransport is a scripted Transport. Its helpers report events the way
// a real transport would and then drain the scheduler.
type fakeTransport struct {
	sched       *manualScheduler
	cfg         TransportConfig
	h           TransportHandlers
	state       ReadyState
	sent        []Frame
	buffered    int
	skipHB      bool
	closeCalls  int
	closeCode   int
	closeReason string
	// holdClose keeps Close from reporting the close event.
	holdClose bool
}

func (f *fakeTransport) ReadyState() ReadyState { return f.state }
func (f *fakeTransport) BufferedAmount() int    { return f.buffered }
func (f *fakeTransport) SkipHeartbeat() bool    { return f.skipHB }

func (f *fakeTransport) Send(frame Frame) error {
	if f.state != ReadyOpen {
		return ErrNotConnected
	}
	f.sent = append(f.sent, frame)
	return nil
}

func (f *fakeTransport) Close(code int, reason string) {
	f.closeCalls++
	f.closeCode, f.closeReason = code, reason
	if f.state == ReadyClosed {
		return
	}
	if f.holdClose {
		f.state = ReadyClosing
		return
	}
	f.state = ReadyClosed
	f.h.close(CloseEvent{Code: code, Reason: reason, WasClean: true})
}

func (f *fakeTransport) open() {
	f.state = ReadyOpen
	f.h.open()
	f.sched.flush()
}

func (f *fakeTransport) fail(err error) {
	f.h.error(err)
	f.sched.flush()
}

func (f *fakeTransport) serverClose(code int) {
	f.state = ReadyClosed
	f.h.close(CloseEvent{Code: code, WasClean: code == CloseNormal})
	f.sched.flush()
}

// finishClose reports a close that was held back.
func (f *fakeTransport) finishClose() {
	f.state = ReadyClosed
	f.h.close(CloseEvent{Code: f.closeCode, Reason: f.closeReason, WasClean: true})
	f.sched.flush()
}

func (f *fakeTransport) receive(t *testing.T, msg *Message) {
	t.Helper()
	frame, err := NewSerializer().Encode(msg)
	require.NoError(t, err)
	f.h.message(frame)
	f.sched.flush()
}

func (f *fakeTransport) receiveRaw(frame Frame) {
	f.h.message(frame)
	f.sched.flush()
}

// reply answers the message with ref on topic.
func (f *fakeTransport) reply(t *testing.T, topic, joinRef, ref, status string, response interface{}) {
	t.Helper()
	if response == nil {
		response = map[string]interface{}{}
	}
	f.receive(t, &Message{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   EventReply,
		Payload: map[string]interface{}{"status": status, "response": response},
	})
}

func (f *fakeTransport) messages(t *testing.T) []*Message {
	t.Helper()
	out := make([]*Message, 0, len(f.sent))
	for _, frame := range f.sent {
		msg, err := NewSerializer().Decode(frame)
		require.NoError(t, err)
		out = append(out, msg)
	}
	return out
}

func (f *fakeTransport) lastMessage(t *testing.T) *Message {
	t.Helper()
	msgs := f.messages(t)
	require.NotEmpty(t, msgs)
	return msgs[len(msgs)-1]
}

func (f *fakeTransport) events(t *testing.T) []string {
	t.Helper()
	var out []string
	for _, msg := range f.messages(t) {
		out = append(out, msg.Topic+" "+msg.Event)
	}
	return out
}

// fakeNetwork records every transport a socket creates.
type fakeNetwork struct {
	sched      *manualScheduler
	transports []*fakeTransport
	byName     map[string][]*fakeTransport
}

func (n *fakeNetwork) factory(name string) TransportFactory {
	return TransportFactory{
		Name: name,
		New: func(cfg TransportConfig, h TransportHandlers) Transport {
			ft := &fakeTransport{sched: n.sched, cfg: cfg, h: h, state: ReadyConnecting}
			if name == LongPoll.Name {
				ft.skipHB = true
			}
			n.transports = append(n.transports, ft)
			if n.byName == nil {
				n.byName = make(map[string][]*fakeTransport)
			}
			n.byName[name] = append(n.byName[name], ft)
			return ft
		},
	}
}

func (n *fakeNetwork) last() *fakeTransport {
	if len(n.transports) == 0 {
		return nil
	}
	return n.transports[len(n.transports)-1]
}

type testSocket struct {
	*Socket
	sched *manualScheduler
	net   *fakeNetwork
}

func newTestSocket(t *testing.T, configure func(*SocketOptions)) *testSocket {
	t.Helper()
	sched := newManualScheduler()
	net := &fakeNetwork{sched: sched}
	opts := &SocketOptions{
		Scheduler: sched,
		Transport: net.factory(WebSocket.Name),
		Logger:    discardLogger(),
	}
	if configure != nil {
		configure(opts)
	}
	// a configured transport factory other than the fake one is rewired to
	// the fake network under the same name
	if opts.Transport.Name != "" && opts.Transport.Name != WebSocket.Name {
		opts.Transport = net.factory(opts.Transport.Name)
	}
	s := NewSocket("ws://example.com/socket", opts)
	if opts.LongPollFallback > 0 {
		overrideLongPoll(t, net)
	}
	return &testSocket{Socket: s, sched: sched, net: net}
}

// overrideLongPoll swaps the package long-poll factory for a fake one for the
// duration of the test.
func overrideLongPoll(t *testing.T, net *fakeNetwork) {
	t.Helper()
	saved := LongPoll
	LongPoll = net.factory(saved.Name)
	t.Cleanup(func() { LongPoll = saved })
}

// connect connects and opens the transport.
func (s *testSocket) connect(t *testing.T) *fakeTransport {
	t.Helper()
	s.Connect()
	ft := s.net.last()
	require.NotNil(t, ft)
	ft.open()
	require.True(t, s.IsConnected())
	return ft
}

// joined returns a channel for topic whose join has been acknowledged.
func (s *testSocket) joined(t *testing.T, topic string, ft *fakeTransport) *Channel {
	t.Helper()
	ch := s.Channel(topic, nil)
	_, err := ch.Join()
	require.NoError(t, err)
	ft.reply(t, topic, ch.JoinRef(), ch.JoinRef(), StatusOK, nil)
	require.True(t, ch.IsJoined())
	return ch
}
