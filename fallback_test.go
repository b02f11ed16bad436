package gophxchannels

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fallbackAfter = 2500 * time.Millisecond

func newFallbackSocket(t *testing.T, store SessionStore, metrics *Metrics) *testSocket {
	t.Helper()
	return newTestSocket(t, func(o *SocketOptions) {
		o.LongPollFallback = fallbackAfter
		o.SessionStore = store
		o.Metrics = metrics
	})
}

func TestMemorySessionStore(t *testing.T) {
	store := NewMemorySessionStore()

	_, ok := store.Get("phx:fallback:longpoll")
	assert.False(t, ok)

	store.Set("phx:fallback:longpoll", "true")
	v, ok := store.Get("phx:fallback:longpoll")
	assert.True(t, ok)
	assert.Equal(t, "true", v)
}

func TestFallbackAfterThreshold(t *testing.T) {
	store := NewMemorySessionStore()
	reg := prometheus.NewRegistry()
	s := newFallbackSocket(t, store, NewMetrics(reg))

	s.Connect()
	require.Len(t, s.net.byName[WebSocket.Name], 1)
	ws := s.net.last()

	s.sched.advance(fallbackAfter - time.Millisecond)
	assert.Empty(t, s.net.byName[LongPoll.Name])

	s.sched.advance(time.Millisecond)
	require.Len(t, s.net.byName[LongPoll.Name], 1)
	assert.Equal(t, LongPoll.Name, s.TransportName())
	assert.Equal(t, 1, ws.closeCalls)

	lp := s.net.last()
	lp.open()
	assert.True(t, s.IsConnected())

	v, ok := store.Get("phx:fallback:longpoll")
	assert.True(t, ok)
	assert.Equal(t, "true", v)
	assert.Equal(t, 1.0, counterValue(t, reg, "phx_socket_fallbacks_total"))
}

func TestFallbackOnPrimaryErrorBeforeOpen(t *testing.T) {
	store := NewMemorySessionStore()
	s := newFallbackSocket(t, store, nil)

	ch := s.Channel("room:1", nil)
	_, err := ch.Join()
	require.NoError(t, err)

	s.Connect()
	ws := s.net.last()
	ws.fail(errors.New("connection refused"))

	require.Len(t, s.net.byName[LongPoll.Name], 1)
	assert.True(t, ch.IsJoining(), "channels stay untouched by a primary that never opened")

	lp := s.net.last()
	lp.open()
	assert.Equal(t, []string{"room:1 phx_join"}, lp.events(t))
	assert.Empty(t, ws.sent)

	_, ok := store.Get("phx:fallback:longpoll")
	assert.True(t, ok)

	// the threshold timer was cancelled by the switch
	s.sched.advance(2 * fallbackAfter)
	assert.Len(t, s.net.byName[LongPoll.Name], 1)
}

func TestFallbackCancelledByHealthyPrimary(t *testing.T) {
	store := NewMemorySessionStore()
	s := newFallbackSocket(t, store, nil)

	s.Connect()
	ws := s.net.last()
	ws.open()

	ping := ws.lastMessage(t)
	assert.Equal(t, TopicPhoenix, ping.Topic)
	assert.Equal(t, EventHeartbeat, ping.Event)

	s.sched.advance(time.Second)
	ws.reply(t, TopicPhoenix, "", ping.Ref, StatusOK, nil)

	s.sched.advance(2 * fallbackAfter)
	assert.Empty(t, s.net.byName[LongPoll.Name])
	assert.Equal(t, WebSocket.Name, s.TransportName())
	assert.True(t, s.IsConnected())

	_, ok := store.Get("phx:fallback:longpoll")
	assert.False(t, ok)
}

func TestFallbackWhenPrimaryHealthCheckTimesOut(t *testing.T) {
	store := NewMemorySessionStore()
	s := newFallbackSocket(t, store, nil)

	s.Connect()
	ws := s.net.last()
	s.sched.advance(time.Second)
	ws.open()

	s.sched.advance(fallbackAfter)
	require.Len(t, s.net.byName[LongPoll.Name], 1)
	assert.Equal(t, 1, ws.closeCalls)

	assert.Empty(t, s.messageListeners, "unanswered ping listener is dropped")

	s.net.last().open()
	_, ok := store.Get("phx:fallback:longpoll")
	assert.True(t, ok)
}

func TestFallbackAfterJoinOnPrimaryRejoins(t *testing.T) {
	s := newFallbackSocket(t, NewMemorySessionStore(), nil)

	s.Connect()
	ws := s.net.last()
	ws.open()
	ch := s.joined(t, "room:1", ws)

	s.sched.advance(fallbackAfter)
	require.Len(t, s.net.byName[LongPoll.Name], 1)
	assert.True(t, ch.IsErrored())

	lp := s.net.last()
	lp.open()
	assert.Contains(t, lp.events(t), "room:1 phx_join")
	assert.True(t, ch.IsJoining())

	join := lp.lastMessage(t)
	lp.reply(t, "room:1", join.JoinRef, join.Ref, StatusOK, nil)
	assert.True(t, ch.IsJoined())
}

func TestFallbackRepeatedHealthChecksLeaveNoListeners(t *testing.T) {
	s := newFallbackSocket(t, NewMemorySessionStore(), nil)

	s.Connect()
	for i := 0; i < 3; i++ {
		ws := s.net.last()
		ws.open()
		assert.Len(t, s.messageListeners, 1)
		ws.serverClose(CloseAbnormal)
		s.sched.advance(10 * time.Millisecond)
	}

	assert.Len(t, s.net.byName[WebSocket.Name], 4)
	assert.Empty(t, s.net.byName[LongPoll.Name])
	assert.Empty(t, s.messageListeners)
}

func TestFallbackMemorizedSkipsPrimary(t *testing.T) {
	store := NewMemorySessionStore()
	store.Set("phx:fallback:longpoll", "true")
	s := newFallbackSocket(t, store, nil)

	s.Connect()
	assert.Empty(t, s.net.byName[WebSocket.Name])
	require.Len(t, s.net.byName[LongPoll.Name], 1)

	s.net.last().open()
	assert.True(t, s.IsConnected())
	assert.Equal(t, 0, s.sched.pendingTimers(), "long poll does not heartbeat")
}

func TestFallbackReconnectStaysOnLongPoll(t *testing.T) {
	s := newFallbackSocket(t, NewMemorySessionStore(), nil)

	s.Connect()
	s.net.last().fail(errors.New("refused"))
	lp := s.net.last()
	lp.open()

	lp.serverClose(CloseAbnormal)
	s.sched.advance(10 * time.Millisecond)

	assert.Len(t, s.net.byName[WebSocket.Name], 1)
	require.Len(t, s.net.byName[LongPoll.Name], 2)
	assert.Equal(t, LongPoll.Name, s.TransportName())
}

func TestReplaceTransport(t *testing.T) {
	s := newTestSocket(t, nil)
	ws := s.connect(t)

	s.ReplaceTransport(s.net.factory(LongPoll.Name))
	s.sched.flush()
	assert.Equal(t, 1, ws.closeCalls)
	assert.Equal(t, ReadyClosed.String(), s.ConnectionState())
	assert.Equal(t, LongPoll.Name, s.TransportName())

	s.sched.advance(time.Minute)
	assert.Empty(t, s.net.byName[LongPoll.Name], "no reconnect after replacing")

	s.Connect()
	require.Len(t, s.net.byName[LongPoll.Name], 1)
	s.net.last().open()
	assert.True(t, s.IsConnected())
}

func TestReplaceTransportErrorsJoinedChannels(t *testing.T) {
	s := newTestSocket(t, nil)
	ws := s.connect(t)
	ch := s.joined(t, "room:1", ws)

	s.ReplaceTransport(s.net.factory(LongPoll.Name))
	s.sched.flush()
	assert.True(t, ch.IsErrored())
	assert.Equal(t, 0, s.sched.pendingTimers(), "no heartbeat or rejoin while disconnected")

	s.Connect()
	lp := s.net.last()
	lp.open()
	assert.Equal(t, []string{"room:1 phx_join"}, lp.events(t))
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels ...string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() != name {
			continue
		}
	metrics:
		for _, m := range family.GetMetric() {
			for i := 0; i+1 < len(labels); i += 2 {
				found := false
				for _, pair := range m.GetLabel() {
					if pair.GetName() == labels[i] && pair.GetValue() == labels[i+1] {
						found = true
					}
				}
				if !found {
					continue metrics
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}
