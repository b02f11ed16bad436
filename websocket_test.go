package gophxchannels

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// transportRecorder collects the events a real transport reports from its
// goroutines.
type transportRecorder struct {
	opened chan struct{}
	errs   chan error
	frames chan Frame
	closed chan CloseEvent
}

func newTransportRecorder() *transportRecorder {
	return &transportRecorder{
		opened: make(chan struct{}, 4),
		errs:   make(chan error, 16),
		frames: make(chan Frame, 64),
		closed: make(chan CloseEvent, 4),
	}
}

func (r *transportRecorder) handlers() TransportHandlers {
	return TransportHandlers{
		OnOpen:    func() { r.opened <- struct{}{} },
		OnError:   func(err error) { r.errs <- err },
		OnMessage: func(f Frame) { r.frames <- f },
		OnClose:   func(e CloseEvent) { r.closed <- e },
	}
}

func within[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transport event")
	}
	var zero T
	return zero
}

var upgrader = websocket.Upgrader{Subprotocols: []string{"phoenix"}}

// echoServer echoes every frame back. The text frame "kick" makes it close
// the connection with 4000.
func echoServer(t *testing.T, inspect func(*http.Request)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if inspect != nil {
			inspect(r)
		}
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		for {
			mt, data, err := c.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.TextMessage && string(data) == "kick" {
				msg := websocket.FormatCloseMessage(4000, "kicked")
				_ = c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
				continue
			}
			if err := c.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/socket/websocket?vsn=2.0.0"
}

func TestWebSocketTransportEcho(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	server := echoServer(t, nil)
	defer server.Close()

	rec := newTransportRecorder()
	tr := NewWebSocketTransport(TransportConfig{Endpoint: wsURL(server), Timeout: time.Second}, rec.handlers())
	within(t, rec.opened)
	assert.Equal(t, ReadyOpen, tr.ReadyState())
	assert.False(t, tr.SkipHeartbeat())

	require.NoError(t, tr.Send(Frame{Data: []byte(`[null,"1","phoenix","heartbeat",{}]`)}))
	frame := within(t, rec.frames)
	assert.False(t, frame.Binary)
	assert.Equal(t, `[null,"1","phoenix","heartbeat",{}]`, string(frame.Data))

	require.NoError(t, tr.Send(Frame{Data: []byte{0, 1, 2}, Binary: true}))
	frame = within(t, rec.frames)
	assert.True(t, frame.Binary)
	assert.Equal(t, []byte{0, 1, 2}, frame.Data)

	tr.Close(CloseNormal, "bye")
	event := within(t, rec.closed)
	assert.Equal(t, CloseNormal, event.Code)
	assert.True(t, event.WasClean)
	assert.Equal(t, ReadyClosed, tr.ReadyState())
	assert.Equal(t, 0, tr.BufferedAmount())

	assert.ErrorIs(t, tr.Send(Frame{Data: []byte("late")}), ErrNotConnected)
}

func TestWebSocketTransportSendsAuthAndHeaders(t *testing.T) {
	requests := make(chan *http.Request, 1)
	server := echoServer(t, func(r *http.Request) { requests <- r })
	defer server.Close()

	rec := newTransportRecorder()
	tr := NewWebSocketTransport(TransportConfig{
		Endpoint:  wsURL(server),
		AuthToken: "secret",
		Headers:   http.Header{"X-Trace": []string{"abc"}},
		Timeout:   time.Second,
	}, rec.handlers())
	defer tr.Close(CloseNormal, "")

	r := within(t, requests)
	within(t, rec.opened)

	assert.Equal(t, "abc", r.Header.Get("X-Trace"))
	assert.Equal(t, "2.0.0", r.URL.Query().Get("vsn"))
	assert.Equal(t, []string{"phoenix", "base64url.bearer.phx.c2VjcmV0"}, websocket.Subprotocols(r))
}

func TestWebSocketTransportServerClose(t *testing.T) {
	server := echoServer(t, nil)
	defer server.Close()

	rec := newTransportRecorder()
	tr := NewWebSocketTransport(TransportConfig{Endpoint: wsURL(server), Timeout: time.Second}, rec.handlers())
	within(t, rec.opened)

	require.NoError(t, tr.Send(Frame{Data: []byte("kick")}))
	event := within(t, rec.closed)
	assert.Equal(t, 4000, event.Code)
	assert.Equal(t, "kicked", event.Reason)
	assert.True(t, event.WasClean)
}

func TestWebSocketTransportDialFailure(t *testing.T) {
	server := echoServer(t, nil)
	endpoint := wsURL(server)
	server.Close()

	rec := newTransportRecorder()
	tr := NewWebSocketTransport(TransportConfig{Endpoint: endpoint, Timeout: time.Second}, rec.handlers())

	err := within(t, rec.errs)
	assert.Contains(t, err.Error(), "websocket dial failed")

	event := within(t, rec.closed)
	assert.Equal(t, CloseAbnormal, event.Code)
	assert.False(t, event.WasClean)
	assert.Equal(t, ReadyClosed, tr.ReadyState())

	select {
	case <-rec.opened:
		t.Fatal("failed dial reported open")
	default:
	}
}

func TestWebSocketTransportCloseWhileDialing(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	rec := newTransportRecorder()
	tr := NewWebSocketTransport(TransportConfig{Endpoint: wsURL(server), Timeout: 5 * time.Second}, rec.handlers())
	assert.Equal(t, ReadyConnecting, tr.ReadyState())
	assert.ErrorIs(t, tr.Send(Frame{Data: []byte("early")}), ErrNotConnected)

	tr.Close(4001, "abort")
	event := within(t, rec.closed)
	assert.Equal(t, 4001, event.Code)
	assert.Equal(t, "abort", event.Reason)
	assert.True(t, event.WasClean)
	assert.Empty(t, rec.errs)
	assert.Empty(t, rec.opened)
}
