package gophxchannels

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// closeGrace is how long Close waits for the server to echo a close frame
// before dropping the connection.
const closeGrace = 2 * time.Second

// WebSocketTransport is a Transport over a gorilla websocket connection.
// A read goroutine delivers frames; a write goroutine drains the send queue.
type WebSocketTransport struct {
	cfg    TransportConfig
	h      TransportHandlers
	dialer *websocket.Dialer

	state    atomic.Int32
	buffered atomic.Int64

	mu     sync.Mutex
	conn   *websocket.Conn
	queue  []Frame
	wake   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	closeCode   int
	closeReason string
	closeOnce   sync.Once
}

// NewWebSocketTransport dials cfg.Endpoint in the background.
func NewWebSocketTransport(cfg TransportConfig, h TransportHandlers) *WebSocketTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &WebSocketTransport{
		cfg: cfg,
		h:   h,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: cfg.Timeout,
			Subprotocols:     authProtocols(cfg.AuthToken),
		},
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
	t.state.Store(int32(ReadyConnecting))
	go t.run()
	return t
}

// ReadyState implements Transport.
func (t *WebSocketTransport) ReadyState() ReadyState {
	return ReadyState(t.state.Load())
}

// BufferedAmount implements Transport.
func (t *WebSocketTransport) BufferedAmount() int {
	return int(t.buffered.Load())
}

// SkipHeartbeat implements Transport.
func (t *WebSocketTransport) SkipHeartbeat() bool {
	return false
}

// Send queues frame for the writer goroutine.
func (t *WebSocketTransport) Send(frame Frame) error {
	if t.ReadyState() != ReadyOpen {
		return ErrNotConnected
	}
	t.mu.Lock()
	t.queue = append(t.queue, frame)
	t.mu.Unlock()
	t.buffered.Add(int64(len(frame.Data)))
	select {
	case t.wake <- struct{}{}:
	default:
	}
	return nil
}

// Close starts the close handshake. A transport still dialing is aborted.
func (t *WebSocketTransport) Close(code int, reason string) {
	if code == 0 {
		code = CloseNormal
	}
	t.mu.Lock()
	t.closeCode, t.closeReason = code, reason
	t.mu.Unlock()

	for {
		st := ReadyState(t.state.Load())
		if st == ReadyClosed || st == ReadyClosing {
			return
		}
		if st == ReadyConnecting {
			if t.state.CompareAndSwap(int32(ReadyConnecting), int32(ReadyClosing)) {
				t.cancel()
				return
			}
			continue
		}
		if t.state.CompareAndSwap(int32(ReadyOpen), int32(ReadyClosing)) {
			break
		}
	}

	// conn is stored before the transport becomes open.
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace)); err != nil {
		conn.Close()
		return
	}
	time.AfterFunc(closeGrace, func() { conn.Close() })
}

func (t *WebSocketTransport) run() {
	conn, _, err := t.dialer.DialContext(t.ctx, t.cfg.Endpoint, t.cfg.Headers)
	if err != nil {
		if t.ctx.Err() != nil {
			code, reason := t.requestedClose()
			t.finish(CloseEvent{Code: code, Reason: reason, WasClean: true})
			return
		}
		t.h.error(errors.Wrap(err, "websocket dial failed"))
		t.finish(CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
		return
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()
	if !t.state.CompareAndSwap(int32(ReadyConnecting), int32(ReadyOpen)) {
		conn.Close()
		code, reason := t.requestedClose()
		t.finish(CloseEvent{Code: code, Reason: reason, WasClean: true})
		return
	}
	t.h.open()

	go t.writeLoop(conn)
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			t.cancel()
			conn.Close()
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				t.finish(CloseEvent{Code: closeErr.Code, Reason: closeErr.Text, WasClean: true})
			} else {
				t.finish(CloseEvent{Code: CloseAbnormal, Reason: err.Error()})
			}
			return
		}
		t.h.message(Frame{Data: data, Binary: mt == websocket.BinaryMessage})
	}
}

func (t *WebSocketTransport) writeLoop(conn *websocket.Conn) {
	for {
		select {
		case <-t.ctx.Done():
			return
		case <-t.wake:
		}
		for {
			t.mu.Lock()
			if len(t.queue) == 0 {
				t.mu.Unlock()
				break
			}
			frame := t.queue[0]
			t.queue = t.queue[1:]
			t.mu.Unlock()

			mt := websocket.TextMessage
			if frame.Binary {
				mt = websocket.BinaryMessage
			}
			err := conn.WriteMessage(mt, frame.Data)
			t.buffered.Add(-int64(len(frame.Data)))
			if err != nil {
				t.h.error(errors.Wrap(err, "websocket write failed"))
				conn.Close()
				return
			}
		}
	}
}

func (t *WebSocketTransport) requestedClose() (int, string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closeCode == 0 {
		return CloseNormal, t.closeReason
	}
	return t.closeCode, t.closeReason
}

func (t *WebSocketTransport) finish(e CloseEvent) {
	t.closeOnce.Do(func() {
		t.state.Store(int32(ReadyClosed))
		t.mu.Lock()
		t.queue = nil
		t.mu.Unlock()
		t.buffered.Store(0)
		t.h.close(e)
	})
}
