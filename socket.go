package gophxchannels

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Params is either a static map or a provider evaluated at every use.
type Params interface {
	Resolve() map[string]interface{}
}

// StaticParams are params fixed at construction.
type StaticParams map[string]interface{}

// Resolve implements Params.
func (p StaticParams) Resolve() map[string]interface{} {
	if p == nil {
		return map[string]interface{}{}
	}
	return p
}

// ParamsFunc is evaluated every time the params are needed, e.g. on each
// rejoin.
type ParamsFunc func() map[string]interface{}

// Resolve implements Params.
func (f ParamsFunc) Resolve() map[string]interface{} {
	if f == nil {
		return map[string]interface{}{}
	}
	if p := f(); p != nil {
		return p
	}
	return map[string]interface{}{}
}

// SocketOptions configures the socket behavior
type SocketOptions struct {
	// Timeout for push operations (default: 10 seconds)
	Timeout time.Duration

	// HeartbeatInterval for sending heartbeats (default: 30 seconds)
	HeartbeatInterval time.Duration

	// ReconnectAfter returns the reconnect interval for a try count
	ReconnectAfter BackoffFunc

	// RejoinAfter returns the channel rejoin interval for a try count
	RejoinAfter BackoffFunc

	// Logger for debug output. Defaults to a logrus logger honoring PHX_DEBUG.
	Logger logrus.FieldLogger

	// Parameters to send on connect
	Params Params

	// VSN is the protocol version (default: "2.0.0")
	VSN string

	// AuthToken for authentication
	AuthToken string

	// Headers are added to the websocket handshake and long-poll requests
	Headers http.Header

	// ReconnectEnabled controls automatic reconnection (default: true)
	ReconnectEnabled *bool

	// MaxReconnectAttempts limits reconnection attempts (0 = unlimited)
	MaxReconnectAttempts int

	// Transport is the primary transport (default: WebSocket)
	Transport TransportFactory

	// LongPollFallback is how long the primary transport gets before the
	// socket falls back to long polling. Zero disables the fallback.
	LongPollFallback time.Duration

	// LongPollTimeout bounds long-poll requests and websocket dials (default: 20 seconds)
	LongPollTimeout time.Duration

	// SessionStore remembers fallback decisions (default: in-memory)
	SessionStore SessionStore

	// BinaryType is handed to transports (default: "arraybuffer")
	BinaryType string

	// Metrics receives connection and channel counters. nil disables them.
	Metrics *Metrics

	// Scheduler runs every socket task. Defaults to a Loop owned by the socket.
	Scheduler Scheduler
}

// setDefaultOptions sets default values for unspecified options
func setDefaultOptions(options *SocketOptions) {
	if options.Timeout == 0 {
		options.Timeout = 10 * time.Second
	}
	if options.HeartbeatInterval == 0 {
		options.HeartbeatInterval = 30 * time.Second
	}
	if options.ReconnectAfter == nil {
		options.ReconnectAfter = DefaultReconnectAfter
	}
	if options.RejoinAfter == nil {
		options.RejoinAfter = DefaultRejoinAfter
	}
	if options.Logger == nil {
		options.Logger = newDefaultLogger()
	}
	if options.VSN == "" {
		options.VSN = Version
	}
	if options.Params == nil {
		options.Params = StaticParams{}
	}
	// ReconnectEnabled defaults to true
	if options.ReconnectEnabled == nil {
		enabled := true
		options.ReconnectEnabled = &enabled
	}
	if options.Transport.New == nil {
		options.Transport = WebSocket
	}
	if options.LongPollTimeout == 0 {
		options.LongPollTimeout = 20 * time.Second
	}
	if options.SessionStore == nil {
		options.SessionStore = NewMemorySessionStore()
	}
	if options.BinaryType == "" {
		options.BinaryType = "arraybuffer"
	}
}

// conn is one transport instance as seen by the socket. Handlers reported by
// a detached conn are ignored.
type conn struct {
	Transport
	name     string
	opened   bool
	closed   bool
	detached bool
}

type openListener struct {
	ref      int
	callback func()
}

type closeListener struct {
	ref      int
	callback func(CloseEvent)
}

type errorListener struct {
	ref      int
	callback func(error)
}

type messageListener struct {
	ref      int
	callback func(*Message)
}

// Socket is a Phoenix socket connection shared by many channels.
type Socket struct {
	endpoint   string
	options    *SocketOptions
	sched      Scheduler
	loop       *Loop
	logger     logrus.FieldLogger
	metrics    *Metrics
	serializer *Serializer
	transport  TransportFactory

	conn       *conn
	ref        uint64
	channels   []*Channel
	sendBuffer []func()

	connectClock           int
	closeWasClean          bool
	disconnecting          bool
	establishedConnections int

	primaryPassedHealthCheck bool
	fallbackCancel           CancelFunc
	fallbackRefs             []int

	pendingHeartbeatRef    string
	heartbeatCancel        CancelFunc
	heartbeatTimeoutCancel CancelFunc
	reconnectTimer         *Timer

	listenerRef      int
	openListeners    []openListener
	closeListeners   []closeListener
	errorListeners   []errorListener
	messageListeners []messageListener

	stopped  bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewSocket creates a socket for endpoint. The "/websocket" suffix is added
// when missing. No connection is made until Connect.
func NewSocket(endpoint string, options *SocketOptions) *Socket {
	if options == nil {
		options = &SocketOptions{}
	}
	setDefaultOptions(options)

	endpoint = strings.TrimRight(endpoint, "/")
	if !strings.HasSuffix(endpoint, "/"+WebSocket.Name) {
		endpoint += "/" + WebSocket.Name
	}

	s := &Socket{
		endpoint:   endpoint,
		options:    options,
		sched:      options.Scheduler,
		logger:     options.Logger,
		metrics:    options.Metrics,
		serializer: NewSerializer(),
		transport:  options.Transport,
		done:       make(chan struct{}),
	}

	if s.sched == nil {
		s.loop = NewLoop()
		s.sched = s.loop
	}

	s.reconnectTimer = NewTimer(s.sched, func() {
		s.teardown(func() { s.Connect() }, 0, "")
	}, options.ReconnectAfter)

	return s
}

func (s *Socket) log(kind string) *logrus.Entry {
	return s.logger.WithField("kind", kind)
}

// MakeRef returns the next message ref. The counter wraps to 0.
func (s *Socket) MakeRef() string {
	s.ref++
	return fmt.Sprintf("%d", s.ref)
}

// EndpointURL returns the transport URL with params and vsn in the query.
func (s *Socket) EndpointURL() string {
	params := s.options.Params.Resolve()

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return s.endpoint
	}

	q := u.Query()
	for k, v := range params {
		q.Set(k, fmt.Sprint(v))
	}
	q.Set("vsn", s.options.VSN)
	u.RawQuery = q.Encode()
	return u.String()
}

// Connect opens the transport. It is a no-op while a transport exists and no
// disconnect is in progress.
func (s *Socket) Connect() {
	if s.stopped {
		return
	}
	if s.conn != nil && !s.disconnecting {
		return
	}

	if s.options.LongPollFallback > 0 && s.transport.Name != LongPoll.Name {
		s.connectWithFallback(LongPoll, s.options.LongPollFallback)
		return
	}
	s.transportConnect()
}

func (s *Socket) transportConnect() {
	s.connectClock++
	s.closeWasClean = false

	if old := s.conn; old != nil {
		s.conn = nil
		old.detached = true
		old.Close(CloseNormal, "replaced")
	}

	c := &conn{name: s.transport.Name}
	handlers := TransportHandlers{
		OnOpen: func() {
			s.sched.Post(func() {
				if !c.detached {
					c.opened = true
					s.onConnOpen()
				}
			})
		},
		OnError: func(err error) {
			s.sched.Post(func() {
				if !c.detached {
					s.onConnError(err)
				}
			})
		},
		OnMessage: func(frame Frame) {
			s.sched.Post(func() {
				if !c.detached {
					s.onConnMessage(frame)
				}
			})
		},
		OnClose: func(event CloseEvent) {
			s.sched.Post(func() {
				c.closed = true
				if !c.detached {
					s.onConnClose(event)
				}
			})
		},
	}

	s.log(logTransport).WithField("transport", c.name).Debug("connecting")
	c.Transport = s.transport.New(TransportConfig{
		Endpoint:   s.EndpointURL(),
		AuthToken:  s.options.AuthToken,
		Headers:    s.options.Headers,
		Timeout:    s.options.LongPollTimeout,
		BinaryType: s.options.BinaryType,
		Logger:     s.logger,
	}, handlers)
	s.conn = c
}

// Disconnect closes the connection cleanly; no reconnect follows. callback
// runs once the transport has closed.
func (s *Socket) Disconnect(callback func()) {
	s.DisconnectWith(callback, 0, "")
}

// DisconnectWith is Disconnect with an explicit close code and reason.
func (s *Socket) DisconnectWith(callback func(), code int, reason string) {
	s.connectClock++
	s.disconnecting = true
	s.closeWasClean = true
	s.cancelFallback()
	s.reconnectTimer.Reset()
	s.teardown(func() {
		s.disconnecting = false
		if callback != nil {
			callback()
		}
	}, code, reason)
}

// teardown drains the send buffer, closes the transport and waits for it to
// report closed. Steps belonging to a superseded connect are abandoned.
func (s *Socket) teardown(callback func(), code int, reason string) {
	if s.conn == nil {
		if callback != nil {
			callback()
		}
		return
	}

	connectClock := s.connectClock

	s.waitForBufferDone(func() {
		if connectClock != s.connectClock {
			return
		}
		if s.conn != nil {
			if code == 0 {
				code = CloseNormal
			}
			s.conn.Close(code, reason)
		}

		s.waitForSocketClosed(func() {
			if connectClock != s.connectClock {
				return
			}
			if s.conn != nil {
				s.conn.detached = true
				s.conn = nil
			}
			if callback != nil {
				callback()
			}
		}, 1)
	}, 1)
}

func (s *Socket) waitForBufferDone(callback func(), tries int) {
	if tries == 5 || s.conn == nil || s.conn.BufferedAmount() == 0 {
		callback()
		return
	}

	s.sched.AfterFunc(time.Duration(150*tries)*time.Millisecond, func() {
		s.waitForBufferDone(callback, tries+1)
	})
}

func (s *Socket) waitForSocketClosed(callback func(), tries int) {
	if tries == 5 || s.conn == nil || s.conn.closed {
		callback()
		return
	}

	s.sched.AfterFunc(time.Duration(150*tries)*time.Millisecond, func() {
		s.waitForSocketClosed(callback, tries+1)
	})
}

func (s *Socket) onConnOpen() {
	s.log(logTransport).WithFields(logrus.Fields{
		"transport": s.conn.name,
		"endpoint":  s.endpoint,
	}).Debug("connected")

	s.closeWasClean = false
	s.disconnecting = false
	s.establishedConnections++
	s.metrics.connect()
	s.flushSendBuffer()
	s.reconnectTimer.Reset()
	s.resetHeartbeat()

	listeners := make([]openListener, len(s.openListeners))
	copy(listeners, s.openListeners)
	for _, l := range listeners {
		l.callback()
	}
}

func (s *Socket) onConnClose(event CloseEvent) {
	s.log(logTransport).WithFields(logrus.Fields{
		"code":      event.Code,
		"reason":    event.Reason,
		"was_clean": event.WasClean,
	}).Debug("close")

	s.metrics.close(s.closeWasClean)
	s.triggerChanError()
	s.clearHeartbeats()
	if !s.closeWasClean {
		s.scheduleReconnect()
	}

	listeners := make([]closeListener, len(s.closeListeners))
	copy(listeners, s.closeListeners)
	for _, l := range listeners {
		l.callback(event)
	}
}

func (s *Socket) onConnError(err error) {
	s.log(logTransport).WithError(err).Debug("transport error")
	s.metrics.transportError()

	transportBefore := s.transport.Name
	establishedBefore := s.establishedConnections

	listeners := make([]errorListener, len(s.errorListeners))
	copy(listeners, s.errorListeners)
	for _, l := range listeners {
		l.callback(err)
	}

	// a listener may have switched transports; channels of a connection
	// that never opened stay untouched then
	if transportBefore == s.transport.Name || establishedBefore > 0 {
		s.triggerChanError()
	}
}

func (s *Socket) onConnMessage(frame Frame) {
	msg, err := s.serializer.Decode(frame)
	if err != nil {
		s.log(logReceive).WithError(err).Warn("dropping undecodable frame")
		s.metrics.decodeError()
		return
	}
	s.metrics.frameReceived(frame.Binary)

	if msg.Ref != "" && msg.Ref == s.pendingHeartbeatRef {
		s.clearHeartbeats()
		s.pendingHeartbeatRef = ""
		s.heartbeatCancel = s.sched.AfterFunc(s.options.HeartbeatInterval, s.sendHeartbeat)
	}

	s.log(logReceive).WithFields(logrus.Fields{
		"topic":    msg.Topic,
		"event":    msg.Event,
		"ref":      msg.Ref,
		"join_ref": msg.JoinRef,
	}).Debug("receive")

	channels := make([]*Channel, len(s.channels))
	copy(channels, s.channels)
	for _, ch := range channels {
		if !ch.isMember(msg) {
			continue
		}
		ch.trigger(msg.Event, msg.Payload, msg.Ref, msg.JoinRef)
	}

	listeners := make([]messageListener, len(s.messageListeners))
	copy(listeners, s.messageListeners)
	for _, l := range listeners {
		l.callback(msg)
	}
}

func (s *Socket) scheduleReconnect() {
	if s.stopped || !*s.options.ReconnectEnabled {
		return
	}
	if limit := s.options.MaxReconnectAttempts; limit > 0 && s.reconnectTimer.Tries() >= limit {
		s.log(logTransport).WithField("attempts", limit).Warn("giving up reconnecting")
		return
	}

	s.metrics.reconnectScheduled()
	s.reconnectTimer.ScheduleTimeout()
}

func (s *Socket) resetHeartbeat() {
	if s.conn != nil && s.conn.SkipHeartbeat() {
		return
	}
	s.pendingHeartbeatRef = ""
	s.clearHeartbeats()
	s.heartbeatCancel = s.sched.AfterFunc(s.options.HeartbeatInterval, s.sendHeartbeat)
}

func (s *Socket) sendHeartbeat() {
	s.heartbeatCancel = nil
	if !s.IsConnected() {
		return
	}
	if s.pendingHeartbeatRef != "" {
		s.heartbeatTimeout()
		return
	}

	s.pendingHeartbeatRef = s.MakeRef()
	s.push(&Message{
		Topic:   TopicPhoenix,
		Event:   EventHeartbeat,
		Payload: map[string]interface{}{},
		Ref:     s.pendingHeartbeatRef,
	})
	s.heartbeatTimeoutCancel = s.sched.AfterFunc(s.options.HeartbeatInterval, s.heartbeatTimeout)
}

func (s *Socket) heartbeatTimeout() {
	s.heartbeatTimeoutCancel = nil
	if s.pendingHeartbeatRef == "" {
		return
	}

	s.pendingHeartbeatRef = ""
	s.log(logTransport).Warn("heartbeat timeout. Attempting to re-establish connection")
	s.metrics.heartbeatTimeout()
	s.triggerChanError()
	s.closeWasClean = false
	s.teardown(func() { s.scheduleReconnect() }, CloseNormal, "heartbeat timeout")
}

func (s *Socket) clearHeartbeats() {
	if s.heartbeatCancel != nil {
		s.heartbeatCancel()
		s.heartbeatCancel = nil
	}
	if s.heartbeatTimeoutCancel != nil {
		s.heartbeatTimeoutCancel()
		s.heartbeatTimeoutCancel = nil
	}
}

// push encodes and sends msg, or buffers it until the next open.
func (s *Socket) push(msg *Message) {
	s.log(logPush).WithFields(logrus.Fields{
		"topic":    msg.Topic,
		"event":    msg.Event,
		"ref":      msg.Ref,
		"join_ref": msg.JoinRef,
	}).Debug("push")

	if s.IsConnected() {
		s.send(msg)
		return
	}
	s.sendBuffer = append(s.sendBuffer, func() { s.send(msg) })
}

func (s *Socket) send(msg *Message) {
	frame, err := s.serializer.Encode(msg)
	if err != nil {
		s.log(logPush).WithError(err).WithField("topic", msg.Topic).Error("encode failed")
		return
	}
	if err := s.conn.Send(frame); err != nil {
		s.log(logPush).WithError(err).WithField("topic", msg.Topic).Warn("send failed")
		return
	}
	s.metrics.frameSent(frame.Binary)
}

func (s *Socket) flushSendBuffer() {
	if !s.IsConnected() || len(s.sendBuffer) == 0 {
		return
	}
	buffered := s.sendBuffer
	s.sendBuffer = nil
	for _, send := range buffered {
		send()
	}
}

// triggerChanError sends the error lifecycle event to every channel that is
// not already errored, leaving or closed.
func (s *Socket) triggerChanError() {
	channels := make([]*Channel, len(s.channels))
	copy(channels, s.channels)
	for _, ch := range channels {
		if ch.IsErrored() || ch.IsLeaving() || ch.IsClosed() {
			continue
		}
		ch.trigger(EventError, map[string]interface{}{}, "", "")
	}
}

// leaveOpenTopic closes any other joined or joining channel for topic before
// a new join goes out.
func (s *Socket) leaveOpenTopic(topic string, except *Channel) {
	for _, ch := range s.channels {
		if ch == except || ch.topic != topic || !(ch.IsJoined() || ch.IsJoining()) {
			continue
		}
		s.log(logTransport).WithField("topic", topic).Debug("leaving duplicate topic")
		leavePush := ch.Leave()
		if !ch.IsClosed() {
			leavePush.trigger(StatusOK, map[string]interface{}{})
		}
		return
	}
}

// remove evicts ch and drops the socket listeners it registered.
func (s *Socket) remove(ch *Channel) {
	s.Off(ch.stateChangeRefs...)
	ch.stateChangeRefs = nil

	kept := s.channels[:0:0]
	for _, c := range s.channels {
		if c != ch {
			kept = append(kept, c)
		}
	}
	s.channels = kept
}

// Channel creates a new channel for topic. Every call returns a new
// instance.
func (s *Socket) Channel(topic string, params Params) *Channel {
	ch := newChannel(topic, params, s)
	s.channels = append(s.channels, ch)
	return ch
}

// Channels returns the live channels in creation order.
func (s *Socket) Channels() []*Channel {
	out := make([]*Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

func (s *Socket) nextListenerRef() int {
	s.listenerRef++
	return s.listenerRef
}

// OnOpen registers a callback run every time a transport opens.
func (s *Socket) OnOpen(callback func()) int {
	ref := s.nextListenerRef()
	s.openListeners = append(s.openListeners, openListener{ref: ref, callback: callback})
	return ref
}

// OnClose registers a callback run every time the transport closes.
func (s *Socket) OnClose(callback func(CloseEvent)) int {
	ref := s.nextListenerRef()
	s.closeListeners = append(s.closeListeners, closeListener{ref: ref, callback: callback})
	return ref
}

// OnError registers a callback for transport errors.
func (s *Socket) OnError(callback func(error)) int {
	ref := s.nextListenerRef()
	s.errorListeners = append(s.errorListeners, errorListener{ref: ref, callback: callback})
	return ref
}

// OnMessage registers a callback for every decoded inbound message.
func (s *Socket) OnMessage(callback func(*Message)) int {
	ref := s.nextListenerRef()
	s.messageListeners = append(s.messageListeners, messageListener{ref: ref, callback: callback})
	return ref
}

// Off removes the listeners with the given refs.
func (s *Socket) Off(refs ...int) {
	drop := make(map[int]bool, len(refs))
	for _, ref := range refs {
		drop[ref] = true
	}

	opens := s.openListeners[:0:0]
	for _, l := range s.openListeners {
		if !drop[l.ref] {
			opens = append(opens, l)
		}
	}
	s.openListeners = opens

	closes := s.closeListeners[:0:0]
	for _, l := range s.closeListeners {
		if !drop[l.ref] {
			closes = append(closes, l)
		}
	}
	s.closeListeners = closes

	errs := s.errorListeners[:0:0]
	for _, l := range s.errorListeners {
		if !drop[l.ref] {
			errs = append(errs, l)
		}
	}
	s.errorListeners = errs

	msgs := s.messageListeners[:0:0]
	for _, l := range s.messageListeners {
		if !drop[l.ref] {
			msgs = append(msgs, l)
		}
	}
	s.messageListeners = msgs
}

// IsConnected returns true if the socket is connected
func (s *Socket) IsConnected() bool {
	return s.ConnectionState() == ReadyOpen.String()
}

// ConnectionState returns "connecting", "open", "closing" or "closed". A
// transport that reports open before the socket has processed its open
// event still counts as connecting.
func (s *Socket) ConnectionState() string {
	if s.conn == nil {
		return ReadyClosed.String()
	}
	state := s.conn.ReadyState()
	if state == ReadyOpen && !s.conn.opened {
		return ReadyConnecting.String()
	}
	return state.String()
}

// Do runs fn on the socket's scheduler. It is safe to call from any
// goroutine.
func (s *Socket) Do(fn func()) {
	s.sched.Post(fn)
}

// Call runs fn on the socket's scheduler and waits for it to return. It must
// not be called from the scheduler itself.
func (s *Socket) Call(ctx context.Context, fn func()) error {
	select {
	case <-s.done:
		return ErrSocketStopped
	default:
	}

	finished := make(chan struct{})
	s.sched.Post(func() {
		defer close(finished)
		fn()
	})

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrSocketStopped
	}
}

// Stop closes the transport without reconnecting and stops the socket's own
// scheduler. It is safe to call from any goroutine.
func (s *Socket) Stop() {
	s.stopOnce.Do(func() {
		s.sched.Post(func() {
			s.stopped = true
			s.connectClock++
			s.closeWasClean = true
			s.cancelFallback()
			s.reconnectTimer.Reset()
			s.clearHeartbeats()
			for _, ch := range s.channels {
				ch.rejoinTimer.Reset()
			}
			if c := s.conn; c != nil {
				s.conn = nil
				c.detached = true
				c.Close(CloseNormal, "stopped")
			}
			close(s.done)
			if s.loop != nil {
				s.loop.Stop()
			}
		})
	})
}

// Done is closed once Stop has run.
func (s *Socket) Done() <-chan struct{} {
	return s.done
}
