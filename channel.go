package gophxchannels

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ChannelState represents the channel state
type ChannelState int

const (
	ChannelClosed ChannelState = iota
	ChannelErrored
	ChannelJoined
	ChannelJoining
	ChannelLeaving
)

// String returns the string representation of the channel state
func (cs ChannelState) String() string {
	switch cs {
	case ChannelClosed:
		return "closed"
	case ChannelErrored:
		return "errored"
	case ChannelJoined:
		return "joined"
	case ChannelJoining:
		return "joining"
	case ChannelLeaving:
		return "leaving"
	default:
		return "unknown"
	}
}

// EventCallback receives the payload of a channel event.
type EventCallback func(payload interface{})

// EventHandler receives the payload of a channel event together with the
// frame's ref and join ref.
type EventHandler func(payload interface{}, ref string, joinRef string)

// MessageHook pre-processes every payload before it reaches bindings. It must
// return a non-nil payload when given one.
type MessageHook func(event string, payload interface{}, ref string, joinRef string) interface{}

// EventBinding represents an event callback binding
type EventBinding struct {
	event    string
	ref      int
	callback EventHandler
}

// Channel is one join lineage for a topic on a Socket.
type Channel struct {
	topic           string
	params          Params
	socket          *Socket
	state           ChannelState
	bindings        []EventBinding
	bindingRef      int
	timeout         time.Duration
	joinedOnce      bool
	joinPush        *Push
	pushBuffer      []*Push
	stateChangeRefs []int
	rejoinTimer     *Timer
	onMessage       MessageHook
}

// newChannel creates a new channel instance
func newChannel(topic string, params Params, socket *Socket) *Channel {
	if params == nil {
		params = StaticParams{}
	}

	ch := &Channel{
		topic:     topic,
		params:    params,
		socket:    socket,
		state:     ChannelClosed,
		timeout:   socket.options.Timeout,
		onMessage: identityHook,
	}

	ch.joinPush = newPush(ch, EventJoin, func() interface{} {
		return ch.params.Resolve()
	}, ch.timeout)

	ch.rejoinTimer = NewTimer(socket.sched, func() {
		if ch.socket.IsConnected() {
			ch.rejoin(ch.timeout)
		}
	}, socket.options.RejoinAfter)

	ch.stateChangeRefs = append(ch.stateChangeRefs,
		socket.OnError(func(error) {
			ch.rejoinTimer.Reset()
		}),
		socket.OnOpen(func() {
			ch.rejoinTimer.Reset()
			if ch.IsErrored() {
				ch.rejoin(ch.timeout)
			}
		}),
	)

	ch.joinPush.Receive(StatusOK, func(interface{}) {
		ch.state = ChannelJoined
		ch.rejoinTimer.Reset()
		ch.socket.metrics.join(StatusOK)
		buffered := ch.pushBuffer
		ch.pushBuffer = nil
		for _, p := range buffered {
			p.Send()
		}
	})

	ch.joinPush.Receive(StatusError, func(interface{}) {
		ch.state = ChannelErrored
		ch.socket.metrics.join(StatusError)
		if ch.socket.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
	})

	ch.joinPush.Receive(StatusTimeout, func(interface{}) {
		ch.log().WithFields(logrus.Fields{
			"join_ref": ch.JoinRef(),
			"timeout":  ch.joinPush.timeout,
		}).Debug("join timeout")
		ch.socket.metrics.join(StatusTimeout)

		leavePush := newPush(ch, EventLeave, nil, ch.timeout)
		leavePush.Send()
		ch.state = ChannelErrored
		ch.joinPush.Reset()
		if ch.socket.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
	})

	ch.OnClose(func(interface{}) {
		ch.rejoinTimer.Reset()
		ch.log().WithField("join_ref", ch.JoinRef()).Debug("close")
		ch.state = ChannelClosed
		ch.socket.remove(ch)
	})

	ch.OnError(func(reason interface{}) {
		ch.log().WithField("reason", reason).Debug("error")
		if ch.IsJoining() {
			ch.joinPush.Reset()
		}
		ch.state = ChannelErrored
		if ch.socket.IsConnected() {
			ch.rejoinTimer.ScheduleTimeout()
		}
	})

	ch.OnEvent(EventReply, func(payload interface{}, ref string, _ string) {
		ch.trigger(replyEventName(ref), payload, ref, "")
	})

	return ch
}

func identityHook(_ string, payload interface{}, _ string, _ string) interface{} {
	return payload
}

func (ch *Channel) log() *logrus.Entry {
	return ch.socket.log(logChannel).WithField("topic", ch.topic)
}

// Join joins the channel. It may only be called once per channel instance.
func (ch *Channel) Join(timeout ...time.Duration) (*Push, error) {
	if ch.joinedOnce {
		return nil, errors.Wrapf(ErrJoinedTwice, "topic %q", ch.topic)
	}

	if len(timeout) > 0 {
		ch.timeout = timeout[0]
	}

	ch.joinedOnce = true
	ch.rejoin(ch.timeout)
	return ch.joinPush, nil
}

// rejoin re-sends the join push with a fresh ref.
func (ch *Channel) rejoin(timeout time.Duration) {
	if ch.IsLeaving() {
		return
	}

	ch.socket.leaveOpenTopic(ch.topic, ch)
	ch.state = ChannelJoining
	ch.joinPush.Resend(timeout)
}

// Leave leaves the channel. The returned push resolves "ok" immediately when
// the channel cannot reach the server.
func (ch *Channel) Leave(timeout ...time.Duration) *Push {
	leaveTimeout := ch.timeout
	if len(timeout) > 0 {
		leaveTimeout = timeout[0]
	}

	canPush := ch.canPush()
	ch.rejoinTimer.Reset()
	ch.joinPush.CancelTimeout()

	ch.state = ChannelLeaving

	onClose := func(interface{}) {
		ch.log().Debug("leave")
		ch.trigger(EventClose, "leave", "", "")
	}

	leavePush := newPush(ch, EventLeave, nil, leaveTimeout)
	leavePush.Receive(StatusOK, onClose).Receive(StatusTimeout, onClose)
	leavePush.Send()

	if !canPush {
		leavePush.trigger(StatusOK, map[string]interface{}{})
	}

	return leavePush
}

// Push sends an event to the channel. While the channel cannot push the
// message is buffered until the join succeeds; its timeout runs regardless.
func (ch *Channel) Push(event string, payload interface{}, timeout ...time.Duration) (*Push, error) {
	if payload == nil {
		payload = map[string]interface{}{}
	}

	if !ch.joinedOnce {
		return nil, errors.Wrapf(ErrPushBeforeJoin, "push %q to %q", event, ch.topic)
	}

	pushTimeout := ch.timeout
	if len(timeout) > 0 {
		pushTimeout = timeout[0]
	}

	pushEvent := newPush(ch, event, func() interface{} { return payload }, pushTimeout)

	if ch.canPush() {
		pushEvent.Send()
	} else {
		pushEvent.StartTimeout()
		ch.pushBuffer = append(ch.pushBuffer, pushEvent)
	}

	return pushEvent, nil
}

// On registers an event handler and returns its binding ref.
func (ch *Channel) On(event string, callback EventCallback) int {
	return ch.OnEvent(event, func(payload interface{}, _ string, _ string) {
		callback(payload)
	})
}

// OnEvent is like On but the handler also receives the ref and join ref.
func (ch *Channel) OnEvent(event string, handler EventHandler) int {
	ch.bindingRef++
	ref := ch.bindingRef

	ch.bindings = append(ch.bindings, EventBinding{
		event:    event,
		ref:      ref,
		callback: handler,
	})

	return ref
}

// OnClose registers a callback for the channel close event.
func (ch *Channel) OnClose(callback EventCallback) int {
	return ch.On(EventClose, callback)
}

// OnError registers a callback for the channel error event.
func (ch *Channel) OnError(callback EventCallback) int {
	return ch.On(EventError, callback)
}

// OnMessage replaces the payload pre-processing hook. nil restores the
// identity hook.
func (ch *Channel) OnMessage(hook MessageHook) {
	if hook == nil {
		hook = identityHook
	}
	ch.onMessage = hook
}

// Off removes event handlers. Without a ref every handler for event goes.
func (ch *Channel) Off(event string, ref ...int) {
	kept := ch.bindings[:0:0]
	for _, binding := range ch.bindings {
		if binding.event == event && (len(ref) == 0 || binding.ref == ref[0]) {
			continue
		}
		kept = append(kept, binding)
	}
	ch.bindings = kept
}

// canPush returns true if the channel can send messages
func (ch *Channel) canPush() bool {
	return ch.socket.IsConnected() && ch.IsJoined()
}

// IsClosed returns true if the channel is closed
func (ch *Channel) IsClosed() bool {
	return ch.state == ChannelClosed
}

// IsErrored returns true if the channel is in error state
func (ch *Channel) IsErrored() bool {
	return ch.state == ChannelErrored
}

// IsJoined returns true if the channel is joined
func (ch *Channel) IsJoined() bool {
	return ch.state == ChannelJoined
}

// IsJoining returns true if the channel is joining
func (ch *Channel) IsJoining() bool {
	return ch.state == ChannelJoining
}

// IsLeaving returns true if the channel is leaving
func (ch *Channel) IsLeaving() bool {
	return ch.state == ChannelLeaving
}

// State returns the current channel state
func (ch *Channel) State() ChannelState {
	return ch.state
}

// Topic returns the channel topic
func (ch *Channel) Topic() string {
	return ch.topic
}

// JoinRef returns the ref of the most recent join push.
func (ch *Channel) JoinRef() string {
	return ch.joinPush.ref
}

// Socket returns the socket the channel belongs to.
func (ch *Channel) Socket() *Socket {
	return ch.socket
}

// isMember checks if a message belongs to this channel. Lifecycle events from
// a superseded join are dropped.
func (ch *Channel) isMember(msg *Message) bool {
	if ch.topic != msg.Topic {
		return false
	}

	if isLifecycleEvent(msg.Event) && msg.JoinRef != "" && msg.JoinRef != ch.JoinRef() {
		ch.log().WithFields(logrus.Fields{
			"event":    msg.Event,
			"join_ref": msg.JoinRef,
		}).Debug("dropping outdated message")
		ch.socket.metrics.staleFrame()
		return false
	}

	return true
}

// trigger dispatches an event to the bindings registered for it, in
// subscription order.
func (ch *Channel) trigger(event string, payload interface{}, ref string, joinRef string) {
	handled := ch.onMessage(event, payload, ref, joinRef)
	if payload != nil && handled == nil {
		panic(fmt.Sprintf("channel %q: onMessage hooks must return the payload, modified or unmodified", ch.topic))
	}

	if joinRef == "" {
		joinRef = ch.JoinRef()
	}

	var matching []EventBinding
	for _, binding := range ch.bindings {
		if binding.event == event {
			matching = append(matching, binding)
		}
	}

	for _, binding := range matching {
		binding.callback(handled, ref, joinRef)
	}
}
