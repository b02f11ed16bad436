package gophxchannels

import (
	"time"

	"github.com/sirupsen/logrus"
)

// ReceiveHook represents a callback for handling responses
type ReceiveHook struct {
	status   string
	callback func(interface{})
}

// Push represents one request sent to a channel and the reply it is waiting
// for. Exactly one of its statuses resolves it per send.
type Push struct {
	channel       *Channel
	event         string
	payload       func() interface{}
	receivedResp  *ReplyPayload
	timeout       time.Duration
	timeoutCancel CancelFunc
	recHooks      []ReceiveHook
	sent          bool
	ref           string
	refEvent      string
}

// newPush creates a new push instance
func newPush(channel *Channel, event string, payload func() interface{}, timeout time.Duration) *Push {
	if payload == nil {
		payload = func() interface{} { return map[string]interface{}{} }
	}
	return &Push{
		channel: channel,
		event:   event,
		payload: payload,
		timeout: timeout,
	}
}

// Resend resets and resends the push with a new timeout
func (p *Push) Resend(timeout time.Duration) {
	p.timeout = timeout
	p.Reset()
	p.Send()
}

// Send sends the push message. A push that already timed out stays resolved.
func (p *Push) Send() {
	if p.HasReceived(StatusTimeout) {
		return
	}
	p.StartTimeout()
	p.sent = true

	p.channel.socket.push(&Message{
		Topic:   p.channel.topic,
		Event:   p.event,
		Payload: p.payload(),
		Ref:     p.ref,
		JoinRef: p.channel.JoinRef(),
	})
}

// Receive registers a callback for a specific response status. If that
// status already arrived the callback runs immediately as well.
func (p *Push) Receive(status string, callback func(interface{})) *Push {
	if p.HasReceived(status) {
		callback(p.receivedResp.Response)
	}

	p.recHooks = append(p.recHooks, ReceiveHook{
		status:   status,
		callback: callback,
	})

	return p
}

// Reset clears the cached response, the ref and the pending reply binding.
func (p *Push) Reset() {
	p.cancelRefEvent()
	p.ref = ""
	p.refEvent = ""
	p.receivedResp = nil
	p.sent = false
}

func (p *Push) matchReceive(reply *ReplyPayload) {
	hooks := make([]ReceiveHook, len(p.recHooks))
	copy(hooks, p.recHooks)

	for _, hook := range hooks {
		if hook.status == reply.Status {
			hook.callback(reply.Response)
		}
	}
}

func (p *Push) cancelRefEvent() {
	if p.refEvent == "" {
		return
	}
	p.channel.Off(p.refEvent)
}

// CancelTimeout cancels the timeout timer
func (p *Push) CancelTimeout() {
	if p.timeoutCancel != nil {
		p.timeoutCancel()
		p.timeoutCancel = nil
	}
}

// StartTimeout allocates a fresh ref, binds the reply for it and arms the
// timeout.
func (p *Push) StartTimeout() {
	p.CancelTimeout()
	p.cancelRefEvent()

	p.ref = p.channel.socket.MakeRef()
	p.refEvent = replyEventName(p.ref)

	p.channel.On(p.refEvent, func(payload interface{}) {
		p.cancelRefEvent()
		p.CancelTimeout()

		reply, err := ParseReply(payload)
		if err != nil {
			p.channel.socket.log(logPush).WithFields(logrus.Fields{
				"topic": p.channel.topic,
				"event": p.event,
				"ref":   p.ref,
			}).WithError(err).Warn("dropping malformed reply")
			return
		}

		p.receivedResp = reply
		p.matchReceive(reply)
	})

	p.timeoutCancel = p.channel.socket.sched.AfterFunc(p.timeout, func() {
		p.timeoutCancel = nil
		p.trigger(StatusTimeout, map[string]interface{}{})
	})
}

// HasReceived reports whether a response with the given status was received.
func (p *Push) HasReceived(status string) bool {
	return p.receivedResp != nil && p.receivedResp.Status == status
}

// trigger resolves the push locally through the same path a server reply takes.
func (p *Push) trigger(status string, response interface{}) {
	payload := map[string]interface{}{
		"status":   status,
		"response": response,
	}

	p.channel.trigger(p.refEvent, payload, p.ref, "")
}

func replyEventName(ref string) string {
	return "chan_reply_" + ref
}

// Response returns the received response if available
func (p *Push) Response() *ReplyPayload {
	return p.receivedResp
}

// Sent returns true if the push has been sent
func (p *Push) Sent() bool {
	return p.sent
}

// Ref returns the push reference
func (p *Push) Ref() string {
	return p.ref
}

// Event returns the event the push was created for.
func (p *Push) Event() string {
	return p.event
}

// Timeout returns the current timeout.
func (p *Push) Timeout() time.Duration {
	return p.timeout
}
