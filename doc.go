// Package gophxchannels is a Go client for Phoenix Framework Channels.
// It mirrors the JavaScript Phoenix client: one Socket multiplexes many
// topic Channels over a single transport, correlates request/reply Pushes,
// reconnects and rejoins with backoff, and keeps Presence replicas in sync.
//
// Every Socket, Channel, Push and Presence method runs on the socket's
// Scheduler. Callbacks are already on it; other goroutines use Socket.Do or
// Socket.Call.
//
// Basic usage:
//
//	socket := gophxchannels.NewSocket("ws://localhost:4000/socket", nil)
//	defer socket.Stop()
//
//	socket.Do(func() {
//		socket.Connect()
//		channel := socket.Channel("room:lobby", nil)
//		join, _ := channel.Join()
//		join.Receive("ok", func(resp interface{}) {
//			fmt.Println("Joined successfully")
//		})
//	})
package gophxchannels

// Version of the library
const Version = "2.0.0"

// Lifecycle events.
const (
	EventJoin      = "phx_join"
	EventReply     = "phx_reply"
	EventLeave     = "phx_leave"
	EventClose     = "phx_close"
	EventError     = "phx_error"
	EventHeartbeat = "heartbeat"
)

// TopicPhoenix is the topic heartbeats are sent on.
const TopicPhoenix = "phoenix"

// Common reply statuses
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

func isLifecycleEvent(event string) bool {
	switch event {
	case EventJoin, EventReply, EventLeave, EventClose, EventError:
		return true
	}
	return false
}

// NewBinaryPayload creates a binary payload for sending binary data through channels.
// Binary payloads are automatically encoded using Phoenix's binary protocol.
//
// Example:
//
//	payload := NewBinaryPayload([]byte{0x01, 0x02, 0x03, 0x04})
//	channel.Push("binary_event", payload)
func NewBinaryPayload(data []byte) BinaryPayload {
	return BinaryPayload{Data: data}
}
