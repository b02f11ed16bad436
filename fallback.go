package gophxchannels

import (
	"sync"
	"time"
)

// SessionStore keeps small string values for the lifetime of a process
// session. The socket stores its transport fallback decision in it.
type SessionStore interface {
	Get(key string) (string, bool)
	Set(key, value string)
}

// MemorySessionStore is an in-process SessionStore. It may be shared between
// sockets.
type MemorySessionStore struct {
	mu     sync.Mutex
	values map[string]string
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{values: make(map[string]string)}
}

// Get implements SessionStore.
func (m *MemorySessionStore) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Set implements SessionStore.
func (m *MemorySessionStore) Set(key, value string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
}

func fallbackSessionKey(fallback TransportFactory) string {
	return "phx:fallback:" + fallback.Name
}

// connectWithFallback starts the primary transport and switches to fallback
// if the primary errors before opening, or does not open and answer a ping
// within threshold.
func (s *Socket) connectWithFallback(fallback TransportFactory, threshold time.Duration) {
	s.cancelFallback()
	s.Off(s.fallbackRefs...)
	s.fallbackRefs = nil

	var (
		established bool
		primary     = true
		openRef     int
		errorRef    int
		pingRef     int
	)
	key := fallbackSessionKey(fallback)
	logger := s.log(logTransport).WithField("fallback", fallback.Name)

	switchTransport := func(reason string) {
		logger.WithField("reason", reason).Info("falling back")
		s.Off(errorRef, pingRef)
		primary = false
		s.metrics.fallback()
		s.ReplaceTransport(fallback)
		s.transportConnect()
	}

	if v, ok := s.options.SessionStore.Get(key); ok && v == "true" {
		openRef = s.OnOpen(func() {
			s.Off(openRef)
			logger.Debug("established memorized fallback")
		})
		s.fallbackRefs = []int{openRef}
		switchTransport("memorized")
		return
	}

	s.fallbackCancel = s.sched.AfterFunc(threshold, func() {
		s.fallbackCancel = nil
		switchTransport("timeout")
	})

	errorRef = s.OnError(func(err error) {
		if primary && !established {
			logger.WithError(err).Debug("primary transport failed before opening")
			s.cancelFallback()
			switchTransport(err.Error())
		}
	})

	openRef = s.OnOpen(func() {
		established = true
		if !primary {
			s.Off(openRef)
			if !s.primaryPassedHealthCheck {
				s.options.SessionStore.Set(key, "true")
			}
			logger.Debug("established fallback")
			return
		}

		s.cancelFallback()
		s.fallbackCancel = s.sched.AfterFunc(threshold, func() {
			s.fallbackCancel = nil
			switchTransport("health check timeout")
		})
		s.Off(pingRef)
		pingRef, _ = s.ping(func(rtt time.Duration) {
			logger.WithField("rtt", rtt).Debug("connected to primary")
			s.primaryPassedHealthCheck = true
			s.cancelFallback()
			s.Off(openRef, errorRef)
		})
		s.fallbackRefs = append(s.fallbackRefs, pingRef)
	})
	s.fallbackRefs = []int{errorRef, openRef}

	s.transportConnect()
}

// Ping sends a heartbeat and reports the round trip to callback when the
// reply arrives. It returns false when the socket is not connected.
func (s *Socket) Ping(callback func(rtt time.Duration)) bool {
	_, ok := s.ping(callback)
	return ok
}

// ping is Ping returning the ref of the listener waiting for the reply, so
// the caller can drop it when it gives up waiting.
func (s *Socket) ping(callback func(rtt time.Duration)) (int, bool) {
	if !s.IsConnected() {
		return 0, false
	}

	ref := s.MakeRef()
	start := time.Now()
	s.push(&Message{
		Topic:   TopicPhoenix,
		Event:   EventHeartbeat,
		Payload: map[string]interface{}{},
		Ref:     ref,
	})

	var msgRef int
	msgRef = s.OnMessage(func(msg *Message) {
		if msg.Ref == ref {
			s.Off(msgRef)
			callback(time.Since(start))
		}
	})
	return msgRef, true
}

// ReplaceTransport closes the current transport without reconnecting and
// makes factory the transport for the next connect. Channels joined over an
// open transport are errored so they rejoin on the next one.
func (s *Socket) ReplaceTransport(factory TransportFactory) {
	s.connectClock++
	s.closeWasClean = true
	s.cancelFallback()
	s.reconnectTimer.Reset()

	if c := s.conn; c != nil {
		s.conn = nil
		c.detached = true
		c.Close(CloseNormal, "")
		if c.opened {
			s.clearHeartbeats()
			s.pendingHeartbeatRef = ""
			s.triggerChanError()
		}
	}

	s.transport = factory
}

// TransportName returns the name of the transport used for the next connect.
func (s *Socket) TransportName() string {
	return s.transport.Name
}

func (s *Socket) cancelFallback() {
	if s.fallbackCancel != nil {
		s.fallbackCancel()
		s.fallbackCancel = nil
	}
}
