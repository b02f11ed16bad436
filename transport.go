package gophxchannels

import (
	"encoding/base64"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ReadyState mirrors the states a transport moves through.
type ReadyState int32

const (
	ReadyConnecting ReadyState = iota
	ReadyOpen
	ReadyClosing
	ReadyClosed
)

// String returns the string representation of the ready state.
func (r ReadyState) String() string {
	switch r {
	case ReadyConnecting:
		return "connecting"
	case ReadyOpen:
		return "open"
	case ReadyClosing:
		return "closing"
	default:
		return "closed"
	}
}

// WebSocket close codes used by the client.
const (
	CloseNormal          = 1000
	CloseNoStatus        = 1005
	CloseAbnormal        = 1006
	ClosePolicyViolation = 1008
	CloseInternalError   = 1011
)

// CloseEvent describes how a transport closed.
type CloseEvent struct {
	Code     int
	Reason   string
	WasClean bool
}

// TransportHandlers are the four callbacks a transport reports through. They
// may be invoked from any goroutine.
type TransportHandlers struct {
	OnOpen    func()
	OnError   func(err error)
	OnMessage func(frame Frame)
	OnClose   func(event CloseEvent)
}

// TransportConfig is what a Socket hands to a transport factory.
type TransportConfig struct {
	// Endpoint is the full websocket URL, query included.
	Endpoint  string
	AuthToken string
	Headers   http.Header
	// Timeout bounds dials and long-poll requests.
	Timeout    time.Duration
	BinaryType string
	Logger     logrus.FieldLogger
}

// Transport is one physical connection attempt. Implementations start
// connecting as soon as they are created.
type Transport interface {
	ReadyState() ReadyState
	Send(frame Frame) error
	Close(code int, reason string)
	// BufferedAmount is the number of bytes accepted by Send but not yet
	// written out.
	BufferedAmount() int
	// SkipHeartbeat reports whether the socket should not heartbeat over
	// this transport.
	SkipHeartbeat() bool
}

// TransportFactory names a transport kind and builds instances of it.
type TransportFactory struct {
	Name string
	New  func(cfg TransportConfig, h TransportHandlers) Transport
}

// WebSocket is the default transport.
var WebSocket = TransportFactory{
	Name: "websocket",
	New: func(cfg TransportConfig, h TransportHandlers) Transport {
		return NewWebSocketTransport(cfg, h)
	},
}

// LongPoll is the HTTP long-polling transport.
var LongPoll = TransportFactory{
	Name: "longpoll",
	New: func(cfg TransportConfig, h TransportHandlers) Transport {
		return NewLongPollTransport(cfg, h)
	},
}

const authTokenPrefix = "base64url.bearer.phx."

// authProtocols returns the websocket subprotocols carrying token.
func authProtocols(token string) []string {
	if token == "" {
		return nil
	}
	encoded := strings.TrimRight(base64.StdEncoding.EncodeToString([]byte(token)), "=")
	return []string{"phoenix", authTokenPrefix + encoded}
}

func (h TransportHandlers) open() {
	if h.OnOpen != nil {
		h.OnOpen()
	}
}

func (h TransportHandlers) error(err error) {
	if h.OnError != nil {
		h.OnError(err)
	}
}

func (h TransportHandlers) message(f Frame) {
	if h.OnMessage != nil {
		h.OnMessage(f)
	}
}

func (h TransportHandlers) close(e CloseEvent) {
	if h.OnClose != nil {
		h.OnClose(e)
	}
}
