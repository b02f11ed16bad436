package gophxchannels

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
)

// AuthTokenHeader carries the auth token on long-poll requests.
const AuthTokenHeader = "X-Phoenix-AuthToken"

var websocketSuffix = regexp.MustCompile(`(.*)/websocket`)

// LongPollTransport is a Transport over HTTP long polling. A poll goroutine
// issues GETs; sends are batched into newline-delimited POSTs, one in flight
// at a time.
type LongPollTransport struct {
	cfg          TransportConfig
	h            TransportHandlers
	client       *http.Client
	pollEndpoint string

	state atomic.Int32

	mu       sync.Mutex
	token    string
	pending  []string
	inflight bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

type longPollResponse struct {
	Status   int      `json:"status"`
	Token    string   `json:"token"`
	Messages []string `json:"messages"`
}

// NewLongPollTransport starts polling the long-poll endpoint derived from
// cfg.Endpoint.
func NewLongPollTransport(cfg TransportConfig, h TransportHandlers) *LongPollTransport {
	ctx, cancel := context.WithCancel(context.Background())
	t := &LongPollTransport{
		cfg:          cfg,
		h:            h,
		client:       &http.Client{},
		pollEndpoint: normalizeLongPollEndpoint(cfg.Endpoint),
		ctx:          ctx,
		cancel:       cancel,
	}
	t.state.Store(int32(ReadyConnecting))
	go t.poll()
	return t
}

// normalizeLongPollEndpoint maps a websocket URL onto its long-poll URL.
func normalizeLongPollEndpoint(endpoint string) string {
	endpoint = strings.Replace(endpoint, "ws://", "http://", 1)
	endpoint = strings.Replace(endpoint, "wss://", "https://", 1)
	return websocketSuffix.ReplaceAllString(endpoint, "$1/longpoll")
}

// ReadyState implements Transport.
func (t *LongPollTransport) ReadyState() ReadyState {
	return ReadyState(t.state.Load())
}

// SkipHeartbeat implements Transport. The long-poll requests themselves
// keep the session alive.
func (t *LongPollTransport) SkipHeartbeat() bool {
	return true
}

// BufferedAmount implements Transport.
func (t *LongPollTransport) BufferedAmount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, p := range t.pending {
		n += len(p)
	}
	return n
}

// Send queues frame for the next batch. Binary frames are base64 encoded.
func (t *LongPollTransport) Send(frame Frame) error {
	if t.ReadyState() != ReadyOpen {
		return ErrNotConnected
	}
	body := string(frame.Data)
	if frame.Binary {
		body = base64.StdEncoding.EncodeToString(frame.Data)
	}

	t.mu.Lock()
	t.pending = append(t.pending, body)
	start := !t.inflight
	t.inflight = true
	t.mu.Unlock()

	if start {
		go t.batchSend()
	}
	return nil
}

// Close aborts outstanding requests and reports the close synchronously.
func (t *LongPollTransport) Close(code int, reason string) {
	if code == 0 {
		code = CloseNormal
	}
	t.close(CloseEvent{Code: code, Reason: reason, WasClean: true})
}

func (t *LongPollTransport) close(e CloseEvent) {
	t.closeOnce.Do(func() {
		t.state.Store(int32(ReadyClosed))
		t.cancel()
		t.mu.Lock()
		t.pending = nil
		t.mu.Unlock()
		t.client.CloseIdleConnections()
		t.h.close(e)
	})
}

func (t *LongPollTransport) endpointURL() string {
	t.mu.Lock()
	token := t.token
	t.mu.Unlock()

	u, err := url.Parse(t.pollEndpoint)
	if err != nil {
		return t.pollEndpoint
	}
	q := u.Query()
	if token != "" {
		q.Set("token", token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (t *LongPollTransport) request(method string, contentType string, body []byte) (*longPollResponse, error) {
	ctx := t.ctx
	if t.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(t.ctx, t.cfg.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, method, t.endpointURL(), bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build long-poll request failed")
	}
	for k, values := range t.cfg.Headers {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if t.cfg.AuthToken != "" {
		req.Header.Set(AuthTokenHeader, t.cfg.AuthToken)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	out := &longPollResponse{}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		out = &longPollResponse{}
	}
	if out.Status == 0 {
		out.Status = resp.StatusCode
	}
	return out, nil
}

func (t *LongPollTransport) poll() {
	for {
		if t.ctx.Err() != nil {
			return
		}
		resp, err := t.request(http.MethodGet, "", nil)
		if t.ctx.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				t.h.error(errors.Wrap(err, "long-poll timeout"))
				t.close(CloseEvent{Code: CloseNoStatus, Reason: "timeout"})
				return
			}
			resp = &longPollResponse{Status: 0}
		}
		if resp.Token != "" {
			t.mu.Lock()
			t.token = resp.Token
			t.mu.Unlock()
		}

		switch resp.Status {
		case http.StatusOK:
			for _, msg := range resp.Messages {
				t.h.message(Frame{Data: []byte(msg)})
			}
		case http.StatusNoContent:
		case http.StatusGone:
			if t.state.CompareAndSwap(int32(ReadyConnecting), int32(ReadyOpen)) {
				t.h.open()
			}
		case http.StatusForbidden:
			t.h.error(errors.New("long-poll forbidden"))
			t.close(CloseEvent{Code: ClosePolicyViolation, Reason: "forbidden"})
			return
		case 0, http.StatusInternalServerError:
			t.h.error(errors.Errorf("long-poll status %d", resp.Status))
			t.close(CloseEvent{Code: CloseInternalError, Reason: "internal server error"})
			return
		default:
			t.h.error(errors.Errorf("unhandled poll status %d", resp.Status))
			t.close(CloseEvent{Code: CloseInternalError, Reason: "unhandled poll status"})
			return
		}
	}
}

func (t *LongPollTransport) batchSend() {
	for {
		t.mu.Lock()
		if len(t.pending) == 0 || t.ctx.Err() != nil {
			t.inflight = false
			t.mu.Unlock()
			return
		}
		batch := t.pending
		t.pending = nil
		t.mu.Unlock()

		resp, err := t.request(http.MethodPost, "application/x-ndjson", []byte(strings.Join(batch, "\n")))
		if t.ctx.Err() != nil {
			return
		}
		if err != nil || resp.Status != http.StatusOK {
			status := 0
			if resp != nil {
				status = resp.Status
			}
			t.h.error(errors.Errorf("long-poll send failed with status %d", status))
			t.close(CloseEvent{Code: CloseInternalError, Reason: "internal server error"})
			return
		}
	}
}
