package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	phx "github.com/phoenixframework/phoenix-sub000"
)

// printer writes one line per event. It is only used from the socket loop.
type printer struct {
	w io.Writer
}

func newPrinter(w io.Writer) *printer {
	return &printer{w: w}
}

func (p *printer) event(event string, payload interface{}) {
	fmt.Fprintf(p.w, "%s %s\n", event, formatPayload(payload))
}

func (p *printer) presence(entries []interface{}) {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, fmt.Sprint(e))
	}
	fmt.Fprintf(p.w, "presence [%s]\n", strings.Join(names, " "))
}

func (p *printer) status(connection, transport, channel string) {
	fmt.Fprintf(p.w, "status connection=%s transport=%s channel=%s\n", connection, transport, channel)
}

// isAppEvent reports whether event is an application event rather than
// protocol traffic.
func isAppEvent(event string) bool {
	return !strings.HasPrefix(event, "phx_") && !strings.HasPrefix(event, "chan_reply_") &&
		event != phx.PresenceStateEvent && event != phx.PresenceDiffEvent
}

func formatPayload(payload interface{}) string {
	if b, ok := payload.(phx.BinaryPayload); ok {
		return fmt.Sprintf("<%d bytes>", len(b.Data))
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Sprint(payload)
	}
	return string(data)
}

// parseLine pushes JSON objects as they are and wraps anything else as
// {"body": line}.
func parseLine(line string) interface{} {
	if strings.HasPrefix(line, "{") {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			return obj
		}
	}
	return map[string]interface{}{"body": line}
}

func presenceLine(key string, entry phx.PresenceEntry) string {
	if len(entry.Metas) <= 1 {
		return key
	}
	return fmt.Sprintf("%s(%d)", key, len(entry.Metas))
}
