package gophxchannels

import (
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// Log kinds attached to every entry under the "kind" field.
const (
	logTransport = "transport"
	logChannel   = "channel"
	logPush      = "push"
	logReceive   = "receive"
	logPresence  = "presence"
)

// newDefaultLogger builds the logger used when SocketOptions.Logger is nil.
// PHX_DEBUG in the environment turns on debug output.
func newDefaultLogger() logrus.FieldLogger {
	l := logrus.New()
	formatter := new(logrus.TextFormatter)
	formatter.TimestampFormat = time.RFC3339
	formatter.FullTimestamp = true
	l.SetFormatter(formatter)
	l.SetLevel(logrus.WarnLevel)
	if os.Getenv("PHX_DEBUG") != "" {
		l.SetLevel(logrus.DebugLevel)
		l.SetOutput(os.Stderr)
	}
	return l
}

// discardLogger returns a logger that drops everything.
func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
