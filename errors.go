package gophxchannels

import "github.com/pkg/errors"

// ErrJoinedTwice indicates Join was called more than once on a channel instance.
var ErrJoinedTwice = errors.New("tried to join multiple times. 'Join' can only be called a single time per channel instance")

// ErrPushBeforeJoin indicates a push was attempted before the channel was joined.
var ErrPushBeforeJoin = errors.New("tried to push before joining. Use channel.Join() before pushing events")

// ErrUnknownFrameKind indicates a binary frame with an unrecognized kind byte.
var ErrUnknownFrameKind = errors.New("unknown binary frame kind")

// ErrMalformedFrame indicates a frame that could not be decoded.
var ErrMalformedFrame = errors.New("malformed frame")

// ErrFieldTooLong indicates a binary header field longer than 255 bytes.
var ErrFieldTooLong = errors.New("binary header field exceeds 255 bytes")

// ErrNotConnected indicates the transport is not open.
var ErrNotConnected = errors.New("not connected")

// ErrSocketStopped indicates the socket's scheduler has been stopped.
var ErrSocketStopped = errors.New("socket stopped")
