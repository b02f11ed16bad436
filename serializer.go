package gophxchannels

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	headerLength = 1
	metaLength   = 4
)

// Message kinds for the binary protocol.
const (
	KindPush      byte = 0
	KindReply     byte = 1
	KindBroadcast byte = 2
)

// Message is one wire envelope. An empty JoinRef or Ref stands for null.
type Message struct {
	JoinRef string
	Ref     string
	Topic   string
	Event   string
	Payload interface{}
}

// BinaryPayload represents a raw byte payload. Messages carrying one are sent
// with the binary encoding.
type BinaryPayload struct {
	Data []byte
}

// IsBinary checks if the message payload is binary.
func (m *Message) IsBinary() bool {
	switch m.Payload.(type) {
	case BinaryPayload, *BinaryPayload:
		return true
	}
	return false
}

// Frame is an encoded message as handed to or received from a transport.
type Frame struct {
	Data   []byte
	Binary bool
}

// Serializer handles encoding/decoding of Phoenix messages. It is stateless.
type Serializer struct{}

// NewSerializer creates a new serializer instance.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Encode encodes a message for transmission.
func (s *Serializer) Encode(msg *Message) (Frame, error) {
	if msg.IsBinary() {
		data, err := s.binaryEncode(msg)
		return Frame{Data: data, Binary: true}, err
	}
	data, err := s.jsonEncode(msg)
	return Frame{Data: data}, err
}

// Decode decodes a received frame.
func (s *Serializer) Decode(frame Frame) (*Message, error) {
	if frame.Binary {
		return s.binaryDecode(frame.Data)
	}
	return s.jsonDecode(frame.Data)
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func (s *Serializer) jsonEncode(msg *Message) ([]byte, error) {
	payload := msg.Payload
	if payload == nil {
		payload = map[string]interface{}{}
	}
	data, err := json.Marshal([]interface{}{nullable(msg.JoinRef), nullable(msg.Ref), msg.Topic, msg.Event, payload})
	if err != nil {
		return nil, errors.Wrap(err, "marshal message failed")
	}
	return data, nil
}

func (s *Serializer) jsonDecode(data []byte) (*Message, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, err.Error())
	}
	if len(fields) != 5 {
		return nil, errors.Wrapf(ErrMalformedFrame, "expected 5 elements, got %d", len(fields))
	}

	var joinRef, ref *string
	var topic, event string
	if err := json.Unmarshal(fields[0], &joinRef); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, "invalid join_ref")
	}
	if err := json.Unmarshal(fields[1], &ref); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, "invalid ref")
	}
	if err := json.Unmarshal(fields[2], &topic); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, "invalid topic")
	}
	if err := json.Unmarshal(fields[3], &event); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, "invalid event")
	}
	var payload interface{}
	if err := json.Unmarshal(fields[4], &payload); err != nil {
		return nil, errors.Wrap(ErrMalformedFrame, "invalid payload")
	}

	msg := &Message{Topic: topic, Event: event, Payload: payload}
	if joinRef != nil {
		msg.JoinRef = *joinRef
	}
	if ref != nil {
		msg.Ref = *ref
	}
	return msg, nil
}

func binaryData(payload interface{}) []byte {
	switch p := payload.(type) {
	case BinaryPayload:
		return p.Data
	case *BinaryPayload:
		return p.Data
	}
	return nil
}

func (s *Serializer) binaryEncode(msg *Message) ([]byte, error) {
	fields := []string{msg.JoinRef, msg.Ref, msg.Topic, msg.Event}
	size := headerLength + metaLength
	for _, f := range fields {
		if len(f) > 255 {
			return nil, errors.Wrapf(ErrFieldTooLong, "%q", f)
		}
		size += len(f)
	}
	data := binaryData(msg.Payload)

	out := make([]byte, 0, size+len(data))
	out = append(out, KindPush)
	for _, f := range fields {
		out = append(out, byte(len(f)))
	}
	for _, f := range fields {
		out = append(out, f...)
	}
	return append(out, data...), nil
}

func (s *Serializer) binaryDecode(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, errors.Wrap(ErrMalformedFrame, "message too short")
	}

	switch data[0] {
	case KindPush:
		return s.decodePush(data)
	case KindReply:
		return s.decodeReply(data)
	case KindBroadcast:
		return s.decodeBroadcast(data)
	default:
		return nil, errors.Wrapf(ErrUnknownFrameKind, "kind %d", data[0])
	}
}

// readFields splits n length-prefixed strings whose lengths start at data[1].
// It returns the strings and the offset of the payload.
func readFields(data []byte, n int) ([]string, int, error) {
	offset := headerLength + n
	if len(data) < offset {
		return nil, 0, errors.Wrap(ErrMalformedFrame, "header truncated")
	}
	out := make([]string, n)
	for i := 0; i < n; i++ {
		size := int(data[headerLength+i])
		if len(data) < offset+size {
			return nil, 0, errors.Wrap(ErrMalformedFrame, "field truncated")
		}
		out[i] = string(data[offset : offset+size])
		offset += size
	}
	return out, offset, nil
}

func payloadCopy(b []byte) BinaryPayload {
	return BinaryPayload{Data: append([]byte(nil), b...)}
}

// decodePush decodes a server push. Pushes have no ref.
func (s *Serializer) decodePush(data []byte) (*Message, error) {
	f, offset, err := readFields(data, metaLength-1)
	if err != nil {
		return nil, errors.Wrap(err, "decode push failed")
	}
	return &Message{
		JoinRef: f[0],
		Topic:   f[1],
		Event:   f[2],
		Payload: payloadCopy(data[offset:]),
	}, nil
}

// decodeReply decodes a reply. The event field carries the reply status.
func (s *Serializer) decodeReply(data []byte) (*Message, error) {
	f, offset, err := readFields(data, metaLength)
	if err != nil {
		return nil, errors.Wrap(err, "decode reply failed")
	}
	return &Message{
		JoinRef: f[0],
		Ref:     f[1],
		Topic:   f[2],
		Event:   EventReply,
		Payload: map[string]interface{}{
			"status":   f[3],
			"response": payloadCopy(data[offset:]),
		},
	}, nil
}

func (s *Serializer) decodeBroadcast(data []byte) (*Message, error) {
	f, offset, err := readFields(data, 2)
	if err != nil {
		return nil, errors.Wrap(err, "decode broadcast failed")
	}
	return &Message{
		Topic:   f[0],
		Event:   f[1],
		Payload: payloadCopy(data[offset:]),
	}, nil
}

// ReplyPayload represents the structure of a reply payload.
type ReplyPayload struct {
	Status   string      `json:"status"`
	Response interface{} `json:"response"`
}

// ParseReply extracts the status and response of a reply payload.
func ParseReply(payload interface{}) (*ReplyPayload, error) {
	switch p := payload.(type) {
	case *ReplyPayload:
		return p, nil
	case ReplyPayload:
		return &p, nil
	case map[string]interface{}:
		status, ok := p["status"].(string)
		if !ok {
			return nil, errors.Wrap(ErrMalformedFrame, "missing or invalid status in reply")
		}
		return &ReplyPayload{Status: status, Response: p["response"]}, nil
	}
	return nil, errors.Wrap(ErrMalformedFrame, "invalid reply payload format")
}
