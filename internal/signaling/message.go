package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Type identifies the kind of signaling message.
type Type string

const (
	TypeReady     Type = "ready"
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	TypeEnd       Type = "end"
	TypeTest      Type = "test"
)

// Known reports whether t is one of the message types this package defines.
// Messages with an unknown type still decode; the receiver decides what to
// do with them.
func (t Type) Known() bool {
	switch t {
	case TypeReady, TypeOffer, TypeAnswer, TypeCandidate, TypeEnd, TypeTest:
		return true
	}
	return false
}

// Message is one signaling frame on the relay. Data is an opaque blob owned by
// the media engine (session description or ICE candidate) and is nil when the
// wire value is null or absent.
type Message struct {
	Type         Type            `json:"type"`
	Data         json.RawMessage `json:"data"`
	ConnectionID string          `json:"connectionId"`
}

// ErrMalformedMessage is returned (wrapped) by Decode when a frame is not a
// JSON object of the Message shape.
var ErrMalformedMessage = errors.New("malformed signaling message")

// Encode serializes msg into its wire form. A nil Data is written as null.
func Encode(msg Message) ([]byte, error) {
	data := msg.Data
	if len(data) == 0 {
		data = nil
	}
	return json.Marshal(struct {
		Type         Type            `json:"type"`
		Data         json.RawMessage `json:"data"`
		ConnectionID string          `json:"connectionId"`
	}{msg.Type, data, msg.ConnectionID})
}

// Decode parses one wire frame. It never panics; every failure wraps
// ErrMalformedMessage. An unrecognized type is not an error here.
func Decode(frame []byte) (Message, error) {
	var wire struct {
		Type         *string         `json:"type"`
		Data         json.RawMessage `json:"data"`
		ConnectionID *string         `json:"connectionId"`
	}
	dec := json.NewDecoder(bytes.NewReader(frame))
	if err := dec.Decode(&wire); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Message{}, fmt.Errorf("%w: unexpected trailing data", ErrMalformedMessage)
	}
	if wire.Type == nil || *wire.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if wire.ConnectionID == nil {
		return Message{}, fmt.Errorf("%w: missing connectionId", ErrMalformedMessage)
	}

	msg := Message{
		Type:         Type(*wire.Type),
		ConnectionID: *wire.ConnectionID,
	}
	if !isNull(wire.Data) {
		msg.Data = wire.Data
	}
	if err := msg.validate(); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, nil
}

func (m Message) validate() error {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.Data == nil {
			return fmt.Errorf("%s message missing data", m.Type)
		}
		if !json.Valid(m.Data) || m.Data[0] != '{' {
			return fmt.Errorf("%s message data must be an object", m.Type)
		}
	case TypeCandidate:
		if m.Data != nil && m.Data[0] != '{' {
			return fmt.Errorf("candidate message data must be an object or null")
		}
	}
	return nil
}

// EndOfCandidates reports whether a candidate message signals that the sender
// has finished gathering. Both a null payload and a candidate object with an
// empty "candidate" string are treated as the sentinel, since browsers emit
// either form.
func (m Message) EndOfCandidates() bool {
	if m.Type != TypeCandidate {
		return false
	}
	if m.Data == nil {
		return true
	}
	var body struct {
		Candidate *string `json:"candidate"`
	}
	if err := json.Unmarshal(m.Data, &body); err != nil {
		return false
	}
	return body.Candidate == nil || *body.Candidate == ""
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
