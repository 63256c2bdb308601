package backend

import (
	"encoding/json"
	"fmt"
)

// MessageType is the JSON "type" discriminant of a control message.
type MessageType string

const (
	// TypeInterrupt signals barge-in: playback must stop immediately.
	TypeInterrupt MessageType = "interrupt"

	// TypeText notifies that the backend is composing a response.
	TypeText MessageType = "text"
)

// ControlMessage is a decoded text message from the control channel.
type ControlMessage struct {
	// Type is the discriminant. Only [TypeInterrupt] and [TypeText] trigger
	// behaviour; anything else is ignored.
	Type MessageType `json:"type"`

	// Raw is the complete payload, kept for logging.
	Raw json.RawMessage `json:"-"`
}

// Known reports whether the message type is one the client acts on.
func (m ControlMessage) Known() bool {
	return m.Type == TypeInterrupt || m.Type == TypeText
}

// ParseControlMessage decodes a text payload. Malformed JSON, including a
// payload that is not an object, wraps [ErrMessageDecode]. Unknown types are
// not an error; callers check [ControlMessage.Known].
func ParseControlMessage(data []byte) (ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, fmt.Errorf("%w: %w", ErrMessageDecode, err)
	}
	msg.Raw = append(json.RawMessage(nil), data...)
	return msg, nil
}
