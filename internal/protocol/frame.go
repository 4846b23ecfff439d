// Package protocol defines the wire format spoken over the document connection:
// the {type, data} frame, the event tags, the payload shapes and the error taxonomy.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrMissingType = errors.New("frame has no type")

// Frame is the wire unit. Data is kept raw so listeners decode only what they need.
type Frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame. A nil payload produces an empty object.
func NewFrame(eventType string, payload interface{}) (Frame, error) {
	if eventType == "" {
		return Frame{}, ErrMissingType
	}
	if payload == nil {
		return Frame{Type: eventType, Data: json.RawMessage("{}")}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Frame{Type: eventType, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Frame{Type: eventType, Data: data}, nil
}

func (f Frame) Encode() ([]byte, error) {
	return json.Marshal(f)
}

// DecodeFrame parses one inbound message. Frames without a type are rejected.
func DecodeFrame(raw []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if f.Type == "" {
		return Frame{}, ErrMissingType
	}
	return f, nil
}

// Decode unmarshals the frame data into v.
func (f Frame) Decode(v interface{}) error {
	if len(f.Data) == 0 {
		return fmt.Errorf("decode %s: empty data", f.Type)
	}
	if err := json.Unmarshal(f.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", f.Type, err)
	}
	return nil
}
