// Package protocol defines the wire messages exchanged with the remote fixity
// service, both the plain JSON HTTP bodies and the cable frames carried over
// its websocket.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame is one cable message in either direction. Identifier and Data are
// JSON documents encoded as strings, as the cable protocol requires.
type Frame struct {
	Type       string          `json:"type,omitempty"`
	Command    string          `json:"command,omitempty"`
	Identifier string          `json:"identifier,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Data       string          `json:"data,omitempty"`
	Reason     string          `json:"reason,omitempty"`
}

// Identifier names a channel subscription.
type Identifier struct {
	Channel       string `json:"channel"`
	JobIdentifier string `json:"job_identifier,omitempty"`
}

// Encode returns the identifier in its string form.
func (id Identifier) Encode() (string, error) {
	b, err := json.Marshal(id)
	if err != nil {
		return "", fmt.Errorf("marshal identifier: %w", err)
	}
	return string(b), nil
}

// ParseIdentifier decodes the string form of an identifier.
func ParseIdentifier(s string) (Identifier, error) {
	var id Identifier
	if s == "" {
		return id, errors.New("identifier is empty")
	}
	if err := json.Unmarshal([]byte(s), &id); err != nil {
		return id, fmt.Errorf("unmarshal identifier: %w", err)
	}
	return id, nil
}

// NewSubscribe returns the frame subscribing to id.
func NewSubscribe(id Identifier) (Frame, error) {
	ident, err := id.Encode()
	if err != nil {
		return Frame{}, err
	}
	return Frame{Command: CommandSubscribe, Identifier: ident}, nil
}

// NewMessage returns the frame performing an action on a subscribed channel.
// data is marshaled to JSON.
func NewMessage(id Identifier, data any) (Frame, error) {
	ident, err := id.Encode()
	if err != nil {
		return Frame{}, err
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Frame{}, fmt.Errorf("marshal data: %w", err)
	}
	return Frame{Command: CommandMessage, Identifier: ident, Data: string(raw)}, nil
}

// IsBroadcast reports whether the frame carries a channel message rather
// than a protocol control frame.
func (f Frame) IsBroadcast() bool {
	return f.Type == "" && f.Identifier != "" && len(f.Message) > 0
}

// For reports whether the frame belongs to the subscription of jobID.
func (f Frame) For(jobID string) bool {
	id, err := ParseIdentifier(f.Identifier)
	return err == nil && id.JobIdentifier == jobID
}

// DecodeMessage unmarshals the frame's message into out. Servers send the
// message either as a JSON object or as a string holding one.
func (f Frame) DecodeMessage(out any) error {
	raw := bytes.TrimSpace(f.Message)
	if len(raw) == 0 {
		return errors.New("message is empty")
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return fmt.Errorf("unmarshal message string: %w", err)
		}
		raw = []byte(s)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}
