// Package protocol defines the envelope wire format shared by the harness,
// the recorder and the client: routing envelopes, command/event payloads,
// control traffic and the canonical request hash.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// Channel is one of the three virtual lanes over the transport.
type Channel string

const (
	ChannelProgram  Channel = "program"
	ChannelPlatform Channel = "platform"
	ChannelControl  Channel = "control"
)

// Valid reports whether c is a known channel.
func (c Channel) Valid() bool {
	return c == ChannelProgram || c == ChannelPlatform || c == ChannelControl
}

// MessageType discriminates the envelope payload on the wire.
type MessageType string

const (
	MessageOpen  MessageType = "open"
	MessageClose MessageType = "close"
	MessageData  MessageType = "data"
)

// RequestPayload is the body of a Command.Open. Payload is opaque to the
// harness beyond the well-known string fields used for intercept matching.
type RequestPayload struct {
	Service string          `json:"service"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ResponsePayload is the body of an Event.Close.
type ResponsePayload struct {
	Service string          `json:"service"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is the polymorphic payload of an Envelope. Exactly one of
// Request, Response, Data is meaningful depending on Type:
//
//	open                 -> Command.Open, Request set
//	close, inner payload -> Event.Close, Response set
//	close, no payload    -> Command.Close
//	data                 -> Event.Data, Data set
type Message struct {
	Type     MessageType
	Request  *RequestPayload
	Response *ResponsePayload
	Data     json.RawMessage
}

// IsCommand reports whether the message is a program-side command.
func (m *Message) IsCommand() bool {
	return m.Type == MessageOpen || (m.Type == MessageClose && m.Response == nil)
}

// IsEvent reports whether the message is a platform-side event.
func (m *Message) IsEvent() bool {
	return m.Type == MessageData || (m.Type == MessageClose && m.Response != nil)
}

type messageWire struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m Message) MarshalJSON() ([]byte, error) {
	w := messageWire{Type: m.Type}
	switch m.Type {
	case MessageOpen:
		if m.Request == nil {
			return nil, fmt.Errorf("open message without request payload")
		}
		b, err := json.Marshal(m.Request)
		if err != nil {
			return nil, err
		}
		w.Payload = b
	case MessageClose:
		if m.Response != nil {
			b, err := json.Marshal(m.Response)
			if err != nil {
				return nil, err
			}
			w.Payload = b
		}
	case MessageData:
		w.Payload = m.Data
	default:
		return nil, fmt.Errorf("unknown message type %q", m.Type)
	}
	return json.Marshal(w)
}

// UnmarshalJSON implements json.Unmarshaler, discriminating on payload.type.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	switch w.Type {
	case MessageOpen:
		var req RequestPayload
		if err := json.Unmarshal(w.Payload, &req); err != nil {
			return fmt.Errorf("decode open payload: %w", err)
		}
		*m = Message{Type: MessageOpen, Request: &req}
	case MessageClose:
		if len(w.Payload) == 0 || string(w.Payload) == "null" {
			*m = Message{Type: MessageClose}
			return nil
		}
		var resp ResponsePayload
		if err := json.Unmarshal(w.Payload, &resp); err != nil {
			return fmt.Errorf("decode close payload: %w", err)
		}
		*m = Message{Type: MessageClose, Response: &resp}
	case MessageData:
		*m = Message{Type: MessageData, Data: w.Payload}
	default:
		return fmt.Errorf("unknown message type %q", w.Type)
	}
	return nil
}

// Envelope is the routing and identity wrapper around every payload.
type Envelope struct {
	StreamID          string    `json:"streamId"`
	TraceID           string    `json:"traceId"`
	CausationStreamID string    `json:"causationStreamId,omitempty"`
	ParentStreamID    string    `json:"parentStreamId,omitempty"`
	SiblingIndex      int       `json:"siblingIndex"`
	EventSeq          int       `json:"eventSeq"`
	Timestamp         time.Time `json:"timestamp"`
	Channel           Channel   `json:"channel"`
	PayloadHash       string    `json:"payloadHash,omitempty"`
	Payload           Message   `json:"payload"`
}

// WithChannel returns a copy of the envelope on the given channel.
func (e Envelope) WithChannel(c Channel) Envelope {
	e.Channel = c
	return e
}

// Frame is one parsed inbound text frame: either control traffic or an
// envelope. Exactly one field is set.
type Frame struct {
	Control  *ControlEnvelope
	Envelope *Envelope
}

// ParseFrame decides between the two accepted frame shapes. A frame with a
// top-level requestId is control traffic, anything else is an envelope.
func ParseFrame(data []byte) (*Frame, error) {
	if !gjson.ValidBytes(data) {
		return nil, &Error{Code: CodeParseError, Message: "frame is not valid JSON"}
	}
	if gjson.GetBytes(data, "requestId").Exists() {
		var ce ControlEnvelope
		if err := json.Unmarshal(data, &ce); err != nil {
			return nil, &Error{Code: CodeDecodeError, Message: fmt.Sprintf("decode control envelope: %v", err)}
		}
		return &Frame{Control: &ce}, nil
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Error{Code: CodeDecodeError, Message: fmt.Sprintf("decode envelope: %v", err)}
	}
	if !env.Channel.Valid() {
		return nil, &Error{Code: CodeDecodeError, Message: fmt.Sprintf("unknown channel %q", env.Channel)}
	}
	return &Frame{Envelope: &env}, nil
}
