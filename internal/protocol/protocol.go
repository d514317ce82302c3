// Package protocol multiplexes typed requests, responses, events and errors
// over a single message-oriented transport. Both ends compile against the
// same catalog, described by a Spec.
package protocol

import (
	"context"
	"encoding/json"
)

// EnvelopeType tags every envelope on the wire.
type EnvelopeType string

const (
	TypeRequest  EnvelopeType = "request"
	TypeResponse EnvelopeType = "response"
	TypeEvent    EnvelopeType = "event"
	TypeError    EnvelopeType = "error"
)

// ID identifies one envelope sent by its originator. IDs are never reused on
// a connection.
type ID = uint64

type RequestEnvelope struct {
	Type   EnvelopeType    `json:"type"`
	ID     ID              `json:"id"`
	Name   string          `json:"name"`
	Params json.RawMessage `json:"params"`
}

type ResponseEnvelope struct {
	Type      EnvelopeType    `json:"type"`
	ID        ID              `json:"id"`
	RequestID ID              `json:"requestId"`
	Result    json.RawMessage `json:"result"`
}

type EventEnvelope struct {
	Type  EnvelopeType    `json:"type"`
	ID    ID              `json:"id"`
	Name  string          `json:"name"`
	Attrs json.RawMessage `json:"attrs"`
}

type ErrorEnvelope struct {
	Type         EnvelopeType `json:"type"`
	ID           ID           `json:"id"`
	ErrorKind    ErrorKind    `json:"errorKind"`
	RequestID    *ID          `json:"requestId,omitempty"`
	ErrorMessage string       `json:"errorMessage,omitempty"`
}

// Transport sends one encoded envelope. Implementations must be safe for
// concurrent use. Inbound messages are pushed by the transport's owner into
// Server.HandleMessage or Client.HandleMessage, one at a time.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
}

// Inbound is one received transport message.
type Inbound struct {
	Data   []byte
	Binary bool
}

// Text wraps a text frame.
func Text(b []byte) Inbound { return Inbound{Data: b} }

// Spec describes one half of a protocol catalog: the requests a server
// accepts and the events it may push. Validators return false for any name
// they do not know.
type Spec interface {
	HasRequest(name string) bool
	HasEvent(name string) bool
	ValidateRequest(name string, params json.RawMessage) bool
	// ValidateResponse receives "null" for a null result.
	ValidateResponse(name string, result json.RawMessage) bool
	ValidateEvent(name string, attrs json.RawMessage) bool
}
