package protocol

import (
	"errors"
	"fmt"
)

// ErrorKind is the errorKind field of an error envelope.
type ErrorKind string

const (
	// Envelope decoding.
	KindMalformedMessage ErrorKind = "MALFORMED_MESSAGE"

	// Request validation.
	KindInvalidRequestID     ErrorKind = "INVALID_REQUEST_ID"
	KindInvalidRequestName   ErrorKind = "INVALID_REQUEST_NAME"
	KindDuplicateRequestID   ErrorKind = "DUPLICATE_REQUEST_ID"
	KindInvalidRequestParams ErrorKind = "INVALID_REQUEST_PARAMS"

	// Handler failure.
	KindRequestFailed ErrorKind = "REQUEST_FAILED"
)

var knownKinds = map[ErrorKind]struct{}{
	KindMalformedMessage:     {},
	KindInvalidRequestID:     {},
	KindInvalidRequestName:   {},
	KindDuplicateRequestID:   {},
	KindInvalidRequestParams: {},
	KindRequestFailed:        {},
}

func IsKnownKind(k ErrorKind) bool {
	_, ok := knownKinds[k]
	return ok
}

// Error is a failure reported by the remote end in an error envelope.
type Error struct {
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error with the same Kind, so callers can write
// errors.Is(err, &protocol.Error{Kind: protocol.KindRequestFailed}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	// ErrClosed settles calls still pending when the client shuts down.
	ErrClosed = errors.New("protocol: connection closed")

	ErrMalformedResponse = errors.New("protocol: malformed response")
	ErrInvalidResponse   = errors.New("protocol: invalid response")

	// Out-of-band client errors.
	ErrMalformedEnvelope = errors.New("protocol: malformed envelope")
	ErrUnknownRequestID  = errors.New("protocol: unknown request id")
	ErrInvalidEvent      = errors.New("protocol: invalid event")

	ErrUnknownEvent = errors.New("protocol: unknown event name")
	ErrEventsClosed = errors.New("protocol: event queue closed")
)
