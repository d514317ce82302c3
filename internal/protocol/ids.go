package protocol

// Envelope ids advance by IDIncrement from a per-kind base, so the residue
// modulo 10 shows an id's kind at a glance. Receivers dispatch on the type
// field, never on the residue.
const (
	RequestIDBase  ID = 1
	ResponseIDBase ID = 2
	EventIDBase    ID = 3
	ErrorIDBase    ID = 9

	IDIncrement ID = 10
)

// idCounter is owned by one connection endpoint. Callers serialize access.
type idCounter struct {
	next ID
}

func newIDCounter(base ID) idCounter { return idCounter{next: base} }

func (c *idCounter) take() ID {
	id := c.next
	c.next += IDIncrement
	return id
}

// KindOfID reports the envelope kind suggested by an id's residue. It is a
// diagnostic aid for logs.
func KindOfID(id ID) (EnvelopeType, bool) {
	switch id % IDIncrement {
	case RequestIDBase:
		return TypeRequest, true
	case ResponseIDBase:
		return TypeResponse, true
	case EventIDBase:
		return TypeEvent, true
	case ErrorIDBase:
		return TypeError, true
	}
	return "", false
}
