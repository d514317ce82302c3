package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Result is a handler's outcome. A handler either replies with a value or
// withholds the response entirely.
type Result struct {
	value any
	reply bool
}

func Reply(v any) Result { return Result{value: v, reply: true} }

// NoReply marks a request that is answered by nothing at all.
func NoReply() Result { return Result{} }

func (r Result) Replies() bool { return r.reply }
func (r Result) Value() any    { return r.value }

// Handler runs one validated request. A returned error is sent to the peer
// as REQUEST_FAILED scoped to the request.
type Handler interface {
	HandleRequest(ctx context.Context, name string, params json.RawMessage) (Result, error)
}

type HandlerFunc func(ctx context.Context, name string, params json.RawMessage) (Result, error)

func (f HandlerFunc) HandleRequest(ctx context.Context, name string, params json.RawMessage) (Result, error) {
	return f(ctx, name, params)
}

// Event is an unsolicited server-to-client message waiting to be sent.
type Event struct {
	Name  string
	Attrs json.RawMessage
}

type ServerOption func(*Server)

func WithServerLogger(l logrus.FieldLogger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithEventQueue sets the capacity of the outbound event channel.
func WithEventQueue(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.events = make(chan Event, n)
		}
	}
}

// Server is the request-serving end of one connection. HandleMessage must be
// called for one inbound message at a time; handlers run concurrently and
// may complete in any order.
type Server struct {
	transport Transport
	spec      Spec
	handler   Handler
	log       logrus.FieldLogger

	mu          sync.Mutex
	outstanding map[ID]struct{}

	// sendMu orders id allocation with transmission so each counter appears
	// on the wire in increasing order.
	sendMu      sync.Mutex
	responseIDs idCounter
	eventIDs    idCounter
	errorIDs    idCounter

	// evMu guards sends on events against close. It is never held while
	// blocking; a publisher facing a full queue waits on space or closed.
	evMu         sync.RWMutex
	events       chan Event
	eventsClosed bool
	space        chan struct{}
	closed       chan struct{}

	wg sync.WaitGroup
}

func NewServer(t Transport, spec Spec, h Handler, opts ...ServerOption) *Server {
	s := &Server{
		transport:   t,
		spec:        spec,
		handler:     h,
		log:         logrus.StandardLogger(),
		outstanding: map[ID]struct{}{},
		responseIDs: newIDCounter(ResponseIDBase),
		eventIDs:    newIDCounter(EventIDBase),
		errorIDs:    newIDCounter(ErrorIDBase),
		events:      make(chan Event, 16),
		space:       make(chan struct{}, 1),
		closed:      make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Outstanding reports how many requests are in flight.
func (s *Server) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outstanding)
}

// Wait blocks until every started handler has settled.
func (s *Server) Wait() { s.wg.Wait() }

// HandleMessage decodes and dispatches one inbound message. ctx bounds the
// handlers it starts.
func (s *Server) HandleMessage(ctx context.Context, in Inbound) {
	if in.Binary {
		s.transmitError(ctx, KindMalformedMessage, nil, "binary messages are not supported")
		return
	}
	msg, ok := decodeObject(in.Data)
	if !ok {
		s.transmitError(ctx, KindMalformedMessage, nil, fmt.Sprintf("failed to parse message: %s", truncate(in.Data, 256)))
		return
	}
	typ, _ := msg.str("type")
	switch EnvelopeType(typ) {
	case TypeRequest:
		s.processRequest(ctx, msg)
	default:
		s.transmitError(ctx, KindMalformedMessage, nil, fmt.Sprintf("unhandled envelope type %q", typ))
	}
}

func (s *Server) processRequest(ctx context.Context, msg object) {
	id, ok := msg.id("id")
	if !ok {
		s.transmitError(ctx, KindInvalidRequestID, nil, "")
		return
	}
	s.mu.Lock()
	_, dup := s.outstanding[id]
	s.mu.Unlock()
	if dup {
		// The pending peer call belongs to the first request; do not echo the id.
		s.transmitError(ctx, KindDuplicateRequestID, nil, fmt.Sprintf("request id %d is still outstanding", id))
		return
	}
	name, ok := msg.str("name")
	if !ok || !s.spec.HasRequest(name) {
		s.transmitError(ctx, KindInvalidRequestName, &id, "")
		return
	}
	params := msg["params"]
	if !isObject(params) || !s.spec.ValidateRequest(name, params) {
		s.transmitError(ctx, KindInvalidRequestParams, &id, "")
		return
	}

	s.mu.Lock()
	s.outstanding[id] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.outstanding, id)
			s.mu.Unlock()
		}()
		res, err := s.invoke(ctx, name, params)
		if err != nil {
			s.log.WithFields(logrus.Fields{"request_id": id, "request": name}).WithError(err).Warn("request failed")
			s.transmitError(ctx, KindRequestFailed, &id, err.Error())
			return
		}
		if !res.Replies() {
			return
		}
		s.transmitResponse(ctx, id, res.Value())
	}()
}

func (s *Server) invoke(ctx context.Context, name string, params json.RawMessage) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.HandleRequest(ctx, name, params)
}

func (s *Server) transmitResponse(ctx context.Context, requestID ID, result any) {
	raw, err := json.Marshal(result)
	if err != nil {
		s.transmitError(ctx, KindRequestFailed, &requestID, fmt.Sprintf("encode result: %v", err))
		return
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.send(ctx, ResponseEnvelope{
		Type:      TypeResponse,
		ID:        s.responseIDs.take(),
		RequestID: requestID,
		Result:    raw,
	})
}

func (s *Server) transmitError(ctx context.Context, kind ErrorKind, requestID *ID, message string) {
	f := logrus.Fields{"error_kind": kind}
	if requestID != nil {
		f["request_id"] = *requestID
	}
	s.log.WithFields(f).Warn("transmitting protocol error")

	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.send(ctx, ErrorEnvelope{
		Type:         TypeError,
		ID:           s.errorIDs.take(),
		ErrorKind:    kind,
		RequestID:    requestID,
		ErrorMessage: message,
	})
}

// send requires sendMu.
func (s *Server) send(ctx context.Context, env any) {
	b, err := json.Marshal(env)
	if err != nil {
		s.log.WithError(err).Error("encode envelope")
		return
	}
	if err := s.transport.Send(ctx, b); err != nil {
		s.log.WithError(err).Warn("send envelope")
	}
}

// PublishEvent validates an event against the catalog and queues it for
// PumpEvents. It blocks while the queue is full.
func (s *Server) PublishEvent(ctx context.Context, name string, attrs any) error {
	if !s.spec.HasEvent(name) {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}
	raw, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode event %s: %w", name, err)
	}
	if !isObject(raw) || !s.spec.ValidateEvent(name, raw) {
		return fmt.Errorf("%w: %s attrs rejected", ErrInvalidEvent, name)
	}

	ev := Event{Name: name, Attrs: raw}
	for {
		queued, err := s.tryQueue(ev)
		if queued || err != nil {
			return err
		}
		select {
		case <-s.space:
		case <-s.closed:
			return ErrEventsClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Server) tryQueue(ev Event) (bool, error) {
	s.evMu.RLock()
	defer s.evMu.RUnlock()
	if s.eventsClosed {
		return false, ErrEventsClosed
	}
	select {
	case s.events <- ev:
		return true, nil
	default:
		return false, nil
	}
}

// CloseEvents stops accepting events. PumpEvents returns once the queue drains.
func (s *Server) CloseEvents() {
	s.evMu.Lock()
	defer s.evMu.Unlock()
	if !s.eventsClosed {
		s.eventsClosed = true
		close(s.events)
		close(s.closed)
	}
}

// PumpEvents transmits queued events until ctx ends or CloseEvents has been
// called and the queue is empty.
func (s *Server) PumpEvents(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-s.events:
			if !ok {
				return nil
			}
			select {
			case s.space <- struct{}{}:
			default:
			}
			s.sendMu.Lock()
			s.send(ctx, EventEnvelope{
				Type:  TypeEvent,
				ID:    s.eventIDs.take(),
				Name:  ev.Name,
				Attrs: ev.Attrs,
			})
			s.sendMu.Unlock()
		}
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
