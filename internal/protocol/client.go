package protocol

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// Call is a request awaiting its response or error. It settles exactly once.
type Call struct {
	ID   ID
	Name string

	done   chan struct{}
	result json.RawMessage
	err    error
}

func (c *Call) settle(result json.RawMessage, err error) {
	c.result, c.err = result, err
	close(c.done)
}

// Done is closed once the call has settled.
func (c *Call) Done() <-chan struct{} { return c.done }

// Result returns the settled outcome. It must only be called after Done.
func (c *Call) Result() (json.RawMessage, error) { return c.result, c.err }

// Wait blocks until the call settles or ctx ends. A context error does not
// withdraw the request: the pending entry stays until the peer answers or
// the client closes.
func (c *Call) Wait(ctx context.Context) (json.RawMessage, error) {
	select {
	case <-c.done:
		return c.result, c.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type ClientOption func(*Client)

func WithClientLogger(l logrus.FieldLogger) ClientOption {
	return func(c *Client) { c.log = l }
}

// WithErrorHandler receives out-of-band errors: malformed envelopes,
// responses for unknown requests, and connection-scoped server errors.
func WithErrorHandler(fn func(error)) ClientOption {
	return func(c *Client) { c.onError = fn }
}

// WithEventHandler receives validated server events in arrival order.
func WithEventHandler(fn func(name string, attrs json.RawMessage)) ClientOption {
	return func(c *Client) { c.onEvent = fn }
}

// Client is the request-issuing end of one connection. HandleMessage must be
// called for one inbound message at a time.
type Client struct {
	transport Transport
	spec      Spec
	log       logrus.FieldLogger
	onError   func(error)
	onEvent   func(string, json.RawMessage)

	mu      sync.Mutex
	ids     idCounter
	pending map[ID]*Call
	closed  bool
}

func NewClient(t Transport, spec Spec, opts ...ClientOption) *Client {
	c := &Client{
		transport: t,
		spec:      spec,
		log:       logrus.StandardLogger(),
		ids:       newIDCounter(RequestIDBase),
		pending:   map[ID]*Call{},
	}
	for _, o := range opts {
		o(c)
	}
	if c.onError == nil {
		c.onError = func(err error) { c.log.WithError(err).Warn("protocol client error") }
	}
	return c
}

// SendRequest registers and transmits a request. The returned call settles
// when a matching response or error arrives.
func (c *Client) SendRequest(ctx context.Context, name string, params any) (*Call, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("encode %s params: %w", name, err)
	}
	if !isObject(raw) {
		return nil, fmt.Errorf("%s params must encode to a JSON object", name)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	id := c.ids.take()
	call := &Call{ID: id, Name: name, done: make(chan struct{})}
	c.pending[id] = call
	c.mu.Unlock()

	b, err := json.Marshal(RequestEnvelope{Type: TypeRequest, ID: id, Name: name, Params: raw})
	if err == nil {
		err = c.transport.Send(ctx, b)
	}
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("send %s: %w", name, err)
	}
	return call, nil
}

// Notify transmits a request without registering it as pending. It suits
// requests whose handler withholds a response. If the server answers anyway,
// the answer surfaces through the error handler as an unknown request.
func (c *Client) Notify(ctx context.Context, name string, params any) (ID, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return 0, fmt.Errorf("encode %s params: %w", name, err)
	}
	if !isObject(raw) {
		return 0, fmt.Errorf("%s params must encode to a JSON object", name)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	id := c.ids.take()
	c.mu.Unlock()

	b, err := json.Marshal(RequestEnvelope{Type: TypeRequest, ID: id, Name: name, Params: raw})
	if err != nil {
		return 0, fmt.Errorf("encode %s: %w", name, err)
	}
	if err := c.transport.Send(ctx, b); err != nil {
		return 0, fmt.Errorf("send %s: %w", name, err)
	}
	return id, nil
}

// Pending reports how many calls await settlement.
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close settles every pending call with ErrClosed and refuses new requests.
func (c *Client) Close() {
	c.mu.Lock()
	calls := c.pending
	c.pending = map[ID]*Call{}
	c.closed = true
	c.mu.Unlock()
	for _, call := range calls {
		call.settle(nil, ErrClosed)
	}
}

// take removes and returns the pending call for id.
func (c *Client) take(id ID) (*Call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	return call, ok
}

func (c *Client) HandleMessage(in Inbound) {
	if in.Binary {
		c.emitError(fmt.Errorf("%w: binary message", ErrMalformedEnvelope))
		return
	}
	msg, ok := decodeObject(in.Data)
	if !ok {
		c.emitError(fmt.Errorf("%w: failed to parse message", ErrMalformedEnvelope))
		return
	}
	typ, _ := msg.str("type")
	switch EnvelopeType(typ) {
	case TypeResponse:
		c.processResponse(msg)
	case TypeError:
		c.processError(msg)
	case TypeEvent:
		c.processEvent(msg)
	default:
		c.emitError(fmt.Errorf("%w: unrecognized envelope type %q", ErrMalformedEnvelope, typ))
	}
}

func (c *Client) processResponse(msg object) {
	if _, ok := msg.id("id"); !ok {
		c.emitError(fmt.Errorf("%w: malformed id in response", ErrMalformedEnvelope))
		return
	}
	requestID, ok := msg.id("requestId")
	if !ok {
		c.emitError(fmt.Errorf("%w: malformed requestId in response", ErrMalformedEnvelope))
		return
	}
	call, ok := c.take(requestID)
	if !ok {
		c.emitError(fmt.Errorf("%w: %d in response", ErrUnknownRequestID, requestID))
		return
	}

	// From here on failures settle the call.
	result, present := msg["result"]
	if !present || !(isNull(result) || isObject(result)) {
		call.settle(nil, ErrMalformedResponse)
		return
	}
	if !c.spec.ValidateResponse(call.Name, result) {
		call.settle(nil, fmt.Errorf("%w for %s", ErrInvalidResponse, call.Name))
		return
	}
	call.settle(result, nil)
}

func (c *Client) processError(msg object) {
	if _, ok := msg.id("id"); !ok {
		c.emitError(fmt.Errorf("%w: malformed id in error", ErrMalformedEnvelope))
		return
	}
	kind, ok := msg.str("errorKind")
	if !ok {
		c.emitError(fmt.Errorf("%w: malformed errorKind in error", ErrMalformedEnvelope))
		return
	}
	var requestID *ID
	if msg.has("requestId") {
		id, ok := msg.id("requestId")
		if !ok {
			c.emitError(fmt.Errorf("%w: malformed requestId in error", ErrMalformedEnvelope))
			return
		}
		requestID = &id
	}
	var message string
	if msg.has("errorMessage") {
		if message, ok = msg.str("errorMessage"); !ok {
			c.emitError(fmt.Errorf("%w: malformed errorMessage in error", ErrMalformedEnvelope))
			return
		}
	}
	perr := &Error{Kind: ErrorKind(kind), Message: message}

	if requestID == nil {
		c.emitError(perr)
		return
	}
	call, ok := c.take(*requestID)
	if !ok {
		c.emitError(fmt.Errorf("%w: %d in error (%v)", ErrUnknownRequestID, *requestID, perr))
		return
	}
	call.settle(nil, perr)
}

func (c *Client) processEvent(msg object) {
	if _, ok := msg.id("id"); !ok {
		c.emitError(fmt.Errorf("%w: malformed id in event", ErrMalformedEnvelope))
		return
	}
	name, ok := msg.str("name")
	if !ok || !c.spec.HasEvent(name) {
		c.emitError(fmt.Errorf("%w: %q", ErrUnknownEvent, name))
		return
	}
	attrs := msg["attrs"]
	if !isObject(attrs) || !c.spec.ValidateEvent(name, attrs) {
		c.emitError(fmt.Errorf("%w: %s", ErrInvalidEvent, name))
		return
	}
	if c.onEvent != nil {
		c.onEvent(name, attrs)
	}
}

func (c *Client) emitError(err error) { c.onError(err) }
