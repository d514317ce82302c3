// Package ws carries protocol envelopes over gorilla/websocket connections,
// one text frame per envelope.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/kannanvijayan/ProceduralEden/internal/protocol"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10

	defaultMaxQueue = 64
)

var (
	ErrConnClosed     = errors.New("ws: connection closed")
	ErrServerStopping = errors.New("ws: server shutting down")
)

type frame struct {
	typ  int
	data []byte
}

type ServerOption func(*Server)

func WithLogger(l logrus.FieldLogger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithMaxQueue bounds each connection's outbound frame queue.
func WithMaxQueue(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxQueue = n
		}
	}
}

// WithCheckOrigin replaces the permissive default origin check.
func WithCheckOrigin(fn func(*http.Request) bool) ServerOption {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// Server upgrades HTTP requests and runs one protocol.Server per connection,
// all sharing a single handler.
type Server struct {
	spec     protocol.Spec
	handler  protocol.Handler
	log      logrus.FieldLogger
	maxQueue int
	upgrader websocket.Upgrader

	nextConn atomic.Uint64

	mu       sync.Mutex
	conns    map[*conn]struct{}
	stopping bool
	wg       sync.WaitGroup
}

func NewServer(spec protocol.Spec, h protocol.Handler, opts ...ServerOption) *Server {
	s := &Server{
		spec:     spec,
		handler:  h,
		log:      logrus.StandardLogger(),
		maxQueue: defaultMaxQueue,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		conns: map[*conn]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// conn is the transport of one accepted websocket.
type conn struct {
	id    uint64
	ws    *websocket.Conn
	out   chan frame
	ctx   context.Context
	proto *protocol.Server

	pumpDone chan struct{}
}

func (c *conn) Send(ctx context.Context, b []byte) error {
	select {
	case c.out <- frame{typ: websocket.TextMessage, data: b}:
		return nil
	case <-c.ctx.Done():
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ConnCount reports the number of open connections.
func (s *Server) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if stopping {
			http.Error(rw, "shutting down", http.StatusServiceUnavailable)
			return
		}

		wsConn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			s.log.WithError(err).Debug("upgrade failed")
			return
		}
		defer wsConn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		c := &conn{
			id:       s.nextConn.Add(1),
			ws:       wsConn,
			out:      make(chan frame, s.maxQueue),
			ctx:      ctx,
			pumpDone: make(chan struct{}),
		}
		log := s.log.WithFields(logrus.Fields{"conn": c.id, "remote": r.RemoteAddr})
		c.proto = protocol.NewServer(c, s.spec, s.handler,
			protocol.WithServerLogger(log),
			protocol.WithEventQueue(s.maxQueue),
		)
		if !s.register(c) {
			_ = wsConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(time.Second))
			return
		}
		defer s.unregister(c)
		log.Info("connection opened")

		// Writer goroutine.
		writerDone := make(chan struct{})
		go func() {
			defer close(writerDone)
			ticker := time.NewTicker(pingPeriod)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-c.out:
					_ = wsConn.SetWriteDeadline(time.Now().Add(writeWait))
					if err := wsConn.WriteMessage(f.typ, f.data); err != nil {
						cancel()
						return
					}
				case <-ticker.C:
					if err := wsConn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Event pump.
		go func() {
			defer close(c.pumpDone)
			if err := c.proto.PumpEvents(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.WithError(err).Warn("event pump stopped")
			}
		}()

		// Reader loop.
		_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
		wsConn.SetPongHandler(func(string) error {
			return wsConn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			mt, msg, err := wsConn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.WithError(err).Warn("read failed")
				}
				cancel()
				break
			}
			_ = wsConn.SetReadDeadline(time.Now().Add(pongWait))
			c.proto.HandleMessage(ctx, protocol.Inbound{Data: msg, Binary: mt == websocket.BinaryMessage})
		}

		// Cleanup.
		c.proto.CloseEvents()
		c.proto.Wait()
		<-c.pumpDone
		<-writerDone
		log.Info("connection closed")
	}
}

func (s *Server) register(c *conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) unregister(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

func (s *Server) snapshot() []*conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		out = append(out, c)
	}
	return out
}

// Broadcast publishes an event on every open connection. Per-connection
// failures are logged; the first one is returned.
func (s *Server) Broadcast(ctx context.Context, name string, attrs any) error {
	var first error
	for _, c := range s.snapshot() {
		if err := c.proto.PublishEvent(ctx, name, attrs); err != nil {
			s.log.WithFields(logrus.Fields{"conn": c.id, "event": name}).WithError(err).Warn("broadcast failed")
			if first == nil {
				first = err
			}
		}
	}
	return first
}

// Shutdown stops accepting connections, publishes the farewell event on
// every open one, flushes queued events and sends a going-away close frame.
// Connections still open when ctx ends are closed hard.
func (s *Server) Shutdown(ctx context.Context, event string, attrs any) error {
	s.mu.Lock()
	s.stopping = true
	s.mu.Unlock()

	conns := s.snapshot()
	if event != "" {
		_ = s.Broadcast(ctx, event, attrs)
	}
	for _, c := range conns {
		c.proto.CloseEvents()
	}
	for _, c := range conns {
		select {
		case <-c.pumpDone:
		case <-ctx.Done():
		}
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutdown")
		select {
		case c.out <- frame{typ: websocket.CloseMessage, data: msg}:
		case <-c.ctx.Done():
		case <-ctx.Done():
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		for _, c := range s.snapshot() {
			_ = c.ws.Close()
		}
		<-done
		return ctx.Err()
	}
}
