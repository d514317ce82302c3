package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kannanvijayan/ProceduralEden/internal/protocol"
)

// Client is a dialed websocket feeding a protocol.Client.
type Client struct {
	ws    *websocket.Conn
	proto *protocol.Client

	writeMu sync.Mutex

	done    chan struct{}
	errMu   sync.Mutex
	readErr error
	once    sync.Once
}

// Dial connects to url and starts the read loop. When the connection ends,
// every pending call settles with protocol.ErrClosed.
func Dial(ctx context.Context, url string, spec protocol.Spec, opts ...protocol.ClientOption) (*Client, error) {
	d := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{ws: conn, done: make(chan struct{})}
	c.proto = protocol.NewClient(c, spec, opts...)
	go c.readLoop()
	return c, nil
}

func (c *Client) Protocol() *protocol.Client { return c.proto }

// Send implements protocol.Transport.
func (c *Client) Send(ctx context.Context, b []byte) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(deadline)
	return c.ws.WriteMessage(websocket.TextMessage, b)
}

func (c *Client) readLoop() {
	defer func() {
		c.proto.Close()
		close(c.done)
	}()
	for {
		mt, msg, err := c.ws.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		c.proto.HandleMessage(protocol.Inbound{Data: msg, Binary: mt == websocket.BinaryMessage})
	}
}

// Done is closed once the read loop has stopped.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err reports why the connection ended. A close frame from the server with
// a normal or going-away code yields nil.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	if websocket.IsCloseError(c.readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil
	}
	return c.readErr
}

// Close sends a normal close frame and waits briefly for the server to
// answer before dropping the connection.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		err = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
		}
		if cerr := c.ws.Close(); err == nil {
			err = cerr
		}
		<-c.done
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}
