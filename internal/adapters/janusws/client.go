// Package janusws carries gateway requests and events over the Janus
// WebSocket transport.
package janusws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/speechgate/internal/core"
	"github.com/dkeye/speechgate/internal/janus"
)

const (
	Subprotocol = "janus-protocol"

	sendBuffer     = 256
	writeTimeout   = 5 * time.Second
	dialTimeout    = 10 * time.Second
	maxMessageSize = 1 << 20
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

// WSConn is an indirection over *websocket.Conn to ease testing.
type WSConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(mt int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dispatcher receives every decoded inbound message, one at a time.
type Dispatcher interface {
	HandleMessage(*janus.Message) bool
}

// Client is the gateway transport. It implements core.Transmitter and
// core.SignalConnection.
type Client struct {
	conn   WSConn
	send   chan core.Frame
	logger zerolog.Logger

	mu     sync.RWMutex
	closed bool
}

var (
	_ core.Transmitter      = (*Client)(nil)
	_ core.SignalConnection = (*Client)(nil)
)

// Dial connects to the gateway at url with the janus-protocol subprotocol.
func Dial(ctx context.Context, url string) (*Client, error) {
	d := websocket.Dialer{
		Subprotocols:     []string{Subprotocol},
		HandshakeTimeout: dialTimeout,
	}
	ws, resp, err := d.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	if ws.Subprotocol() != Subprotocol {
		_ = ws.Close()
		return nil, fmt.Errorf("dial %s: gateway refused %s subprotocol", url, Subprotocol)
	}
	ws.SetReadLimit(maxMessageSize)
	log.Info().Str("module", "adapters.janusws").Str("url", url).Msg("connected to gateway")
	return NewClient(ws), nil
}

func NewClient(conn WSConn) *Client {
	return &Client{
		conn:   conn,
		send:   make(chan core.Frame, sendBuffer),
		logger: log.With().Str("module", "adapters.janusws").Logger(),
	}
}

// Send encodes r and queues it. A full queue drops the request.
func (c *Client) Send(r *janus.Request) {
	data, err := json.Marshal(r)
	if err != nil {
		c.logger.Error().Err(err).Str("janus", r.Janus).Msg("encode request")
		return
	}
	if err := c.TrySend(data); err != nil {
		c.logger.Warn().Err(err).Str("janus", r.Janus).Str("transaction", r.Transaction).Msg("request dropped")
		return
	}
	c.logger.Trace().RawJSON("request", data).Msg("queued")
}

func (c *Client) TrySend(f core.Frame) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

// Flush waits up to d for queued requests to reach the write pump.
func (c *Client) Flush(d time.Duration) bool {
	deadline := time.Now().Add(d)
	for len(c.send) > 0 {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
	return true
}

// Run pumps queued requests to the gateway and feeds inbound messages to d
// until ctx ends or the connection fails. The connection is closed on return.
func (c *Client) Run(ctx context.Context, d Dispatcher) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.Close()

	go c.writePump(ctx)
	go func() {
		<-ctx.Done()
		c.Close()
	}()
	return c.readPump(ctx, d)
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				c.logger.Debug().Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
				c.logger.Error().Err(err).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Error().Err(err).Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, d Dispatcher) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("readPump ctx done")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		m, err := janus.Decode(data)
		if err != nil {
			c.logger.Warn().Err(err).Msg("undecodable gateway message")
			continue
		}
		c.logger.Trace().Str("kind", m.Kind.String()).Str("transaction", m.Transaction).Msg("received")
		d.HandleMessage(m)
	}
}
