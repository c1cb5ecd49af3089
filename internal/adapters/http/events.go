package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/speechgate/internal/core"
	"github.com/dkeye/speechgate/internal/domain"
)

var (
	ErrBackpressure = errors.New("backpressure")
	ErrClosed       = errors.New("connection closed")
)

const (
	EventPeerState      = "peer_state"
	EventSpeechRejected = "speech_rejected"
	EventStreamAction   = "stream_action"
	EventException      = "exception"
)

// Event is one message on the events socket.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type wsEventConn struct {
	conn *websocket.Conn
	send chan core.Frame

	mu     sync.RWMutex
	closed bool
}

func (c *wsEventConn) TrySend(f core.Frame) error {
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

func (c *wsEventConn) Close() {
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

// EventHub fans session events out to every connected events socket.
type EventHub struct {
	mu    sync.RWMutex
	conns map[core.SignalConnection]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{conns: make(map[core.SignalConnection]struct{})}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Serve upgrades the request and streams events until the client leaves or
// ctx ends.
func (h *EventHub) Serve(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("ws upgrade")
		return
	}
	conn := &wsEventConn{conn: ws, send: make(chan core.Frame, 32)}
	h.add(conn)

	ctx, cancel := context.WithCancel(ctx)
	go h.writePump(ctx, conn)
	go h.readPump(ctx, cancel, sid, conn)
}

func (h *EventHub) add(c core.SignalConnection) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	n := len(h.conns)
	h.mu.Unlock()
	log.Info().Str("module", "adapters.http").Int("listeners", n).Msg("events listener added")
}

func (h *EventHub) remove(c core.SignalConnection) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
	c.Close()
}

func (h *EventHub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Publish sends v to every listener. A listener that cannot keep up is
// dropped.
func (h *EventHub) Publish(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("publish marshal")
		return
	}
	h.mu.RLock()
	var slow []core.SignalConnection
	for c := range h.conns {
		if err := c.TrySend(data); err != nil {
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range slow {
		log.Warn().Str("module", "adapters.http").Msg("slow events listener dropped")
		h.remove(c)
	}
}

// Close disconnects every listener.
func (h *EventHub) Close() {
	h.mu.Lock()
	conns := h.conns
	h.conns = make(map[core.SignalConnection]struct{})
	h.mu.Unlock()
	for c := range conns {
		c.Close()
	}
}

func (h *EventHub) PeerState(e domain.PeerStateEvent) {
	h.Publish(Event{Type: EventPeerState, Data: e})
}

func (h *EventHub) SpeechRejected(requestID string) {
	h.Publish(Event{Type: EventSpeechRejected, Data: gin.H{"request_id": requestID}})
}

func (h *EventHub) StreamAction(a domain.StreamAction) {
	data, err := domain.EncodeAction(a)
	if err != nil {
		log.Debug().Err(err).Str("module", "adapters.http").Msg("encode stream action")
		return
	}
	h.Publish(Event{Type: EventStreamAction, Data: json.RawMessage(data)})
}

func (h *EventHub) Exception(err error) {
	h.Publish(Event{Type: EventException, Data: gin.H{"error": err.Error()}})
}

func (h *EventHub) writePump(ctx context.Context, c *wsEventConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "adapters.http").Msg("writePump ctx done")
			h.remove(c)
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump set deadline")
				h.remove(c)
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.http").Msg("writePump write error")
				h.remove(c)
				return
			}
		}
	}
}

// readPump only watches for the client going away; inbound frames are
// ignored.
func (h *EventHub) readPump(ctx context.Context, cancel context.CancelFunc, sid string, c *wsEventConn) {
	defer func() {
		log.Info().Str("module", "adapters.http").Str("sid", sid).Msg("readPump closing")
		cancel()
		h.remove(c)
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("module", "adapters.http").Str("sid", sid).Msg("readPump read error")
			}
			return
		}
	}
}
