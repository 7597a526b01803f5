package relay

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write one frame to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// Ping period; must be less than pongWait.
	pingPeriod = 45 * time.Second

	// Outbound queue depth per connection. A peer that falls this far
	// behind is dropped rather than allowed to stall the broadcaster.
	sendQueueSize = 256
)

// Conn is one live WebSocket connection. The read loop is the single
// writer of identity/channel/transmission state; the writer pump is the
// single writer of the socket.
type Conn struct {
	id       uint64
	clientID string
	remoteIP string

	ws   *websocket.Conn
	send chan []byte

	engine *Engine
	log    zerolog.Logger

	// Owned by the read loop; never touched concurrently.
	identity Identity
	channel  string
	tx       *Transmission

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id uint64, ws *websocket.Conn, remoteIP string, engine *Engine, log zerolog.Logger) *Conn {
	clientID := uuid.NewString()
	return &Conn{
		id:       id,
		clientID: clientID,
		remoteIP: remoteIP,
		ws:       ws,
		send:     make(chan []byte, sendQueueSize),
		engine:   engine,
		log:      log.With().Uint64("conn_id", id).Str("client_id", clientID).Logger(),
		done:     make(chan struct{}),
	}
}

// ClientID returns the connection's stable process-local client id.
func (c *Conn) ClientID() string { return c.clientID }

// Identity returns the identity bound by the read loop. Callers outside
// the read loop (welcome playback) only read the screen name, which is
// stable once Named.
func (c *Conn) Identity() Identity { return c.identity }

// Send marshals a frame and enqueues it for the writer pump.
func (c *Conn) Send(v any) {
	c.enqueue(marshalFrame(v))
}

// enqueue hands a payload to the writer pump without blocking. A full
// queue means the peer cannot keep up; it is closed and dropped from
// fan-out so other members never wait on it.
func (c *Conn) enqueue(payload []byte) {
	select {
	case <-c.done:
	case c.send <- payload:
	default:
		c.log.Warn().Msg("send queue full, dropping slow peer")
		c.engine.dropSlowPeer(c)
	}
}

// close shuts the connection down once. Safe from any goroutine.
func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		if c.ws != nil {
			c.ws.Close()
		}
	})
}

// writePump drains the send queue onto the socket and keeps the peer
// alive with pings. Exits when the connection closes.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case payload := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				c.close()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

// readPump reads frames sequentially and dispatches them to the engine.
// One frame at a time per connection gives the single-writer discipline
// over the connection's own state.
func (c *Conn) readPump(maxFrameBytes int64) {
	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		kind, payload, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read error")
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		c.engine.handleFrame(c, payload)
	}
}
