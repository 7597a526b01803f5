package api

import (
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/snarg/ptt-relay/internal/relay"
)

// WSHandler upgrades HTTP requests and hands the socket to the relay
// engine for the lifetime of the connection.
type WSHandler struct {
	engine         *relay.Engine
	trustedProxies []string
	upgrader       websocket.Upgrader
	log            zerolog.Logger
}

func NewWSHandler(engine *relay.Engine, corsOrigins, trustedProxies []string, log zerolog.Logger) *WSHandler {
	allowed := make(map[string]bool, len(corsOrigins))
	for _, o := range corsOrigins {
		allowed[strings.TrimSpace(o)] = true
	}

	return &WSHandler{
		engine:         engine,
		trustedProxies: trustedProxies,
		log:            log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if len(allowed) == 0 {
					return true
				}
				origin := r.Header.Get("Origin")
				// Non-browser clients send no Origin header.
				return origin == "" || allowed[origin]
			},
		},
	}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := ClientIP(r, h.trustedProxies)

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug().Err(err).Str("remote_ip", ip).Msg("websocket upgrade failed")
		return
	}

	// Blocks until the connection closes; the handler goroutine is the
	// connection's read loop.
	h.engine.ServeConn(ws, ip)
}
