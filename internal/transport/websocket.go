package transport

import (
	"log/slog"
	"net/http"
	"time"

	"crypto_sync/internal/infra"

	"github.com/gorilla/websocket"
)

const maxClientMessageBytes = 64 * 1024

// WSHandler upgrades HTTP requests and binds each connection to a hub session.
type WSHandler struct {
	hub      *Hub
	cfg      infra.TransportConfig
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewWSHandler creates a websocket endpoint for hub. An empty AllowedOrigins
// list accepts any origin.
func NewWSHandler(hub *Hub, cfg infra.TransportConfig, logger *slog.Logger) *WSHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = infra.DefaultWriteTimeout
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = infra.DefaultPongTimeout
	}

	h := &WSHandler{
		hub:    hub,
		cfg:    cfg,
		logger: logger.With("component", "websocket"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *WSHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := h.hub.Register()
	go h.writePump(conn, s)
	h.readPump(conn, s)
}

// readPump feeds client messages to the hub until the connection fails, then
// removes the session, which in turn stops the write pump.
func (h *WSHandler) readPump(conn *websocket.Conn, s *Session) {
	defer h.hub.Remove(s.ID)

	conn.SetReadLimit(maxClientMessageBytes)
	conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.cfg.PongTimeout))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("Websocket read failed", "session", s.ID, "error", err)
			}
			return
		}
		if err := h.hub.HandleMessage(s.ID, data); err != nil {
			h.logger.Debug("Client message rejected", "session", s.ID, "error", err)
		}
	}
}

// writePump is the only writer of conn. Pings go out at 90% of the pong timeout.
func (h *WSHandler) writePump(conn *websocket.Conn, s *Session) {
	ticker := time.NewTicker(h.cfg.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-s.Send():
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				h.logger.Debug("Websocket write failed", "session", s.ID, "error", err)
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(h.cfg.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}
