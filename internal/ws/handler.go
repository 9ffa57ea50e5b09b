// Package ws streams live engine diagnostics to websocket clients.
package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"loopsync/internal/engine"
)

const writeTimeout = 5 * time.Second

// Message types used by the feed.
const (
	TypeDiagnostics = "diagnostics"
	TypePing        = "ping"
	TypePong        = "pong"
	TypeError       = "error"
)

// Message is the JSON envelope exchanged over the websocket.
type Message struct {
	Type        string              `json:"type"`
	TS          int64               `json:"ts,omitempty"`
	Error       string              `json:"error,omitempty"`
	Diagnostics *engine.Diagnostics `json:"diagnostics,omitempty"`
}

// Feed is the engine surface the handler needs.
type Feed interface {
	Diagnostics() engine.Diagnostics
	Subscribe() (<-chan engine.Diagnostics, func())
}

// Handler owns the websocket transport.
type Handler struct {
	feed     Feed
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler streaming from feed.
func NewHandler(feed Feed) *Handler {
	return &Handler{
		feed: feed,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(1 << 16)

	updates, unsubscribe := h.feed.Subscribe()
	defer unsubscribe()

	send := make(chan Message, 8)
	done := make(chan struct{})
	defer close(done)

	current := h.feed.Diagnostics()
	send <- Message{Type: TypeDiagnostics, Diagnostics: &current}

	go func() {
		for {
			var out Message
			select {
			case <-done:
				return
			case out = <-send:
			case d := <-updates:
				out = Message{Type: TypeDiagnostics, Diagnostics: &d}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(out); err != nil {
				slog.Debug("ws write failed", "err", err)
				// Unblocks the read loop.
				conn.Close()
				return
			}
		}
	}()

	for {
		var in Message
		if err := conn.ReadJSON(&in); err != nil {
			return
		}
		reply := Message{Type: TypePong, TS: in.TS}
		if in.Type != TypePing {
			reply = Message{Type: TypeError, Error: "unsupported message type"}
		}
		select {
		case send <- reply:
		default:
		}
	}
}
