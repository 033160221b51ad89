// Package ws streams terminals and host events over websockets.
package ws

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/api"
	"github.com/peterje/muxhost/internal/models"
	"github.com/peterje/muxhost/internal/pty"
)

// The host listens on loopback only.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait = 5 * time.Second
	idleWait  = 10 * time.Millisecond
)

// Sessions is the slice of the host a terminal stream needs.
type Sessions interface {
	GetSession(id uint32) (pty.SessionInfo, error)
	ReadSession(id uint32) ([]byte, error)
	WriteSession(id uint32, data []byte) error
	ResizeSession(id uint32, cols, rows uint16) error
}

// Handler bridges one websocket to one PTY session. Output is read by
// polling the registry and pushed as binary frames. Binary frames from the
// client are keystrokes; text frames carry resize messages.
type Handler struct {
	sessions Sessions
	log      *zap.Logger
}

func NewHandler(sessions Sessions, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{sessions: sessions, log: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := api.SessionID(r)
	if err != nil {
		api.WriteError(w, err)
		return
	}
	if _, err := h.sessions.GetSession(id); err != nil {
		api.WriteError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Debug("upgrade failed", zap.Uint32("session", id), zap.Error(err))
		return
	}
	defer conn.Close()

	log := h.log.With(zap.Uint32("session", id))
	log.Debug("client connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		h.readLoop(conn, id, log)
	}()

	reason := h.pump(conn, id, done)
	if reason != "" {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(writeWait))
	}
	conn.Close()
	<-done
	log.Debug("stream finished", zap.String("reason", reason))
}

// pump is the only writer of data frames. It returns a close reason when
// the session ended, or "" when the client went away.
func (h *Handler) pump(conn *websocket.Conn, id uint32, done <-chan struct{}) string {
	idle := time.NewTimer(idleWait)
	defer idle.Stop()
	for {
		select {
		case <-done:
			return ""
		default:
		}

		data, err := h.sessions.ReadSession(id)
		if err != nil {
			return "session ended"
		}
		if len(data) == 0 {
			idle.Reset(idleWait)
			select {
			case <-done:
				return ""
			case <-idle.C:
			}
			continue
		}

		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
			return ""
		}
	}
}

func (h *Handler) readLoop(conn *websocket.Conn, id uint32, log *zap.Logger) {
	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		switch msgType {
		case websocket.BinaryMessage:
			if err := h.sessions.WriteSession(id, msg); err != nil {
				log.Debug("write failed", zap.Error(err))
				return
			}
		case websocket.TextMessage:
			var m models.StreamMessage
			if json.Unmarshal(msg, &m) != nil || m.Type != "resize" {
				log.Debug("ignoring text frame", zap.String("frame", strconv.Quote(string(msg))))
				continue
			}
			if err := h.sessions.ResizeSession(id, m.Data.Cols, m.Data.Rows); err != nil {
				log.Debug("resize failed", zap.Error(err))
			}
		}
	}
}
