package api

import (
	"encoding/json"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/models"
)

// maxWriteBody bounds a single terminal write.
const maxWriteBody = 1 << 20

type SessionsHandler struct {
	host Host
	log  *zap.Logger
}

func NewSessionsHandler(host Host, logger *zap.Logger) *SessionsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionsHandler{host: host, log: logger}
}

func (h *SessionsHandler) HandleList(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, models.SessionList{Sessions: h.host.ListSessions()})
}

func (h *SessionsHandler) HandleCreate(w http.ResponseWriter, _ *http.Request) {
	id, err := h.host.CreateSession()
	if err != nil {
		h.log.Warn("create session failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, models.SessionCreated{ID: id})
}

func (h *SessionsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := SessionID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	info, err := h.host.GetSession(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, info)
}

// HandleWrite sends the raw request body to the session's terminal.
func (h *SessionsHandler) HandleWrite(w http.ResponseWriter, r *http.Request) {
	id, err := SessionID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWriteBody))
	if err != nil {
		WriteError(w, errs.Invalid("read request body", err.Error()))
		return
	}
	if err := h.host.WriteSession(id, data); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRead returns whatever output is pending, possibly nothing.
func (h *SessionsHandler) HandleRead(w http.ResponseWriter, r *http.Request) {
	id, err := SessionID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	data, err := h.host.ReadSession(id)
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (h *SessionsHandler) HandleResize(w http.ResponseWriter, r *http.Request) {
	id, err := SessionID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	var body models.ResizeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteError(w, errs.Invalid("decode resize", "invalid JSON"))
		return
	}
	if err := h.host.ResizeSession(id, body.Cols, body.Rows); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *SessionsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := SessionID(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	if err := h.host.CloseSession(id); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
