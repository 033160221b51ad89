package api

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/models"
)

// maxCallBody bounds forwarded procedure parameters.
const maxCallBody = 4 << 20

type BackendHandler struct {
	host Host
	log  *zap.Logger
}

func NewBackendHandler(host Host, logger *zap.Logger) *BackendHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BackendHandler{host: host, log: logger}
}

func (h *BackendHandler) HandleSpawn(w http.ResponseWriter, _ *http.Request) {
	if err := h.host.SpawnBackend(); err != nil {
		h.log.Warn("spawn backend failed", zap.Error(err))
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusAccepted, h.host.BackendStatus())
}

func (h *BackendHandler) HandlePort(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, models.PortResponse{Port: h.host.BackendPort()})
}

// HandleHealth always answers 200; an unreachable backend is reported in
// the body.
func (h *BackendHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, models.BackendHealth{
		Healthy: h.host.CheckBackendHealth(r.Context()),
		Port:    h.host.BackendPort(),
	})
}

func (h *BackendHandler) HandleTerminate(w http.ResponseWriter, _ *http.Request) {
	if err := h.host.TerminateBackend(); err != nil {
		WriteError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *BackendHandler) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.host.BackendStatus())
}

// HandleCall forwards the body to the backend procedure named by {method}
// and relays its JSON result.
func (h *BackendHandler) HandleCall(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCallBody))
	if err != nil {
		WriteError(w, errs.Invalid("read request body", err.Error()))
		return
	}
	result, err := h.host.Forward(r.Context(), r.PathValue("method"), body)
	if err != nil {
		h.log.Debug("forward failed", zap.String("method", r.PathValue("method")), zap.Error(err))
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result)
}
