package api

import (
	"net/http"
	"strconv"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/journal"
)

type SystemHandler struct {
	host    Host
	journal *journal.Journal
}

// NewSystemHandler serves health, platform info and, when j is non-nil,
// the lifecycle journal.
func NewSystemHandler(host Host, j *journal.Journal) *SystemHandler {
	return &SystemHandler{host: host, journal: j}
}

func (h *SystemHandler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.host.Health())
}

func (h *SystemHandler) HandleSystem(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, h.host.SystemInfo())
}

func (h *SystemHandler) HandleJournalSessions(w http.ResponseWriter, r *http.Request) {
	limit, err := h.journalLimit(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	recs, err := h.journal.Sessions(limit)
	if err != nil {
		WriteError(w, errs.IO("read journal", "sessions", err))
		return
	}
	WriteJSON(w, http.StatusOK, recs)
}

func (h *SystemHandler) HandleJournalBackend(w http.ResponseWriter, r *http.Request) {
	limit, err := h.journalLimit(r)
	if err != nil {
		WriteError(w, err)
		return
	}
	recs, err := h.journal.BackendEvents(limit)
	if err != nil {
		WriteError(w, errs.IO("read journal", "backend", err))
		return
	}
	WriteJSON(w, http.StatusOK, recs)
}

func (h *SystemHandler) journalLimit(r *http.Request) (int, error) {
	if h.journal == nil {
		return 0, errs.Unavailable("read journal", "journal disabled")
	}
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errs.Invalid("read journal", "limit must be a positive integer")
	}
	return n, nil
}
