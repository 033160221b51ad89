package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/peterje/muxhost/internal/errs"
	"github.com/peterje/muxhost/internal/models"
)

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError renders err as {"error","kind"} with the status its kind maps to.
func WriteError(w http.ResponseWriter, err error) {
	WriteJSON(w, errs.HTTPStatus(err), models.ErrorResponse{
		Error: err.Error(),
		Kind:  errs.KindOf(err).String(),
	})
}

// SessionID parses the {id} path value.
func SessionID(r *http.Request) (uint32, error) {
	raw := r.PathValue("id")
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errs.Invalid("parse session id", "invalid session id "+strconv.Quote(raw))
	}
	return uint32(id), nil
}
