package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/note"
	"github.com/notewire/noterelay/internal/relay"
)

// Wire shapes. []byte fields marshal as base64 under encoding/json.

type wireNote struct {
	Header  []byte `json:"header"`
	Details []byte `json:"details"`
	Cursor  uint64 `json:"cursor,omitempty"`
}

type sendNoteReq struct {
	Note *wireNote `json:"note"`
}

type fetchNotesResp struct {
	Notes  []wireNote `json:"notes"`
	Cursor uint64     `json:"cursor"`
}

type statsResp struct {
	TotalNotes uint64 `json:"totalNotes"`
	TotalTags  uint64 `json:"totalTags"`
}

type errorResp struct {
	Error string `json:"error"`
}

func toWireNotes(notes []note.StoredNote) []wireNote {
	out := make([]wireNote, 0, len(notes))
	for _, n := range notes {
		out = append(out, wireNote{Header: n.Header, Details: n.Details, Cursor: n.Cursor()})
	}
	return out
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("failed to encode json response")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	log.Ctx(r.Context()).Warn().Int("status", code).Str("error", msg).
		Str("path", r.URL.Path).Msg("request failed")
	writeJSON(w, code, errorResp{Error: msg})
}

// writeServiceError maps relay error kinds onto HTTP status codes. The
// mapping is the only place transport codes are decided.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		code = http.StatusBadRequest
	case errors.Is(err, relay.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, relay.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, relay.ErrDuplicate):
		code = http.StatusConflict
	case errors.Is(err, relay.ErrUnavailable), errors.Is(err, relay.ErrOverloaded):
		code = http.StatusServiceUnavailable
	}
	writeError(w, r, code, err.Error())
}
