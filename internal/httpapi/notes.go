package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/note"
)

// SendNote handles POST /v1/notes.
func (s *Server) SendNote(w http.ResponseWriter, r *http.Request) {
	var req sendNoteReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Note == nil {
		writeError(w, r, http.StatusBadRequest, "missing note")
		return
	}

	n := note.Note{Header: req.Note.Header, Details: req.Note.Details}
	if err := s.Svc.SendNote(r.Context(), n); err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, struct{}{})
}

// FetchNotes handles GET /v1/notes?tag=..&tag=..&cursor=..
func (s *Server) FetchNotes(w http.ResponseWriter, r *http.Request) {
	tags, err := parseTags(r.URL.Query()["tag"])
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	cursor, err := parseCursor(r.URL.Query().Get("cursor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.Svc.FetchNotes(r.Context(), tags, cursor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	log.Ctx(r.Context()).Debug().
		Int("tags", len(tags)).
		Uint64("cursor", cursor).
		Int("notes", len(res.Notes)).
		Msg("notes fetched")

	writeJSON(w, http.StatusOK, fetchNotesResp{
		Notes:  toWireNotes(res.Notes),
		Cursor: res.Cursor,
	})
}

// GetStats handles GET /v1/stats.
func (s *Server) GetStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.Svc.Stats(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResp{TotalNotes: st.TotalNotes, TotalTags: st.DistinctTags})
}

// Healthz reports serving status: 200 while the store answers pings.
func (s *Server) Healthz(w http.ResponseWriter, r *http.Request) {
	if !s.Svc.Healthy(r.Context()) {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte("store unreachable"))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func parseTags(raw []string) ([]note.Tag, error) {
	tags := make([]note.Tag, 0, len(raw))
	for _, v := range raw {
		t, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid tag %q", v)
		}
		tags = append(tags, note.Tag(t))
	}
	return tags, nil
}

func parseCursor(raw string) (uint64, error) {
	if raw == "" {
		return 0, nil
	}
	c, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cursor %q", raw)
	}
	return c, nil
}
