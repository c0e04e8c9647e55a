package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients are served through the same origin or a trusted
	// proxy; the relay itself does not authenticate senders.
	CheckOrigin: func(*http.Request) bool { return true },
}

const streamWriteTimeout = 10 * time.Second

// StreamNotes handles GET /v1/notes/stream?tag=..&cursor=.. by upgrading
// to a websocket and pushing note batches as JSON frames. The server ends
// the stream when the subscription is dropped (queue overflow or
// shutdown); the subscription is deregistered when the client goes away.
func (s *Server) StreamNotes(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	tags, err := parseTags(query["tag"])
	if err != nil || len(tags) != 1 {
		writeError(w, r, http.StatusBadRequest, "exactly one tag is required")
		return
	}
	cursor, err := parseCursor(query.Get("cursor"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	sub, err := s.Svc.StreamNotes(r.Context(), tags[0], cursor)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		sub.Close()
		log.Ctx(r.Context()).Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	logger := log.Ctx(r.Context()).With().
		Uint64("sub_id", sub.ID).Uint32("tag", tags[0]).Logger()
	logger.Info().Msg("stream opened")

	// Reader goroutine: we expect no client frames, but reading is how
	// websocket close and errors surface.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	defer sub.Close()

	for {
		select {
		case batch, ok := <-sub.C:
			if !ok {
				// Dropped by the streamer: hard-fail the stream.
				logger.Warn().Msg("stream dropped by server")
				deadline := time.Now().Add(streamWriteTimeout)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscription dropped"),
					deadline)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			frame := fetchNotesResp{Notes: toWireNotes(batch.Notes), Cursor: batch.Cursor}
			if err := conn.WriteJSON(frame); err != nil {
				logger.Info().Err(err).Msg("stream write failed")
				return
			}
		case <-clientGone:
			logger.Info().Msg("stream closed by client")
			return
		}
	}
}
