// Package relay implements the note-relay service core: request
// validation, size limits, and delegation to the store and streamer.
package relay

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/metrics"
	"github.com/notewire/noterelay/internal/note"
	"github.com/notewire/noterelay/internal/store"
	"github.com/notewire/noterelay/internal/streamer"
)

// Config bounds the service surface.
type Config struct {
	// MaxNoteSize caps len(details) on SendNote, in bytes.
	MaxNoteSize int
}

// Service is the transport-independent relay core.
type Service struct {
	store    store.Store
	streamer *streamer.Streamer
	metrics  *metrics.Metrics
	cfg      Config
}

// New wires the service.
func New(st store.Store, str *streamer.Streamer, m *metrics.Metrics, cfg Config) *Service {
	return &Service{store: st, streamer: str, metrics: m, cfg: cfg}
}

// FetchResult is the response of FetchNotes: notes in global created-at
// order and the cursor to resume from (0 when empty).
type FetchResult struct {
	Notes  []note.StoredNote
	Cursor uint64
}

// SendNote validates and persists one note. The store assigns created_at.
func (s *Service) SendNote(ctx context.Context, n note.Note) error {
	timer := s.metrics.Timer(metrics.OpSendNote)
	defer timer.Abandon()

	s.metrics.ObserveNoteSize(len(n.Header) + len(n.Details))

	id, tag, err := note.ParseHeader(n.Header)
	if err != nil {
		timer.Finish(metrics.StatusError)
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if s.cfg.MaxNoteSize > 0 && len(n.Details) > s.cfg.MaxNoteSize {
		timer.Finish(metrics.StatusError)
		return fmt.Errorf("%w: %d bytes", ErrTooLarge, len(n.Details))
	}

	stored := &note.StoredNote{
		ID:      id,
		Tag:     tag,
		Header:  n.Header,
		Details: n.Details,
	}
	if err := s.store.Insert(ctx, stored); err != nil {
		timer.Finish(metrics.StatusError)
		return mapStoreErr(err)
	}

	timer.Finish(metrics.StatusOK)
	log.Debug().Hex("id", id[:8]).Uint32("tag", tag).Msg("note stored")
	return nil
}

// FetchNotes returns all notes for the given tags with created_at past
// the cursor, merged in global timestamp order. An empty tag set yields an
// empty result with cursor 0.
func (s *Service) FetchNotes(ctx context.Context, tags []note.Tag, cursor uint64) (FetchResult, error) {
	timer := s.metrics.Timer(metrics.OpFetchNotes)
	defer timer.Abandon()

	if len(tags) == 0 {
		timer.Finish(metrics.StatusOK)
		return FetchResult{}, nil
	}

	notes, err := s.store.Query(ctx, dedupTags(tags), cursor, -1)
	if err != nil {
		timer.Finish(metrics.StatusError)
		return FetchResult{}, mapStoreErr(err)
	}
	timer.Finish(metrics.StatusOK)

	var bytes int
	for i := range notes {
		bytes += len(notes[i].Header) + len(notes[i].Details)
	}
	s.metrics.ObserveFetchBatch(len(notes), bytes)

	return FetchResult{Notes: notes, Cursor: note.MaxCursor(notes)}, nil
}

// StreamNotes registers a subscription for tag starting at cursor. The
// returned subscription delivers batches until the consumer closes it, its
// queue overflows, or the streamer shuts down.
func (s *Service) StreamNotes(ctx context.Context, tag note.Tag, cursor uint64) (*streamer.Subscription, error) {
	timer := s.metrics.Timer(metrics.OpStreamNotes)
	defer timer.Abandon()

	sub, err := s.streamer.Subscribe(tag, cursor)
	if err != nil {
		timer.Finish(metrics.StatusError)
		if errors.Is(err, streamer.ErrControlFull) {
			return nil, fmt.Errorf("%w: %v", ErrOverloaded, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrInternal, err)
	}

	timer.Finish(metrics.StatusOK)
	return sub, nil
}

// Stats reports the stored note population.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	timer := s.metrics.Timer(metrics.OpStats)
	defer timer.Abandon()

	st, err := s.store.Stats(ctx)
	if err != nil {
		timer.Finish(metrics.StatusError)
		return store.Stats{}, mapStoreErr(err)
	}
	timer.Finish(metrics.StatusOK)
	return st, nil
}

// Healthy reports whether the backing store is reachable.
func (s *Service) Healthy(ctx context.Context) bool {
	return s.store.Ping(ctx) == nil
}

// mapStoreErr converts store failures into service error kinds.
func mapStoreErr(err error) error {
	switch {
	case errors.Is(err, store.ErrDuplicate):
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	case errors.Is(err, store.ErrTooLarge):
		return fmt.Errorf("%w: %v", ErrTooLarge, err)
	}

	var se *store.Error
	if errors.As(err, &se) && se.Kind == store.KindConnection {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrInternal, err)
}

// dedupTags drops repeated tags while preserving first-seen order.
func dedupTags(tags []note.Tag) []note.Tag {
	if len(tags) < 2 {
		return tags
	}
	seen := make(map[note.Tag]struct{}, len(tags))
	out := tags[:0:0]
	for _, t := range tags {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}
