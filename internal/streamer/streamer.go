// Package streamer fans out newly stored notes to active subscribers.
//
// A single goroutine owns all subscription state. Every mutation arrives
// through a bounded control channel, and a 500ms tick polls the store once
// per active tag with the tag group's cursor. Delivery queues are bounded;
// a subscriber that cannot keep up is dropped, not blocked on.
package streamer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/metrics"
	"github.com/notewire/noterelay/internal/note"
	"github.com/notewire/noterelay/internal/store"
)

const (
	// DefaultTickInterval is the store polling cadence.
	DefaultTickInterval = 500 * time.Millisecond

	// controlCapacity bounds the control channel. Overflow is a logic
	// error: the caller sees ErrControlFull and the subscription is
	// aborted.
	controlCapacity = 128

	// deliveryCapacity bounds each subscription's pending batch queue.
	// A full queue drops the subscription.
	deliveryCapacity = 32

	// closeTimeout bounds how long an unsubscribe waits for a control
	// slot before giving up.
	closeTimeout = 2 * time.Second
)

// ErrControlFull is returned when the control channel cannot accept a
// message without blocking.
var ErrControlFull = errors.New("streamer: control channel full")

// Batch is one delivery unit: notes of a single tag in created-at order,
// plus the cursor of the newest note in the batch.
type Batch struct {
	Notes  []note.StoredNote
	Cursor uint64
}

// Subscription is the consumer handle for one stream. Batches arrive on C
// until the subscription is dropped (queue overflow or shutdown), at which
// point C is closed. Consumers must call Close when done.
type Subscription struct {
	ID  uint64
	Tag note.Tag

	// C carries pending batches. The channel doubles as the wake-up
	// signal: a parked consumer resumes on receive, no separate waker.
	C <-chan Batch

	ch       chan Batch
	streamer *Streamer
}

// Close deregisters the subscription. Safe to call after a drop. The
// removal waits for a control slot rather than dropping, so consumer
// cleanup is reliable even under a momentarily full control channel; the
// timeout only guards against a dead loop.
func (s *Subscription) Close() {
	msg := controlMsg{kind: msgRemoveSub, subID: s.ID, tag: s.Tag}
	select {
	case s.streamer.control <- msg:
	case <-time.After(closeTimeout):
		log.Warn().Uint64("sub_id", s.ID).Msg("streamer control stalled during unsubscribe")
	}
}

type msgKind int

const (
	msgAddSub msgKind = iota
	msgRemoveSub
)

type controlMsg struct {
	kind   msgKind
	subID  uint64
	tag    note.Tag
	sub    *sub
	cursor uint64
}

// sub is the loop-owned side of a subscription.
type sub struct {
	id uint64
	ch chan Batch
}

// tagGroup aggregates all subscriptions of one tag and the highest cursor
// already queried for it.
type tagGroup struct {
	cursor uint64
	subs   map[uint64]*sub
}

// Streamer polls the store and pushes new notes to subscribers.
type Streamer struct {
	store        store.Store
	metrics      *metrics.Metrics
	control      chan controlMsg
	tickInterval time.Duration

	// tags is owned by the Run goroutine; nothing else touches it.
	tags map[note.Tag]*tagGroup
}

// New creates a Streamer. Call Run to start the loop.
func New(st store.Store, m *metrics.Metrics, tickInterval time.Duration) *Streamer {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Streamer{
		store:        st,
		metrics:      m,
		control:      make(chan controlMsg, controlCapacity),
		tickInterval: tickInterval,
		tags:         make(map[note.Tag]*tagGroup),
	}
}

// Subscribe registers a new subscription for tag. The cursor is the
// client's resume position; a new tag group starts at max(cursor, now), so
// late subscribers only see notes arriving after their join tick. Clients
// that need history must fetch first.
func (s *Streamer) Subscribe(tag note.Tag, cursor uint64) (*Subscription, error) {
	ch := make(chan Batch, deliveryCapacity)
	id := randomSubID()

	msg := controlMsg{
		kind:   msgAddSub,
		subID:  id,
		tag:    tag,
		sub:    &sub{id: id, ch: ch},
		cursor: cursor,
	}
	select {
	case s.control <- msg:
	default:
		return nil, ErrControlFull
	}

	return &Subscription{ID: id, Tag: tag, C: ch, ch: ch, streamer: s}, nil
}

// Run drives the loop until ctx is cancelled. On exit every delivery
// channel is closed, ending all consumer streams.
func (s *Streamer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	log.Info().Dur("tick", s.tickInterval).Msg("note streamer started")

	for {
		select {
		case <-ctx.Done():
			s.shutdown()
			return
		case msg := <-s.control:
			s.apply(msg)
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Streamer) apply(msg controlMsg) {
	switch msg.kind {
	case msgAddSub:
		g, ok := s.tags[msg.tag]
		if !ok {
			start := msg.cursor
			if nowCur := note.CursorFromTime(time.Now()); nowCur > start {
				start = nowCur
			}
			g = &tagGroup{cursor: start, subs: make(map[uint64]*sub)}
			s.tags[msg.tag] = g
		}
		g.subs[msg.subID] = msg.sub
		log.Debug().Uint64("sub_id", msg.subID).Uint32("tag", msg.tag).Msg("subscription added")

	case msgRemoveSub:
		g, ok := s.tags[msg.tag]
		if !ok {
			return
		}
		if sb, ok := g.subs[msg.subID]; ok {
			delete(g.subs, msg.subID)
			close(sb.ch)
			log.Debug().Uint64("sub_id", msg.subID).Uint32("tag", msg.tag).Msg("subscription removed")
		}
		if len(g.subs) == 0 {
			delete(s.tags, msg.tag)
		}
	}
}

// tick queries every active tag once and fans the results out.
func (s *Streamer) tick(ctx context.Context) {
	for tag, g := range s.tags {
		notes, err := s.store.Query(ctx, []note.Tag{tag}, g.cursor, -1)
		if err != nil {
			// Retried next tick; subscribers keep their cursor.
			log.Warn().Err(err).Uint32("tag", tag).Msg("streamer store query failed")
			continue
		}
		if len(notes) == 0 {
			continue
		}

		batch := Batch{Notes: notes, Cursor: note.MaxCursor(notes)}
		g.cursor = batch.Cursor

		for id, sb := range g.subs {
			select {
			case sb.ch <- batch:
			default:
				// Queue overflow: hard-fail the stream server-side.
				delete(g.subs, id)
				close(sb.ch)
				s.metrics.SubscriptionDropped()
				log.Warn().Uint64("sub_id", id).Uint32("tag", tag).
					Msg("subscription dropped: delivery queue full")
			}
		}
		if len(g.subs) == 0 {
			delete(s.tags, tag)
		}
	}
}

func (s *Streamer) shutdown() {
	for tag, g := range s.tags {
		for _, sb := range g.subs {
			close(sb.ch)
		}
		delete(s.tags, tag)
	}
	log.Info().Msg("note streamer stopped")
}

func randomSubID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms.
		panic(err)
	}
	return binary.LittleEndian.Uint64(b[:])
}
