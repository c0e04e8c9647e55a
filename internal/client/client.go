// Package client turns the relay's cursor-paginated API into an
// exactly-once-per-receiver view: an incremental fetch cursor per tag plus
// a persistent dedup set of already-delivered note ids.
package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/client/clientdb"
	"github.com/notewire/noterelay/internal/note"
	"github.com/notewire/noterelay/internal/relay"
)

// Client is the relay client core. Fetch and Stream for the same tag must
// not run concurrently with each other; different tags are independent.
type Client struct {
	transport Transport
	db        clientdb.DB

	// cursorByTag is in-memory only: losing it re-fetches from 0 and the
	// dedup set absorbs the duplicates.
	cursorByTag *xsync.Map[note.Tag, uint64]
}

// New wires a client core.
func New(transport Transport, db clientdb.DB) *Client {
	return &Client{
		transport:   transport,
		db:          db,
		cursorByTag: xsync.NewMap[note.Tag, uint64](),
	}
}

// Send publishes a note. A duplicate id is swallowed: publishing is
// idempotent from the sender's point of view.
func (c *Client) Send(ctx context.Context, n note.Note) error {
	err := c.transport.SendNote(ctx, n)
	if errors.Is(err, relay.ErrDuplicate) {
		log.Debug().Msg("note already published")
		return nil
	}
	return err
}

// Fetch pulls new notes for tag, filters out everything already
// delivered, persists the rest, and advances the cursor. The cursor moves
// only after the whole batch is processed, so a crash mid-batch re-fetches
// it and dedup keeps the application view exactly-once.
func (c *Client) Fetch(ctx context.Context, tag note.Tag) ([]note.StoredNote, error) {
	cursor, _ := c.cursorByTag.Load(tag)

	batch, err := c.transport.FetchNotes(ctx, []note.Tag{tag}, cursor)
	if err != nil {
		return nil, err
	}

	fresh, err := c.absorb(ctx, batch.Notes)
	if err != nil {
		return nil, err
	}

	c.advanceCursor(tag, batch.Cursor)
	return fresh, nil
}

// Stream opens a live stream for tag, invoking fn for every batch of
// not-yet-seen notes. Runs until ctx is cancelled, fn fails, or the
// server drops the stream.
func (c *Client) Stream(ctx context.Context, tag note.Tag, fn func([]note.StoredNote) error) error {
	cursor, _ := c.cursorByTag.Load(tag)

	stream, err := c.transport.StreamNotes(ctx, tag, cursor)
	if err != nil {
		return err
	}
	defer stream.Close()

	for {
		batch, err := stream.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		fresh, err := c.absorb(ctx, batch.Notes)
		if err != nil {
			return err
		}
		if len(fresh) > 0 {
			if err := fn(fresh); err != nil {
				return err
			}
		}
		c.advanceCursor(tag, batch.Cursor)
	}
}

// Stored returns the locally kept notes for a tag.
func (c *Client) Stored(ctx context.Context, tag note.Tag) ([]note.StoredNote, error) {
	return c.db.GetStoredForTag(ctx, tag)
}

// Stats returns client database counters.
func (c *Client) Stats(ctx context.Context) (clientdb.Stats, error) {
	return c.db.Stats(ctx)
}

// CleanupOld drops fetch records and kept notes older than days.
func (c *Client) CleanupOld(ctx context.Context, days int) (int64, error) {
	return c.db.RetentionSweep(ctx, days)
}

// RestoreCursors rebuilds cursorByTag from the kept notes so a restarted
// client resumes near where it stopped instead of re-fetching from 0.
func (c *Client) RestoreCursors(ctx context.Context, tags []note.Tag) error {
	for _, tag := range tags {
		notes, err := c.db.GetStoredForTag(ctx, tag)
		if err != nil {
			return fmt.Errorf("restore cursor for tag %d: %w", tag, err)
		}
		if cur := note.MaxCursor(notes); cur > 0 {
			c.advanceCursor(tag, cur)
		}
	}
	return nil
}

// Cursor exposes the current resume position for a tag.
func (c *Client) Cursor(tag note.Tag) uint64 {
	cur, _ := c.cursorByTag.Load(tag)
	return cur
}

// absorb records and keeps every note not seen before, returning the
// fresh ones in batch order.
func (c *Client) absorb(ctx context.Context, notes []note.StoredNote) ([]note.StoredNote, error) {
	var fresh []note.StoredNote
	for _, n := range notes {
		seen, err := c.db.WasFetched(ctx, n.ID)
		if err != nil {
			return nil, err
		}
		if seen {
			continue
		}
		if err := c.db.RecordFetched(ctx, n.ID, n.Tag); err != nil {
			return nil, err
		}
		if err := c.db.StoreNote(ctx, n); err != nil {
			return nil, err
		}
		fresh = append(fresh, n)
	}
	return fresh, nil
}

// advanceCursor moves the tag cursor forward, never back.
func (c *Client) advanceCursor(tag note.Tag, to uint64) {
	if to == 0 {
		return
	}
	c.cursorByTag.Compute(tag, func(old uint64, _ bool) (uint64, xsync.ComputeOp) {
		if to > old {
			return to, xsync.UpdateOp
		}
		return old, xsync.CancelOp
	})
}
