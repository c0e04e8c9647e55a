// Package clientdb is the client's private record of relay traffic: which
// note ids were already fetched (the dedup set) and local copies of
// delivered notes. The contract is behavioral so backends can range from
// an embedded SQL file to an in-memory map.
package clientdb

import (
	"context"

	"github.com/notewire/noterelay/internal/note"
)

// Stats summarizes the client database.
type Stats struct {
	FetchedNotes uint64
	StoredNotes  uint64
}

// DB is the client-side persistence contract.
type DB interface {
	// RecordFetched marks a note id as delivered to this client.
	RecordFetched(ctx context.Context, id note.ID, tag note.Tag) error

	// WasFetched reports whether the id was ever recorded.
	WasFetched(ctx context.Context, id note.ID) (bool, error)

	// StoreNote keeps a local copy of a delivered note.
	StoreNote(ctx context.Context, n note.StoredNote) error

	// GetStoredNote returns a kept note by id.
	GetStoredNote(ctx context.Context, id note.ID) (note.StoredNote, bool, error)

	// GetStoredForTag returns kept notes for a tag in created-at order.
	GetStoredForTag(ctx context.Context, tag note.Tag) ([]note.StoredNote, error)

	// GetFetchedForTag returns the recorded ids for a tag.
	GetFetchedForTag(ctx context.Context, tag note.Tag) ([]note.ID, error)

	// Stats counts both tables.
	Stats(ctx context.Context) (Stats, error)

	// RetentionSweep deletes fetch records and kept notes older than
	// now - days and returns the number of rows removed.
	RetentionSweep(ctx context.Context, days int) (int64, error)

	Close() error
}

// Open picks a backend from the URL: ":memory:" or empty yields the
// in-memory backend, anything else the SQLite file backend.
func Open(ctx context.Context, url string) (DB, error) {
	if url == "" || url == ":memory:" {
		return NewMemory(), nil
	}
	return OpenSQLite(ctx, url)
}
