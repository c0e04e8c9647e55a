package clientdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/notewire/noterelay/internal/note"
)

const clientSchema = `
CREATE TABLE IF NOT EXISTS fetched_notes (
    note_id    BLOB PRIMARY KEY,
    tag        INTEGER NOT NULL,
    fetched_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetched_notes_tag ON fetched_notes (tag);
CREATE INDEX IF NOT EXISTS idx_fetched_notes_fetched_at ON fetched_notes (fetched_at);

CREATE TABLE IF NOT EXISTS stored_notes (
    note_id    BLOB PRIMARY KEY,
    tag        INTEGER NOT NULL,
    header     BLOB NOT NULL,
    details    BLOB NOT NULL,
    created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_stored_notes_tag ON stored_notes (tag);
CREATE INDEX IF NOT EXISTS idx_stored_notes_created_at ON stored_notes (created_at);
`

// SQLiteDB is the native client database backend.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the client database file.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("clientdb: open %s: %w", path, err)
	}

	// The client is a single-process, low-write user.
	db.SetMaxOpenConns(1)

	for _, p := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("clientdb: exec %q: %w", p, err)
		}
	}

	if _, err := db.ExecContext(ctx, clientSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("clientdb: ensure schema: %w", err)
	}
	return &SQLiteDB{db: db}, nil
}

func (c *SQLiteDB) RecordFetched(ctx context.Context, id note.ID, tag note.Tag) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO fetched_notes (note_id, tag, fetched_at)
		VALUES (?, ?, ?)
		ON CONFLICT (note_id) DO NOTHING
	`, id[:], int64(tag), time.Now().UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("clientdb: record fetched: %w", err)
	}
	return nil
}

func (c *SQLiteDB) WasFetched(ctx context.Context, id note.ID) (bool, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fetched_notes WHERE note_id = ?`, id[:]).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("clientdb: was fetched: %w", err)
	}
	return count > 0, nil
}

func (c *SQLiteDB) StoreNote(ctx context.Context, n note.StoredNote) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO stored_notes (note_id, tag, header, details, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (note_id) DO UPDATE SET
			header = excluded.header,
			details = excluded.details,
			created_at = excluded.created_at
	`, n.ID[:], int64(n.Tag), n.Header, n.Details, n.CreatedAt.UTC().UnixMicro())
	if err != nil {
		return fmt.Errorf("clientdb: store note: %w", err)
	}
	return nil
}

func (c *SQLiteDB) GetStoredNote(ctx context.Context, id note.ID) (note.StoredNote, bool, error) {
	row := c.db.QueryRowContext(ctx, `
		SELECT note_id, tag, header, details, created_at
		FROM stored_notes WHERE note_id = ?
	`, id[:])

	n, err := scanStored(row)
	if err == sql.ErrNoRows {
		return note.StoredNote{}, false, nil
	}
	if err != nil {
		return note.StoredNote{}, false, err
	}
	return n, true, nil
}

func (c *SQLiteDB) GetStoredForTag(ctx context.Context, tag note.Tag) ([]note.StoredNote, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT note_id, tag, header, details, created_at
		FROM stored_notes WHERE tag = ?
		ORDER BY created_at ASC
	`, int64(tag))
	if err != nil {
		return nil, fmt.Errorf("clientdb: stored for tag: %w", err)
	}
	defer rows.Close()

	var out []note.StoredNote
	for rows.Next() {
		n, err := scanStored(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (c *SQLiteDB) GetFetchedForTag(ctx context.Context, tag note.Tag) ([]note.ID, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT note_id FROM fetched_notes WHERE tag = ?
		ORDER BY fetched_at ASC
	`, int64(tag))
	if err != nil {
		return nil, fmt.Errorf("clientdb: fetched for tag: %w", err)
	}
	defer rows.Close()

	var out []note.ID
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("clientdb: scan fetched id: %w", err)
		}
		if len(raw) != note.IDSize {
			return nil, fmt.Errorf("clientdb: fetched id has %d bytes", len(raw))
		}
		var id note.ID
		copy(id[:], raw)
		out = append(out, id)
	}
	return out, rows.Err()
}

func (c *SQLiteDB) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fetched_notes`).Scan(&st.FetchedNotes); err != nil {
		return Stats{}, fmt.Errorf("clientdb: stats: %w", err)
	}
	if err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM stored_notes`).Scan(&st.StoredNotes); err != nil {
		return Stats{}, fmt.Errorf("clientdb: stats: %w", err)
	}
	return st, nil
}

func (c *SQLiteDB) RetentionSweep(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		days = 0
	}
	cutoff := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour).UnixMicro()

	var deleted int64
	res, err := c.db.ExecContext(ctx,
		`DELETE FROM fetched_notes WHERE fetched_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clientdb: sweep fetched: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		deleted += n
	}

	res, err = c.db.ExecContext(ctx,
		`DELETE FROM stored_notes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("clientdb: sweep stored: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		deleted += n
	}
	return deleted, nil
}

func (c *SQLiteDB) Close() error { return c.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStored(r rowScanner) (note.StoredNote, error) {
	var (
		raw       []byte
		tag       int64
		header    []byte
		details   []byte
		createdUs int64
	)
	if err := r.Scan(&raw, &tag, &header, &details, &createdUs); err != nil {
		if err == sql.ErrNoRows {
			return note.StoredNote{}, err
		}
		return note.StoredNote{}, fmt.Errorf("clientdb: scan stored note: %w", err)
	}
	if len(raw) != note.IDSize {
		return note.StoredNote{}, fmt.Errorf("clientdb: stored id has %d bytes", len(raw))
	}
	var n note.StoredNote
	copy(n.ID[:], raw)
	n.Tag = note.Tag(tag)
	n.Header = header
	n.Details = details
	n.CreatedAt = time.UnixMicro(createdUs).UTC()
	return n, nil
}
