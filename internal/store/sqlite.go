package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/notewire/noterelay/internal/metrics"
	"github.com/notewire/noterelay/internal/note"
)

// SQLiteStore is the default Store backend: a single embedded database
// file (or ":memory:") in WAL mode so readers never block the writer.
type SQLiteStore struct {
	db          *sql.DB
	maxNoteSize int
	metrics     *metrics.Metrics
}

// OpenSQLite opens (or creates) the database at cfg.URL, applies pragmas
// and embedded migrations, and returns a ready store.
func OpenSQLite(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	dsn := cfg.URL
	if dsn == "" {
		dsn = ":memory:"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrapErr(KindConnection, fmt.Errorf("open %s: %w", dsn, err))
	}

	maxConns := cfg.MaxConns
	if maxConns <= 0 {
		maxConns = 16
	}
	if dsn == ":memory:" {
		// Each :memory: connection is a separate database.
		maxConns = 1
	}
	db.SetMaxOpenConns(maxConns)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, wrapErr(KindConnection, fmt.Errorf("exec %q: %w", p, err))
		}
	}

	if err := migrateSQLite(db); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteStore{db: db, maxNoteSize: cfg.MaxNoteSize, metrics: cfg.Metrics}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, n *note.StoredNote) error {
	timer := s.metrics.Timer(metrics.OpStoreInsert)

	if err := checkSize(n, s.maxNoteSize); err != nil {
		timer.Finish(metrics.StatusError)
		return err
	}
	stampCreatedAt(n)

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notes (id, tag, header, details, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING
	`, n.ID[:], int64(n.Tag), n.Header, n.Details, n.CreatedAt.UnixMicro())
	if err != nil {
		timer.Finish(metrics.StatusError)
		return wrapErr(ioKind(err), fmt.Errorf("insert note: %w", err))
	}

	affected, err := res.RowsAffected()
	if err != nil {
		timer.Finish(metrics.StatusError)
		return wrapErr(KindQuery, fmt.Errorf("insert note: %w", err))
	}
	if affected == 0 {
		timer.Finish(metrics.StatusError)
		return wrapErr(KindConstraint, fmt.Errorf("%w: %x", ErrDuplicate, n.ID[:8]))
	}
	timer.Finish(metrics.StatusOK)
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, tags []note.Tag, cursor uint64, limit int) ([]note.StoredNote, error) {
	if len(tags) == 0 || limit == 0 {
		return nil, nil
	}
	timer := s.metrics.Timer(metrics.OpStoreQuery)

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(tags)), ",")
	args := make([]any, 0, len(tags)+2)
	for _, t := range tags {
		args = append(args, int64(t))
	}
	args = append(args, int64(cursor))

	q := fmt.Sprintf(`
		SELECT id, tag, header, details, created_at
		FROM notes
		WHERE tag IN (%s) AND created_at > ?
		ORDER BY created_at ASC, rowid ASC
	`, placeholders)
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, int64(limit))
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		timer.Finish(metrics.StatusError)
		return nil, wrapErr(ioKind(err), fmt.Errorf("query notes: %w", err))
	}
	defer rows.Close()

	var out []note.StoredNote
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			timer.Finish(metrics.StatusError)
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		timer.Finish(metrics.StatusError)
		return nil, wrapErr(ioKind(err), fmt.Errorf("iterate notes: %w", err))
	}
	timer.Finish(metrics.StatusOK)
	return out, nil
}

func (s *SQLiteStore) Exists(ctx context.Context, id note.ID) (bool, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notes WHERE id = ?`, id[:]).Scan(&count)
	if err != nil {
		return false, wrapErr(KindQuery, fmt.Errorf("check note existence: %w", err))
	}
	return count > 0, nil
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT tag) FROM notes`).Scan(&st.TotalNotes, &st.DistinctTags)
	if err != nil {
		return Stats{}, wrapErr(KindQuery, fmt.Errorf("get stats: %w", err))
	}
	return st, nil
}

func (s *SQLiteStore) RetentionSweep(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := retentionCutoff(time.Now(), retentionDays)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, wrapErr(KindQuery, fmt.Errorf("retention sweep: %w", err))
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr(KindQuery, fmt.Errorf("retention sweep: %w", err))
	}
	return deleted, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrapErr(KindConnection, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// rowScanner covers *sql.Rows and *sql.Row.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanNote(r rowScanner) (note.StoredNote, error) {
	var (
		idBytes   []byte
		tag       int64
		header    []byte
		details   []byte
		createdUs int64
	)
	if err := r.Scan(&idBytes, &tag, &header, &details, &createdUs); err != nil {
		return note.StoredNote{}, wrapErr(KindQuery, fmt.Errorf("scan note: %w", err))
	}
	if len(idBytes) != note.IDSize {
		return note.StoredNote{}, wrapErr(KindSerialization,
			fmt.Errorf("stored id has %d bytes, want %d", len(idBytes), note.IDSize))
	}
	var n note.StoredNote
	copy(n.ID[:], idBytes)
	n.Tag = note.Tag(tag)
	n.Header = header
	n.Details = details
	n.CreatedAt = time.UnixMicro(createdUs).UTC()
	return n, nil
}
