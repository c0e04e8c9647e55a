// Package store provides the authoritative note persistence layer: an
// ordered, tag-indexed note table with cursor queries and retention.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/notewire/noterelay/internal/metrics"
	"github.com/notewire/noterelay/internal/note"
)

// Sentinel errors shared by all backends.
var (
	// ErrDuplicate is returned by Insert when a note with the same id is
	// already stored. Publishing is idempotent at the client boundary, so
	// callers usually treat this as success.
	ErrDuplicate = errors.New("store: duplicate note id")

	// ErrTooLarge is returned by Insert when details exceed the configured
	// maximum note size. The service rejects oversized notes earlier; the
	// store enforces the same contract for direct callers.
	ErrTooLarge = errors.New("store: note details too large")
)

// ErrorKind classifies a store failure for introspection and metrics.
type ErrorKind string

const (
	KindConnection    ErrorKind = "connection"
	KindMigration     ErrorKind = "migration"
	KindQuery         ErrorKind = "query"
	KindSerialization ErrorKind = "serialization"
	KindConstraint    ErrorKind = "constraint"
)

// Error wraps a backend failure with its kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("store %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrapErr(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Stats summarizes the stored note population.
type Stats struct {
	TotalNotes   uint64
	DistinctTags uint64
}

// Store is the persistence contract of the relay. Implementations are safe
// for concurrent use; every committed Insert is visible to subsequent
// Query calls, and a Query never observes a partial write.
type Store interface {
	// Insert persists one note. When n.CreatedAt is zero the store stamps
	// it with the current UTC time at microsecond precision; a non-zero
	// value is honored as-is (used by retention tests and backfills).
	Insert(ctx context.Context, n *note.StoredNote) error

	// Query returns notes with tag in tags and created_at strictly greater
	// than cursor, ordered by (created_at, insertion order). limit < 0
	// means unbounded; limit 0 returns nothing. The result is a single
	// consistent snapshot.
	Query(ctx context.Context, tags []note.Tag, cursor uint64, limit int) ([]note.StoredNote, error)

	// Exists reports whether a note with the given id is stored.
	Exists(ctx context.Context, id note.ID) (bool, error)

	// Stats returns the total note count and the number of distinct tags.
	Stats(ctx context.Context) (Stats, error)

	// RetentionSweep deletes notes with created_at older than
	// now - retentionDays and returns the number of rows removed.
	// retentionDays <= 0 purges everything older than now.
	RetentionSweep(ctx context.Context, retentionDays int) (int64, error)

	// Ping verifies the backing database is reachable.
	Ping(ctx context.Context) error

	Close() error
}

// Config selects and tunes a backend.
type Config struct {
	// URL is a file path or ":memory:" for SQLite, or a postgres:// DSN.
	URL string
	// MaxNoteSize bounds len(details) on Insert. Zero disables the check.
	MaxNoteSize int
	// MaxConns caps the connection pool.
	MaxConns int
	// Metrics instruments Insert and Query. Nil disables instrumentation.
	Metrics *metrics.Metrics
}

// Open selects a backend from the URL scheme: postgres DSNs get the pgx
// backend, everything else the embedded SQLite backend.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if strings.HasPrefix(cfg.URL, "postgres://") || strings.HasPrefix(cfg.URL, "postgresql://") {
		return OpenPostgres(ctx, cfg)
	}
	return OpenSQLite(ctx, cfg)
}

// ioKind classifies a backend failure during an otherwise valid
// statement: lost connections and closed handles are KindConnection,
// everything else KindQuery. The string checks cover the closed-handle
// errors database/sql and pgxpool return without exported sentinels.
func ioKind(err error) ErrorKind {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return KindConnection
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return KindConnection
	}
	msg := err.Error()
	if strings.Contains(msg, "database is closed") || strings.Contains(msg, "closed pool") {
		return KindConnection
	}
	return KindQuery
}

// retentionCutoff converts a retention horizon to the newest created_at
// that must be deleted, in cursor (microsecond) units.
func retentionCutoff(now time.Time, retentionDays int) int64 {
	if retentionDays < 0 {
		retentionDays = 0
	}
	cutoff := now.UTC().Add(-time.Duration(retentionDays) * 24 * time.Hour)
	return cutoff.UnixMicro()
}

// stampCreatedAt fills in the authoritative creation time.
func stampCreatedAt(n *note.StoredNote) {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	} else {
		n.CreatedAt = n.CreatedAt.UTC().Truncate(time.Microsecond)
	}
}

func checkSize(n *note.StoredNote, maxNoteSize int) error {
	if maxNoteSize > 0 && len(n.Details) > maxNoteSize {
		return wrapErr(KindConstraint, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, len(n.Details), maxNoteSize))
	}
	return nil
}
