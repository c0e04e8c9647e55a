package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/notewire/noterelay/internal/metrics"
	"github.com/notewire/noterelay/internal/note"
)

// PostgresStore is the alternative Store backend for deployments that
// already run Postgres. Same contract as SQLiteStore; a bigserial column
// provides the insertion-order tie-break that rowid gives us on SQLite.
type PostgresStore struct {
	pool        *pgxpool.Pool
	maxNoteSize int
	metrics     *metrics.Metrics
}

const pgSchema = `
CREATE TABLE IF NOT EXISTS notes (
    id         BYTEA PRIMARY KEY,
    seq        BIGSERIAL,
    tag        BIGINT NOT NULL,
    header     BYTEA NOT NULL,
    details    BYTEA NOT NULL,
    created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notes_tag_created_at ON notes (tag, created_at);
CREATE INDEX IF NOT EXISTS idx_notes_created_at ON notes (created_at);
`

// OpenPostgres connects a pgx pool and ensures the schema exists.
func OpenPostgres(ctx context.Context, cfg Config) (*PostgresStore, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, wrapErr(KindConnection, fmt.Errorf("parse dsn: %w", err))
	}

	if cfg.MaxConns > 0 {
		pcfg.MaxConns = int32(cfg.MaxConns)
	}
	pcfg.MaxConnLifetime = time.Hour
	pcfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, wrapErr(KindConnection, fmt.Errorf("create pool: %w", err))
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, wrapErr(KindConnection, fmt.Errorf("ping: %w", err))
	}

	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, wrapErr(KindMigration, fmt.Errorf("ensure schema: %w", err))
	}

	log.Info().Int32("max_conns", pcfg.MaxConns).Msg("postgres note store ready")

	return &PostgresStore{pool: pool, maxNoteSize: cfg.MaxNoteSize, metrics: cfg.Metrics}, nil
}

func (s *PostgresStore) Insert(ctx context.Context, n *note.StoredNote) error {
	timer := s.metrics.Timer(metrics.OpStoreInsert)

	if err := checkSize(n, s.maxNoteSize); err != nil {
		timer.Finish(metrics.StatusError)
		return err
	}
	stampCreatedAt(n)

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO notes (id, tag, header, details, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, n.ID[:], int64(n.Tag), n.Header, n.Details, n.CreatedAt.UnixMicro())
	if err != nil {
		timer.Finish(metrics.StatusError)
		return wrapErr(ioKind(err), fmt.Errorf("insert note: %w", err))
	}
	if tag.RowsAffected() == 0 {
		timer.Finish(metrics.StatusError)
		return wrapErr(KindConstraint, fmt.Errorf("%w: %x", ErrDuplicate, n.ID[:8]))
	}
	timer.Finish(metrics.StatusOK)
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, tags []note.Tag, cursor uint64, limit int) ([]note.StoredNote, error) {
	if len(tags) == 0 || limit == 0 {
		return nil, nil
	}
	timer := s.metrics.Timer(metrics.OpStoreQuery)

	args := make([]any, 0, len(tags)+2)
	placeholders := make([]string, 0, len(tags))
	for i, t := range tags {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		args = append(args, int64(t))
	}
	args = append(args, int64(cursor))

	q := fmt.Sprintf(`
		SELECT id, tag, header, details, created_at
		FROM notes
		WHERE tag IN (%s) AND created_at > $%d
		ORDER BY created_at ASC, seq ASC
	`, strings.Join(placeholders, ","), len(tags)+1)
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT $%d", len(tags)+2)
		args = append(args, int64(limit))
	}

	rows, err := s.pool.Query(ctx, q, args...)
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

func (s *PostgresStore) Exists(ctx context.Context, id note.ID) (bool, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM notes WHERE id = $1`, id[:]).Scan(&count)
	if err != nil {
		return false, wrapErr(KindQuery, fmt.Errorf("check note existence: %w", err))
	}
	return count > 0, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(DISTINCT tag) FROM notes`).Scan(&st.TotalNotes, &st.DistinctTags)
	if err != nil {
		return Stats{}, wrapErr(KindQuery, fmt.Errorf("get stats: %w", err))
	}
	return st, nil
}

func (s *PostgresStore) RetentionSweep(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := retentionCutoff(time.Now(), retentionDays)
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM notes WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, wrapErr(KindQuery, fmt.Errorf("retention sweep: %w", err))
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return wrapErr(KindConnection, err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
