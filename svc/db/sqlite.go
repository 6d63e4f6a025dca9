package db

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"pastelite/pkg/domain"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	defaultMaxOpenConns = 16
	defaultMaxIdleConns = 4
	defaultQueryTimeout = 5 * time.Second
	cleanupBatch        = 100
	cleanupMaxBatches   = 10000
)

// sqliteParams are applied per connection by the driver. busy_timeout in
// particular must not be a one-off PRAGMA or pooled connections lose it.
const sqliteParams = "_busy_timeout=5000&_journal_mode=WAL&_synchronous=FULL&_foreign_keys=on"

type SQLite struct {
	db           *sql.DB
	cb           *breaker
	queryTimeout time.Duration
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	s := &SQLite{
		db:           db,
		cb:           newBreaker(),
		queryTimeout: queryTimeout,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		if strings.Contains(path, "?") {
			return path + "&" + sqliteParams
		}
		return path + "?" + sqliteParams
	}
	return "file:" + path + "?" + sqliteParams
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		body BLOB NOT NULL,
		wrapped_dek BLOB,
		format_version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL,
		expires_at INTEGER,
		max_views INTEGER,
		view_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	`
	_, err := s.db.Exec(query)
	return err
}

const sqliteColumns = `id, body, wrapped_dek, format_version, created_at, expires_at, max_views, view_count`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p         domain.Paste
		createdAt int64
		expiresAt sql.NullInt64
		maxViews  sql.NullInt64
	)
	if err := row.Scan(&p.ID, &p.Body, &p.WrappedDEK, &p.Format, &createdAt, &expiresAt, &maxViews, &p.ViewCount); err != nil {
		return nil, err
	}
	p.CreatedAt = fromMillis(createdAt)
	if expiresAt.Valid {
		t := fromMillis(expiresAt.Int64)
		p.ExpiresAt = &t
	}
	if maxViews.Valid {
		mv := int(maxViews.Int64)
		p.MaxViews = &mv
	}
	return &p, nil
}

func (s *SQLite) Create(ctx context.Context, p *domain.Paste) error {
	if err := s.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `INSERT INTO pastes (` + sqliteColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(queryCtx, q,
		p.ID, p.Body, p.WrappedDEK, p.Format, toMillis(p.CreatedAt), optMillis(p.ExpiresAt), optInt(p.MaxViews), p.ViewCount,
	)
	if isUniqueViolation(err) {
		err = ErrIDTaken
	}
	s.cb.record(err)
	if err == ErrIDTaken {
		return err
	}
	return errors.Wrap(err, "db create")
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey || se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}

func (s *SQLite) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `SELECT ` + sqliteColumns + ` FROM pastes WHERE id = ?`
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id))
	s.cb.record(err)
	if err == sql.ErrNoRows {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "db get")
	}
	return p, nil
}

// IncrementViewCount is a single conditional UPDATE, so the ceiling check and
// the write happen under SQLite's write lock together.
func (s *SQLite) IncrementViewCount(ctx context.Context, id string) (*domain.Paste, error) {
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	q := `UPDATE pastes SET view_count = view_count + 1
		WHERE id = ? AND (max_views IS NULL OR view_count < max_views)
		RETURNING ` + sqliteColumns
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, id))
	if err == nil {
		s.cb.record(nil)
		return p, nil
	}
	if err != sql.ErrNoRows {
		s.cb.record(err)
		return nil, errors.Wrap(err, "db increment view count")
	}
	var exists int
	err = s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE id = ?`, id).Scan(&exists)
	s.cb.record(err)
	switch {
	case err == sql.ErrNoRows:
		return nil, domain.ErrPasteNotFound
	case err != nil:
		return nil, errors.Wrap(err, "db increment view count")
	default:
		return nil, ErrViewsExhausted
	}
}

// CleanupExpired deletes in small batches so the write lock is released
// between rounds.
func (s *SQLite) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := s.cb.check(); err != nil {
		return 0, err
	}
	totalDeleted := 0
	for i := 0; i < cleanupMaxBatches; i++ {
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		default:
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE (expires_at IS NOT NULL AND expires_at < ?)
				   OR (max_views IS NOT NULL AND view_count >= max_views)
				LIMIT ?
			)
		`, toMillis(now), cleanupBatch)
		cancel()
		s.cb.record(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < cleanupBatch {
			return totalDeleted, nil
		}
		select {
		case <-ctx.Done():
			return totalDeleted, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
}

func (s *SQLite) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(err, "sqlite ping")
	}
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return errors.Wrap(err, "sqlite query")
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
