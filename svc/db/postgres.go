package db

import (
	"context"
	"time"

	"pastelite/pkg/domain"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const pgUniqueViolation = "23505"

// Postgres owns its pool and closes it on Close.
type Postgres struct {
	pool         *pgxpool.Pool
	cb           *breaker
	queryTimeout time.Duration
}

func NewPostgres(ctx context.Context, dsn string, maxConns int, queryTimeout time.Duration) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	if maxConns > 0 {
		pcfg.MaxConns = int32(maxConns)
	}
	pcfg.MaxConnLifetime = time.Hour
	pcfg.MaxConnIdleTime = 10 * time.Minute
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres pool")
	}
	p := &Postgres{pool: pool, cb: newBreaker(), queryTimeout: queryTimeout}
	if err := p.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	_, err := p.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		body BYTEA NOT NULL,
		wrapped_dek BYTEA,
		format_version SMALLINT NOT NULL DEFAULT 1,
		created_at BIGINT NOT NULL,
		expires_at BIGINT,
		max_views INTEGER,
		view_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	`)
	return err
}

const pgColumns = `id, body, wrapped_dek, format_version, created_at, expires_at, max_views, view_count`

func scanPgPaste(row pgx.Row) (*domain.Paste, error) {
	var (
		p         domain.Paste
		format    int16
		createdAt int64
		expiresAt *int64
		maxViews  *int32
		views     int32
	)
	if err := row.Scan(&p.ID, &p.Body, &p.WrappedDEK, &format, &createdAt, &expiresAt, &maxViews, &views); err != nil {
		return nil, err
	}
	p.Format = int(format)
	p.ViewCount = int(views)
	p.CreatedAt = fromMillis(createdAt)
	if expiresAt != nil {
		t := fromMillis(*expiresAt)
		p.ExpiresAt = &t
	}
	if maxViews != nil {
		mv := int(*maxViews)
		p.MaxViews = &mv
	}
	return &p, nil
}

func (p *Postgres) Create(ctx context.Context, paste *domain.Paste) error {
	if err := p.cb.check(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var maxViews *int32
	if paste.MaxViews != nil {
		mv := int32(*paste.MaxViews)
		maxViews = &mv
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO pastes (`+pgColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		paste.ID, paste.Body, paste.WrappedDEK, int16(paste.Format), toMillis(paste.CreatedAt),
		optMillis(paste.ExpiresAt), maxViews, int32(paste.ViewCount),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		err = ErrIDTaken
	}
	p.cb.record(err)
	if err == ErrIDTaken {
		return err
	}
	return errors.Wrap(err, "pg create")
}

func (p *Postgres) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := p.cb.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	paste, err := scanPgPaste(p.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM pastes WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		err = domain.ErrPasteNotFound
	}
	p.cb.record(err)
	if err == domain.ErrPasteNotFound {
		return nil, err
	}
	if err != nil {
		return nil, errors.Wrap(err, "pg get")
	}
	return paste, nil
}

func (p *Postgres) IncrementViewCount(ctx context.Context, id string) (*domain.Paste, error) {
	if err := p.cb.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	paste, err := scanPgPaste(p.pool.QueryRow(ctx,
		`UPDATE pastes SET view_count = view_count + 1
		WHERE id = $1 AND (max_views IS NULL OR view_count < max_views)
		RETURNING `+pgColumns,
		id,
	))
	if err == nil {
		p.cb.record(nil)
		return paste, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		p.cb.record(err)
		return nil, errors.Wrap(err, "pg increment view count")
	}
	var exists bool
	err = p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pastes WHERE id = $1)`, id).Scan(&exists)
	p.cb.record(err)
	switch {
	case err != nil:
		return nil, errors.Wrap(err, "pg increment view count")
	case !exists:
		return nil, domain.ErrPasteNotFound
	default:
		return nil, ErrViewsExhausted
	}
}

func (p *Postgres) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	if err := p.cb.check(); err != nil {
		return 0, err
	}
	total := 0
	for i := 0; i < cleanupMaxBatches; i++ {
		queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
		tag, err := p.pool.Exec(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE (expires_at IS NOT NULL AND expires_at < $1)
				   OR (max_views IS NOT NULL AND view_count >= max_views)
				LIMIT $2
			)
		`, toMillis(now), cleanupBatch)
		cancel()
		p.cb.record(err)
		if err != nil {
			return total, errors.Wrap(err, "cleanup batch failed")
		}
		deleted := int(tag.RowsAffected())
		total += deleted
		if deleted < cleanupBatch {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
	return total, errors.New("cleanup hit iteration limit, more records may exist")
}

func (p *Postgres) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return errors.Wrap(err, "postgres ping")
	}
	defer conn.Release()
	if err := conn.Ping(ctx); err != nil {
		return errors.Wrap(err, "postgres ping")
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
