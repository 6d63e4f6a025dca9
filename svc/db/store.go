package db

import (
	"context"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
)

var (
	// ErrIDTaken is returned by Create when the id already exists. Records are
	// never overwritten.
	ErrIDTaken = errors.New("paste id already exists")
	// ErrViewsExhausted is returned by IncrementViewCount when view_count has
	// already reached max_views.
	ErrViewsExhausted = errors.New("paste view limit reached")
)

// RecordStore persists paste records. Every implementation increments
// view_count with a single server-side conditional write, so concurrent
// readers never push a paste past its view limit.
type RecordStore interface {
	Create(ctx context.Context, p *domain.Paste) error
	// Get returns domain.ErrPasteNotFound for unknown ids.
	Get(ctx context.Context, id string) (*domain.Paste, error)
	// IncrementViewCount adds one view unless max_views is reached and returns
	// the updated record. Unknown ids are a no-op that returns
	// domain.ErrPasteNotFound.
	IncrementViewCount(ctx context.Context, id string) (*domain.Paste, error)
	// CleanupExpired removes records that can never be visible again.
	CleanupExpired(ctx context.Context, now time.Time) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func optMillis(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func optInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return int64(*v)
}
