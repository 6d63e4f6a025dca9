package db

import (
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"pastelite/pkg/domain"

	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("store circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldown        = 30 * time.Second
)

// breaker fails fast after repeated backend errors so requests surface as
// StoreUnavailable instead of queueing on a dead backend.
type breaker struct {
	failures int32
	state    int32
	openedAt int64
	now      func() time.Time
}

func newBreaker() *breaker {
	return &breaker{now: time.Now}
}

func (b *breaker) check() error {
	switch atomic.LoadInt32(&b.state) {
	case circuitOpen:
		opened := atomic.LoadInt64(&b.openedAt)
		if b.now().UnixNano()-opened >= int64(cooldown) {
			if atomic.CompareAndSwapInt32(&b.state, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}

func (b *breaker) record(err error) {
	if err == nil || isExpected(err) {
		if err == nil {
			atomic.StoreInt32(&b.failures, 0)
			atomic.StoreInt32(&b.state, circuitClosed)
		}
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if atomic.LoadInt32(&b.state) == circuitHalfOpen {
		b.trip()
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&b.state) == circuitClosed {
		b.trip()
	}
}

func (b *breaker) trip() {
	atomic.StoreInt32(&b.state, circuitOpen)
	atomic.StoreInt64(&b.openedAt, b.now().UnixNano())
	atomic.StoreInt32(&b.failures, 0)
}

// isExpected covers outcomes that say nothing about backend health.
func isExpected(err error) bool {
	return errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, domain.ErrPasteNotFound) ||
		errors.Is(err, ErrIDTaken) ||
		errors.Is(err, ErrViewsExhausted)
}
