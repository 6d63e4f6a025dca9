package svc

import (
	"context"
	"time"

	"pastelite/metrics"
	"pastelite/svc/util"

	"github.com/pkg/errors"
)

// StartSweeper removes records that can never be visible again. It is garbage
// collection only: reads never depend on it.
func (p *Paste) StartSweeper(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		util.Info().Msg("cleanup worker disabled")
		return nil
	}
	if !p.sweeperActive.CompareAndSwap(false, true) {
		return errors.New("cleaner already running")
	}
	go p.runSweeper(ctx, interval)
	return nil
}

func (p *Paste) runSweeper(ctx context.Context, interval time.Duration) {
	defer p.sweeperActive.Store(false)
	cleanupRequestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, cleanupRequestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", cleanupRequestID).
		Dur("interval", interval).
		Msg("cleanup worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", cleanupRequestID).
				Msg("cleanup worker shutting down")
			return
		case <-ticker.C:
			p.sweepOnce(ctx)
		}
	}
}

func (p *Paste) sweepOnce(ctx context.Context) int {
	deleted, err := p.store.CleanupExpired(ctx, p.now())
	if deleted > 0 {
		metrics.SweepDeleted.Add(float64(deleted))
	}
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			metrics.StoreErrors.WithLabelValues("cleanup").Inc()
			util.Error().
				Err(err).
				Str("request_id", util.GetRequestID(ctx)).
				Msg("cleanup failed")
		}
		return deleted
	}
	if deleted > 0 {
		util.Info().
			Int("deleted", deleted).
			Str("request_id", util.GetRequestID(ctx)).
			Msg("cleanup completed")
	}
	return deleted
}
