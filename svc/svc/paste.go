package svc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"pastelite/cfg"
	"pastelite/metrics"
	"pastelite/pkg/domain"
	"pastelite/pkg/kms"
	"pastelite/svc/cache"
	"pastelite/svc/db"
	"pastelite/svc/util"

	"github.com/pkg/errors"
)

var errShuttingDown = errors.New("service shutting down")

type Paste struct {
	store      db.RecordStore
	tombstones *cache.Tombstones
	sealer     *kms.Sealer
	cfg        *cfg.Cfg
	now        func() time.Time

	shutdown      atomic.Bool
	opWg          sync.WaitGroup
	sweeperActive atomic.Bool
}

// NewPaste wires the service. sealer may be nil, in which case content is
// stored as plain bytes.
func NewPaste(store db.RecordStore, tombstones *cache.Tombstones, sealer *kms.Sealer, c *cfg.Cfg) *Paste {
	if store == nil || tombstones == nil || c == nil {
		panic("paste service: nil dependency (store, tombstones, or cfg)")
	}
	return &Paste{
		store:      store,
		tombstones: tombstones,
		sealer:     sealer,
		cfg:        c,
		now:        time.Now,
	}
}

func (p *Paste) Submit(ctx context.Context, sp domain.SubmitParams) (*domain.Submitted, error) {
	if p.shutdown.Load() {
		return nil, errors.WithMessage(domain.ErrStoreUnavailable, errShuttingDown.Error())
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if err := sp.Validate(p.cfg.MaxPasteSize, p.cfg.MaxTTL); err != nil {
		metrics.SubmitInvalid.WithLabelValues(domain.ToResp(err).Code).Inc()
		return nil, err
	}
	now := p.now().UTC().Truncate(time.Millisecond)
	for attempt := 0; attempt < util.MaxIDAttempts; attempt++ {
		id, err := util.NewID()
		if err != nil {
			util.Error().Err(err).Msg("id generation failed")
			return nil, domain.ErrIDGenerationFailed
		}
		rec := domain.NewPaste(id, sp, now)
		if err := p.seal(ctx, rec); err != nil {
			util.Error().Err(err).Str("id", id).Msg("seal failed")
			return nil, errors.WithMessage(domain.ErrInternalServer, err.Error())
		}
		err = p.store.Create(ctx, rec)
		if errors.Is(err, db.ErrIDTaken) {
			util.Warn().Str("id", id).Int("attempt", attempt+1).Msg("id collision, regenerating")
			continue
		}
		if err != nil {
			return nil, p.storeFailure(ctx, "create", err)
		}
		metrics.PasteCreated.Inc()
		ev := util.Info().
			Str("request_id", util.GetRequestID(ctx)).
			Str("id", id).
			Int("format", rec.Format)
		if rec.ExpiresAt != nil {
			ev = ev.Time("expires_at", *rec.ExpiresAt)
		}
		if rec.MaxViews != nil {
			ev = ev.Int("max_views", *rec.MaxViews)
		}
		ev.Msg("paste created")
		return &domain.Submitted{ID: id, URL: p.URL(id)}, nil
	}
	util.Error().Int("attempts", util.MaxIDAttempts).Msg("id space exhausted after repeated collisions")
	return nil, domain.ErrIDGenerationFailed
}

// URL is where the UI renders a paste.
func (p *Paste) URL(id string) string {
	return p.cfg.BaseURL + "/p/" + id
}

// Retrieve counts one view and returns the post-increment state. Expiry is
// judged at now on the stored record; the view ceiling is enforced by the
// store's conditional increment, so concurrent readers cannot overshoot it.
func (p *Paste) Retrieve(ctx context.Context, id string, now time.Time) (*domain.PasteView, error) {
	if p.shutdown.Load() {
		return nil, errors.WithMessage(domain.ErrStoreUnavailable, errShuttingDown.Error())
	}
	p.opWg.Add(1)
	defer p.opWg.Done()

	if !util.ValidID(id) {
		metrics.PasteRejected.WithLabelValues("malformed").Inc()
		return nil, domain.ErrPasteNotFound
	}
	if p.tombstones.Has(id) {
		metrics.TombstoneHits.Inc()
		metrics.PasteRejected.WithLabelValues("exhausted").Inc()
		return nil, domain.ErrPasteNotFound
	}

	rec, err := p.store.Get(ctx, id)
	if errors.Is(err, domain.ErrPasteNotFound) {
		metrics.PasteRejected.WithLabelValues("missing").Inc()
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, p.storeFailure(ctx, "get", err)
	}
	if !domain.IsVisible(rec, now) {
		reason := "expired"
		if domain.IsExhausted(rec) {
			reason = "exhausted"
			p.tombstones.Add(id)
		}
		metrics.PasteRejected.WithLabelValues(reason).Inc()
		return nil, domain.ErrPasteNotFound
	}
	content, err := p.open(ctx, rec)
	if err != nil {
		util.Error().Err(err).Str("id", id).Msg("stored content could not be opened")
		return nil, errors.WithMessage(domain.ErrInternalServer, err.Error())
	}

	updated, err := p.store.IncrementViewCount(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, db.ErrViewsExhausted):
		// Other readers took the remaining views after our Get.
		metrics.ViewsLost.Inc()
		metrics.PasteRejected.WithLabelValues("exhausted").Inc()
		p.tombstones.Add(id)
		return nil, domain.ErrPasteNotFound
	case errors.Is(err, domain.ErrPasteNotFound):
		metrics.PasteRejected.WithLabelValues("missing").Inc()
		return nil, domain.ErrPasteNotFound
	default:
		return nil, p.storeFailure(ctx, "increment_view_count", err)
	}
	if domain.IsExhausted(updated) {
		p.tombstones.Add(id)
	}
	updated.Content = content
	metrics.PasteRetrieved.Inc()
	util.Debug().
		Str("request_id", util.GetRequestID(ctx)).
		Str("id", id).
		Int("view_count", updated.ViewCount).
		Msg("paste retrieved")
	return domain.NewView(updated), nil
}

func (p *Paste) seal(ctx context.Context, rec *domain.Paste) error {
	if p.sealer == nil {
		rec.Body = []byte(rec.Content)
		rec.Format = domain.FormatPlain
		return nil
	}
	body, wrapped, err := p.sealer.Seal(ctx, rec.ID, []byte(rec.Content))
	if err != nil {
		return errors.Wrap(err, "seal content")
	}
	metrics.SealOps.WithLabelValues("seal").Inc()
	rec.Body = body
	rec.WrappedDEK = wrapped
	rec.Format = domain.FormatSealed
	return nil
}

func (p *Paste) open(ctx context.Context, rec *domain.Paste) (string, error) {
	switch rec.Format {
	case domain.FormatPlain:
		return string(rec.Body), nil
	case domain.FormatSealed:
		if p.sealer == nil {
			return "", errors.New("sealed record but no KEK provider configured")
		}
		plaintext, err := p.sealer.Open(ctx, rec.ID, rec.Body, rec.WrappedDEK)
		if err != nil {
			return "", errors.Wrap(err, "open content")
		}
		metrics.SealOps.WithLabelValues("open").Inc()
		return string(plaintext), nil
	default:
		return "", errors.Errorf("unknown format version %d", rec.Format)
	}
}

// storeFailure hides backend detail from callers; every infrastructure error
// surfaces as StoreUnavailable.
func (p *Paste) storeFailure(ctx context.Context, op string, err error) error {
	metrics.StoreErrors.WithLabelValues(op).Inc()
	util.Error().
		Err(err).
		Str("request_id", util.GetRequestID(ctx)).
		Str("op", op).
		Msg("record store failure")
	return errors.WithMessage(domain.ErrStoreUnavailable, err.Error())
}

// Sealing names the KEK provider protecting new pastes, or "none".
func (p *Paste) Sealing() string {
	if p.sealer == nil {
		return "none"
	}
	return p.sealer.Provider()
}

// Ready reports whether the record store answers.
func (p *Paste) Ready(ctx context.Context) error {
	return p.store.Ping(ctx)
}

func (p *Paste) Shutdown() {
	p.shutdown.Store(true)
	done := make(chan struct{})
	go func() {
		p.opWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		util.Warn().Msg("in-flight paste operations didn't finish in time")
	}
	if p.sealer != nil {
		p.sealer.Stop()
	}
	util.Debug().Msg("paste service shutdown complete")
}
