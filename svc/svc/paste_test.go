package svc

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"pastelite/pkg/domain"
	"pastelite/svc/cache"
	"pastelite/svc/db"

	"github.com/pkg/errors"
)

func TestSubmitRetrieveRoundTrip(t *testing.T) {
	for _, sealed := range []bool{false, true} {
		f := newFixture(t, sealed)
		content := "line one\n  \t<b>exact</b> bytes ✓\n"
		res := f.submit(t, content, nil, nil)
		if res.URL != "http://paste.test/p/"+res.ID {
			t.Errorf("URL = %q", res.URL)
		}
		view, err := f.svc.Retrieve(context.Background(), res.ID, f.clock)
		if err != nil {
			t.Fatalf("sealed=%v: %v", sealed, err)
		}
		if view.Content != content {
			t.Errorf("sealed=%v: content = %q, want %q", sealed, view.Content, content)
		}
		if view.RemainingViews != nil || view.ExpiresAt != nil {
			t.Errorf("sealed=%v: expected null limits, got %v %v", sealed, view.RemainingViews, view.ExpiresAt)
		}
	}
}

func TestUnlimitedPasteReadsAreIdempotent(t *testing.T) {
	f := newFixture(t, true)
	res := f.submit(t, "same every time", i64(3600), nil)
	var first *domain.PasteView
	for i := 0; i < 10; i++ {
		view, err := f.svc.Retrieve(context.Background(), res.ID, f.clock.Add(time.Duration(i)*time.Minute))
		if err != nil {
			t.Fatalf("read %d: %v", i, err)
		}
		if view.RemainingViews != nil {
			t.Fatalf("read %d: remaining = %d, want nil", i, *view.RemainingViews)
		}
		if first == nil {
			first = view
			continue
		}
		if view.Content != first.Content || !view.ExpiresAt.Equal(*first.ExpiresAt) {
			t.Fatalf("read %d differs: %+v vs %+v", i, view, first)
		}
	}
	rec, err := f.store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ViewCount != 10 {
		t.Errorf("view count = %d, want 10", rec.ViewCount)
	}
}

func TestContentSealedAtRest(t *testing.T) {
	f := newFixture(t, true)
	res := f.submit(t, "top secret", nil, nil)
	rec, err := f.store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Format != domain.FormatSealed || len(rec.WrappedDEK) == 0 {
		t.Fatalf("record not sealed: format %d, dek %d bytes", rec.Format, len(rec.WrappedDEK))
	}
	if bytes.Contains(rec.Body, []byte("top secret")) {
		t.Error("plaintext found in stored body")
	}
}

func TestPlainFormatWithoutSealer(t *testing.T) {
	f := newFixture(t, false)
	res := f.submit(t, "plain", nil, nil)
	rec, err := f.store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Format != domain.FormatPlain || string(rec.Body) != "plain" {
		t.Errorf("unexpected plain record: %d %q", rec.Format, rec.Body)
	}
}

func TestSingleViewPaste(t *testing.T) {
	f := newFixture(t, false)
	res := f.submit(t, "once", nil, i64(1))
	view, err := f.svc.Retrieve(context.Background(), res.ID, f.clock)
	if err != nil {
		t.Fatal(err)
	}
	if view.RemainingViews == nil || *view.RemainingViews != 0 {
		t.Fatalf("remaining = %v, want 0", view.RemainingViews)
	}
	if _, err := f.svc.Retrieve(context.Background(), res.ID, f.clock); err != domain.ErrPasteNotFound {
		t.Fatalf("second read: expected not found, got %v", err)
	}
}

func TestTwoViewScenario(t *testing.T) {
	f := newFixture(t, true)
	res := f.submit(t, "hello", nil, i64(2))
	ctx := context.Background()
	for _, want := range []int{1, 0} {
		view, err := f.svc.Retrieve(ctx, res.ID, f.clock)
		if err != nil {
			t.Fatal(err)
		}
		if view.Content != "hello" || view.RemainingViews == nil || *view.RemainingViews != want {
			t.Fatalf("got %+v, want remaining %d", view, want)
		}
	}
	if _, err := f.svc.Retrieve(ctx, res.ID, f.clock); err != domain.ErrPasteNotFound {
		t.Fatalf("third read: expected not found, got %v", err)
	}
}

func TestExpiryBoundary(t *testing.T) {
	const ttl = 60
	tests := []struct {
		name    string
		offset  time.Duration
		visible bool
	}{
		{"BeforeExpiry", (ttl - 1) * time.Second, true},
		{"ExactlyAtExpiry", ttl * time.Second, true},
		{"OneMillisecondAfter", ttl*time.Second + time.Millisecond, false},
		{"AfterExpiry", (ttl + 1) * time.Second, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, false)
			res := f.submit(t, "ephemeral", i64(ttl), nil)
			view, err := f.svc.Retrieve(context.Background(), res.ID, f.clock.Add(tt.offset))
			if tt.visible {
				if err != nil {
					t.Fatalf("expected visible, got %v", err)
				}
				want := f.clock.Add(ttl * time.Second)
				if view.ExpiresAt == nil || !view.ExpiresAt.Equal(want) {
					t.Errorf("ExpiresAt = %v, want %v", view.ExpiresAt, want)
				}
				return
			}
			if err != domain.ErrPasteNotFound {
				t.Fatalf("expected not found, got %v", err)
			}
		})
	}
}

func TestExpiredReadDoesNotCountView(t *testing.T) {
	f := newFixture(t, false)
	res := f.submit(t, "gone", i64(1), i64(3))
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := f.svc.Retrieve(ctx, res.ID, f.clock.Add(time.Hour)); err != domain.ErrPasteNotFound {
			t.Fatalf("expected not found, got %v", err)
		}
	}
	rec, err := f.store.Get(ctx, res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ViewCount != 0 {
		t.Errorf("ViewCount = %d after invisible reads, want 0", rec.ViewCount)
	}
	if f.tombstones.Has(res.ID) {
		t.Error("expired id must not be tombstoned")
	}
	if _, err := f.svc.Retrieve(ctx, res.ID, f.clock); err != nil {
		t.Errorf("earlier clock should still see the paste: %v", err)
	}
}

func TestSubmitValidation(t *testing.T) {
	tests := []struct {
		name   string
		params domain.SubmitParams
		want   error
	}{
		{"Empty", domain.SubmitParams{Content: ""}, domain.ErrInvalidContent},
		{"Whitespace", domain.SubmitParams{Content: " \n\t "}, domain.ErrInvalidContent},
		{"ZeroTTL", domain.SubmitParams{Content: "x", TTLSeconds: i64(0)}, domain.ErrInvalidTTL},
		{"NegativeTTL", domain.SubmitParams{Content: "x", TTLSeconds: i64(-5)}, domain.ErrInvalidTTL},
		{"TTLOverCap", domain.SubmitParams{Content: "x", TTLSeconds: i64(int64(48 * time.Hour / time.Second))}, domain.ErrInvalidTTL},
		{"ZeroMaxViews", domain.SubmitParams{Content: "x", MaxViews: i64(0)}, domain.ErrInvalidMaxViews},
		{"NegativeMaxViews", domain.SubmitParams{Content: "x", MaxViews: i64(-1)}, domain.ErrInvalidMaxViews},
		{"TooLarge", domain.SubmitParams{Content: strings.Repeat("a", 64*1024+1)}, domain.ErrPasteTooLarge},
	}
	f := newFixture(t, false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(context.Background(), tt.params)
			if err != tt.want {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
	if n := f.countRows(t); n != 0 {
		t.Errorf("rejected submissions created %d records", n)
	}
}

func TestConcurrentReadsHonourMaxViews(t *testing.T) {
	const maxViews, extra = 5, 20
	f := newFixture(t, true)
	res := f.submit(t, "race", nil, i64(maxViews))

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		remaining []int
		notFound  int
	)
	start := make(chan struct{})
	for i := 0; i < maxViews+extra; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			view, err := f.svc.Retrieve(context.Background(), res.ID, f.clock)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				remaining = append(remaining, *view.RemainingViews)
			case err == domain.ErrPasteNotFound:
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if len(remaining) != maxViews || notFound != extra {
		t.Fatalf("successes = %d, not found = %d; want %d and %d", len(remaining), notFound, maxViews, extra)
	}
	sort.Ints(remaining)
	for i, r := range remaining {
		if r != i {
			t.Errorf("remaining values %v are not a permutation of 0..%d", remaining, maxViews-1)
			break
		}
	}
	rec, err := f.store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ViewCount != maxViews {
		t.Errorf("ViewCount = %d, want %d", rec.ViewCount, maxViews)
	}
}

func TestUnknownAndMalformedIDs(t *testing.T) {
	f := newFixture(t, false)
	for _, id := range []string{"00000000000", "short", "../../etc", strings.Repeat("a", 200)} {
		for i := 0; i < 2; i++ {
			if _, err := f.svc.Retrieve(context.Background(), id, f.clock); err != domain.ErrPasteNotFound {
				t.Fatalf("%q: expected not found, got %v", id, err)
			}
		}
	}
	if n := f.countRows(t); n != 0 {
		t.Errorf("lookups created %d records", n)
	}
}

func TestTombstoneShortCircuitsStore(t *testing.T) {
	f := newFixture(t, false)
	res := f.submit(t, "bye", nil, i64(1))
	if _, err := f.svc.Retrieve(context.Background(), res.ID, f.clock); err != nil {
		t.Fatal(err)
	}
	if !f.tombstones.Has(res.ID) {
		t.Fatal("exhausted id not tombstoned")
	}
	gets := 0
	f.svc.store = &stubStore{
		RecordStore: f.store,
		get: func(ctx context.Context, id string) (*domain.Paste, error) {
			gets++
			return f.store.Get(ctx, id)
		},
	}
	if _, err := f.svc.Retrieve(context.Background(), res.ID, f.clock); err != domain.ErrPasteNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
	if gets != 0 {
		t.Errorf("store consulted %d times for tombstoned id", gets)
	}
}

func TestTombstoneMissDefersToStore(t *testing.T) {
	f := newFixture(t, false)
	res := f.submit(t, "bye", nil, i64(1))
	if _, err := f.svc.Retrieve(context.Background(), res.ID, f.clock); err != nil {
		t.Fatal(err)
	}
	// A fresh cache stands in for eviction or a restart.
	ts, err := cache.NewTombstones(10)
	if err != nil {
		t.Fatal(err)
	}
	f.svc.tombstones = ts
	if _, err := f.svc.Retrieve(context.Background(), res.ID, f.clock); err != domain.ErrPasteNotFound {
		t.Fatalf("expected not found from the store, got %v", err)
	}
	rec, err := f.store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ViewCount != 1 {
		t.Errorf("ViewCount = %d, want 1", rec.ViewCount)
	}
	if !ts.Has(res.ID) {
		t.Error("store verdict not cached")
	}
}

func TestSubmitRetriesIDCollision(t *testing.T) {
	f := newFixture(t, false)
	calls := 0
	f.svc.store = &stubStore{
		RecordStore: f.store,
		create: func(ctx context.Context, p *domain.Paste) error {
			calls++
			if calls < 3 {
				return db.ErrIDTaken
			}
			return f.store.Create(ctx, p)
		},
	}
	res := f.submit(t, "third time", nil, nil)
	if calls != 3 {
		t.Errorf("create calls = %d, want 3", calls)
	}
	if _, err := f.store.Get(context.Background(), res.ID); err != nil {
		t.Errorf("final id not stored: %v", err)
	}
}

func TestSubmitGivesUpAfterCollisions(t *testing.T) {
	f := newFixture(t, false)
	f.svc.store = &stubStore{
		RecordStore: f.store,
		create:      func(context.Context, *domain.Paste) error { return db.ErrIDTaken },
	}
	if _, err := f.svc.Submit(context.Background(), domain.SubmitParams{Content: "x"}); err != domain.ErrIDGenerationFailed {
		t.Fatalf("expected ErrIDGenerationFailed, got %v", err)
	}
}

func TestStoreFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, false)
	res := f.submit(t, "x", nil, nil)
	f.store.Close()

	_, err := f.svc.Retrieve(context.Background(), res.ID, f.clock)
	if errors.Cause(err) != domain.ErrStoreUnavailable {
		t.Fatalf("retrieve: expected StoreUnavailable, got %v", err)
	}
	_, err = f.svc.Submit(context.Background(), domain.SubmitParams{Content: "y"})
	if errors.Cause(err) != domain.ErrStoreUnavailable {
		t.Fatalf("submit: expected StoreUnavailable, got %v", err)
	}
	if domain.Status(err) != 503 {
		t.Errorf("status = %d, want 503", domain.Status(err))
	}
}

func TestIncrementFailureIsUnavailable(t *testing.T) {
	f := newFixture(t, false)
	res := f.submit(t, "flaky", nil, nil)
	f.svc.store = &stubStore{
		RecordStore: f.store,
		incr: func(context.Context, string) (*domain.Paste, error) {
			return nil, errors.New("disk I/O error")
		},
	}
	_, err := f.svc.Retrieve(context.Background(), res.ID, f.clock)
	if errors.Cause(err) != domain.ErrStoreUnavailable {
		t.Fatalf("expected StoreUnavailable, got %v", err)
	}
}

func TestLosingLastViewIsNotFound(t *testing.T) {
	f := newFixture(t, false)
	res := f.submit(t, "last view", nil, i64(1))
	// Another reader takes the only view between our Get and our increment.
	f.svc.store = &stubStore{
		RecordStore: f.store,
		incr: func(ctx context.Context, id string) (*domain.Paste, error) {
			if _, err := f.store.IncrementViewCount(ctx, id); err != nil {
				t.Fatal(err)
			}
			return f.store.IncrementViewCount(ctx, id)
		},
	}
	if _, err := f.svc.Retrieve(context.Background(), res.ID, f.clock); err != domain.ErrPasteNotFound {
		t.Fatalf("expected not found after losing the last view, got %v", err)
	}
	if !f.tombstones.Has(res.ID) {
		t.Error("exhausted id not remembered")
	}
}

// hammer runs readers concurrent Retrieve calls and tallies the outcomes.
func (f *fixture) hammer(t *testing.T, id string, readers int) (remaining []int, ok, notFound int) {
	t.Helper()
	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	start := make(chan struct{})
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			view, err := f.svc.Retrieve(context.Background(), id, f.clock)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
				if view.RemainingViews != nil {
					remaining = append(remaining, *view.RemainingViews)
				}
			case err == domain.ErrPasteNotFound:
				notFound++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()
	return remaining, ok, notFound
}

func TestHeavyConcurrentReadsUnlimited(t *testing.T) {
	const readers = 1000
	f := newFixture(t, false)
	res := f.submit(t, "popular", nil, nil)
	_, ok, notFound := f.hammer(t, res.ID, readers)
	if ok != readers || notFound != 0 {
		t.Fatalf("ok = %d, not found = %d; want %d and 0", ok, notFound, readers)
	}
	rec, err := f.store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ViewCount != readers {
		t.Errorf("ViewCount = %d, want %d", rec.ViewCount, readers)
	}
}

func TestHeavyConcurrentReadsLargeMaxViews(t *testing.T) {
	const maxViews, readers = 200, 600
	f := newFixture(t, false)
	res := f.submit(t, "limited", nil, i64(maxViews))
	remaining, ok, notFound := f.hammer(t, res.ID, readers)
	if ok != maxViews || notFound != readers-maxViews {
		t.Fatalf("ok = %d, not found = %d; want %d and %d", ok, notFound, maxViews, readers-maxViews)
	}
	sort.Ints(remaining)
	for i, r := range remaining {
		if r != i {
			t.Fatalf("remaining values are not a permutation of 0..%d", maxViews-1)
		}
	}
}

func TestSweeperRemovesDeadRecords(t *testing.T) {
	f := newFixture(t, false)
	dead := f.submit(t, "short lived", i64(1), nil)
	live := f.submit(t, "keeper", nil, nil)
	f.clock = f.clock.Add(time.Hour)

	if n := f.svc.sweepOnce(context.Background()); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, err := f.store.Get(context.Background(), dead.ID); err != domain.ErrPasteNotFound {
		t.Errorf("dead record survived: %v", err)
	}
	if _, err := f.store.Get(context.Background(), live.ID); err != nil {
		t.Errorf("live record removed: %v", err)
	}
}

func TestStartSweeper(t *testing.T) {
	f := newFixture(t, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := f.svc.StartSweeper(ctx, 0); err != nil {
		t.Fatalf("disabled sweeper: %v", err)
	}
	if err := f.svc.StartSweeper(ctx, time.Hour); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.StartSweeper(ctx, time.Hour); err == nil {
		t.Error("second sweeper should be refused")
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	f := newFixture(t, false)
	f.svc.Shutdown()
	if _, err := f.svc.Submit(context.Background(), domain.SubmitParams{Content: "late"}); errors.Cause(err) != domain.ErrStoreUnavailable {
		t.Fatalf("expected StoreUnavailable after shutdown, got %v", err)
	}
}
