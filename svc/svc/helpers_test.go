package svc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/domain"
	"pastelite/pkg/kms"
	"pastelite/svc/cache"
	"pastelite/svc/db"

	"github.com/joho/godotenv"
)

const testLocalKey = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="

var envLoadOnce sync.Once

func loadTestEnv() {
	envLoadOnce.Do(func() {
		for _, p := range []string{".env.test", "../.env.test", "../../.env.test"} {
			if abs, err := filepath.Abs(p); err == nil {
				if _, err := os.Stat(abs); err == nil {
					_ = godotenv.Load(abs)
					return
				}
			}
		}
	})
}

func testConfig() *cfg.Cfg {
	loadTestEnv()
	return &cfg.Cfg{
		Environment:        "test",
		LogLevel:           "error",
		BaseURL:            "http://paste.test",
		StoreDriver:        cfg.DriverSQLite,
		DBMaxOpenConns:     8,
		DBMaxIdleConns:     4,
		DBQueryTimeout:     5 * time.Second,
		ContextTimeout:     5 * time.Second,
		MaxPasteSize:       64 * 1024,
		MaxTTL:             24 * time.Hour,
		TombstoneCacheSize: 100,
		KEKCacheTTL:        time.Minute,
	}
}

type fixture struct {
	svc        *Paste
	store      *db.SQLite
	tombstones *cache.Tombstones
	clock      time.Time
}

func newFixture(t *testing.T, sealed bool) *fixture {
	t.Helper()
	c := testConfig()
	store, err := db.NewSQLiteWithConfig(filepath.Join(t.TempDir(), "svc.db"), c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	ts, err := cache.NewTombstones(c.TombstoneCacheSize)
	if err != nil {
		t.Fatal(err)
	}
	var sealer *kms.Sealer
	if sealed {
		t.Setenv("VAULT_ADDR", "")
		t.Setenv("AWS_REGION", "")
		t.Setenv("KMS_LOCAL_KEY", testLocalKey)
		adapter, err := kms.NewAdapter(context.Background())
		if err != nil {
			t.Fatal(err)
		}
		sealer = kms.NewSealer(adapter, c.KEKCacheTTL)
	}
	f := &fixture{
		store:      store,
		tombstones: ts,
		clock:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.svc = NewPaste(store, ts, sealer, c)
	f.svc.now = func() time.Time { return f.clock }
	t.Cleanup(f.svc.Shutdown)
	return f
}

func (f *fixture) countRows(t *testing.T) int {
	t.Helper()
	var n int
	if err := f.store.DB().QueryRow("SELECT COUNT(*) FROM pastes").Scan(&n); err != nil {
		t.Fatal(err)
	}
	return n
}

func (f *fixture) submit(t *testing.T, content string, ttl, maxViews *int64) *domain.Submitted {
	t.Helper()
	res, err := f.svc.Submit(context.Background(), domain.SubmitParams{Content: content, TTLSeconds: ttl, MaxViews: maxViews})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return res
}

func i64(v int64) *int64 { return &v }

// stubStore overrides selected RecordStore methods on top of a real store.
type stubStore struct {
	db.RecordStore
	create func(ctx context.Context, p *domain.Paste) error
	get    func(ctx context.Context, id string) (*domain.Paste, error)
	incr   func(ctx context.Context, id string) (*domain.Paste, error)
}

func (s *stubStore) Create(ctx context.Context, p *domain.Paste) error {
	if s.create != nil {
		return s.create(ctx, p)
	}
	return s.RecordStore.Create(ctx, p)
}

func (s *stubStore) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if s.get != nil {
		return s.get(ctx, id)
	}
	return s.RecordStore.Get(ctx, id)
}

func (s *stubStore) IncrementViewCount(ctx context.Context, id string) (*domain.Paste, error) {
	if s.incr != nil {
		return s.incr(ctx, id)
	}
	return s.RecordStore.IncrementViewCount(ctx, id)
}
