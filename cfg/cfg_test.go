package cfg

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.StoreDriver != DriverSQLite {
		t.Errorf("StoreDriver = %s, want sqlite", c.StoreDriver)
	}
	if c.MaxPasteSize != 512*1024 {
		t.Errorf("MaxPasteSize = %d", c.MaxPasteSize)
	}
	if c.TestMode {
		t.Error("TestMode must default to false")
	}
	if err := Validate(c); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MAX_PASTE_SIZE", "64KiB")
	t.Setenv("BASE_URL", "https://paste.example.com/")
	t.Setenv("TEST_MODE", "1")
	t.Setenv("CLEANUP_INTERVAL", "0s")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.MaxPasteSize != 64*1024 {
		t.Errorf("MaxPasteSize = %d, want 65536", c.MaxPasteSize)
	}
	if c.BaseURL != "https://paste.example.com" {
		t.Errorf("BaseURL should be trimmed, got %s", c.BaseURL)
	}
	if !c.TestMode {
		t.Error("TEST_MODE=1 should enable test mode")
	}
	if c.CleanupInterval != 0 {
		t.Errorf("CleanupInterval = %v", c.CleanupInterval)
	}
}

func TestLoadFileWithEnvPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pastelite.toml")
	body := `
port = 9090
allowed_origins = ["https://a.example", "https://b.example"]

[store]
driver = "redis"

[redis]
url = "redis://cache:6379/0"
timeout = "2s"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("REDIS_TIMEOUT", "3s")
	c, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if c.Port != "9090" {
		t.Errorf("Port = %s, want 9090", c.Port)
	}
	if c.StoreDriver != DriverRedis || c.RedisURL != "redis://cache:6379/0" {
		t.Errorf("store settings not read from file: %s %s", c.StoreDriver, c.RedisURL)
	}
	if c.RedisTimeout != 3*time.Second {
		t.Errorf("env should win over file, RedisTimeout = %v", c.RedisTimeout)
	}
	if len(c.AllowedOrigins) != 2 {
		t.Errorf("AllowedOrigins = %v", c.AllowedOrigins)
	}
	if err := Validate(c); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadFileMissing(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.toml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func validCfg() *Cfg {
	return &Cfg{
		Port:               "8080",
		Environment:        "development",
		BaseURL:            "http://localhost:8080",
		StoreDriver:        DriverSQLite,
		DatabasePath:       "pastelite.db",
		DBMaxOpenConns:     4,
		DBQueryTimeout:     time.Second,
		ContextTimeout:     time.Second,
		MaxPasteSize:       1024,
		MaxTTL:             time.Hour,
		TombstoneCacheSize: 10,
		KEKCacheTTL:        10 * time.Minute,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Cfg)
		wantErr string
	}{
		{"valid", func(c *Cfg) {}, ""},
		{"bad port", func(c *Cfg) { c.Port = "http" }, "PORT"},
		{"relative base url", func(c *Cfg) { c.BaseURL = "/p" }, "BASE_URL"},
		{"unknown driver", func(c *Cfg) { c.StoreDriver = "mongo" }, "STORE_DRIVER"},
		{"postgres without dsn", func(c *Cfg) { c.StoreDriver = DriverPostgres }, "DATABASE_URL"},
		{"postgres with secret name", func(c *Cfg) {
			c.StoreDriver = DriverPostgres
			c.DatabaseURLSecret = "pastelite/dsn"
		}, ""},
		{"redis bad scheme", func(c *Cfg) {
			c.StoreDriver = DriverRedis
			c.RedisURL = "http://x"
		}, "REDIS_URL"},
		{"huge paste size", func(c *Cfg) { c.MaxPasteSize = 11 * 1024 * 1024 }, "MAX_PASTE_SIZE"},
		{"bad proxy", func(c *Cfg) { c.TrustedProxies = []string{"10.0.0.0/99"} }, "TRUSTED_PROXIES"},
		{"test mode in production", func(c *Cfg) {
			c.Environment = "production"
			c.TestMode = true
		}, "TEST_MODE"},
		{"production without metrics auth", func(c *Cfg) { c.Environment = "production" }, "METRICS_USER"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validCfg()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error mentioning %s", err, tt.wantErr)
			}
		})
	}
}

func TestSecretRedacted(t *testing.T) {
	s := NewSecret("hunter2")
	if s.String() == "hunter2" {
		t.Error("Secret.String must not reveal the value")
	}
	s.Wipe()
	if s.Value() == "hunter2" {
		t.Error("Wipe should clear the value")
	}
}
