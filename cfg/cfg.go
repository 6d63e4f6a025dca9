package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	units "github.com/docker/go-units"
	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

type Cfg struct {
	Port               string
	Environment        string
	LogLevel           string
	BaseURL            string
	StoreDriver        string
	DatabasePath       string
	DatabaseURL        Secret
	DatabaseURLSecret  string
	RedisURL           string
	RedisTLS           bool
	RedisUsername      string
	RedisPassword      Secret
	RedisTimeout       time.Duration
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBQueryTimeout     time.Duration
	ContextTimeout     time.Duration
	ShutdownTimeout    time.Duration
	MaxPasteSize       int64
	MaxTTL             time.Duration
	TombstoneCacheSize int
	CleanupInterval    time.Duration
	SealContent        bool
	KEKCacheTTL        time.Duration
	TestMode           bool
	AllowedOrigins     []string
	TrustedProxies     []string
	MetricsUser        string
	MetricsPass        Secret
}

// source resolves a key from the environment first, then the optional config
// file, then the built-in default.
type source struct {
	file map[string]string
}

// Load reads CONFIG_FILE (TOML) when set and overlays the environment on top.
// Keys in the file map to env names: `port` -> PORT, `[store] driver` -> STORE_DRIVER.
func Load() (*Cfg, error) {
	src := &source{file: map[string]string{}}
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		vals, err := loadFile(path)
		if err != nil {
			return nil, err
		}
		src.file = vals
	}
	return src.load()
}

func (src *source) load() (*Cfg, error) {
	c := &Cfg{}
	var err error
	c.Port = src.get("PORT", "8080")
	c.Environment = src.get("ENVIRONMENT", "development")
	c.LogLevel = src.get("LOG_LEVEL", "info")
	c.BaseURL = strings.TrimRight(src.get("BASE_URL", "http://localhost:"+c.Port), "/")
	c.StoreDriver = strings.ToLower(src.get("STORE_DRIVER", DriverSQLite))
	c.DatabasePath = src.get("DATABASE_PATH", "pastelite.db")
	c.DatabaseURL = NewSecret(src.get("DATABASE_URL", ""))
	c.DatabaseURLSecret = src.get("DATABASE_URL_SECRET", "")
	c.RedisURL = src.get("REDIS_URL", "")
	c.RedisTLS = src.getBool("REDIS_TLS", false)
	c.RedisUsername = src.get("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(src.get("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = src.getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.DBMaxOpenConns, err = src.getInt("DB_MAX_OPEN_CONNS", 16); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = src.getInt("DB_MAX_IDLE_CONNS", 4); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = src.getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.ContextTimeout, err = src.getDuration("CONTEXT_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.ShutdownTimeout, err = src.getDuration("SHUTDOWN_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.MaxPasteSize, err = src.getSize("MAX_PASTE_SIZE", 512*1024); err != nil {
		return nil, err
	}
	if c.MaxTTL, err = src.getDuration("MAX_TTL", 10*365*24*time.Hour); err != nil {
		return nil, err
	}
	if c.TombstoneCacheSize, err = src.getInt("TOMBSTONE_CACHE_SIZE", 10000); err != nil {
		return nil, err
	}
	if c.CleanupInterval, err = src.getDuration("CLEANUP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	c.SealContent = src.getBool("SEAL_CONTENT", true)
	if c.KEKCacheTTL, err = src.getDuration("KEK_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	c.TestMode = src.getBool("TEST_MODE", false)
	c.AllowedOrigins = src.getSlice("ALLOWED_ORIGINS", []string{"*"})
	c.TrustedProxies = src.getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = src.get("METRICS_USER", "")
	c.MetricsPass = NewSecret(src.get("METRICS_PASS", ""))
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.New("BASE_URL must be an absolute http(s) URL")
	}
	switch c.StoreDriver {
	case DriverSQLite:
		if c.DatabasePath == "" {
			return errors.New("DATABASE_PATH is required for the sqlite store")
		}
	case DriverPostgres:
		if c.DatabaseURL.Value() == "" && c.DatabaseURLSecret == "" {
			return errors.New("DATABASE_URL or DATABASE_URL_SECRET is required for the postgres store")
		}
	case DriverRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for the redis store")
		}
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}
	if c.DBQueryTimeout <= 0 || c.ContextTimeout <= 0 {
		return errors.New("DB_QUERY_TIMEOUT and CONTEXT_TIMEOUT must be positive")
	}
	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.MaxTTL < time.Second {
		return errors.New("MAX_TTL must be at least 1s")
	}
	if c.TombstoneCacheSize <= 0 {
		return errors.New("TOMBSTONE_CACHE_SIZE must be positive")
	}
	if c.CleanupInterval < 0 {
		return errors.New("CLEANUP_INTERVAL cannot be negative")
	}
	if c.KEKCacheTTL < time.Minute || c.KEKCacheTTL > time.Hour {
		return errors.New("KEK_CACHE_TTL must be between 1m and 1h")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
		}
	}
	if c.Environment == "production" {
		if c.TestMode {
			return errors.New("TEST_MODE cannot be enabled in production")
		}
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	return nil
}

func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}

func loadFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config file %s", path)
	}
	var raw map[string]any
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parse config file %s", path)
	}
	out := make(map[string]string)
	flatten("", raw, out)
	return out, nil
}

func flatten(prefix string, in map[string]any, out map[string]string) {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		name := strings.ToUpper(k)
		if prefix != "" {
			name = prefix + "_" + name
		}
		switch v := in[k].(type) {
		case map[string]any:
			flatten(name, v, out)
		case []any:
			parts := make([]string, 0, len(v))
			for _, p := range v {
				parts = append(parts, fmt.Sprint(p))
			}
			out[name] = strings.Join(parts, ",")
		default:
			out[name] = fmt.Sprint(v)
		}
	}
}

func (src *source) get(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	if v, ok := src.file[key]; ok {
		return v
	}
	return fallback
}
func (src *source) getBool(key string, fallback bool) bool {
	switch strings.ToLower(src.get(key, "")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return fallback
}
func (src *source) getInt(key string, fallback int) (int, error) {
	s := src.get(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}

// getSize accepts plain byte counts or human sizes such as 512KiB.
func (src *source) getSize(key string, fallback int64) (int64, error) {
	s := src.get(key, "")
	if s == "" {
		return fallback, nil
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v, nil
	}
	v, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size for %s: %w", key, err)
	}
	return v, nil
}
func (src *source) getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := src.get(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func (src *source) getSlice(key string, fallback []string) []string {
	s := src.get(key, "")
	if s == "" {
		return fallback
	}
	var result []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
