package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strconv"
	"time"

	"pastelite/cfg"
	"pastelite/pkg/domain"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix = "paste:"
	// redisGrace keeps dead records around briefly past their end of life so
	// clock skew between app and redis never removes a still-visible paste.
	redisGrace = time.Minute
)

// Records are hashes: body, dek, fmt, created, expires, max, views. Absent
// optional fields mean null.
var (
	createScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 1 then
			return 0
		end
		redis.call("HSET", KEYS[1], unpack(ARGV, 2))
		if ARGV[1] ~= "" then
			redis.call("PEXPIREAT", KEYS[1], ARGV[1])
		end
		return 1
	`)
	incrScript = redis.NewScript(`
		if redis.call("EXISTS", KEYS[1]) == 0 then
			return -1
		end
		local max = redis.call("HGET", KEYS[1], "max")
		if max and tonumber(redis.call("HGET", KEYS[1], "views")) >= tonumber(max) then
			return -2
		end
		local views = redis.call("HINCRBY", KEYS[1], "views", 1)
		if max and views >= tonumber(max) then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return redis.call("HGETALL", KEYS[1])
	`)
)

type Redis struct {
	client  *redis.Client
	cb      *breaker
	timeout time.Duration
}

func NewRedis(ctx context.Context, c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.Environment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	r := newRedis(redis.NewClient(opt), c.RedisTimeout)
	if err := r.Ping(ctx); err != nil {
		r.client.Close()
		return nil, err
	}
	return r, nil
}

func newRedis(client *redis.Client, timeout time.Duration) *Redis {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Redis{client: client, cb: newBreaker(), timeout: timeout}
}

func buildRedisTLSConfig(env string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}
	if host := os.Getenv("REDIS_HOSTNAME"); host != "" {
		tlsConfig.ServerName = host
	}
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read Redis CA cert: %w", err)
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, fmt.Errorf("failed to load system cert pool: %w", err)
		}
		tlsConfig.RootCAs = systemPool
	}
	if env != "production" {
		if devCertPath := os.Getenv("REDIS_TLS_DEV_CA"); devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, fmt.Errorf("failed to read dev CA cert: %w", err)
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, fmt.Errorf("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}

func redisKey(id string) string {
	return redisKeyPrefix + id
}

func (r *Redis) Create(ctx context.Context, p *domain.Paste) error {
	if err := r.cb.check(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	var expireAt string
	if p.ExpiresAt != nil {
		expireAt = strconv.FormatInt(toMillis(p.ExpiresAt.Add(redisGrace)), 10)
	}
	args := []interface{}{
		expireAt,
		"body", p.Body,
		"fmt", p.Format,
		"created", toMillis(p.CreatedAt),
		"views", p.ViewCount,
	}
	if len(p.WrappedDEK) > 0 {
		args = append(args, "dek", p.WrappedDEK)
	}
	if p.ExpiresAt != nil {
		args = append(args, "expires", toMillis(*p.ExpiresAt))
	}
	if p.MaxViews != nil {
		args = append(args, "max", *p.MaxViews)
	}
	created, err := createScript.Run(ctx, r.client, []string{redisKey(p.ID)}, args...).Int()
	if err == nil && created == 0 {
		err = ErrIDTaken
	}
	r.cb.record(err)
	if err == ErrIDTaken {
		return err
	}
	return errors.Wrap(err, "redis create")
}

func (r *Redis) Get(ctx context.Context, id string) (*domain.Paste, error) {
	if err := r.cb.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	fields, err := r.client.HGetAll(ctx, redisKey(id)).Result()
	r.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "redis get")
	}
	if len(fields) == 0 {
		return nil, domain.ErrPasteNotFound
	}
	return decodeRedisPaste(id, fields)
}

// IncrementViewCount runs the ceiling check, the HINCRBY, and the read-back in
// one Lua script, which redis executes without interleaving other commands.
func (r *Redis) IncrementViewCount(ctx context.Context, id string) (*domain.Paste, error) {
	if err := r.cb.check(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	res, err := incrScript.Run(ctx, r.client, []string{redisKey(id)}, redisGrace.Milliseconds()).Result()
	r.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "redis increment view count")
	}
	switch v := res.(type) {
	case int64:
		if v == -1 {
			return nil, domain.ErrPasteNotFound
		}
		return nil, ErrViewsExhausted
	case []interface{}:
		fields := make(map[string]string, len(v)/2)
		for i := 0; i+1 < len(v); i += 2 {
			k, _ := v[i].(string)
			val, _ := v[i+1].(string)
			fields[k] = val
		}
		return decodeRedisPaste(id, fields)
	default:
		return nil, errors.Errorf("redis increment view count: unexpected reply %T", res)
	}
}

func decodeRedisPaste(id string, fields map[string]string) (*domain.Paste, error) {
	p := &domain.Paste{ID: id, Body: []byte(fields["body"])}
	if dek, ok := fields["dek"]; ok {
		p.WrappedDEK = []byte(dek)
	}
	var err error
	if p.Format, err = strconv.Atoi(fields["fmt"]); err != nil {
		return nil, errors.Wrap(err, "decode fmt")
	}
	if p.ViewCount, err = strconv.Atoi(fields["views"]); err != nil {
		return nil, errors.Wrap(err, "decode views")
	}
	created, err := strconv.ParseInt(fields["created"], 10, 64)
	if err != nil {
		return nil, errors.Wrap(err, "decode created")
	}
	p.CreatedAt = fromMillis(created)
	if s, ok := fields["expires"]; ok {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, errors.Wrap(err, "decode expires")
		}
		t := fromMillis(ms)
		p.ExpiresAt = &t
	}
	if s, ok := fields["max"]; ok {
		mv, err := strconv.Atoi(s)
		if err != nil {
			return nil, errors.Wrap(err, "decode max")
		}
		p.MaxViews = &mv
	}
	return p, nil
}

// CleanupExpired is a no-op: keys carry PEXPIREAT/PEXPIRE and redis evicts
// them itself.
func (r *Redis) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	return 0, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "redis ping")
	}
	return nil
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
