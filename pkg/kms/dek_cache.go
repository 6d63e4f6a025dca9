package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// unwrapTimeout bounds a shared unwrap, which runs detached from any single
// caller's cancellation.
const unwrapTimeout = 10 * time.Second

type unwrapper interface {
	Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error)
}

// DEKCache keeps unwrapped data keys for a short TTL so repeated reads of the
// same paste do not each cost a KMS round trip. Concurrent misses for one key
// share a single unwrap call.
type DEKCache struct {
	entries  sync.Map
	ttl      time.Duration
	src      unwrapper
	group    singleflight.Group
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedDEK struct {
	dek       []byte
	expiresAt time.Time
}

func NewDEKCache(src unwrapper, ttl time.Duration) *DEKCache {
	c := &DEKCache{
		ttl:      ttl,
		src:      src,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

// Unwrap returns a fresh copy of the key; callers may wipe it.
func (c *DEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	stopped := c.stopped
	c.mu.Unlock()
	if stopped {
		return nil, ErrProviderUnavailable
	}

	key := cacheKey(wrapped, encContext)
	if v, ok := c.entries.Load(key); ok {
		entry := v.(*cachedDEK)
		if time.Now().Before(entry.expiresAt) {
			return clone(entry.dek), nil
		}
		c.entries.Delete(key)
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		unwrapCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), unwrapTimeout)
		defer cancel()
		dek, err := c.src.Unwrap(unwrapCtx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		c.entries.Store(key, &cachedDEK{dek: clone(dek), expiresAt: time.Now().Add(c.ttl)})
		return dek, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.([]byte)), nil
	}
}

func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func (c *DEKCache) evictionLoop() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.evictExpired(time.Now())
		}
	}
}

func (c *DEKCache) evictExpired(now time.Time) int {
	evicted := 0
	c.entries.Range(func(key, value interface{}) bool {
		if now.After(value.(*cachedDEK).expiresAt) {
			c.entries.Delete(key)
			evicted++
		}
		return true
	})
	return evicted
}

func (c *DEKCache) Len() int {
	n := 0
	c.entries.Range(func(_, _ interface{}) bool {
		n++
		return true
	})
	return n
}

// Stop wipes every cached key. Further Unwrap calls fail.
func (c *DEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.entries.Range(func(key, value interface{}) bool {
		wipeBytes(value.(*cachedDEK).dek)
		c.entries.Delete(key)
		return true
	})
}

func wipeBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
