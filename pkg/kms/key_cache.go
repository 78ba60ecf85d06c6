package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"drawchain/metrics"
)

// KeyCache holds unwrapped data keys so repeated reads of the same sealed
// value do not round-trip to the provider. Concurrent misses for the same
// wrapped key collapse into one provider call.
type KeyCache struct {
	entries  sync.Map
	ttl      time.Duration
	adapter  *Adapter
	group    singleflight.Group
	now      func() time.Time
	stopChan chan struct{}
	stopped  bool
	mu       sync.Mutex
}

type cachedKey struct {
	key       []byte
	expiresAt time.Time
	mu        sync.RWMutex
}

type CacheStats struct {
	Entries int
	Expired int
}

func NewKeyCache(adapter *Adapter, ttl time.Duration) *KeyCache {
	c := &KeyCache{
		ttl:      ttl,
		adapter:  adapter,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}
	go c.evictionLoop()
	return c
}

func (c *KeyCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	id := cacheKey(wrapped, encContext)
	v, err, _ := c.group.Do(id, func() (interface{}, error) {
		if cached, ok := c.entries.Load(id); ok {
			entry := cached.(*cachedKey)
			entry.mu.RLock()
			live := c.now().Before(entry.expiresAt) && entry.key != nil
			var out []byte
			if live {
				out = append([]byte(nil), entry.key...)
			}
			entry.mu.RUnlock()
			if live {
				return out, nil
			}
			c.entries.Delete(id)
		}
		key, err := c.adapter.Decrypt(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		c.entries.Store(id, &cachedKey{
			key:       append([]byte(nil), key...),
			expiresAt: c.now().Add(c.ttl).Add(jitter(id, c.ttl/10)),
		})
		return key, nil
	})
	if err != nil {
		return nil, err
	}
	// callers wipe what they get back; shared singleflight results must not alias
	return append([]byte(nil), v.([]byte)...), nil
}
func cacheKey(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

// jitter spreads expiry of keys cached at the same moment.
func jitter(id string, max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	var sum int64
	for i := 0; i < len(id) && i < 16; i++ {
		sum += int64(id[i])
	}
	return time.Duration(sum*int64(time.Millisecond)) % max
}

func (c *KeyCache) evictionLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopChan:
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// sweep evicts expired keys and publishes what is left.
func (c *KeyCache) sweep() {
	c.evictExpired()
	st := c.Stats()
	metrics.KeyCacheEntries.WithLabelValues("live").Set(float64(st.Entries - st.Expired))
	metrics.KeyCacheEntries.WithLabelValues("expired").Set(float64(st.Expired))
}
func (c *KeyCache) evictExpired() {
	now := c.now()
	c.entries.Range(func(k, v interface{}) bool {
		entry := v.(*cachedKey)
		entry.mu.Lock()
		if now.After(entry.expiresAt) {
			wipe(entry.key)
			entry.key = nil
			c.entries.Delete(k)
		}
		entry.mu.Unlock()
		return true
	})
}

func (c *KeyCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.stopChan)
	c.mu.Unlock()

	c.entries.Range(func(k, v interface{}) bool {
		entry := v.(*cachedKey)
		entry.mu.Lock()
		wipe(entry.key)
		entry.key = nil
		entry.mu.Unlock()
		c.entries.Delete(k)
		return true
	})
}

func (c *KeyCache) Stats() CacheStats {
	var stats CacheStats
	now := c.now()
	c.entries.Range(func(_, v interface{}) bool {
		stats.Entries++
		entry := v.(*cachedKey)
		entry.mu.RLock()
		if now.After(entry.expiresAt) {
			stats.Expired++
		}
		entry.mu.RUnlock()
		return true
	})
	return stats
}
func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
