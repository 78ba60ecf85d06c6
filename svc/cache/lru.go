package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"

	"drawchain/metrics"
)

// LRU is a bounded cache whose entries also carry an absolute expiry, so a
// cached entity is never served past the moment the store stops serving it.
type LRU[V any] struct {
	c   *lru.Cache[string, item[V]]
	mu  sync.Mutex
	now func() time.Time
}
type item[V any] struct {
	val V
	exp time.Time
}

func NewLRU[V any](size int) (*LRU[V], error) {
	if size <= 0 {
		return nil, errors.New("cache size must be positive")
	}
	if size > 100000 {
		return nil, errors.New("cache size too large")
	}
	c, err := lru.New[string, item[V]](size)
	if err != nil {
		return nil, err
	}
	return &LRU[V]{c: c, now: time.Now}, nil
}

// WithClock replaces the expiry clock.
func (l *LRU[V]) WithClock(now func() time.Time) *LRU[V] {
	l.now = now
	return l
}
func (l *LRU[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V
	if ctx.Err() != nil {
		return zero, false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(key)
	if !ok {
		metrics.CacheMisses.Inc()
		return zero, false
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(key)
		metrics.CacheMisses.Inc()
		return zero, false
	}
	metrics.CacheHits.Inc()
	return it.val, true
}

// Set stores v until exp. Entries already expired are not stored.
func (l *LRU[V]) Set(key string, v V, exp time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.now().Before(exp) {
		l.c.Remove(key)
		return
	}
	l.c.Add(key, item[V]{val: v, exp: exp})
}
func (l *LRU[V]) Delete(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.c.Remove(key)
}
func (l *LRU[V]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
