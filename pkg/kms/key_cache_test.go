package kms

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"drawchain/metrics"
)

type mockProvider struct {
	decryptFunc func(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

func (m *mockProvider) Name() string { return "mock" }
func (m *mockProvider) Encrypt(_ context.Context, plaintext, _ []byte) ([]byte, error) {
	return plaintext, nil
}
func (m *mockProvider) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if m.decryptFunc != nil {
		return m.decryptFunc(ctx, ciphertext, aad)
	}
	return ciphertext, nil
}
func (m *mockProvider) Secret(context.Context, string) (string, error) {
	return "secret", nil
}

func countingAdapter(calls *int32, delay time.Duration) *Adapter {
	return NewWithProviders(&mockProvider{
		decryptFunc: func(_ context.Context, ct, _ []byte) ([]byte, error) {
			time.Sleep(delay)
			atomic.AddInt32(calls, 1)
			return append([]byte("key-"), ct...), nil
		},
	}, nil, true)
}

func TestKeyCacheHit(t *testing.T) {
	var calls int32
	c := NewKeyCache(countingAdapter(&calls, 0), time.Hour)
	defer c.Stop()
	ctx := context.Background()
	a, err := c.Unwrap(ctx, []byte("wrapped"), nil)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	b, err := c.Unwrap(ctx, []byte("wrapped"), nil)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if string(a) != string(b) {
		t.Fatal("cache hit returned different key")
	}
	if calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", calls)
	}
}

func TestKeyCacheContextIsPartOfKey(t *testing.T) {
	var calls int32
	c := NewKeyCache(countingAdapter(&calls, 0), time.Hour)
	defer c.Stop()
	ctx := context.Background()
	_, _ = c.Unwrap(ctx, []byte("wrapped"), EncryptionContext{"owner_id": "a"})
	_, _ = c.Unwrap(ctx, []byte("wrapped"), EncryptionContext{"owner_id": "b"})
	if calls != 2 {
		t.Fatalf("expected 2 provider calls, got %d", calls)
	}
}

func TestKeyCacheExpiry(t *testing.T) {
	var calls int32
	c := NewKeyCache(countingAdapter(&calls, 0), time.Minute)
	defer c.Stop()
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	_, _ = c.Unwrap(ctx, []byte("wrapped"), nil)
	now = now.Add(2 * time.Minute)
	_, _ = c.Unwrap(ctx, []byte("wrapped"), nil)
	if calls != 2 {
		t.Fatalf("expected refetch after expiry, got %d calls", calls)
	}
	now = now.Add(10 * time.Minute)
	c.evictExpired()
	if n := c.Stats().Entries; n != 0 {
		t.Fatalf("expected eviction, %d entries left", n)
	}
}

func TestKeyCacheSweepPublishesOccupancy(t *testing.T) {
	var calls int32
	c := NewKeyCache(countingAdapter(&calls, 0), time.Minute)
	defer c.Stop()
	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }
	ctx := context.Background()
	_, _ = c.Unwrap(ctx, []byte("one"), nil)
	_, _ = c.Unwrap(ctx, []byte("two"), nil)
	now = now.Add(2 * time.Minute)
	_, _ = c.Unwrap(ctx, []byte("one"), nil)

	c.sweep()
	if got := testutil.ToFloat64(metrics.KeyCacheEntries.WithLabelValues("live")); got != 1 {
		t.Fatalf("expected 1 live key, got %v", got)
	}
	if got := testutil.ToFloat64(metrics.KeyCacheEntries.WithLabelValues("expired")); got != 0 {
		t.Fatalf("expected expired keys evicted, got %v", got)
	}
}

func TestKeyCacheSingleflight(t *testing.T) {
	var calls int32
	c := NewKeyCache(countingAdapter(&calls, 50*time.Millisecond), time.Hour)
	defer c.Stop()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Unwrap(context.Background(), []byte("wrapped"), nil); err != nil {
				t.Errorf("Unwrap: %v", err)
			}
		}()
	}
	wg.Wait()
	if calls != 1 {
		t.Fatalf("expected 1 provider call, got %d", calls)
	}
}

func TestKeyCacheErrorsNotCached(t *testing.T) {
	fail := true
	a := NewWithProviders(&mockProvider{
		decryptFunc: func(_ context.Context, ct, _ []byte) ([]byte, error) {
			if fail {
				return nil, errors.New("provider down")
			}
			return ct, nil
		},
	}, nil, true)
	c := NewKeyCache(a, time.Hour)
	defer c.Stop()
	if _, err := c.Unwrap(context.Background(), []byte("w"), nil); err == nil {
		t.Fatal("expected error")
	}
	fail = false
	if _, err := c.Unwrap(context.Background(), []byte("w"), nil); err != nil {
		t.Fatalf("unexpected error after recovery: %v", err)
	}
}

func TestKeyCacheStop(t *testing.T) {
	var calls int32
	c := NewKeyCache(countingAdapter(&calls, 0), time.Hour)
	_, _ = c.Unwrap(context.Background(), []byte("one"), nil)
	_, _ = c.Unwrap(context.Background(), []byte("two"), nil)
	if n := c.Stats().Entries; n != 2 {
		t.Fatalf("expected 2 entries, got %d", n)
	}
	c.Stop()
	if n := c.Stats().Entries; n != 0 {
		t.Fatalf("expected 0 entries after stop, got %d", n)
	}
	if _, err := c.Unwrap(context.Background(), []byte("one"), nil); !errors.Is(err, ErrProviderUnavailable) {
		t.Fatalf("expected ErrProviderUnavailable, got %v", err)
	}
}
