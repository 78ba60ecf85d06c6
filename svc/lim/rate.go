package lim

import (
	"context"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"drawchain/metrics"
	"drawchain/svc/util"
)

const (
	maxLimiters     = 10000
	cleanupInterval = 5 * time.Minute
	limiterTTL      = 30 * time.Minute
	redisBudget     = 100 * time.Millisecond
	adaptiveWindow  = 60 * time.Second
)

// Endpoint groups routes that share a budget.
type Endpoint string

const (
	EndpointRead  Endpoint = "read"
	EndpointWrite Endpoint = "write"
	EndpointShare Endpoint = "share"
)

// Counter is the cross-instance fixed-window counter, normally *db.Redis.
type Counter interface {
	RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error)
}

type Options struct {
	RPM               int
	Burst             int
	ConservativeLimit int
	TrustedProxies    []string
}

type Limiter struct {
	counter           Counter
	opts              Options
	detector          *AnomalyDetector
	adaptiveModeUntil int64
	mu                sync.Mutex
	local             map[string]*limiterEntry
	now               func() time.Time
	quit              chan struct{}
	stopOnce          sync.Once
	evictionSem       chan struct{}
}

type limiterEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	Reset     time.Time
}

// New validates the trusted proxy list and starts the background loops.
// counter may be nil, in which case only per-client local limits apply.
func New(counter Counter, opts Options) (*Limiter, error) {
	for _, proxy := range opts.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return nil, errors.Wrapf(err, "invalid CIDR in trusted proxies: %s", proxy)
			}
		} else if net.ParseIP(proxy) == nil {
			return nil, errors.Errorf("invalid IP in trusted proxies: %s", proxy)
		}
	}
	if opts.RPM < 1 {
		return nil, errors.New("rpm must be positive")
	}
	if opts.ConservativeLimit < 1 {
		opts.ConservativeLimit = opts.RPM
	}
	if opts.Burst < 1 {
		opts.Burst = 1
	}
	l := &Limiter{
		counter:     counter,
		opts:        opts,
		local:       make(map[string]*limiterEntry),
		now:         time.Now,
		quit:        make(chan struct{}),
		evictionSem: make(chan struct{}, 1),
	}
	l.detector = NewAnomalyDetector(5, l.TriggerAdaptiveMode)
	l.detector.Start()
	go l.cleanupLoop()
	return l, nil
}

func (l *Limiter) Stop() {
	l.stopOnce.Do(func() {
		close(l.quit)
		l.detector.Stop()
	})
}

func (l *Limiter) cleanupLoop() {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.evictIdle()
		case <-l.quit:
			return
		}
	}
}

func (l *Limiter) evictIdle() {
	now := l.now()
	l.mu.Lock()
	evicted := 0
	for key, entry := range l.local {
		if now.Sub(entry.lastAccess) > limiterTTL {
			delete(l.local, key)
			evicted++
		}
	}
	remaining := len(l.local)
	l.mu.Unlock()
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Int("remaining", remaining).Msg("rate limiter cleanup")
	}
}

func (l *Limiter) TriggerAdaptiveMode() {
	atomic.StoreInt64(&l.adaptiveModeUntil, l.now().Add(adaptiveWindow).Unix())
}

func (l *Limiter) adaptive() bool {
	return l.now().Unix() < atomic.LoadInt64(&l.adaptiveModeUntil)
}

func (l *Limiter) RecordRequest() { l.detector.RecordRequest() }
func (l *Limiter) RecordError()   { l.detector.RecordError() }

// budget is the per-minute allowance of an endpoint group: a quarter of base
// for writes, half for shares, halved again in adaptive mode.
func (l *Limiter) budget(ep Endpoint, base int) int {
	n := base
	switch ep {
	case EndpointWrite:
		n = base / 4
	case EndpointShare:
		n = base / 2
	}
	if l.adaptive() {
		n /= 2
	}
	return max(n, 1)
}

// Check counts one request of client against the endpoint budget. The shared
// counter is consulted first; when it is missing or unreachable the local
// per-client limiter decides.
func (l *Limiter) Check(ctx context.Context, client string, ep Endpoint) *Result {
	now := l.now()
	if l.counter != nil {
		limit := l.budget(ep, l.opts.RPM)
		cctx, cancel := context.WithTimeout(ctx, redisBudget)
		defer cancel()
		usage, err := l.counter.RateLimit(cctx, "rl:"+string(ep)+":"+client, limit, time.Minute)
		if err == nil {
			res := &Result{Allowed: usage <= limit, Limit: limit, Remaining: max(limit-usage, 0), Reset: now.Add(time.Minute)}
			if !res.Allowed {
				metrics.RateLimitHits.WithLabelValues(string(ep)).Inc()
			}
			return res
		}
		util.Warn().Err(err).Msg("shared rate limit unavailable, using local limiter")
	}
	res := l.checkLocal(client, ep)
	if !res.Allowed {
		metrics.RateLimitHits.WithLabelValues(string(ep)).Inc()
	}
	return res
}

func (l *Limiter) checkLocal(client string, ep Endpoint) *Result {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.local) >= (maxLimiters*9)/10 {
		if toEvict := len(l.local) / 10; toEvict > 0 {
			select {
			case l.evictionSem <- struct{}{}:
				go func() {
					defer func() { <-l.evictionSem }()
					l.evictOldest(toEvict)
				}()
			default:
			}
		}
	}
	limit := l.budget(ep, l.opts.ConservativeLimit)
	key := client + ":" + string(ep)
	entry, ok := l.local[key]
	if !ok {
		if len(l.local) >= maxLimiters {
			util.Warn().Int("limiters", len(l.local)).Msg("rate limiter at capacity, rejecting request")
			return &Result{Allowed: false, Limit: limit, Reset: now.Add(time.Minute)}
		}
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(float64(limit)/60.0), min(l.opts.Burst, limit))}
		l.local[key] = entry
	}
	entry.lastAccess = now
	if !entry.limiter.AllowN(now, 1) {
		return &Result{Allowed: false, Limit: limit, Reset: now.Add(time.Minute)}
	}
	return &Result{
		Allowed:   true,
		Limit:     limit,
		Remaining: max(int(entry.limiter.TokensAt(now)), 0),
		Reset:     now.Add(time.Minute),
	}
}

func (l *Limiter) evictOldest(count int) {
	type kv struct {
		key        string
		lastAccess time.Time
	}
	l.mu.Lock()
	entries := make([]kv, 0, len(l.local))
	for k, v := range l.local {
		entries = append(entries, kv{k, v.lastAccess})
	}
	l.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastAccess.Before(entries[j].lastAccess)
	})
	l.mu.Lock()
	defer l.mu.Unlock()
	evicted := 0
	for i := 0; i < count && i < len(entries); i++ {
		if _, ok := l.local[entries[i].key]; ok {
			delete(l.local, entries[i].key)
			evicted++
		}
	}
	if evicted > 0 {
		util.Debug().Int("evicted", evicted).Msg("async limiter eviction completed")
	}
}

// ClientKey identifies the caller: the owner header when present, otherwise
// the client address.
func (l *Limiter) ClientKey(r *http.Request) string {
	if owner := strings.TrimSpace(r.Header.Get("X-Owner-ID")); owner != "" {
		return "owner:" + strings.ToLower(owner)
	}
	return "ip:" + GetRealIP(r, l.opts.TrustedProxies)
}

// GetRealIP walks X-Forwarded-For from the right and returns the first hop
// that is not a trusted proxy. Headers are ignored unless the direct peer is
// trusted.
func GetRealIP(r *http.Request, trustedProxies []string) string {
	remoteIP := stripPort(r.RemoteAddr)
	if len(trustedProxies) == 0 || !isTrustedProxy(remoteIP, trustedProxies) {
		return remoteIP
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return remoteIP
	}
	const maxHops = 100
	hops := strings.Split(xff, ",")
	if len(hops) > maxHops {
		util.Warn().Int("hops", len(hops)).Str("remote", util.RedactIP(remoteIP)).Msg("XFF header excessive, truncated parsing")
		hops = hops[len(hops)-maxHops:]
	}
	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if hop == "" {
			continue
		}
		if net.ParseIP(hop) == nil {
			util.Warn().Str("ip", util.RedactIP(hop)).Msg("invalid IP in X-Forwarded-For, skipping")
			continue
		}
		if !isTrustedProxy(hop, trustedProxies) {
			return hop
		}
	}
	return remoteIP
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	parsed := net.ParseIP(ip)
	for _, proxy := range trustedProxies {
		if ip == proxy {
			return true
		}
		if strings.Contains(proxy, "/") && parsed != nil {
			if _, subnet, err := net.ParseCIDR(proxy); err == nil && subnet.Contains(parsed) {
				return true
			}
		}
	}
	return false
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
