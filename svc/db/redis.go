package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"drawchain/cfg"
	"drawchain/svc/util"
)

// Redis holds cross-instance state: rate-limit counters and the share token
// revocation set.
type Redis struct {
	client  *redis.Client
	timeout time.Duration
}

func NewRedis(c *cfg.Cfg) (*Redis, error) {
	opt, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 20
	opt.MinIdleConns = 2
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := redisTLS(c.Environment)
		if err != nil {
			return nil, err
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	return &Redis{
		client:  client,
		timeout: c.RedisTimeout,
	}, nil
}
// redisTLS pins TLS 1.3 and trusts REDIS_TLS_CA_CERT, or the system pool
// when it is unset. Outside production REDIS_TLS_DEV_CA is trusted as well.
func redisTLS(environment string) (*tls.Config, error) {
	host := os.Getenv("REDIS_HOSTNAME")
	if host == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	pool, err := x509.SystemCertPool()
	if ca := os.Getenv("REDIS_TLS_CA_CERT"); ca != "" {
		pool = x509.NewCertPool()
		err = appendPEM(pool, ca)
	}
	if err != nil {
		return nil, errors.Wrap(err, "redis root CAs")
	}
	if pool == nil {
		pool = x509.NewCertPool()
	}
	if dev := os.Getenv("REDIS_TLS_DEV_CA"); dev != "" && environment != "production" {
		if err := appendPEM(pool, dev); err != nil {
			return nil, errors.Wrap(err, "redis dev CA")
		}
	}
	return &tls.Config{
		MinVersion: tls.VersionTLS13,
		ServerName: host,
		RootCAs:    pool,
	}, nil
}

func appendPEM(pool *x509.CertPool, path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if !pool.AppendCertsFromPEM(pem) {
		return errors.Errorf("%s: no certificates found", path)
	}
	return nil
}

// rateLimitScript increments a fixed-window counter unless it is already at
// the limit. A refused request reports limit+1 without touching the counter.
var rateLimitScript = redis.NewScript(`
		local current = redis.call("GET", KEYS[1])
		if current == false then
			current = 0
		else
			current = tonumber(current)
		end
		if current >= tonumber(ARGV[2]) then
			return current + 1
		end
		local new_val = redis.call("INCR", KEYS[1])
		if new_val == 1 then
			redis.call("PEXPIRE", KEYS[1], ARGV[1])
		end
		return new_val
	`)

func (r *Redis) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	usage, err := rateLimitScript.Run(ctx, r.client, []string{key}, int(window.Milliseconds()), limit).Int()
	if err != nil {
		return 0, errors.Wrap(err, "rate limit lua")
	}
	return usage, nil
}
var _ util.RevocationTracker = (*Redis)(nil)

func (r *Redis) MarkRevoked(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if tokenHash == "" {
		return errors.New("token hash cannot be empty")
	}
	if ttl <= 0 {
		return errors.New("revocation ttl must be positive")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return errors.Wrap(r.client.Set(ctx, revokedKey(tokenHash), "1", ttl).Err(), "mark revoked")
}
func (r *Redis) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	if tokenHash == "" {
		return false, errors.New("token hash cannot be empty")
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.client.Exists(ctx, revokedKey(tokenHash)).Result()
	if err != nil {
		return false, errors.Wrap(err, "check revoked")
	}
	return n > 0, nil
}
func revokedKey(tokenHash string) string {
	return "drawchain:revoked:" + tokenHash
}
func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
