package cfg

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
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
	Port                    string
	Environment             string
	LogLevel                string
	Store                   StoreCfg
	Retry                   RetryCfg
	RedisURL                string
	RedisTLS                bool
	RedisUsername           string
	RedisPassword           Secret
	RedisTimeout            time.Duration
	LRUCacheSize            int
	Argon2Time              uint32
	Argon2Memory            uint32
	Argon2Parallelism       uint8
	RateLimit               RateLimitCfg
	MaxDocumentSize         int64
	EvidenceGraceDays       int
	ShareTokenDefaultDays   int
	RevocationMarkerDays    int
	UserConfigRetentionDays int
	ReadBack                bool
	TrustedProxies          []string
	MetricsUser             string
	MetricsPass             Secret
	ContextTimeout          time.Duration
	AllowedOrigins          []string
	DBMaxOpenConns          int
	DBMaxIdleConns          int
	DBQueryTimeout          time.Duration
	KMSCacheTTL             time.Duration
}

type StoreCfg struct {
	RPCURL           string
	Timeout          time.Duration
	SignerAddress    string
	SignerFromKMS    bool
	BlockTimeSeconds int64
	CeilingBytes     int
	WriteConcurrency int
	ChunkBatchSize   int
}

type RetryCfg struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	Workers        int
	JournalPath    string
}

type RateLimitCfg struct {
	RPM               int
	Burst             int
	ConservativeLimit int
}

func Load() (*Cfg, error) {
	c := &Cfg{}
	c.Port = getEnv("PORT", "8080")
	c.Environment = getEnv("ENVIRONMENT", "development")
	c.LogLevel = getEnv("LOG_LEVEL", "info")
	c.Store.RPCURL = getEnv("STORE_RPC_URL", "")
	c.Store.SignerAddress = getEnv("STORE_SIGNER_ADDRESS", "")
	c.Store.SignerFromKMS = getEnv("STORE_SIGNER_FROM_KMS", "true") == "true"
	var err error
	if c.Store.Timeout, err = getDuration("STORE_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if c.Store.BlockTimeSeconds, err = getInt64("BLOCK_TIME_SECONDS", 2); err != nil {
		return nil, err
	}
	if c.Store.CeilingBytes, err = getInt("ENTITY_CEILING_BYTES", 100*1024); err != nil {
		return nil, err
	}
	if c.Store.WriteConcurrency, err = getInt("CHUNK_WRITE_CONCURRENCY", 4); err != nil {
		return nil, err
	}
	if c.Store.ChunkBatchSize, err = getInt("CHUNK_BATCH_SIZE", 1); err != nil {
		return nil, err
	}
	if c.Retry.MaxRetries, err = getInt("RETRY_MAX_RETRIES", 3); err != nil {
		return nil, err
	}
	if c.Retry.BaseDelay, err = getDuration("RETRY_BASE_DELAY", 1*time.Second); err != nil {
		return nil, err
	}
	if c.Retry.MaxDelay, err = getDuration("RETRY_MAX_DELAY", 2*time.Minute); err != nil {
		return nil, err
	}
	if c.Retry.Jitter, err = getFloat("RETRY_JITTER", 0.1); err != nil {
		return nil, err
	}
	if c.Retry.PollInterval, err = getDuration("RETRY_POLL_INTERVAL", 500*time.Millisecond); err != nil {
		return nil, err
	}
	if c.Retry.AttemptTimeout, err = getDuration("RETRY_ATTEMPT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	if c.Retry.Workers, err = getInt("RETRY_WORKERS", 4); err != nil {
		return nil, err
	}
	c.Retry.JournalPath = getEnv("RETRY_JOURNAL_PATH", "")
	c.RedisURL = getEnv("REDIS_URL", "")
	c.RedisTLS = getEnv("REDIS_TLS", "false") == "true"
	c.RedisUsername = getEnv("REDIS_USERNAME", "")
	c.RedisPassword = NewSecret(getEnv("REDIS_PASSWORD", ""))
	if c.RedisTimeout, err = getDuration("REDIS_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.LRUCacheSize, err = getInt("LRU_CACHE_SIZE", 1000); err != nil {
		return nil, err
	}
	if c.Argon2Time, err = getUint32("ARGON2_TIME", 3); err != nil {
		return nil, err
	}
	if c.Argon2Memory, err = getUint32("ARGON2_MEMORY", 64*1024); err != nil {
		return nil, err
	}
	p, err := getUint32("ARGON2_PARALLELISM", 2)
	if err != nil {
		return nil, err
	}
	if p > 255 {
		return nil, errors.New("ARGON2_PARALLELISM must be <= 255")
	}
	c.Argon2Parallelism = uint8(p)
	if c.RateLimit.RPM, err = getInt("RATE_LIMIT_RPM", 120); err != nil {
		return nil, err
	}
	if c.RateLimit.Burst, err = getInt("RATE_LIMIT_BURST", 20); err != nil {
		return nil, err
	}
	if c.RateLimit.ConservativeLimit, err = getInt("RATE_LIMIT_CONSERVATIVE", 30); err != nil {
		return nil, err
	}
	if c.MaxDocumentSize, err = getInt64("MAX_DOCUMENT_SIZE", 10*1024*1024); err != nil {
		return nil, err
	}
	if c.EvidenceGraceDays, err = getInt("EVIDENCE_GRACE_DAYS", 30); err != nil {
		return nil, err
	}
	if c.ShareTokenDefaultDays, err = getInt("SHARE_TOKEN_DEFAULT_DAYS", 30); err != nil {
		return nil, err
	}
	if c.RevocationMarkerDays, err = getInt("REVOCATION_MARKER_DAYS", 30); err != nil {
		return nil, err
	}
	if c.UserConfigRetentionDays, err = getInt("USER_CONFIG_RETENTION_DAYS", 365); err != nil {
		return nil, err
	}
	c.ReadBack = getEnv("READ_BACK", "true") == "true"
	c.TrustedProxies = getSlice("TRUSTED_PROXIES", []string{})
	c.MetricsUser = getEnv("METRICS_USER", "")
	c.MetricsPass = NewSecret(getEnv("METRICS_PASS", ""))
	if c.ContextTimeout, err = getDuration("CONTEXT_TIMEOUT", 30*time.Second); err != nil {
		return nil, err
	}
	c.AllowedOrigins = getSlice("ALLOWED_ORIGINS", []string{})
	if c.DBMaxOpenConns, err = getInt("DB_MAX_OPEN_CONNS", 4); err != nil {
		return nil, err
	}
	if c.DBMaxIdleConns, err = getInt("DB_MAX_IDLE_CONNS", 2); err != nil {
		return nil, err
	}
	if c.DBQueryTimeout, err = getDuration("DB_QUERY_TIMEOUT", 5*time.Second); err != nil {
		return nil, err
	}
	if c.KMSCacheTTL, err = getDuration("KMS_CACHE_TTL", 10*time.Minute); err != nil {
		return nil, err
	}
	return c, nil
}
func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}
	if c.Store.RPCURL != "" {
		u, err := url.Parse(c.Store.RPCURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return errors.New("STORE_RPC_URL must be an http(s) URL")
		}
	} else if c.Environment == "production" {
		return errors.New("STORE_RPC_URL is required in production")
	}
	if c.Store.Timeout < time.Second {
		return errors.New("STORE_TIMEOUT must be at least 1s")
	}
	if c.Store.BlockTimeSeconds < 1 {
		return errors.New("BLOCK_TIME_SECONDS must be positive")
	}
	// the protocol maximum is 128 KiB; keep a safety margin below it
	if c.Store.CeilingBytes < 1024 || c.Store.CeilingBytes >= 128*1024 {
		return errors.New("ENTITY_CEILING_BYTES must be in [1024, 131072)")
	}
	if c.Store.WriteConcurrency < 1 || c.Store.WriteConcurrency > 32 {
		return errors.New("CHUNK_WRITE_CONCURRENCY must be in [1, 32]")
	}
	if c.Store.ChunkBatchSize < 1 || c.Store.ChunkBatchSize > 16 {
		return errors.New("CHUNK_BATCH_SIZE must be in [1, 16]")
	}
	if c.Retry.MaxRetries < 0 || c.Retry.MaxRetries > 20 {
		return errors.New("RETRY_MAX_RETRIES must be in [0, 20]")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return errors.New("RETRY_JITTER must be in [0, 1]")
	}
	if c.Retry.PollInterval <= 0 {
		return errors.New("RETRY_POLL_INTERVAL must be positive")
	}
	if c.Retry.Workers < 1 {
		return errors.New("RETRY_WORKERS must be positive")
	}
	if c.Retry.JournalPath != "" {
		if err := withinWorkDir(c.Retry.JournalPath); err != nil {
			return err
		}
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.LRUCacheSize <= 0 {
		return errors.New("LRU_CACHE_SIZE must be positive")
	}
	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be >= 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.RateLimit.RPM <= 0 {
		return errors.New("RATE_LIMIT_RPM must be positive")
	}
	if c.MaxDocumentSize <= 0 {
		return errors.New("MAX_DOCUMENT_SIZE must be positive")
	}
	if c.MaxDocumentSize > 64*1024*1024 {
		return errors.New("MAX_DOCUMENT_SIZE cannot exceed 64MB")
	}
	if c.EvidenceGraceDays < 1 {
		return errors.New("EVIDENCE_GRACE_DAYS must be at least 1")
	}
	if c.ShareTokenDefaultDays < 1 || c.RevocationMarkerDays < 1 || c.UserConfigRetentionDays < 1 {
		return errors.New("SHARE_TOKEN_DEFAULT_DAYS, REVOCATION_MARKER_DAYS and USER_CONFIG_RETENTION_DAYS must be positive")
	}
	for _, proxy := range c.TrustedProxies {
		if strings.Contains(proxy, "/") {
			if _, _, err := net.ParseCIDR(proxy); err != nil {
				return fmt.Errorf("invalid CIDR in TRUSTED_PROXIES: %s", proxy)
			}
		} else {
			if net.ParseIP(proxy) == nil {
				return fmt.Errorf("invalid IP in TRUSTED_PROXIES: %s", proxy)
			}
		}
	}
	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Value() == "" {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
	}
	if c.KMSCacheTTL < 1*time.Minute {
		return errors.New("KMS_CACHE_TTL must be at least 1 minute")
	}
	if c.KMSCacheTTL > 1*time.Hour {
		return errors.New("KMS_CACHE_TTL should not exceed 1 hour (security risk)")
	}
	return nil
}
func withinWorkDir(path string) error {
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("invalid RETRY_JOURNAL_PATH: %w", err)
	}
	if !strings.HasPrefix(absPath, absWorkDir+string(filepath.Separator)) && absPath != absWorkDir {
		return fmt.Errorf("RETRY_JOURNAL_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}
func (c *Cfg) Wipe() {
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
}
func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}
func getInt(key string, fallback int) (int, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getInt64(key string, fallback int64) (int64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid integer for %s: %w", key, err)
	}
	return v, nil
}
func getUint32(key string, fallback uint32) (uint32, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid uint32 for %s: %w", key, err)
	}
	return uint32(v), nil
}
func getFloat(key string, fallback float64) (float64, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number for %s: %w", key, err)
	}
	return v, nil
}
func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	s := getEnv(key, "")
	if s == "" {
		return fallback, nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %w", key, err)
	}
	return v, nil
}
func getSlice(key string, fallback []string) []string {
	s := getEnv(key, "")
	if s == "" {
		return fallback
	}
	parts := strings.Split(s, ",")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
