package kms

import (
	"bytes"
	"context"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("kms provider unavailable")
	ErrDecryptionFailed    = errors.New("decryption failed")
	ErrSecretNotFound      = errors.New("secret not found")
)

// EncryptionContext is bound to ciphertext as additional authenticated data.
// Keys are serialized in sorted order.
type EncryptionContext map[string]string

type Provider interface {
	Name() string
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	Secret(ctx context.Context, key string) (string, error)
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
	timeout        time.Duration
}

// NewAdapter picks Vault, then AWS KMS as primary provider. The local key
// provider is only a fallback and is refused when KMS_REQUIRE_PRIMARY=true.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.EqualFold(os.Getenv("KMS_REQUIRE_PRIMARY"), "true")
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		if ap, err := newAWSProvider(ctx); err == nil {
			primary = ap
		}
	}
	if !requirePrimary && primary == nil {
		if key := os.Getenv("KMS_LOCAL_KEY"); key != "" {
			ep, err := newEnvProvider(key)
			if err != nil {
				return nil, errors.Wrap(err, "init env provider")
			}
			fallback = ep
		}
	}
	if primary == nil && fallback == nil {
		if requirePrimary {
			return nil, errors.New("KMS_REQUIRE_PRIMARY=true but neither Vault nor AWS KMS is reachable")
		}
		return nil, errors.New("no KMS providers available (checked Vault, AWS KMS, env)")
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     os.Getenv("KMS_FAIL_CLOSED") != "false",
		requirePrimary: requirePrimary,
		timeout:        10 * time.Second,
	}, nil
}

// NewWithProviders builds an adapter around explicit providers.
func NewWithProviders(primary, fallback Provider, failClosed bool) *Adapter {
	return &Adapter{primary: primary, fallback: fallback, failClosed: failClosed, timeout: 10 * time.Second}
}

func (a *Adapter) ProviderName() string {
	if a.primary != nil {
		return a.primary.Name()
	}
	if a.fallback != nil {
		return a.fallback.Name()
	}
	return "none"
}

func (a *Adapter) Encrypt(ctx context.Context, plaintext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return route(a, "encrypt", func(p Provider) ([]byte, error) {
		return p.Encrypt(ctx, plaintext, aad)
	})
}

func (a *Adapter) Decrypt(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	aad := serializeEncryptionContext(encContext)
	return route(a, "decrypt", func(p Provider) ([]byte, error) {
		return p.Decrypt(ctx, ciphertext, aad)
	})
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	v, err := route(a, "get secret", func(p Provider) (string, error) {
		s, err := p.Secret(ctx, key)
		if err == nil && s == "" {
			return "", errors.Wrap(ErrSecretNotFound, key)
		}
		return s, err
	})
	return v, err
}

func route[T any](a *Adapter, op string, fn func(Provider) (T, error)) (T, error) {
	var zero T
	if a.primary != nil {
		v, err := fn(a.primary)
		if err == nil {
			return v, nil
		}
		if a.requirePrimary {
			return zero, errors.Wrapf(err, "primary kms %s failed (KMS_REQUIRE_PRIMARY=true)", op)
		}
		if a.failClosed || a.fallback == nil {
			return zero, errors.Wrapf(err, "kms %s failed", op)
		}
	}
	if a.fallback != nil {
		return fn(a.fallback)
	}
	return zero, ErrProviderUnavailable
}

func serializeEncryptionContext(ec EncryptionContext) []byte {
	if len(ec) == 0 {
		return nil
	}
	keys := make([]string, 0, len(ec))
	for k := range ec {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf bytes.Buffer
	for _, k := range keys {
		buf.WriteString(k)
		buf.WriteByte('=')
		buf.WriteString(ec[k])
		buf.WriteByte(';')
	}
	return buf.Bytes()
}
func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
