package util

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"runtime"
	"time"
)

const (
	tokenRandLen = 16
	tokenTagLen  = 8
)

var (
	ErrTokenForged    = errors.New("share token signature invalid")
	ErrTokenMalformed = errors.New("share token malformed")
)

// RevocationTracker remembers revoked share tokens outside the entity store.
type RevocationTracker interface {
	MarkRevoked(ctx context.Context, tokenHash string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenHash string) (bool, error)
}

// TokenIssuer mints share tokens as random bytes followed by a truncated
// HMAC tag, so forged tokens are rejected without a store lookup.
type TokenIssuer struct {
	key []byte
}

func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if err := validateKeyEntropy(secret); err != nil {
		return nil, err
	}
	key := make([]byte, len(secret))
	copy(key, secret)
	return &TokenIssuer{key: key}, nil
}
func validateKeyEntropy(secret []byte) error {
	if len(secret) < 32 {
		return errors.New("share token key must be at least 32 bytes")
	}
	unique := make(map[byte]struct{})
	for _, b := range secret {
		unique[b] = struct{}{}
	}
	if len(unique) < 16 {
		return errors.New("share token key has insufficient entropy (too many repeating bytes)")
	}
	return nil
}
func (t *TokenIssuer) Issue() (string, error) {
	buf := make([]byte, tokenRandLen, tokenRandLen+tokenTagLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	buf = append(buf, t.tag(buf)...)
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
func (t *TokenIssuer) Verify(token string) error {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != tokenRandLen+tokenTagLen {
		return ErrTokenMalformed
	}
	if subtle.ConstantTimeCompare(raw[tokenRandLen:], t.tag(raw[:tokenRandLen])) != 1 {
		return ErrTokenForged
	}
	return nil
}
func (t *TokenIssuer) tag(random []byte) []byte {
	mac := hmac.New(sha256.New, t.key)
	mac.Write(random)
	return mac.Sum(nil)[:tokenTagLen]
}
func (t *TokenIssuer) Close() {
	Wipe(t.key)
}
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
