// Package store talks to the entity store: a size-limited, append-mostly
// key/value ledger whose entities carry flat attributes and expire after a
// block-count lifetime.
package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"time"

	"github.com/pkg/errors"

	"drawchain/pkg/query"
)

const ContentTypeJSON = "application/json"

type Attributes struct {
	Strings map[string]string `json:"string_attributes,omitempty"`
	Numbers map[string]int64  `json:"numeric_attributes,omitempty"`
}

func NewAttributes() Attributes {
	return Attributes{Strings: map[string]string{}, Numbers: map[string]int64{}}
}
func (a Attributes) String(k string) (string, bool) {
	v, ok := a.Strings[k]
	return v, ok
}
func (a Attributes) Number(k string) (int64, bool) {
	v, ok := a.Numbers[k]
	return v, ok
}
func (a Attributes) Str(k string) string {
	return a.Strings[k]
}
func (a Attributes) Num(k string) int64 {
	return a.Numbers[k]
}
func (a Attributes) Clone() Attributes {
	out := NewAttributes()
	for k, v := range a.Strings {
		out.Strings[k] = v
	}
	for k, v := range a.Numbers {
		out.Numbers[k] = v
	}
	return out
}

var _ query.Attrs = Attributes{}

type Entity struct {
	Key         string
	Owner       string
	Payload     []byte
	ContentType string
	Attributes  Attributes
	ExpiresAt   time.Time
}

// Create describes one entity to write. ExpiresIn is in seconds.
type Create struct {
	Payload     []byte     `json:"payload"`
	ContentType string     `json:"content_type"`
	Attributes  Attributes `json:"attributes"`
	ExpiresIn   int64      `json:"expires_in"`
}

// Mutation is applied atomically by the store.
type Mutation struct {
	Creates []Create `json:"creates,omitempty"`
	Deletes []string `json:"deletes,omitempty"`
}

func (m Mutation) Empty() bool { return len(m.Creates) == 0 && len(m.Deletes) == 0 }

type MutationResult struct {
	CreatedKeys []string `json:"created"`
	DeletedKeys []string `json:"deleted"`
}

type Backend interface {
	Query(ctx context.Context, p *query.Predicate) ([]Entity, error)
	Get(ctx context.Context, key string) (*Entity, error)
	Mutate(ctx context.Context, m Mutation, s Signer) (*MutationResult, error)
}

// Signer is the write identity. Entities created under a signer are owned by
// its address and may only be deleted by it.
type Signer interface {
	Address() string
	Sign(payload []byte) ([]byte, error)
}

type HMACSigner struct {
	address string
	key     []byte
}

func NewHMACSigner(address string, key []byte) (*HMACSigner, error) {
	if address == "" {
		return nil, errors.New("signer address required")
	}
	if len(key) < 32 {
		return nil, errors.New("signer key must be at least 32 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &HMACSigner{address: address, key: k}, nil
}
func (s *HMACSigner) Address() string { return s.address }
func (s *HMACSigner) Sign(payload []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return mac.Sum(nil), nil
}
