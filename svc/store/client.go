package store

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"drawchain/metrics"
	"drawchain/pkg/domain"
	"drawchain/pkg/query"
	"drawchain/svc/cache"
	"drawchain/svc/util"
)

// Client wraps a Backend with the write identity, a read-through cache for
// Get, per-call timeouts and latency metrics. Reads never need a signer.
type Client struct {
	backend Backend
	signer  Signer
	cache   *cache.LRU[*Entity]
	timeout time.Duration
	log     zerolog.Logger
}

func NewClient(b Backend, s Signer, c *cache.LRU[*Entity], timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		backend: b,
		signer:  s,
		cache:   c,
		timeout: timeout,
		log:     util.Component("store"),
	}
}

func (c *Client) CanWrite() bool { return c.signer != nil }

func (c *Client) Address() string {
	if c.signer == nil {
		return ""
	}
	return c.signer.Address()
}

func (c *Client) Query(ctx context.Context, p *query.Predicate) ([]Entity, error) {
	if err := p.Err(); err != nil {
		return nil, errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	res, err := c.backend.Query(ctx, p)
	observe("query", start, err)
	if err != nil {
		return nil, errors.Wrapf(err, "query %s", p)
	}
	return res, nil
}

func (c *Client) Get(ctx context.Context, key string) (*Entity, error) {
	if c.cache != nil {
		if e, ok := c.cache.Get(ctx, key); ok {
			return e, nil
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	e, err := c.backend.Get(ctx, key)
	observe("get", start, err)
	if err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.Set(key, e, e.ExpiresAt)
	}
	return e, nil
}

func (c *Client) Create(ctx context.Context, payload []byte, attrs Attributes, ttlSeconds int64, contentType string) (string, error) {
	if ttlSeconds < 1 {
		return "", errors.Wrap(domain.ErrInvalidRetention, "ttl must be at least one second")
	}
	if contentType == "" {
		contentType = ContentTypeJSON
	}
	res, err := c.Mutate(ctx, Mutation{Creates: []Create{{
		Payload:     payload,
		ContentType: contentType,
		Attributes:  attrs,
		ExpiresIn:   ttlSeconds,
	}}})
	if err != nil {
		return "", err
	}
	if len(res.CreatedKeys) != 1 {
		return "", errors.Errorf("store returned %d keys for one create", len(res.CreatedKeys))
	}
	return res.CreatedKeys[0], nil
}

func (c *Client) Delete(ctx context.Context, key string) (string, error) {
	res, err := c.Mutate(ctx, Mutation{Deletes: []string{key}})
	if err != nil {
		return "", err
	}
	if len(res.DeletedKeys) == 0 {
		return key, nil
	}
	return res.DeletedKeys[0], nil
}

// Mutate applies m atomically. Without a signer it fails with
// domain.ErrNoWriteAccess and never reaches the backend.
func (c *Client) Mutate(ctx context.Context, m Mutation) (*MutationResult, error) {
	if c.signer == nil {
		return nil, domain.ErrNoWriteAccess
	}
	if m.Empty() {
		return &MutationResult{}, nil
	}
	for _, cr := range m.Creates {
		if cr.ExpiresIn < 1 {
			return nil, errors.Wrap(domain.ErrInvalidRetention, "ttl must be at least one second")
		}
		if len(cr.Payload) > domain.MaxEntityPayload {
			return nil, errors.Wrapf(domain.ErrDocumentTooLarge, "entity payload of %d bytes", len(cr.Payload))
		}
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	start := time.Now()
	res, err := c.backend.Mutate(ctx, m, c.signer)
	observe("mutate", start, err)
	if c.cache != nil {
		for _, k := range m.Deletes {
			c.cache.Delete(k)
		}
	}
	if err != nil {
		c.log.Warn().Err(err).Int("creates", len(m.Creates)).Int("deletes", len(m.Deletes)).Msg("mutation failed")
		return nil, err
	}
	return res, nil
}

func observe(op string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
		if errors.Is(err, domain.ErrEntityNotFound) {
			status = "not_found"
		}
	}
	metrics.StoreRequestDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
