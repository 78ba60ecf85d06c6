package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"drawchain/pkg/domain"
	"drawchain/pkg/query"
)

// Memory is an in-process entity store. It backs development mode and tests,
// honoring entity expiry through an injectable clock.
type Memory struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	seq      map[string]int64
	next     int64
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		entities: make(map[string]*Entity),
		seq:      make(map[string]int64),
		now:      time.Now,
	}
}

func (m *Memory) WithClock(now func() time.Time) *Memory {
	m.now = now
	return m
}

func (m *Memory) Query(ctx context.Context, p *query.Predicate) ([]Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := p.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := m.now()
	var out []Entity
	for _, e := range m.entities {
		if !now.Before(e.ExpiresAt) {
			continue
		}
		if p.Matches(e.Attributes) {
			out = append(out, copyEntity(e))
		}
	}
	// store order is insertion order
	sort.Slice(out, func(i, j int) bool { return m.seq[out[i].Key] < m.seq[out[j].Key] })
	return out, nil
}

func (m *Memory) Get(ctx context.Context, key string) (*Entity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entities[key]
	if !ok || !m.now().Before(e.ExpiresAt) {
		return nil, errors.Wrap(domain.ErrEntityNotFound, key)
	}
	c := copyEntity(e)
	return &c, nil
}

func (m *Memory) Mutate(ctx context.Context, mu Mutation, s Signer) (*MutationResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil {
		return nil, domain.ErrNoWriteAccess
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for _, k := range mu.Deletes {
		e, ok := m.entities[k]
		if !ok || !now.Before(e.ExpiresAt) {
			return nil, errors.Wrap(domain.ErrEntityNotFound, k)
		}
		if e.Owner != s.Address() {
			return nil, errors.Wrapf(domain.ErrAuthorization, "entity %s is owned by another signer", k)
		}
	}
	for _, c := range mu.Creates {
		if len(c.Payload) > domain.MaxEntityPayload {
			return nil, errors.Errorf("payload of %d bytes exceeds entity maximum", len(c.Payload))
		}
		if c.ExpiresIn < 1 {
			return nil, errors.New("expires_in must be positive")
		}
	}
	res := &MutationResult{}
	for _, k := range mu.Deletes {
		delete(m.entities, k)
		delete(m.seq, k)
		res.DeletedKeys = append(res.DeletedKeys, k)
	}
	for _, c := range mu.Creates {
		key := "0x" + uuid.NewString()
		m.next++
		m.seq[key] = m.next
		m.entities[key] = &Entity{
			Key:         key,
			Owner:       s.Address(),
			Payload:     append([]byte(nil), c.Payload...),
			ContentType: c.ContentType,
			Attributes:  c.Attributes.Clone(),
			ExpiresAt:   now.Add(time.Duration(c.ExpiresIn) * time.Second),
		}
		res.CreatedKeys = append(res.CreatedKeys, key)
	}
	return res, nil
}

// Len counts live entities.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	now := m.now()
	for _, e := range m.entities {
		if now.Before(e.ExpiresAt) {
			n++
		}
	}
	return n
}

func copyEntity(e *Entity) Entity {
	c := *e
	c.Payload = append([]byte(nil), e.Payload...)
	c.Attributes = e.Attributes.Clone()
	return c
}
