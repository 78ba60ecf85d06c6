// Package share manages share tokens: creation, resolution with a best-effort
// access counter, listing and revocation through marker records.
package share

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"drawchain/metrics"
	"drawchain/pkg/btl"
	"drawchain/pkg/domain"
	"drawchain/pkg/query"
	"drawchain/pkg/tier"
	"drawchain/svc/store"
	"drawchain/svc/util"
)

const (
	TypeToken   = "share_token"
	TypeRevoked = "token_revoked"
)

type Store interface {
	Query(ctx context.Context, p *query.Predicate) ([]store.Entity, error)
	Mutate(ctx context.Context, m store.Mutation) (*store.MutationResult, error)
}

// Loader fetches the shared document on behalf of an anonymous caller.
type Loader interface {
	LoadShared(ctx context.Context, documentID string) (*domain.Document, error)
}

type Options struct {
	DefaultDays int
	MarkerDays  int
	BTL         btl.Calculator
}

type Manager struct {
	store   Store
	loader  Loader
	policy  *tier.Policy
	issuer  *util.TokenIssuer
	revoked util.RevocationTracker
	opts    Options
	now     func() time.Time
	log     zerolog.Logger
}

// New builds a manager. revoked may be nil; the token_revoked marker in the
// entity store is authoritative either way.
func New(s Store, loader Loader, policy *tier.Policy, issuer *util.TokenIssuer, revoked util.RevocationTracker, opts Options) *Manager {
	if opts.DefaultDays <= 0 {
		opts.DefaultDays = 30
	}
	if opts.MarkerDays <= 0 {
		opts.MarkerDays = 30
	}
	return &Manager{
		store:   s,
		loader:  loader,
		policy:  policy,
		issuer:  issuer,
		revoked: revoked,
		opts:    opts,
		now:     time.Now,
		log:     util.Component("share"),
	}
}

func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

type CreateParams struct {
	DocumentID string
	CreatedBy  string
	Tier       domain.Tier
	IsPublic   bool
	TTLDays    *int
}

type Resolved struct {
	Token    domain.ShareToken `json:"token"`
	Document *domain.Document  `json:"document"`
}

type record struct {
	key   string
	token domain.ShareToken
	upd   int64
}

func (m *Manager) Create(ctx context.Context, p CreateParams) (*domain.ShareToken, error) {
	if !m.policy.CanShare(p.Tier) {
		return nil, domain.ErrShareNotAllowed
	}
	if p.DocumentID == "" || p.CreatedBy == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "document id and creator required")
	}
	tok, err := m.issuer.Issue()
	if err != nil {
		return nil, errors.Wrap(err, "issue token")
	}
	now := m.now()
	st := domain.ShareToken{
		Token:      tok,
		DocumentID: p.DocumentID,
		CreatedBy:  p.CreatedBy,
		IsPublic:   p.IsPublic,
		CreatedAt:  now.UnixMilli(),
	}
	days := m.opts.DefaultDays
	if p.TTLDays != nil {
		if *p.TTLDays < 1 {
			return nil, errors.Wrap(domain.ErrInvalidRetention, "share ttl must be at least one day")
		}
		days = *p.TTLDays
		st.ExpiresAt = now.Add(time.Duration(days) * 24 * time.Hour).UnixMilli()
	}
	if _, err := m.write(ctx, st, now, m.opts.BTL.ExpirySeconds(days), ""); err != nil {
		return nil, err
	}
	m.log.Info().Str("document_id", p.DocumentID).Str("created_by", util.RedactOwner(p.CreatedBy)).Msg("share token created")
	return &st, nil
}

// Resolve returns the shared document, or nil when the token is forged,
// unknown, expired or revoked.
func (m *Manager) Resolve(ctx context.Context, token string) (*Resolved, error) {
	if err := m.issuer.Verify(token); err != nil {
		metrics.ShareResolves.WithLabelValues("forged").Inc()
		return nil, nil
	}
	hash := util.HashToken(token)
	rec, err := m.latest(ctx, hash)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		metrics.ShareResolves.WithLabelValues("unknown").Inc()
		return nil, nil
	}
	now := m.now()
	if rec.token.Expired(now) {
		metrics.ShareResolves.WithLabelValues("expired").Inc()
		return nil, nil
	}
	revoked, err := m.isRevoked(ctx, hash)
	if err != nil {
		return nil, err
	}
	if revoked {
		metrics.ShareResolves.WithLabelValues("revoked").Inc()
		return nil, nil
	}
	doc, err := m.loader.LoadShared(ctx, rec.token.DocumentID)
	if err != nil {
		return nil, err
	}

	next := rec.token
	next.AccessCount++
	ttl := m.remainingSeconds(next, now)
	if _, err := m.write(ctx, next, now, ttl, rec.key); err != nil {
		m.log.Warn().Err(err).Str("document_id", next.DocumentID).Msg("access count update failed")
	}
	metrics.ShareResolves.WithLabelValues("ok").Inc()
	return &Resolved{Token: next, Document: doc}, nil
}

func (m *Manager) List(ctx context.Context, createdBy string) ([]domain.ShareToken, error) {
	ents, err := m.store.Query(ctx, query.Type(TypeToken).Eq("created_by", createdBy))
	if err != nil {
		return nil, err
	}
	latest := make(map[string]record)
	for _, e := range ents {
		r, err := decode(e)
		if err != nil {
			m.log.Warn().Err(err).Str("key", e.Key).Msg("skipping undecodable share token")
			continue
		}
		h := e.Attributes.Str("token")
		if cur, ok := latest[h]; !ok || r.upd > cur.upd || (r.upd == cur.upd && r.token.AccessCount > cur.token.AccessCount) {
			latest[h] = r
		}
	}
	now := m.now()
	out := make([]domain.ShareToken, 0, len(latest))
	for _, r := range latest {
		if r.token.Expired(now) {
			continue
		}
		out = append(out, r.token)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt > out[j].CreatedAt
		}
		return out[i].Token < out[j].Token
	})
	return out, nil
}

// Revoke writes a token_revoked marker that outlives the token, then drops
// the live token records. The marker alone blocks resolution, so failing to
// delete a record only leaves it to expire.
func (m *Manager) Revoke(ctx context.Context, token, requester string) error {
	if err := m.issuer.Verify(token); err != nil {
		return errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	hash := util.HashToken(token)
	ents, err := m.store.Query(ctx, query.Type(TypeToken).Eq("token", hash))
	if err != nil {
		return err
	}
	if len(ents) == 0 {
		return errors.Wrap(domain.ErrEntityNotFound, "share token")
	}
	var rec *record
	for _, e := range ents {
		r, err := decode(e)
		if err != nil {
			continue
		}
		if rec == nil || r.upd > rec.upd {
			rec = &r
		}
	}
	if rec == nil {
		return errors.Wrap(domain.ErrEntityNotFound, "share token")
	}
	if rec.token.CreatedBy != requester {
		return errors.Wrap(domain.ErrAuthorization, "only the creator can revoke a share token")
	}
	now := m.now()
	ttl := m.remainingSeconds(rec.token, now)
	if rec.token.ExpiresAt == 0 {
		ttl = m.opts.BTL.ExpirySeconds(m.opts.MarkerDays)
	}
	payload, err := json.Marshal(map[string]interface{}{
		"token":      hash,
		"revoked_by": requester,
		"timestamp":  now.UnixMilli(),
	})
	if err != nil {
		return err
	}
	attrs := store.NewAttributes()
	attrs.Strings["type"] = TypeRevoked
	attrs.Strings["token"] = hash
	attrs.Strings["revoked_by"] = requester
	attrs.Numbers["timestamp"] = now.UnixMilli()
	if _, err := m.store.Mutate(ctx, store.Mutation{
		Creates: []store.Create{{Payload: payload, ContentType: store.ContentTypeJSON, Attributes: attrs, ExpiresIn: ttl}},
	}); err != nil {
		return err
	}
	if m.revoked != nil {
		if err := m.revoked.MarkRevoked(ctx, hash, time.Duration(ttl)*time.Second); err != nil {
			m.log.Warn().Err(err).Msg("revocation cache update failed")
		}
	}
	m.dropRecords(ctx, hash)
	m.log.Info().Str("document_id", rec.token.DocumentID).Msg("share token revoked")
	return nil
}

// dropRecords deletes the live records of a revoked token one by one. A
// concurrent access-count rewrite may already have replaced a key, so it
// re-reads the records first and ignores keys that are gone.
func (m *Manager) dropRecords(ctx context.Context, hash string) {
	ents, err := m.store.Query(ctx, query.Type(TypeToken).Eq("token", hash))
	if err != nil {
		m.log.Warn().Err(err).Msg("revoked token records not cleaned up")
		return
	}
	for _, e := range ents {
		_, err := m.store.Mutate(ctx, store.Mutation{Deletes: []string{e.Key}})
		if err != nil && !errors.Is(err, domain.ErrEntityNotFound) {
			m.log.Warn().Err(err).Str("key", e.Key).Msg("revoked token record not deleted")
		}
	}
}

func (m *Manager) isRevoked(ctx context.Context, hash string) (bool, error) {
	if m.revoked != nil {
		ok, err := m.revoked.IsRevoked(ctx, hash)
		if err == nil && ok {
			return true, nil
		}
		if err != nil {
			m.log.Warn().Err(err).Msg("revocation cache unavailable, checking store")
		}
	}
	markers, err := m.store.Query(ctx, query.Type(TypeRevoked).Eq("token", hash))
	if err != nil {
		return false, err
	}
	return len(markers) > 0, nil
}

func (m *Manager) latest(ctx context.Context, hash string) (*record, error) {
	ents, err := m.store.Query(ctx, query.Type(TypeToken).Eq("token", hash))
	if err != nil {
		return nil, err
	}
	var best *record
	for _, e := range ents {
		r, err := decode(e)
		if err != nil {
			m.log.Warn().Err(err).Str("key", e.Key).Msg("skipping undecodable share token")
			continue
		}
		if best == nil || r.upd > best.upd || (r.upd == best.upd && r.token.AccessCount > best.token.AccessCount) {
			best = &r
		}
	}
	return best, nil
}

// remainingSeconds is the store lifetime left for a token record: until its
// expiry when it has one, else the default share lifetime.
func (m *Manager) remainingSeconds(t domain.ShareToken, now time.Time) int64 {
	if t.ExpiresAt == 0 {
		return m.opts.BTL.ExpirySeconds(m.opts.DefaultDays)
	}
	left := (t.ExpiresAt - now.UnixMilli() + 999) / 1000
	if left < m.opts.BTL.BlockTime() {
		left = m.opts.BTL.BlockTime()
	}
	return left
}

// write stores t as a new record, deleting replace in the same mutation.
func (m *Manager) write(ctx context.Context, t domain.ShareToken, now time.Time, ttl int64, replace string) (string, error) {
	payload, err := json.Marshal(t)
	if err != nil {
		return "", err
	}
	attrs := store.NewAttributes()
	attrs.Strings["type"] = TypeToken
	attrs.Strings["token"] = util.HashToken(t.Token)
	attrs.Strings["document_id"] = t.DocumentID
	attrs.Strings["created_by"] = t.CreatedBy
	attrs.Numbers["is_public"] = boolNum(t.IsPublic)
	attrs.Numbers["created_at"] = t.CreatedAt
	attrs.Numbers["expires_at"] = t.ExpiresAt
	attrs.Numbers["access_count"] = t.AccessCount
	attrs.Numbers["updated_at"] = now.UnixMilli()
	mu := store.Mutation{Creates: []store.Create{{Payload: payload, ContentType: store.ContentTypeJSON, Attributes: attrs, ExpiresIn: ttl}}}
	if replace != "" {
		mu.Deletes = []string{replace}
	}
	res, err := m.store.Mutate(ctx, mu)
	if err != nil {
		return "", err
	}
	if len(res.CreatedKeys) == 0 {
		return "", errors.New("store created no share token record")
	}
	return res.CreatedKeys[0], nil
}

func decode(e store.Entity) (record, error) {
	var t domain.ShareToken
	if err := json.Unmarshal(e.Payload, &t); err != nil {
		return record{}, errors.Wrap(err, "decode share token")
	}
	return record{key: e.Key, token: t, upd: e.Attributes.Num("updated_at")}, nil
}

func boolNum(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
