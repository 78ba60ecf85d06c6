package svc

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"drawchain/pkg/codec"
	"drawchain/pkg/domain"
	"drawchain/svc/search"
	"drawchain/svc/share"
)

type ShareParams struct {
	DocumentID string
	Owner      string
	Tier       domain.Tier
	IsPublic   bool
	TTLDays    *int
}

// CreateShare issues a share token for a document the caller owns.
func (s *Storage) CreateShare(ctx context.Context, p ShareParams) (*domain.ShareToken, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	if !s.policy.CanShare(p.Tier) {
		return nil, domain.ErrShareNotAllowed
	}
	if _, err := s.owned(ctx, p.DocumentID, p.Owner); err != nil {
		return nil, err
	}
	return s.shares.Create(ctx, share.CreateParams{
		DocumentID: p.DocumentID,
		CreatedBy:  p.Owner,
		Tier:       p.Tier,
		IsPublic:   p.IsPublic,
		TTLDays:    p.TTLDays,
	})
}

// ResolveShare returns nil for tokens that are unknown, forged, expired or
// revoked.
func (s *Storage) ResolveShare(ctx context.Context, token string) (*share.Resolved, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	return s.shares.Resolve(ctx, token)
}

func (s *Storage) ListShares(ctx context.Context, owner string) ([]domain.ShareToken, error) {
	if owner == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "owner required")
	}
	return s.shares.List(ctx, owner)
}

func (s *Storage) RevokeShare(ctx context.Context, token, owner string) error {
	if err := s.begin(); err != nil {
		return err
	}
	defer s.opWg.Done()
	return s.shares.Revoke(ctx, token, owner)
}

// Search ranks the owner's live documents. Encrypted documents take part
// through their metadata only.
func (s *Storage) Search(ctx context.Context, owner string, q search.Query) (search.Result, error) {
	docs, err := s.listLive(ctx, owner)
	if err != nil {
		return search.Result{}, err
	}
	cands := make([]search.Candidate, len(docs))
	var g errgroup.Group
	g.SetLimit(max(s.cfg.Store.WriteConcurrency, 1))
	for i, d := range docs {
		cands[i].Meta = d.meta
		if d.meta.Encrypted {
			continue
		}
		g.Go(func() error {
			content, err := d.content()
			if err != nil {
				s.log.Warn().Err(err).Str("document_id", d.meta.ID).Msg("skipping unreadable document content")
				return nil
			}
			if !codec.IsSealed(content) {
				cands[i].Content = string(content)
			}
			return nil
		})
	}
	_ = g.Wait()
	return search.Search(cands, q), nil
}
