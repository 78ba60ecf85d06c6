package svc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"drawchain/metrics"
	"drawchain/pkg/domain"
	"drawchain/pkg/kms"
	"drawchain/pkg/query"
	"drawchain/svc/store"
)

// storedConfig is the entity payload of a user_config record. The default
// passphrase is only ever stored sealed.
type storedConfig struct {
	domain.UserConfig
	SealedPassword []byte `json:"sealed_password,omitempty"`
}

func ownerContext(owner string) kms.EncryptionContext {
	return kms.EncryptionContext{"owner_id": owner}
}

// GetUserConfig returns the newest saved config, or the defaults when the
// owner has none.
func (s *Storage) GetUserConfig(ctx context.Context, owner string) (*domain.UserConfig, error) {
	if owner == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "owner required")
	}
	ents, err := s.store.Query(ctx, query.Type(typeConfig).Eq("wallet", owner))
	if err != nil {
		return nil, err
	}
	if len(ents) == 0 {
		return domain.DefaultUserConfig(owner), nil
	}
	latest := ents[0]
	for _, e := range ents[1:] {
		if e.Attributes.Num("timestamp") >= latest.Attributes.Num("timestamp") {
			latest = e
		}
	}
	var sc storedConfig
	if err := json.Unmarshal(latest.Payload, &sc); err != nil {
		return nil, errors.Wrap(err, "decode user config")
	}
	uc := sc.UserConfig
	uc.OwnerID = owner
	uc.EncryptionPassword = ""
	if len(sc.SealedPassword) > 0 {
		if s.envelope == nil {
			return nil, errors.New("user config holds a sealed passphrase but no key management provider is configured")
		}
		metrics.EncryptionOps.WithLabelValues("unseal").Inc()
		pt, err := s.envelope.Open(ctx, sc.SealedPassword, ownerContext(owner))
		if err != nil {
			return nil, errors.Wrap(domain.ErrDecryption, err.Error())
		}
		uc.EncryptionPassword = string(pt)
	}
	return &uc, nil
}

// SaveUserConfig appends the new config and drops the older records in the
// same mutation.
func (s *Storage) SaveUserConfig(ctx context.Context, owner string, uc domain.UserConfig) (*Outcome, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	if owner == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "owner required")
	}
	if uc.RetentionDays < 1 {
		return nil, domain.ErrInvalidRetention
	}
	uc.OwnerID = owner
	uc.Timestamp = s.now().UnixMilli()
	sc := storedConfig{UserConfig: uc}
	sc.EncryptionPassword = ""
	if uc.EncryptionPassword != "" {
		if s.envelope == nil {
			return nil, errors.Wrap(domain.ErrInvalidRequest, "passphrase storage needs a key management provider")
		}
		metrics.EncryptionOps.WithLabelValues("seal").Inc()
		sealed, err := s.envelope.Seal(ctx, []byte(uc.EncryptionPassword), ownerContext(owner))
		if err != nil {
			return nil, errors.Wrap(err, "seal passphrase")
		}
		sc.SealedPassword = sealed
	}
	payload, err := json.Marshal(sc)
	if err != nil {
		return nil, errors.Wrap(err, "encode user config")
	}
	prev, err := s.store.Query(ctx, query.Type(typeConfig).Eq("wallet", owner))
	if err != nil {
		return nil, err
	}
	attrs := store.NewAttributes()
	attrs.Strings["type"] = typeConfig
	attrs.Strings["wallet"] = owner
	attrs.Numbers["timestamp"] = uc.Timestamp
	m := store.Mutation{Creates: []store.Create{{
		Payload:     payload,
		ContentType: store.ContentTypeJSON,
		Attributes:  attrs,
		ExpiresIn:   s.btl.ExpirySeconds(s.cfg.UserConfigRetentionDays),
	}}}
	for _, e := range prev {
		m.Deletes = append(m.Deletes, e.Key)
	}
	return s.apply(ctx, m, "save user config")
}
