package svc

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"drawchain/metrics"
	"drawchain/pkg/codec"
	"drawchain/pkg/domain"
	"drawchain/svc/store"
)

// EventKind names a diagram_event record. The store cannot update entities
// in place, so every change after export is an appended event keyed by the
// document id and reduced at read time.
type EventKind string

const (
	EventRename    EventKind = "rename"
	EventRetention EventKind = "btl_change"
	EventProtect   EventKind = "protect"
	EventDelete    EventKind = "delete"
)

type docEvent struct {
	Event         EventKind `json:"event"`
	DocumentID    string    `json:"doc_id"`
	Owner         string    `json:"wallet"`
	Title         string    `json:"title,omitempty"`
	RetentionDays int       `json:"retention_days,omitempty"`
	Timestamp     int64     `json:"timestamp"`
}

// event builds the record for ev. It outlives the document by the evidence
// grace period so an expired document can still be told apart from one that
// never existed.
func (s *Storage) event(ev docEvent, docTTL int64) (store.Create, error) {
	ev.Timestamp = s.now().UnixMilli()
	payload, err := json.Marshal(ev)
	if err != nil {
		return store.Create{}, errors.Wrap(err, "encode event")
	}
	attrs := store.NewAttributes()
	attrs.Strings["type"] = typeEvent
	attrs.Strings["doc_id"] = ev.DocumentID
	attrs.Strings["event"] = string(ev.Event)
	attrs.Strings["wallet"] = ev.Owner
	attrs.Numbers["timestamp"] = ev.Timestamp
	if ev.Title != "" {
		attrs.Strings["title"] = ev.Title
	}
	if ev.RetentionDays > 0 {
		attrs.Numbers["retention_days"] = int64(ev.RetentionDays)
	}
	return store.Create{
		Payload:     payload,
		ContentType: store.ContentTypeJSON,
		Attributes:  attrs,
		ExpiresIn:   docTTL + s.btl.ExpirySeconds(s.cfg.EvidenceGraceDays),
	}, nil
}

// Delete records a delete event and removes the live entities in the same
// mutation.
func (s *Storage) Delete(ctx context.Context, id, owner string) (*Outcome, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	d, err := s.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	ev, err := s.event(docEvent{Event: EventDelete, DocumentID: id, Owner: owner}, d.remaining(s))
	if err != nil {
		return nil, err
	}
	out, err := s.apply(ctx, store.Mutation{Creates: []store.Create{ev}, Deletes: d.keys()}, "delete "+id)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("document_id", id).Int("entities", len(d.entities)).Msg("document deleted")
	return out, nil
}

func (s *Storage) Rename(ctx context.Context, id, owner, title string) (*Outcome, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	title = sanitizeTitle(title)
	if title == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "title required")
	}
	d, err := s.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	ev, err := s.event(docEvent{Event: EventRename, DocumentID: id, Owner: owner, Title: title}, d.remaining(s))
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, store.Mutation{Creates: []store.Create{ev}}, "rename "+id)
}

// ChangeRetention rewrites the document's entities with a lifetime of days
// (clamped to the tier maximum) and deletes the old ones.
func (s *Storage) ChangeRetention(ctx context.Context, id, owner string, t domain.Tier, days int) (*Outcome, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	if days < 1 {
		return nil, domain.ErrInvalidRetention
	}
	days = s.policy.ClampRetention(t, days)
	d, err := s.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	ttl := s.btl.ExpirySeconds(days)
	m := store.Mutation{Deletes: d.keys()}
	for _, e := range d.entities {
		attrs := e.Attributes.Clone()
		attrs.Numbers["retention_days"] = int64(days)
		attrs.Strings["title"] = d.meta.Title
		m.Creates = append(m.Creates, store.Create{Payload: e.Payload, ContentType: e.ContentType, Attributes: attrs, ExpiresIn: ttl})
	}
	ev, err := s.event(docEvent{Event: EventRetention, DocumentID: id, Owner: owner, RetentionDays: days}, ttl)
	if err != nil {
		return nil, err
	}
	m.Creates = append(m.Creates, ev)
	out, err := s.apply(ctx, m, "change retention "+id)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("document_id", id).Int("retention_days", days).Msg("retention changed")
	return out, nil
}

// Protect encrypts a plaintext document in place: the ciphertext is written
// as the next version under the remaining lifetime and the plaintext
// entities are deleted.
func (s *Storage) Protect(ctx context.Context, id, owner string, t domain.Tier, passphrase string) (*Outcome, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	if !s.policy.CanEncrypt(t) {
		return nil, errors.Wrapf(domain.ErrAuthorization, "%s tier cannot encrypt documents", t)
	}
	if passphrase == "" {
		return nil, domain.ErrPassphraseRequired
	}
	d, err := s.owned(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	content, err := d.content()
	if err != nil {
		return nil, err
	}
	if codec.IsSealed(content) {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "document is already encrypted")
	}
	metrics.EncryptionOps.WithLabelValues("encrypt").Inc()
	sealed, err := s.codec.Encrypt(content, passphrase)
	if err != nil {
		return nil, errors.Wrap(err, "encrypt document")
	}
	next := domain.Document{
		ID:        d.meta.ID,
		Title:     d.meta.Title,
		Author:    d.meta.Author,
		Timestamp: d.meta.Timestamp,
		Version:   d.meta.Version + 1,
	}
	ttl := d.remaining(s)
	creates, _, err := s.creates(next, owner, sealed, d.meta.SizeKB, true, d.retention, ttl)
	if err != nil {
		return nil, err
	}
	ev, err := s.event(docEvent{Event: EventProtect, DocumentID: id, Owner: owner}, ttl)
	if err != nil {
		return nil, err
	}
	out, err := s.apply(ctx, store.Mutation{Creates: append(creates, ev), Deletes: d.keys()}, "protect "+id)
	if err != nil {
		return nil, err
	}
	s.log.Info().Str("document_id", id).Int("version", next.Version).Msg("document protected")
	return out, nil
}
