package svc

import (
	"context"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"drawchain/metrics"
	"drawchain/pkg/chunk"
	"drawchain/pkg/codec"
	"drawchain/pkg/domain"
	"drawchain/pkg/query"
	"drawchain/svc/store"
)

// liveDoc is the newest live version of one document: a single entity, or
// its chunk entities in index order.
type liveDoc struct {
	meta      domain.DocumentMetadata
	entities  []store.Entity
	retention int
}

func (d *liveDoc) keys() []string {
	out := make([]string, len(d.entities))
	for i, e := range d.entities {
		out[i] = e.Key
	}
	return out
}

func (d *liveDoc) content() ([]byte, error) {
	if !d.meta.Chunked {
		return d.entities[0].Payload, nil
	}
	chunks := make([]domain.Chunk, 0, len(d.entities))
	for _, e := range d.entities {
		c, err := chunk.Decode(e.Payload)
		if err != nil {
			return nil, errors.Wrapf(err, "chunk %s", e.Attributes.Str("chunk_id"))
		}
		chunks = append(chunks, c)
	}
	return chunk.Reassemble(chunks)
}

// remaining is the lifetime left on the document's entities, never less
// than one block.
func (d *liveDoc) remaining(s *Storage) int64 {
	left := int64(d.meta.ExpiresAt.Sub(s.now()).Seconds())
	if left < s.btl.BlockTime() {
		return s.btl.BlockTime()
	}
	return left
}

// history is the read-time reduction of a document's event records.
type history struct {
	title     string
	titleAt   int64
	deletedAt int64
	seen      bool
}

func reduce(events []store.Entity) map[string]*history {
	out := make(map[string]*history)
	for _, e := range events {
		id := e.Attributes.Str("doc_id")
		h := out[id]
		if h == nil {
			h = &history{}
			out[id] = h
		}
		h.seen = true
		ts := e.Attributes.Num("timestamp")
		switch EventKind(e.Attributes.Str("event")) {
		case EventRename:
			if ts >= h.titleAt {
				h.title = e.Attributes.Str("title")
				h.titleAt = ts
			}
		case EventDelete:
			if ts > h.deletedAt {
				h.deletedAt = ts
			}
		}
	}
	return out
}

// apply folds the history into d. It reports false when a delete event
// hides the document.
func (h *history) apply(d *liveDoc) bool {
	if h == nil {
		return true
	}
	if h.deletedAt > 0 && h.deletedAt >= d.meta.Timestamp {
		return false
	}
	if h.title != "" && h.titleAt >= d.meta.Timestamp {
		d.meta.Title = h.title
	}
	return true
}

func metaOf(e store.Entity) domain.DocumentMetadata {
	a := e.Attributes
	return domain.DocumentMetadata{
		ID:        a.Str("id"),
		Title:     a.Str("title"),
		Author:    a.Str("author"),
		Owner:     a.Str("wallet"),
		Timestamp: a.Num("timestamp"),
		Version:   int(a.Num("version")),
		StoreKey:  e.Key,
		SizeKB:    int(a.Num("size_kb")),
		Encrypted: a.Num("encrypted") == 1,
		ExpiresAt: e.ExpiresAt,
	}
}

// pickLive chooses the newest version among whole and chunk entities of one
// document id. Chunk metadata comes from the lexicographically first chunk.
func pickLive(whole, chunks []store.Entity) *liveDoc {
	var best *liveDoc
	for _, e := range whole {
		m := metaOf(e)
		if best == nil || m.Version > best.meta.Version || (m.Version == best.meta.Version && m.Timestamp >= best.meta.Timestamp) {
			best = &liveDoc{meta: m, entities: []store.Entity{e}, retention: int(e.Attributes.Num("retention_days"))}
		}
	}
	if len(chunks) == 0 {
		return best
	}
	byVersion := make(map[int64][]store.Entity)
	var top int64 = -1
	for _, e := range chunks {
		v := e.Attributes.Num("version")
		byVersion[v] = append(byVersion[v], e)
		if v > top {
			top = v
		}
	}
	if best != nil && int64(best.meta.Version) >= top {
		return best
	}
	group := byVersion[top]
	sort.SliceStable(group, func(i, j int) bool {
		return group[i].Attributes.Str("chunk_id") < group[j].Attributes.Str("chunk_id")
	})
	seen := make(map[int64]bool, len(group))
	ents := make([]store.Entity, 0, len(group))
	for _, e := range group {
		idx := e.Attributes.Num("chunk_index")
		if seen[idx] {
			continue
		}
		seen[idx] = true
		ents = append(ents, e)
	}
	m := metaOf(ents[0])
	m.Chunked = true
	m.TotalChunks = int(ents[0].Attributes.Num("total_chunks"))
	for _, e := range ents[1:] {
		if e.ExpiresAt.Before(m.ExpiresAt) {
			m.ExpiresAt = e.ExpiresAt
		}
	}
	return &liveDoc{meta: m, entities: ents, retention: int(ents[0].Attributes.Num("retention_days"))}
}

type lookup struct {
	whole  []store.Entity
	chunks []store.Entity
	events []store.Entity
}

// fetch runs the three queries a document's state depends on in parallel.
func (s *Storage) fetch(ctx context.Context, attr, value string) (*lookup, error) {
	var l lookup
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		l.whole, err = s.store.Query(gctx, query.Type(typeDocument).Eq(attr, value))
		return err
	})
	g.Go(func() (err error) {
		l.chunks, err = s.store.Query(gctx, query.Type(typeChunk).Eq(attr, value))
		return err
	})
	g.Go(func() (err error) {
		evAttr := attr
		if attr == "id" {
			evAttr = "doc_id"
		}
		l.events, err = s.store.Query(gctx, query.Type(typeEvent).Eq(evAttr, value))
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &l, nil
}

// resolve finds the live document or explains its absence: a delete event or
// no trace at all is ErrDocumentNotFound, any other evidence is
// ErrDocumentExpired.
func (s *Storage) resolve(ctx context.Context, id string) (*liveDoc, error) {
	if id == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "document id required")
	}
	l, err := s.fetch(ctx, "id", id)
	if err != nil {
		return nil, err
	}
	h := reduce(l.events)[id]
	if d := pickLive(l.whole, l.chunks); d != nil && h.apply(d) {
		return d, nil
	}
	switch {
	case h != nil && h.deletedAt > 0:
		metrics.ImportMisses.WithLabelValues("deleted").Inc()
		return nil, errors.Wrap(domain.ErrDocumentNotFound, id)
	case h != nil && h.seen:
		metrics.ImportMisses.WithLabelValues("expired").Inc()
		return nil, errors.Wrap(domain.ErrDocumentExpired, id)
	}
	metrics.ImportMisses.WithLabelValues("unknown").Inc()
	return nil, errors.Wrap(domain.ErrDocumentNotFound, id)
}

func (s *Storage) owned(ctx context.Context, id, owner string) (*liveDoc, error) {
	if owner == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "owner required")
	}
	d, err := s.resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.meta.Owner != owner {
		return nil, errors.Wrap(domain.ErrAuthorization, "document belongs to another owner")
	}
	return d, nil
}

func (s *Storage) load(ctx context.Context, id string) (*domain.Document, *liveDoc, error) {
	d, err := s.resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	content, err := d.content()
	if err != nil {
		return nil, nil, err
	}
	return &domain.Document{
		ID:        d.meta.ID,
		Title:     d.meta.Title,
		Author:    d.meta.Author,
		Content:   content,
		Timestamp: d.meta.Timestamp,
		Version:   d.meta.Version,
		Encrypted: codec.IsSealed(content),
	}, d, nil
}

type ImportParams struct {
	ID         string
	Requester  string
	Passphrase string
}

// Import returns the document with plaintext content. Encrypted documents
// need a passphrase; the owner's saved default is used when the requester
// owns the document and supplied none.
func (s *Storage) Import(ctx context.Context, p ImportParams) (*domain.Document, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	doc, d, err := s.load(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if doc.Encrypted {
		pass := p.Passphrase
		if pass == "" && p.Requester != "" && p.Requester == d.meta.Owner {
			uc, err := s.GetUserConfig(ctx, d.meta.Owner)
			if err != nil {
				return nil, errors.Wrap(err, "resolve default passphrase")
			}
			pass = uc.EncryptionPassword
		}
		if pass == "" {
			return nil, domain.ErrPassphraseRequired
		}
		metrics.EncryptionOps.WithLabelValues("decrypt").Inc()
		pt, err := s.codec.Decrypt(doc.Content, pass)
		if err != nil {
			return nil, err
		}
		doc.Content = pt
		doc.Encrypted = false
	}
	metrics.DocumentsImported.Inc()
	return doc, nil
}

// LoadShared returns the document as stored; encrypted content stays sealed
// for the share recipient to open.
func (s *Storage) LoadShared(ctx context.Context, id string) (*domain.Document, error) {
	doc, _, err := s.load(ctx, id)
	return doc, err
}

func (s *Storage) listLive(ctx context.Context, owner string) ([]*liveDoc, error) {
	if owner == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "owner required")
	}
	l, err := s.fetch(ctx, "wallet", owner)
	if err != nil {
		return nil, err
	}
	whole := groupBy(l.whole)
	chunks := groupBy(l.chunks)
	hist := reduce(l.events)
	ids := make(map[string]struct{}, len(whole)+len(chunks))
	for id := range whole {
		ids[id] = struct{}{}
	}
	for id := range chunks {
		ids[id] = struct{}{}
	}
	out := make([]*liveDoc, 0, len(ids))
	for id := range ids {
		d := pickLive(whole[id], chunks[id])
		if d == nil || !hist[id].apply(d) {
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].meta.Timestamp != out[j].meta.Timestamp {
			return out[i].meta.Timestamp > out[j].meta.Timestamp
		}
		return out[i].meta.ID < out[j].meta.ID
	})
	return out, nil
}

// List reports the owner's live documents, whole and chunked, newest first.
func (s *Storage) List(ctx context.Context, owner string) ([]domain.DocumentMetadata, error) {
	docs, err := s.listLive(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]domain.DocumentMetadata, len(docs))
	for i, d := range docs {
		out[i] = d.meta
	}
	return out, nil
}

func groupBy(ents []store.Entity) map[string][]store.Entity {
	out := make(map[string][]store.Entity)
	for _, e := range ents {
		id := e.Attributes.Str("id")
		out[id] = append(out[id], e)
	}
	return out
}
