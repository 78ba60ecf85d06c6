package svc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/text/unicode/norm"

	"drawchain/metrics"
	"drawchain/pkg/chunk"
	"drawchain/pkg/codec"
	"drawchain/pkg/domain"
	"drawchain/pkg/query"
	"drawchain/svc/retry"
	"drawchain/svc/store"
)

const (
	maxTitleRunes = 200
	defaultTitle  = "Untitled"
)

var errReadBackMismatch = errors.New("read-back payload mismatch")

type ExportStatus string

const (
	StatusStored      ExportStatus = "stored"
	StatusPending     ExportStatus = "pending"
	StatusNeedsSigner ExportStatus = "needs_signer"
)

type ExportParams struct {
	Document      domain.Document
	Owner         string
	Tier          domain.Tier
	RetentionDays *int
	Passphrase    string
	Encrypt       bool
}

type ExportResult struct {
	Status        ExportStatus    `json:"status"`
	DocumentID    string          `json:"document_id"`
	Version       int             `json:"version"`
	StoreKey      string          `json:"store_key,omitempty"`
	Keys          []string        `json:"keys,omitempty"`
	Chunked       bool            `json:"chunked"`
	TotalChunks   int             `json:"total_chunks,omitempty"`
	Encrypted     bool            `json:"encrypted"`
	RetentionDays int             `json:"retention_days"`
	OperationID   string          `json:"operation_id,omitempty"`
	Unsigned      *store.Mutation `json:"unsigned_mutation,omitempty"`
}

// writePlan is the prepared write of one document version, content already
// encrypted. Retries replay it, so it never holds a passphrase.
type writePlan struct {
	DocumentID string         `json:"document_id"`
	Version    int            `json:"version"`
	Chunked    bool           `json:"chunked"`
	Encrypted  bool           `json:"encrypted"`
	Retention  int            `json:"retention_days"`
	Digest     string         `json:"content_hash,omitempty"`
	Creates    []store.Create `json:"creates"`
}

func (p *writePlan) result(status ExportStatus) *ExportResult {
	r := &ExportResult{
		Status:        status,
		DocumentID:    p.DocumentID,
		Version:       p.Version,
		Chunked:       p.Chunked,
		Encrypted:     p.Encrypted,
		RetentionDays: p.Retention,
	}
	if p.Chunked {
		r.TotalChunks = len(p.Creates)
	}
	return r
}

// Export validates, optionally encrypts, chunks and writes a document.
// Transient store failures are queued and reported as StatusPending; without a
// write identity the prepared mutation is returned unsigned.
func (s *Storage) Export(ctx context.Context, p ExportParams) (*ExportResult, error) {
	if err := s.begin(); err != nil {
		return nil, err
	}
	defer s.opWg.Done()
	if p.Owner == "" {
		return nil, errors.Wrap(domain.ErrInvalidRequest, "owner required")
	}
	size := len(p.Document.Content)
	if size == 0 {
		return nil, domain.ErrContentRequired
	}
	if int64(size) > s.cfg.MaxDocumentSize {
		return nil, errors.Wrapf(domain.ErrDocumentTooLarge, "%d bytes exceeds the %d byte ceiling", size, s.cfg.MaxDocumentSize)
	}
	if p.RetentionDays != nil && *p.RetentionDays < 1 {
		return nil, domain.ErrInvalidRetention
	}
	existing, err := s.List(ctx, p.Owner)
	if err != nil {
		return nil, errors.Wrap(err, "count documents")
	}
	count := len(existing)
	for _, m := range existing {
		if m.ID == p.Document.ID {
			count--
			break
		}
	}
	if err := s.policy.ValidateSave(p.Tier, domain.SizeKB(size), count); err != nil {
		return nil, err
	}
	if p.Document.ID != "" {
		cur, err := s.resolve(ctx, p.Document.ID)
		switch {
		case err == nil:
			if cur.meta.Owner != p.Owner {
				return nil, errors.Wrap(domain.ErrAuthorization, "document belongs to another owner")
			}
			// re-exporting an id is an edit: it gets the next version
			p.Document.Version = max(p.Document.Version, cur.meta.Version+1)
		case domain.KindOf(err) != domain.KindNotFound && domain.KindOf(err) != domain.KindExpired:
			return nil, errors.Wrap(err, "resolve current version")
		}
	}

	plan, err := s.prepare(ctx, p)
	if err != nil {
		return nil, err
	}
	if !s.store.CanWrite() {
		r := plan.result(StatusNeedsSigner)
		r.Unsigned = &store.Mutation{Creates: plan.Creates}
		return r, nil
	}
	res, err := s.write(ctx, plan)
	if err == nil {
		return res, nil
	}
	if !isTransient(err) {
		return nil, err
	}
	payload, merr := json.Marshal(plan)
	if merr != nil {
		return nil, errors.Wrap(merr, "encode write plan")
	}
	id, qerr := s.queue.Retry(retry.Operation{
		Kind:                  KindExport,
		Payload:               payload,
		MaxRetries:            s.cfg.Retry.MaxRetries,
		UseExponentialBackoff: true,
	}, err)
	if qerr != nil {
		return nil, errors.Wrapf(err, "export %s (not queued: %v)", plan.DocumentID, qerr)
	}
	s.log.Info().Err(err).Str("op", id).Str("document_id", plan.DocumentID).Msg("store unavailable, export queued")
	r := plan.result(StatusPending)
	r.OperationID = id
	return r, nil
}

func (s *Storage) prepare(ctx context.Context, p ExportParams) (*writePlan, error) {
	doc := p.Document
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.Version < 1 {
		doc.Version = 1
	}
	if doc.Timestamp == 0 {
		doc.Timestamp = s.now().UnixMilli()
	}
	doc.Title = sanitizeTitle(doc.Title)
	if doc.Title == "" {
		doc.Title = defaultTitle
	}
	retention := s.policy.Retention(p.Tier, p.RetentionDays)

	payload := doc.Content
	encrypted := codec.IsSealed(payload)
	if !encrypted && s.policy.CanEncrypt(p.Tier) {
		pass, want, err := s.exportPassphrase(ctx, p)
		if err != nil {
			return nil, err
		}
		if want {
			metrics.EncryptionOps.WithLabelValues("encrypt").Inc()
			if payload, err = s.codec.Encrypt(payload, pass); err != nil {
				return nil, errors.Wrap(err, "encrypt document")
			}
			encrypted = true
		}
	}
	creates, chunked, err := s.creates(doc, p.Owner, payload, domain.SizeKB(len(doc.Content)), encrypted, retention, s.btl.ExpirySeconds(retention))
	if err != nil {
		return nil, err
	}
	return &writePlan{
		DocumentID: doc.ID,
		Version:    doc.Version,
		Chunked:    chunked,
		Encrypted:  encrypted,
		Retention:  retention,
		Digest:     digest(payload),
		Creates:    creates,
	}, nil
}

// exportPassphrase decides whether to encrypt. An explicit request without
// any passphrase is an error; encryptByDefault without a saved passphrase is
// skipped.
func (s *Storage) exportPassphrase(ctx context.Context, p ExportParams) (string, bool, error) {
	if p.Encrypt && p.Passphrase != "" {
		return p.Passphrase, true, nil
	}
	uc, err := s.GetUserConfig(ctx, p.Owner)
	if err != nil {
		return "", false, errors.Wrap(err, "load user config")
	}
	pass := p.Passphrase
	if pass == "" {
		pass = uc.EncryptionPassword
	}
	switch {
	case p.Encrypt && pass == "":
		return "", false, domain.ErrPassphraseRequired
	case p.Encrypt, uc.EncryptByDefault && pass != "":
		return pass, true, nil
	}
	return "", false, nil
}

// creates lays a document out as one entity, or as chunk entities when the
// payload exceeds the configured ceiling.
func (s *Storage) creates(doc domain.Document, owner string, payload []byte, sizeKB int, encrypted bool, retention int, ttl int64) ([]store.Create, bool, error) {
	base := store.NewAttributes()
	base.Strings["id"] = doc.ID
	base.Strings["title"] = doc.Title
	base.Strings["author"] = doc.Author
	base.Strings["wallet"] = owner
	base.Numbers["timestamp"] = doc.Timestamp
	base.Numbers["version"] = int64(doc.Version)
	base.Numbers["size_kb"] = int64(sizeKB)
	base.Numbers["encrypted"] = boolNum(encrypted)
	base.Numbers["retention_days"] = int64(retention)
	base.Strings["content_hash"] = digest(payload)

	if len(payload) <= s.cfg.Store.CeilingBytes {
		attrs := base.Clone()
		attrs.Strings["type"] = typeDocument
		ct := store.ContentTypeJSON
		if encrypted {
			ct = contentTypeBinary
		}
		return []store.Create{{Payload: payload, ContentType: ct, Attributes: attrs, ExpiresIn: ttl}}, false, nil
	}
	chunks, err := chunk.Split(chunk.Source{ID: doc.ID, Title: doc.Title, Author: doc.Author}, payload, s.cfg.Store.CeilingBytes)
	if err != nil {
		return nil, false, errors.Wrap(err, "split document")
	}
	out := make([]store.Create, 0, len(chunks))
	for _, c := range chunks {
		frame, err := chunk.Encode(c)
		if err != nil {
			return nil, false, errors.Wrap(err, "encode chunk")
		}
		attrs := base.Clone()
		attrs.Strings["type"] = typeChunk
		attrs.Strings["chunk_id"] = c.ChunkID
		attrs.Numbers["chunk_index"] = int64(c.Index)
		attrs.Numbers["total_chunks"] = int64(c.Total)
		out = append(out, store.Create{Payload: frame, ContentType: contentTypeBinary, Attributes: attrs, ExpiresIn: ttl})
	}
	return out, true, nil
}

// write applies a plan, skipping entities a previous attempt already stored
// for the same id, version and content.
func (s *Storage) write(ctx context.Context, plan *writePlan) (*ExportResult, error) {
	typ := typeDocument
	if plan.Chunked {
		typ = typeChunk
	}
	pred := query.Type(typ).Eq("id", plan.DocumentID).EqNum("version", int64(plan.Version))
	if plan.Digest != "" {
		pred = pred.Eq("content_hash", plan.Digest)
	}
	present, err := s.store.Query(ctx, pred)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(plan.Creates))
	for _, e := range present {
		idx := int(e.Attributes.Num("chunk_index"))
		if idx >= 0 && idx < len(keys) && keys[idx] == "" {
			keys[idx] = e.Key
		}
	}
	var missing []int
	for i, k := range keys {
		if k == "" {
			missing = append(missing, i)
		}
	}

	batch := s.cfg.Store.ChunkBatchSize
	if batch < 1 {
		batch = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.cfg.Store.WriteConcurrency, 1))
	for start := 0; start < len(missing); start += batch {
		idx := missing[start:min(start+batch, len(missing))]
		g.Go(func() error {
			m := store.Mutation{Creates: make([]store.Create, len(idx))}
			for i, n := range idx {
				m.Creates[i] = plan.Creates[n]
			}
			res, err := s.store.Mutate(gctx, m)
			if err != nil {
				return err
			}
			if len(res.CreatedKeys) != len(idx) {
				return errors.Errorf("store created %d of %d entities", len(res.CreatedKeys), len(idx))
			}
			for i, n := range idx {
				keys[n] = res.CreatedKeys[i]
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	mode := "whole"
	if plan.Chunked {
		mode = "chunked"
		metrics.ChunksWritten.Add(float64(len(missing)))
	}
	metrics.DocumentsExported.WithLabelValues(mode).Inc()
	s.log.Info().
		Str("document_id", plan.DocumentID).
		Int("version", plan.Version).
		Str("mode", mode).
		Int("entities", len(keys)).
		Int("skipped", len(keys)-len(missing)).
		Msg("document exported")

	r := plan.result(StatusStored)
	r.Keys = keys
	r.StoreKey = keys[0]
	s.readBack(plan, keys)
	return r, nil
}

func (s *Storage) retryExport(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var plan writePlan
	if err := json.Unmarshal(payload, &plan); err != nil {
		return nil, retry.Permanent(errors.Wrap(err, "decode write plan"))
	}
	if len(plan.Creates) == 0 {
		return nil, retry.Permanent(errors.New("write plan has no entities"))
	}
	res, err := s.write(ctx, &plan)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// readBack re-reads what was just written once the write has returned. The
// outcome only feeds logs and metrics.
func (s *Storage) readBack(plan *writePlan, keys []string) {
	if !s.cfg.ReadBack {
		return
	}
	s.readbacks.Add(1)
	go func() {
		defer s.readbacks.Done()
		ctx, cancel := context.WithTimeout(s.shutdownCtx, s.cfg.Store.Timeout)
		defer cancel()
		result := "ok"
		if err := s.verify(ctx, plan, keys); err != nil {
			result = "error"
			if errors.Is(err, errReadBackMismatch) {
				result = "mismatch"
			}
			s.log.Warn().Err(err).Str("document_id", plan.DocumentID).Msg("read-back failed")
		}
		metrics.ReadBacks.WithLabelValues(result).Inc()
	}()
}

func (s *Storage) verify(ctx context.Context, plan *writePlan, keys []string) error {
	for i, k := range keys {
		e, err := s.store.Get(ctx, k)
		if err != nil {
			return err
		}
		if !bytes.Equal(e.Payload, plan.Creates[i].Payload) {
			return errors.Wrapf(errReadBackMismatch, "entity %s", k)
		}
	}
	return nil
}

func sanitizeTitle(t string) string {
	t = norm.NFC.String(strings.TrimSpace(t))
	t = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, t)
	if utf8.RuneCountInString(t) > maxTitleRunes {
		t = string([]rune(t)[:maxTitleRunes])
	}
	return t
}

// digest is the hex SHA-256 of the stored payload.
func digest(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

func boolNum(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
