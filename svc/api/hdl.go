package api

import (
	"encoding/json"
	"io"
	"mime"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/hlog"

	"drawchain/cfg"
	"drawchain/pkg/domain"
	"drawchain/svc/search"
	"drawchain/svc/svc"
	"drawchain/svc/util"
)

// smallBody bounds requests that carry no document content.
const smallBody = 64 * 1024

type Hdl struct {
	storage *svc.Storage
	cfg     *cfg.Cfg
}

type ExportReq struct {
	ID            string `json:"id,omitempty"`
	Title         string `json:"title"`
	Author        string `json:"author,omitempty"`
	Content       string `json:"content"`
	Version       int    `json:"version,omitempty"`
	RetentionDays *int   `json:"retention_days,omitempty"`
	Encrypt       bool   `json:"encrypt,omitempty"`
}

type DocumentResp struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Version   int    `json:"version"`
	Encrypted bool   `json:"encrypted"`
}

func documentResp(d *domain.Document) DocumentResp {
	return DocumentResp{
		ID:        d.ID,
		Title:     d.Title,
		Author:    d.Author,
		Content:   string(d.Content),
		Timestamp: d.Timestamp,
		Version:   d.Version,
		Encrypted: d.Encrypted,
	}
}

func (h *Hdl) CreateDocument(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	var req ExportReq
	// escaped content is larger than the raw document
	if err := decodeJSON(w, r, h.cfg.MaxDocumentSize*2, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	owner := util.GetOwner(r.Context())
	res, err := h.storage.Export(r.Context(), svc.ExportParams{
		Document: domain.Document{
			ID:      req.ID,
			Title:   req.Title,
			Author:  req.Author,
			Content: []byte(req.Content),
			Version: req.Version,
		},
		Owner:         owner,
		Tier:          tierFrom(r.Context()),
		RetentionDays: req.RetentionDays,
		Passphrase:    r.Header.Get(headerPassphrase),
		Encrypt:       req.Encrypt,
	})
	if err != nil {
		log.Warn().Err(err).Msg("export failed")
		writeErr(w, err, requestID)
		return
	}
	log.Info().
		Str("document_id", res.DocumentID).
		Str("status", string(res.Status)).
		Bool("chunked", res.Chunked).
		Bool("encrypted", res.Encrypted).
		Msg("document exported")
	switch res.Status {
	case svc.StatusPending:
		w.WriteHeader(http.StatusAccepted)
	case svc.StatusNeedsSigner:
		w.WriteHeader(http.StatusConflict)
	default:
		w.WriteHeader(http.StatusCreated)
	}
	_ = json.NewEncoder(w).Encode(res)
}

func (h *Hdl) GetDocument(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	requestID := util.GetRequestID(r.Context())
	id := chi.URLParam(r, "id")
	doc, err := h.storage.Import(r.Context(), svc.ImportParams{
		ID:         id,
		Requester:  util.GetOwner(r.Context()),
		Passphrase: r.Header.Get(headerPassphrase),
	})
	if err != nil {
		if errors.Is(err, domain.ErrDecryption) {
			log.Warn().Str("document_id", id).Str("client_ip", util.RedactIP(r.RemoteAddr)).Msg("failed passphrase attempt")
		} else {
			log.Warn().Err(err).Str("document_id", id).Msg("import failed")
		}
		writeErr(w, err, requestID)
		return
	}
	_ = json.NewEncoder(w).Encode(documentResp(doc))
}

func (h *Hdl) ListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := h.storage.List(r.Context(), util.GetOwner(r.Context()))
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	if docs == nil {
		docs = []domain.DocumentMetadata{}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"documents": docs})
}

func (h *Hdl) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	out, err := h.storage.Delete(r.Context(), chi.URLParam(r, "id"), util.GetOwner(r.Context()))
	writeOutcome(w, r, out, err)
}

type renameReq struct {
	Title string `json:"title"`
}

func (h *Hdl) RenameDocument(w http.ResponseWriter, r *http.Request) {
	var req renameReq
	if err := decodeJSON(w, r, smallBody, &req); err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	out, err := h.storage.Rename(r.Context(), chi.URLParam(r, "id"), util.GetOwner(r.Context()), req.Title)
	writeOutcome(w, r, out, err)
}

type retentionReq struct {
	RetentionDays int `json:"retention_days"`
}

func (h *Hdl) ChangeRetention(w http.ResponseWriter, r *http.Request) {
	var req retentionReq
	if err := decodeJSON(w, r, smallBody, &req); err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	out, err := h.storage.ChangeRetention(r.Context(), chi.URLParam(r, "id"), util.GetOwner(r.Context()),
		tierFrom(r.Context()), req.RetentionDays)
	writeOutcome(w, r, out, err)
}

func (h *Hdl) ProtectDocument(w http.ResponseWriter, r *http.Request) {
	out, err := h.storage.Protect(r.Context(), chi.URLParam(r, "id"), util.GetOwner(r.Context()),
		tierFrom(r.Context()), r.Header.Get(headerPassphrase))
	writeOutcome(w, r, out, err)
}

func (h *Hdl) Search(w http.ResponseWriter, r *http.Request) {
	var q search.Query
	if err := decodeJSON(w, r, smallBody, &q); err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	res, err := h.storage.Search(r.Context(), util.GetOwner(r.Context()), q)
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	if res.Hits == nil {
		res.Hits = []search.Hit{}
	}
	_ = json.NewEncoder(w).Encode(res)
}

func (h *Hdl) GetOperation(w http.ResponseWriter, r *http.Request) {
	st, ok := h.storage.OperationStatus(chi.URLParam(r, "id"))
	if !ok {
		writeErr(w, errors.Wrap(domain.ErrEntityNotFound, "operation"), util.GetRequestID(r.Context()))
		return
	}
	_ = json.NewEncoder(w).Encode(st)
}

// writeOutcome answers 200 for applied mutations and 202 for queued ones.
func writeOutcome(w http.ResponseWriter, r *http.Request, out *svc.Outcome, err error) {
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("path", r.URL.Path).Msg("mutation failed")
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	if out.Pending {
		w.WriteHeader(http.StatusAccepted)
	}
	_ = json.NewEncoder(w).Encode(out)
}

// decodeJSON enforces a JSON content type and a body limit, and rejects
// unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, limit int64, v interface{}) error {
	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || mediaType != "application/json" {
		return errors.Wrap(domain.ErrInvalidRequest, "expected Content-Type: application/json")
	}
	if ce := r.Header.Get("Content-Encoding"); ce != "" && ce != "identity" {
		return errors.Wrap(domain.ErrInvalidRequest, "compressed bodies are not accepted")
	}
	if r.ContentLength > limit {
		return domain.ErrDocumentTooLarge
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return domain.ErrDocumentTooLarge
		}
		if err == io.EOF {
			return errors.Wrap(domain.ErrInvalidRequest, "empty body")
		}
		return errors.Wrap(domain.ErrInvalidRequest, err.Error())
	}
	return nil
}
