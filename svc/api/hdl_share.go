package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/hlog"

	"drawchain/pkg/domain"
	"drawchain/svc/svc"
	"drawchain/svc/util"
)

type shareReq struct {
	DocumentID string `json:"document_id"`
	IsPublic   bool   `json:"is_public"`
	TTLDays    *int   `json:"ttl_days,omitempty"`
}

type sharedResp struct {
	Token    domain.ShareToken `json:"share"`
	Document DocumentResp      `json:"document"`
}

func (h *Hdl) CreateShare(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	var req shareReq
	if err := decodeJSON(w, r, smallBody, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	tok, err := h.storage.CreateShare(r.Context(), svc.ShareParams{
		DocumentID: req.DocumentID,
		Owner:      util.GetOwner(r.Context()),
		Tier:       tierFrom(r.Context()),
		IsPublic:   req.IsPublic,
		TTLDays:    req.TTLDays,
	})
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("document_id", req.DocumentID).Msg("share create failed")
		writeErr(w, err, requestID)
		return
	}
	hlog.FromRequest(r).Info().Str("document_id", req.DocumentID).Bool("public", req.IsPublic).Msg("share created")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(tok)
}

// ResolveShare answers 404 for every token that does not resolve, so
// forged, expired and revoked tokens are indistinguishable.
func (h *Hdl) ResolveShare(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	res, err := h.storage.ResolveShare(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("share resolve failed")
		writeErr(w, err, requestID)
		return
	}
	if res == nil {
		writeErr(w, domain.ErrEntityNotFound, requestID)
		return
	}
	tok := res.Token
	tok.Token = ""
	_ = json.NewEncoder(w).Encode(sharedResp{Token: tok, Document: documentResp(res.Document)})
}

func (h *Hdl) ListShares(w http.ResponseWriter, r *http.Request) {
	toks, err := h.storage.ListShares(r.Context(), util.GetOwner(r.Context()))
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	if toks == nil {
		toks = []domain.ShareToken{}
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"shares": toks})
}

func (h *Hdl) RevokeShare(w http.ResponseWriter, r *http.Request) {
	if err := h.storage.RevokeShare(r.Context(), chi.URLParam(r, "token"), util.GetOwner(r.Context())); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Msg("share revoke failed")
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "revoked"})
}

type configResp struct {
	RetentionDays    int   `json:"retention_days"`
	AutoSave         bool  `json:"auto_save"`
	ShowBalance      bool  `json:"show_balance"`
	EncryptByDefault bool  `json:"encrypt_by_default"`
	HasPassword      bool  `json:"has_encryption_password"`
	Timestamp        int64 `json:"timestamp,omitempty"`
}

// configReq leaves the stored passphrase untouched when EncryptionPassword
// is omitted; an empty string clears it.
type configReq struct {
	RetentionDays      int     `json:"retention_days"`
	AutoSave           bool    `json:"auto_save"`
	ShowBalance        bool    `json:"show_balance"`
	EncryptByDefault   bool    `json:"encrypt_by_default"`
	EncryptionPassword *string `json:"encryption_password,omitempty"`
}

func toConfigResp(uc *domain.UserConfig) configResp {
	return configResp{
		RetentionDays:    uc.RetentionDays,
		AutoSave:         uc.AutoSave,
		ShowBalance:      uc.ShowBalance,
		EncryptByDefault: uc.EncryptByDefault,
		HasPassword:      uc.EncryptionPassword != "",
		Timestamp:        uc.Timestamp,
	}
}

func (h *Hdl) GetConfig(w http.ResponseWriter, r *http.Request) {
	uc, err := h.storage.GetUserConfig(r.Context(), util.GetOwner(r.Context()))
	if err != nil {
		writeErr(w, err, util.GetRequestID(r.Context()))
		return
	}
	_ = json.NewEncoder(w).Encode(toConfigResp(uc))
}

func (h *Hdl) PutConfig(w http.ResponseWriter, r *http.Request) {
	requestID := util.GetRequestID(r.Context())
	owner := util.GetOwner(r.Context())
	var req configReq
	if err := decodeJSON(w, r, smallBody, &req); err != nil {
		writeErr(w, err, requestID)
		return
	}
	uc := domain.UserConfig{
		RetentionDays:    req.RetentionDays,
		AutoSave:         req.AutoSave,
		ShowBalance:      req.ShowBalance,
		EncryptByDefault: req.EncryptByDefault,
	}
	if req.EncryptionPassword != nil {
		uc.EncryptionPassword = *req.EncryptionPassword
	} else {
		cur, err := h.storage.GetUserConfig(r.Context(), owner)
		if err != nil {
			writeErr(w, err, requestID)
			return
		}
		uc.EncryptionPassword = cur.EncryptionPassword
	}
	out, err := h.storage.SaveUserConfig(r.Context(), owner, uc)
	writeOutcome(w, r, out, err)
}
