package domain

import (
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation    Kind = "validation"
	KindNoWriteAccess Kind = "no_write_access"
	KindTransient     Kind = "transient"
	KindNotFound      Kind = "not_found"
	KindExpired       Kind = "expired"
	KindDecryption    Kind = "decryption"
	KindIncomplete    Kind = "incomplete_chunk_set"
	KindAuthorization Kind = "authorization"
	KindInternal      Kind = "internal"
)

var (
	ErrContentRequired    = NewErr("CONTENT_REQUIRED", "content required", http.StatusBadRequest, KindValidation)
	ErrInvalidRequest     = NewErr("INVALID_REQUEST", "invalid request", http.StatusBadRequest, KindValidation)
	ErrDocumentLimit      = NewErr("DOCUMENT_LIMIT_REACHED", "document count limit reached for this tier", http.StatusUnprocessableEntity, KindValidation)
	ErrDocumentTooLarge   = NewErr("DOCUMENT_TOO_LARGE", "document exceeds the size limit", http.StatusRequestEntityTooLarge, KindValidation)
	ErrInvalidRetention   = NewErr("INVALID_RETENTION", "retention must be a positive number of days", http.StatusBadRequest, KindValidation)
	ErrPassphraseRequired = NewErr("PASSPHRASE_REQUIRED", "passphrase required", http.StatusBadRequest, KindValidation)
	ErrInvalidTier        = NewErr("INVALID_TIER", "unknown account tier", http.StatusBadRequest, KindValidation)
	ErrNoWriteAccess      = NewErr("NO_WRITE_ACCESS", "no signing identity configured, use an external signer", http.StatusConflict, KindNoWriteAccess)
	ErrTransient          = NewErr("STORE_UNAVAILABLE", "entity store temporarily unavailable", http.StatusServiceUnavailable, KindTransient)
	ErrDocumentNotFound   = NewErr("DOCUMENT_NOT_FOUND", "document not found", http.StatusNotFound, KindNotFound)
	ErrDocumentExpired    = NewErr("DOCUMENT_EXPIRED", "document expired: its retention period ended and the store no longer serves it, extend retention before it lapses to keep documents", http.StatusGone, KindExpired)
	ErrEntityNotFound     = NewErr("ENTITY_NOT_FOUND", "entity not found", http.StatusNotFound, KindNotFound)
	ErrDecryption         = NewErr("DECRYPTION_FAILED", "decryption failed: wrong passphrase or corrupted content", http.StatusUnauthorized, KindDecryption)
	ErrIncompleteChunkSet = NewErr("INCOMPLETE_CHUNK_SET", "document chunks are missing or inconsistent", http.StatusUnprocessableEntity, KindIncomplete)
	ErrAuthorization      = NewErr("FORBIDDEN", "not allowed", http.StatusForbidden, KindAuthorization)
	ErrShareNotAllowed    = NewErr("SHARE_NOT_ALLOWED", "sharing is not available for this tier", http.StatusForbidden, KindAuthorization)
	ErrRateLimitExceeded  = NewErr("RATE_LIMIT_EXCEEDED", "rate limit exceeded", http.StatusTooManyRequests, KindValidation)
	ErrUnauthorized       = NewErr("UNAUTHORIZED", "unauthorized", http.StatusUnauthorized, KindAuthorization)
	ErrInternalServer     = NewErr("INTERNAL_ERROR", "internal error", http.StatusInternalServerError, KindInternal)
	ErrShuttingDown       = NewErr("SHUTTING_DOWN", "service shutting down", http.StatusServiceUnavailable, KindInternal)
)

type Err struct {
	Code   string `json:"code"`
	Msg    string `json:"message"`
	Status int    `json:"-"`
	Kind   Kind   `json:"-"`
}

func (e *Err) Error() string { return e.Msg }
func NewErr(code, msg string, status int, kind Kind) *Err {
	return &Err{Code: code, Msg: msg, Status: status, Kind: kind}
}

type ErrResp struct {
	Error ErrDetail `json:"error"`
}
type ErrDetail struct {
	Code string                 `json:"code"`
	Msg  string                 `json:"message"`
	Meta map[string]interface{} `json:"meta,omitempty"`
}

func find(err error) (*Err, bool) {
	var e *Err
	if errors.As(err, &e) {
		return e, true
	}
	if e, ok := errors.Cause(err).(*Err); ok {
		return e, true
	}
	return nil, false
}
func ToResp(err error) ErrResp {
	if e, ok := find(err); ok {
		return ErrResp{Error: ErrDetail{Code: e.Code, Msg: e.Msg}}
	}
	return ErrResp{Error: ErrDetail{Code: "INTERNAL_ERROR", Msg: "internal error"}}
}
func Status(err error) int {
	if e, ok := find(err); ok {
		return e.Status
	}
	return http.StatusInternalServerError
}
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := find(err); ok {
		return e.Kind
	}
	return KindInternal
}
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
