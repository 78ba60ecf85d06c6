package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawchain/cfg"
	"drawchain/pkg/codec"
	"drawchain/pkg/domain"
	"drawchain/pkg/kms"
	"drawchain/svc/lim"
	"drawchain/svc/store"
	"drawchain/svc/svc"
	"drawchain/svc/util"
)

const (
	alice     = "0xalice"
	diagram   = `<mxGraphModel><root><mxCell id="0"/><mxCell id="1" value="hello" tags="infra"/></root></mxGraphModel>`
	localKey  = "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="
	tokenSeed = "abcdefghijklmnopqrstuvwxyz0123456789"
)

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("disk I/O error") }

type options struct {
	noSigner bool
	limiter  *lim.Limiter
	journal  Pinger
}

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		Environment: "test",
		Store: cfg.StoreCfg{
			Timeout:          time.Second,
			BlockTimeSeconds: 2,
			CeilingBytes:     100 * 1024,
			WriteConcurrency: 2,
			ChunkBatchSize:   1,
		},
		Retry: cfg.RetryCfg{
			MaxRetries:     2,
			BaseDelay:      5 * time.Millisecond,
			MaxDelay:       20 * time.Millisecond,
			PollInterval:   2 * time.Millisecond,
			AttemptTimeout: time.Second,
			Workers:        1,
		},
		MaxDocumentSize:         1024 * 1024,
		EvidenceGraceDays:       30,
		ShareTokenDefaultDays:   30,
		RevocationMarkerDays:    30,
		UserConfigRetentionDays: 365,
		ContextTimeout:          5 * time.Second,
		AllowedOrigins:          []string{"https://app.example"},
	}
}

func newServer(t *testing.T, o options) *Server {
	t.Helper()
	t.Setenv("VAULT_ADDR", "")
	t.Setenv("AWS_REGION", "")
	t.Setenv("KMS_REQUIRE_PRIMARY", "")
	t.Setenv("KMS_LOCAL_KEY", localKey)
	adapter, err := kms.NewAdapter(context.Background())
	require.NoError(t, err)
	cd, err := codec.New(codec.Params{Time: 1, Memory: 8 * 1024, Threads: 1})
	require.NoError(t, err)
	issuer, err := util.NewTokenIssuer([]byte(tokenSeed))
	require.NoError(t, err)
	var signer store.Signer
	if !o.noSigner {
		signer, err = store.NewHMACSigner("0xservice", []byte("0123456789abcdef0123456789abcdef"))
		require.NoError(t, err)
	}
	c := testCfg()
	st, err := svc.NewStorage(c, svc.Deps{
		Store:    store.NewClient(store.NewMemory(), signer, nil, time.Second),
		Codec:    cd,
		Envelope: kms.NewEnvelope(adapter, nil),
		Issuer:   issuer,
	})
	require.NoError(t, err)
	require.NoError(t, st.Start(context.Background()))
	t.Cleanup(st.Shutdown)
	return NewServer(c, Deps{Storage: st, Limiter: o.limiter, Journal: o.journal})
}

func do(t *testing.T, s *Server, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	return rec
}

func owner(id string, t domain.Tier) map[string]string {
	return map[string]string{headerOwner: id, headerTier: string(t)}
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body errBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	assert.NotEmpty(t, body.RequestID)
	return body.Error.Code
}

func export(t *testing.T, s *Server, who string, tier domain.Tier, req ExportReq) svc.ExportResult {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/documents", req, owner(who, tier))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res svc.ExportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res
}

func TestHealth(t *testing.T) {
	s := newServer(t, options{})
	rec := do(t, s, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestReady(t *testing.T) {
	s := newServer(t, options{})
	rec := do(t, s, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Writable)
	assert.Equal(t, "unavailable", resp.Journal)

	s = newServer(t, options{journal: failingPinger{}})
	rec = do(t, s, http.MethodGet, "/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOwnerHeaders(t *testing.T) {
	s := newServer(t, options{})
	rec := do(t, s, http.MethodGet, "/documents", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", errCode(t, rec))

	rec = do(t, s, http.MethodGet, "/documents", nil, owner(alice, "PLATINUM"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_TIER", errCode(t, rec))
}

func TestReExportSavesEdit(t *testing.T) {
	s := newServer(t, options{})
	first := export(t, s, alice, domain.TierFree, ExportReq{ID: "flow", Title: "Flow", Content: `{"v":"first"}`})
	assert.Equal(t, 1, first.Version)
	second := export(t, s, alice, domain.TierFree, ExportReq{ID: "flow", Title: "Flow", Content: `{"v":"second"}`})
	assert.Equal(t, 2, second.Version)

	rec := do(t, s, http.MethodGet, "/documents/flow", nil, owner(alice, domain.TierFree))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc DocumentResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, `{"v":"second"}`, doc.Content)
	assert.Equal(t, 2, doc.Version)

	rec = do(t, s, http.MethodPost, "/documents", ExportReq{ID: "flow", Content: `{"v":"hijack"}`}, owner("0xmallory", domain.TierFree))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := newServer(t, options{})
	res := export(t, s, alice, domain.TierFree, ExportReq{Title: "Network", Content: diagram})
	assert.Equal(t, svc.StatusStored, res.Status)
	assert.False(t, res.Chunked)
	assert.Equal(t, 7, res.RetentionDays)

	rec := do(t, s, http.MethodGet, "/documents/"+res.DocumentID, nil, owner(alice, domain.TierFree))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc DocumentResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, diagram, doc.Content)
	assert.Equal(t, "Network", doc.Title)
	assert.False(t, doc.Encrypted)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(t, s, http.MethodGet, "/documents", nil, owner(alice, domain.TierFree))
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Documents []domain.DocumentMetadata `json:"documents"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Documents, 1)
	assert.Equal(t, res.DocumentID, list.Documents[0].ID)
}

func TestEncryptedExportNeedsPassphraseHeader(t *testing.T) {
	s := newServer(t, options{})
	h := owner(alice, domain.TierCustodial)
	h[headerPassphrase] = "correct horse"
	rec := do(t, s, http.MethodPost, "/documents", ExportReq{Title: "Secret", Content: diagram, Encrypt: true}, h)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var res svc.ExportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Encrypted)

	rec = do(t, s, http.MethodGet, "/documents/"+res.DocumentID, nil, owner(alice, domain.TierCustodial))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "PASSPHRASE_REQUIRED", errCode(t, rec))

	rec = do(t, s, http.MethodGet, "/documents/"+res.DocumentID, nil, h)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var doc DocumentResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, diagram, doc.Content)
}

func TestExportRejectsBadRequests(t *testing.T) {
	s := newServer(t, options{})
	req := httptest.NewRequest(http.MethodPost, "/documents", strings.NewReader(`{"content":"x"}`))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set(headerOwner, alice)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/documents", map[string]string{"content": diagram, "color": "red"}, owner(alice, domain.TierFree))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/documents", ExportReq{Title: "empty"}, owner(alice, domain.TierFree))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "CONTENT_REQUIRED", errCode(t, rec))
}

func TestExportWithoutSignerReturnsUnsignedMutation(t *testing.T) {
	s := newServer(t, options{noSigner: true})
	rec := do(t, s, http.MethodPost, "/documents", ExportReq{Title: "Draft", Content: diagram}, owner(alice, domain.TierWallet))
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var res svc.ExportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, svc.StatusNeedsSigner, res.Status)
	require.NotNil(t, res.Unsigned)
	assert.Len(t, res.Unsigned.Creates, 1)
}

func TestUnknownDocument(t *testing.T) {
	s := newServer(t, options{})
	rec := do(t, s, http.MethodGet, "/documents/nope", nil, owner(alice, domain.TierFree))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "DOCUMENT_NOT_FOUND", errCode(t, rec))
}

func TestRenameAndDelete(t *testing.T) {
	s := newServer(t, options{})
	res := export(t, s, alice, domain.TierFree, ExportReq{Title: "Old", Content: diagram})
	path := "/documents/" + res.DocumentID

	rec := do(t, s, http.MethodPatch, path+"/title", renameReq{Title: "New"}, owner("0xmallory", domain.TierFree))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, s, http.MethodPatch, path+"/title", renameReq{Title: "New"}, owner(alice, domain.TierFree))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, path, nil, owner(alice, domain.TierFree))
	var doc DocumentResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "New", doc.Title)

	rec = do(t, s, http.MethodDelete, path, nil, owner(alice, domain.TierFree))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, s, http.MethodGet, path, nil, owner(alice, domain.TierFree))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChangeRetentionRejectsZero(t *testing.T) {
	s := newServer(t, options{})
	res := export(t, s, alice, domain.TierFree, ExportReq{Title: "Keep", Content: diagram})
	rec := do(t, s, http.MethodPatch, "/documents/"+res.DocumentID+"/retention", retentionReq{RetentionDays: 0}, owner(alice, domain.TierFree))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_RETENTION", errCode(t, rec))

	rec = do(t, s, http.MethodPatch, "/documents/"+res.DocumentID+"/retention", retentionReq{RetentionDays: 20}, owner(alice, domain.TierFree))
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestShareLifecycle(t *testing.T) {
	s := newServer(t, options{})
	res := export(t, s, alice, domain.TierCustodial, ExportReq{Title: "Shared", Content: diagram})

	rec := do(t, s, http.MethodPost, "/shares", shareReq{DocumentID: res.DocumentID, IsPublic: true}, owner(alice, domain.TierFree))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "SHARE_NOT_ALLOWED", errCode(t, rec))

	rec = do(t, s, http.MethodPost, "/shares", shareReq{DocumentID: res.DocumentID, IsPublic: true}, owner(alice, domain.TierCustodial))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tok domain.ShareToken
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	require.NotEmpty(t, tok.Token)

	rec = do(t, s, http.MethodGet, "/shares/"+tok.Token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var shared sharedResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &shared))
	assert.Equal(t, diagram, shared.Document.Content)
	assert.Equal(t, int64(1), shared.Token.AccessCount)
	assert.Empty(t, shared.Token.Token)

	rec = do(t, s, http.MethodGet, "/shares", nil, owner(alice, domain.TierCustodial))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), res.DocumentID)

	rec = do(t, s, http.MethodDelete, "/shares/"+tok.Token, nil, owner("0xmallory", domain.TierCustodial))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = do(t, s, http.MethodDelete, "/shares/"+tok.Token, nil, owner(alice, domain.TierCustodial))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/shares/"+tok.Token, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodGet, "/shares/forged-token", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUserConfigKeepsPassphrase(t *testing.T) {
	s := newServer(t, options{})
	h := owner(alice, domain.TierWallet)

	rec := do(t, s, http.MethodGet, "/config", nil, h)
	require.Equal(t, http.StatusOK, rec.Code)
	var cr configResp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cr))
	assert.Equal(t, 30, cr.RetentionDays)
	assert.False(t, cr.HasPassword)

	pw := "hunter22"
	rec = do(t, s, http.MethodPut, "/config", configReq{RetentionDays: 60, EncryptByDefault: true, EncryptionPassword: &pw}, h)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotContains(t, rec.Body.String(), pw)

	rec = do(t, s, http.MethodPut, "/config", configReq{RetentionDays: 90, EncryptByDefault: true}, h)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/config", nil, h)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cr))
	assert.Equal(t, 90, cr.RetentionDays)
	assert.True(t, cr.HasPassword)
	assert.NotContains(t, rec.Body.String(), pw)
}

func TestSearch(t *testing.T) {
	s := newServer(t, options{})
	export(t, s, alice, domain.TierWallet, ExportReq{Title: "Network topology", Content: diagram})
	export(t, s, alice, domain.TierWallet, ExportReq{Title: "Org chart", Content: "<mxGraphModel/>"})
	rec := do(t, s, http.MethodPost, "/search", map[string]string{"query": "network"}, owner(alice, domain.TierWallet))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res struct {
		Results []struct {
			Title string `json:"title"`
		} `json:"results"`
		Total int `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, 1, res.Total)
	assert.Equal(t, "Network topology", res.Results[0].Title)
}

func TestUnknownOperation(t *testing.T) {
	s := newServer(t, options{})
	rec := do(t, s, http.MethodGet, "/operations/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRateLimit(t *testing.T) {
	l, err := lim.New(nil, lim.Options{RPM: 100, Burst: 1, ConservativeLimit: 4})
	require.NoError(t, err)
	t.Cleanup(l.Stop)
	s := newServer(t, options{limiter: l})
	h := owner(alice, domain.TierFree)
	rec := do(t, s, http.MethodGet, "/documents", nil, h)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Limit"))

	rec = do(t, s, http.MethodGet, "/documents", nil, h)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", errCode(t, rec))

	rec = do(t, s, http.MethodGet, "/documents", nil, owner("0xbob", domain.TierFree))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	s := newServer(t, options{})
	req := httptest.NewRequest(http.MethodOptions, "/documents", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodOptions, "/documents", nil)
	req.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
