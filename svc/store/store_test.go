package store

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawchain/pkg/domain"
	"drawchain/pkg/query"
	"drawchain/svc/cache"
)

var testKey = []byte("0123456789abcdef0123456789abcdef")

func testSigner(t *testing.T, addr string) *HMACSigner {
	t.Helper()
	s, err := NewHMACSigner(addr, testKey)
	require.NoError(t, err)
	return s
}

func attrs(typ, id string) Attributes {
	a := NewAttributes()
	a.Strings["type"] = typ
	a.Strings["id"] = id
	a.Numbers["version"] = 1
	return a
}

func TestMemoryExpiry(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory().WithClock(func() time.Time { return now })
	s := testSigner(t, "0xowner")
	ctx := context.Background()

	res, err := m.Mutate(ctx, Mutation{Creates: []Create{{Payload: []byte("x"), Attributes: attrs("diagram", "d1"), ExpiresIn: 60}}}, s)
	require.NoError(t, err)
	require.Len(t, res.CreatedKeys, 1)

	got, err := m.Query(ctx, query.Type("diagram").Eq("id", "d1"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "0xowner", got[0].Owner)

	now = now.Add(60 * time.Second)
	got, err = m.Query(ctx, query.Type("diagram").Eq("id", "d1"))
	require.NoError(t, err)
	assert.Empty(t, got)
	_, err = m.Get(ctx, res.CreatedKeys[0])
	assert.True(t, errors.Is(err, domain.ErrEntityNotFound))
}

func TestMemoryDeleteRequiresOwner(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	res, err := m.Mutate(ctx, Mutation{Creates: []Create{{Payload: []byte("x"), Attributes: attrs("diagram", "d1"), ExpiresIn: 60}}}, testSigner(t, "0xalice"))
	require.NoError(t, err)

	_, err = m.Mutate(ctx, Mutation{Deletes: res.CreatedKeys}, testSigner(t, "0xbob"))
	assert.True(t, errors.Is(err, domain.ErrAuthorization))
	assert.Equal(t, 1, m.Len())

	_, err = m.Mutate(ctx, Mutation{Deletes: res.CreatedKeys}, testSigner(t, "0xalice"))
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryMutationIsAtomic(t *testing.T) {
	m := NewMemory()
	s := testSigner(t, "0xalice")
	_, err := m.Mutate(context.Background(), Mutation{
		Creates: []Create{{Payload: []byte("x"), Attributes: attrs("diagram", "d1"), ExpiresIn: 60}},
		Deletes: []string{"0xmissing"},
	}, s)
	require.Error(t, err)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryQueryOrder(t *testing.T) {
	m := NewMemory()
	s := testSigner(t, "0xalice")
	for _, id := range []string{"c", "a", "b"} {
		_, err := m.Mutate(context.Background(), Mutation{Creates: []Create{{Attributes: attrs("diagram", id), ExpiresIn: 60}}}, s)
		require.NoError(t, err)
	}
	got, err := m.Query(context.Background(), query.Type("diagram"))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "c", got[0].Attributes.Str("id"))
	assert.Equal(t, "b", got[2].Attributes.Str("id"))
}

func TestClientWithoutSigner(t *testing.T) {
	m := NewMemory()
	c := NewClient(m, nil, nil, time.Second)
	assert.False(t, c.CanWrite())
	_, err := c.Create(context.Background(), []byte("x"), attrs("diagram", "d1"), 60, "")
	assert.True(t, errors.Is(err, domain.ErrNoWriteAccess))
	assert.Equal(t, domain.KindNoWriteAccess, domain.KindOf(err))
	_, err = c.Query(context.Background(), query.Type("diagram"))
	assert.NoError(t, err)
}

func TestClientRejectsNonPositiveTTL(t *testing.T) {
	c := NewClient(NewMemory(), testSigner(t, "0xa"), nil, time.Second)
	_, err := c.Create(context.Background(), []byte("x"), attrs("diagram", "d1"), 0, "")
	assert.True(t, errors.Is(err, domain.ErrInvalidRetention))
}

func TestClientRejectsOversizedPayload(t *testing.T) {
	c := NewClient(NewMemory(), testSigner(t, "0xa"), nil, time.Second)
	_, err := c.Create(context.Background(), make([]byte, domain.MaxEntityPayload+1), attrs("diagram", "d1"), 60, "")
	assert.True(t, errors.Is(err, domain.ErrDocumentTooLarge))
}

func TestClientRejectsEmptyPredicate(t *testing.T) {
	c := NewClient(NewMemory(), nil, nil, time.Second)
	_, err := c.Query(context.Background(), query.New())
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestClientGetCachesUntilDelete(t *testing.T) {
	lru, err := cache.NewLRU[*Entity](16)
	require.NoError(t, err)
	m := NewMemory()
	c := NewClient(m, testSigner(t, "0xa"), lru, time.Second)
	ctx := context.Background()

	key, err := c.Create(ctx, []byte("payload"), attrs("diagram", "d1"), 600, "")
	require.NoError(t, err)
	e, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), e.Payload)
	assert.Equal(t, 1, lru.Len())

	_, err = c.Delete(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0, lru.Len())
	_, err = c.Get(ctx, key)
	assert.True(t, errors.Is(err, domain.ErrEntityNotFound))
}

// rpcServer serves the JSON-RPC protocol on top of a Memory backend.
func rpcServer(t *testing.T, m *Memory, signers map[string]Signer) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var req struct {
			ID     int64             `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.Unmarshal(body, &req))
		reply := func(result interface{}, rerr *rpcError) {
			_ = json.NewEncoder(w).Encode(map[string]interface{}{"jsonrpc": "2.0", "id": req.ID, "result": result, "error": rerr})
		}
		toWire := func(e Entity) wireEntity {
			return wireEntity{Key: e.Key, Owner: e.Owner, Payload: e.Payload, ContentType: e.ContentType,
				Strings: e.Attributes.Strings, Numbers: e.Attributes.Numbers, ExpiresAt: e.ExpiresAt.Unix()}
		}
		switch req.Method {
		case methodQuery:
			var q string
			require.NoError(t, json.Unmarshal(req.Params[0], &q))
			p := query.New()
			for _, part := range strings.Split(q, " && ") {
				f := strings.SplitN(part, " ", 3)
				if strings.HasPrefix(f[2], `"`) {
					var v string
					require.NoError(t, json.Unmarshal([]byte(f[2]), &v))
					p.Eq(f[0], v)
				}
			}
			ents, err := m.Query(r.Context(), p)
			require.NoError(t, err)
			out := []wireEntity{}
			for _, e := range ents {
				out = append(out, toWire(e))
			}
			reply(out, nil)
		case methodGet:
			var key string
			require.NoError(t, json.Unmarshal(req.Params[0], &key))
			e, err := m.Get(r.Context(), key)
			if err != nil {
				reply(nil, &rpcError{Code: rpcCodeNotFound, Message: "entity not found"})
				return
			}
			reply(toWire(*e), nil)
		case methodMutate:
			s, ok := signers[r.Header.Get("X-Signer")]
			if !ok {
				reply(nil, &rpcError{Code: rpcCodeUnauthorized, Message: "unknown signer"})
				return
			}
			mac := hmac.New(sha256.New, testKey)
			mac.Write(body)
			if hex.EncodeToString(mac.Sum(nil)) != r.Header.Get("X-Signature") {
				reply(nil, &rpcError{Code: rpcCodeUnauthorized, Message: "bad signature"})
				return
			}
			var mu Mutation
			require.NoError(t, json.Unmarshal(req.Params[0], &mu))
			res, err := m.Mutate(r.Context(), mu, s)
			if err != nil {
				reply(nil, &rpcError{Code: -32000, Message: err.Error()})
				return
			}
			reply(res, nil)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
}

func TestRPCRoundTrip(t *testing.T) {
	s := testSigner(t, "0xalice")
	srv := rpcServer(t, NewMemory(), map[string]Signer{"0xalice": s})
	defer srv.Close()

	c := NewClient(NewRPC(srv.URL, 5*time.Second), s, nil, 5*time.Second)
	ctx := context.Background()
	a := attrs("diagram", "doc-1")
	a.Strings["title"] = `quote " and && inside`
	key, err := c.Create(ctx, []byte(`{"cells":[]}`), a, 120, "")
	require.NoError(t, err)

	got, err := c.Query(ctx, query.Type("diagram").Eq("id", "doc-1"))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, key, got[0].Key)
	assert.Equal(t, `quote " and && inside`, got[0].Attributes.Str("title"))
	assert.Equal(t, int64(1), got[0].Attributes.Num("version"))

	e, err := c.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"cells":[]}`), e.Payload)

	_, err = c.Delete(ctx, key)
	require.NoError(t, err)
	_, err = c.Get(ctx, key)
	assert.True(t, errors.Is(err, domain.ErrEntityNotFound))
}

func TestRPCRejectsForeignSigner(t *testing.T) {
	srv := rpcServer(t, NewMemory(), map[string]Signer{})
	defer srv.Close()
	c := NewClient(NewRPC(srv.URL, 5*time.Second), testSigner(t, "0xmallory"), nil, 5*time.Second)
	_, err := c.Create(context.Background(), []byte("x"), attrs("diagram", "d"), 60, "")
	assert.True(t, errors.Is(err, domain.ErrAuthorization))
}

func TestRPCServerErrorsCarryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := NewClient(NewRPC(srv.URL, 5*time.Second), nil, nil, 5*time.Second)
	_, err := c.Query(context.Background(), query.Type("diagram"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestHMACSignerKeyLength(t *testing.T) {
	_, err := NewHMACSigner("0xa", []byte("short"))
	assert.Error(t, err)
	_, err = NewHMACSigner("", testKey)
	assert.Error(t, err)
}
