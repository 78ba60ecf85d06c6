package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/pkg/errors"

	"drawchain/pkg/domain"
	"drawchain/pkg/query"
)

const (
	methodQuery  = "entities_query"
	methodGet    = "entities_get"
	methodMutate = "entities_mutate"

	rpcCodeNotFound     = -32001
	rpcCodeUnauthorized = -32003

	maxRPCResponse = 64 << 20
)

// RPC is the JSON-RPC 2.0 entity store backend. Mutations carry the signer
// address and an HMAC over the request body in X-Signer / X-Signature.
type RPC struct {
	url    string
	client *http.Client
	id     atomic.Int64
}

func NewRPC(url string, timeout time.Duration) *RPC {
	c := cleanhttp.DefaultPooledClient()
	c.Timeout = timeout
	return &RPC{url: url, client: c}
}

// NewRPCWithClient is used when the caller owns the transport.
func NewRPCWithClient(url string, c *http.Client) *RPC {
	return &RPC{url: url, client: c}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

type wireEntity struct {
	Key         string            `json:"key"`
	Owner       string            `json:"owner"`
	Payload     []byte            `json:"payload"`
	ContentType string            `json:"content_type"`
	Strings     map[string]string `json:"string_attributes"`
	Numbers     map[string]int64  `json:"numeric_attributes"`
	ExpiresAt   int64             `json:"expires_at"`
}

func (w wireEntity) entity() Entity {
	a := NewAttributes()
	for k, v := range w.Strings {
		a.Strings[k] = v
	}
	for k, v := range w.Numbers {
		a.Numbers[k] = v
	}
	return Entity{
		Key:         w.Key,
		Owner:       w.Owner,
		Payload:     w.Payload,
		ContentType: w.ContentType,
		Attributes:  a,
		ExpiresAt:   time.Unix(w.ExpiresAt, 0),
	}
}

func (r *RPC) Query(ctx context.Context, p *query.Predicate) ([]Entity, error) {
	if err := p.Err(); err != nil {
		return nil, err
	}
	var raw []wireEntity
	if err := r.call(ctx, methodQuery, []interface{}{p.String()}, nil, &raw); err != nil {
		return nil, err
	}
	out := make([]Entity, 0, len(raw))
	for _, w := range raw {
		out = append(out, w.entity())
	}
	return out, nil
}

func (r *RPC) Get(ctx context.Context, key string) (*Entity, error) {
	var raw *wireEntity
	if err := r.call(ctx, methodGet, []interface{}{key}, nil, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, errors.Wrap(domain.ErrEntityNotFound, key)
	}
	e := raw.entity()
	return &e, nil
}

func (r *RPC) Mutate(ctx context.Context, m Mutation, s Signer) (*MutationResult, error) {
	if s == nil {
		return nil, domain.ErrNoWriteAccess
	}
	var res MutationResult
	if err := r.call(ctx, methodMutate, []interface{}{m}, s, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func (r *RPC) call(ctx context.Context, method string, params []interface{}, s Signer, out interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: r.id.Add(1), Method: method, Params: params})
	if err != nil {
		return errors.Wrap(err, "encode rpc request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build rpc request")
	}
	req.Header.Set("Content-Type", "application/json")
	if s != nil {
		sig, err := s.Sign(body)
		if err != nil {
			return errors.Wrap(err, "sign mutation")
		}
		req.Header.Set("X-Signer", s.Address())
		req.Header.Set("X-Signature", hex.EncodeToString(sig))
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "rpc %s", method)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxRPCResponse))
	if err != nil {
		return errors.Wrapf(err, "rpc %s: read response", method)
	}
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("rpc %s: HTTP %d", method, resp.StatusCode)
	}
	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return errors.Wrapf(err, "rpc %s: decode response", method)
	}
	if rr.Error != nil {
		switch rr.Error.Code {
		case rpcCodeNotFound:
			return errors.Wrap(domain.ErrEntityNotFound, rr.Error.Message)
		case rpcCodeUnauthorized:
			return errors.Wrap(domain.ErrAuthorization, rr.Error.Message)
		}
		return errors.Wrapf(rr.Error, "rpc %s", method)
	}
	if out == nil || len(rr.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return errors.Wrapf(err, "rpc %s: decode result", method)
	}
	return nil
}
