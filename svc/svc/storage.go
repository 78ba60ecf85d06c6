// Package svc holds the storage orchestrator: every document operation the
// calling layer can invoke, built on the entity store client, the retry
// queue, the tier policy and the share token manager.
package svc

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"drawchain/cfg"
	"drawchain/pkg/btl"
	"drawchain/pkg/codec"
	"drawchain/pkg/domain"
	"drawchain/pkg/kms"
	"drawchain/pkg/tier"
	"drawchain/svc/retry"
	"drawchain/svc/share"
	"drawchain/svc/store"
	"drawchain/svc/util"
)

const (
	typeDocument = "diagram"
	typeChunk    = "diagram_chunk"
	typeEvent    = "diagram_event"
	typeConfig   = "user_config"

	contentTypeBinary = "application/octet-stream"
)

const (
	KindExport   retry.Kind = "export"
	KindMutation retry.Kind = "mutation"
)

// Deps are the collaborators of Storage. Envelope, Revoked and Journal may be
// nil.
type Deps struct {
	Store    *store.Client
	Policy   *tier.Policy
	Codec    *codec.Codec
	Envelope *kms.Envelope
	Issuer   *util.TokenIssuer
	Revoked  util.RevocationTracker
	Journal  retry.Journal
}

type Storage struct {
	store    *store.Client
	policy   *tier.Policy
	codec    *codec.Codec
	envelope *kms.Envelope
	btl      btl.Calculator
	queue    *retry.Queue
	shares   *share.Manager
	cfg      *cfg.Cfg
	log      zerolog.Logger
	now      func() time.Time

	readbacks   sync.WaitGroup
	opWg        sync.WaitGroup
	shutdown    atomic.Bool
	shutdownCtx context.Context
	shutdownFn  context.CancelFunc
}

// Outcome reports a mutation that either landed or was handed to the retry
// queue.
type Outcome struct {
	Pending     bool   `json:"pending"`
	OperationID string `json:"operation_id,omitempty"`
}

func NewStorage(c *cfg.Cfg, d Deps) (*Storage, error) {
	if c == nil || d.Store == nil || d.Codec == nil || d.Issuer == nil {
		return nil, errors.New("storage: nil dependency (cfg, store, codec or token issuer)")
	}
	if d.Policy == nil {
		d.Policy = tier.Default()
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	s := &Storage{
		store:       d.Store,
		policy:      d.Policy,
		codec:       d.Codec,
		envelope:    d.Envelope,
		btl:         btl.New(c.Store.BlockTimeSeconds),
		cfg:         c,
		log:         util.Component("storage"),
		now:         time.Now,
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	q, err := retry.New(map[retry.Kind]retry.Handler{
		KindExport:   s.retryExport,
		KindMutation: s.retryMutation,
	}, retry.Options{
		BaseDelay:         c.Retry.BaseDelay,
		MaxDelay:          c.Retry.MaxDelay,
		Jitter:            c.Retry.Jitter,
		PollInterval:      c.Retry.PollInterval,
		AttemptTimeout:    c.Retry.AttemptTimeout,
		Workers:           c.Retry.Workers,
		DefaultMaxRetries: c.Retry.MaxRetries,
	}, d.Journal)
	if err != nil {
		shutdownFn()
		return nil, errors.Wrap(err, "init retry queue")
	}
	s.queue = q
	s.shares = share.New(d.Store, s, d.Policy, d.Issuer, d.Revoked, share.Options{
		DefaultDays: c.ShareTokenDefaultDays,
		MarkerDays:  c.RevocationMarkerDays,
		BTL:         s.btl,
	})
	return s, nil
}

// WithClock replaces the wall clock used for timestamps and expiry checks.
func (s *Storage) WithClock(now func() time.Time) *Storage {
	s.now = now
	s.shares.WithClock(now)
	return s
}

// Start resumes journaled retries and starts the retry loop.
func (s *Storage) Start(ctx context.Context) error {
	return s.queue.Start(ctx)
}

func (s *Storage) Subscribe(fn func(retry.Event)) {
	s.queue.Subscribe(fn)
}

func (s *Storage) OperationStatus(id string) (retry.Status, bool) {
	return s.queue.Status(id)
}

func (s *Storage) CanWrite() bool { return s.store.CanWrite() }

func (s *Storage) Shutdown() {
	s.shutdown.Store(true)
	s.queue.Stop()
	s.opWg.Wait()
	done := make(chan struct{})
	go func() {
		s.readbacks.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.log.Warn().Msg("read-backs didn't finish in time")
	}
	s.shutdownFn()
	s.log.Debug().Msg("storage shutdown complete")
}

func (s *Storage) begin() error {
	if s.shutdown.Load() {
		return domain.ErrShuttingDown
	}
	s.opWg.Add(1)
	return nil
}

// apply writes m, handing it to the retry queue when the store is
// temporarily unreachable.
func (s *Storage) apply(ctx context.Context, m store.Mutation, what string) (*Outcome, error) {
	_, err := s.store.Mutate(ctx, m)
	if err == nil {
		return &Outcome{}, nil
	}
	if !isTransient(err) {
		return nil, err
	}
	payload, merr := json.Marshal(m)
	if merr != nil {
		return nil, errors.Wrap(merr, "encode mutation")
	}
	id, qerr := s.queue.Retry(retry.Operation{
		Kind:                  KindMutation,
		Payload:               payload,
		MaxRetries:            s.cfg.Retry.MaxRetries,
		UseExponentialBackoff: true,
	}, err)
	if qerr != nil {
		return nil, errors.Wrapf(err, "%s (not queued: %v)", what, qerr)
	}
	s.log.Info().Err(err).Str("op", id).Str("what", what).Msg("store unavailable, mutation queued")
	return &Outcome{Pending: true, OperationID: id}, nil
}

func (s *Storage) retryMutation(ctx context.Context, payload json.RawMessage) (interface{}, error) {
	var m store.Mutation
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, retry.Permanent(errors.Wrap(err, "decode mutation"))
	}
	// an earlier attempt may have landed before its response was lost
	live := m.Deletes[:0]
	for _, k := range m.Deletes {
		if _, err := s.store.Get(ctx, k); err != nil {
			if errors.Is(err, domain.ErrEntityNotFound) {
				continue
			}
			return nil, classify(err)
		}
		live = append(live, k)
	}
	m.Deletes = live
	res, err := s.store.Mutate(ctx, m)
	if err != nil {
		return nil, classify(err)
	}
	return res, nil
}

// classify marks errors the retry queue should not spend its budget on.
func classify(err error) error {
	if isTransient(err) {
		return err
	}
	return retry.Permanent(err)
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection refused",
	"network error",
	"connection reset",
	"eof",
	"http 502",
	"http 503",
	"http 504",
}

// isTransient decides whether a store failure is worth retrying. Domain
// errors other than ErrTransient never are.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	switch domain.KindOf(err) {
	case domain.KindTransient:
		return true
	case domain.KindInternal:
	default:
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	// wrap context carries ids and predicates; only the root message counts
	msg := strings.ToLower(rootCause(err).Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
