// Package retry runs store operations with at-least-once semantics: failed
// attempts are rescheduled with (optionally exponential) backoff until they
// succeed or exhaust their retry budget.
package retry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"drawchain/metrics"
	"drawchain/svc/util"
)

var (
	ErrUnknownKind = errors.New("retry: no handler registered for kind")
	ErrStopped     = errors.New("retry: queue stopped")
)

type Kind string

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not retryable. A handler returning it fails the
// operation immediately, whatever budget is left.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Handler performs one attempt of an operation.
type Handler func(ctx context.Context, payload json.RawMessage) (interface{}, error)

type Operation struct {
	ID                    string
	Kind                  Kind
	Payload               json.RawMessage
	MaxRetries            int
	CurrentRetry          int
	UseExponentialBackoff bool
	OnSuccess             func(result interface{})
	OnFailure             func(err error)
}

type EventType string

const (
	EventSuccess EventType = "operationSuccess"
	EventFailed  EventType = "operationFailed"
	EventRetry   EventType = "operationRetry"
)

type Event struct {
	Type        EventType
	OperationID string
	Kind        Kind
	Retry       int
	Err         error
	Result      interface{}
}

type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

type Status struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	State       State     `json:"state"`
	Retries     int       `json:"retries"`
	MaxRetries  int       `json:"max_retries"`
	LastError   string    `json:"last_error,omitempty"`
	NextAttempt time.Time `json:"next_attempt,omitempty"`
}

type Options struct {
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	Jitter            float64
	PollInterval      time.Duration
	AttemptTimeout    time.Duration
	Workers           int
	DefaultMaxRetries int
	HistorySize       int
}

func DefaultOptions() Options {
	return Options{
		BaseDelay:         time.Second,
		MaxDelay:          2 * time.Minute,
		Jitter:            0.1,
		PollInterval:      500 * time.Millisecond,
		AttemptTimeout:    30 * time.Second,
		Workers:           4,
		DefaultMaxRetries: 3,
		HistorySize:       1024,
	}
}

type entry struct {
	op      Operation
	next    time.Time
	running bool
	lastErr error
}

type Queue struct {
	handlers map[Kind]Handler
	opts     Options
	journal  Journal
	log      zerolog.Logger

	mu      sync.Mutex
	pending map[string]*entry
	history *lru.Cache[string, Status]
	subs    []func(Event)
	stopped bool

	sem      *semaphore.Weighted
	inflight sync.WaitGroup
	loop     sync.WaitGroup
	quit     chan struct{}
	now      func() time.Time
	rnd      func() float64
}

// New builds a queue around a fixed handler table. journal may be nil, in
// which case pending operations live only in memory.
func New(handlers map[Kind]Handler, opts Options, journal Journal) (*Queue, error) {
	def := DefaultOptions()
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = def.MaxDelay
		if opts.MaxDelay < opts.BaseDelay {
			opts.MaxDelay = opts.BaseDelay
		}
	}
	if opts.Jitter < 0 || opts.Jitter > 1 {
		return nil, errors.Errorf("retry: jitter %.2f out of [0,1]", opts.Jitter)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = def.PollInterval
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = def.AttemptTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.DefaultMaxRetries <= 0 {
		opts.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = def.HistorySize
	}
	hist, err := lru.New[string, Status](opts.HistorySize)
	if err != nil {
		return nil, err
	}
	h := make(map[Kind]Handler, len(handlers))
	for k, fn := range handlers {
		if fn == nil {
			return nil, errors.Errorf("retry: nil handler for %s", k)
		}
		h[k] = fn
	}
	return &Queue{
		handlers: h,
		opts:     opts,
		journal:  journal,
		log:      util.Component("retry"),
		pending:  make(map[string]*entry),
		history:  hist,
		sem:      semaphore.NewWeighted(int64(opts.Workers)),
		quit:     make(chan struct{}),
		now:      time.Now,
		rnd:      rand.Float64,
	}, nil
}

func (q *Queue) Subscribe(fn func(Event)) {
	q.mu.Lock()
	q.subs = append(q.subs, fn)
	q.mu.Unlock()
}

// Submit queues a fresh operation whose first attempt is due immediately.
func (q *Queue) Submit(op Operation) (string, error) {
	return q.enqueue(op, nil)
}

// Retry queues an operation whose first attempt already failed with cause.
// The failure counts against the retry budget, so an operation submitted
// with MaxRetries reached is dropped straight away.
func (q *Queue) Retry(op Operation, cause error) (string, error) {
	if cause == nil {
		cause = errors.New("initial attempt failed")
	}
	return q.enqueue(op, cause)
}

func (q *Queue) enqueue(op Operation, cause error) (string, error) {
	if _, ok := q.handlers[op.Kind]; !ok {
		return "", errors.Wrap(ErrUnknownKind, string(op.Kind))
	}
	if op.ID == "" {
		op.ID = util.NewOperationID()
	}
	if op.MaxRetries <= 0 {
		op.MaxRetries = q.opts.DefaultMaxRetries
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return "", ErrStopped
	}
	if _, dup := q.pending[op.ID]; dup {
		q.mu.Unlock()
		return "", errors.Errorf("retry: operation %s already queued", op.ID)
	}
	e := &entry{op: op, next: q.now()}
	q.pending[op.ID] = e
	// the first failure is applied before the scheduler can see the entry
	exhausted := cause != nil && q.failLocked(e, cause)
	q.mu.Unlock()

	if cause != nil {
		q.reportFailure(e, cause, exhausted)
	} else {
		q.persist(e)
	}
	q.updateDepth()
	return op.ID, nil
}

// Start restores journaled operations and launches the scheduling loop.
func (q *Queue) Start(ctx context.Context) error {
	if q.journal != nil {
		recs, err := q.journal.Load(ctx)
		if err != nil {
			return errors.Wrap(err, "load retry journal")
		}
		q.mu.Lock()
		for _, r := range recs {
			if _, ok := q.handlers[r.Kind]; !ok {
				q.log.Warn().Str("op", r.ID).Str("kind", string(r.Kind)).Msg("dropping journaled operation with unknown kind")
				continue
			}
			q.pending[r.ID] = &entry{op: r.operation(), next: r.NextAttempt}
		}
		q.mu.Unlock()
		if len(recs) > 0 {
			q.log.Info().Int("operations", len(recs)).Msg("resumed journaled operations")
		}
	}
	q.updateDepth()
	q.loop.Add(1)
	go q.run()
	return nil
}

func (q *Queue) run() {
	defer q.loop.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.quit:
			return
		case <-ticker.C:
			q.dispatchDue()
		}
	}
}

// Stop halts scheduling and waits for running attempts. Pending operations
// stay in the journal.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	close(q.quit)
	q.mu.Unlock()
	q.loop.Wait()
	q.inflight.Wait()
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *Queue) Status(id string) (Status, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if e, ok := q.pending[id]; ok {
		st := StatePending
		if e.running {
			st = StateRunning
		}
		s := Status{ID: id, Kind: e.op.Kind, State: st, Retries: e.op.CurrentRetry, MaxRetries: e.op.MaxRetries, NextAttempt: e.next}
		if e.lastErr != nil {
			s.LastError = e.lastErr.Error()
		}
		return s, true
	}
	return q.history.Get(id)
}

func (q *Queue) dispatchDue() {
	now := q.now()
	q.mu.Lock()
	var due []*entry
	for _, e := range q.pending {
		if !e.running && !now.Before(e.next) {
			due = append(due, e)
		}
	}
	q.mu.Unlock()
	for _, e := range due {
		if !q.sem.TryAcquire(1) {
			return
		}
		q.mu.Lock()
		if q.stopped || e.running {
			q.mu.Unlock()
			q.sem.Release(1)
			continue
		}
		e.running = true
		q.inflight.Add(1)
		q.mu.Unlock()
		go func(e *entry) {
			defer q.inflight.Done()
			defer q.sem.Release(1)
			q.attempt(e)
		}(e)
	}
}

func (q *Queue) attempt(e *entry) {
	ctx, cancel := context.WithTimeout(context.Background(), q.opts.AttemptTimeout)
	defer cancel()
	res, err := q.invoke(ctx, e.op)
	if err != nil {
		q.fail(e, err)
		return
	}
	q.succeed(e, res)
}

func (q *Queue) invoke(ctx context.Context, op Operation) (res interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return q.handlers[op.Kind](ctx, op.Payload)
}

func (q *Queue) succeed(e *entry, res interface{}) {
	q.mu.Lock()
	delete(q.pending, e.op.ID)
	q.history.Add(e.op.ID, Status{ID: e.op.ID, Kind: e.op.Kind, State: StateSucceeded, Retries: e.op.CurrentRetry, MaxRetries: e.op.MaxRetries})
	q.mu.Unlock()
	q.unpersist(e.op.ID)
	q.updateDepth()
	q.log.Debug().Str("op", e.op.ID).Str("kind", string(e.op.Kind)).Int("retry", e.op.CurrentRetry).Msg("operation succeeded")
	if e.op.OnSuccess != nil {
		e.op.OnSuccess(res)
	}
	q.emit(Event{Type: EventSuccess, OperationID: e.op.ID, Kind: e.op.Kind, Retry: e.op.CurrentRetry, Result: res})
}

func (q *Queue) fail(e *entry, err error) {
	q.mu.Lock()
	exhausted := q.failLocked(e, err)
	q.mu.Unlock()
	q.reportFailure(e, err, exhausted)
}

// failLocked counts a failed attempt and either reschedules e or drops it.
// Caller holds q.mu.
func (q *Queue) failLocked(e *entry, err error) bool {
	e.op.CurrentRetry++
	e.lastErr = err
	e.running = false
	if e.op.CurrentRetry > e.op.MaxRetries || isPermanent(err) {
		delete(q.pending, e.op.ID)
		q.history.Add(e.op.ID, Status{ID: e.op.ID, Kind: e.op.Kind, State: StateFailed, Retries: e.op.CurrentRetry, MaxRetries: e.op.MaxRetries, LastError: err.Error()})
		return true
	}
	e.next = q.now().Add(q.backoff(e.op))
	return false
}

func (q *Queue) reportFailure(e *entry, err error, exhausted bool) {
	q.mu.Lock()
	op := e.op
	q.mu.Unlock()

	if exhausted {
		q.unpersist(op.ID)
		q.updateDepth()
		q.log.Warn().Err(err).Str("op", op.ID).Str("kind", string(op.Kind)).Int("retries", op.CurrentRetry).Msg("operation failed permanently")
		if op.OnFailure != nil {
			op.OnFailure(err)
		}
		q.emit(Event{Type: EventFailed, OperationID: op.ID, Kind: op.Kind, Retry: op.CurrentRetry, Err: err})
		return
	}
	q.persist(e)
	q.log.Info().Err(err).Str("op", op.ID).Str("kind", string(op.Kind)).Int("retry", op.CurrentRetry).Msg("operation scheduled for retry")
	q.emit(Event{Type: EventRetry, OperationID: op.ID, Kind: op.Kind, Retry: op.CurrentRetry, Err: err})
}

// backoff is base*2^currentRetry for exponential operations, base otherwise,
// spread by ±jitter and capped at MaxDelay. Caller holds q.mu.
func (q *Queue) backoff(op Operation) time.Duration {
	d := float64(q.opts.BaseDelay)
	if op.UseExponentialBackoff {
		d *= math.Pow(2, float64(op.CurrentRetry))
	}
	if q.opts.Jitter > 0 {
		d *= 1 + q.opts.Jitter*(2*q.rnd()-1)
	}
	if d > float64(q.opts.MaxDelay) {
		d = float64(q.opts.MaxDelay)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

func (q *Queue) emit(ev Event) {
	metrics.RetryEvents.WithLabelValues(string(ev.Type), string(ev.Kind)).Inc()
	q.mu.Lock()
	subs := make([]func(Event), len(q.subs))
	copy(subs, q.subs)
	q.mu.Unlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (q *Queue) updateDepth() {
	metrics.RetryQueueDepth.Set(float64(q.Len()))
}

func (q *Queue) persist(e *entry) {
	if q.journal == nil {
		return
	}
	q.mu.Lock()
	rec := recordOf(e)
	q.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.journal.Save(ctx, rec); err != nil {
		q.log.Error().Err(err).Str("op", rec.ID).Msg("journal save failed")
	}
}

func (q *Queue) unpersist(id string) {
	if q.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := q.journal.Remove(ctx, id); err != nil {
		q.log.Error().Err(err).Str("op", id).Msg("journal remove failed")
	}
}
