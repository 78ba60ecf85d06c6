package retry

import (
	"context"
	"encoding/json"
	"time"
)

// Record is the durable form of a pending operation. Callbacks are process
// local and are not part of it.
type Record struct {
	ID           string
	Kind         Kind
	Payload      json.RawMessage
	MaxRetries   int
	CurrentRetry int
	Exponential  bool
	NextAttempt  time.Time
	LastError    string
}

type Journal interface {
	Save(ctx context.Context, r Record) error
	Remove(ctx context.Context, id string) error
	Load(ctx context.Context) ([]Record, error)
}

func recordOf(e *entry) Record {
	r := Record{
		ID:           e.op.ID,
		Kind:         e.op.Kind,
		Payload:      e.op.Payload,
		MaxRetries:   e.op.MaxRetries,
		CurrentRetry: e.op.CurrentRetry,
		Exponential:  e.op.UseExponentialBackoff,
		NextAttempt:  e.next,
	}
	if e.lastErr != nil {
		r.LastError = e.lastErr.Error()
	}
	return r
}

func (r Record) operation() Operation {
	return Operation{
		ID:                    r.ID,
		Kind:                  r.Kind,
		Payload:               r.Payload,
		MaxRetries:            r.MaxRetries,
		CurrentRetry:          r.CurrentRetry,
		UseExponentialBackoff: r.Exponential,
	}
}
