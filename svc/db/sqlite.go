package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"drawchain/svc/retry"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

const (
	defaultMaxOpenConns = 4
	defaultMaxIdleConns = 2
	defaultQueryTimeout = 5 * time.Second
)

// Journal persists pending retry operations in SQLite so they survive a
// restart. It implements retry.Journal.
type Journal struct {
	db            *sql.DB
	failures      int32
	circuitState  int32
	circuitOpened int64
	queryTimeout  time.Duration
}

var _ retry.Journal = (*Journal)(nil)

func NewJournal(path string) (*Journal, error) {
	return NewJournalWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewJournalWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "failed to ping db")
	}
	j := NewJournalFromDB(db, queryTimeout)
	if err := j.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return j, nil
}

// NewJournalFromDB wraps an already opened, migrated database.
func NewJournalFromDB(db *sql.DB, queryTimeout time.Duration) *Journal {
	return &Journal{db: db, queryTimeout: queryTimeout}
}

func (j *Journal) checkCircuit() error {
	switch atomic.LoadInt32(&j.circuitState) {
	case circuitOpen:
		opened := atomic.LoadInt64(&j.circuitOpened)
		if time.Now().Unix()-opened >= cooldownSeconds {
			if atomic.CompareAndSwapInt32(&j.circuitState, circuitOpen, circuitHalfOpen) {
				return nil
			}
		}
		return ErrCircuitOpen
	default:
		return nil
	}
}
func (j *Journal) recordError(err error) {
	if err == nil {
		atomic.StoreInt32(&j.failures, 0)
		atomic.StoreInt32(&j.circuitState, circuitClosed)
		return
	}
	if errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return
	}
	failures := atomic.AddInt32(&j.failures, 1)
	if atomic.LoadInt32(&j.circuitState) == circuitHalfOpen {
		atomic.StoreInt32(&j.circuitState, circuitOpen)
		atomic.StoreInt64(&j.circuitOpened, time.Now().Unix())
		atomic.StoreInt32(&j.failures, 0)
		return
	}
	if failures >= maxFailures && atomic.LoadInt32(&j.circuitState) == circuitClosed {
		atomic.StoreInt32(&j.circuitState, circuitOpen)
		atomic.StoreInt64(&j.circuitOpened, time.Now().Unix())
	}
}
func (j *Journal) migrate() error {
	if _, err := j.db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return errors.Wrap(err, "enable WAL mode")
	}
	if _, err := j.db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		return errors.Wrap(err, "set busy timeout")
	}
	if _, err := j.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	_, err := j.db.Exec(`
	CREATE TABLE IF NOT EXISTS retry_operations (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload BLOB,
		max_retries INTEGER NOT NULL,
		current_retry INTEGER NOT NULL DEFAULT 0,
		exponential INTEGER NOT NULL DEFAULT 0,
		next_attempt INTEGER NOT NULL,
		last_error TEXT,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_retry_next_attempt ON retry_operations(next_attempt);
	`)
	return err
}

func (j *Journal) Save(ctx context.Context, r retry.Record) error {
	if err := j.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, j.queryTimeout)
	defer cancel()
	q := `
	INSERT INTO retry_operations (id, kind, payload, max_retries, current_retry, exponential, next_attempt, last_error, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		current_retry = excluded.current_retry,
		next_attempt = excluded.next_attempt,
		last_error = excluded.last_error,
		updated_at = excluded.updated_at
	`
	_, err := j.db.ExecContext(queryCtx, q,
		r.ID, string(r.Kind), []byte(r.Payload), r.MaxRetries, r.CurrentRetry, boolInt(r.Exponential),
		r.NextAttempt.UnixMilli(), r.LastError, time.Now().UnixMilli(),
	)
	j.recordError(err)
	return errors.Wrap(err, "journal save")
}
func (j *Journal) Remove(ctx context.Context, id string) error {
	if err := j.checkCircuit(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, j.queryTimeout)
	defer cancel()
	_, err := j.db.ExecContext(queryCtx, `DELETE FROM retry_operations WHERE id = ?`, id)
	j.recordError(err)
	return errors.Wrap(err, "journal remove")
}
func (j *Journal) Load(ctx context.Context) ([]retry.Record, error) {
	if err := j.checkCircuit(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, j.queryTimeout)
	defer cancel()
	rows, err := j.db.QueryContext(queryCtx, `
	SELECT id, kind, payload, max_retries, current_retry, exponential, next_attempt, COALESCE(last_error, '')
	FROM retry_operations ORDER BY next_attempt
	`)
	j.recordError(err)
	if err != nil {
		return nil, errors.Wrap(err, "journal load")
	}
	defer rows.Close()
	var out []retry.Record
	for rows.Next() {
		var (
			r           retry.Record
			kind        string
			payload     []byte
			exponential int
			next        int64
		)
		if err := rows.Scan(&r.ID, &kind, &payload, &r.MaxRetries, &r.CurrentRetry, &exponential, &next, &r.LastError); err != nil {
			return nil, errors.Wrap(err, "journal scan")
		}
		r.Kind = retry.Kind(kind)
		if len(payload) > 0 {
			r.Payload = json.RawMessage(payload)
		}
		r.Exponential = exponential != 0
		r.NextAttempt = time.UnixMilli(next)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "journal rows")
	}
	return out, nil
}
func (j *Journal) Close() error {
	return j.db.Close()
}
func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
