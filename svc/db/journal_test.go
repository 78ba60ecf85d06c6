package db

import (
	"context"
	"encoding/json"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drawchain/svc/retry"
)

func TestJournalSaveLoadRemove(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "retry.db"))
	require.NoError(t, err)
	defer j.Close()
	ctx := context.Background()
	require.NoError(t, j.Ping(ctx))

	next := time.UnixMilli(time.Now().Add(time.Minute).UnixMilli())
	rec := retry.Record{
		ID:          "op-1",
		Kind:        "export",
		Payload:     json.RawMessage(`{"id":"doc-1"}`),
		MaxRetries:  3,
		Exponential: true,
		NextAttempt: next,
	}
	require.NoError(t, j.Save(ctx, rec))

	rec.CurrentRetry = 2
	rec.LastError = "connection refused"
	require.NoError(t, j.Save(ctx, rec))

	got, err := j.Load(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "op-1", got[0].ID)
	assert.Equal(t, retry.Kind("export"), got[0].Kind)
	assert.JSONEq(t, `{"id":"doc-1"}`, string(got[0].Payload))
	assert.Equal(t, 2, got[0].CurrentRetry)
	assert.True(t, got[0].Exponential)
	assert.Equal(t, "connection refused", got[0].LastError)
	assert.True(t, next.Equal(got[0].NextAttempt))

	require.NoError(t, j.Remove(ctx, "op-1"))
	got, err = j.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "retry.db")
	j, err := NewJournal(path)
	require.NoError(t, err)
	require.NoError(t, j.Save(context.Background(), retry.Record{ID: "op-1", Kind: "mutation", MaxRetries: 3, NextAttempt: time.Now()}))
	require.NoError(t, j.Close())

	j, err = NewJournal(path)
	require.NoError(t, err)
	defer j.Close()
	got, err := j.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Nil(t, got[0].Payload)
}

func TestJournalCircuitOpensAfterFailures(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	j := NewJournalFromDB(sqlDB, time.Second)

	for i := 0; i < maxFailures; i++ {
		mock.ExpectExec("INSERT INTO retry_operations").WillReturnError(errors.New("disk I/O error"))
	}
	rec := retry.Record{ID: "op-1", Kind: "export", MaxRetries: 3, NextAttempt: time.Now()}
	for i := 0; i < maxFailures; i++ {
		assert.Error(t, j.Save(context.Background(), rec))
	}
	err = j.Save(context.Background(), rec)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalHalfOpenRecovers(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	j := NewJournalFromDB(sqlDB, time.Second)
	j.circuitState = circuitOpen
	j.circuitOpened = time.Now().Add(-time.Minute).Unix()

	mock.ExpectExec("DELETE FROM retry_operations").WithArgs("op-1").WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, j.Remove(context.Background(), "op-1"))
	assert.Equal(t, int32(circuitClosed), j.circuitState)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalLoadScanError(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	j := NewJournalFromDB(sqlDB, time.Second)

	rows := sqlmock.NewRows([]string{"id", "kind", "payload", "max_retries", "current_retry", "exponential", "next_attempt", "last_error"}).
		AddRow("op-1", "export", []byte(`{}`), "not-a-number", 0, 0, int64(0), "")
	mock.ExpectQuery("SELECT id, kind").WillReturnRows(rows)
	_, err = j.Load(context.Background())
	assert.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestJournalCheckpoint(t *testing.T) {
	j, err := NewJournal(filepath.Join(t.TempDir(), "retry.db"))
	require.NoError(t, err)
	defer j.Close()
	require.NoError(t, j.Save(context.Background(), retry.Record{ID: "op-1", Kind: "export", MaxRetries: 3, NextAttempt: time.Now()}))
	assert.NoError(t, j.checkpointOnce())

	quit := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		j.Maintain(quit)
	}()
	close(quit)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Maintain did not return after quit")
	}
}

func TestJournalCheckpointEscalatesAndReportsCorruption(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	j := NewJournalFromDB(sqlDB, time.Second)

	cols := []string{"busy", "log", "checkpointed"}
	mock.ExpectQuery(regexp.QuoteMeta("PRAGMA wal_checkpoint(PASSIVE)")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(1, 10, 9))
	mock.ExpectQuery(regexp.QuoteMeta("PRAGMA wal_checkpoint(TRUNCATE)")).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(0, 0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("PRAGMA integrity_check")).
		WillReturnRows(sqlmock.NewRows([]string{"integrity_check"}).AddRow("*** in database main ***"))

	err = j.checkpointOnce()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "integrity")
	assert.NoError(t, mock.ExpectationsWereMet())
}
