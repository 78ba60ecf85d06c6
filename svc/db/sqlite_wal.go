package db

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"drawchain/svc/util"
)

const (
	walPageSize        = 4096
	walTruncateAt      = 4 << 20
	checkpointInterval = 5 * time.Minute
	integrityTimeout   = 30 * time.Second
	checkpointPassive  = "PASSIVE"
	checkpointTruncate = "TRUNCATE"
)

type checkpoint struct {
	busy, logPages, moved int
}

func (c checkpoint) walBytes() int64 { return int64(c.logPages) * walPageSize }

// Maintain checkpoints the journal WAL every few minutes and once more when
// quit closes. It blocks; run it in its own goroutine.
func (j *Journal) Maintain(quit <-chan struct{}) {
	log := util.Component("journal")
	t := time.NewTicker(checkpointInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := j.checkpointOnce(); err != nil {
				log.Error().Err(err).Msg("wal checkpoint failed")
			}
		case <-quit:
			if err := j.checkpointOnce(); err != nil {
				log.Error().Err(err).Msg("final wal checkpoint failed")
			}
			return
		}
	}
}

// checkpointOnce runs a passive checkpoint and escalates to TRUNCATE when
// readers held pages back or the log grew past walTruncateAt.
func (j *Journal) checkpointOnce() error {
	start := time.Now()
	cp, err := j.walCheckpoint(checkpointPassive)
	if err != nil {
		return err
	}
	if cp.busy > 0 || cp.walBytes() > walTruncateAt {
		util.Info().Int64("wal_bytes", cp.walBytes()).Int("busy", cp.busy).Msg("journal wal truncating")
		if cp, err = j.walCheckpoint(checkpointTruncate); err != nil {
			return err
		}
	}
	if err := j.integrityCheck(); err != nil {
		return err
	}
	util.Debug().
		Int("moved", cp.moved).
		Dur("duration", time.Since(start)).
		Msg("journal checkpoint done")
	return nil
}

func (j *Journal) walCheckpoint(mode string) (checkpoint, error) {
	var cp checkpoint
	err := j.db.QueryRow("PRAGMA wal_checkpoint("+mode+")").Scan(&cp.busy, &cp.logPages, &cp.moved)
	if err == nil {
		return cp, nil
	}
	// some drivers refuse to scan the pragma result; run it blind
	if _, execErr := j.db.Exec("PRAGMA wal_checkpoint(" + mode + ")"); execErr != nil {
		return cp, errors.Wrapf(execErr, "wal checkpoint %s", mode)
	}
	return cp, nil
}

func (j *Journal) integrityCheck() error {
	ctx, cancel := context.WithTimeout(context.Background(), integrityTimeout)
	defer cancel()
	var res string
	if err := j.db.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&res); err != nil {
		return errors.Wrap(err, "integrity check")
	}
	if res != "ok" {
		return errors.Errorf("journal integrity check: %s", res)
	}
	return nil
}
