// Package journal keeps a durable history of segment merges in PostgreSQL.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/Adithya-Monish-Kumar-K/segmerge/internal/indexer"
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeAbandoned = "abandoned"
)

const schema = `CREATE TABLE IF NOT EXISTS merge_history (
	id          BIGSERIAL PRIMARY KEY,
	shard_id    INTEGER     NOT NULL,
	job_id      BIGINT      NOT NULL,
	outcome     TEXT        NOT NULL,
	sources     TEXT[]      NOT NULL,
	target      TEXT,
	docs        INTEGER     NOT NULL DEFAULT 0,
	bytes       BIGINT      NOT NULL DEFAULT 0,
	duration_ms BIGINT      NOT NULL DEFAULT 0,
	error       TEXT,
	recorded_at TIMESTAMPTZ NOT NULL
)`

const insertEntry = `INSERT INTO merge_history
	(shard_id, job_id, outcome, sources, target, docs, bytes, duration_ms, error, recorded_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`

// DB is the subset of *sql.DB the journal writes through.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Journal is an indexer.MergeListener that inserts one row per merge
// outcome. A Journal without a DB records nothing.
type Journal struct {
	db      DB
	timeout time.Duration
	logger  *slog.Logger
}

var _ indexer.MergeListener = (*Journal)(nil)

func New(db DB) *Journal {
	return &Journal{
		db:      db,
		timeout: 2 * time.Second,
		logger:  slog.Default().With("component", "merge-journal"),
	}
}

// EnsureSchema creates the merge_history table if it does not exist.
func (j *Journal) EnsureSchema(ctx context.Context) error {
	if j.db == nil {
		return nil
	}
	if _, err := j.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("creating merge_history table: %w", err)
	}
	return nil
}

func (j *Journal) OnMergeCompleted(ctx context.Context, ev indexer.MergeEvent) {
	j.record(ctx, OutcomeCompleted, ev, nil)
}

func (j *Journal) OnMergeFailed(ctx context.Context, ev indexer.MergeEvent, err error) {
	j.record(ctx, OutcomeFailed, ev, err)
}

func (j *Journal) OnMergeAbandoned(ctx context.Context, ev indexer.MergeEvent) {
	j.record(ctx, OutcomeAbandoned, ev, nil)
}

func (j *Journal) record(ctx context.Context, outcome string, ev indexer.MergeEvent, mergeErr error) {
	if j.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), j.timeout)
	defer cancel()

	var target, errText sql.NullString
	if ev.Target != "" {
		target = sql.NullString{String: ev.Target, Valid: true}
	}
	if mergeErr != nil {
		errText = sql.NullString{String: mergeErr.Error(), Valid: true}
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	sources := ev.Sources
	if sources == nil {
		sources = []string{}
	}

	_, err := j.db.ExecContext(ctx, insertEntry,
		ev.ShardID,
		int64(ev.JobID),
		outcome,
		pq.Array(sources),
		target,
		ev.Docs,
		ev.Bytes,
		ev.Duration.Milliseconds(),
		errText,
		at.UTC(),
	)
	if err != nil {
		j.logger.Error("failed to record merge",
			"shard_id", ev.ShardID,
			"job", ev.JobID,
			"outcome", outcome,
			"error", err,
		)
	}
}
