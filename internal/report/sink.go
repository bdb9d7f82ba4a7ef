package report

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"qaloop/internal/artifact"
)

// Sink persists a finished report.
type Sink interface {
	Publish(ctx context.Context, r *Report) error
}

// StoreSink writes the results file into an artifact store.
type StoreSink struct {
	Store artifact.Store
}

func (s StoreSink) Publish(ctx context.Context, r *Report) error {
	raw, err := MarshalResults(r)
	if err != nil {
		return fmt.Errorf("marshal results: %w", err)
	}
	if err := s.Store.Save(ctx, ResultsRef(r.ModuleID), raw); err != nil {
		return fmt.Errorf("write results: %w", err)
	}
	return nil
}

// PostgresSink appends each run and its entries to a run history.
type PostgresSink struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS qaloop_runs (
    id BIGSERIAL PRIMARY KEY,
    module_id TEXT NOT NULL,
    started_at TIMESTAMP WITH TIME ZONE NOT NULL,
    finished_at TIMESTAMP WITH TIME ZONE NOT NULL,
    total INTEGER NOT NULL,
    passed INTEGER NOT NULL,
    all_passed BOOLEAN NOT NULL
);
CREATE TABLE IF NOT EXISTS qaloop_run_entries (
    run_id BIGINT NOT NULL REFERENCES qaloop_runs(id) ON DELETE CASCADE,
    task_id TEXT NOT NULL,
    artifact_ref TEXT NOT NULL,
    status TEXT NOT NULL,
    score DOUBLE PRECISION,
    attempt INTEGER NOT NULL,
    carried BOOLEAN NOT NULL DEFAULT FALSE,
    error TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (run_id, task_id)
);
`)
	})
	return s.schemaErr
}

func (s *PostgresSink) Publish(ctx context.Context, r *Report) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	sum := r.Summary()
	finished := r.Finished
	if finished.IsZero() {
		finished = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var runID int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO qaloop_runs (module_id, started_at, finished_at, total, passed, all_passed)
VALUES ($1, $2, $3, $4, $5, $6) RETURNING id
`, r.ModuleID, r.Started, finished, sum.Total, sum.Passed, sum.AllPassed()).Scan(&runID)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	for _, e := range r.Entries() {
		_, err := tx.ExecContext(ctx, `
INSERT INTO qaloop_run_entries (run_id, task_id, artifact_ref, status, score, attempt, carried, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
`, runID, e.TaskID, e.ArtifactRef, string(e.Status), e.Score, e.Attempt, e.Carried, e.Error)
		if err != nil {
			return fmt.Errorf("insert entry %s: %w", e.TaskID, err)
		}
	}
	return tx.Commit()
}

// PublishAll hands the report to every sink concurrently and returns the
// first failure.
func PublishAll(ctx context.Context, r *Report, sinks ...Sink) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, s := range sinks {
		if s == nil {
			continue
		}
		g.Go(func() error { return s.Publish(ctx, r) })
	}
	return g.Wait()
}
