// Package pgstore provides a PostgreSQL-backed run record sink. Records are
// insert-only: one row per finished run, for audit and offline analysis.
package pgstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/HKUDS/AI-Trader-sub000/internal/workflow"
)

// Schema is the DDL for the run record table. Applied by the operator or a
// migration tool, not by this package.
const Schema = `
CREATE TABLE IF NOT EXISTS aitrader_runs (
	run_id     TEXT PRIMARY KEY,
	workflow   TEXT NOT NULL,
	status     TEXT NOT NULL,
	stages     JSONB NOT NULL,
	errors     JSONB,
	metadata   JSONB,
	start_time TIMESTAMPTZ NOT NULL,
	end_time   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS aitrader_runs_workflow_idx ON aitrader_runs (workflow, end_time);
`

// Store implements workflow.RunSink with PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a PostgreSQL run sink over the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Record inserts one finished run.
func (s *Store) Record(ctx context.Context, rec *workflow.RunRecord) error {
	stages, err := json.Marshal(rec.Stages)
	if err != nil {
		return fmt.Errorf("marshal stages: %w", err)
	}
	errs, err := json.Marshal(rec.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO aitrader_runs (run_id, workflow, status, stages, errors, metadata, start_time, end_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, rec.RunID, rec.WorkflowName, string(rec.Status), stages, errs, metadata, rec.StartTime, rec.EndTime)
	if err != nil {
		return fmt.Errorf("insert run record: %w", err)
	}
	return nil
}

// CountByStatus returns run counts per final status for a workflow.
// Monitoring tools use this to separate intentional skips from breakage.
func (s *Store) CountByStatus(ctx context.Context, workflowName string) (map[workflow.Status]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM aitrader_runs
		WHERE workflow = $1
		GROUP BY status
	`, workflowName)
	if err != nil {
		return nil, fmt.Errorf("count runs: %w", err)
	}
	defer rows.Close()

	counts := make(map[workflow.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan run count: %w", err)
		}
		counts[workflow.Status(status)] = count
	}
	return counts, rows.Err()
}
