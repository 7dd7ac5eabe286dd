package metrics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// RunCounts aggregates per-source outcomes for one sync run.
type RunCounts struct {
	SourcesTotal       int `json:"sources_total"`
	Completed          int `json:"completed"`
	Failed             int `json:"failed"`
	Skipped            int `json:"skipped"`
	Submitted          int `json:"submitted"`
	DocumentsIndexed   int `json:"documents_indexed"`
	EmbeddingsComputed int `json:"embeddings_computed"`
	EmbedCacheHits     int `json:"embed_cache_hits"`
}

// RunRecord is one row of sync run history.
type RunRecord struct {
	RunID        string    `json:"run_id"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Status       string    `json:"status"`
	Counts       RunCounts `json:"counts"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// StartRun records the beginning of a sync run. Writes synchronously; a run
// that crashes mid-way still leaves a row in status "running".
func (c *Collector) StartRun(ctx context.Context, runID string, sourcesTotal int) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO sync_runs (run_id, started_at, sources_total) VALUES (?,?,?)`,
		runID, time.Now().Unix(), sourcesTotal)
	if err != nil {
		return fmt.Errorf("start run %s: %w", runID, err)
	}
	return nil
}

// FinishRun records the outcome of a sync run.
func (c *Collector) FinishRun(ctx context.Context, runID, status string, counts RunCounts, errorMessage string) error {
	_, err := c.db.ExecContext(ctx, `
		UPDATE sync_runs SET
			finished_at = ?, status = ?,
			sources_total = ?, sources_completed = ?, sources_failed = ?,
			sources_skipped = ?, sources_submitted = ?,
			documents_indexed = ?, embeddings_computed = ?, embed_cache_hits = ?,
			error_message = ?
		WHERE run_id = ?`,
		time.Now().Unix(), status,
		counts.SourcesTotal, counts.Completed, counts.Failed,
		counts.Skipped, counts.Submitted,
		counts.DocumentsIndexed, counts.EmbeddingsComputed, counts.EmbedCacheHits,
		nullIfEmpty(errorMessage), runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// GetRun returns one run by id, or nil if not found.
func (c *Collector) GetRun(ctx context.Context, runID string) (*RunRecord, error) {
	row := c.db.QueryRowContext(ctx,
		runColumns+" FROM sync_runs WHERE run_id = ?", runID)
	rec, err := scanRun(row)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return rec, nil
}

// RecentRuns returns the most recent runs, newest first.
func (c *Collector) RecentRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := c.db.QueryContext(ctx,
		runColumns+" FROM sync_runs ORDER BY started_at DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var out []*RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const runColumns = `SELECT run_id, started_at, finished_at, status,
	sources_total, sources_completed, sources_failed, sources_skipped, sources_submitted,
	documents_indexed, embeddings_computed, embed_cache_hits, error_message`

func scanRun(row interface{ Scan(...any) error }) (*RunRecord, error) {
	var rec RunRecord
	var started int64
	var finished sql.NullInt64
	var errMsg sql.NullString

	err := row.Scan(&rec.RunID, &started, &finished, &rec.Status,
		&rec.Counts.SourcesTotal, &rec.Counts.Completed, &rec.Counts.Failed,
		&rec.Counts.Skipped, &rec.Counts.Submitted,
		&rec.Counts.DocumentsIndexed, &rec.Counts.EmbeddingsComputed, &rec.Counts.EmbedCacheHits,
		&errMsg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.StartedAt = time.Unix(started, 0)
	if finished.Valid {
		rec.FinishedAt = time.Unix(finished.Int64, 0)
	}
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}
	return &rec, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
