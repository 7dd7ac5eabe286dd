// Package taskq implements the async task manager backed by SQLite.
//
// Long-running background fetches (spreadsheet pulls against slow external
// APIs) are submitted here so the sync loop never blocks on them. Submission
// returns a task id immediately; a bounded worker pool claims pending tasks,
// runs the handler, and records the terminal outcome. A later run consumes
// the stored result.
//
// Task lifecycle:
//
//	pending → processing → completed | failed
//
// A handler error puts the task back to pending while attempts remain, so
// transient API failures retry on the next poll. failed is terminal.
// Claims are single atomic UPDATE ... RETURNING statements, so concurrent
// workers on the same database never double-claim.
package taskq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/idgen"
)

// Task statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Schema creates the tasks table and its indexes.
const Schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	queue         TEXT NOT NULL DEFAULT '',
	source_id     TEXT NOT NULL DEFAULT '',
	status        TEXT NOT NULL DEFAULT 'pending',
	payload       BLOB,
	result        BLOB,
	error_message TEXT NOT NULL DEFAULT '',
	attempts      INTEGER NOT NULL DEFAULT 0,
	consumed      INTEGER NOT NULL DEFAULT 0,
	created_at    INTEGER NOT NULL,
	started_at    INTEGER NOT NULL DEFAULT 0,
	completed_at  INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks (queue, status, created_at);
CREATE INDEX IF NOT EXISTS idx_tasks_source ON tasks (queue, source_id, status);
`

// Task is a row in the queue.
type Task struct {
	ID           string
	Queue        string
	SourceID     string
	Status       string
	Payload      []byte
	Result       []byte
	ErrorMessage string
	Attempts     int
	Consumed     bool
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues can coexist in the
	// same table. Default: "" (the default queue).
	Queue string
	// PollInterval is the delay between claim attempts in the Run loop.
	// Default: 1s.
	PollInterval time.Duration
	// MaxAttempts is how many times a task may be attempted before it is
	// marked failed. Default: 3.
	MaxAttempts int
	// NewID generates task ids. Default: "tsk_" + UUIDv7.
	NewID idgen.Generator
	// Logger overrides the default slog logger.
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.NewID == nil {
		o.NewID = idgen.Prefixed("tsk_", idgen.UUIDv7())
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Apply Schema (or call EnsureTable) before the
// first Submit.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the tasks table and indexes if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, Schema)
	return err
}

// Submit inserts a pending task and returns its id immediately.
func (q *Q) Submit(ctx context.Context, sourceID string, payload []byte) (string, error) {
	id := q.opts.NewID()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO tasks (id, queue, source_id, status, payload, created_at) VALUES (?,?,?,?,?,?)`,
		id, q.opts.Queue, sourceID, StatusPending, payload, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", err
	}
	return id, nil
}

const taskColumns = `id, queue, source_id, status, payload, result, error_message,
	attempts, consumed, created_at, started_at, completed_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	var t Task
	var consumed int
	var creAt, staAt, comAt int64
	err := row.Scan(&t.ID, &t.Queue, &t.SourceID, &t.Status, &t.Payload, &t.Result,
		&t.ErrorMessage, &t.Attempts, &consumed, &creAt, &staAt, &comAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	t.Consumed = consumed != 0
	t.CreatedAt = time.UnixMilli(creAt)
	if staAt > 0 {
		t.StartedAt = time.UnixMilli(staAt)
	}
	if comAt > 0 {
		t.CompletedAt = time.UnixMilli(comAt)
	}
	return &t, nil
}

// Claim atomically picks the oldest pending task and marks it processing.
// Returns nil, nil if nothing is pending.
func (q *Q) Claim(ctx context.Context) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET status = ?, started_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM tasks
			WHERE queue = ? AND status = ?
			ORDER BY created_at ASC
			LIMIT 1
		)
		RETURNING `+taskColumns,
		StatusProcessing, time.Now().UnixMilli(), q.opts.Queue, StatusPending,
	)
	return scanTask(row)
}

// Complete records a task's result and marks it completed.
// Result rows are written once here and never mutated afterwards.
func (q *Q) Complete(ctx context.Context, id string, result []byte) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, error_message = '', completed_at = ?
		 WHERE id = ? AND queue = ?`,
		StatusCompleted, result, time.Now().UnixMilli(), id, q.opts.Queue,
	)
	return err
}

// Fail marks a task failed terminally with an error message.
func (q *Q) Fail(ctx context.Context, id, errMsg string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_message = ?, completed_at = ?
		 WHERE id = ? AND queue = ?`,
		StatusFailed, errMsg, time.Now().UnixMilli(), id, q.opts.Queue,
	)
	return err
}

// release puts a task back to pending after a retryable handler error.
func (q *Q) release(ctx context.Context, id, errMsg string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, error_message = ? WHERE id = ? AND queue = ?`,
		StatusPending, errMsg, id, q.opts.Queue,
	)
	return err
}

// Get returns a task by id, or nil, nil if not found.
func (q *Q) Get(ctx context.Context, id string) (*Task, error) {
	row := q.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return scanTask(row)
}

// List returns tasks filtered by status (empty status = all), newest first.
func (q *Q) List(ctx context.Context, status string, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE queue = ?`
	args := []any{q.opts.Queue}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Stats returns task counts per status.
func (q *Q) Stats(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE queue = ? GROUP BY status`, q.opts.Queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}

// Cleanup deletes terminal tasks older than maxAge and reports how many.
// Pending and processing tasks are never removed regardless of age: a stuck
// task must stay visible for diagnosis.
func (q *Q) Cleanup(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).UnixMilli()
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM tasks
		 WHERE queue = ? AND status IN (?, ?) AND completed_at > 0 AND completed_at < ?`,
		q.opts.Queue, StatusCompleted, StatusFailed, cutoff,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ConsumeResult atomically claims the newest completed, unconsumed result
// for a source and marks it consumed. Returns nil, nil when there is none.
// A result is handed out at most once.
func (q *Q) ConsumeResult(ctx context.Context, sourceID string) (*Task, error) {
	row := q.db.QueryRowContext(ctx, `
		UPDATE tasks
		SET consumed = 1
		WHERE id = (
			SELECT id FROM tasks
			WHERE queue = ? AND source_id = ? AND status = ? AND consumed = 0
			ORDER BY completed_at DESC
			LIMIT 1
		)
		RETURNING `+taskColumns,
		q.opts.Queue, sourceID, StatusCompleted,
	)
	return scanTask(row)
}

// HasActive reports whether a source already has a pending or processing task.
func (q *Q) HasActive(ctx context.Context, sourceID string) (bool, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE queue = ? AND source_id = ? AND status IN (?, ?)`,
		q.opts.Queue, sourceID, StatusPending, StatusProcessing,
	).Scan(&n)
	return n > 0, err
}

// Handler executes a claimed task and returns its result payload.
type Handler func(ctx context.Context, t *Task) ([]byte, error)

// Run polls for pending tasks and processes them with bounded concurrency.
// It blocks until ctx is cancelled, draining in-flight handlers before
// returning.
func (q *Q) Run(ctx context.Context, workers int, handler Handler) {
	log := q.opts.Logger
	if workers <= 0 {
		workers = 1
	}
	log.Info("taskq: consumer started",
		"queue", q.opts.Queue, "workers", workers, "poll", q.opts.PollInterval)

	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("taskq: consumer stopping, draining in-flight handlers", "queue", q.opts.Queue)
			wg.Wait()
			log.Info("taskq: consumer stopped", "queue", q.opts.Queue)
			return
		case <-ticker.C:
			q.pollOnce(ctx, sem, &wg, handler)
		}
	}
}

// DrainOnce claims and processes pending tasks until the queue is empty,
// with bounded concurrency, then returns. Used by one-shot sync runs that
// want outstanding tasks attempted before the run summarizes.
func (q *Q) DrainOnce(ctx context.Context, workers int, handler Handler) {
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup
	q.pollOnce(ctx, sem, &wg, handler)
	wg.Wait()
}

func (q *Q) pollOnce(ctx context.Context, sem chan struct{}, wg *sync.WaitGroup, handler Handler) {
	log := q.opts.Logger
	for {
		task, err := q.Claim(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("taskq: claim failed", "error", err, "queue", q.opts.Queue)
			}
			return
		}
		if task == nil {
			return // nothing pending
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = q.release(context.Background(), task.ID, "shutdown before start")
			return
		}

		wg.Add(1)
		go func(t *Task) {
			defer wg.Done()
			defer func() { <-sem }()

			result, err := handler(ctx, t)
			if err != nil {
				// Final state writes use a fresh context: the outcome must
				// land even when the run's context is already cancelled.
				if t.Attempts >= q.opts.MaxAttempts {
					log.Warn("taskq: task failed terminally",
						"id", t.ID, "attempts", t.Attempts, "error", err)
					_ = q.Fail(context.Background(), t.ID, err.Error())
				} else {
					log.Warn("taskq: task failed, will retry",
						"id", t.ID, "attempts", t.Attempts, "error", err)
					_ = q.release(context.Background(), t.ID, err.Error())
				}
				return
			}
			_ = q.Complete(context.Background(), t.ID, result)
		}(task)
	}
}
