package taskq_test

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/taskq"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	return dbopen.OpenMemory(t)
}

func newQ(t *testing.T, db *sql.DB, opts taskq.Options) *taskq.Q {
	t.Helper()
	q := taskq.New(db, opts)
	if err := q.EnsureTable(context.Background()); err != nil {
		t.Fatal(err)
	}
	return q
}

func TestSubmitAndClaim(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	id, err := q.Submit(ctx, "sheet-1", []byte(`{"spreadsheet_id":"abc"}`))
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("expected a task id")
	}

	got, err := q.Get(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Status != taskq.StatusPending {
		t.Fatalf("expected pending task, got %+v", got)
	}

	task, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task == nil {
		t.Fatal("expected a task")
	}
	if task.ID != id {
		t.Fatalf("got id %q, want %q", task.ID, id)
	}
	if task.Status != taskq.StatusProcessing {
		t.Fatalf("got status %q, want processing", task.Status)
	}
	if task.SourceID != "sheet-1" {
		t.Fatalf("got source %q, want sheet-1", task.SourceID)
	}
	if task.Attempts != 1 {
		t.Fatalf("got attempts %d, want 1", task.Attempts)
	}

	// Second claim returns nil: the only task is already processing.
	task2, err := q.Claim(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if task2 != nil {
		t.Fatalf("expected nil, got %+v", task2)
	}
}

func TestGetNotFound(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})

	got, err := q.Get(context.Background(), "tsk_missing")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("expected nil for unknown id, got %+v", got)
	}
}

func TestCompleteRecordsResult(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	id, _ := q.Submit(ctx, "sheet-1", nil)
	task, _ := q.Claim(ctx)
	if task == nil {
		t.Fatal("expected claimed task")
	}

	if err := q.Complete(ctx, id, []byte(`{"rows":42}`)); err != nil {
		t.Fatal(err)
	}

	got, _ := q.Get(ctx, id)
	if got.Status != taskq.StatusCompleted {
		t.Fatalf("got status %q, want completed", got.Status)
	}
	if string(got.Result) != `{"rows":42}` {
		t.Fatalf("got result %q", got.Result)
	}
	if got.CompletedAt.IsZero() {
		t.Fatal("expected completed_at to be set")
	}
}

func TestFailIsTerminal(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	id, _ := q.Submit(ctx, "sheet-1", nil)
	q.Claim(ctx)
	if err := q.Fail(ctx, id, "api quota exhausted"); err != nil {
		t.Fatal(err)
	}

	got, _ := q.Get(ctx, id)
	if got.Status != taskq.StatusFailed {
		t.Fatalf("got status %q, want failed", got.Status)
	}
	if got.ErrorMessage != "api quota exhausted" {
		t.Fatalf("got error %q", got.ErrorMessage)
	}

	// A failed task is not reclaimed.
	task, _ := q.Claim(ctx)
	if task != nil {
		t.Fatalf("failed task should not be claimable, got %+v", task)
	}
}

func TestCleanupRemovesOnlyOldTerminal(t *testing.T) {
	// WHAT: cleanup deletes terminal tasks past max age, never pending ones.
	// WHY: a stuck pending task must stay visible for diagnosis forever.
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	oldDone, _ := q.Submit(ctx, "s1", nil)
	q.Claim(ctx)
	q.Complete(ctx, oldDone, nil)

	freshDone, _ := q.Submit(ctx, "s2", nil)
	q.Claim(ctx)
	q.Complete(ctx, freshDone, nil)

	stuck, _ := q.Submit(ctx, "s3", nil)

	// Age the first completed task artificially.
	past := time.Now().Add(-48 * time.Hour).UnixMilli()
	if _, err := db.Exec(`UPDATE tasks SET completed_at = ?, created_at = ? WHERE id = ?`, past, past, oldDone); err != nil {
		t.Fatal(err)
	}
	// Age the pending task too: age alone must not make it eligible.
	if _, err := db.Exec(`UPDATE tasks SET created_at = ? WHERE id = ?`, past, stuck); err != nil {
		t.Fatal(err)
	}

	n, err := q.Cleanup(ctx, 24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("cleanup removed %d tasks, want 1", n)
	}

	if got, _ := q.Get(ctx, oldDone); got != nil {
		t.Fatal("old completed task should be gone")
	}
	if got, _ := q.Get(ctx, freshDone); got == nil {
		t.Fatal("fresh completed task should survive")
	}
	if got, _ := q.Get(ctx, stuck); got == nil {
		t.Fatal("old pending task should survive regardless of age")
	}
}

func TestConsumeResultAtMostOnce(t *testing.T) {
	// WHAT: a completed result is handed out exactly once per source.
	// WHY: the next sync run folds the async result in; a rerun must not
	// process the same rows twice.
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	id, _ := q.Submit(ctx, "sheet-1", nil)
	q.Claim(ctx)
	q.Complete(ctx, id, []byte("rows"))

	first, err := q.ConsumeResult(ctx, "sheet-1")
	if err != nil {
		t.Fatal(err)
	}
	if first == nil || first.ID != id {
		t.Fatalf("expected task %s, got %+v", id, first)
	}
	if !first.Consumed {
		t.Fatal("returned task should be marked consumed")
	}

	second, err := q.ConsumeResult(ctx, "sheet-1")
	if err != nil {
		t.Fatal(err)
	}
	if second != nil {
		t.Fatalf("second consume should return nil, got %+v", second)
	}
}

func TestHasActive(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	active, err := q.HasActive(ctx, "sheet-1")
	if err != nil {
		t.Fatal(err)
	}
	if active {
		t.Fatal("no tasks yet, expected inactive")
	}

	id, _ := q.Submit(ctx, "sheet-1", nil)
	if active, _ = q.HasActive(ctx, "sheet-1"); !active {
		t.Fatal("pending task should count as active")
	}

	q.Claim(ctx)
	if active, _ = q.HasActive(ctx, "sheet-1"); !active {
		t.Fatal("processing task should count as active")
	}

	q.Complete(ctx, id, nil)
	if active, _ = q.HasActive(ctx, "sheet-1"); active {
		t.Fatal("completed task should not count as active")
	}
}

func TestStats(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	a, _ := q.Submit(ctx, "s1", nil)
	q.Submit(ctx, "s2", nil)
	q.Claim(ctx)
	q.Complete(ctx, a, nil)

	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats[taskq.StatusCompleted] != 1 {
		t.Fatalf("completed = %d, want 1", stats[taskq.StatusCompleted])
	}
	if stats[taskq.StatusPending] != 1 {
		t.Fatalf("pending = %d, want 1", stats[taskq.StatusPending])
	}
}

func TestList(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q.Submit(ctx, fmt.Sprintf("s%d", i), nil)
	}

	all, err := q.List(ctx, "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d tasks, want 3", len(all))
	}

	pending, err := q.List(ctx, taskq.StatusPending, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 3 {
		t.Fatalf("got %d pending, want 3", len(pending))
	}
}

func TestRunRetriesThenFails(t *testing.T) {
	// WHAT: a handler error releases the task for retry until MaxAttempts,
	// then the task goes to failed with the last error recorded.
	db := openDB(t)
	q := newQ(t, db, taskq.Options{
		PollInterval: 10 * time.Millisecond,
		MaxAttempts:  2,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, _ := q.Submit(ctx, "sheet-1", nil)

	var calls atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, 1, func(ctx context.Context, task *taskq.Task) ([]byte, error) {
			calls.Add(1)
			return nil, errors.New("remote api down")
		})
	}()

	deadline := time.After(3 * time.Second)
	for {
		got, _ := q.Get(context.Background(), id)
		if got != nil && got.Status == taskq.StatusFailed {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never failed; calls=%d", calls.Load())
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if calls.Load() != 2 {
		t.Fatalf("handler called %d times, want 2", calls.Load())
	}
	got, _ := q.Get(context.Background(), id)
	if got.ErrorMessage != "remote api down" {
		t.Fatalf("got error %q", got.ErrorMessage)
	}
}

func TestRunConcurrencyBound(t *testing.T) {
	// WHAT: with 3 workers, at no point do more than 3 handlers run at once,
	// and all 10 tasks reach a terminal state.
	db := openDB(t)
	q := newQ(t, db, taskq.Options{PollInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ids := make([]string, 10)
	for i := range ids {
		id, err := q.Submit(ctx, fmt.Sprintf("s%d", i), nil)
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = id
	}

	var inFlight, peak atomic.Int32
	done := make(chan struct{})
	go func() {
		defer close(done)
		q.Run(ctx, 3, func(ctx context.Context, task *taskq.Task) ([]byte, error) {
			n := inFlight.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			defer inFlight.Add(-1)
			time.Sleep(30 * time.Millisecond)
			return []byte("ok"), nil
		})
	}()

	deadline := time.After(5 * time.Second)
	for {
		stats, _ := q.Stats(context.Background())
		if stats[taskq.StatusCompleted] == len(ids) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("tasks did not all complete: %+v", stats)
		case <-time.After(20 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if p := peak.Load(); p > 3 {
		t.Fatalf("peak concurrency %d exceeds worker bound 3", p)
	}
	for _, id := range ids {
		got, _ := q.Get(context.Background(), id)
		if got == nil || got.Status != taskq.StatusCompleted {
			t.Fatalf("task %s not completed: %+v", id, got)
		}
	}
}

func TestDrainOnce(t *testing.T) {
	db := openDB(t)
	q := newQ(t, db, taskq.Options{})
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		q.Submit(ctx, fmt.Sprintf("s%d", i), nil)
	}

	q.DrainOnce(ctx, 2, func(ctx context.Context, task *taskq.Task) ([]byte, error) {
		return []byte("done"), nil
	})

	stats, _ := q.Stats(ctx)
	if stats[taskq.StatusCompleted] != 4 {
		t.Fatalf("completed = %d, want 4", stats[taskq.StatusCompleted])
	}
}
