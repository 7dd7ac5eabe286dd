// Package metrics records sync telemetry in SQLite: a timeseries of
// datapoints (fetch latency, embed counts, stage durations) and a history
// table of whole sync runs.
//
// The metrics database is separate from the sync state database to avoid
// write contention. All timeseries persistence is async and non-blocking:
// datapoints are buffered and flushed in batches, and a full buffer flushes
// early rather than applying backpressure to the sync workers.
package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Schema contains the DDL for the metrics tables.
const Schema = `
-- Metrics Timeseries
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    metric_id TEXT PRIMARY KEY DEFAULT ('met_' || hex(randomblob(16))),
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
    ON metrics_timeseries(metric_name, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_metrics_timestamp
    ON metrics_timeseries(timestamp DESC);

-- Sync Run History
CREATE TABLE IF NOT EXISTS sync_runs (
    run_id TEXT PRIMARY KEY,
    started_at INTEGER NOT NULL,
    finished_at INTEGER,
    status TEXT NOT NULL DEFAULT 'running',
    sources_total INTEGER NOT NULL DEFAULT 0,
    sources_completed INTEGER NOT NULL DEFAULT 0,
    sources_failed INTEGER NOT NULL DEFAULT 0,
    sources_skipped INTEGER NOT NULL DEFAULT 0,
    sources_submitted INTEGER NOT NULL DEFAULT 0,
    documents_indexed INTEGER NOT NULL DEFAULT 0,
    embeddings_computed INTEGER NOT NULL DEFAULT 0,
    embed_cache_hits INTEGER NOT NULL DEFAULT 0,
    error_message TEXT,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_sync_runs_started ON sync_runs(started_at DESC);
`

// Init applies the metrics schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string // e.g. "fetch_duration_ms", "documents_embedded"
	Timestamp time.Time
	Value     float64
	Labels    map[string]string // optional key/value pairs, e.g. source_id
	Unit      string            // "milliseconds", "bytes", "count"
}

// Collector buffers metrics and flushes them to SQLite in batches.
type Collector struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	buffer        []*Metric
	mu            sync.Mutex
	stop          chan struct{}
	done          chan struct{}
}

// NewCollector creates a collector that flushes metrics in batches.
// Recommended defaults: bufferSize=100, flushInterval=5s.
func NewCollector(db *sql.DB, bufferSize int, flushInterval time.Duration) *Collector {
	c := &Collector{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		buffer:        make([]*Metric, 0, bufferSize),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go c.flushLoop()
	return c
}

// Record queues a metric for async persistence. Non-blocking.
func (c *Collector) Record(m *Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = append(c.buffer, m)
	if len(c.buffer) >= c.bufferSize {
		c.flushLocked()
	}
}

// RecordSimple is a convenience helper for metrics without labels.
func (c *Collector) RecordSimple(name string, value float64, unit string) {
	c.Record(&Metric{
		Name:      name,
		Timestamp: time.Now(),
		Value:     value,
		Unit:      unit,
	})
}

// RecordDuration records the elapsed time since start in milliseconds.
func (c *Collector) RecordDuration(name string, start time.Time, labels map[string]string) {
	c.Record(&Metric{
		Name:      name,
		Timestamp: time.Now(),
		Value:     float64(time.Since(start).Milliseconds()),
		Labels:    labels,
		Unit:      "milliseconds",
	})
}

// Query retrieves metrics filtered by name, time range and limit.
// Pass empty metricName for all metrics. Nil time pointers mean unbounded.
func (c *Collector) Query(metricName string, startTime, endTime *time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]interface{}, 0, 4)

	if metricName != "" {
		q += " AND metric_name = ?"
		args = append(args, metricName)
	}
	if startTime != nil {
		q += " AND timestamp >= ?"
		args = append(args, startTime.Unix())
	}
	if endTime != nil {
		q += " AND timestamp <= ?"
		args = append(args, endTime.Unix())
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := c.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var name, unit string
		var ts int64
		var value float64
		var labelsJSON sql.NullString

		if err := rows.Scan(&name, &ts, &value, &labelsJSON, &unit); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		m := &Metric{Name: name, Timestamp: time.Unix(ts, 0), Value: value, Unit: unit}
		if labelsJSON.Valid {
			var labels map[string]string
			if json.Unmarshal([]byte(labelsJSON.String), &labels) == nil {
				m.Labels = labels
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Cleanup deletes metrics older than retentionDays and returns the count removed.
func (c *Collector) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	threshold := time.Now().AddDate(0, 0, -retentionDays).Unix()
	result, err := c.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", threshold)
	if err != nil {
		return 0, fmt.Errorf("cleanup metrics: %w", err)
	}
	return result.RowsAffected()
}

// Close flushes remaining metrics and stops the background goroutine.
func (c *Collector) Close() error {
	close(c.stop)
	<-c.done
	return nil
}

func (c *Collector) flushLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
			return
		case <-ticker.C:
			c.mu.Lock()
			c.flushLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Collector) flushLocked() {
	if len(c.buffer) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		slog.Error("metrics: begin tx", "error", err)
		return
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		slog.Error("metrics: prepare", "error", err)
		return
	}
	defer stmt.Close()

	for _, m := range c.buffer {
		var labelsJSON sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labelsJSON = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.Unix(), m.Value, labelsJSON, m.Unit); err != nil {
			slog.Error("metrics: insert", "error", err, "metric", m.Name)
		}
	}

	if err := tx.Commit(); err != nil {
		slog.Error("metrics: commit", "error", err)
	}
	c.buffer = c.buffer[:0]
}

// Standard metric name constants.
const (
	MetricRunDurationMs     = "run_duration_ms"
	MetricSourceDurationMs  = "source_duration_ms"
	MetricFetchDurationMs   = "fetch_duration_ms"
	MetricFetchBytes        = "fetch_bytes"
	MetricDocumentsEmbedded = "documents_embedded"
	MetricEmbedCacheHits    = "embed_cache_hits"
	MetricEmbedCacheMisses  = "embed_cache_misses"
	MetricDuplicatesFound   = "duplicates_found"
	MetricTasksProcessed    = "tasks_processed"
	MetricChunksIndexed     = "chunks_indexed"
)
