// Package version tracks per-source version signals and decides whether a
// source changed since its last successful fetch.
//
// Five strategies are supported. "hash" compares content fingerprints,
// "timestamp" fires when the source reports a newer modification time,
// "etag" and "version_string" compare opaque server-provided markers, and
// "combined" requires both hash and timestamp to match before declaring a
// no-op. Whenever a signal needed by the strategy is missing on either
// side, the source is treated as changed: refetching unchanged content
// costs bandwidth, skipping changed content loses data.
package version

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Detection strategies.
const (
	StrategyHash          = "hash"
	StrategyTimestamp     = "timestamp"
	StrategyETag          = "etag"
	StrategyVersionString = "version_string"
	StrategyCombined      = "combined"
)

// Fetch statuses recorded per source.
const (
	FetchStatusSuccess = "success"
	FetchStatusFailed  = "failed"
)

// ErrUnknownStrategy is returned by Check for strategies not listed above.
var ErrUnknownStrategy = errors.New("version: unknown strategy")

// Schema contains the DDL for the version tracking table.
const Schema = `
CREATE TABLE IF NOT EXISTS source_versions (
    source_id TEXT PRIMARY KEY,
    version_hash TEXT NOT NULL DEFAULT '',
    version_timestamp INTEGER NOT NULL DEFAULT 0,
    version_string TEXT NOT NULL DEFAULT '',
    etag TEXT NOT NULL DEFAULT '',
    content_size INTEGER NOT NULL DEFAULT 0,
    last_fetch INTEGER NOT NULL DEFAULT 0,
    fetch_status TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_source_versions_status
    ON source_versions(fetch_status);
`

// Signals are the version markers observed during one fetch. Zero values
// mean the signal was not available.
type Signals struct {
	Hash          string
	Timestamp     time.Time
	ETag          string
	VersionString string
}

// Record is the stored version state for one source.
type Record struct {
	SourceID      string
	Hash          string
	Timestamp     time.Time
	ETag          string
	VersionString string
	ContentSize   int64
	LastFetch     time.Time
	FetchStatus   string
	ErrorMessage  string
	UpdatedAt     time.Time
}

// Decision is the outcome of a version check.
type Decision struct {
	Changed bool
	Reason  string
}

// Store persists version records in SQLite.
type Store struct {
	db *sql.DB
}

// New creates a store on an open database. Call EnsureTable before use.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureTable applies the schema.
func (s *Store) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("version: ensure table: %w", err)
	}
	return nil
}

// Get returns the stored record for a source, or nil if never fetched.
func (s *Store) Get(ctx context.Context, sourceID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, version_hash, version_timestamp, version_string, etag,
		       content_size, last_fetch, fetch_status, error_message, updated_at
		FROM source_versions WHERE source_id = ?`, sourceID)

	var rec Record
	var ts, lastFetch, updatedAt int64
	err := row.Scan(&rec.SourceID, &rec.Hash, &ts, &rec.VersionString, &rec.ETag,
		&rec.ContentSize, &lastFetch, &rec.FetchStatus, &rec.ErrorMessage, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("version: get %s: %w", sourceID, err)
	}

	if ts > 0 {
		rec.Timestamp = time.UnixMilli(ts)
	}
	if lastFetch > 0 {
		rec.LastFetch = time.UnixMilli(lastFetch)
	}
	if updatedAt > 0 {
		rec.UpdatedAt = time.UnixMilli(updatedAt)
	}
	return &rec, nil
}

// Check compares observed signals against the stored record under the given
// strategy. A source never seen before is always changed.
func (s *Store) Check(ctx context.Context, sourceID, strategy string, sig Signals) (Decision, error) {
	prev, err := s.Get(ctx, sourceID)
	if err != nil {
		return Decision{}, err
	}
	if prev == nil {
		return Decision{Changed: true, Reason: "no previous version"}, nil
	}
	return Compare(strategy, prev, sig)
}

// Compare applies one strategy to a stored record and fresh signals.
// Exposed separately so callers holding a Record can decide without a
// second query.
func Compare(strategy string, prev *Record, sig Signals) (Decision, error) {
	switch strategy {
	case StrategyHash:
		return compareHash(prev, sig), nil

	case StrategyTimestamp:
		return compareTimestamp(prev, sig), nil

	case StrategyETag:
		if sig.ETag == "" || prev.ETag == "" {
			return Decision{Changed: true, Reason: "etag signal missing"}, nil
		}
		if sig.ETag != prev.ETag {
			return Decision{Changed: true, Reason: "etag changed"}, nil
		}
		return Decision{Reason: "etag unchanged"}, nil

	case StrategyVersionString:
		if sig.VersionString == "" || prev.VersionString == "" {
			return Decision{Changed: true, Reason: "version string missing"}, nil
		}
		if sig.VersionString != prev.VersionString {
			return Decision{Changed: true, Reason: "version string changed"}, nil
		}
		return Decision{Reason: "version string unchanged"}, nil

	case StrategyCombined:
		// Both signals must agree that nothing changed. A missing signal
		// on either side counts as changed.
		hash := compareHash(prev, sig)
		ts := compareTimestampEqual(prev, sig)
		if hash.Changed {
			return hash, nil
		}
		if ts.Changed {
			return ts, nil
		}
		return Decision{Reason: "hash and timestamp unchanged"}, nil

	default:
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

func compareHash(prev *Record, sig Signals) Decision {
	if sig.Hash == "" || prev.Hash == "" {
		return Decision{Changed: true, Reason: "hash signal missing"}
	}
	if sig.Hash != prev.Hash {
		return Decision{Changed: true, Reason: "hash changed"}
	}
	return Decision{Reason: "hash unchanged"}
}

func compareTimestamp(prev *Record, sig Signals) Decision {
	if sig.Timestamp.IsZero() || prev.Timestamp.IsZero() {
		return Decision{Changed: true, Reason: "timestamp signal missing"}
	}
	if sig.Timestamp.UnixMilli() > prev.Timestamp.UnixMilli() {
		return Decision{Changed: true, Reason: "timestamp advanced"}
	}
	return Decision{Reason: "timestamp unchanged"}
}

func compareTimestampEqual(prev *Record, sig Signals) Decision {
	if sig.Timestamp.IsZero() || prev.Timestamp.IsZero() {
		return Decision{Changed: true, Reason: "timestamp signal missing"}
	}
	if sig.Timestamp.UnixMilli() != prev.Timestamp.UnixMilli() {
		return Decision{Changed: true, Reason: "timestamp changed"}
	}
	return Decision{Reason: "timestamp unchanged"}
}

// RecordSuccess upserts the signals observed during a successful fetch and
// clears any previous error. Safe to call repeatedly with the same signals.
func (s *Store) RecordSuccess(ctx context.Context, sourceID string, sig Signals, contentSize int64) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_versions
			(source_id, version_hash, version_timestamp, version_string, etag,
			 content_size, last_fetch, fetch_status, error_message, updated_at)
		VALUES (?,?,?,?,?,?,?,?,'',?)
		ON CONFLICT(source_id) DO UPDATE SET
			version_hash = excluded.version_hash,
			version_timestamp = excluded.version_timestamp,
			version_string = excluded.version_string,
			etag = excluded.etag,
			content_size = excluded.content_size,
			last_fetch = excluded.last_fetch,
			fetch_status = excluded.fetch_status,
			error_message = '',
			updated_at = excluded.updated_at`,
		sourceID, sig.Hash, unixMilliOrZero(sig.Timestamp), sig.VersionString, sig.ETag,
		contentSize, now, FetchStatusSuccess, now)
	if err != nil {
		return fmt.Errorf("version: record success %s: %w", sourceID, err)
	}
	return nil
}

// RecordFailure marks a fetch as failed without clobbering the last good
// signals, so the next successful fetch still compares against them.
func (s *Store) RecordFailure(ctx context.Context, sourceID, errorMessage string) error {
	now := time.Now().UnixMilli()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_versions
			(source_id, last_fetch, fetch_status, error_message, updated_at)
		VALUES (?,?,?,?,?)
		ON CONFLICT(source_id) DO UPDATE SET
			last_fetch = excluded.last_fetch,
			fetch_status = excluded.fetch_status,
			error_message = excluded.error_message,
			updated_at = excluded.updated_at`,
		sourceID, now, FetchStatusFailed, errorMessage, now)
	if err != nil {
		return fmt.Errorf("version: record failure %s: %w", sourceID, err)
	}
	return nil
}

// List returns version records ordered by most recent fetch first.
func (s *Store) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT source_id, version_hash, version_timestamp, version_string, etag,
		       content_size, last_fetch, fetch_status, error_message, updated_at
		FROM source_versions ORDER BY last_fetch DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("version: list: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		var rec Record
		var ts, lastFetch, updatedAt int64
		if err := rows.Scan(&rec.SourceID, &rec.Hash, &ts, &rec.VersionString, &rec.ETag,
			&rec.ContentSize, &lastFetch, &rec.FetchStatus, &rec.ErrorMessage, &updatedAt); err != nil {
			return nil, fmt.Errorf("version: scan: %w", err)
		}
		if ts > 0 {
			rec.Timestamp = time.UnixMilli(ts)
		}
		if lastFetch > 0 {
			rec.LastFetch = time.UnixMilli(lastFetch)
		}
		if updatedAt > 0 {
			rec.UpdatedAt = time.UnixMilli(updatedAt)
		}
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func unixMilliOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}
