// Package cache tracks fetched content per source and detects duplicate
// content across sources.
//
// Two tables cooperate. content_cache holds the latest fingerprint seen for
// each source, which is what makes "did this source change since last run"
// answerable. duplicates is keyed by content hash and records every source
// that ever presented that hash, in arrival order: the first source in the
// list owns the content, later arrivals are duplicates and are skipped
// unless the source is configured to force processing.
//
// Every duplicate check records its observation (last_seen, hit count) in
// the same transaction that reads the previous state, so concurrent workers
// checking the same hash cannot both conclude they are first.
package cache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/moisson/dbopen"
)

// Schema contains the DDL for the content cache tables.
const Schema = `
CREATE TABLE IF NOT EXISTS content_cache (
    source_id TEXT PRIMARY KEY,
    content_hash TEXT NOT NULL,
    content_size INTEGER NOT NULL DEFAULT 0,
    fetched_at INTEGER NOT NULL DEFAULT 0,
    metadata TEXT NOT NULL DEFAULT '{}',
    processed INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_content_cache_hash ON content_cache(content_hash);

CREATE TABLE IF NOT EXISTS duplicates (
    content_hash TEXT PRIMARY KEY,
    source_ids TEXT NOT NULL DEFAULT '[]',
    first_seen INTEGER NOT NULL,
    last_seen INTEGER NOT NULL,
    hits INTEGER NOT NULL DEFAULT 0
);
`

// Fingerprint returns the sha256 hex digest used as content identity
// throughout the sync engine.
func Fingerprint(data []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(data))
}

// Entry is the cached state for one source.
type Entry struct {
	SourceID     string
	ContentHash  string
	ContentSize  int64
	FetchedAt    time.Time
	Metadata     map[string]string
	Processed    bool
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DupResult is the outcome of one duplicate check.
type DupResult struct {
	// IsDuplicate reports whether the hash was already known before this
	// check, regardless of which source presented it.
	IsDuplicate bool

	// Sources lists every source that presented this hash, oldest first.
	Sources []string

	FirstSeen time.Time
	LastSeen  time.Time

	// Hits counts observations of this hash, not distinct sources.
	Hits int64
}

// Decision says whether a source's content should go through processing.
type Decision struct {
	Process     bool
	Reason      string
	DuplicateOf string // owning source when skipped as a duplicate
}

// Store persists the content cache in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a store on an open database. Call EnsureTables before use.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// EnsureTables applies the schema.
func (s *Store) EnsureTables(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("cache: ensure tables: %w", err)
	}
	return nil
}

// Put upserts the cache entry for a source.
func (s *Store) Put(ctx context.Context, e Entry) error {
	meta := "{}"
	if len(e.Metadata) > 0 {
		b, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("cache: marshal metadata for %s: %w", e.SourceID, err)
		}
		meta = string(b)
	}
	now := time.Now().UnixMilli()
	fetched := now
	if !e.FetchedAt.IsZero() {
		fetched = e.FetchedAt.UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO content_cache
			(source_id, content_hash, content_size, fetched_at, metadata,
			 processed, error_message, created_at, updated_at)
		VALUES (?,?,?,?,?,0,'',?,?)
		ON CONFLICT(source_id) DO UPDATE SET
			content_hash = excluded.content_hash,
			content_size = excluded.content_size,
			fetched_at = excluded.fetched_at,
			metadata = excluded.metadata,
			processed = 0,
			error_message = '',
			updated_at = excluded.updated_at`,
		e.SourceID, e.ContentHash, e.ContentSize, fetched, meta, now, now)
	if err != nil {
		return fmt.Errorf("cache: put %s: %w", e.SourceID, err)
	}
	return nil
}

// Get returns the cache entry for a source, or nil if never cached.
func (s *Store) Get(ctx context.Context, sourceID string) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT source_id, content_hash, content_size, fetched_at, metadata,
		       processed, error_message, created_at, updated_at
		FROM content_cache WHERE source_id = ?`, sourceID)

	var e Entry
	var fetched, created, updated int64
	var meta string
	var processed int
	err := row.Scan(&e.SourceID, &e.ContentHash, &e.ContentSize, &fetched, &meta,
		&processed, &e.ErrorMessage, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache: get %s: %w", sourceID, err)
	}

	e.Processed = processed != 0
	if fetched > 0 {
		e.FetchedAt = time.UnixMilli(fetched)
	}
	if created > 0 {
		e.CreatedAt = time.UnixMilli(created)
	}
	if updated > 0 {
		e.UpdatedAt = time.UnixMilli(updated)
	}
	if meta != "" && meta != "{}" {
		if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
			// Corrupt metadata is recoverable; the fingerprint is what matters.
			s.logger.Warn("discarding corrupt cache metadata", "source_id", sourceID, "error", err)
			e.Metadata = nil
		}
	}
	return &e, nil
}

// MarkProcessed flags a source's cached content as processed, recording the
// processing error if any.
func (s *Store) MarkProcessed(ctx context.Context, sourceID string, procErr error) error {
	msg := ""
	if procErr != nil {
		msg = procErr.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE content_cache SET processed = 1, error_message = ?, updated_at = ?
		WHERE source_id = ?`,
		msg, time.Now().UnixMilli(), sourceID)
	if err != nil {
		return fmt.Errorf("cache: mark processed %s: %w", sourceID, err)
	}
	return nil
}

// CheckDuplicate records one observation of hash by sourceID and reports
// whether the hash existed before this observation. Check and record happen
// in one transaction.
func (s *Store) CheckDuplicate(ctx context.Context, hash, sourceID string) (DupResult, error) {
	var out DupResult
	now := time.Now().UnixMilli()

	err := dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx,
			`SELECT source_ids, first_seen, hits FROM duplicates WHERE content_hash = ?`, hash)

		var srcJSON string
		var firstSeen, hits int64
		err := row.Scan(&srcJSON, &firstSeen, &hits)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			srcs := []string{sourceID}
			b, _ := json.Marshal(srcs)
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO duplicates (content_hash, source_ids, first_seen, last_seen, hits)
				VALUES (?,?,?,?,1)`, hash, string(b), now, now); err != nil {
				return err
			}
			out = DupResult{
				Sources:   srcs,
				FirstSeen: time.UnixMilli(now),
				LastSeen:  time.UnixMilli(now),
				Hits:      1,
			}
			return nil

		case err != nil:
			return err
		}

		var srcs []string
		if err := json.Unmarshal([]byte(srcJSON), &srcs); err != nil {
			// Corrupt source lists degrade to empty, never to an error.
			s.logger.Warn("resetting corrupt duplicate source list", "hash", hash, "error", err)
			srcs = nil
		}
		known := false
		for _, id := range srcs {
			if id == sourceID {
				known = true
				break
			}
		}
		if !known {
			srcs = append(srcs, sourceID)
		}
		b, _ := json.Marshal(srcs)

		if _, err := tx.ExecContext(ctx, `
			UPDATE duplicates SET source_ids = ?, last_seen = ?, hits = hits + 1
			WHERE content_hash = ?`, string(b), now, hash); err != nil {
			return err
		}
		out = DupResult{
			IsDuplicate: true,
			Sources:     srcs,
			FirstSeen:   time.UnixMilli(firstSeen),
			LastSeen:    time.UnixMilli(now),
			Hits:        hits + 1,
		}
		return nil
	})
	if err != nil {
		return DupResult{}, fmt.Errorf("cache: check duplicate %s: %w", hash, err)
	}
	return out, nil
}

// ShouldProcess decides whether content with the given hash goes through
// processing for sourceID. The duplicate observation is recorded even when
// the decision is to skip.
//
// Skip rules: version unchanged with the same fingerprint already cached
// for this source, or the content is owned by an earlier source. Force
// overrides the duplicate rule only, never the unchanged rule.
func (s *Store) ShouldProcess(ctx context.Context, sourceID, hash string, versionChanged, force bool) (Decision, error) {
	dup, err := s.CheckDuplicate(ctx, hash, sourceID)
	if err != nil {
		return Decision{}, err
	}

	entry, err := s.Get(ctx, sourceID)
	if err != nil {
		return Decision{}, err
	}
	if !versionChanged && entry != nil && entry.ContentHash == hash {
		return Decision{Reason: "version unchanged, content cached"}, nil
	}

	if dup.IsDuplicate && len(dup.Sources) > 0 && dup.Sources[0] != sourceID {
		if force {
			return Decision{
				Process:     true,
				Reason:      "duplicate of " + dup.Sources[0] + ", force processing",
				DuplicateOf: dup.Sources[0],
			}, nil
		}
		return Decision{
			Reason:      "duplicate of " + dup.Sources[0],
			DuplicateOf: dup.Sources[0],
		}, nil
	}

	return Decision{Process: true, Reason: "content changed"}, nil
}

// Stats summarizes the cache for the status surfaces.
type Stats struct {
	Entries         int64 `json:"entries"`
	Processed       int64 `json:"processed"`
	WithErrors      int64 `json:"with_errors"`
	UniqueHashes    int64 `json:"unique_hashes"`
	DuplicateHashes int64 `json:"duplicate_hashes"`
	TotalHits       int64 `json:"total_hits"`
}

// Stats returns cache-wide counters.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(processed), 0),
		       COALESCE(SUM(CASE WHEN error_message != '' THEN 1 ELSE 0 END), 0)
		FROM content_cache`).Scan(&st.Entries, &st.Processed, &st.WithErrors)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN hits > 1 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(hits), 0)
		FROM duplicates`).Scan(&st.UniqueHashes, &st.DuplicateHashes, &st.TotalHits)
	if err != nil {
		return Stats{}, fmt.Errorf("cache: stats: %w", err)
	}
	return st, nil
}

// Clear wipes both tables. Used by the cache clear command; the next run
// refetches and reprocesses everything.
func (s *Store) Clear(ctx context.Context) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM content_cache`); err != nil {
			return fmt.Errorf("cache: clear entries: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM duplicates`); err != nil {
			return fmt.Errorf("cache: clear duplicates: %w", err)
		}
		return nil
	})
}
