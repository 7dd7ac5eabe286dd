package embedpipe

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/embedder"
	"github.com/hazyhaar/moisson/vectorstore"
)

// Schema creates the local embedding cache. Vectors are float32
// little-endian blobs; dirty rows have not been pushed to the remote index.
const Schema = `
CREATE TABLE IF NOT EXISTS embeddings (
    content_hash  TEXT PRIMARY KEY,
    vector        BLOB NOT NULL,
    model         TEXT NOT NULL,
    source_id     TEXT NOT NULL DEFAULT '',
    content_size  INTEGER NOT NULL DEFAULT 0,
    metadata      TEXT NOT NULL DEFAULT '',
    created_at    INTEGER NOT NULL,
    dirty         INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_embeddings_dirty ON embeddings(dirty);
`

// CachedVector is one local cache row.
type CachedVector struct {
	ContentHash string
	Vector      []float32
	Model       string
	SourceID    string
	ContentSize int
	Metadata    string
	CreatedAt   time.Time
	Dirty       bool
}

// Store is the local embedding cache.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an open database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureTable creates the embeddings table if missing.
func (s *Store) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("embedpipe: create embeddings table: %w", err)
	}
	return nil
}

// Get returns the cached vector for a content hash, or nil when absent.
func (s *Store) Get(ctx context.Context, hash string) (*CachedVector, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT content_hash, vector, model, source_id, content_size, metadata, created_at, dirty
		FROM embeddings WHERE content_hash = ?`, hash)

	var c CachedVector
	var blob []byte
	var created int64
	var dirty int
	err := row.Scan(&c.ContentHash, &blob, &c.Model, &c.SourceID, &c.ContentSize, &c.Metadata, &created, &dirty)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("embedpipe: get vector: %w", err)
	}
	c.Vector = embedder.DeserializeVector(blob)
	c.CreatedAt = time.UnixMilli(created)
	c.Dirty = dirty == 1
	return &c, nil
}

// Save upserts a locally computed vector, marked dirty for upload.
func (s *Store) Save(ctx context.Context, c CachedVector) error {
	created := c.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (content_hash, vector, model, source_id, content_size, metadata, created_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(content_hash) DO UPDATE SET
			vector = excluded.vector,
			model = excluded.model,
			source_id = excluded.source_id,
			content_size = excluded.content_size,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			dirty = 1`,
		c.ContentHash, embedder.SerializeVector(c.Vector), c.Model,
		c.SourceID, c.ContentSize, c.Metadata, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("embedpipe: save vector: %w", err)
	}
	return nil
}

// SaveRemote upserts a record pulled from the remote index, marked clean.
// The remote is the source of truth: an existing dirty row for the same hash
// loses to the downloaded copy.
func (s *Store) SaveRemote(ctx context.Context, rec vectorstore.EmbeddingRecord) error {
	created := rec.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO embeddings (content_hash, vector, model, source_id, content_size, metadata, created_at, dirty)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(content_hash) DO UPDATE SET
			vector = excluded.vector,
			model = excluded.model,
			source_id = excluded.source_id,
			content_size = excluded.content_size,
			metadata = excluded.metadata,
			created_at = excluded.created_at,
			dirty = 0`,
		rec.ContentHash, embedder.SerializeVector(rec.Vector), rec.Model,
		rec.SourceID, rec.ContentSize, rec.Metadata, created.UnixMilli())
	if err != nil {
		return fmt.Errorf("embedpipe: save remote vector: %w", err)
	}
	return nil
}

// Dirty returns all rows awaiting upload.
func (s *Store) Dirty(ctx context.Context) ([]CachedVector, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT content_hash, vector, model, source_id, content_size, metadata, created_at, dirty
		FROM embeddings WHERE dirty = 1`)
	if err != nil {
		return nil, fmt.Errorf("embedpipe: list dirty: %w", err)
	}
	defer rows.Close()

	var out []CachedVector
	for rows.Next() {
		var c CachedVector
		var blob []byte
		var created int64
		var dirty int
		if err := rows.Scan(&c.ContentHash, &blob, &c.Model, &c.SourceID, &c.ContentSize, &c.Metadata, &created, &dirty); err != nil {
			return nil, fmt.Errorf("embedpipe: scan dirty: %w", err)
		}
		c.Vector = embedder.DeserializeVector(blob)
		c.CreatedAt = time.UnixMilli(created)
		c.Dirty = true
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkClean clears the dirty flag after a successful upload.
func (s *Store) MarkClean(ctx context.Context, hashes []string) error {
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		for _, h := range hashes {
			if _, err := tx.ExecContext(ctx,
				`UPDATE embeddings SET dirty = 0 WHERE content_hash = ?`, h); err != nil {
				return fmt.Errorf("embedpipe: mark clean %s: %w", h, err)
			}
		}
		return nil
	})
}

// Count returns total and dirty row counts.
func (s *Store) Count(ctx context.Context) (total, dirty int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(dirty), 0) FROM embeddings`).Scan(&total, &dirty)
	if err != nil {
		return 0, 0, fmt.Errorf("embedpipe: count: %w", err)
	}
	return total, dirty, nil
}

// Clear drops every cached vector. The next run rebuilds from the remote
// index and fresh computation.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM embeddings`); err != nil {
		return fmt.Errorf("embedpipe: clear: %w", err)
	}
	return nil
}
