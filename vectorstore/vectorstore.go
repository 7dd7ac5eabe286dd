// Package vectorstore persists embedded documents and the shared embedding
// cache in Elasticsearch.
//
// Two indices are involved. The documents index holds searchable chunks with
// their vectors; every sync run stamps the chunks it writes with its run id,
// then deletes whatever older runs left behind for the same source, so a
// half-finished run never wipes documents it has not yet replaced. The
// embeddings index is a shared cache keyed by content hash; workers download
// it before embedding and upload new entries afterwards, so a fleet of sync
// hosts only pays for each unique text once.
//
// Usage:
//
//	store, err := vectorstore.New(vectorstore.Config{
//	    Addresses: []string{"http://localhost:9200"},
//	})
//	if err != nil { ... }
//	if err := store.EnsureIndices(ctx); err != nil { ... }
//	stats, err := store.IndexDocuments(ctx, docs)
package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

const (
	defaultDocumentsIndex  = "sync_documents"
	defaultEmbeddingsIndex = "sync_embeddings_cache"

	scrollPageSize  = 500
	scrollKeepAlive = 2 * time.Minute
)

// Config configures the Elasticsearch-backed store.
type Config struct {
	// Addresses lists the Elasticsearch node URLs.
	Addresses []string `json:"addresses" yaml:"addresses"`

	// Username and Password for basic auth, if the cluster requires it.
	Username string `json:"username" yaml:"username"`
	Password string `json:"password" yaml:"password"`

	// APIKey for key-based auth. Takes precedence over basic auth.
	APIKey string `json:"api_key" yaml:"api_key"`

	// DocumentsIndex holds searchable chunks. Default: "sync_documents".
	DocumentsIndex string `json:"documents_index" yaml:"documents_index"`

	// EmbeddingsIndex is the shared embedding cache keyed by content hash.
	// Default: "sync_embeddings_cache".
	EmbeddingsIndex string `json:"embeddings_index" yaml:"embeddings_index"`

	// VectorDims is the dense_vector dimension used when creating indices.
	// Default: 1536.
	VectorDims int `json:"vector_dims" yaml:"vector_dims"`

	// BulkBatchSize caps documents per bulk request. Default: 100.
	BulkBatchSize int `json:"bulk_batch_size" yaml:"bulk_batch_size"`

	// Logger defaults to slog.Default().
	Logger *slog.Logger `json:"-" yaml:"-"`
}

func (c *Config) defaults() {
	if len(c.Addresses) == 0 {
		c.Addresses = []string{"http://localhost:9200"}
	}
	if c.DocumentsIndex == "" {
		c.DocumentsIndex = defaultDocumentsIndex
	}
	if c.EmbeddingsIndex == "" {
		c.EmbeddingsIndex = defaultEmbeddingsIndex
	}
	if c.VectorDims <= 0 {
		c.VectorDims = 1536
	}
	if c.BulkBatchSize <= 0 {
		c.BulkBatchSize = 100
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store wraps an Elasticsearch client with the two sync indices.
type Store struct {
	es     *elasticsearch.Client
	cfg    Config
	logger *slog.Logger
}

// New connects to Elasticsearch. The connection is lazy; use Ping to verify
// the cluster is actually reachable.
func New(cfg Config) (*Store, error) {
	cfg.defaults()
	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		APIKey:    cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: new client: %w", err)
	}
	return &Store{es: es, cfg: cfg, logger: cfg.Logger}, nil
}

// Document is one searchable chunk written to the documents index.
type Document struct {
	ID          string         `json:"-"`
	SourceID    string         `json:"source_id"`
	Title       string         `json:"title,omitempty"`
	URL         string         `json:"url,omitempty"`
	Content     string         `json:"content"`
	ContentHash string         `json:"content_hash"`
	ChunkIndex  int            `json:"chunk_index"`
	ChunkTotal  int            `json:"chunk_total"`
	SyncRunID   string         `json:"sync_run_id"`
	Vector      []float32      `json:"vector,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	IndexedAt   time.Time      `json:"indexed_at"`
}

// EmbeddingRecord is one entry in the shared embedding cache index.
// The document id in Elasticsearch is the content hash.
type EmbeddingRecord struct {
	ContentHash string    `json:"content_hash"`
	Vector      []float32 `json:"vector"`
	Model       string    `json:"model"`
	SourceID    string    `json:"source_id,omitempty"`
	ContentSize int       `json:"content_size,omitempty"`
	Metadata    string    `json:"metadata,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// BulkStats reports the outcome of a bulk request.
type BulkStats struct {
	Indexed int
	Failed  int
}

// Ping verifies the cluster is reachable.
func (s *Store) Ping(ctx context.Context) error {
	res, err := s.es.Ping(s.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("vectorstore: ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("vectorstore: ping: %s", res.Status())
	}
	return nil
}

// EnsureIndices creates the documents and embeddings indices if missing.
// Existing indices are left untouched.
func (s *Store) EnsureIndices(ctx context.Context) error {
	docMapping := fmt.Sprintf(`{
	  "mappings": {
	    "properties": {
	      "source_id":    {"type": "keyword"},
	      "title":        {"type": "text"},
	      "url":          {"type": "keyword"},
	      "content":      {"type": "text"},
	      "content_hash": {"type": "keyword"},
	      "chunk_index":  {"type": "integer"},
	      "chunk_total":  {"type": "integer"},
	      "sync_run_id":  {"type": "keyword"},
	      "vector":       {"type": "dense_vector", "dims": %d, "index": true, "similarity": "cosine"},
	      "indexed_at":   {"type": "date"}
	    }
	  }
	}`, s.cfg.VectorDims)

	embMapping := fmt.Sprintf(`{
	  "mappings": {
	    "properties": {
	      "content_hash": {"type": "keyword"},
	      "vector":       {"type": "dense_vector", "dims": %d, "index": false},
	      "model":        {"type": "keyword"},
	      "source_id":    {"type": "keyword"},
	      "content_size": {"type": "integer"},
	      "created_at":   {"type": "date"}
	    }
	  }
	}`, s.cfg.VectorDims)

	if err := s.ensureIndex(ctx, s.cfg.DocumentsIndex, docMapping); err != nil {
		return err
	}
	return s.ensureIndex(ctx, s.cfg.EmbeddingsIndex, embMapping)
}

func (s *Store) ensureIndex(ctx context.Context, name, mapping string) error {
	res, err := s.es.Indices.Exists([]string{name}, s.es.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("vectorstore: check index %s: %w", name, err)
	}
	res.Body.Close()
	if res.StatusCode == http.StatusOK {
		return nil
	}

	res, err = s.es.Indices.Create(name,
		s.es.Indices.Create.WithContext(ctx),
		s.es.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("vectorstore: create index %s: %w", name, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("vectorstore: create index %s: %s", name, errBody(res))
	}
	s.logger.Info("created index", "index", name, "dims", s.cfg.VectorDims)
	return nil
}

// IndexDocuments bulk-writes chunks to the documents index, batching by
// BulkBatchSize. Documents with an empty ID are rejected by Elasticsearch;
// callers are expected to set deterministic ids so re-runs overwrite.
func (s *Store) IndexDocuments(ctx context.Context, docs []Document) (BulkStats, error) {
	var total BulkStats
	for start := 0; start < len(docs); start += s.cfg.BulkBatchSize {
		end := min(start+s.cfg.BulkBatchSize, len(docs))

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, d := range docs[start:end] {
			if err := enc.Encode(bulkAction{Index: &bulkMeta{Index: s.cfg.DocumentsIndex, ID: d.ID}}); err != nil {
				return total, fmt.Errorf("vectorstore: encode action: %w", err)
			}
			if err := enc.Encode(d); err != nil {
				return total, fmt.Errorf("vectorstore: encode document %s: %w", d.ID, err)
			}
		}

		stats, err := s.bulk(ctx, &buf)
		total.Indexed += stats.Indexed
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// UploadEmbeddings bulk-writes cache entries to the embeddings index, using
// the content hash as document id so repeated uploads are idempotent.
func (s *Store) UploadEmbeddings(ctx context.Context, recs []EmbeddingRecord) (BulkStats, error) {
	var total BulkStats
	for start := 0; start < len(recs); start += s.cfg.BulkBatchSize {
		end := min(start+s.cfg.BulkBatchSize, len(recs))

		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, r := range recs[start:end] {
			if err := enc.Encode(bulkAction{Index: &bulkMeta{Index: s.cfg.EmbeddingsIndex, ID: r.ContentHash}}); err != nil {
				return total, fmt.Errorf("vectorstore: encode action: %w", err)
			}
			if err := enc.Encode(r); err != nil {
				return total, fmt.Errorf("vectorstore: encode embedding %s: %w", r.ContentHash, err)
			}
		}

		stats, err := s.bulk(ctx, &buf)
		total.Indexed += stats.Indexed
		total.Failed += stats.Failed
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

type bulkAction struct {
	Index *bulkMeta `json:"index,omitempty"`
}

type bulkMeta struct {
	Index string `json:"_index"`
	ID    string `json:"_id,omitempty"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []map[string]struct {
		ID     string `json:"_id"`
		Status int    `json:"status"`
		Error  *struct {
			Type   string `json:"type"`
			Reason string `json:"reason"`
		} `json:"error"`
	} `json:"items"`
}

func (s *Store) bulk(ctx context.Context, body *bytes.Buffer) (BulkStats, error) {
	res, err := s.es.Bulk(bytes.NewReader(body.Bytes()), s.es.Bulk.WithContext(ctx))
	if err != nil {
		return BulkStats{}, fmt.Errorf("vectorstore: bulk: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return BulkStats{}, fmt.Errorf("vectorstore: bulk: %s", errBody(res))
	}

	var br bulkResponse
	if err := json.NewDecoder(res.Body).Decode(&br); err != nil {
		return BulkStats{}, fmt.Errorf("vectorstore: decode bulk response: %w", err)
	}

	var stats BulkStats
	for _, item := range br.Items {
		for _, op := range item {
			if op.Status >= 300 {
				stats.Failed++
				if op.Error != nil {
					s.logger.Warn("bulk item failed",
						"id", op.ID, "status", op.Status,
						"type", op.Error.Type, "reason", op.Error.Reason)
				}
			} else {
				stats.Indexed++
			}
		}
	}
	return stats, nil
}

// DeleteStale removes documents for a source that were written by a run
// other than runID. Called after a successful reindex so readers switch
// from old chunks to new ones without a window where neither exists.
func (s *Store) DeleteStale(ctx context.Context, sourceID, runID string) (int64, error) {
	query := map[string]any{
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{
					map[string]any{"term": map[string]any{"source_id": sourceID}},
				},
				"must_not": []any{
					map[string]any{"term": map[string]any{"sync_run_id": runID}},
				},
			},
		},
	}
	body, err := json.Marshal(query)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: marshal delete query: %w", err)
	}

	res, err := s.es.DeleteByQuery([]string{s.cfg.DocumentsIndex}, bytes.NewReader(body),
		s.es.DeleteByQuery.WithContext(ctx),
		s.es.DeleteByQuery.WithConflicts("proceed"),
	)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: delete stale for %s: %w", sourceID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return 0, fmt.Errorf("vectorstore: delete stale for %s: %s", sourceID, errBody(res))
	}

	var out struct {
		Deleted int64 `json:"deleted"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("vectorstore: decode delete response: %w", err)
	}
	return out.Deleted, nil
}

// ScrollEmbeddings streams the whole embeddings index through fn, page by
// page. A missing index is treated as an empty cache, not an error, so the
// very first run on a fresh cluster downloads nothing and proceeds.
// Returns the number of records seen.
func (s *Store) ScrollEmbeddings(ctx context.Context, fn func(EmbeddingRecord) error) (int, error) {
	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.cfg.EmbeddingsIndex),
		s.es.Search.WithBody(strings.NewReader(`{"query":{"match_all":{}},"sort":["_doc"]}`)),
		s.es.Search.WithSize(scrollPageSize),
		s.es.Search.WithScroll(scrollKeepAlive),
	)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: scroll embeddings: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		res.Body.Close()
		return 0, nil
	}

	page, err := decodeScrollPage(res)
	if err != nil {
		return 0, err
	}

	var seen int
	scrollID := page.ScrollID
	defer s.clearScroll(scrollID)

	for len(page.Hits.Hits) > 0 {
		for _, hit := range page.Hits.Hits {
			var rec EmbeddingRecord
			if err := json.Unmarshal(hit.Source, &rec); err != nil {
				s.logger.Warn("skipping malformed embedding record", "id", hit.ID, "error", err)
				continue
			}
			if rec.ContentHash == "" {
				rec.ContentHash = hit.ID
			}
			if err := fn(rec); err != nil {
				return seen, err
			}
			seen++
		}

		res, err := s.es.Scroll(
			s.es.Scroll.WithContext(ctx),
			s.es.Scroll.WithScrollID(scrollID),
			s.es.Scroll.WithScroll(scrollKeepAlive),
		)
		if err != nil {
			return seen, fmt.Errorf("vectorstore: scroll embeddings: %w", err)
		}
		page, err = decodeScrollPage(res)
		if err != nil {
			return seen, err
		}
		if page.ScrollID != "" {
			scrollID = page.ScrollID
		}
	}
	return seen, nil
}

type scrollPage struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func decodeScrollPage(res *esapi.Response) (*scrollPage, error) {
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("vectorstore: scroll embeddings: %s", errBody(res))
	}
	var page scrollPage
	if err := json.NewDecoder(res.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("vectorstore: decode scroll page: %w", err)
	}
	return &page, nil
}

func (s *Store) clearScroll(scrollID string) {
	if scrollID == "" {
		return
	}
	res, err := s.es.ClearScroll(s.es.ClearScroll.WithScrollID(scrollID))
	if err == nil {
		res.Body.Close()
	}
}

// Hit is one kNN search result.
type Hit struct {
	ID          string
	Score       float64
	SourceID    string
	Title       string
	URL         string
	Content     string
	ContentHash string
}

// Search runs a kNN query against the documents index. Filter terms, if
// any, restrict candidates by exact field match (e.g. source_id).
func (s *Store) Search(ctx context.Context, vector []float32, k int, filter map[string]string) ([]Hit, error) {
	if k <= 0 {
		k = 10
	}
	knn := map[string]any{
		"field":          "vector",
		"query_vector":   vector,
		"k":              k,
		"num_candidates": k * 10,
	}
	if len(filter) > 0 {
		var terms []any
		for field, value := range filter {
			terms = append(terms, map[string]any{"term": map[string]any{field: value}})
		}
		knn["filter"] = map[string]any{"bool": map[string]any{"must": terms}}
	}
	body, err := json.Marshal(map[string]any{
		"knn":     knn,
		"size":    k,
		"_source": []string{"source_id", "title", "url", "content", "content_hash"},
	})
	if err != nil {
		return nil, fmt.Errorf("vectorstore: marshal search: %w", err)
	}

	res, err := s.es.Search(
		s.es.Search.WithContext(ctx),
		s.es.Search.WithIndex(s.cfg.DocumentsIndex),
		s.es.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: search: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("vectorstore: search: %s", errBody(res))
	}

	var out struct {
		Hits struct {
			Hits []struct {
				ID     string  `json:"_id"`
				Score  float64 `json:"_score"`
				Source struct {
					SourceID    string `json:"source_id"`
					Title       string `json:"title"`
					URL         string `json:"url"`
					Content     string `json:"content"`
					ContentHash string `json:"content_hash"`
				} `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("vectorstore: decode search response: %w", err)
	}

	hits := make([]Hit, 0, len(out.Hits.Hits))
	for _, h := range out.Hits.Hits {
		hits = append(hits, Hit{
			ID:          h.ID,
			Score:       h.Score,
			SourceID:    h.Source.SourceID,
			Title:       h.Source.Title,
			URL:         h.Source.URL,
			Content:     h.Source.Content,
			ContentHash: h.Source.ContentHash,
		})
	}
	return hits, nil
}

// CountDocuments returns the number of live chunks for a source, or all
// sources when sourceID is empty. Used by the status endpoints.
func (s *Store) CountDocuments(ctx context.Context, sourceID string) (int64, error) {
	opts := []func(*esapi.CountRequest){
		s.es.Count.WithContext(ctx),
		s.es.Count.WithIndex(s.cfg.DocumentsIndex),
	}
	if sourceID != "" {
		body, err := json.Marshal(map[string]any{
			"query": map[string]any{"term": map[string]any{"source_id": sourceID}},
		})
		if err != nil {
			return 0, fmt.Errorf("vectorstore: marshal count: %w", err)
		}
		opts = append(opts, s.es.Count.WithBody(bytes.NewReader(body)))
	}

	res, err := s.es.Count(opts...)
	if err != nil {
		return 0, fmt.Errorf("vectorstore: count: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return 0, nil
	}
	if res.IsError() {
		return 0, fmt.Errorf("vectorstore: count: %s", errBody(res))
	}

	var out struct {
		Count int64 `json:"count"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("vectorstore: decode count response: %w", err)
	}
	return out.Count, nil
}

func errBody(res *esapi.Response) string {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		return res.Status()
	}
	return res.Status() + ": " + msg
}
