// Package embedpipe embeds processed documents and keeps a local
// read-through cache of vectors synchronized with the remote index.
//
// The cache is keyed by content hash: identical content never pays for a
// second embedding call, across sources and across runs. A run downloads
// the remote cache before embedding and uploads locally computed vectors
// after, so independent workers converge on one shared set.
package embedpipe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/embedder"
	"github.com/hazyhaar/moisson/synchro/internal/pipeline"
	"github.com/hazyhaar/moisson/vectorstore"
)

// RemoteIndex is the remote side of the embedding cache.
// vectorstore.Store satisfies it.
type RemoteIndex interface {
	ScrollEmbeddings(ctx context.Context, fn func(vectorstore.EmbeddingRecord) error) (int, error)
	UploadEmbeddings(ctx context.Context, recs []vectorstore.EmbeddingRecord) (vectorstore.BulkStats, error)
}

// DocumentSink receives embedded documents for search indexing.
// vectorstore.Store satisfies it.
type DocumentSink interface {
	IndexDocuments(ctx context.Context, docs []vectorstore.Document) (vectorstore.BulkStats, error)
}

// Config tunes the embedding pipeline.
type Config struct {
	// BatchSize is how many documents go into one embedding API call.
	BatchSize int
	// Workers bounds concurrent embedding batches.
	Workers int
	// UploadBatch is how many cache records go into one remote upload.
	UploadBatch int
	// StaleAfter forces re-embedding of vectors older than this.
	StaleAfter time.Duration
	Logger     *slog.Logger
}

func (c *Config) defaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.UploadBatch <= 0 {
		c.UploadBatch = 100
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 365 * 24 * time.Hour
	}
}

// DocFailure records one document that could not be embedded.
type DocFailure struct {
	DocID    string
	SourceID string
	Err      error
}

// Report summarizes one ProcessDocuments call.
type Report struct {
	Total       int
	Embedded    int
	CacheHits   int
	Indexed     int
	IndexFailed int
	Failures    []DocFailure
}

// Processor embeds documents through a local cache and indexes them.
type Processor struct {
	store   *Store
	backend embedder.Embedder
	remote  RemoteIndex
	sink    DocumentSink
	cfg     Config
	logger  *slog.Logger
}

// New creates a Processor. remote may be nil, in which case Download and
// Upload are no-ops and the cache stays local.
func New(store *Store, backend embedder.Embedder, remote RemoteIndex, sink DocumentSink, cfg Config) *Processor {
	cfg.defaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:   store,
		backend: backend,
		remote:  remote,
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
	}
}

// NeedsEmbedding reports whether content must be (re)embedded and why.
// A cached vector is reused only when the model matches and the vector is
// younger than StaleAfter.
func (p *Processor) NeedsEmbedding(ctx context.Context, hash, model string) (bool, string, error) {
	cached, err := p.store.Get(ctx, hash)
	if err != nil {
		return false, "", err
	}
	if cached == nil {
		return true, "no cached embedding", nil
	}
	if cached.Model != model {
		return true, fmt.Sprintf("model changed (%s -> %s)", cached.Model, model), nil
	}
	if time.Since(cached.CreatedAt) > p.cfg.StaleAfter {
		return true, "embedding stale", nil
	}
	return false, "cached", nil
}

// ProcessDocuments embeds every document that needs it, reusing cached
// vectors, then indexes the full set into the document sink. Failures are
// per document: a failing batch is retried one document at a time and only
// the documents that still fail are dropped from indexing.
func (p *Processor) ProcessDocuments(ctx context.Context, runID string, docs []pipeline.Document) (*Report, error) {
	report := &Report{Total: len(docs)}
	if len(docs) == 0 {
		return report, nil
	}

	model := p.backend.Model()
	vectors := make([][]float32, len(docs))
	var toEmbed []int

	for i, doc := range docs {
		needs, _, err := p.NeedsEmbedding(ctx, doc.ContentHash, model)
		if err != nil {
			return report, err
		}
		if !needs {
			cached, err := p.store.Get(ctx, doc.ContentHash)
			if err != nil {
				return report, err
			}
			vectors[i] = cached.Vector
			report.CacheHits++
			continue
		}
		toEmbed = append(toEmbed, i)
	}

	if len(toEmbed) > 0 {
		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			sem  = make(chan struct{}, p.cfg.Workers)
			errs []DocFailure
		)
		embedded := 0
		for start := 0; start < len(toEmbed); start += p.cfg.BatchSize {
			end := start + p.cfg.BatchSize
			if end > len(toEmbed) {
				end = len(toEmbed)
			}
			batch := toEmbed[start:end]

			wg.Add(1)
			sem <- struct{}{}
			go func(batch []int) {
				defer wg.Done()
				defer func() { <-sem }()
				ok, failed := p.embedBatch(ctx, docs, batch, vectors, model)
				mu.Lock()
				embedded += ok
				errs = append(errs, failed...)
				mu.Unlock()
			}(batch)
		}
		wg.Wait()
		report.Embedded = embedded
		report.Failures = errs
	}

	if len(report.Failures) > 0 {
		p.logger.Warn("embedpipe: some documents failed to embed",
			"failed", len(report.Failures), "total", len(docs))
	}

	index := make([]vectorstore.Document, 0, len(docs))
	now := time.Now()
	for i, doc := range docs {
		if vectors[i] == nil {
			continue
		}
		index = append(index, toStoreDocument(doc, vectors[i], runID, now))
	}
	if len(index) == 0 {
		return report, nil
	}
	if p.sink == nil {
		return report, nil
	}
	stats, err := p.sink.IndexDocuments(ctx, index)
	if err != nil {
		return report, fmt.Errorf("embedpipe: index documents: %w", err)
	}
	report.Indexed = stats.Indexed
	report.IndexFailed = stats.Failed
	return report, nil
}

// embedBatch embeds one batch. On batch failure it falls back to embedding
// one document at a time so a single poison document cannot sink its
// neighbors. Returns the embedded count and per-document failures.
func (p *Processor) embedBatch(ctx context.Context, docs []pipeline.Document, batch []int, vectors [][]float32, model string) (int, []DocFailure) {
	texts := make([]string, len(batch))
	for j, i := range batch {
		texts[j] = docs[i].Content
	}

	got, err := p.backend.EmbedBatch(ctx, texts)
	if err == nil && len(got) == len(batch) {
		for j, i := range batch {
			vectors[i] = got[j]
			p.saveVector(ctx, docs[i], got[j], model)
		}
		return len(batch), nil
	}

	p.logger.Warn("embedpipe: batch failed, retrying per document",
		"batch_size", len(batch), "error", err)

	embedded := 0
	var failures []DocFailure
	for _, i := range batch {
		vec, err := p.backend.Embed(ctx, docs[i].Content)
		if err != nil {
			failures = append(failures, DocFailure{
				DocID:    docs[i].ID,
				SourceID: docs[i].SourceID,
				Err:      err,
			})
			continue
		}
		vectors[i] = vec
		p.saveVector(ctx, docs[i], vec, model)
		embedded++
	}
	return embedded, failures
}

// saveVector caches a freshly computed vector. A cache write failure is
// logged and swallowed: the vector is in hand and the document still
// indexes, the cache only loses a future hit.
func (p *Processor) saveVector(ctx context.Context, doc pipeline.Document, vec []float32, model string) {
	var meta string
	if len(doc.Metadata) > 0 {
		if b, err := json.Marshal(doc.Metadata); err == nil {
			meta = string(b)
		}
	}
	err := p.store.Save(ctx, CachedVector{
		ContentHash: doc.ContentHash,
		Vector:      vec,
		Model:       model,
		SourceID:    doc.SourceID,
		ContentSize: len(doc.Content),
		Metadata:    meta,
	})
	if err != nil {
		p.logger.Warn("embedpipe: cache write failed", "doc", doc.ID, "error", err)
	}
}

// Download pulls the remote embedding cache into the local store.
// Downloaded rows land clean; dirty rows from a crashed earlier run that
// never reached the remote keep their dirty flag and upload later.
func (p *Processor) Download(ctx context.Context) (int, error) {
	if p.remote == nil {
		return 0, nil
	}
	n, err := p.remote.ScrollEmbeddings(ctx, func(rec vectorstore.EmbeddingRecord) error {
		return p.store.SaveRemote(ctx, rec)
	})
	if err != nil {
		return n, fmt.Errorf("embedpipe: download cache: %w", err)
	}
	return n, nil
}

// Upload pushes dirty local vectors to the remote index in batches.
// A batch's rows are marked clean only when the remote accepted every
// record in it; rows in a partially failed batch stay dirty and retry on
// the next run.
func (p *Processor) Upload(ctx context.Context) (int, error) {
	if p.remote == nil {
		return 0, nil
	}
	dirty, err := p.store.Dirty(ctx)
	if err != nil {
		return 0, err
	}
	if len(dirty) == 0 {
		return 0, nil
	}

	uploaded := 0
	for start := 0; start < len(dirty); start += p.cfg.UploadBatch {
		end := start + p.cfg.UploadBatch
		if end > len(dirty) {
			end = len(dirty)
		}
		batch := dirty[start:end]

		recs := make([]vectorstore.EmbeddingRecord, len(batch))
		hashes := make([]string, len(batch))
		for i, c := range batch {
			recs[i] = vectorstore.EmbeddingRecord{
				ContentHash: c.ContentHash,
				Vector:      c.Vector,
				Model:       c.Model,
				SourceID:    c.SourceID,
				ContentSize: c.ContentSize,
				Metadata:    c.Metadata,
				CreatedAt:   c.CreatedAt,
			}
			hashes[i] = c.ContentHash
		}

		stats, err := p.remote.UploadEmbeddings(ctx, recs)
		if err != nil {
			return uploaded, fmt.Errorf("embedpipe: upload cache: %w", err)
		}
		if stats.Failed > 0 {
			p.logger.Warn("embedpipe: partial cache upload, keeping batch dirty",
				"failed", stats.Failed, "batch", len(batch))
			continue
		}
		if err := p.store.MarkClean(ctx, hashes); err != nil {
			return uploaded, err
		}
		uploaded += len(batch)
	}
	return uploaded, nil
}

func toStoreDocument(doc pipeline.Document, vec []float32, runID string, now time.Time) vectorstore.Document {
	var meta map[string]any
	if len(doc.Metadata) > 0 {
		meta = make(map[string]any, len(doc.Metadata))
		for k, v := range doc.Metadata {
			meta[k] = v
		}
	}
	return vectorstore.Document{
		ID:          doc.ID,
		SourceID:    doc.SourceID,
		Title:       doc.Title,
		URL:         doc.URL,
		Content:     doc.Content,
		ContentHash: doc.ContentHash,
		ChunkIndex:  doc.ChunkIndex,
		ChunkTotal:  doc.ChunkTotal,
		SyncRunID:   runID,
		Vector:      vec,
		Metadata:    meta,
		IndexedAt:   now,
	}
}
