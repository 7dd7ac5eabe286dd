// Package synchro orchestrates multi-source content synchronization: fetch,
// change detection, duplicate gating, processing, embedding, and indexing,
// with per-source failure isolation. One Run walks a fixed state sequence;
// losing a source, a stage, or the vector backend degrades the run instead
// of aborting it. Only configuration errors are fatal.
package synchro

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/dbopen"
	"github.com/hazyhaar/moisson/embedder"
	"github.com/hazyhaar/moisson/idgen"
	"github.com/hazyhaar/moisson/metrics"
	"github.com/hazyhaar/moisson/synchro/internal/cache"
	"github.com/hazyhaar/moisson/synchro/internal/embedpipe"
	"github.com/hazyhaar/moisson/synchro/internal/fetch"
	"github.com/hazyhaar/moisson/synchro/internal/pipeline"
	"github.com/hazyhaar/moisson/synchro/internal/resilience"
	"github.com/hazyhaar/moisson/synchro/internal/version"
	"github.com/hazyhaar/moisson/taskq"
	"github.com/hazyhaar/moisson/vectorstore"
)

// VectorBackend is the slice of vectorstore.Store the engine uses.
// Runs tolerate a nil backend: indexing and the remote embedding cache
// are skipped and the run degrades instead of failing.
type VectorBackend interface {
	Ping(ctx context.Context) error
	EnsureIndices(ctx context.Context) error
	IndexDocuments(ctx context.Context, docs []vectorstore.Document) (vectorstore.BulkStats, error)
	UploadEmbeddings(ctx context.Context, recs []vectorstore.EmbeddingRecord) (vectorstore.BulkStats, error)
	ScrollEmbeddings(ctx context.Context, fn func(vectorstore.EmbeddingRecord) error) (int, error)
	DeleteStale(ctx context.Context, sourceID, runID string) (int64, error)
}

// Service is the sync orchestrator. Create with New, run with Run,
// release with Close.
type Service struct {
	cfg    *Config
	logger *slog.Logger

	stateDB *sql.DB
	embedDB *sql.DB

	versions   *version.Store
	cache      *cache.Store
	discovery  *fetch.DiscoveryStore
	queue      *taskq.Q
	collector  *metrics.Collector
	embedStore *embedpipe.Store

	fetcher  *fetch.Fetcher
	renderer *fetch.Renderer
	pipeline *pipeline.Pipeline
	embed    *embedpipe.Processor
	backend  embedder.Embedder
	vectors  VectorBackend
	policy   *resilience.Policy

	newRunID idgen.Generator
	now      func() time.Time

	mu          sync.Mutex
	current     *run
	lastSummary *SyncSummary
}

// New creates a sync Service: opens the state and embedding-cache databases
// under cfg.Settings.DataDir and wires all collaborators. An unreadable
// database file is quarantined and rebuilt rather than failing the service.
func New(cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = &Config{Environment: "default"}
	}
	cfg.Settings.defaults()
	if logger == nil {
		logger = slog.Default()
	}

	f := fetch.New(fetch.Config{
		Timeout:   time.Duration(cfg.Settings.FetchTimeoutSeconds) * time.Second,
		MaxBytes:  cfg.Settings.FetchMaxBytes,
		UserAgent: cfg.Settings.UserAgent,
	})

	svc := &Service{
		cfg:     cfg,
		logger:  logger,
		fetcher: f,
		renderer: fetch.NewRenderer(fetch.BrowserConfig{
			RemoteURL: cfg.Settings.BrowserRemoteURL,
			Logger:    logger,
		}),
		pipeline: pipeline.New(pipeline.Config{
			Chunk:  cfg.Settings.Chunk.options(),
			Logger: logger,
		}),
		policy:   resilience.New(cfg.Settings.Resilience, logger),
		newRunID: idgen.Prefixed("run_", idgen.UUIDv7()),
		now:      time.Now,
	}

	embedCfg := cfg.Settings.Embedding
	embedCfg.Logger = logger
	svc.backend = embedder.New(embedCfg)

	for _, opt := range opts {
		opt(svc)
	}

	dir := cfg.Settings.DataDir
	stateDB, err := openDB(filepath.Join(dir, "sync_state.db"), logger,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(version.Schema),
		dbopen.WithSchema(cache.Schema),
		dbopen.WithSchema(fetch.DiscoverySchema),
		dbopen.WithSchema(taskq.Schema),
		dbopen.WithSchema(metrics.Schema),
	)
	if err != nil {
		return nil, fmt.Errorf("synchro: open state db: %w", err)
	}
	embedDB, err := openDB(filepath.Join(dir, "embeddings.db"), logger,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(embedpipe.Schema),
	)
	if err != nil {
		stateDB.Close()
		return nil, fmt.Errorf("synchro: open embeddings db: %w", err)
	}
	svc.stateDB = stateDB
	svc.embedDB = embedDB

	svc.versions = version.New(stateDB)
	svc.cache = cache.New(stateDB, logger)
	svc.discovery = fetch.NewDiscoveryStore(stateDB)
	svc.queue = taskq.New(stateDB, taskq.Options{
		Queue:  "spreadsheet_fetch",
		Logger: logger,
	})
	svc.collector = metrics.NewCollector(stateDB, 100, 5*time.Second)
	svc.embedStore = embedpipe.NewStore(embedDB)

	if svc.vectors == nil && len(cfg.Settings.Elasticsearch.Addresses) > 0 {
		esCfg := cfg.Settings.Elasticsearch
		esCfg.Logger = logger
		store, err := vectorstore.New(esCfg)
		if err != nil {
			logger.Warn("synchro: vector store unavailable, indexing disabled", "error", err)
		} else {
			svc.vectors = store
		}
	}

	var remote embedpipe.RemoteIndex
	var sink embedpipe.DocumentSink
	if svc.vectors != nil {
		remote = svc.vectors
		sink = svc.vectors
	}
	svc.embed = embedpipe.New(svc.embedStore, svc.backend, remote, sink, embedpipe.Config{
		BatchSize:  cfg.Settings.EmbedBatchSize,
		Workers:    cfg.Settings.EmbedWorkers,
		StaleAfter: time.Duration(cfg.Settings.EmbedStaleDays) * 24 * time.Hour,
		Logger:     logger,
	})

	return svc, nil
}

// ServiceOption configures a Service during creation.
type ServiceOption func(*Service)

// WithEmbedder overrides the embedding backend.
func WithEmbedder(e embedder.Embedder) ServiceOption {
	return func(svc *Service) { svc.backend = e }
}

// WithVectorBackend overrides the vector store. Use in tests with a fake.
func WithVectorBackend(v VectorBackend) ServiceOption {
	return func(svc *Service) { svc.vectors = v }
}

// WithURLValidator overrides fetch URL validation.
// Use in tests with httptest servers that listen on loopback addresses.
func WithURLValidator(fn func(string) error) ServiceOption {
	return func(svc *Service) {
		svc.fetcher = fetch.New(fetch.Config{
			Timeout:      time.Duration(svc.cfg.Settings.FetchTimeoutSeconds) * time.Second,
			MaxBytes:     svc.cfg.Settings.FetchMaxBytes,
			UserAgent:    svc.cfg.Settings.UserAgent,
			URLValidator: fn,
		})
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ServiceOption {
	return func(svc *Service) { svc.now = now }
}

// WithIDGenerator overrides run id generation.
func WithIDGenerator(gen idgen.Generator) ServiceOption {
	return func(svc *Service) { svc.newRunID = gen }
}

// Config returns the resolved configuration the service runs with.
func (svc *Service) Config() *Config { return svc.cfg }

// Queue exposes the spreadsheet task queue for CLI inspection commands.
func (svc *Service) Queue() *taskq.Q { return svc.queue }

// Metrics exposes the run history collector.
func (svc *Service) Metrics() *metrics.Collector { return svc.collector }

// EmbedCache exposes the local embedding cache store.
func (svc *Service) EmbedCache() *embedpipe.Store { return svc.embedStore }

// ContentCache exposes the duplicate-detection cache.
func (svc *Service) ContentCache() *cache.Store { return svc.cache }

// Embed exposes the embedding pipeline for CLI cache commands.
func (svc *Service) Embed() *embedpipe.Processor { return svc.embed }

// Status returns the live run snapshot, or ok=false when no run is active.
func (svc *Service) Status() (RunStatus, bool) {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.current == nil {
		return RunStatus{}, false
	}
	return svc.current.snapshot(), true
}

// LastSummary returns the summary of the most recent finished run,
// or nil when none has finished in this process.
func (svc *Service) LastSummary() *SyncSummary {
	svc.mu.Lock()
	defer svc.mu.Unlock()
	return svc.lastSummary
}

// Close flushes metrics and releases databases and the browser connection.
func (svc *Service) Close() error {
	if svc.collector != nil {
		svc.collector.Close()
	}
	if svc.renderer != nil {
		svc.renderer.Close()
	}
	var firstErr error
	if svc.embedDB != nil {
		if err := svc.embedDB.Close(); err != nil {
			firstErr = err
		}
	}
	if svc.stateDB != nil {
		if err := svc.stateDB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// openDB opens an SQLite database, quarantining an unreadable file once.
// A database that cannot even be reopened fresh is a real error.
func openDB(path string, logger *slog.Logger, opts ...dbopen.Option) (*sql.DB, error) {
	db, err := dbopen.Open(path, opts...)
	if err == nil {
		return db, nil
	}
	if _, statErr := os.Stat(path); statErr != nil {
		return nil, err
	}
	quarantine := fmt.Sprintf("%s.corrupt-%s", path, time.Now().UTC().Format("20060102T150405Z"))
	if renameErr := os.Rename(path, quarantine); renameErr != nil {
		return nil, err
	}
	logger.Warn("synchro: quarantined unreadable database",
		"path", path, "moved_to", quarantine, "error", err)
	return dbopen.Open(path, opts...)
}
