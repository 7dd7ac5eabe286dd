package synchro

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hazyhaar/moisson/metrics"
	"github.com/hazyhaar/moisson/synchro/internal/cache"
	"github.com/hazyhaar/moisson/synchro/internal/embedpipe"
	"github.com/hazyhaar/moisson/synchro/internal/fetch"
	"github.com/hazyhaar/moisson/synchro/internal/journal"
	"github.com/hazyhaar/moisson/synchro/internal/pipeline"
	"github.com/hazyhaar/moisson/synchro/internal/resilience"
	"github.com/hazyhaar/moisson/synchro/internal/version"
	"github.com/hazyhaar/moisson/taskq"
)

// run holds the mutable state of one sync pass.
type run struct {
	svc     *Service
	id      string
	started time.Time
	jnl     *journal.Journal

	mu      sync.Mutex
	state   string
	timings []StateTiming
	results []SyncResult
	docs    []pipeline.Document
	errs    []string
	pending []ContentSource
	total   int

	cacheDownloadOK bool
	cacheDownloaded int
	cacheUploadOK   bool
	cacheUploaded   int

	embedReport *embedpipe.Report
}

// Run executes one full sync pass over the enabled sources and returns its
// summary. Per-source failures, stage failures, and backend outages degrade
// the summary; Run itself errors only when another run is already active.
func (svc *Service) Run(ctx context.Context) (*SyncSummary, error) {
	r := &run{
		svc:     svc,
		id:      svc.newRunID(),
		started: svc.now(),
		state:   StateInit,
	}
	svc.mu.Lock()
	if svc.current != nil {
		active := svc.current.id
		svc.mu.Unlock()
		return nil, fmt.Errorf("synchro: run %s already active", active)
	}
	svc.current = r
	svc.mu.Unlock()
	defer func() {
		svc.mu.Lock()
		svc.current = nil
		svc.mu.Unlock()
	}()

	jnl, err := journal.Open(filepath.Join(svc.cfg.Settings.DataDir, "journal"), r.id)
	if err != nil {
		svc.logger.Warn("synchro: journal unavailable for run", "run_id", r.id, "error", err)
	} else {
		r.jnl = jnl
		defer jnl.Close()
	}

	sources := svc.cfg.EnabledSources()
	if err := svc.collector.StartRun(ctx, r.id, len(sources)); err != nil {
		svc.logger.Warn("synchro: run history write failed", "run_id", r.id, "error", err)
	}
	svc.logger.Info("synchro: run started",
		"run_id", r.id, "environment", svc.cfg.Environment, "sources", len(sources))

	// Queue workers fetch async spreadsheets in the background. Results
	// persist in the task table, so a result that lands after this run
	// ends is consumed by the next one.
	workerCtx, stopWorkers := context.WithCancel(ctx)
	defer stopWorkers()
	go svc.queue.Run(workerCtx, 2, svc.taskHandler)

	r.runStage(ctx, StateInit, func(ctx context.Context) error {
		return r.stageInit(ctx, sources)
	})
	r.runStage(ctx, StatePreprocessing, r.stagePreprocess)
	r.runStage(ctx, StateDownloadingCache, r.stageDownloadCache)
	r.runStage(ctx, StateProcessingSources, r.stageProcessSources)
	r.runStage(ctx, StateEmbedding, r.stageEmbed)
	r.runStage(ctx, StateUploadingCache, r.stageUploadCache)

	var summary *SyncSummary
	r.runStage(ctx, StateSummarizing, func(ctx context.Context) error {
		summary = r.summarize(ctx)
		return nil
	})
	r.setState(StateDone)
	return summary, nil
}

// runStage marks the state, times fn, and downgrades its error to a logged
// run error. The walk never stops early.
func (r *run) runStage(ctx context.Context, state string, fn func(context.Context) error) {
	r.setState(state)
	start := r.svc.now()
	err := fn(ctx)
	elapsed := r.svc.now().Sub(start)

	r.mu.Lock()
	r.timings = append(r.timings, StateTiming{State: state, DurationMs: elapsed.Milliseconds()})
	r.mu.Unlock()

	if r.jnl != nil {
		ev := journal.Event{
			Stage:  state,
			Status: "ok",
			Fields: map[string]any{"duration_ms": elapsed.Milliseconds()},
		}
		if err != nil {
			ev.Status = "error"
			ev.Error = err.Error()
		}
		_ = r.jnl.Append(ev)
	}
	if err != nil {
		r.svc.logger.Error("synchro: stage failed, continuing",
			"run_id", r.id, "stage", state, "error", err)
		r.addError(fmt.Sprintf("%s: %v", state, err))
	}
}

func (r *run) setState(state string) {
	r.mu.Lock()
	r.state = state
	r.mu.Unlock()
}

func (r *run) addError(msg string) {
	r.mu.Lock()
	r.errs = append(r.errs, msg)
	r.mu.Unlock()
}

func (r *run) addResult(res SyncResult) {
	r.mu.Lock()
	r.results = append(r.results, res)
	r.mu.Unlock()
}

func (r *run) addDocs(docs []pipeline.Document) {
	if len(docs) == 0 {
		return
	}
	r.mu.Lock()
	r.docs = append(r.docs, docs...)
	r.mu.Unlock()
}

// appendPending queues sources for the processing loop. Safe to call from
// source workers; the wave loop picks appended sources up on its next pass.
func (r *run) appendPending(sources ...ContentSource) {
	if len(sources) == 0 {
		return
	}
	r.mu.Lock()
	r.pending = append(r.pending, sources...)
	r.total += len(sources)
	r.mu.Unlock()
}

func (r *run) takePending() []ContentSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.pending
	r.pending = nil
	return out
}

// takePendingOfType removes and returns pending sources of one type.
func (r *run) takePendingOfType(sourceType string) []ContentSource {
	r.mu.Lock()
	defer r.mu.Unlock()
	var taken, rest []ContentSource
	for _, s := range r.pending {
		if s.Type == sourceType {
			taken = append(taken, s)
		} else {
			rest = append(rest, s)
		}
	}
	r.pending = rest
	return taken
}

func (r *run) snapshot() RunStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RunStatus{
		RunID:         r.id,
		State:         r.state,
		StartedAt:     r.started,
		SourcesTotal:  r.total,
		SourcesDone:   len(r.results),
		StateTimings:  append([]StateTiming(nil), r.timings...),
		BreakerStates: r.svc.policy.States(),
	}
}

// --- Stages ---

func (r *run) stageInit(ctx context.Context, sources []ContentSource) error {
	if r.svc.vectors != nil {
		if err := r.svc.vectors.Ping(ctx); err != nil {
			r.svc.logger.Warn("synchro: vector store unreachable, continuing without it",
				"run_id", r.id, "error", err)
		} else if err := r.svc.vectors.EnsureIndices(ctx); err != nil {
			r.svc.logger.Warn("synchro: ensure indices failed", "run_id", r.id, "error", err)
		}
	}
	r.appendPending(sources...)
	return nil
}

// stagePreprocess materializes pipeline sources before the main loop:
// their artifacts expand into inline documents and derived sources.
func (r *run) stagePreprocess(ctx context.Context) error {
	pre := r.takePendingOfType(TypePipeline)
	for _, src := range pre {
		r.addResult(r.processSource(ctx, src))
	}
	return nil
}

func (r *run) stageDownloadCache(ctx context.Context) error {
	n, err := r.svc.embed.Download(ctx)
	r.mu.Lock()
	r.cacheDownloaded = n
	r.cacheDownloadOK = err == nil
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: download: %v", ErrCacheIO, err)
	}
	r.svc.logger.Info("synchro: embedding cache downloaded", "run_id", r.id, "entries", n)
	return nil
}

// stageProcessSources drains pending sources in waves. Sources appended
// while a wave runs (discovered children, derived sources) form the next
// wave; the stage ends when a wave completes with nothing left.
func (r *run) stageProcessSources(ctx context.Context) error {
	for {
		wave := r.takePending()
		if len(wave) == 0 {
			return nil
		}
		sort.SliceStable(wave, func(i, j int) bool {
			return wave[i].Priority < wave[j].Priority
		})
		r.processWave(ctx, wave)
	}
}

func (r *run) processWave(ctx context.Context, wave []ContentSource) {
	sem := make(chan struct{}, r.svc.cfg.Settings.MaxConcurrentSources)
	var wg sync.WaitGroup
	for i := range wave {
		src := wave[i]
		if ctx.Err() != nil {
			r.addResult(SyncResult{
				SourceID:   src.ID,
				SourceName: src.Name,
				Status:     StatusFailed,
				Error:      "run canceled before source started",
			})
			continue
		}
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			r.addResult(r.processSource(ctx, src))
		}()
	}
	wg.Wait()
}

// processSource runs one source end to end under the per-source deadline.
// A panic in a handler is contained as a failed result for that source.
func (r *run) processSource(ctx context.Context, src ContentSource) (res SyncResult) {
	start := r.svc.now()
	defer func() {
		if p := recover(); p != nil {
			r.svc.logger.Error("synchro: source panicked",
				"run_id", r.id, "source", src.ID, "panic", p)
			res = SyncResult{
				SourceID:   src.ID,
				SourceName: src.Name,
				Status:     StatusFailed,
				Error:      fmt.Sprintf("panic: %v", p),
			}
		}
		res.DurationMs = r.svc.now().Sub(start).Milliseconds()
		r.finishSource(ctx, src, res, start)
	}()

	sctx, cancel := context.WithTimeout(ctx, r.svc.cfg.Settings.PerSourceTimeout())
	defer cancel()
	res = r.syncSource(sctx, src)
	return res
}

// finishSource records the outcome in the journal, metrics, and the
// discovery table. Runs with an uncancelable context so a timed-out source
// still gets its bookkeeping.
func (r *run) finishSource(ctx context.Context, src ContentSource, res SyncResult, start time.Time) {
	bctx := context.WithoutCancel(ctx)

	switch res.Status {
	case StatusFailed:
		r.svc.logger.Warn("synchro: source failed",
			"run_id", r.id, "source", src.ID, "error", res.Error)
		r.addError(fmt.Sprintf("%s: %s", src.ID, res.Error))
	default:
		r.svc.logger.Info("synchro: source done",
			"run_id", r.id, "source", src.ID, "status", res.Status,
			"reason", res.Reason, "documents", res.Documents)
	}

	if r.jnl != nil {
		_ = r.jnl.Append(journal.Event{
			Stage:    StateProcessingSources,
			SourceID: src.ID,
			Status:   res.Status,
			Message:  res.Reason,
			Error:    res.Error,
			Fields:   map[string]any{"documents": res.Documents, "duration_ms": res.DurationMs},
		})
	}
	r.svc.collector.RecordDuration("source_sync_duration", start,
		map[string]string{"source_id": src.ID, "status": res.Status})

	if src.discoveryHash == "" {
		return
	}
	switch res.Status {
	case StatusCompleted, StatusSkipped:
		_ = r.svc.discovery.Complete(bctx, src.discoveryHash, res.ContentHash)
	case StatusFailed:
		_ = r.svc.discovery.Fail(bctx, src.discoveryHash, errors.New(res.Error))
	}
}

// --- Per-source sync ---

func (r *run) syncSource(ctx context.Context, src ContentSource) SyncResult {
	res := SyncResult{SourceID: src.ID, SourceName: src.Name}

	if src.Async && src.Type == TypeSpreadsheet {
		return r.syncAsyncSpreadsheet(ctx, src)
	}

	prev, err := r.svc.versions.Get(ctx, src.ID)
	if err != nil {
		r.svc.logger.Warn("synchro: version lookup failed, treating source as new",
			"source", src.ID, "error", err)
		prev = nil
	}

	out, err := r.fetchSource(ctx, src, prev)
	if err != nil {
		bctx := context.WithoutCancel(ctx)
		_ = r.svc.versions.RecordFailure(bctx, src.ID, err.Error())
		res.Status = StatusFailed
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			res.Error = fmt.Sprintf("source timed out after %s", r.svc.cfg.Settings.PerSourceTimeout())
		} else {
			res.Error = err.Error()
		}
		return res
	}

	if out.StatusCode == http.StatusNotModified {
		sig := signalsFrom(src, out)
		var size int64
		if prev != nil {
			// A 304 carries no body; keep the hash and size we know.
			sig.Hash = prev.Hash
			size = prev.ContentSize
			if sig.ETag == "" {
				sig.ETag = prev.ETag
			}
			if sig.Timestamp.IsZero() {
				sig.Timestamp = prev.Timestamp
			}
		}
		if err := r.svc.versions.RecordSuccess(ctx, src.ID, sig, size); err != nil {
			r.svc.logger.Warn("synchro: version record failed", "source", src.ID, "error", err)
		}
		res.Status = StatusSkipped
		res.Reason = "not modified (304)"
		res.ContentHash = sig.Hash
		return res
	}

	return r.ingestBody(ctx, src, out.Body, out.ContentType, signalsFrom(src, out), res)
}

// ingestBody runs the change-detection and duplicate gates on raw content,
// records the version observation, and hands changed content to extraction.
// Shared by the inline fetch path and the async task-result path.
func (r *run) ingestBody(ctx context.Context, src ContentSource, body []byte, contentType string, sig version.Signals, res SyncResult) SyncResult {
	hash := cache.Fingerprint(body)
	res.ContentHash = hash
	sig.Hash = hash

	vdec, err := r.svc.versions.Check(ctx, src.ID, src.Versioning, sig)
	if err != nil {
		r.svc.logger.Warn("synchro: version check failed, assuming changed",
			"source", src.ID, "error", err)
		vdec = version.Decision{Changed: true, Reason: "version check unavailable"}
	}

	cdec, err := r.svc.cache.ShouldProcess(ctx, src.ID, hash, vdec.Changed, src.ForceProcess)
	if err != nil {
		r.svc.logger.Warn("synchro: duplicate check failed, processing anyway",
			"source", src.ID, "error", err)
		cdec = cache.Decision{Process: true, Reason: "duplicate index unavailable"}
	}

	// The observation is recorded whether or not we process; skipped
	// sources still refresh their fetch metadata.
	if err := r.svc.versions.RecordSuccess(ctx, src.ID, sig, int64(len(body))); err != nil {
		r.svc.logger.Warn("synchro: version record failed", "source", src.ID, "error", err)
	}

	if !cdec.Process {
		res.Status = StatusSkipped
		res.Reason = cdec.Reason
		return res
	}

	if err := r.svc.cache.Put(ctx, cache.Entry{
		SourceID:    src.ID,
		ContentHash: hash,
		ContentSize: int64(len(body)),
		FetchedAt:   r.svc.now(),
		Metadata:    map[string]string{"content_type": contentType},
	}); err != nil {
		r.svc.logger.Warn("synchro: cache write failed", "source", src.ID, "error", err)
	}

	return r.processBody(ctx, src, body, res)
}

// processBody extracts and chunks fetched content, collects the documents
// for the embedding stage, and queues any child sources it uncovered.
func (r *run) processBody(ctx context.Context, src ContentSource, body []byte, res SyncResult) SyncResult {
	out, err := r.svc.pipeline.Process(ctx, src.Type, &pipeline.Request{
		SourceID:         src.ID,
		SourceName:       src.Name,
		URL:              src.URL,
		Body:             body,
		Selectors:        src.Selectors,
		MinContentLength: src.MinContentLength,
		CSV:              src.CSV,
	})
	if err != nil {
		bctx := context.WithoutCancel(ctx)
		_ = r.svc.cache.MarkProcessed(bctx, src.ID, err)
		res.Status = StatusFailed
		res.Error = fmt.Errorf("%w: %v", ErrContentProcess, err).Error()
		return res
	}
	if err := r.svc.cache.MarkProcessed(ctx, src.ID, nil); err != nil {
		r.svc.logger.Warn("synchro: cache mark failed", "source", src.ID, "error", err)
	}

	if len(src.Tags) > 0 {
		for i := range out.Documents {
			if out.Documents[i].Metadata == nil {
				out.Documents[i].Metadata = make(map[string]string, 1)
			}
			out.Documents[i].Metadata["tags"] = strings.Join(src.Tags, ",")
		}
	}
	r.addDocs(out.Documents)

	res.Status = StatusCompleted
	res.Documents = len(out.Documents)
	res.DocumentsFailed = len(out.DocErrors)

	var children []ContentSource
	for _, d := range out.Derived {
		children = append(children, childFromDerived(src, d))
	}
	if src.Index {
		children = append(children, r.discoverChildren(ctx, src, body)...)
	}
	if len(children) > 0 {
		r.appendPending(children...)
		res.Reason = fmt.Sprintf("%d child sources queued", len(children))
	}
	return res
}

// fetchSource retrieves a source with retry and a per-host circuit breaker.
// Browser-rendered sources fall back to plain HTTP when rendering fails.
func (r *run) fetchSource(ctx context.Context, src ContentSource, prev *version.Record) (*fetch.Result, error) {
	if src.Fetch == FetchBrowser {
		html, err := r.svc.renderer.Render(ctx, src.URL)
		if err == nil {
			return &fetch.Result{
				Body:        []byte(html),
				StatusCode:  http.StatusOK,
				ContentType: "text/html",
				Changed:     true,
			}, nil
		}
		r.svc.logger.Warn("synchro: browser render failed, falling back to http",
			"source", src.ID, "error", err)
	}

	var etag, lastMod, prevHash string
	if prev != nil {
		etag = prev.ETag
		prevHash = prev.Hash
		if !prev.Timestamp.IsZero() {
			lastMod = prev.Timestamp.UTC().Format(http.TimeFormat)
		}
	}

	var out *fetch.Result
	op := func() error {
		res, err := r.svc.fetcher.Fetch(ctx, src.URL, etag, lastMod, prevHash)
		if err != nil {
			if res != nil && !retryableStatus(res.StatusCode) {
				return resilience.Permanent(err)
			}
			if !Retryable(err) {
				return resilience.Permanent(err)
			}
			return err
		}
		out = res
		return nil
	}
	if err := r.svc.policy.Do(ctx, hostOf(src.URL), op); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceFetch, err)
	}
	return out, nil
}

// syncAsyncSpreadsheet submits a fetch task on first sight and consumes the
// stored result on a later run, so a slow upstream export never holds a
// run open.
func (r *run) syncAsyncSpreadsheet(ctx context.Context, src ContentSource) SyncResult {
	res := SyncResult{SourceID: src.ID, SourceName: src.Name}

	task, err := r.svc.queue.ConsumeResult(ctx, src.ID)
	if err != nil {
		r.svc.logger.Warn("synchro: task result lookup failed", "source", src.ID, "error", err)
	}
	if task != nil {
		res.TaskID = task.ID
		sig := version.Signals{VersionString: src.VersionString}
		return r.ingestBody(ctx, src, task.Result, "text/csv", sig, res)
	}

	active, err := r.svc.queue.HasActive(ctx, src.ID)
	if err != nil {
		res.Status = StatusFailed
		res.Error = fmt.Errorf("%w: task queue: %v", ErrSourceFetch, err).Error()
		return res
	}
	if active {
		res.Status = StatusSubmitted
		res.Reason = "async fetch already queued"
		return res
	}

	payload, err := json.Marshal(src)
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		return res
	}
	taskID, err := r.svc.queue.Submit(ctx, src.ID, payload)
	if err != nil {
		res.Status = StatusFailed
		res.Error = fmt.Errorf("%w: submit task: %v", ErrSourceFetch, err).Error()
		return res
	}
	res.Status = StatusSubmitted
	res.TaskID = taskID
	res.Reason = "async fetch submitted"
	return res
}

// taskHandler fetches a spreadsheet for a queued task. Runs on queue workers.
func (svc *Service) taskHandler(ctx context.Context, task *taskq.Task) ([]byte, error) {
	var src ContentSource
	if err := json.Unmarshal(task.Payload, &src); err != nil {
		return nil, fmt.Errorf("synchro: decode task payload: %w", err)
	}
	out, err := svc.fetcher.Fetch(ctx, src.URL, "", "", "")
	if err != nil {
		return nil, err
	}
	if out.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("synchro: async fetch %s: status %d", src.URL, out.StatusCode)
	}
	return out.Body, nil
}

// discoverChildren records links found on an index page and returns sources
// for every child not yet completed by an earlier run. Children do not
// themselves discover, so expansion stays one level per parent.
func (r *run) discoverChildren(ctx context.Context, src ContentSource, body []byte) []ContentSource {
	links, err := fetch.ExtractLinks(src.URL, body, fetch.LinkFilter{
		SameHost: true,
		Suffixes: src.Suffixes,
	})
	if err != nil {
		r.svc.logger.Warn("synchro: link discovery failed", "source", src.ID, "error", err)
		return nil
	}
	if len(links) == 0 {
		return nil
	}
	if _, err := r.svc.discovery.Record(ctx, src.ID, links); err != nil {
		r.svc.logger.Warn("synchro: discovery record failed", "source", src.ID, "error", err)
		return nil
	}
	recs, err := r.svc.discovery.Unhandled(ctx, src.ID, 0)
	if err != nil {
		r.svc.logger.Warn("synchro: discovery list failed", "source", src.ID, "error", err)
		return nil
	}

	children := make([]ContentSource, 0, len(recs))
	for _, rec := range recs {
		child := ContentSource{
			ID:               src.ID + "_" + rec.URLHash[:12],
			Name:             childName(src, rec),
			Type:             childType(src, rec.URL),
			URL:              rec.URL,
			Versioning:       version.StrategyHash,
			Fetch:            FetchHTTP,
			Enabled:          true,
			Priority:         src.Priority + 1,
			Selectors:        src.Selectors,
			MinContentLength: src.MinContentLength,
			Tags:             src.Tags,
			discoveryHash:    rec.URLHash,
		}
		_ = r.svc.discovery.SetStatus(ctx, rec.URLHash, fetch.DiscoveryStatusProcessing)
		children = append(children, child)
	}
	r.svc.logger.Info("synchro: discovered child sources",
		"source", src.ID, "links", len(links), "queued", len(children))
	return children
}

func childFromDerived(src ContentSource, d pipeline.DerivedSource) ContentSource {
	child := ContentSource{
		ID:               d.ID,
		Name:             d.Name,
		Type:             d.Type,
		URL:              d.URL,
		Selectors:        d.Selectors,
		Versioning:       version.StrategyHash,
		Fetch:            FetchHTTP,
		Enabled:          true,
		Priority:         src.Priority + 1,
		MinContentLength: src.MinContentLength,
		Tags:             src.Tags,
	}
	if child.Name == "" {
		child.Name = child.ID
	}
	if child.Type == "" {
		child.Type = TypeHTML
	}
	return child
}

func childName(src ContentSource, rec fetch.DiscoveryRecord) string {
	if rec.Filename != "" {
		return src.Name + " / " + rec.Filename
	}
	return src.Name + " / " + rec.URLHash[:12]
}

// childType infers a child's content type: PDF parents index PDFs, and
// otherwise the URL suffix decides.
func childType(src ContentSource, rawURL string) string {
	if src.Type == TypePDF {
		return TypePDF
	}
	lower := strings.ToLower(rawURL)
	switch {
	case strings.HasSuffix(lower, ".pdf"):
		return TypePDF
	case strings.HasSuffix(lower, ".csv"):
		return TypeSpreadsheet
	default:
		return TypeHTML
	}
}

func signalsFrom(src ContentSource, out *fetch.Result) version.Signals {
	return version.Signals{
		ETag:          out.ETag,
		Timestamp:     out.ModifiedAt,
		VersionString: src.VersionString,
	}
}

func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}

// --- Embedding and upload ---

func (r *run) stageEmbed(ctx context.Context) error {
	r.mu.Lock()
	docs := append([]pipeline.Document(nil), r.docs...)
	r.mu.Unlock()

	report, err := r.svc.embed.ProcessDocuments(ctx, r.id, docs)
	if report != nil {
		r.mu.Lock()
		r.embedReport = report
		r.mu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	r.deleteStale(ctx, report)
	return nil
}

// deleteStale prunes remote documents this run replaced. Only sources whose
// documents all embedded and indexed cleanly are pruned; a partial source
// keeps its old documents rather than losing coverage.
func (r *run) deleteStale(ctx context.Context, report *embedpipe.Report) {
	if r.svc.vectors == nil || report == nil || report.Indexed == 0 {
		return
	}
	if report.IndexFailed > 0 {
		// Bulk index failures cannot be attributed to a source.
		return
	}
	failedSources := make(map[string]bool, len(report.Failures))
	for _, f := range report.Failures {
		failedSources[f.SourceID] = true
	}

	bySource := make(map[string]bool)
	r.mu.Lock()
	for _, d := range r.docs {
		bySource[d.SourceID] = true
	}
	r.mu.Unlock()

	for id := range bySource {
		if failedSources[id] {
			continue
		}
		n, err := r.svc.vectors.DeleteStale(ctx, id, r.id)
		if err != nil {
			r.svc.logger.Warn("synchro: stale delete failed", "source", id, "error", err)
			continue
		}
		if n > 0 {
			r.svc.logger.Info("synchro: pruned stale documents", "source", id, "deleted", n)
		}
	}
}

func (r *run) stageUploadCache(ctx context.Context) error {
	n, err := r.svc.embed.Upload(ctx)
	r.mu.Lock()
	r.cacheUploaded = n
	r.cacheUploadOK = err == nil
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: upload: %v", ErrCacheIO, err)
	}
	r.svc.logger.Info("synchro: embedding cache uploaded", "run_id", r.id, "entries", n)
	return nil
}

// --- Summary ---

func (r *run) summarize(ctx context.Context) *SyncSummary {
	finished := r.svc.now()

	r.mu.Lock()
	results := append([]SyncResult(nil), r.results...)
	errs := append([]string(nil), r.errs...)
	report := r.embedReport
	s := &SyncSummary{
		RunID:           r.id,
		Environment:     r.svc.cfg.Environment,
		StartedAt:       r.started,
		FinishedAt:      finished,
		DurationMs:      finished.Sub(r.started).Milliseconds(),
		SourcesTotal:    r.total,
		CacheDownloadOK: r.cacheDownloadOK,
		CacheDownloaded: r.cacheDownloaded,
		CacheUploadOK:   r.cacheUploadOK,
		CacheUploaded:   r.cacheUploaded,
		Results:         results,
		Errors:          errs,
	}
	r.mu.Unlock()

	for _, res := range results {
		switch res.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusSkipped:
			s.Skipped++
		case StatusSubmitted:
			s.Submitted++
		}
		s.Documents += res.Documents
		s.DocumentsFailed += res.DocumentsFailed
	}
	if report != nil {
		s.EmbeddingsComputed = report.Embedded
		s.EmbedCacheHits = report.CacheHits
		s.DocumentsIndexed = report.Indexed
	}
	s.Health = healthOf(s.Failed, s.SourcesTotal)

	runStatus := metrics.RunStatusCompleted
	if s.Health == HealthFailing {
		runStatus = metrics.RunStatusFailed
	}
	counts := metrics.RunCounts{
		SourcesTotal:       s.SourcesTotal,
		Completed:          s.Completed,
		Failed:             s.Failed,
		Skipped:            s.Skipped,
		Submitted:          s.Submitted,
		DocumentsIndexed:   s.DocumentsIndexed,
		EmbeddingsComputed: s.EmbeddingsComputed,
		EmbedCacheHits:     s.EmbedCacheHits,
	}
	errMsg := ""
	if len(s.Errors) > 0 {
		head := s.Errors
		if len(head) > 3 {
			head = head[:3]
		}
		errMsg = strings.Join(head, "; ")
	}
	if err := r.svc.collector.FinishRun(ctx, r.id, runStatus, counts, errMsg); err != nil {
		r.svc.logger.Warn("synchro: run history write failed", "run_id", r.id, "error", err)
	}

	if r.jnl != nil {
		if data, err := json.MarshalIndent(s, "", "  "); err == nil {
			if _, err := r.jnl.WriteArtifact(r.id+"_summary.json", data); err != nil {
				r.svc.logger.Warn("synchro: summary artifact write failed", "run_id", r.id, "error", err)
			}
		}
	}

	if r.svc.cfg.Settings.MonitorWebhook != "" {
		r.svc.reportRun(ctx, s)
	}

	r.svc.mu.Lock()
	r.svc.lastSummary = s
	r.svc.mu.Unlock()

	r.svc.logger.Info("synchro: run finished",
		"run_id", r.id,
		"health", s.Health,
		"completed", s.Completed,
		"failed", s.Failed,
		"skipped", s.Skipped,
		"submitted", s.Submitted,
		"documents", s.Documents,
		"embeddings", s.EmbeddingsComputed,
		"cache_hits", s.EmbedCacheHits,
		"duration_ms", s.DurationMs)
	return s
}
