package synchro

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hazyhaar/moisson/synchro/internal/journal"
	"github.com/hazyhaar/moisson/synchro/internal/resilience"
	"github.com/hazyhaar/moisson/vectorstore"

	_ "modernc.org/sqlite"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeEmbed returns deterministic vectors without a network.
type fakeEmbed struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbed) Embed(_ context.Context, text string) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return []float32{float32(len(text)), 1, 2}, nil
}

func (f *fakeEmbed) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbed) Dimension() int { return 3 }
func (f *fakeEmbed) Model() string  { return "test-embed" }

// fakeVectors is an in-memory VectorBackend.
type fakeVectors struct {
	mu        sync.Mutex
	docs      map[string]vectorstore.Document
	embeds    map[string]vectorstore.EmbeddingRecord
	deletes   map[string]int
	scrollErr error
	pingErr   error
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{
		docs:    make(map[string]vectorstore.Document),
		embeds:  make(map[string]vectorstore.EmbeddingRecord),
		deletes: make(map[string]int),
	}
}

func (f *fakeVectors) Ping(context.Context) error          { return f.pingErr }
func (f *fakeVectors) EnsureIndices(context.Context) error { return nil }

func (f *fakeVectors) IndexDocuments(_ context.Context, docs []vectorstore.Document) (vectorstore.BulkStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range docs {
		f.docs[d.ID] = d
	}
	return vectorstore.BulkStats{Indexed: len(docs)}, nil
}

func (f *fakeVectors) UploadEmbeddings(_ context.Context, recs []vectorstore.EmbeddingRecord) (vectorstore.BulkStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range recs {
		f.embeds[r.ContentHash] = r
	}
	return vectorstore.BulkStats{Indexed: len(recs)}, nil
}

func (f *fakeVectors) ScrollEmbeddings(_ context.Context, fn func(vectorstore.EmbeddingRecord) error) (int, error) {
	f.mu.Lock()
	recs := make([]vectorstore.EmbeddingRecord, 0, len(f.embeds))
	for _, r := range f.embeds {
		recs = append(recs, r)
	}
	err := f.scrollErr
	f.mu.Unlock()
	if err != nil {
		return 0, err
	}
	for _, r := range recs {
		if err := fn(r); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func (f *fakeVectors) DeleteStale(_ context.Context, sourceID, _ string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes[sourceID]++
	return 0, nil
}

func (f *fakeVectors) docCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs)
}

// newTestService builds a Service over t.TempDir with fake embedding and
// vector backends. Sources are enabled; flip Enabled afterwards to test
// filtering. The in-literal defaults (enabled true on YAML load) only apply
// to configs read from a file.
func newTestService(t *testing.T, sources []ContentSource, mutate func(*Settings)) (*Service, *fakeVectors) {
	t.Helper()
	for i := range sources {
		sources[i].Enabled = true
	}
	cfg := &Config{
		Environment: "test",
		Settings: Settings{
			DataDir:                 t.TempDir(),
			TimeoutPerSourceSeconds: 30,
			FetchTimeoutSeconds:     5,
			Resilience: resilience.Config{
				Retry:   resilience.RetryConfig{MaxAttempts: 1, InitialInterval: time.Millisecond},
				Breaker: resilience.BreakerConfig{FailureThreshold: 100},
			},
		},
		Sources: sources,
	}
	if mutate != nil {
		mutate(&cfg.Settings)
	}
	if err := cfg.validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	vecs := newFakeVectors()
	svc, err := New(cfg, testLogger(),
		WithVectorBackend(vecs),
		WithEmbedder(&fakeEmbed{}),
		WithURLValidator(func(string) error { return nil }),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { svc.Close() })
	return svc, vecs
}

func htmlPage(title, body string) string {
	return "<html><head><title>" + title + "</title></head><body><main><p>" + body + "</p></main></body></html>"
}

func resultFor(t *testing.T, s *SyncSummary, sourceID string) SyncResult {
	t.Helper()
	for _, r := range s.Results {
		if r.SourceID == sourceID {
			return r
		}
	}
	t.Fatalf("no result for %s in %+v", sourceID, s.Results)
	return SyncResult{}
}

func TestRunCompletesSingleSource(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, htmlPage("Docs", "the quick brown fox writes release notes all day long"))
	}))
	defer srv.Close()

	svc, vecs := newTestService(t, []ContentSource{
		{ID: "docs", Type: TypeHTML, URL: srv.URL},
	}, nil)

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Completed != 1 || s.Failed != 0 {
		t.Fatalf("counts: %+v", s)
	}
	if s.Documents == 0 {
		t.Fatal("expected documents")
	}
	if s.EmbeddingsComputed != s.Documents {
		t.Errorf("embedded %d of %d documents", s.EmbeddingsComputed, s.Documents)
	}
	if s.DocumentsIndexed != s.Documents {
		t.Errorf("indexed %d of %d documents", s.DocumentsIndexed, s.Documents)
	}
	if s.Health != HealthHealthy {
		t.Errorf("health = %s", s.Health)
	}
	if !s.CacheDownloadOK || !s.CacheUploadOK {
		t.Errorf("cache flags: download=%v upload=%v", s.CacheDownloadOK, s.CacheUploadOK)
	}
	if vecs.docCount() != s.Documents {
		t.Errorf("backend has %d docs, want %d", vecs.docCount(), s.Documents)
	}
	for _, d := range vecs.docs {
		if d.SyncRunID != s.RunID {
			t.Errorf("doc %s tagged with run %s, want %s", d.ID, d.SyncRunID, s.RunID)
		}
		if len(d.Vector) == 0 {
			t.Errorf("doc %s has no vector", d.ID)
		}
	}

	if got := svc.LastSummary(); got == nil || got.RunID != s.RunID {
		t.Errorf("LastSummary = %+v", got)
	}

	rec, err := svc.collector.GetRun(context.Background(), s.RunID)
	if err != nil || rec == nil {
		t.Fatalf("GetRun: %v %v", rec, err)
	}
	if rec.Status != "completed" || rec.Counts.Completed != 1 {
		t.Errorf("run record: %+v", rec)
	}
}

func TestRunWritesJournalAndSummaryArtifact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, htmlPage("J", "content for the journal test goes right here"))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "j1", Type: TypeHTML, URL: srv.URL},
	}, nil)

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	dir := filepath.Join(svc.cfg.Settings.DataDir, "journal")
	events, err := journal.ReadEvents(filepath.Join(dir, s.RunID+".jsonl"))
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	stages := make(map[string]bool)
	sawSource := false
	for _, ev := range events {
		stages[ev.Stage] = true
		if ev.SourceID == "j1" && ev.Status == StatusCompleted {
			sawSource = true
		}
	}
	for _, want := range []string{
		StateInit, StatePreprocessing, StateDownloadingCache,
		StateProcessingSources, StateEmbedding, StateUploadingCache, StateSummarizing,
	} {
		if !stages[want] {
			t.Errorf("journal missing stage %s", want)
		}
	}
	if !sawSource {
		t.Error("journal has no completed event for j1")
	}

	var fromDisk SyncSummary
	data, err := os.ReadFile(filepath.Join(dir, s.RunID+"_summary.json"))
	if err != nil {
		t.Fatalf("summary artifact: %v", err)
	}
	if err := json.Unmarshal(data, &fromDisk); err != nil {
		t.Fatalf("summary artifact json: %v", err)
	}
	if fromDisk.RunID != s.RunID {
		t.Errorf("artifact run id %s, want %s", fromDisk.RunID, s.RunID)
	}
}

func TestSecondRunSkipsUnchanged(t *testing.T) {
	// WHAT: A source whose content hash is unchanged is skipped on the next run.
	// WHY: Change detection is the whole point of the version store.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, htmlPage("Stable", "this page never changes between the two runs of the test"))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "stable", Type: TypeHTML, URL: srv.URL},
	}, nil)

	s1, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	if got := resultFor(t, s1, "stable"); got.Status != StatusCompleted {
		t.Fatalf("run 1: %+v", got)
	}

	s2, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	got := resultFor(t, s2, "stable")
	if got.Status != StatusSkipped {
		t.Fatalf("run 2 status = %s (%s)", got.Status, got.Error)
	}
	if !strings.Contains(got.Reason, "version unchanged") {
		t.Errorf("reason = %q", got.Reason)
	}
	if s2.Health != HealthHealthy {
		t.Errorf("health = %s", s2.Health)
	}
}

func TestNotModified304Skips(t *testing.T) {
	const etag = `"v1"`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", etag)
		io.WriteString(w, htmlPage("Tagged", "conditional requests avoid refetching this body"))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "tagged", Type: TypeHTML, URL: srv.URL, Versioning: "etag"},
	}, nil)

	if _, err := svc.Run(context.Background()); err != nil {
		t.Fatalf("run 1: %v", err)
	}
	s2, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	got := resultFor(t, s2, "tagged")
	if got.Status != StatusSkipped || got.Reason != "not modified (304)" {
		t.Fatalf("got %+v", got)
	}
	if got.ContentHash == "" {
		t.Error("304 skip lost the known content hash")
	}
}

func TestDuplicateContentSkipped(t *testing.T) {
	// WHAT: Two sources serving byte-identical content process only once.
	// WHY: Mirrors and aliased URLs must not produce duplicate documents.
	body := htmlPage("Mirror", "the identical body is served to both configured sources")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, body)
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "main", Type: TypeHTML, URL: srv.URL + "/a"},
		{ID: "mirror", Type: TypeHTML, URL: srv.URL + "/b"},
	}, nil)

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	// Which source observes the hash first depends on scheduling; the
	// invariant is one processes and one is skipped as its duplicate.
	if s.Completed != 1 || s.Skipped != 1 {
		t.Fatalf("completed=%d skipped=%d results=%+v", s.Completed, s.Skipped, s.Results)
	}
	for _, r := range s.Results {
		if r.Status == StatusSkipped && !strings.Contains(r.Reason, "duplicate of") {
			t.Errorf("skip reason = %q", r.Reason)
		}
	}
}

func TestConcurrencyBounded(t *testing.T) {
	// WHAT: At most max_concurrent_sources sources are in flight at once,
	// and every source still reaches a terminal status.
	// WHY: The semaphore must bound load without losing sources.
	var active, peak int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cur := atomic.AddInt32(&active, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		io.WriteString(w, htmlPage("P"+r.URL.Path, "body for the concurrency scenario "+r.URL.Path))
	}))
	defer srv.Close()

	sources := make([]ContentSource, 0, 10)
	for i := 0; i < 10; i++ {
		sources = append(sources, ContentSource{
			ID:   fmt.Sprintf("src%02d", i),
			Type: TypeHTML,
			URL:  fmt.Sprintf("%s/page/%d", srv.URL, i),
		})
	}
	svc, _ := newTestService(t, sources, func(s *Settings) {
		s.MaxConcurrentSources = 3
	})

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.SourcesTotal != 10 {
		t.Fatalf("sources_total = %d", s.SourcesTotal)
	}
	if got := s.Completed + s.Failed + s.Skipped + s.Submitted; got != 10 {
		t.Fatalf("only %d sources reached a terminal status: %+v", got, s.Results)
	}
	if p := atomic.LoadInt32(&peak); p > 3 {
		t.Errorf("peak concurrency %d exceeds limit 3", p)
	}
}

func TestSourceTimeoutFails(t *testing.T) {
	// WHAT: A source exceeding its per-source timeout ends failed, never
	// completed or skipped.
	// WHY: A hung fetch must not stall the run or masquerade as success.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(1200 * time.Millisecond):
		}
		io.WriteString(w, htmlPage("Slow", "arrives too late to matter"))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "slow", Type: TypeHTML, URL: srv.URL},
	}, func(s *Settings) {
		s.TimeoutPerSourceSeconds = 1
	})

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	got := resultFor(t, s, "slow")
	if got.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.Error, "timed out") {
		t.Errorf("error = %q", got.Error)
	}
	if s.Health == HealthHealthy {
		t.Errorf("health = %s with a failed source", s.Health)
	}
}

func TestPartialFailureIsolation(t *testing.T) {
	// WHAT: One failing source does not stop the others; the summary
	// degrades instead of the run aborting.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/broken") {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		io.WriteString(w, htmlPage("OK", "healthy content for path "+r.URL.Path))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "good1", Type: TypeHTML, URL: srv.URL + "/one"},
		{ID: "broken", Type: TypeHTML, URL: srv.URL + "/broken"},
		{ID: "good2", Type: TypeHTML, URL: srv.URL + "/two"},
	}, nil)

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Completed != 2 || s.Failed != 1 {
		t.Fatalf("completed=%d failed=%d: %+v", s.Completed, s.Failed, s.Results)
	}
	if got := resultFor(t, s, "broken"); !strings.Contains(got.Error, "500") {
		t.Errorf("broken error = %q", got.Error)
	}
	if s.Health != HealthDegraded {
		t.Errorf("health = %s, want degraded", s.Health)
	}
	if len(s.Errors) == 0 {
		t.Error("summary carries no errors")
	}
	// The run still walked every state.
	var timings []string
	for _, ev := range mustReadJournal(t, svc, s.RunID) {
		if ev.Stage != "" && ev.SourceID == "" {
			timings = append(timings, ev.Stage)
		}
	}
	if len(timings) < 7 {
		t.Errorf("journal stages = %v", timings)
	}
}

func mustReadJournal(t *testing.T, svc *Service, runID string) []journal.Event {
	t.Helper()
	path := filepath.Join(svc.cfg.Settings.DataDir, "journal", runID+".jsonl")
	events, err := journal.ReadEvents(path)
	if err != nil {
		t.Fatalf("ReadEvents: %v", err)
	}
	return events
}

func TestCacheDownloadFailureDoesNotBlockSources(t *testing.T) {
	// WHAT: A failed embedding-cache download is recorded as a run error
	// while source processing proceeds normally.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, htmlPage("Up", "sources still process when the remote cache is down"))
	}))
	defer srv.Close()

	svc, vecs := newTestService(t, []ContentSource{
		{ID: "up", Type: TypeHTML, URL: srv.URL},
	}, nil)
	vecs.scrollErr = fmt.Errorf("search backend down")

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.CacheDownloadOK {
		t.Error("cache download reported ok")
	}
	if got := resultFor(t, s, "up"); got.Status != StatusCompleted {
		t.Fatalf("source did not complete: %+v", got)
	}
	found := false
	for _, e := range s.Errors {
		if strings.Contains(e, StateDownloadingCache) {
			found = true
		}
	}
	if !found {
		t.Errorf("errors = %v", s.Errors)
	}
}

func TestHealthGrades(t *testing.T) {
	cases := []struct {
		failed, total int
		want          string
	}{
		{0, 0, HealthHealthy},
		{0, 10, HealthHealthy},
		{1, 10, HealthDegraded},
		{5, 10, HealthDegraded},
		{6, 10, HealthFailing},
		{3, 3, HealthFailing},
	}
	for _, c := range cases {
		if got := healthOf(c.failed, c.total); got != c.want {
			t.Errorf("healthOf(%d, %d) = %s, want %s", c.failed, c.total, got, c.want)
		}
	}
}

func TestLinkDiscoveryQueuesChildren(t *testing.T) {
	// WHAT: An index source queues its discovered links as child sources
	// in the same run, and a later run does not refetch completed children.
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `<html><head><title>Index</title></head><body><main>
			<p>publications list for the discovery scenario</p>
			<a href="/pub/a.html">Report A</a>
			<a href="/pub/b.html">Report B</a>
		</main></body></html>`)
	})
	mux.HandleFunc("/pub/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, htmlPage("Pub", "child publication content for "+r.URL.Path))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "idx", Type: TypeHTML, URL: srv.URL + "/", Index: true, Suffixes: []string{".html"}},
	}, nil)

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.SourcesTotal != 3 {
		t.Fatalf("sources_total = %d: %+v", s.SourcesTotal, s.Results)
	}
	if s.Completed != 3 {
		t.Fatalf("completed = %d: %+v", s.Completed, s.Results)
	}
	if got := resultFor(t, s, "idx"); !strings.Contains(got.Reason, "2 child sources queued") {
		t.Errorf("parent reason = %q", got.Reason)
	}

	counts, err := svc.discovery.CountByStatus(context.Background(), "idx")
	if err != nil {
		t.Fatalf("CountByStatus: %v", err)
	}
	if counts["completed"] != 2 {
		t.Errorf("discovery counts = %v", counts)
	}

	// Completed children are not refetched: the next run sees no new links
	// and queues nothing.
	s2, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	if s2.SourcesTotal != 1 {
		t.Errorf("run 2 sources_total = %d: %+v", s2.SourcesTotal, s2.Results)
	}
}

func TestAsyncSpreadsheetSubmitThenConsume(t *testing.T) {
	// WHAT: An async spreadsheet is submitted on the first run and its
	// queued result is consumed as documents on the next.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/csv")
		io.WriteString(w, "id,name,notes\n1,alpha,first row of the export\n2,beta,second row of the export\n")
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "sheet", Type: TypeSpreadsheet, URL: srv.URL, Async: true},
	}, nil)

	ctx := context.Background()
	s1, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run 1: %v", err)
	}
	got := resultFor(t, s1, "sheet")
	if got.Status != StatusSubmitted || got.TaskID == "" {
		t.Fatalf("run 1: %+v", got)
	}

	// Work the queue synchronously instead of waiting on the poll loop.
	svc.queue.DrainOnce(ctx, 1, svc.taskHandler)

	s2, err := svc.Run(ctx)
	if err != nil {
		t.Fatalf("run 2: %v", err)
	}
	got = resultFor(t, s2, "sheet")
	if got.Status != StatusCompleted {
		t.Fatalf("run 2: %+v", got)
	}
	if got.Documents != 2 {
		t.Errorf("documents = %d, want one per row", got.Documents)
	}
}

func TestPipelineSourceExpandsArtifact(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/artifact.json", func(w http.ResponseWriter, r *http.Request) {
		records := []map[string]any{
			{"id": "note", "title": "Inline note", "content": "inline body that is already materialized for indexing"},
			{"title": "Linked page", "url": srvURL(r) + "/page.html", "type": "html"},
		}
		_ = json.NewEncoder(w).Encode(records)
	})
	mux.HandleFunc("/page.html", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, htmlPage("Linked", "derived page fetched during the processing stage"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "pipe", Type: TypePipeline, URL: srv.URL + "/artifact.json"},
	}, nil)

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Completed != 2 {
		t.Fatalf("completed = %d: %+v", s.Completed, s.Results)
	}
	if got := resultFor(t, s, "pipe"); got.Documents != 1 {
		t.Errorf("pipeline source documents = %d", got.Documents)
	}
	if got := resultFor(t, s, "pipe_src_0002"); got.Status != StatusCompleted {
		t.Errorf("derived source: %+v", got)
	}
}

// srvURL rebuilds the test server's base URL from the incoming request,
// since the artifact body needs absolute links.
func srvURL(r *http.Request) string {
	return "http://" + r.Host
}

func TestWebhookDelivery(t *testing.T) {
	var mu sync.Mutex
	var delivered *SyncSummary
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var s SyncSummary
		if err := json.NewDecoder(r.Body).Decode(&s); err == nil {
			mu.Lock()
			delivered = &s
			mu.Unlock()
		}
		w.WriteHeader(200)
	}))
	defer hook.Close()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, htmlPage("W", "webhook test content served once"))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "w1", Type: TypeHTML, URL: srv.URL},
	}, func(s *Settings) {
		s.MonitorWebhook = hook.URL
	})

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if delivered == nil {
		t.Fatal("webhook never called")
	}
	if delivered.RunID != s.RunID {
		t.Errorf("delivered run %s, want %s", delivered.RunID, s.RunID)
	}
}

func TestStatusEndpoints(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, htmlPage("S", "status endpoint test content"))
	}))
	defer srv.Close()

	svc, _ := newTestService(t, []ContentSource{
		{ID: "s1", Type: TypeHTML, URL: srv.URL},
	}, nil)

	api := httptest.NewServer(svc.Routes())
	defer api.Close()

	check := func(path string, wantCode int) []byte {
		t.Helper()
		resp, err := http.Get(api.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != wantCode {
			t.Fatalf("GET %s = %d, want %d", path, resp.StatusCode, wantCode)
		}
		body, _ := io.ReadAll(resp.Body)
		return body
	}

	check("/healthz", 200)
	if body := check("/api/status", 200); !strings.Contains(string(body), "idle") {
		t.Errorf("idle status = %s", body)
	}
	check("/api/summary", 404)
	check("/api/tasks", 200)
	check("/api/cache", 200)

	s, err := svc.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if body := check("/api/summary", 200); !strings.Contains(string(body), s.RunID) {
		t.Errorf("summary = %s", body)
	}
	if body := check("/api/runs", 200); !strings.Contains(string(body), s.RunID) {
		t.Errorf("runs = %s", body)
	}
}

func TestRunRejectsOverlappingRun(t *testing.T) {
	svc, _ := newTestService(t, nil, nil)

	svc.mu.Lock()
	svc.current = &run{svc: svc, id: "run_active"}
	svc.mu.Unlock()

	_, err := svc.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "already active") {
		t.Fatalf("err = %v", err)
	}

	svc.mu.Lock()
	svc.current = nil
	svc.mu.Unlock()
}

func TestQuarantineUnreadableDatabase(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sync_state.db")
	if err := os.WriteFile(path, []byte("this is not a database"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{Environment: "test"}
	cfg.Settings.DataDir = dir
	svc, err := New(cfg, testLogger(), WithVectorBackend(newFakeVectors()), WithEmbedder(&fakeEmbed{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer svc.Close()

	moved, err := filepath.Glob(path + ".corrupt-*")
	if err != nil {
		t.Fatal(err)
	}
	if len(moved) != 1 {
		t.Fatalf("quarantined files: %v", moved)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("rebuilt database missing: %v", err)
	}
}
