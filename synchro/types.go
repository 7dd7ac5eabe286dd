package synchro

import "time"

// Run states, in order. A run always walks the full sequence; a state that
// fails is logged and the walk continues.
const (
	StateInit              = "init"
	StatePreprocessing     = "preprocessing"
	StateDownloadingCache  = "downloading_cache"
	StateProcessingSources = "processing_sources"
	StateEmbedding         = "embedding"
	StateUploadingCache    = "uploading_cache"
	StateSummarizing       = "summarizing"
	StateDone              = "done"
)

// Per-source outcome statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
	// StatusSubmitted marks an async spreadsheet handed to the task queue.
	// A later run consumes the stored result.
	StatusSubmitted = "submitted"
)

// Run health grades, derived from the failure ratio.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthFailing  = "failing"
)

// SyncResult is the terminal outcome for one source in one run.
type SyncResult struct {
	SourceID        string `json:"source_id"`
	SourceName      string `json:"source_name,omitempty"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
	Error           string `json:"error,omitempty"`
	ContentHash     string `json:"content_hash,omitempty"`
	Documents       int    `json:"documents,omitempty"`
	DocumentsFailed int    `json:"documents_failed,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
	DurationMs      int64  `json:"duration_ms"`
}

// SyncSummary aggregates one run. Built once in the summarizing state and
// immutable after Run returns.
type SyncSummary struct {
	RunID       string    `json:"run_id"`
	Environment string    `json:"environment,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	DurationMs  int64     `json:"duration_ms"`

	SourcesTotal int `json:"sources_total"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	Skipped      int `json:"skipped"`
	Submitted    int `json:"submitted"`

	Documents          int `json:"documents"`
	DocumentsFailed    int `json:"documents_failed"`
	EmbeddingsComputed int `json:"embeddings_computed"`
	EmbedCacheHits     int `json:"embed_cache_hits"`
	DocumentsIndexed   int `json:"documents_indexed"`

	CacheDownloadOK bool `json:"cache_download_ok"`
	CacheDownloaded int  `json:"cache_downloaded"`
	CacheUploadOK   bool `json:"cache_upload_ok"`
	CacheUploaded   int  `json:"cache_uploaded"`

	Health  string       `json:"health"`
	Errors  []string     `json:"errors,omitempty"`
	Results []SyncResult `json:"results"`
}

// StateTiming records how long one run state took.
type StateTiming struct {
	State      string `json:"state"`
	DurationMs int64  `json:"duration_ms"`
}

// RunStatus is the live view of an in-flight run, served by the status
// endpoints and the MCP tools.
type RunStatus struct {
	RunID         string            `json:"run_id"`
	State         string            `json:"state"`
	StartedAt     time.Time         `json:"started_at"`
	SourcesTotal  int               `json:"sources_total"`
	SourcesDone   int               `json:"sources_done"`
	StateTimings  []StateTiming     `json:"state_timings,omitempty"`
	BreakerStates map[string]string `json:"breaker_states,omitempty"`
}

// healthOf grades a run. Any failure degrades it; losing more than half the
// sources means the run is failing.
func healthOf(failed, total int) string {
	if total == 0 || failed == 0 {
		return HealthHealthy
	}
	if float64(failed)/float64(total) > 0.5 {
		return HealthFailing
	}
	return HealthDegraded
}
