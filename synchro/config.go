package synchro

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/moisson/chunk"
	"github.com/hazyhaar/moisson/embedder"
	"github.com/hazyhaar/moisson/synchro/internal/pipeline"
	"github.com/hazyhaar/moisson/synchro/internal/resilience"
	"github.com/hazyhaar/moisson/synchro/internal/version"
	"github.com/hazyhaar/moisson/vectorstore"
)

// Source content types. "pipeline" sources carry preprocessing artifacts
// that expand into documents and derived sources before the main loop runs.
const (
	TypeHTML        = "html"
	TypePDF         = "pdf"
	TypeSpreadsheet = "spreadsheet"
	TypePipeline    = "pipeline"
)

// Fetch strategies.
const (
	FetchHTTP    = "http"
	FetchBrowser = "browser"
)

// ContentSource describes one configured source of documents.
type ContentSource struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	Type string `yaml:"type" json:"type"`
	URL  string `yaml:"url" json:"url"`

	// Selectors narrow HTML extraction to matching regions. Empty means
	// the whole page after boilerplate stripping.
	Selectors []string `yaml:"selectors" json:"selectors,omitempty"`

	// Versioning picks the change-detection strategy. Default "hash".
	Versioning string `yaml:"versioning" json:"versioning,omitempty"`

	// Fetch picks the transport. "browser" renders JavaScript pages
	// through a remote browser and falls back to plain HTTP.
	Fetch string `yaml:"fetch" json:"fetch,omitempty"`

	// Enabled defaults to true when omitted from the config file.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Index turns on link discovery: child documents found on the page
	// are fetched as derived sources in the same run.
	Index bool `yaml:"index" json:"index,omitempty"`

	// Suffixes restricts discovered links by file extension when Index
	// is set, e.g. [".pdf"].
	Suffixes []string `yaml:"suffixes" json:"suffixes,omitempty"`

	// Priority orders sources within a wave. Lower runs first.
	Priority int `yaml:"priority" json:"priority,omitempty"`

	// ForceProcess bypasses the duplicate gate for this source.
	ForceProcess bool `yaml:"force_process" json:"force_process,omitempty"`

	// MinContentLength drops extracted documents shorter than this.
	MinContentLength int `yaml:"min_content_length" json:"min_content_length,omitempty"`

	// VersionString feeds the version_string strategy, usually templated
	// by an outer system.
	VersionString string `yaml:"version_string" json:"version_string,omitempty"`

	Tags []string `yaml:"tags" json:"tags,omitempty"`

	// CSV tunes spreadsheet parsing.
	CSV pipeline.CSVOptions `yaml:"csv" json:"csv,omitempty"`

	// Async routes a spreadsheet through the task queue instead of
	// fetching inline. The run submits once and a later run consumes.
	Async bool `yaml:"async" json:"async,omitempty"`

	// discoveryHash links a derived source back to its discovery record.
	discoveryHash string
}

// UnmarshalYAML keeps enabled true when the key is absent. yaml.v3 would
// otherwise zero it.
func (s *ContentSource) UnmarshalYAML(value *yaml.Node) error {
	type raw ContentSource
	tmp := raw{Enabled: true}
	if err := value.Decode(&tmp); err != nil {
		return err
	}
	*s = ContentSource(tmp)
	return nil
}

// ChunkSettings mirrors chunk.Options with YAML tags for the config file.
type ChunkSettings struct {
	MaxTokens      int `yaml:"max_tokens"`
	OverlapTokens  int `yaml:"overlap_tokens"`
	MinChunkTokens int `yaml:"min_chunk_tokens"`
}

func (c ChunkSettings) options() chunk.Options {
	return chunk.Options{
		MaxTokens:      c.MaxTokens,
		OverlapTokens:  c.OverlapTokens,
		MinChunkTokens: c.MinChunkTokens,
	}
}

// Settings holds the per-environment runtime knobs.
type Settings struct {
	MaxConcurrentSources    int    `yaml:"max_concurrent_sources"`
	TimeoutPerSourceSeconds int    `yaml:"timeout_per_source_seconds"`
	DataDir                 string `yaml:"data_dir"`
	MonitorWebhook          string `yaml:"monitor_webhook"`

	UserAgent           string `yaml:"user_agent"`
	FetchTimeoutSeconds int    `yaml:"fetch_timeout_seconds"`
	FetchMaxBytes       int64  `yaml:"fetch_max_bytes"`
	BrowserRemoteURL    string `yaml:"browser_remote_url"`

	Embedding     embedder.Config    `yaml:"embedding"`
	Elasticsearch vectorstore.Config `yaml:"elasticsearch"`
	Resilience    resilience.Config  `yaml:"resilience"`
	Chunk         ChunkSettings      `yaml:"chunk"`

	EmbedStaleDays int `yaml:"embed_stale_days"`
	EmbedBatchSize int `yaml:"embed_batch_size"`
	EmbedWorkers   int `yaml:"embed_workers"`
}

func (s *Settings) defaults() {
	if s.MaxConcurrentSources <= 0 {
		s.MaxConcurrentSources = 5
	}
	if s.TimeoutPerSourceSeconds <= 0 {
		s.TimeoutPerSourceSeconds = 300
	}
	if s.DataDir == "" {
		s.DataDir = "data"
	}
	if s.UserAgent == "" {
		s.UserAgent = "moisson-sync/1.0"
	}
	if s.FetchTimeoutSeconds <= 0 {
		s.FetchTimeoutSeconds = 30
	}
	if s.FetchMaxBytes <= 0 {
		s.FetchMaxBytes = 10 * 1024 * 1024
	}
	if s.Chunk.MaxTokens <= 0 {
		s.Chunk.MaxTokens = 512
	}
	if s.Chunk.OverlapTokens <= 0 {
		s.Chunk.OverlapTokens = 64
	}
	if s.Chunk.MinChunkTokens <= 0 {
		s.Chunk.MinChunkTokens = 32
	}
	if s.EmbedStaleDays <= 0 {
		s.EmbedStaleDays = 365
	}
	if s.EmbedBatchSize <= 0 {
		s.EmbedBatchSize = 50
	}
	if s.EmbedWorkers <= 0 {
		s.EmbedWorkers = 3
	}
}

// PerSourceTimeout returns the per-source deadline as a duration.
func (s *Settings) PerSourceTimeout() time.Duration {
	return time.Duration(s.TimeoutPerSourceSeconds) * time.Second
}

// Config is a fully resolved configuration: settings for one environment
// plus the shared source list.
type Config struct {
	Environment string
	Settings    Settings
	Sources     []ContentSource
}

// fileConfig is the on-disk shape. Environments override defaults
// field by field; sources are shared across environments.
type fileConfig struct {
	Defaults     Settings            `yaml:"defaults"`
	Environments map[string]Settings `yaml:"environments"`
	Sources      []ContentSource     `yaml:"sources"`
}

// LoadConfig reads the sources file and resolves it for one environment.
// "default" needs no declaration; any other environment must appear under
// environments. This is the only error treated as fatal by the CLI.
func LoadConfig(path, environment string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("synchro: read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("synchro: parse config: %w", err)
	}

	if environment == "" {
		environment = "default"
	}
	settings := fc.Defaults
	if environment != "default" {
		override, ok := fc.Environments[environment]
		if !ok {
			return nil, fmt.Errorf("synchro: environment %q not declared in %s", environment, path)
		}
		settings = mergeSettings(settings, override)
	}
	settings.defaults()

	cfg := &Config{
		Environment: environment,
		Settings:    settings,
		Sources:     fc.Sources,
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeSettings applies non-zero override fields on top of base.
func mergeSettings(base, override Settings) Settings {
	out := base
	if override.MaxConcurrentSources > 0 {
		out.MaxConcurrentSources = override.MaxConcurrentSources
	}
	if override.TimeoutPerSourceSeconds > 0 {
		out.TimeoutPerSourceSeconds = override.TimeoutPerSourceSeconds
	}
	if override.DataDir != "" {
		out.DataDir = override.DataDir
	}
	if override.MonitorWebhook != "" {
		out.MonitorWebhook = override.MonitorWebhook
	}
	if override.UserAgent != "" {
		out.UserAgent = override.UserAgent
	}
	if override.FetchTimeoutSeconds > 0 {
		out.FetchTimeoutSeconds = override.FetchTimeoutSeconds
	}
	if override.FetchMaxBytes > 0 {
		out.FetchMaxBytes = override.FetchMaxBytes
	}
	if override.BrowserRemoteURL != "" {
		out.BrowserRemoteURL = override.BrowserRemoteURL
	}

	if override.Embedding.Endpoint != "" {
		out.Embedding.Endpoint = override.Embedding.Endpoint
	}
	if override.Embedding.APIKey != "" {
		out.Embedding.APIKey = override.Embedding.APIKey
	}
	if override.Embedding.Model != "" {
		out.Embedding.Model = override.Embedding.Model
	}
	if override.Embedding.Dimension > 0 {
		out.Embedding.Dimension = override.Embedding.Dimension
	}
	if override.Embedding.BatchSize > 0 {
		out.Embedding.BatchSize = override.Embedding.BatchSize
	}
	if override.Embedding.Timeout > 0 {
		out.Embedding.Timeout = override.Embedding.Timeout
	}

	if len(override.Elasticsearch.Addresses) > 0 {
		out.Elasticsearch.Addresses = override.Elasticsearch.Addresses
	}
	if override.Elasticsearch.Username != "" {
		out.Elasticsearch.Username = override.Elasticsearch.Username
	}
	if override.Elasticsearch.Password != "" {
		out.Elasticsearch.Password = override.Elasticsearch.Password
	}
	if override.Elasticsearch.APIKey != "" {
		out.Elasticsearch.APIKey = override.Elasticsearch.APIKey
	}
	if override.Elasticsearch.DocumentsIndex != "" {
		out.Elasticsearch.DocumentsIndex = override.Elasticsearch.DocumentsIndex
	}
	if override.Elasticsearch.EmbeddingsIndex != "" {
		out.Elasticsearch.EmbeddingsIndex = override.Elasticsearch.EmbeddingsIndex
	}
	if override.Elasticsearch.VectorDims > 0 {
		out.Elasticsearch.VectorDims = override.Elasticsearch.VectorDims
	}
	if override.Elasticsearch.BulkBatchSize > 0 {
		out.Elasticsearch.BulkBatchSize = override.Elasticsearch.BulkBatchSize
	}

	if override.Resilience.Retry.MaxAttempts > 0 {
		out.Resilience.Retry.MaxAttempts = override.Resilience.Retry.MaxAttempts
	}
	if override.Resilience.Retry.InitialInterval > 0 {
		out.Resilience.Retry.InitialInterval = override.Resilience.Retry.InitialInterval
	}
	if override.Resilience.Retry.Multiplier > 0 {
		out.Resilience.Retry.Multiplier = override.Resilience.Retry.Multiplier
	}
	if override.Resilience.Retry.MaxInterval > 0 {
		out.Resilience.Retry.MaxInterval = override.Resilience.Retry.MaxInterval
	}
	if override.Resilience.Retry.RandomizationFactor > 0 {
		out.Resilience.Retry.RandomizationFactor = override.Resilience.Retry.RandomizationFactor
	}
	if override.Resilience.Breaker.FailureThreshold > 0 {
		out.Resilience.Breaker.FailureThreshold = override.Resilience.Breaker.FailureThreshold
	}
	if override.Resilience.Breaker.ResetTimeout > 0 {
		out.Resilience.Breaker.ResetTimeout = override.Resilience.Breaker.ResetTimeout
	}

	if override.Chunk.MaxTokens > 0 {
		out.Chunk.MaxTokens = override.Chunk.MaxTokens
	}
	if override.Chunk.OverlapTokens > 0 {
		out.Chunk.OverlapTokens = override.Chunk.OverlapTokens
	}
	if override.Chunk.MinChunkTokens > 0 {
		out.Chunk.MinChunkTokens = override.Chunk.MinChunkTokens
	}

	if override.EmbedStaleDays > 0 {
		out.EmbedStaleDays = override.EmbedStaleDays
	}
	if override.EmbedBatchSize > 0 {
		out.EmbedBatchSize = override.EmbedBatchSize
	}
	if override.EmbedWorkers > 0 {
		out.EmbedWorkers = override.EmbedWorkers
	}
	return out
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Sources))
	for i := range c.Sources {
		src := &c.Sources[i]
		if src.ID == "" {
			return fmt.Errorf("synchro: source %d has no id", i+1)
		}
		if seen[src.ID] {
			return fmt.Errorf("synchro: duplicate source id %q", src.ID)
		}
		seen[src.ID] = true
		if src.Name == "" {
			src.Name = src.ID
		}
		switch src.Type {
		case TypeHTML, TypePDF, TypeSpreadsheet, TypePipeline:
		case "":
			return fmt.Errorf("synchro: source %q has no type", src.ID)
		default:
			return fmt.Errorf("synchro: source %q has unknown type %q", src.ID, src.Type)
		}
		if src.URL == "" {
			return fmt.Errorf("synchro: source %q has no url", src.ID)
		}
		if src.Versioning == "" {
			src.Versioning = version.StrategyHash
		}
		switch src.Versioning {
		case version.StrategyHash, version.StrategyTimestamp, version.StrategyETag,
			version.StrategyVersionString, version.StrategyCombined:
		default:
			return fmt.Errorf("synchro: source %q has unknown versioning %q", src.ID, src.Versioning)
		}
		if src.Fetch == "" {
			src.Fetch = FetchHTTP
		}
		switch src.Fetch {
		case FetchHTTP, FetchBrowser:
		default:
			return fmt.Errorf("synchro: source %q has unknown fetch strategy %q", src.ID, src.Fetch)
		}
		if src.Async && src.Type != TypeSpreadsheet {
			return fmt.Errorf("synchro: source %q: async is only supported for spreadsheets", src.ID)
		}
	}
	return nil
}

// EnabledSources returns the sources that participate in a run,
// preserving file order.
func (c *Config) EnabledSources() []ContentSource {
	out := make([]ContentSource, 0, len(c.Sources))
	for _, s := range c.Sources {
		if s.Enabled {
			out = append(out, s)
		}
	}
	return out
}
