// Package pipeline transforms fetched source content into normalized
// documents ready for embedding and indexing.
//
// Dispatch is a handler map keyed by source type (html, pdf, spreadsheet,
// pipeline). Handlers return per-document errors in the result rather than
// failing the whole source: one bad row or page never discards its siblings.
package pipeline

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"strings"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/microcosm-cc/bluemonday"

	"github.com/hazyhaar/moisson/chunk"
)

// Document is one normalized unit of content produced from a source.
type Document struct {
	ID          string            `json:"id"`
	SourceID    string            `json:"source_id"`
	Title       string            `json:"title,omitempty"`
	URL         string            `json:"url,omitempty"`
	Content     string            `json:"content"`
	ContentHash string            `json:"content_hash"`
	ChunkIndex  int               `json:"chunk_index,omitempty"`
	ChunkTotal  int               `json:"chunk_total,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DerivedSource is a source materialized by a preprocessing artifact,
// appended to the current run's queue by the orchestrator.
type DerivedSource struct {
	ID        string   `json:"id"`
	Name      string   `json:"name,omitempty"`
	Type      string   `json:"type"`
	URL       string   `json:"url"`
	Selectors []string `json:"selectors,omitempty"`
}

// Request carries one source's fetched content into a handler.
type Request struct {
	SourceID   string
	SourceName string
	URL        string
	Body       []byte
	// Selectors scope html extraction. Empty falls back to main/article
	// landmarks, then the whole body.
	Selectors []string
	// MinContentLength drops selector matches with less text than this.
	MinContentLength int
	// CSV controls spreadsheet row mapping.
	CSV CSVOptions
}

// Result is a handler's output for one source.
type Result struct {
	Title     string
	Documents []Document
	Derived   []DerivedSource
	// DocErrors holds per-document failures that did not abort the source.
	DocErrors []string
}

// Handler processes one source type.
type Handler interface {
	Type() string
	Process(ctx context.Context, req *Request) (*Result, error)
}

// Config configures a Pipeline.
type Config struct {
	Chunk  chunk.Options
	Logger *slog.Logger
}

// Pipeline dispatches requests to source-type handlers.
type Pipeline struct {
	cfg         Config
	logger      *slog.Logger
	handlers    map[string]Handler
	mdConverter *converter.Converter
	sanitizer   *bluemonday.Policy
}

// New creates a Pipeline with the built-in handlers registered.
func New(cfg Config) *Pipeline {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	p := &Pipeline{
		cfg:    cfg,
		logger: cfg.Logger,
		mdConverter: converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		),
		sanitizer: bluemonday.UGCPolicy(),
		handlers:  make(map[string]Handler),
	}
	p.Register(&HTMLHandler{p: p})
	p.Register(&PDFHandler{p: p})
	p.Register(&SpreadsheetHandler{p: p})
	p.Register(&ArtifactHandler{p: p})
	return p
}

// Register adds or replaces the handler for a source type.
func (p *Pipeline) Register(h Handler) {
	p.handlers[h.Type()] = h
}

// RegisteredTypes returns all registered source type names.
func (p *Pipeline) RegisteredTypes() []string {
	types := make([]string, 0, len(p.handlers))
	for k := range p.handlers {
		types = append(types, k)
	}
	return types
}

// Process dispatches a request to the handler for sourceType. Source types
// are a closed set; an unknown type is a configuration error, not a fallback.
func (p *Pipeline) Process(ctx context.Context, sourceType string, req *Request) (*Result, error) {
	h, ok := p.handlers[sourceType]
	if !ok {
		return nil, fmt.Errorf("pipeline: no handler for source type %q", sourceType)
	}
	res, err := h.Process(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(res.DocErrors) > 0 {
		p.logger.Warn("pipeline: partial document failures",
			"source_id", req.SourceID, "failed", len(res.DocErrors), "produced", len(res.Documents))
	}
	return res, nil
}

// htmlToMarkdown converts HTML to structured markdown. If conversion fails
// or produces empty output, returns the fallback plain text.
func (p *Pipeline) htmlToMarkdown(html string, sourceURL string, fallback string) string {
	if html == "" {
		return fallback
	}
	result, err := p.mdConverter.ConvertString(html, converter.WithDomain(sourceURL))
	if err != nil || strings.TrimSpace(result) == "" {
		return fallback
	}
	return strings.TrimSpace(result)
}

// chunkContent splits normalized content and names each piece
// chunk_NNN_of_MMM under the source id.
func (p *Pipeline) chunkContent(req *Request, title, content string) []Document {
	chunks := chunk.Split(content, p.cfg.Chunk)
	total := len(chunks)
	docs := make([]Document, 0, total)
	for i, c := range chunks {
		docs = append(docs, Document{
			ID:          fmt.Sprintf("%s_chunk_%03d_of_%03d", req.SourceID, i+1, total),
			SourceID:    req.SourceID,
			Title:       title,
			URL:         req.URL,
			Content:     c.Text,
			ContentHash: hashText(c.Text),
			ChunkIndex:  i + 1,
			ChunkTotal:  total,
		})
	}
	return docs
}

func hashText(text string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(text)))
}
