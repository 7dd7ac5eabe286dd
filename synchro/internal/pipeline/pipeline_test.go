package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/hazyhaar/moisson/chunk"
)

func newPipeline(t *testing.T) *Pipeline {
	t.Helper()
	return New(Config{
		Chunk: chunk.Options{MaxTokens: 10, OverlapTokens: 2, MinChunkTokens: 2},
	})
}

func TestProcessUnknownType(t *testing.T) {
	p := newPipeline(t)
	_, err := p.Process(context.Background(), "carrier-pigeon", &Request{SourceID: "src1"})
	if err == nil {
		t.Fatal("expected error for unknown source type")
	}
	if !strings.Contains(err.Error(), "no handler") {
		t.Errorf("error: %v", err)
	}
}

func TestRegisteredTypes(t *testing.T) {
	p := newPipeline(t)
	types := p.RegisteredTypes()
	want := map[string]bool{"html": true, "pdf": true, "spreadsheet": true, "pipeline": true}
	if len(types) != len(want) {
		t.Fatalf("got %d types: %v", len(types), types)
	}
	for _, typ := range types {
		if !want[typ] {
			t.Errorf("unexpected type %q", typ)
		}
	}
}

func TestChunkNaming(t *testing.T) {
	// WHAT: Multi-chunk content yields chunk_NNN_of_MMM ids with index/total.
	// WHY: Chunk ids must be stable across runs for idempotent re-indexing.
	p := newPipeline(t)
	req := &Request{SourceID: "src1", URL: "https://example.com/page"}

	content := strings.Repeat("alpha beta gamma delta epsilon zeta eta theta\n\n", 3)
	docs := p.chunkContent(req, "Title", content)
	if len(docs) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(docs))
	}
	if want := fmt.Sprintf("src1_chunk_001_of_%03d", len(docs)); docs[0].ID != want {
		t.Errorf("first id: got %q, want %q", docs[0].ID, want)
	}
	for i, d := range docs {
		if d.ChunkIndex != i+1 || d.ChunkTotal != len(docs) {
			t.Errorf("doc %d: index %d total %d", i, d.ChunkIndex, d.ChunkTotal)
		}
		if d.ContentHash == "" {
			t.Errorf("doc %d: empty content hash", i)
		}
		if d.SourceID != "src1" || d.URL != "https://example.com/page" {
			t.Errorf("doc %d: source fields %+v", i, d)
		}
	}
	if docs[0].ContentHash == docs[1].ContentHash {
		t.Error("distinct chunks must hash differently")
	}
}

func TestArtifactHandler(t *testing.T) {
	// WHAT: Artifact records split into inline documents and derived sources;
	// a bad record is reported without sinking its siblings.
	p := newPipeline(t)
	artifact := `[
		{"id": "r1", "title": "Inline", "content": "Some inline record content."},
		{"id": "child", "title": "Child page", "url": "https://example.com/child", "type": "html", "selectors": [".content"]},
		{"title": "neither"}
	]`
	res, err := p.Process(context.Background(), "pipeline", &Request{
		SourceID:   "prep1",
		SourceName: "Preprocessor",
		Body:       []byte(artifact),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("documents: got %d, want 1", len(res.Documents))
	}
	if res.Documents[0].ID != "prep1_r1" {
		t.Errorf("doc id: got %q", res.Documents[0].ID)
	}
	if res.Documents[0].ContentHash == "" {
		t.Error("inline document needs a content hash")
	}
	if len(res.Derived) != 1 {
		t.Fatalf("derived: got %d, want 1", len(res.Derived))
	}
	d := res.Derived[0]
	if d.ID != "prep1_child" || d.Type != "html" || d.URL != "https://example.com/child" {
		t.Errorf("derived: %+v", d)
	}
	if len(d.Selectors) != 1 || d.Selectors[0] != ".content" {
		t.Errorf("derived selectors: %v", d.Selectors)
	}
	if len(res.DocErrors) != 1 {
		t.Errorf("doc errors: got %v", res.DocErrors)
	}
}

func TestArtifactHandlerNothingUsable(t *testing.T) {
	p := newPipeline(t)
	_, err := p.Process(context.Background(), "pipeline", &Request{
		SourceID: "prep1",
		Body:     []byte(`[{"title": "a"}, {"title": "b"}]`),
	})
	if err == nil {
		t.Fatal("expected error when no record is usable")
	}
}

func TestArtifactHandlerBadJSON(t *testing.T) {
	p := newPipeline(t)
	_, err := p.Process(context.Background(), "pipeline", &Request{
		SourceID: "prep1",
		Body:     []byte(`{"not": "an array"`),
	})
	if err == nil {
		t.Fatal("expected parse error")
	}
}
