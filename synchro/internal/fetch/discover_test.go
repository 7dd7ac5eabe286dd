package fetch

import (
	"context"
	"errors"
	"testing"

	"github.com/hazyhaar/moisson/dbopen"

	_ "modernc.org/sqlite"
)

const indexPage = `<!DOCTYPE html>
<html><body>
<h1>Rulings</h1>
<ul>
<li><a href="/docs/ruling-001.pdf">Ruling 001</a></li>
<li><a href="docs/ruling-002.pdf">Ruling <b>002</b></a></li>
<li><a href="https://other.example.org/external.pdf">External</a></li>
<li><a href="/docs/ruling-001.pdf">Duplicate of 001</a></li>
<li><a href="#section">Fragment</a></li>
<li><a href="mailto:office@example.com">Mail</a></li>
<li><a href="javascript:void(0)">JS</a></li>
<li><a href="/about.html">About</a></li>
</ul>
</body></html>`

func TestExtractLinks(t *testing.T) {
	// WHAT: Anchors resolve against the base URL; fragments, mailto and
	// javascript links are dropped; duplicates collapse to one entry.
	links, err := ExtractLinks("https://example.com/index.html", []byte(indexPage), LinkFilter{})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := []string{
		"https://example.com/docs/ruling-001.pdf",
		"https://example.com/docs/ruling-002.pdf",
		"https://other.example.org/external.pdf",
		"https://example.com/about.html",
	}
	if len(links) != len(want) {
		t.Fatalf("got %d links, want %d: %+v", len(links), len(want), links)
	}
	for i, w := range want {
		if links[i].URL != w {
			t.Errorf("link %d: got %q, want %q", i, links[i].URL, w)
		}
	}
	if links[0].Filename != "ruling-001.pdf" {
		t.Errorf("filename: got %q", links[0].Filename)
	}
	if links[1].Text != "Ruling 002" {
		t.Errorf("nested anchor text: got %q", links[1].Text)
	}
}

func TestExtractLinks_SuffixFilter(t *testing.T) {
	// WHAT: A suffix filter keeps only matching document links.
	// WHY: Index sources usually target one document type.
	links, err := ExtractLinks("https://example.com/", []byte(indexPage), LinkFilter{
		Suffixes: []string{".pdf"},
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(links) != 3 {
		t.Fatalf("got %d links, want 3: %+v", len(links), links)
	}
	for _, l := range links {
		if l.Filename == "about.html" {
			t.Errorf("suffix filter leaked %q", l.URL)
		}
	}
}

func TestExtractLinks_SameHost(t *testing.T) {
	// WHAT: SameHost drops links leaving the index page's host.
	links, err := ExtractLinks("https://example.com/", []byte(indexPage), LinkFilter{
		SameHost: true,
	})
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for _, l := range links {
		if l.URL == "https://other.example.org/external.pdf" {
			t.Fatal("same-host filter leaked an external link")
		}
	}
	if len(links) != 3 {
		t.Errorf("got %d links, want 3", len(links))
	}
}

func newDiscoveryStore(t *testing.T) *DiscoveryStore {
	t.Helper()
	s := NewDiscoveryStore(dbopen.OpenMemory(t))
	if err := s.EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	return s
}

func TestDiscoveryRecordAndGet(t *testing.T) {
	s := newDiscoveryStore(t)
	ctx := context.Background()

	links := []Link{
		{URL: "https://example.com/a.pdf", Filename: "a.pdf"},
		{URL: "https://example.com/b.pdf", Filename: "b.pdf"},
	}
	n, err := s.Record(ctx, "src1", links)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if n != 2 {
		t.Errorf("new rows: got %d, want 2", n)
	}

	r, err := s.Get(ctx, URLHash("https://example.com/a.pdf"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r == nil {
		t.Fatal("expected record")
	}
	if r.Status != DiscoveryStatusDiscovered {
		t.Errorf("status: got %q", r.Status)
	}
	if r.ParentID != "src1" || r.Filename != "a.pdf" {
		t.Errorf("record fields: %+v", r)
	}
	if r.DiscoveredAt.IsZero() {
		t.Error("discovered_at not set")
	}
	if !r.ProcessedAt.IsZero() {
		t.Error("processed_at should be zero before completion")
	}
}

func TestDiscoveryRecordIdempotent(t *testing.T) {
	// WHAT: Re-recording known links reports zero new rows and keeps status.
	// WHY: Index pages are re-scanned every run; completed children must not
	// be reset to discovered.
	s := newDiscoveryStore(t)
	ctx := context.Background()

	links := []Link{{URL: "https://example.com/a.pdf"}}
	if _, err := s.Record(ctx, "src1", links); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Complete(ctx, URLHash("https://example.com/a.pdf"), "hash1"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	n, err := s.Record(ctx, "src1", links)
	if err != nil {
		t.Fatalf("re-record: %v", err)
	}
	if n != 0 {
		t.Errorf("new rows on re-record: got %d, want 0", n)
	}

	r, err := s.Get(ctx, URLHash("https://example.com/a.pdf"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != DiscoveryStatusCompleted {
		t.Errorf("status after re-record: got %q, want completed", r.Status)
	}
	if r.ContentHash != "hash1" {
		t.Errorf("content hash lost: got %q", r.ContentHash)
	}
}

func TestDiscoveryUnhandled(t *testing.T) {
	// WHAT: Unhandled returns everything not completed, failures included.
	// WHY: A child that failed last run gets another chance this run.
	s := newDiscoveryStore(t)
	ctx := context.Background()

	links := []Link{
		{URL: "https://example.com/a.pdf"},
		{URL: "https://example.com/b.pdf"},
		{URL: "https://example.com/c.pdf"},
	}
	if _, err := s.Record(ctx, "src1", links); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Complete(ctx, URLHash("https://example.com/a.pdf"), "h1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := s.Fail(ctx, URLHash("https://example.com/b.pdf"), errors.New("http 500")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	pending, err := s.Unhandled(ctx, "src1", 0)
	if err != nil {
		t.Fatalf("unhandled: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("got %d unhandled, want 2", len(pending))
	}
	urls := map[string]bool{}
	for _, r := range pending {
		urls[r.URL] = true
	}
	if urls["https://example.com/a.pdf"] {
		t.Error("completed child re-enqueued")
	}
	if !urls["https://example.com/b.pdf"] {
		t.Error("failed child should be retried")
	}
}

func TestDiscoveryFailRecordsMessage(t *testing.T) {
	s := newDiscoveryStore(t)
	ctx := context.Background()

	if _, err := s.Record(ctx, "src1", []Link{{URL: "https://example.com/x.pdf"}}); err != nil {
		t.Fatalf("record: %v", err)
	}
	key := URLHash("https://example.com/x.pdf")
	if err := s.Fail(ctx, key, errors.New("pdf corrupt")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	r, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if r.Status != DiscoveryStatusFailed {
		t.Errorf("status: got %q", r.Status)
	}
	if r.ErrorMessage != "pdf corrupt" {
		t.Errorf("error message: got %q", r.ErrorMessage)
	}
	if r.ProcessedAt.IsZero() {
		t.Error("processed_at not set on failure")
	}
}

func TestDiscoveryCountByStatus(t *testing.T) {
	s := newDiscoveryStore(t)
	ctx := context.Background()

	links := []Link{
		{URL: "https://example.com/1.pdf"},
		{URL: "https://example.com/2.pdf"},
		{URL: "https://example.com/3.pdf"},
	}
	if _, err := s.Record(ctx, "src1", links); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.Complete(ctx, URLHash("https://example.com/1.pdf"), "h"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	counts, err := s.CountByStatus(ctx, "src1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[DiscoveryStatusCompleted] != 1 || counts[DiscoveryStatusDiscovered] != 2 {
		t.Errorf("counts: %+v", counts)
	}
}

func TestURLHashStable(t *testing.T) {
	a := URLHash("https://example.com/doc.pdf")
	b := URLHash("https://example.com/doc.pdf")
	if a != b {
		t.Error("hash not stable")
	}
	if len(a) != 64 {
		t.Errorf("hash length: got %d, want 64", len(a))
	}
	if a == URLHash("https://example.com/other.pdf") {
		t.Error("distinct URLs must hash differently")
	}
}
