package pipeline

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func mustParse(t *testing.T, page string) *html.Node {
	t.Helper()
	doc, err := html.Parse(bytes.NewReader([]byte(page)))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return doc
}

func TestHTMLSelectors(t *testing.T) {
	// WHAT: Selector scoping keeps matching content and drops page chrome.
	// WHY: Index navigation and footers would pollute every embedding.
	page := `<!DOCTYPE html>
<html><head><title>Ruling 42</title></head><body>
<nav>Home | About | Contact</nav>
<div class="content"><p>The committee decided the matter on the merits.</p></div>
<footer>Copyright 2024</footer>
</body></html>`

	p := newPipeline(t)
	res, err := p.Process(context.Background(), "html", &Request{
		SourceID:  "src1",
		URL:       "https://example.com/ruling-42",
		Body:      []byte(page),
		Selectors: []string{".content"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Title != "Ruling 42" {
		t.Errorf("title: got %q", res.Title)
	}
	if len(res.Documents) == 0 {
		t.Fatal("no documents")
	}
	all := joinedContent(res)
	if !strings.Contains(all, "committee decided") {
		t.Errorf("content missing body text: %q", all)
	}
	if strings.Contains(all, "Home | About") || strings.Contains(all, "Copyright") {
		t.Errorf("chrome leaked into content: %q", all)
	}
}

func TestHTMLLandmarkFallback(t *testing.T) {
	// WHAT: Without selectors, <main> scopes the extraction.
	page := `<html><head><title>T</title></head><body>
<nav>menu menu menu</nav>
<main><p>Landmark scoped paragraph text.</p></main>
</body></html>`

	p := newPipeline(t)
	res, err := p.Process(context.Background(), "html", &Request{
		SourceID: "src1",
		Body:     []byte(page),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	all := joinedContent(res)
	if !strings.Contains(all, "Landmark scoped") {
		t.Errorf("main content missing: %q", all)
	}
	if strings.Contains(all, "menu menu") {
		t.Errorf("nav leaked past landmark scoping: %q", all)
	}
}

func TestHTMLSanitizeStripsScript(t *testing.T) {
	// WHAT: Script bodies inside the scoped fragment never reach the output.
	page := `<html><body><div class="content">
<p>Visible text.</p>
<script>document.cookie="stolen"</script>
</div></body></html>`

	p := newPipeline(t)
	res, err := p.Process(context.Background(), "html", &Request{
		SourceID:  "src1",
		Body:      []byte(page),
		Selectors: []string{".content"},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	all := joinedContent(res)
	if !strings.Contains(all, "Visible text") {
		t.Errorf("visible text missing: %q", all)
	}
	if strings.Contains(all, "stolen") {
		t.Errorf("script content leaked: %q", all)
	}
}

func TestHTMLMarkdownStructure(t *testing.T) {
	// WHAT: Headings and relative links convert to markdown with absolute URLs.
	// WHY: Downstream search rendering relies on markdown structure and on
	// links that work outside the origin page.
	page := `<html><body><main>
<h2>Decisions</h2>
<p>See the <a href="/docs/full.pdf">full document</a> for details.</p>
</main></body></html>`

	p := newPipeline(t)
	res, err := p.Process(context.Background(), "html", &Request{
		SourceID: "src1",
		URL:      "https://example.com/index",
		Body:     []byte(page),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	all := joinedContent(res)
	if !strings.Contains(all, "## Decisions") {
		t.Errorf("heading not converted: %q", all)
	}
	if !strings.Contains(all, "https://example.com/docs/full.pdf") {
		t.Errorf("relative link not resolved against domain: %q", all)
	}
}

func TestHTMLNoMatch(t *testing.T) {
	p := newPipeline(t)
	_, err := p.Process(context.Background(), "html", &Request{
		SourceID:  "src1",
		Body:      []byte(`<html><body><p>text</p></body></html>`),
		Selectors: []string{"#nonexistent"},
	})
	if err == nil {
		t.Fatal("expected error when selectors match nothing")
	}
}

func TestHTMLMinContentLength(t *testing.T) {
	// WHAT: Matches with less text than the floor are dropped.
	// WHY: A selector that also hits an empty sidebar div must not produce
	// junk documents.
	page := `<html><body>
<div class="content">ok</div>
<div class="content">This match is long enough to keep around for processing.</div>
</body></html>`

	p := newPipeline(t)
	res, err := p.Process(context.Background(), "html", &Request{
		SourceID:         "src1",
		Body:             []byte(page),
		Selectors:        []string{".content"},
		MinContentLength: 20,
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	all := joinedContent(res)
	if strings.Contains(all, "ok") {
		t.Errorf("short match kept: %q", all)
	}
	if !strings.Contains(all, "long enough") {
		t.Errorf("long match missing: %q", all)
	}
}

func TestQuerySelectorSubset(t *testing.T) {
	page := `<html><body>
<div id="main"><span class="a b">one</span></div>
<div data-x="1"><p role="note">two</p></div>
</body></html>`
	doc := mustParse(t, page)

	cases := []struct {
		sel  string
		want int
	}{
		{"div", 2},
		{"#main", 1},
		{".a", 1},
		{".b", 1},
		{"span.a", 1},
		{"div#main", 1},
		{"div[data-x]", 1},
		{"div[data-x=1]", 1},
		{"p[role=note]", 1},
		{"div span", 1},
		{"div p", 1},
		{".missing", 0},
		{"div[data-x=2]", 0},
	}
	for _, tc := range cases {
		if got := len(querySelectorAll(doc, tc.sel)); got != tc.want {
			t.Errorf("selector %q: got %d matches, want %d", tc.sel, got, tc.want)
		}
	}
}

func joinedContent(res *Result) string {
	var parts []string
	for _, d := range res.Documents {
		parts = append(parts, d.Content)
	}
	return strings.Join(parts, "\n")
}
