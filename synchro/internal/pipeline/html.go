package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// HTMLHandler turns HTML pages into markdown chunk documents.
//
// Selector scoping runs against the raw DOM before sanitization: the UGC
// policy strips class and id attributes, which the selectors need.
type HTMLHandler struct {
	p *Pipeline
}

func (h *HTMLHandler) Type() string { return "html" }

func (h *HTMLHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	doc, err := html.Parse(bytes.NewReader(req.Body))
	if err != nil {
		return nil, fmt.Errorf("pipeline: parse html: %w", err)
	}

	title := findTitle(doc)
	nodes := h.selectContent(doc, req)
	if len(nodes) == 0 {
		return nil, fmt.Errorf("pipeline: no content matched selectors %v", req.Selectors)
	}

	var fragments []string
	var texts []string
	for _, n := range nodes {
		if frag := renderNode(n); frag != "" {
			fragments = append(fragments, frag)
		}
		if text := collectText(n); text != "" {
			texts = append(texts, text)
		}
	}
	plain := strings.Join(texts, "\n\n")
	if strings.TrimSpace(plain) == "" {
		return nil, fmt.Errorf("pipeline: selected content is empty")
	}

	clean := h.p.sanitizer.Sanitize(strings.Join(fragments, "\n"))
	markdown := h.p.htmlToMarkdown(clean, req.URL, plain)

	return &Result{
		Title:     title,
		Documents: h.p.chunkContent(req, title, markdown),
	}, nil
}

// selectContent resolves the nodes to extract: configured selectors first,
// then main/article landmarks, then the whole document.
func (h *HTMLHandler) selectContent(doc *html.Node, req *Request) []*html.Node {
	if len(req.Selectors) > 0 {
		var nodes []*html.Node
		for _, sel := range req.Selectors {
			for _, n := range querySelectorAll(doc, sel) {
				if len(collectText(n)) >= req.MinContentLength {
					nodes = append(nodes, n)
				}
			}
		}
		return nodes
	}
	if nodes := findLandmarks(doc); len(nodes) > 0 {
		return nodes
	}
	return []*html.Node{doc}
}

// findTitle extracts the <title> text, falling back to the first h1.
func findTitle(doc *html.Node) string {
	if t := firstByTag(doc, atom.Title); t != nil {
		if text := collectText(t); text != "" {
			return text
		}
	}
	if h1 := firstByTag(doc, atom.H1); h1 != nil {
		return collectText(h1)
	}
	return ""
}

func firstByTag(root *html.Node, tag atom.Atom) *html.Node {
	if root.Type == html.ElementNode && root.DataAtom == tag {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if n := firstByTag(c, tag); n != nil {
			return n
		}
	}
	return nil
}
