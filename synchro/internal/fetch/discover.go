package fetch

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Link is a document reference extracted from an index page.
type Link struct {
	URL      string `json:"url"`
	Text     string `json:"text,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// LinkFilter restricts which anchors ExtractLinks keeps.
type LinkFilter struct {
	// SameHost drops links that leave the index page's host.
	SameHost bool
	// Suffixes keeps only paths ending in one of these (lowercase,
	// e.g. ".pdf"). Empty keeps everything.
	Suffixes []string
}

// ExtractLinks collects anchor targets from an HTML page, resolved against
// baseURL. Fragments, mailto/javascript/tel links and duplicates are skipped.
func ExtractLinks(baseURL string, src []byte, filter LinkFilter) ([]Link, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("fetch: parse base URL: %w", err)
	}
	doc, err := html.Parse(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("fetch: parse html: %w", err)
	}

	seen := make(map[string]bool)
	var links []Link
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.DataAtom == atom.A {
			if l, ok := resolveAnchor(base, n, filter); ok && !seen[l.URL] {
				seen[l.URL] = true
				links = append(links, l)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return links, nil
}

func resolveAnchor(base *url.URL, n *html.Node, filter LinkFilter) (Link, bool) {
	var href string
	for _, a := range n.Attr {
		if a.Key == "href" {
			href = strings.TrimSpace(a.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return Link{}, false
	}
	lower := strings.ToLower(href)
	if strings.HasPrefix(lower, "mailto:") ||
		strings.HasPrefix(lower, "javascript:") ||
		strings.HasPrefix(lower, "tel:") {
		return Link{}, false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return Link{}, false
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return Link{}, false
	}
	resolved.Fragment = ""
	if filter.SameHost && resolved.Host != base.Host {
		return Link{}, false
	}
	if !matchesSuffix(resolved.Path, filter.Suffixes) {
		return Link{}, false
	}
	return Link{
		URL:      resolved.String(),
		Text:     anchorText(n),
		Filename: baseFilename(resolved.Path),
	}, true
}

func matchesSuffix(p string, suffixes []string) bool {
	if len(suffixes) == 0 {
		return true
	}
	lower := strings.ToLower(p)
	for _, s := range suffixes {
		if strings.HasSuffix(lower, s) {
			return true
		}
	}
	return false
}

func baseFilename(p string) string {
	fn := path.Base(p)
	if fn == "/" || fn == "." {
		return ""
	}
	return fn
}

func anchorText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if sb.Len() > 0 {
					sb.WriteByte(' ')
				}
				sb.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// Discovery statuses.
const (
	DiscoveryStatusDiscovered = "discovered"
	DiscoveryStatusDownloaded = "downloaded"
	DiscoveryStatusProcessing = "processing"
	DiscoveryStatusCompleted  = "completed"
	DiscoveryStatusFailed     = "failed"
)

// DiscoverySchema creates the discovery tracking table. Rows persist across
// runs so completed children are not re-fetched.
const DiscoverySchema = `
CREATE TABLE IF NOT EXISTS discovery (
    url_hash      TEXT PRIMARY KEY,
    parent_id     TEXT NOT NULL,
    url           TEXT NOT NULL,
    filename      TEXT NOT NULL DEFAULT '',
    status        TEXT NOT NULL DEFAULT 'discovered',
    content_hash  TEXT NOT NULL DEFAULT '',
    error_message TEXT NOT NULL DEFAULT '',
    discovered_at INTEGER NOT NULL,
    processed_at  INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_discovery_parent ON discovery(parent_id, status);
`

// DiscoveryRecord is one tracked child document.
type DiscoveryRecord struct {
	URLHash      string    `json:"url_hash"`
	ParentID     string    `json:"parent_id"`
	URL          string    `json:"url"`
	Filename     string    `json:"filename,omitempty"`
	Status       string    `json:"status"`
	ContentHash  string    `json:"content_hash,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	DiscoveredAt time.Time `json:"discovered_at"`
	ProcessedAt  time.Time `json:"processed_at"`
}

// DiscoveryStore persists discovered child documents in SQLite.
type DiscoveryStore struct {
	db *sql.DB
}

// NewDiscoveryStore creates a store on an open database.
func NewDiscoveryStore(db *sql.DB) *DiscoveryStore {
	return &DiscoveryStore{db: db}
}

// EnsureTable creates the discovery table if missing.
func (s *DiscoveryStore) EnsureTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, DiscoverySchema); err != nil {
		return fmt.Errorf("fetch: create discovery table: %w", err)
	}
	return nil
}

// URLHash returns the stable key for a URL.
func URLHash(rawURL string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(rawURL)))
}

// Record stores newly discovered links under a parent source. Links already
// known keep their existing status; the count of genuinely new rows is
// returned.
func (s *DiscoveryStore) Record(ctx context.Context, parentID string, links []Link) (int, error) {
	now := time.Now().UnixMilli()
	inserted := 0
	for _, l := range links {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO discovery (url_hash, parent_id, url, filename, status, discovered_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(url_hash) DO NOTHING`,
			URLHash(l.URL), parentID, l.URL, l.Filename, DiscoveryStatusDiscovered, now)
		if err != nil {
			return inserted, fmt.Errorf("fetch: record discovery %s: %w", l.URL, err)
		}
		n, err := res.RowsAffected()
		if err == nil && n > 0 {
			inserted++
		}
	}
	return inserted, nil
}

const discoveryColumns = `url_hash, parent_id, url, filename, status, content_hash, error_message, discovered_at, processed_at`

func scanDiscovery(row interface{ Scan(...any) error }) (*DiscoveryRecord, error) {
	var r DiscoveryRecord
	var discovered, processed int64
	err := row.Scan(&r.URLHash, &r.ParentID, &r.URL, &r.Filename, &r.Status,
		&r.ContentHash, &r.ErrorMessage, &discovered, &processed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	r.DiscoveredAt = time.UnixMilli(discovered)
	if processed > 0 {
		r.ProcessedAt = time.UnixMilli(processed)
	}
	return &r, nil
}

// Get returns a record by url hash, or nil when unknown.
func (s *DiscoveryStore) Get(ctx context.Context, urlHash string) (*DiscoveryRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+discoveryColumns+` FROM discovery WHERE url_hash = ?`, urlHash)
	r, err := scanDiscovery(row)
	if err != nil {
		return nil, fmt.Errorf("fetch: get discovery: %w", err)
	}
	return r, nil
}

// Unhandled returns a parent's children that still need work: everything not
// completed, including earlier failures.
func (s *DiscoveryStore) Unhandled(ctx context.Context, parentID string, limit int) ([]DiscoveryRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+discoveryColumns+` FROM discovery
		WHERE parent_id = ? AND status != ?
		ORDER BY discovered_at ASC
		LIMIT ?`, parentID, DiscoveryStatusCompleted, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch: list unhandled: %w", err)
	}
	defer rows.Close()

	var out []DiscoveryRecord
	for rows.Next() {
		r, err := scanDiscovery(rows)
		if err != nil {
			return nil, fmt.Errorf("fetch: scan discovery: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// SetStatus records a non-terminal transition (downloaded, processing).
func (s *DiscoveryStore) SetStatus(ctx context.Context, urlHash, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE discovery SET status = ? WHERE url_hash = ?`, status, urlHash)
	if err != nil {
		return fmt.Errorf("fetch: set discovery status: %w", err)
	}
	return nil
}

// Complete marks a child done with the content hash it produced.
func (s *DiscoveryStore) Complete(ctx context.Context, urlHash, contentHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE discovery
		SET status = ?, content_hash = ?, error_message = '', processed_at = ?
		WHERE url_hash = ?`,
		DiscoveryStatusCompleted, contentHash, time.Now().UnixMilli(), urlHash)
	if err != nil {
		return fmt.Errorf("fetch: complete discovery: %w", err)
	}
	return nil
}

// Fail marks a child failed. Failed children are retried on the next run.
func (s *DiscoveryStore) Fail(ctx context.Context, urlHash string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE discovery
		SET status = ?, error_message = ?, processed_at = ?
		WHERE url_hash = ?`,
		DiscoveryStatusFailed, msg, time.Now().UnixMilli(), urlHash)
	if err != nil {
		return fmt.Errorf("fetch: fail discovery: %w", err)
	}
	return nil
}

// CountByStatus returns per-status row counts for a parent source.
func (s *DiscoveryStore) CountByStatus(ctx context.Context, parentID string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM discovery
		WHERE parent_id = ?
		GROUP BY status`, parentID)
	if err != nil {
		return nil, fmt.Errorf("fetch: count discovery: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("fetch: scan count: %w", err)
		}
		out[status] = n
	}
	return out, rows.Err()
}
