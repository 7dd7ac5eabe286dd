package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// artifactRecord is one entry of a preprocessing artifact: either inline
// content (a document) or a reference to fetch later (a derived source).
type artifactRecord struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	URL       string            `json:"url"`
	Type      string            `json:"type"`
	Content   string            `json:"content"`
	Selectors []string          `json:"selectors"`
	Metadata  map[string]string `json:"metadata"`
}

// ArtifactHandler consumes pipeline-materialized artifacts: a JSON array of
// records. Records with inline content become documents; records with a URL
// and type become sources appended to the current run.
type ArtifactHandler struct {
	p *Pipeline
}

func (h *ArtifactHandler) Type() string { return "pipeline" }

func (h *ArtifactHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	var records []artifactRecord
	if err := json.Unmarshal(req.Body, &records); err != nil {
		return nil, fmt.Errorf("pipeline: parse artifact: %w", err)
	}

	res := &Result{Title: req.SourceName}
	for i, rec := range records {
		switch {
		case strings.TrimSpace(rec.Content) != "":
			res.Documents = append(res.Documents, h.inlineDocument(req, rec, i))
		case rec.URL != "" && rec.Type != "":
			res.Derived = append(res.Derived, DerivedSource{
				ID:        derivedID(req.SourceID, rec, i),
				Name:      rec.Title,
				Type:      rec.Type,
				URL:       rec.URL,
				Selectors: rec.Selectors,
			})
		default:
			res.DocErrors = append(res.DocErrors,
				fmt.Sprintf("record %d: neither content nor url+type", i+1))
		}
	}

	if len(res.Documents) == 0 && len(res.Derived) == 0 && len(res.DocErrors) > 0 {
		return nil, fmt.Errorf("pipeline: artifact yielded nothing usable (%d bad records)", len(res.DocErrors))
	}
	return res, nil
}

func (h *ArtifactHandler) inlineDocument(req *Request, rec artifactRecord, i int) Document {
	id := rec.ID
	if id == "" {
		id = fmt.Sprintf("%s_rec_%04d", req.SourceID, i+1)
	} else {
		id = req.SourceID + "_" + id
	}
	return Document{
		ID:          id,
		SourceID:    req.SourceID,
		Title:       rec.Title,
		URL:         rec.URL,
		Content:     rec.Content,
		ContentHash: hashText(rec.Content),
		Metadata:    rec.Metadata,
	}
}

func derivedID(sourceID string, rec artifactRecord, i int) string {
	if rec.ID != "" {
		return sourceID + "_" + rec.ID
	}
	return fmt.Sprintf("%s_src_%04d", sourceID, i+1)
}
