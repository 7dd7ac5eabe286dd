package pipeline

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// CSVOptions control spreadsheet row mapping.
type CSVOptions struct {
	// Comma is the field delimiter. Default ",".
	Comma string `yaml:"comma" json:"comma,omitempty"`
	// SkipRows drops leading rows before the header row.
	SkipRows int `yaml:"skip_rows" json:"skip_rows,omitempty"`
	// IDColumn names the column whose value keys each row's document.
	// Empty falls back to the row number.
	IDColumn string `yaml:"id_column" json:"id_column,omitempty"`
	// TitleColumn names the column used as document title.
	TitleColumn string `yaml:"title_column" json:"title_column,omitempty"`
	// ContentColumns restrict which columns render into the document body.
	// Empty renders every column.
	ContentColumns []string `yaml:"content_columns" json:"content_columns,omitempty"`
	// MetadataColumns copy named columns into document metadata.
	MetadataColumns []string `yaml:"metadata_columns" json:"metadata_columns,omitempty"`
}

// SpreadsheetHandler maps CSV rows to documents, one per row. A malformed
// row is recorded and skipped; the rest of the sheet still processes.
type SpreadsheetHandler struct {
	p *Pipeline
}

func (h *SpreadsheetHandler) Type() string { return "spreadsheet" }

func (h *SpreadsheetHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	r := csv.NewReader(bytes.NewReader(req.Body))
	if req.CSV.Comma != "" {
		r.Comma = []rune(req.CSV.Comma)[0]
	}
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	for i := 0; i < req.CSV.SkipRows; i++ {
		if _, err := r.Read(); err != nil {
			return nil, fmt.Errorf("pipeline: csv skip rows: %w", err)
		}
	}

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("pipeline: csv header: %w", err)
	}
	colIdx := make(map[string]int, len(header))
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
		if _, ok := colIdx[header[i]]; !ok {
			colIdx[header[i]] = i
		}
	}
	if err := checkColumns(colIdx, req.CSV); err != nil {
		return nil, err
	}

	res := &Result{Title: req.SourceName}
	rowNum := 0
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		rowNum++
		if err != nil {
			res.DocErrors = append(res.DocErrors, fmt.Sprintf("row %d: %v", rowNum, err))
			continue
		}
		doc := h.rowDocument(req, header, colIdx, row, rowNum)
		if doc != nil {
			res.Documents = append(res.Documents, *doc)
		}
	}

	if len(res.Documents) == 0 && len(res.DocErrors) > 0 {
		return nil, fmt.Errorf("pipeline: all %d spreadsheet rows failed", len(res.DocErrors))
	}
	return res, nil
}

// checkColumns surfaces a column/header mismatch once, before row processing.
func checkColumns(colIdx map[string]int, opts CSVOptions) error {
	var named []string
	if opts.IDColumn != "" {
		named = append(named, opts.IDColumn)
	}
	if opts.TitleColumn != "" {
		named = append(named, opts.TitleColumn)
	}
	named = append(named, opts.ContentColumns...)
	named = append(named, opts.MetadataColumns...)
	for _, name := range named {
		if _, ok := colIdx[name]; !ok {
			return fmt.Errorf("pipeline: csv column %q not in header", name)
		}
	}
	return nil
}

// rowDocument builds one document from a row. Blank rows return nil.
func (h *SpreadsheetHandler) rowDocument(req *Request, header []string, colIdx map[string]int, row []string, rowNum int) *Document {
	cell := func(name string) string {
		idx, ok := colIdx[name]
		if !ok || idx >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[idx])
	}

	contentCols := req.CSV.ContentColumns
	if len(contentCols) == 0 {
		contentCols = header
	}
	var lines []string
	for _, name := range contentCols {
		if v := cell(name); v != "" {
			lines = append(lines, name+": "+v)
		}
	}
	if len(lines) == 0 {
		return nil
	}
	content := strings.Join(lines, "\n")

	id := fmt.Sprintf("%s_row_%04d", req.SourceID, rowNum)
	if req.CSV.IDColumn != "" {
		if v := cell(req.CSV.IDColumn); v != "" {
			id = req.SourceID + "_" + strings.ReplaceAll(v, " ", "_")
		}
	}

	title := cell(req.CSV.TitleColumn)
	if title == "" {
		title = fmt.Sprintf("%s row %d", req.SourceName, rowNum)
	}

	meta := map[string]string{"row": fmt.Sprintf("%d", rowNum)}
	for _, name := range req.CSV.MetadataColumns {
		if v := cell(name); v != "" {
			meta[name] = v
		}
	}

	return &Document{
		ID:          id,
		SourceID:    req.SourceID,
		Title:       title,
		URL:         req.URL,
		Content:     content,
		ContentHash: hashText(content),
		Metadata:    meta,
	}
}
