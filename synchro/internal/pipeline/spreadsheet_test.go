package pipeline

import (
	"context"
	"strings"
	"testing"
)

func TestSpreadsheetRows(t *testing.T) {
	// WHAT: Each CSV row becomes one document with header-mapped content.
	// WHY: Row granularity is what makes spreadsheet entries searchable
	// individually.
	csvData := "id,name,description,category\n" +
		"R1,First,Initial ruling on the matter,civil\n" +
		"R2,Second,Appeal decision overturned,criminal\n"

	p := newPipeline(t)
	res, err := p.Process(context.Background(), "spreadsheet", &Request{
		SourceID:   "sheet1",
		SourceName: "Rulings",
		URL:        "https://example.com/rulings.csv",
		Body:       []byte(csvData),
		CSV: CSVOptions{
			IDColumn:        "id",
			TitleColumn:     "name",
			ContentColumns:  []string{"name", "description"},
			MetadataColumns: []string{"category"},
		},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("documents: got %d, want 2", len(res.Documents))
	}

	d := res.Documents[0]
	if d.ID != "sheet1_R1" {
		t.Errorf("id: got %q", d.ID)
	}
	if d.Title != "First" {
		t.Errorf("title: got %q", d.Title)
	}
	if !strings.Contains(d.Content, "name: First") || !strings.Contains(d.Content, "description: Initial ruling") {
		t.Errorf("content: %q", d.Content)
	}
	if strings.Contains(d.Content, "category") {
		t.Errorf("non-content column leaked into body: %q", d.Content)
	}
	if d.Metadata["category"] != "civil" || d.Metadata["row"] != "1" {
		t.Errorf("metadata: %+v", d.Metadata)
	}
	if d.ContentHash == "" || d.ContentHash == res.Documents[1].ContentHash {
		t.Error("per-row content hashes must be set and distinct")
	}
}

func TestSpreadsheetRowNumberIDs(t *testing.T) {
	csvData := "a,b\n1,2\n3,4\n"
	p := newPipeline(t)
	res, err := p.Process(context.Background(), "spreadsheet", &Request{
		SourceID: "s1",
		Body:     []byte(csvData),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if res.Documents[0].ID != "s1_row_0001" || res.Documents[1].ID != "s1_row_0002" {
		t.Errorf("ids: %q, %q", res.Documents[0].ID, res.Documents[1].ID)
	}
}

func TestSpreadsheetSkipRowsAndDelimiter(t *testing.T) {
	csvData := "Generated 2024-01-01; do not edit\n" +
		"id;text\n" +
		"1;hello there\n"

	p := newPipeline(t)
	res, err := p.Process(context.Background(), "spreadsheet", &Request{
		SourceID: "s1",
		Body:     []byte(csvData),
		CSV:      CSVOptions{Comma: ";", SkipRows: 1},
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Documents) != 1 {
		t.Fatalf("documents: got %d, want 1", len(res.Documents))
	}
	if !strings.Contains(res.Documents[0].Content, "text: hello there") {
		t.Errorf("content: %q", res.Documents[0].Content)
	}
}

func TestSpreadsheetBlankRowsSkipped(t *testing.T) {
	csvData := "a,b\nx,y\n,\n ,\nz,w\n"
	p := newPipeline(t)
	res, err := p.Process(context.Background(), "spreadsheet", &Request{
		SourceID: "s1",
		Body:     []byte(csvData),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Errorf("documents: got %d, want 2 (blank rows skipped)", len(res.Documents))
	}
}

func TestSpreadsheetMissingColumn(t *testing.T) {
	// WHAT: A configured column absent from the header fails fast.
	// WHY: Silent empty documents hide a sheet-format change from operators.
	p := newPipeline(t)
	_, err := p.Process(context.Background(), "spreadsheet", &Request{
		SourceID: "s1",
		Body:     []byte("a,b\n1,2\n"),
		CSV:      CSVOptions{TitleColumn: "title"},
	})
	if err == nil {
		t.Fatal("expected error for missing column")
	}
	if !strings.Contains(err.Error(), `"title"`) {
		t.Errorf("error should name the column: %v", err)
	}
}

func TestSpreadsheetRaggedRows(t *testing.T) {
	// WHAT: Rows with fewer fields than the header still map; missing cells
	// read as empty.
	csvData := "a,b,c\nfull,row,here\nshort\n"
	p := newPipeline(t)
	res, err := p.Process(context.Background(), "spreadsheet", &Request{
		SourceID: "s1",
		Body:     []byte(csvData),
	})
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(res.Documents) != 2 {
		t.Fatalf("documents: got %d, want 2", len(res.Documents))
	}
	if !strings.Contains(res.Documents[1].Content, "a: short") {
		t.Errorf("ragged row content: %q", res.Documents[1].Content)
	}
	if strings.Contains(res.Documents[1].Content, "b:") {
		t.Errorf("missing cell rendered: %q", res.Documents[1].Content)
	}
}
