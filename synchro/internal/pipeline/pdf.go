package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"regexp"
	"strings"
	"unicode"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"
)

// PDFHandler extracts text from PDF documents page by page.
type PDFHandler struct {
	p *Pipeline
}

func (h *PDFHandler) Type() string { return "pdf" }

func (h *PDFHandler) Process(ctx context.Context, req *Request) (*Result, error) {
	conf := model.NewDefaultConfiguration()
	pctx, err := api.ReadValidateAndOptimize(bytes.NewReader(req.Body), conf)
	if err != nil {
		return nil, fmt.Errorf("pipeline: pdf read: %w", err)
	}

	var pages []string
	var title string
	for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
		text := extractPageText(pctx, pageNr)
		if text == "" {
			continue
		}
		if title == "" {
			title = firstLine(text, 200)
		}
		pages = append(pages, text)
	}

	if len(pages) == 0 {
		if hasImageStreams(pctx) {
			return nil, fmt.Errorf("pipeline: pdf has no extractable text (%d pages, image streams present, likely scanned)", pctx.PageCount)
		}
		return nil, fmt.Errorf("pipeline: pdf has no extractable text (%d pages)", pctx.PageCount)
	}

	// Pages join on blank lines so the chunker splits on page boundaries first.
	content := strings.Join(pages, "\n\n")
	docs := h.p.chunkContent(req, title, content)
	for i := range docs {
		if docs[i].Metadata == nil {
			docs[i].Metadata = map[string]string{}
		}
		docs[i].Metadata["pages"] = fmt.Sprintf("%d", pctx.PageCount)
	}

	return &Result{Title: title, Documents: docs}, nil
}

func firstLine(text string, maxLen int) string {
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxLen {
			line = line[:maxLen]
		}
		return line
	}
	return ""
}

// extractPageText pulls one page's content stream and parses its text operators.
func extractPageText(pctx *model.Context, pageNr int) string {
	r, err := pdfcpu.ExtractPageContent(pctx, pageNr)
	if err != nil {
		return ""
	}
	data, err := io.ReadAll(r)
	if err != nil || len(data) == 0 {
		return ""
	}
	return parseContentStream(data)
}

// hasImageStreams reports whether the PDF carries image XObjects, which
// distinguishes a scanned document from a genuinely empty one.
func hasImageStreams(pctx *model.Context) bool {
	if pctx.Optimize != nil {
		for pageNr := 1; pageNr <= pctx.PageCount; pageNr++ {
			if len(pdfcpu.ImageObjNrs(pctx, pageNr)) > 0 {
				return true
			}
		}
	}
	for _, entry := range pctx.Table {
		if entry == nil || entry.Free || entry.Compressed {
			continue
		}
		sd, ok := entry.Object.(types.StreamDict)
		if !ok {
			continue
		}
		if subtype, found := sd.Find("Subtype"); found {
			if name, isName := subtype.(types.Name); isName && name == "Image" {
				return true
			}
		}
	}
	return false
}

// pdfStringRe matches PDF string literals in parentheses: (text here)
var pdfStringRe = regexp.MustCompile(`\(([^)]*)\)`)

// parseContentStream walks content stream lines for text-showing operators:
// Tj and TJ show strings, ' shows on the next line, Td/TD/T* move the cursor.
func parseContentStream(data []byte) string {
	var sb strings.Builder
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}

		switch {
		case bytes.HasSuffix(line, []byte("Tj")), bytes.HasSuffix(line, []byte("TJ")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				sb.WriteString(decodePDFString(m[1]))
			}
		case bytes.HasSuffix(line, []byte("'")) && bytes.Contains(line, []byte("(")):
			for _, m := range pdfStringRe.FindAllSubmatch(line, -1) {
				if text := decodePDFString(m[1]); text != "" {
					sb.WriteByte('\n')
					sb.WriteString(text)
				}
			}
		case bytes.HasSuffix(line, []byte("Td")), bytes.HasSuffix(line, []byte("TD")):
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
		case bytes.Equal(line, []byte("T*")):
			sb.WriteByte('\n')
		}
	}
	return cleanPDFText(sb.String())
}

// decodePDFString handles PDF escape sequences, octal escapes included.
func decodePDFString(raw []byte) string {
	var sb strings.Builder
	for i := 0; i < len(raw); i++ {
		if raw[i] != '\\' || i+1 >= len(raw) {
			sb.WriteByte(raw[i])
			continue
		}
		i++
		switch raw[i] {
		case 'n':
			sb.WriteByte('\n')
		case 'r':
			sb.WriteByte('\r')
		case 't':
			sb.WriteByte('\t')
		case '\\', '(', ')':
			sb.WriteByte(raw[i])
		default:
			if raw[i] >= '0' && raw[i] <= '7' {
				val := int(raw[i] - '0')
				for k := 0; k < 2 && i+1 < len(raw) && raw[i+1] >= '0' && raw[i+1] <= '7'; k++ {
					i++
					val = val*8 + int(raw[i]-'0')
				}
				sb.WriteByte(byte(val))
			} else {
				sb.WriteByte(raw[i])
			}
		}
	}
	return sb.String()
}

// cleanPDFText collapses whitespace runs and drops non-printable runes.
func cleanPDFText(text string) string {
	var sb strings.Builder
	prevSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			if !prevSpace && sb.Len() > 0 {
				sb.WriteByte(' ')
				prevSpace = true
			}
		case unicode.IsPrint(r):
			sb.WriteRune(r)
			prevSpace = false
		}
	}
	return strings.TrimSpace(sb.String())
}
