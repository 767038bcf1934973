package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"strings"
)

// Compile-time interface checks.
var _ Extractor = (*CSVExtractor)(nil)
var _ MetadataExtractor = (*CSVExtractor)(nil)

// CSVExtractor implements Extractor for CSV documents — an issue-tracker or
// spreadsheet export being a common shape for the corpus the ingestion
// pipeline populates. First row is treated as headers.
// Each subsequent row becomes a labeled paragraph: "Header1: Value1,
// Header2: Value2".
type CSVExtractor struct{}

// NewCSVExtractor creates a CSV extractor.
func NewCSVExtractor() *CSVExtractor { return &CSVExtractor{} }

// Extract converts CSV content to labeled paragraphs.
func (e *CSVExtractor) Extract(content []byte) (string, error) {
	result, err := e.ExtractWithMeta(content)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// ExtractWithMeta converts CSV content to labeled paragraphs, tagging each
// paragraph with a PageMeta whose PageNumber is the row's 1-based position
// in the sheet, so a chunk built from that row keeps its row number as
// provenance (mirrors how PDFExtractor tags chunks with page numbers).
func (e *CSVExtractor) ExtractWithMeta(content []byte) (ExtractResult, error) {
	content = bytes.TrimPrefix(content, []byte("\xef\xbb\xbf"))
	if len(bytes.TrimSpace(content)) == 0 {
		return ExtractResult{}, nil
	}
	r := csv.NewReader(bytes.NewReader(content))
	r.LazyQuotes = true
	r.TrimLeadingSpace = true
	headers, err := r.Read()
	if err != nil {
		if err == io.EOF {
			return ExtractResult{}, nil
		}
		return ExtractResult{}, fmt.Errorf("read headers: %w", err)
	}
	var text strings.Builder
	var meta []PageMeta
	row := 0
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return ExtractResult{}, fmt.Errorf("read row: %w", err)
		}
		row++
		var fields []string
		for i, val := range record {
			if i >= len(headers) {
				break
			}
			val = strings.TrimSpace(val)
			if val == "" {
				continue
			}
			fields = append(fields, fmt.Sprintf("%s: %s", headers[i], val))
		}
		if len(fields) == 0 {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		start := text.Len()
		text.WriteString(strings.Join(fields, ", "))
		meta = append(meta, PageMeta{PageNumber: row, StartByte: start, EndByte: text.Len()})
	}
	return ExtractResult{Text: text.String(), Meta: meta}, nil
}
