package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Compile-time interface checks.
var _ Extractor = (*JSONExtractor)(nil)
var _ MetadataExtractor = (*JSONExtractor)(nil)

// JSONExtractor implements Extractor for JSON documents.
// Recursively walks arbitrary JSON structures producing readable key-value text.
type JSONExtractor struct{}

// NewJSONExtractor creates a JSON extractor.
func NewJSONExtractor() *JSONExtractor { return &JSONExtractor{} }

// maxJSONDepth limits recursion in flatten to prevent stack overflow
// from deeply nested JSON input.
const maxJSONDepth = 100

// Extract converts JSON content to readable key-value text.
func (e *JSONExtractor) Extract(content []byte) (string, error) {
	result, err := e.ExtractWithMeta(content)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}

// ExtractWithMeta converts JSON content to readable key-value text. When the
// top-level value is an array — the shape of an issue-tracker or API export
// (a GitHub issues dump, a Jira search result page) — each element is
// flattened separately and tagged with a PageMeta whose PageNumber is the
// element's 1-based position, so a chunk built from one record keeps which
// record it came from.
func (e *JSONExtractor) ExtractWithMeta(content []byte) (ExtractResult, error) {
	content = bytes.TrimSpace(content)
	if len(content) == 0 {
		return ExtractResult{}, nil
	}
	var data any
	if err := json.Unmarshal(content, &data); err != nil {
		return ExtractResult{}, fmt.Errorf("parse json: %w", err)
	}

	arr, ok := data.([]any)
	if !ok {
		var lines []string
		flatten("", data, &lines, 0)
		return ExtractResult{Text: strings.Join(lines, "\n")}, nil
	}

	var text strings.Builder
	var meta []PageMeta
	for i, elem := range arr {
		var lines []string
		flatten("", elem, &lines, 0)
		if len(lines) == 0 {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		start := text.Len()
		text.WriteString(strings.Join(lines, "\n"))
		meta = append(meta, PageMeta{PageNumber: i + 1, StartByte: start, EndByte: text.Len()})
	}
	return ExtractResult{Text: text.String(), Meta: meta}, nil
}

func flatten(prefix string, v any, lines *[]string, depth int) {
	if depth >= maxJSONDepth {
		label := prefix
		if label == "" {
			label = "value"
		}
		*lines = append(*lines, fmt.Sprintf("%s: <truncated>", label))
		return
	}
	switch val := v.(type) {
	case map[string]any:
		for k, child := range val {
			key := k
			if prefix != "" {
				key = prefix + "." + k
			}
			flatten(key, child, lines, depth+1)
		}
	case []any:
		if allPrimitive(val) {
			strs := make([]string, len(val))
			for i, item := range val {
				strs[i] = formatJSONValue(item)
			}
			*lines = append(*lines, fmt.Sprintf("%s: %s", prefix, strings.Join(strs, ", ")))
		} else {
			for _, item := range val {
				flatten(prefix, item, lines, depth+1)
			}
		}
	case nil:
		// skip null values
	default:
		label := prefix
		if label == "" {
			label = "value"
		}
		*lines = append(*lines, fmt.Sprintf("%s: %s", label, formatJSONValue(val)))
	}
}

func allPrimitive(arr []any) bool {
	for _, v := range arr {
		switch v.(type) {
		case map[string]any, []any:
			return false
		}
	}
	return true
}

// formatJSONValue formats a primitive JSON value as a string.
func formatJSONValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case nil:
		return "null"
	default:
		return fmt.Sprintf("%v", val)
	}
}
