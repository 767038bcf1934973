package ingest

import (
	"regexp"
	"strings"
)

var _ Chunker = (*MarkdownChunker)(nil)
var _ MetaChunker = (*MarkdownChunker)(nil)

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s`)

// MarkdownChunker splits text at markdown heading boundaries.
// It preserves heading markers in chunks for better LLM context.
//
// Strategy:
//  1. Split on heading boundaries (^#{1,6} )
//  2. Heading + content = candidate chunk
//  3. If too large → fall back to RecursiveChunker for that section
//  4. If too small → merge with next section up to maxBytes
type MarkdownChunker struct {
	maxBytes  int
	fallback  *RecursiveChunker
}

// NewMarkdownChunker creates a MarkdownChunker with the given options.
// Options WithMaxTokens and WithOverlapTokens are respected.
func NewMarkdownChunker(opts ...ChunkerOption) *MarkdownChunker {
	cfg := defaultChunkerConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &MarkdownChunker{
		maxBytes: cfg.maxTokens * 4,
		fallback: NewRecursiveChunker(opts...),
	}
}

// Chunk splits markdown text into chunks respecting heading boundaries.
func (mc *MarkdownChunker) Chunk(text string) []string {
	tagged := mc.ChunkWithMeta(text)
	out := make([]string, len(tagged))
	for i, c := range tagged {
		out[i] = c.Text
	}
	return out
}

// ChunkWithMeta splits markdown text into chunks respecting heading
// boundaries, tagging each chunk with the heading its first section was
// split under (empty for content that precedes any heading).
func (mc *MarkdownChunker) ChunkWithMeta(text string) []ChunkWithHeading {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= mc.maxBytes {
		return []ChunkWithHeading{{Text: text, Heading: extractHeading(text)}}
	}

	sections := mc.splitSections(text)
	return mc.mergeSections(sections)
}

// section pairs a markdown section's text with its own heading.
type section struct {
	text    string
	heading string
}

// splitSections splits markdown text into sections at heading boundaries.
func (mc *MarkdownChunker) splitSections(text string) []section {
	locs := headingRe.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return []section{{text: text}}
	}

	var sections []section
	// Content before first heading (if any).
	if locs[0][0] > 0 {
		pre := strings.TrimSpace(text[:locs[0][0]])
		if pre != "" {
			sections = append(sections, section{text: pre})
		}
	}

	for i, loc := range locs {
		end := len(text)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		s := strings.TrimSpace(text[loc[0]:end])
		if s != "" {
			sections = append(sections, section{text: s, heading: extractHeading(s)})
		}
	}

	return sections
}

// extractHeading returns the heading text of a section that starts with a
// markdown heading line, or "" if it doesn't.
func extractHeading(s string) string {
	loc := headingRe.FindStringIndex(s)
	if loc == nil || loc[0] != 0 {
		return ""
	}
	line := s
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		line = s[:nl]
	}
	return strings.TrimSpace(strings.TrimLeft(line, "# \t"))
}

// mergeSections merges small sections together and splits large ones,
// carrying the heading of the first section into each merged chunk.
func (mc *MarkdownChunker) mergeSections(sections []section) []ChunkWithHeading {
	var chunks []ChunkWithHeading
	var current strings.Builder
	var heading string

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, ChunkWithHeading{Text: current.String(), Heading: heading})
			current.Reset()
			heading = ""
		}
	}

	for _, sec := range sections {
		// Section too large on its own — split with fallback chunker.
		if len(sec.text) > mc.maxBytes {
			flush()
			for _, part := range mc.fallback.Chunk(sec.text) {
				chunks = append(chunks, ChunkWithHeading{Text: part, Heading: sec.heading})
			}
			continue
		}

		needed := len(sec.text)
		if current.Len() > 0 {
			needed = current.Len() + 2 + len(sec.text) // "\n\n" separator
		}

		if needed <= mc.maxBytes {
			if current.Len() > 0 {
				current.WriteString("\n\n")
			} else {
				heading = sec.heading
			}
			current.WriteString(sec.text)
		} else {
			// Flush and start new.
			flush()
			heading = sec.heading
			current.WriteString(sec.text)
		}
	}

	flush()
	return chunks
}
