package ingest

import (
	"path/filepath"
	"strings"

	conduit "github.com/forgeworks/conduit"
)

// Pipeline handles text extraction, chunking, and document/chunk creation.
// Embedding and storage are NOT handled here — the caller is responsible.
type Pipeline struct {
	cfg ChunkerConfig
}

// NewPipeline creates a pipeline. maxTokens/overlapTokens are converted to chars (*4).
func NewPipeline(maxTokens, overlapTokens int) *Pipeline {
	return &Pipeline{
		cfg: ChunkerConfig{
			MaxChars:     maxTokens * 4,
			OverlapChars: overlapTokens * 4,
		},
	}
}

// PipelineResult holds the document and its chunks ready for embedding + storage.
type PipelineResult struct {
	Document conduit.Document
	Chunks   []conduit.Chunk
}

// IngestText creates a Document + Chunks from plain text.
func (p *Pipeline) IngestText(content, source string, title string) PipelineResult {
	now := conduit.NowUnix()
	docID := conduit.NewID()

	doc := conduit.Document{
		ID:        docID,
		Title:     title,
		Source:    source,
		Content:   content,
		CreatedAt: now,
	}

	chunkTexts := ChunkText(content, p.cfg)
	chunks := make([]conduit.Chunk, len(chunkTexts))
	for i, text := range chunkTexts {
		chunks[i] = conduit.Chunk{
			ID:         conduit.NewID(),
			DocumentID: docID,
			Content:    text,
			ChunkIndex: i,
		}
	}

	return PipelineResult{Document: doc, Chunks: chunks}
}

// IngestHTML extracts the readable article body from HTML, then chunks it.
func (p *Pipeline) IngestHTML(html, sourceURL string) PipelineResult {
	text := ExtractReadableHTML(html, sourceURL)
	title := sourceURL
	if title == "" {
		title = "web page"
	}
	return p.IngestText(text, sourceURL, title)
}

// IngestFile extracts text based on file extension, then chunks it.
func (p *Pipeline) IngestFile(content, filename string) PipelineResult {
	ext := strings.TrimPrefix(filepath.Ext(filename), ".")
	ct := ContentTypeFromExtension(ext)
	text := ExtractText(content, ct)

	title := filepath.Base(filename)
	return p.IngestText(text, filename, title)
}
