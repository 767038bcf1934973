package conduit

import (
	"context"
	"encoding/json"
	"time"
)

// Provider abstracts the LLM backend.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatWithTools sends a request with tool definitions, returns response (may contain tool calls).
	ChatWithTools(ctx context.Context, req ChatRequest, tools []ToolDefinition) (ChatResponse, error)
	// ChatStream streams events into ch, then returns the final response with usage stats.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "gemini", "anthropic").
	Name() string
}

// Tool is something the Task Runner or Hypergraph Memory Engine can offer
// to a Provider's ChatWithTools call and dispatch a call into.
type Tool interface {
	Definitions() []ToolDefinition
	Execute(ctx context.Context, name string, args json.RawMessage) (ToolResult, error)
}

// ToolResult is a tool call's outcome: exactly one of Content or Error is set.
type ToolResult struct {
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}

// BatchProvider is implemented by chat Providers that also support
// asynchronous inline batch submission (Gemini's batch API).
type BatchProvider interface {
	BatchChat(ctx context.Context, requests []ChatRequest) (BatchJob, error)
	BatchStatus(ctx context.Context, jobID string) (BatchJob, error)
	BatchChatResults(ctx context.Context, jobID string) ([]ChatResponse, error)
	BatchCancel(ctx context.Context, jobID string) error
}

// BatchEmbeddingProvider is the embedding-side equivalent of BatchProvider.
type BatchEmbeddingProvider interface {
	BatchEmbed(ctx context.Context, texts [][]string) (BatchJob, error)
	BatchEmbedStatus(ctx context.Context, jobID string) (BatchJob, error)
	BatchEmbedResults(ctx context.Context, jobID string) ([][]float32, error)
}

// BatchState is a batch job's lifecycle stage.
type BatchState string

const (
	BatchPending   BatchState = "pending"
	BatchRunning   BatchState = "running"
	BatchSucceeded BatchState = "succeeded"
	BatchFailed    BatchState = "failed"
	BatchCancelled BatchState = "cancelled"
	BatchExpired   BatchState = "expired"
)

// BatchStats counts a batch job's constituent requests by outcome.
type BatchStats struct {
	TotalCount     int `json:"total_count"`
	SucceededCount int `json:"succeeded_count"`
	FailedCount    int `json:"failed_count"`
}

// BatchJob is the status of an asynchronous batch submission.
type BatchJob struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name,omitempty"`
	State       BatchState `json:"state"`
	Stats       BatchStats `json:"stats"`
	CreateTime  time.Time  `json:"create_time,omitempty"`
	UpdateTime  time.Time  `json:"update_time,omitempty"`
}
