package trace

import (
	"time"

	"github.com/roach88/cairn/internal/identity"
)

// SpanState is the explicit two-phase lifecycle of a span.
//
// A span moves Started -> Completed exactly once in the happy path.
// Modeling the states explicitly (rather than a nullable completion
// timestamp) makes the grace-window linking behavior a first-class,
// testable transition.
type SpanState string

const (
	// SpanStarted means the span row exists but the network response has
	// not finished. This state gates the outbound request, so creating it
	// must stay cheap and synchronous.
	SpanStarted SpanState = "started"
	// SpanCompleted means the finalized stream record has been written.
	SpanCompleted SpanState = "completed"
)

// Valid reports whether the state is a member of the closed set.
func (s SpanState) Valid() bool {
	return s == SpanStarted || s == SpanCompleted
}

// Session is one external tool invocation lifetime, e.g. one coding-agent
// run. Token counters aggregate over the session's completed spans.
type Session struct {
	ID               string            `json:"id"`
	StartedAt        time.Time         `json:"started_at"`
	EndedAt          *time.Time        `json:"ended_at,omitempty"`
	InputTokens      int64             `json:"input_tokens"`
	OutputTokens     int64             `json:"output_tokens"`
	CacheReadTokens  int64             `json:"cache_read_tokens"`
	CacheWriteTokens int64             `json:"cache_write_tokens"`
	LinkedNodeID     int64             `json:"linked_node_id,omitempty"`
	LinkedChangeID   identity.ChangeID `json:"linked_change_id,omitempty"`
}

// Span is one network request/response pair within a session. Seq is the
// session-scoped sequence number assigned at start time; it totally orders
// spans within a session even when completions arrive out of order.
type Span struct {
	SessionID        string            `json:"session_id"`
	Seq              int64             `json:"seq"`
	ChangeID         identity.ChangeID `json:"change_id"`
	State            SpanState         `json:"state"`
	StartedAt        time.Time         `json:"started_at"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	Model            string            `json:"model,omitempty"`
	StopReason       string            `json:"stop_reason,omitempty"`
	InputTokens      int64             `json:"input_tokens"`
	OutputTokens     int64             `json:"output_tokens"`
	CacheReadTokens  int64             `json:"cache_read_tokens"`
	CacheWriteTokens int64             `json:"cache_write_tokens"`
	PromptPreview    string            `json:"prompt_preview,omitempty"`
	ThinkingPreview  string            `json:"thinking_preview,omitempty"`
	TextPreview      string            `json:"text_preview,omitempty"`
	ToolNames        []string          `json:"tool_names,omitempty"`
	LinkedNodeID     int64             `json:"linked_node_id,omitempty"`
	LinkedChangeID   identity.ChangeID `json:"linked_change_id,omitempty"`
}

// Record is the finalized capture of one network response stream. It is
// produced by the stream accumulator and consumed by CompleteSpan; the
// `record` CLI command accepts the same shape on stdin.
type Record struct {
	Model            string   `json:"model,omitempty"`
	StopReason       string   `json:"stop_reason,omitempty"`
	InputTokens      int64    `json:"input_tokens"`
	OutputTokens     int64    `json:"output_tokens"`
	CacheReadTokens  int64    `json:"cache_read_tokens"`
	CacheWriteTokens int64    `json:"cache_write_tokens"`
	PromptPreview    string   `json:"prompt_preview,omitempty"`
	ThinkingPreview  string   `json:"thinking_preview,omitempty"`
	TextPreview      string   `json:"text_preview,omitempty"`
	ToolNames        []string `json:"tool_names,omitempty"`
}
