package stream

// Wire shapes for the server-sent-event payloads the accumulator decodes.
// Only the fields the side-capture needs are declared; everything else in
// an event is ignored, and unknown event types pass through uncounted.

// Event is the envelope every stream event shares. Type is the
// discriminator the accumulator dispatches on.
type Event struct {
	Type    string        `json:"type"`
	Index   int           `json:"index"`
	Message *MessageStart `json:"message,omitempty"`
	Block   *ContentBlock `json:"content_block,omitempty"`
	Delta   *Delta        `json:"delta,omitempty"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// Event type discriminator values.
const (
	eventMessageStart      = "message_start"
	eventContentBlockStart = "content_block_start"
	eventContentBlockDelta = "content_block_delta"
	eventContentBlockStop  = "content_block_stop"
	eventMessageDelta      = "message_delta"
)

// MessageStart carries the model name and the initial token accounting.
type MessageStart struct {
	Model string `json:"model"`
	Usage Usage  `json:"usage"`
}

// ContentBlock announces a new content block; for tool_use blocks it names
// the tool whose input will arrive as JSON fragments.
type ContentBlock struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

// Delta is the payload of a content_block_delta or message_delta event.
// Exactly one of the content fields is populated per event, selected by
// Type; StopReason arrives only on message_delta.
type Delta struct {
	Type        string `json:"type"`
	Text        string `json:"text,omitempty"`
	Thinking    string `json:"thinking,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	StopReason  string `json:"stop_reason,omitempty"`
}

// Delta type discriminator values.
const (
	deltaText      = "text_delta"
	deltaThinking  = "thinking_delta"
	deltaInputJSON = "input_json_delta"
)

// Usage is token accounting, reported incrementally: input and cache
// counts on message_start, final output count on message_delta.
type Usage struct {
	InputTokens         int64 `json:"input_tokens"`
	OutputTokens        int64 `json:"output_tokens"`
	CacheReadTokens     int64 `json:"cache_read_input_tokens"`
	CacheCreationTokens int64 `json:"cache_creation_input_tokens"`
}
