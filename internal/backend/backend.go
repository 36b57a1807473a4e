package backend

import (
	"context"
	"encoding/json"
	"errors"
)

// Sentinel errors surfaced by backend implementations so the handler can map
// them to distinct responses.
var (
	ErrAccessDenied = errors.New("backend: access denied")
	ErrValidation   = errors.New("backend: invalid request parameters")
	ErrUnavailable  = errors.New("backend: unavailable")
)

// Request is the validated chat request in the backend's native shape.
// AdditionalModelRequestFields is passed through verbatim.
type Request struct {
	ModelID                      string                 `json:"modelId"`
	Messages                     []Message              `json:"messages"`
	System                       string                 `json:"system,omitempty"`
	InferenceConfig              *InferenceConfig       `json:"inferenceConfig,omitempty"`
	AdditionalModelRequestFields map[string]interface{} `json:"additionalModelRequestFields,omitempty"`
}

// Message content is kept as raw JSON so provider-specific shapes survive the
// round trip untouched.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type InferenceConfig struct {
	MaxTokens     int      `json:"maxTokens,omitempty"`
	Temperature   *float64 `json:"temperature,omitempty"`
	TopP          *float64 `json:"topP,omitempty"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

// Usage counts tokens attributed to a single call. Some backends emit partial
// increments across several deltas, so callers accumulate with Add rather
// than assigning.
type Usage struct {
	InputTokens      int `json:"inputTokens"`
	OutputTokens     int `json:"outputTokens"`
	CacheReadTokens  int `json:"cacheReadInputTokens"`
	CacheWriteTokens int `json:"cacheWriteInputTokens"`
}

// Add folds another usage increment into u.
func (u *Usage) Add(delta Usage) {
	u.InputTokens += delta.InputTokens
	u.OutputTokens += delta.OutputTokens
	u.CacheReadTokens += delta.CacheReadTokens
	u.CacheWriteTokens += delta.CacheWriteTokens
}

// Delta is one streamed event from the backend. Raw is the event payload
// exactly as the backend serialized it; Usage is set when the event carried
// usage metadata. A Delta with Err terminates the stream.
type Delta struct {
	Raw   json.RawMessage
	Usage *Usage
	Done  bool
	Err   error
}

// Result is a complete non-streaming response.
type Result struct {
	Completion string
	Usage      Usage
}

// Backend is the managed inference service. The stream channel is closed by
// the implementation once the call finishes, fails, or the context ends.
type Backend interface {
	Converse(ctx context.Context, req *Request) (*Result, error)
	ConverseStream(ctx context.Context, req *Request) (<-chan *Delta, error)
}
