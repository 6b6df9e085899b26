package providers

import (
	"crypto/rand"
	"encoding/json"
)

// Request/response types follow the OpenAI chat completions wire format,
// extended with reasoning, images and a metadata block.

type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []Message       `json:"messages"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	N                *int            `json:"n,omitempty"`
	Stream           bool            `json:"stream,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	MaxTokens        *int            `json:"max_tokens,omitempty"`
	PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
	User             string          `json:"user,omitempty"`
	ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`
	Seed             *int            `json:"seed,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       interface{}     `json:"tool_choice,omitempty"`

	// Routing hints, stripped before the request reaches an upstream.
	Provider string          `json:"provider,omitempty"`
	Fallback *FallbackPolicy `json:"fallback,omitempty"`
}

// FallbackPolicy controls candidate advancement per request.
type FallbackPolicy struct {
	Disabled       bool `json:"disabled,omitempty"`
	AllowUnstable  bool `json:"allow_unstable,omitempty"`
	AllowDowngrade bool `json:"allow_downgrade,omitempty"` // stream -> buffered
}

type Message struct {
	Role       string      `json:"role"`
	Content    interface{} `json:"content"`
	Name       string      `json:"name,omitempty"`
	Reasoning  string      `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall  `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	Images     []Image     `json:"images,omitempty"`
}

// ContentText flattens a message content field to plain text. Multimodal
// parts contribute their text segments only.
func (m Message) ContentText() string {
	switch c := m.Content.(type) {
	case string:
		return c
	case []interface{}:
		var out string
		for _, part := range c {
			p, ok := part.(map[string]interface{})
			if !ok {
				continue
			}
			if p["type"] == "text" {
				if t, ok := p["text"].(string); ok {
					out += t
				}
			}
		}
		return out
	}
	return ""
}

type Image struct {
	Type     string    `json:"type"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

type ResponseFormat struct {
	Type       string          `json:"type"`
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

type Tool struct {
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

type Function struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Index    *int         `json:"index,omitempty"`
	Function FunctionCall `json:"function"`
}

type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type ChatResponse struct {
	ID                string    `json:"id"`
	Object            string    `json:"object"`
	Created           int64     `json:"created"`
	Model             string    `json:"model"`
	Choices           []Choice  `json:"choices"`
	Usage             Usage     `json:"usage"`
	SystemFingerprint string    `json:"system_fingerprint,omitempty"`
	Metadata          *Metadata `json:"metadata,omitempty"`
}

type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Metadata records how the request was actually served.
type Metadata struct {
	RequestedModel      string `json:"requested_model,omitempty"`
	RequestedProvider   string `json:"requested_provider,omitempty"`
	UsedModel           string `json:"used_model,omitempty"`
	UsedProvider        string `json:"used_provider,omitempty"`
	UnderlyingUsedModel string `json:"underlying_used_model,omitempty"`
	CacheHit            bool   `json:"cache_hit,omitempty"`
}

type Usage struct {
	PromptTokens        int                  `json:"prompt_tokens"`
	CompletionTokens    int                  `json:"completion_tokens"`
	TotalTokens         int                  `json:"total_tokens"`
	ReasoningTokens     int                  `json:"reasoning_tokens,omitempty"`
	PromptTokensDetails *PromptTokensDetails `json:"prompt_tokens_details,omitempty"`
}

type PromptTokensDetails struct {
	CachedTokens int `json:"cached_tokens"`
}

// CachedTokens returns the cached prompt token count, zero when absent.
func (u Usage) CachedTokens() int {
	if u.PromptTokensDetails == nil {
		return 0
	}
	return u.PromptTokensDetails.CachedTokens
}

// Clamp enforces the usage floor: providers that omit or zero usage still
// produce countable records.
func (u *Usage) Clamp() {
	if u.PromptTokens < 1 {
		u.PromptTokens = 1
	}
	if u.TotalTokens < 1 {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens + u.ReasoningTokens
	}
	if u.TotalTokens < 1 {
		u.TotalTokens = 1
	}
}

// Finish reasons on the normalized surface.
const (
	FinishStop          = "stop"
	FinishLength        = "length"
	FinishToolCalls     = "tool_calls"
	FinishContentFilter = "content_filter"
)

// StreamFrame is one normalized SSE frame. A stream is a finite sequence of
// delta frames followed by exactly one terminal frame (Done or Err set).
type StreamFrame struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`

	Done bool  `json:"-"`
	Err  error `json:"-"`
}

type StreamChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason,omitempty"`
}

type Delta struct {
	Role      string     `json:"role,omitempty"`
	Content   string     `json:"content,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

type APIError struct {
	Message string      `json:"message"`
	Type    string      `json:"type"`
	Param   string      `json:"param,omitempty"`
	Code    interface{} `json:"code,omitempty"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

// ForUpstream clones the request for one provider call: the binding's own
// model name replaces the requested one and routing hints are stripped so
// they never leak upstream.
func (r *ChatRequest) ForUpstream(model string) *ChatRequest {
	c := *r
	c.Model = model
	c.Provider = ""
	c.Fallback = nil
	return &c
}

// GenerateID returns an OpenAI-shaped completion id.
func GenerateID() string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, 29)
	_, _ = rand.Read(b)
	for i := range b {
		b[i] = charset[int(b[i])%len(charset)]
	}
	return "chatcmpl-" + string(b)
}
