package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/credential"
)

const (
	anthropicVersion = "2023-06-01"
	// Applied when the client omits max_tokens; the messages API requires it.
	anthropicDefaultMaxTokens = 4096
)

type AnthropicAdapter struct {
	info   *catalog.ProviderInfo
	client *http.Client
}

func NewAnthropicAdapter(cat *catalog.Catalog, client *http.Client) *AnthropicAdapter {
	info, _ := cat.Provider("anthropic")
	return &AnthropicAdapter{info: info, client: client}
}

func (a *AnthropicAdapter) ProviderID() string { return "anthropic" }

func (a *AnthropicAdapter) CapabilityCheck(req *ChatRequest, binding catalog.ProviderBinding) error {
	return checkCapabilities("anthropic", req, binding)
}

// Anthropic messages API shapes.

type anthropicRequest struct {
	Model         string             `json:"model,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	System        string             `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    interface{}        `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

type anthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	InputSchema interface{} `json:"input_schema"`
}

type anthropicContentBlock struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
	// tool_result fields
	ToolUseID string      `json:"tool_use_id,omitempty"`
	Content   interface{} `json:"content,omitempty"`
	// image source
	Source *anthropicImageSource `json:"source,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
}

type anthropicUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

type anthropicResponse struct {
	ID         string                  `json:"id"`
	Model      string                  `json:"model"`
	Content    []anthropicContentBlock `json:"content"`
	StopReason string                  `json:"stop_reason"`
	Usage      *anthropicUsage         `json:"usage"`
}

// buildRequest splits system messages into the separate system string and
// converts tool messages into tool_result blocks, per the messages API.
func (a *AnthropicAdapter) buildRequest(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential, stream bool) (*http.Request, error) {
	body := anthropicRequest{
		Model:         binding.ModelName,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		StopSequences: req.Stop,
		Stream:        stream,
	}

	body.MaxTokens = anthropicDefaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		body.MaxTokens = *req.MaxTokens
	}
	if binding.MaxOutput > 0 && body.MaxTokens > binding.MaxOutput {
		body.MaxTokens = binding.MaxOutput
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.ContentText())
		case "tool":
			body.Messages = append(body.Messages, anthropicMessage{
				Role: "user",
				Content: []anthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.ContentText(),
				}},
			})
		case "assistant":
			if len(m.ToolCalls) > 0 {
				blocks := make([]anthropicContentBlock, 0, len(m.ToolCalls)+1)
				if text := m.ContentText(); text != "" {
					blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
				}
				for _, tc := range m.ToolCalls {
					blocks = append(blocks, anthropicContentBlock{
						Type:  "tool_use",
						ID:    tc.ID,
						Name:  tc.Function.Name,
						Input: json.RawMessage(tc.Function.Arguments),
					})
				}
				body.Messages = append(body.Messages, anthropicMessage{Role: "assistant", Content: blocks})
			} else {
				body.Messages = append(body.Messages, anthropicMessage{Role: "assistant", Content: m.ContentText()})
			}
		default:
			body.Messages = append(body.Messages, anthropicMessage{Role: "user", Content: convertUserContent(m.Content)})
		}
	}
	if len(system) > 0 {
		body.System = strings.Join(system, "\n")
	}

	for _, t := range req.Tools {
		body.Tools = append(body.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	if tc, ok := req.ToolChoice.(string); ok && len(body.Tools) > 0 {
		switch tc {
		case "auto":
			body.ToolChoice = map[string]string{"type": "auto"}
		case "required":
			body.ToolChoice = map[string]string{"type": "any"}
		case "none":
			body.Tools = nil
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	baseURL := a.info.BaseURL
	if cred.BaseURL != "" {
		baseURL = strings.TrimSuffix(cred.BaseURL, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", cred.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

// convertUserContent maps multimodal OpenAI parts to Anthropic blocks;
// plain strings pass through.
func convertUserContent(content interface{}) interface{} {
	parts, ok := content.([]interface{})
	if !ok {
		if s, ok := content.(string); ok {
			return s
		}
		return ""
	}
	var blocks []anthropicContentBlock
	for _, part := range parts {
		p, ok := part.(map[string]interface{})
		if !ok {
			continue
		}
		switch p["type"] {
		case "text":
			if t, ok := p["text"].(string); ok {
				blocks = append(blocks, anthropicContentBlock{Type: "text", Text: t})
			}
		case "image_url":
			iu, _ := p["image_url"].(map[string]interface{})
			url, _ := iu["url"].(string)
			if strings.HasPrefix(url, "data:") {
				mediaType, data := splitDataURL(url)
				blocks = append(blocks, anthropicContentBlock{
					Type:   "image",
					Source: &anthropicImageSource{Type: "base64", MediaType: mediaType, Data: data},
				})
			} else if url != "" {
				blocks = append(blocks, anthropicContentBlock{
					Type:   "image",
					Source: &anthropicImageSource{Type: "url", URL: url},
				})
			}
		}
	}
	return blocks
}

func splitDataURL(url string) (mediaType, data string) {
	rest := strings.TrimPrefix(url, "data:")
	if idx := strings.Index(rest, ";base64,"); idx >= 0 {
		return rest[:idx], rest[idx+len(";base64,"):]
	}
	return "application/octet-stream", rest
}

func normalizeAnthropicFinish(stopReason string) string {
	switch stopReason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "tool_use":
		return FinishToolCalls
	case "max_tokens":
		return FinishLength
	case "refusal":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func (a *AnthropicAdapter) parseResponse(body []byte) (*ChatResponse, error) {
	var raw anthropicResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse anthropic response: %w", err)
	}

	msg := Message{Role: "assistant"}
	var text strings.Builder
	for _, block := range raw.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "thinking":
			msg.Reasoning += block.Thinking
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, ToolCall{
				ID:   block.ID,
				Type: "function",
				Function: FunctionCall{
					Name:      block.Name,
					Arguments: string(block.Input),
				},
			})
		}
	}
	msg.Content = text.String()

	resp := &ChatResponse{
		ID:      raw.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   raw.Model,
		Choices: []Choice{{
			Message:      msg,
			FinishReason: normalizeAnthropicFinish(raw.StopReason),
		}},
	}
	if resp.ID == "" {
		resp.ID = GenerateID()
	}
	if raw.Usage != nil {
		resp.Usage = Usage{
			PromptTokens:     raw.Usage.InputTokens + raw.Usage.CacheReadInputTokens + raw.Usage.CacheCreationInputTokens,
			CompletionTokens: raw.Usage.OutputTokens,
		}
		if raw.Usage.CacheReadInputTokens > 0 {
			resp.Usage.PromptTokensDetails = &PromptTokensDetails{CachedTokens: raw.Usage.CacheReadInputTokens}
		}
	}
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	resp.Usage.Clamp()
	return resp, nil
}

func (a *AnthropicAdapter) Complete(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (*ChatResponse, error) {
	httpReq, err := a.buildRequest(ctx, req, binding, cred, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport("anthropic", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransport("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTP("anthropic", resp.StatusCode, anthropicErrorMessage(body), resp.Header)
	}
	return a.parseResponse(body)
}

// anthropic streaming event shapes.
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Index int    `json:"index"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text,omitempty"`
		Thinking    string `json:"thinking,omitempty"`
		PartialJSON string `json:"partial_json,omitempty"`
		StopReason  string `json:"stop_reason,omitempty"`
	} `json:"delta,omitempty"`
	ContentBlock *anthropicContentBlock `json:"content_block,omitempty"`
	Message      *anthropicResponse     `json:"message,omitempty"`
	Usage        *anthropicUsage        `json:"usage,omitempty"`
	Error        *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (a *AnthropicAdapter) Stream(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (<-chan StreamFrame, error) {
	httpReq, err := a.buildRequest(ctx, req, binding, cred, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport("anthropic", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, ClassifyHTTP("anthropic", resp.StatusCode, anthropicErrorMessage(body), resp.Header)
	}

	frames := make(chan StreamFrame, 16)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()
		a.relayStream(ctx, resp.Body, binding.ModelName, frames)
	}()
	return frames, nil
}

// relayStream folds the Anthropic event sequence into normalized frames.
// message_start carries input tokens, message_delta the stop reason and
// output tokens, message_stop terminates.
func (a *AnthropicAdapter) relayStream(ctx context.Context, body io.Reader, model string, frames chan<- StreamFrame) {
	var (
		usage        anthropicUsage
		stopReason   string
		id           = GenerateID()
		created      = time.Now().Unix()
		toolIndexes  = map[int]int{} // content block index -> tool call index
		nextToolCall int
	)

	terminal := func(err error) StreamFrame {
		f := StreamFrame{ID: id, Object: "chat.completion.chunk", Created: created, Model: model, Done: true, Err: err}
		if err == nil {
			reason := normalizeAnthropicFinish(stopReason)
			u := Usage{
				PromptTokens:     usage.InputTokens + usage.CacheReadInputTokens + usage.CacheCreationInputTokens,
				CompletionTokens: usage.OutputTokens,
			}
			if usage.CacheReadInputTokens > 0 {
				u.PromptTokensDetails = &PromptTokensDetails{CachedTokens: usage.CacheReadInputTokens}
			}
			u.TotalTokens = u.PromptTokens + u.CompletionTokens
			u.Clamp()
			f.Usage = &u
			f.Choices = []StreamChoice{{FinishReason: &reason}}
		}
		return f
	}
	delta := func(d Delta) StreamFrame {
		return StreamFrame{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []StreamChoice{{Delta: d}},
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			frames <- terminal(ClassifyTransport("anthropic", ctx.Err()))
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			continue
		}

		switch event.Type {
		case "message_start":
			if event.Message != nil && event.Message.Usage != nil {
				usage.InputTokens = event.Message.Usage.InputTokens
				usage.CacheReadInputTokens = event.Message.Usage.CacheReadInputTokens
				usage.CacheCreationInputTokens = event.Message.Usage.CacheCreationInputTokens
			}
			if event.Message != nil && event.Message.ID != "" {
				id = event.Message.ID
			}
			frames <- delta(Delta{Role: "assistant"})
		case "content_block_start":
			if event.ContentBlock != nil && event.ContentBlock.Type == "tool_use" {
				idx := nextToolCall
				nextToolCall++
				toolIndexes[event.Index] = idx
				frames <- delta(Delta{ToolCalls: []ToolCall{{
					ID:       event.ContentBlock.ID,
					Type:     "function",
					Index:    &idx,
					Function: FunctionCall{Name: event.ContentBlock.Name},
				}}})
			}
		case "content_block_delta":
			if event.Delta == nil {
				continue
			}
			switch event.Delta.Type {
			case "text_delta":
				frames <- delta(Delta{Content: event.Delta.Text})
			case "thinking_delta":
				frames <- delta(Delta{Reasoning: event.Delta.Thinking})
			case "input_json_delta":
				if idx, ok := toolIndexes[event.Index]; ok {
					i := idx
					frames <- delta(Delta{ToolCalls: []ToolCall{{
						Index:    &i,
						Function: FunctionCall{Arguments: event.Delta.PartialJSON},
					}}})
				}
			}
		case "message_delta":
			if event.Delta != nil && event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			if event.Usage != nil {
				usage.OutputTokens = event.Usage.OutputTokens
			}
		case "message_stop":
			frames <- terminal(nil)
			return
		case "error":
			msg := "upstream stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			frames <- terminal(&ProviderError{Provider: "anthropic", Kind: KindTransient, Message: msg})
			return
		}
	}

	if err := scanner.Err(); err != nil {
		frames <- terminal(ClassifyTransport("anthropic", err))
		return
	}
	frames <- terminal(nil)
}

func anthropicErrorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(body)
}
