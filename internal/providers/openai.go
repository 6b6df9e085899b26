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

// OpenAIAdapter serves the whole bearer-authenticated OpenAI-compatible
// family: OpenAI itself plus Groq, Together, Inference.net, Mistral,
// DeepSeek, xAI and OpenRouter, which differ only in base URL and the
// occasional extra header.
type OpenAIAdapter struct {
	info   *catalog.ProviderInfo
	client *http.Client
}

func NewOpenAIAdapter(info *catalog.ProviderInfo, client *http.Client) *OpenAIAdapter {
	return &OpenAIAdapter{info: info, client: client}
}

func (a *OpenAIAdapter) ProviderID() string { return a.info.ID }

func (a *OpenAIAdapter) CapabilityCheck(req *ChatRequest, binding catalog.ProviderBinding) error {
	return checkCapabilities(a.info.ID, req, binding)
}

// upstream request shape: the normalized request plus stream_options,
// which only exists on this wire format.
type openaiRequest struct {
	*ChatRequest
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

func (a *OpenAIAdapter) buildRequest(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential, stream bool) (*http.Request, error) {
	up := req.ForUpstream(binding.ModelName)
	up.Stream = stream
	body := openaiRequest{ChatRequest: up}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	baseURL := a.info.BaseURL
	if cred.BaseURL != "" {
		baseURL = strings.TrimSuffix(cred.BaseURL, "/")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+cred.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	if a.info.ID == "openrouter" {
		httpReq.Header.Set("X-Title", "pgate")
	}
	return httpReq, nil
}

// upstream response shapes. reasoning arrives under provider-specific keys
// (reasoning_content on DeepSeek, reasoning on OpenRouter).
type openaiMessage struct {
	Role             string      `json:"role"`
	Content          interface{} `json:"content"`
	Reasoning        string      `json:"reasoning,omitempty"`
	ReasoningContent string      `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall  `json:"tool_calls,omitempty"`
	Images           []Image     `json:"images,omitempty"`
}

type openaiChoice struct {
	Index        int           `json:"index"`
	Message      openaiMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   *Usage         `json:"usage"`
}

func (a *OpenAIAdapter) parseResponse(body []byte) (*ChatResponse, error) {
	var raw openaiResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse %s response: %w", a.info.ID, err)
	}

	resp := &ChatResponse{
		ID:      raw.ID,
		Object:  "chat.completion",
		Created: raw.Created,
		Model:   raw.Model,
	}
	if resp.ID == "" {
		resp.ID = GenerateID()
	}
	if resp.Created == 0 {
		resp.Created = time.Now().Unix()
	}
	for _, c := range raw.Choices {
		reasoning := c.Message.Reasoning
		if reasoning == "" {
			reasoning = c.Message.ReasoningContent
		}
		resp.Choices = append(resp.Choices, Choice{
			Index: c.Index,
			Message: Message{
				Role:      "assistant",
				Content:   c.Message.Content,
				Reasoning: reasoning,
				ToolCalls: c.Message.ToolCalls,
				Images:    c.Message.Images,
			},
			FinishReason: normalizeOpenAIFinish(c.FinishReason),
		})
	}
	if raw.Usage != nil {
		resp.Usage = *raw.Usage
	}
	resp.Usage.Clamp()
	return resp, nil
}

func normalizeOpenAIFinish(reason string) string {
	switch reason {
	case FinishStop, FinishLength, FinishToolCalls, FinishContentFilter:
		return reason
	case "function_call":
		return FinishToolCalls
	default:
		return FinishStop
	}
}

func (a *OpenAIAdapter) Complete(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (*ChatResponse, error) {
	httpReq, err := a.buildRequest(ctx, req, binding, cred, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(a.info.ID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransport(a.info.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTP(a.info.ID, resp.StatusCode, upstreamErrorMessage(body), resp.Header)
	}
	return a.parseResponse(body)
}

func (a *OpenAIAdapter) Stream(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (<-chan StreamFrame, error) {
	httpReq, err := a.buildRequest(ctx, req, binding, cred, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport(a.info.ID, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, ClassifyHTTP(a.info.ID, resp.StatusCode, upstreamErrorMessage(body), resp.Header)
	}

	frames := make(chan StreamFrame, 16)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()
		a.relaySSE(ctx, resp.Body, frames)
	}()
	return frames, nil
}

// upstream delta shape for the streaming path.
type openaiStreamDelta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	Reasoning        string     `json:"reasoning,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}

type openaiStreamChunk struct {
	ID      string `json:"id"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index        int               `json:"index"`
		Delta        openaiStreamDelta `json:"delta"`
		FinishReason *string           `json:"finish_reason"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
}

// relaySSE renormalizes the upstream event stream. The terminal frame
// carries finish reason and usage; with stream_options.include_usage the
// usage arrives on a trailing usage-only chunk.
func (a *OpenAIAdapter) relaySSE(ctx context.Context, body io.Reader, frames chan<- StreamFrame) {
	var (
		finishReason string
		usage        *Usage
		id           string
		model        string
		created      int64
	)
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	terminal := func(err error) StreamFrame {
		f := StreamFrame{ID: id, Object: "chat.completion.chunk", Created: created, Model: model, Done: true, Err: err}
		if err == nil {
			reason := finishReason
			if reason == "" {
				reason = FinishStop
			}
			reason = normalizeOpenAIFinish(reason)
			u := Usage{}
			if usage != nil {
				u = *usage
			}
			u.Clamp()
			f.Usage = &u
			f.Choices = []StreamChoice{{FinishReason: &reason}}
		}
		return f
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			frames <- terminal(ClassifyTransport(a.info.ID, ctx.Err()))
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "data: ") {
			continue
		}
		data := strings.TrimPrefix(line, "data: ")
		if data == "[DONE]" {
			frames <- terminal(nil)
			return
		}

		var chunk openaiStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // tolerate malformed keep-alives
		}
		if chunk.ID != "" {
			id = chunk.ID
		}
		if chunk.Model != "" {
			model = chunk.Model
		}
		if chunk.Created != 0 {
			created = chunk.Created
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}

		for _, c := range chunk.Choices {
			if c.FinishReason != nil && *c.FinishReason != "" {
				finishReason = *c.FinishReason
			}
			reasoning := c.Delta.Reasoning
			if reasoning == "" {
				reasoning = c.Delta.ReasoningContent
			}
			if c.Delta.Content == "" && reasoning == "" && len(c.Delta.ToolCalls) == 0 && c.Delta.Role == "" {
				continue
			}
			frames <- StreamFrame{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   model,
				Choices: []StreamChoice{{
					Index: c.Index,
					Delta: Delta{
						Role:      c.Delta.Role,
						Content:   c.Delta.Content,
						Reasoning: reasoning,
						ToolCalls: c.Delta.ToolCalls,
					},
				}},
			}
		}
	}

	if err := scanner.Err(); err != nil {
		frames <- terminal(ClassifyTransport(a.info.ID, err))
		return
	}
	// Stream ended without [DONE]; still emit the terminal frame so every
	// stream has exactly one.
	frames <- terminal(nil)
}

// upstreamErrorMessage pulls the message out of an OpenAI error envelope,
// falling back to the raw body.
func upstreamErrorMessage(body []byte) string {
	var envelope ErrorResponse
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	return string(body)
}
