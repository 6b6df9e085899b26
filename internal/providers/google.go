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

// GoogleAdapter targets the AI Studio generateContent API. Roles map
// user/tool -> "user" and assistant -> "model"; system messages become the
// systemInstruction.
type GoogleAdapter struct {
	info   *catalog.ProviderInfo
	client *http.Client
}

func NewGoogleAdapter(cat *catalog.Catalog, client *http.Client) *GoogleAdapter {
	info, _ := cat.Provider("google")
	return &GoogleAdapter{info: info, client: client}
}

func (a *GoogleAdapter) ProviderID() string { return "google" }

func (a *GoogleAdapter) CapabilityCheck(req *ChatRequest, binding catalog.ProviderBinding) error {
	return checkCapabilities("google", req, binding)
}

type googlePart struct {
	Text         string            `json:"text,omitempty"`
	InlineData   *googleInlineData `json:"inline_data,omitempty"`
	FunctionCall *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"args"`
	} `json:"functionCall,omitempty"`
	FunctionResponse *struct {
		Name     string      `json:"name"`
		Response interface{} `json:"response"`
	} `json:"functionResponse,omitempty"`
}

type googleInlineData struct {
	MimeType string `json:"mime_type"`
	Data     string `json:"data"`
}

type googleContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []googlePart `json:"parts"`
}

type googleGenerationConfig struct {
	Temperature      *float64 `json:"temperature,omitempty"`
	TopP             *float64 `json:"topP,omitempty"`
	MaxOutputTokens  *int     `json:"maxOutputTokens,omitempty"`
	StopSequences    []string `json:"stopSequences,omitempty"`
	ResponseMimeType string   `json:"responseMimeType,omitempty"`
	Seed             *int     `json:"seed,omitempty"`
}

type googleRequest struct {
	Contents          []googleContent         `json:"contents"`
	SystemInstruction *googleContent          `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenerationConfig `json:"generationConfig,omitempty"`
	Tools             []googleToolDecl        `json:"tools,omitempty"`
}

type googleToolDecl struct {
	FunctionDeclarations []googleFunctionDecl `json:"functionDeclarations"`
}

type googleFunctionDecl struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type googleUsage struct {
	PromptTokenCount        int `json:"promptTokenCount"`
	CandidatesTokenCount    int `json:"candidatesTokenCount"`
	TotalTokenCount         int `json:"totalTokenCount"`
	CachedContentTokenCount int `json:"cachedContentTokenCount"`
	ThoughtsTokenCount      int `json:"thoughtsTokenCount"`
}

type googleResponse struct {
	Candidates []struct {
		Content      googleContent `json:"content"`
		FinishReason string        `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *googleUsage `json:"usageMetadata"`
}

func (a *GoogleAdapter) buildBody(req *ChatRequest) (*googleRequest, error) {
	body := &googleRequest{}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			system = append(system, m.ContentText())
		case "assistant":
			content := googleContent{Role: "model"}
			if text := m.ContentText(); text != "" {
				content.Parts = append(content.Parts, googlePart{Text: text})
			}
			for _, tc := range m.ToolCalls {
				part := googlePart{}
				part.FunctionCall = &struct {
					Name string          `json:"name"`
					Args json.RawMessage `json:"args"`
				}{Name: tc.Function.Name, Args: json.RawMessage(tc.Function.Arguments)}
				content.Parts = append(content.Parts, part)
			}
			body.Contents = append(body.Contents, content)
		case "tool":
			part := googlePart{}
			part.FunctionResponse = &struct {
				Name     string      `json:"name"`
				Response interface{} `json:"response"`
			}{Name: m.Name, Response: map[string]interface{}{"result": m.ContentText()}}
			body.Contents = append(body.Contents, googleContent{Role: "user", Parts: []googlePart{part}})
		default:
			body.Contents = append(body.Contents, googleContent{Role: "user", Parts: convertGoogleParts(m.Content)})
		}
	}
	if len(system) > 0 {
		body.SystemInstruction = &googleContent{Parts: []googlePart{{Text: strings.Join(system, "\n")}}}
	}

	cfg := &googleGenerationConfig{
		Temperature:     req.Temperature,
		TopP:            req.TopP,
		MaxOutputTokens: req.MaxTokens,
		StopSequences:   req.Stop,
		Seed:            req.Seed,
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		cfg.ResponseMimeType = "application/json"
	}
	body.GenerationConfig = cfg

	if len(req.Tools) > 0 {
		decl := googleToolDecl{}
		for _, t := range req.Tools {
			decl.FunctionDeclarations = append(decl.FunctionDeclarations, googleFunctionDecl{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			})
		}
		body.Tools = []googleToolDecl{decl}
	}
	return body, nil
}

func convertGoogleParts(content interface{}) []googlePart {
	if s, ok := content.(string); ok {
		return []googlePart{{Text: s}}
	}
	parts, ok := content.([]interface{})
	if !ok {
		return []googlePart{{Text: ""}}
	}
	var out []googlePart
	for _, part := range parts {
		p, ok := part.(map[string]interface{})
		if !ok {
			continue
		}
		switch p["type"] {
		case "text":
			if t, ok := p["text"].(string); ok {
				out = append(out, googlePart{Text: t})
			}
		case "image_url":
			iu, _ := p["image_url"].(map[string]interface{})
			if url, _ := iu["url"].(string); strings.HasPrefix(url, "data:") {
				mediaType, data := splitDataURL(url)
				out = append(out, googlePart{InlineData: &googleInlineData{MimeType: mediaType, Data: data}})
			}
		}
	}
	return out
}

func (a *GoogleAdapter) endpoint(cred *credential.Credential, model, verb string) string {
	baseURL := a.info.BaseURL
	if cred.BaseURL != "" {
		baseURL = strings.TrimSuffix(cred.BaseURL, "/")
	}
	return fmt.Sprintf("%s/models/%s:%s?key=%s", baseURL, model, verb, cred.APIKey)
}

func normalizeGoogleFinish(reason string) string {
	switch reason {
	case "STOP", "":
		return FinishStop
	case "MAX_TOKENS":
		return FinishLength
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT":
		return FinishContentFilter
	default:
		return FinishStop
	}
}

func googleToUsage(u *googleUsage) Usage {
	out := Usage{}
	if u != nil {
		out.PromptTokens = u.PromptTokenCount
		out.CompletionTokens = u.CandidatesTokenCount
		out.TotalTokens = u.TotalTokenCount
		out.ReasoningTokens = u.ThoughtsTokenCount
		if u.CachedContentTokenCount > 0 {
			out.PromptTokensDetails = &PromptTokensDetails{CachedTokens: u.CachedContentTokenCount}
		}
	}
	out.Clamp()
	return out
}

func (a *GoogleAdapter) parseResponse(body []byte, model string) (*ChatResponse, error) {
	var raw googleResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse google response: %w", err)
	}

	resp := &ChatResponse{
		ID:      GenerateID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Usage:   googleToUsage(raw.UsageMetadata),
	}
	for i, cand := range raw.Candidates {
		msg := Message{Role: "assistant"}
		var text strings.Builder
		finish := normalizeGoogleFinish(cand.FinishReason)
		for _, part := range cand.Content.Parts {
			if part.Text != "" {
				text.WriteString(part.Text)
			}
			if part.FunctionCall != nil {
				msg.ToolCalls = append(msg.ToolCalls, ToolCall{
					ID:   fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(msg.ToolCalls)),
					Type: "function",
					Function: FunctionCall{
						Name:      part.FunctionCall.Name,
						Arguments: string(part.FunctionCall.Args),
					},
				})
			}
		}
		if len(msg.ToolCalls) > 0 {
			finish = FinishToolCalls
		}
		msg.Content = text.String()
		resp.Choices = append(resp.Choices, Choice{Index: i, Message: msg, FinishReason: finish})
	}
	return resp, nil
}

func (a *GoogleAdapter) Complete(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (*ChatResponse, error) {
	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(cred, binding.ModelName, "generateContent"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport("google", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransport("google", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTP("google", resp.StatusCode, string(raw), resp.Header)
	}
	return a.parseResponse(raw, binding.ModelName)
}

// Stream uses streamGenerateContent with alt=sse, which frames chunks as
// standard SSE data lines. The last chunk carries finishReason and usage.
func (a *GoogleAdapter) Stream(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (<-chan StreamFrame, error) {
	body, err := a.buildBody(req)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint(cred, binding.ModelName, "streamGenerateContent")+"&alt=sse", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport("google", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, ClassifyHTTP("google", resp.StatusCode, string(raw), resp.Header)
	}

	frames := make(chan StreamFrame, 16)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()
		a.relayStream(ctx, resp.Body, binding.ModelName, frames)
	}()
	return frames, nil
}

func (a *GoogleAdapter) relayStream(ctx context.Context, body io.Reader, model string, frames chan<- StreamFrame) {
	var (
		id      = GenerateID()
		created = time.Now().Unix()
		finish  string
		usage   *googleUsage
	)

	terminal := func(err error) StreamFrame {
		f := StreamFrame{ID: id, Object: "chat.completion.chunk", Created: created, Model: model, Done: true, Err: err}
		if err == nil {
			reason := normalizeGoogleFinish(finish)
			u := googleToUsage(usage)
			f.Usage = &u
			f.Choices = []StreamChoice{{FinishReason: &reason}}
		}
		return f
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			frames <- terminal(ClassifyTransport("google", ctx.Err()))
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk googleResponse
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &chunk); err != nil {
			continue
		}
		if chunk.UsageMetadata != nil {
			usage = chunk.UsageMetadata
		}
		for _, cand := range chunk.Candidates {
			if cand.FinishReason != "" {
				finish = cand.FinishReason
			}
			for _, part := range cand.Content.Parts {
				if part.Text == "" {
					continue
				}
				frames <- StreamFrame{
					ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
					Choices: []StreamChoice{{Delta: Delta{Content: part.Text}}},
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		frames <- terminal(ClassifyTransport("google", err))
		return
	}
	frames <- terminal(nil)
}
