package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/dispatch"
	"github.com/amerfu/pgate/internal/ledger"
	"github.com/amerfu/pgate/internal/middleware"
	"github.com/amerfu/pgate/internal/providers"
)

type stubEngine struct {
	completeResp *providers.ChatResponse
	completeErr  error
	streamFrames []providers.StreamFrame
	streamErr    error

	completeCalls int
	streamCalls   int
}

func (s *stubEngine) Complete(ctx context.Context, org dispatch.OrgContext, req *providers.ChatRequest, requestID string) (*providers.ChatResponse, error) {
	s.completeCalls++
	return s.completeResp, s.completeErr
}

func (s *stubEngine) Stream(ctx context.Context, org dispatch.OrgContext, req *providers.ChatRequest, requestID string) (<-chan providers.StreamFrame, error) {
	s.streamCalls++
	if s.streamErr != nil {
		return nil, s.streamErr
	}
	out := make(chan providers.StreamFrame, len(s.streamFrames))
	for _, f := range s.streamFrames {
		out <- f
	}
	close(out)
	return out, nil
}

func testOrg() dispatch.OrgContext {
	return dispatch.OrgContext{OrgID: "org-1", ProjectID: "proj-1"}
}

func doChat(t *testing.T, engine Dispatcher, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()
	h := NewChatHandler(engine, zap.NewNop())
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(body))
	if authed {
		req = req.WithContext(middleware.WithOrgContext(req.Context(), testOrg()))
	}
	rec := httptest.NewRecorder()
	h.ChatCompletions(rec, req)
	return rec
}

func okResponse() *providers.ChatResponse {
	return &providers.ChatResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  "openai/gpt-4o",
		Choices: []providers.Choice{{
			Message:      providers.Message{Role: "assistant", Content: "hi"},
			FinishReason: providers.FinishStop,
		}},
		Usage: providers.Usage{PromptTokens: 5, CompletionTokens: 1, TotalTokens: 6},
	}
}

func TestChatCompletionsBuffered(t *testing.T) {
	engine := &stubEngine{completeResp: okResponse()}
	rec := doChat(t, engine, `{"model":"gpt-4o","messages":[{"role":"user","content":"hey"}]}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp providers.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "openai/gpt-4o", resp.Model)
	assert.Equal(t, 1, engine.completeCalls)
}

func TestChatCompletionsRequiresAuth(t *testing.T) {
	rec := doChat(t, &stubEngine{}, `{"model":"gpt-4o","messages":[{"role":"user","content":"hey"}]}`, false)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletionsValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", `{"model":`},
		{"missing model", `{"messages":[{"role":"user","content":"x"}]}`},
		{"empty messages", `{"model":"gpt-4o","messages":[]}`},
		{"n above one", `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"n":3}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := &stubEngine{}
			rec := doChat(t, engine, tt.body, true)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, engine.completeCalls)
		})
	}
}

func TestChatCompletionsErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
	}{
		{"unknown model", fmt.Errorf("%w: %q", catalog.ErrUnknownModel, "nope"), http.StatusBadRequest},
		{"no candidates", dispatch.ErrNoCandidates, http.StatusBadRequest},
		{"insufficient credits", ledger.ErrInsufficientCredits, http.StatusPaymentRequired},
		{"upstream exhausted", dispatch.ErrUpstreamExhausted, http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := doChat(t, &stubEngine{completeErr: tt.err}, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}]}`, true)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var envelope providers.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
			assert.NotEmpty(t, envelope.Error.Message)
		})
	}
}

func TestChatCompletionsStream(t *testing.T) {
	finish := providers.FinishStop
	engine := &stubEngine{streamFrames: []providers.StreamFrame{
		{ID: "c1", Object: "chat.completion.chunk", Model: "openai/gpt-4o",
			Choices: []providers.StreamChoice{{Delta: providers.Delta{Content: "hel"}}}},
		{ID: "c1", Object: "chat.completion.chunk", Model: "openai/gpt-4o",
			Choices: []providers.StreamChoice{{Delta: providers.Delta{Content: "lo"}}}},
		{ID: "c1", Object: "chat.completion.chunk", Model: "openai/gpt-4o", Done: true,
			Choices: []providers.StreamChoice{{FinishReason: &finish}},
			Usage:   &providers.Usage{PromptTokens: 5, CompletionTokens: 2, TotalTokens: 7}},
	}}

	rec := doChat(t, engine, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stream":true}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"content":"hel"`)
	assert.Contains(t, body, `"content":"lo"`)
	assert.Contains(t, body, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]"))
}

func TestChatCompletionsStreamEarlyFailureIsHTTPError(t *testing.T) {
	engine := &stubEngine{streamFrames: []providers.StreamFrame{
		{Done: true, Err: dispatch.ErrUpstreamExhausted},
	}}

	rec := doChat(t, engine, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stream":true}`, true)

	// The terminal error arrived before any delta, so no SSE headers were
	// committed and the client sees a plain HTTP failure.
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestChatCompletionsStreamMidFlightError(t *testing.T) {
	engine := &stubEngine{streamFrames: []providers.StreamFrame{
		{ID: "c1", Choices: []providers.StreamChoice{{Delta: providers.Delta{Content: "par"}}}},
		{Done: true, Err: dispatch.ErrUpstreamExhausted},
	}}

	rec := doChat(t, engine, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stream":true}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `"content":"par"`)
	assert.Contains(t, body, `"error"`)
	assert.NotContains(t, body, "[DONE]")
}

func TestChatCompletionsStreamDowngrade(t *testing.T) {
	engine := &stubEngine{
		streamErr:    dispatch.ErrStreamingUnsupported,
		completeResp: okResponse(),
	}

	body := `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stream":true,"fallback":{"allow_downgrade":true}}`
	rec := doChat(t, engine, body, true)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, 1, engine.completeCalls)

	out := rec.Body.String()
	assert.Contains(t, out, `"content":"hi"`)
	assert.Contains(t, out, "[DONE]")
}

func TestChatCompletionsStreamNoDowngradeWithoutOptIn(t *testing.T) {
	engine := &stubEngine{streamErr: dispatch.ErrStreamingUnsupported}

	rec := doChat(t, engine, `{"model":"gpt-4o","messages":[{"role":"user","content":"x"}],"stream":true}`, true)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, engine.completeCalls)
}
