package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/dispatch"
	"github.com/amerfu/pgate/internal/ledger"
	"github.com/amerfu/pgate/internal/middleware"
	"github.com/amerfu/pgate/internal/providers"
)

// Dispatcher is the engine surface the chat handler drives.
type Dispatcher interface {
	Complete(ctx context.Context, org dispatch.OrgContext, req *providers.ChatRequest, requestID string) (*providers.ChatResponse, error)
	Stream(ctx context.Context, org dispatch.OrgContext, req *providers.ChatRequest, requestID string) (<-chan providers.StreamFrame, error)
}

type ChatHandler struct {
	engine Dispatcher
	logger *zap.Logger
}

func NewChatHandler(engine Dispatcher, logger *zap.Logger) *ChatHandler {
	return &ChatHandler{engine: engine, logger: logger}
}

// ChatCompletions serves POST /v1/chat/completions.
func (h *ChatHandler) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	org, ok := middleware.OrgFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Missing API key.", "invalid_request_error", "invalid_api_key")
		return
	}

	var req providers.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error(), "invalid_request_error", nil)
		return
	}
	if msg := validateChatRequest(&req); msg != "" {
		writeError(w, http.StatusBadRequest, msg, "invalid_request_error", nil)
		return
	}

	requestID := chimiddleware.GetReqID(r.Context())
	if requestID == "" {
		requestID = uuid.NewString()
	}

	if req.Stream {
		h.stream(w, r, org, &req, requestID)
		return
	}

	resp, err := h.engine.Complete(r.Context(), org, &req, requestID)
	if err != nil {
		h.writeEngineError(w, r, &req, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func validateChatRequest(req *providers.ChatRequest) string {
	if req.Model == "" {
		return "you must provide a model parameter"
	}
	if len(req.Messages) == 0 {
		return "messages must be a non-empty array"
	}
	if req.N != nil && *req.N > 1 {
		return "n > 1 is not supported"
	}
	if req.MaxTokens != nil && *req.MaxTokens < 1 {
		return "max_tokens must be at least 1"
	}
	if req.Temperature != nil && (*req.Temperature < 0 || *req.Temperature > 2) {
		return "temperature must be between 0 and 2"
	}
	return ""
}

func (h *ChatHandler) stream(w http.ResponseWriter, r *http.Request, org dispatch.OrgContext, req *providers.ChatRequest, requestID string) {
	frames, err := h.engine.Stream(r.Context(), org, req, requestID)
	if errors.Is(err, dispatch.ErrStreamingUnsupported) && req.Fallback != nil && req.Fallback.AllowDowngrade {
		// No streaming-capable binding; serve buffered and deliver the
		// whole response as a single SSE turn.
		buffered := *req
		buffered.Stream = false
		resp, cerr := h.engine.Complete(r.Context(), org, &buffered, requestID)
		if cerr != nil {
			h.writeEngineError(w, r, req, cerr)
			return
		}
		h.writeDowngraded(w, resp)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, req, err)
		return
	}

	// Do not commit SSE headers until the first frame proves the stream is
	// live; a terminal error up front still gets a proper HTTP status.
	first, ok := <-frames
	if !ok {
		h.writeEngineError(w, r, req, dispatch.ErrUpstreamExhausted)
		return
	}
	if first.Done && first.Err != nil {
		h.writeEngineError(w, r, req, first.Err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	h.writeFrame(w, flusher, first)
	if first.Done {
		writeSSE(w, flusher, "[DONE]")
		return
	}

	for frame := range frames {
		if frame.Err != nil {
			// Sealed stream; the error travels in-band.
			writeSSE(w, flusher, errorEventJSON(frame.Err))
			return
		}
		h.writeFrame(w, flusher, frame)
		if frame.Done {
			writeSSE(w, flusher, "[DONE]")
			return
		}
	}
}

func (h *ChatHandler) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame providers.StreamFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error("marshal stream frame", zap.Error(err))
		return
	}
	writeSSE(w, flusher, string(data))
}

// writeDowngraded converts a buffered response into a two-frame SSE stream
// so clients that asked for streaming still get the format they expect.
func (h *ChatHandler) writeDowngraded(w http.ResponseWriter, resp *providers.ChatResponse) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	frame := providers.StreamFrame{
		ID:      resp.ID,
		Object:  "chat.completion.chunk",
		Created: resp.Created,
		Model:   resp.Model,
		Usage:   &resp.Usage,
	}
	for _, choice := range resp.Choices {
		finish := choice.FinishReason
		frame.Choices = append(frame.Choices, providers.StreamChoice{
			Index: choice.Index,
			Delta: providers.Delta{
				Role:      choice.Message.Role,
				Content:   choice.Message.ContentText(),
				Reasoning: choice.Message.Reasoning,
				ToolCalls: choice.Message.ToolCalls,
			},
			FinishReason: &finish,
		})
	}
	h.writeFrame(w, flusher, frame)
	writeSSE(w, flusher, "[DONE]")
}

func (h *ChatHandler) writeEngineError(w http.ResponseWriter, r *http.Request, req *providers.ChatRequest, err error) {
	switch {
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		return
	case errors.Is(err, catalog.ErrUnknownModel):
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("The model '%s' does not exist or you do not have access to it.", req.Model),
			"invalid_request_error", "model_not_found")
	case errors.Is(err, dispatch.ErrNoCandidates):
		writeError(w, http.StatusBadRequest,
			"No configured provider can serve this request.", "invalid_request_error", nil)
	case errors.Is(err, dispatch.ErrStreamingUnsupported):
		writeError(w, http.StatusBadRequest,
			"No provider supports streaming for this model. Set fallback.allow_downgrade to accept a buffered response.",
			"invalid_request_error", nil)
	case errors.Is(err, ledger.ErrInsufficientCredits):
		writeError(w, http.StatusPaymentRequired,
			"Insufficient credits to run this request.", "insufficient_quota", "insufficient_quota")
	case errors.Is(err, dispatch.ErrUpstreamExhausted):
		writeError(w, http.StatusBadGateway,
			"All upstream providers failed to serve this request.", "api_error", nil)
	default:
		var pe *providers.ProviderError
		if errors.As(err, &pe) {
			writeError(w, http.StatusBadGateway, pe.Message, "api_error", nil)
			return
		}
		h.logger.Error("chat completion failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error.", "api_error", nil)
	}
}

func errorEventJSON(err error) string {
	data, _ := json.Marshal(map[string]any{
		"error": map[string]any{
			"message": err.Error(),
			"type":    "api_error",
		},
	})
	return string(data)
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, data string) {
	fmt.Fprintf(w, "data: %s\n\n", data)
	if flusher != nil {
		flusher.Flush()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message, errType string, code any) {
	writeJSON(w, status, providers.ErrorResponse{Error: providers.APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
}
