package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/credential"
)

// AzureAdapter targets Azure OpenAI deployments. The wire format is the
// OpenAI one; only the URL scheme and auth header differ, so parsing and
// stream relay are shared with OpenAIAdapter.
type AzureAdapter struct {
	openai *OpenAIAdapter
	client *http.Client
}

func NewAzureAdapter(cat *catalog.Catalog, client *http.Client) *AzureAdapter {
	info, _ := cat.Provider("azure")
	return &AzureAdapter{openai: &OpenAIAdapter{info: info, client: client}, client: client}
}

func (a *AzureAdapter) ProviderID() string { return "azure" }

func (a *AzureAdapter) CapabilityCheck(req *ChatRequest, binding catalog.ProviderBinding) error {
	return checkCapabilities("azure", req, binding)
}

// The deployment name is the binding's model name. Keys arrive via the
// api-key header rather than a bearer token.
func (a *AzureAdapter) buildRequest(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential, stream bool) (*http.Request, error) {
	if cred.Resource == "" {
		return nil, &ProviderError{Provider: "azure", Kind: KindAuth, Message: "azure resource not configured"}
	}

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

	baseURL := cred.BaseURL
	if baseURL == "" {
		baseURL = fmt.Sprintf("https://%s.openai.azure.com", cred.Resource)
	}
	url := fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		strings.TrimSuffix(baseURL, "/"), binding.ModelName, cred.APIVersion)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("api-key", cred.APIKey)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func (a *AzureAdapter) Complete(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (*ChatResponse, error) {
	httpReq, err := a.buildRequest(ctx, req, binding, cred, false)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport("azure", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ClassifyTransport("azure", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, ClassifyHTTP("azure", resp.StatusCode, upstreamErrorMessage(body), resp.Header)
	}
	return a.openai.parseResponse(body)
}

func (a *AzureAdapter) Stream(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (<-chan StreamFrame, error) {
	httpReq, err := a.buildRequest(ctx, req, binding, cred, true)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, ClassifyTransport("azure", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, ClassifyHTTP("azure", resp.StatusCode, upstreamErrorMessage(body), resp.Header)
	}

	frames := make(chan StreamFrame, 16)
	go func() {
		defer close(frames)
		defer func() { _ = resp.Body.Close() }()
		a.openai.relaySSE(ctx, resp.Body, frames)
	}()
	return frames, nil
}
