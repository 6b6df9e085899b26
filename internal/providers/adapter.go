package providers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/amerfu/pgate/internal/catalog"
	"github.com/amerfu/pgate/internal/credential"
)

// Adapter translates between the normalized wire format and one provider
// family. Adapters are pure translators around a single upstream HTTP
// call: no retries, no business logging, no shared state.
type Adapter interface {
	ProviderID() string

	// CapabilityCheck rejects requests requiring features the binding does
	// not have, before any upstream call. Returns a KindCapability
	// ProviderError or nil.
	CapabilityCheck(req *ChatRequest, binding catalog.ProviderBinding) error

	// Complete performs one buffered round trip. Upstream failures come
	// back as *ProviderError.
	Complete(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (*ChatResponse, error)

	// Stream performs one streaming round trip, normalizing the provider's
	// framing into StreamFrames. The returned channel is closed after
	// exactly one terminal frame (Done or Err). Frames preserve upstream
	// order. Cancelling ctx releases the upstream connection.
	Stream(ctx context.Context, req *ChatRequest, binding catalog.ProviderBinding, cred *credential.Credential) (<-chan StreamFrame, error)
}

// Registry holds one adapter per provider id. Built once at start,
// read-only after.
type Registry struct {
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter, len(adapters))}
	for _, a := range adapters {
		r.adapters[a.ProviderID()] = a
	}
	return r
}

func (r *Registry) Get(providerID string) (Adapter, error) {
	a, ok := r.adapters[providerID]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %q", providerID)
	}
	return a, nil
}

// DefaultRegistry wires every provider in the catalog to its adapter. The
// OpenAI-compatible family shares one implementation parameterized by
// provider info.
func DefaultRegistry(cat *catalog.Catalog, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	adapters := []Adapter{
		NewAnthropicAdapter(cat, client),
		NewGoogleAdapter(cat, client),
		NewBedrockAdapter(cat, client),
		NewAzureAdapter(cat, client),
	}
	for _, info := range cat.Providers() {
		if info.Auth == catalog.AuthBearer {
			adapters = append(adapters, NewOpenAIAdapter(info, client))
		}
	}
	return NewRegistry(adapters...)
}

// checkCapabilities is the shared pre-flight refusal used by every adapter.
func checkCapabilities(providerID string, req *ChatRequest, binding catalog.ProviderBinding) error {
	if req.Stream && !binding.Capabilities.Streaming {
		return CapabilityError(providerID, "binding does not support streaming")
	}
	if len(req.Tools) > 0 && !binding.Capabilities.Tools {
		return CapabilityError(providerID, "binding does not support tools")
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type != "" && req.ResponseFormat.Type != "text" && !binding.Capabilities.JSONOutput {
		return CapabilityError(providerID, "binding does not support structured output")
	}
	if requestHasImages(req) && !binding.Capabilities.Vision {
		return CapabilityError(providerID, "binding does not support vision input")
	}
	return nil
}

func requestHasImages(req *ChatRequest) bool {
	for _, m := range req.Messages {
		parts, ok := m.Content.([]interface{})
		if !ok {
			continue
		}
		for _, part := range parts {
			if p, ok := part.(map[string]interface{}); ok && p["type"] == "image_url" {
				return true
			}
		}
	}
	return false
}
