package handlers

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/amerfu/pgate/internal/catalog"
)

// ModelsHandler exposes the catalog on the OpenAI models surface, extended
// with per-provider pricing and capability detail.
type ModelsHandler struct {
	catalog *catalog.Catalog
}

func NewModelsHandler(cat *catalog.Catalog) *ModelsHandler {
	return &ModelsHandler{catalog: cat}
}

type ModelView struct {
	ID           string           `json:"id"`
	Object       string           `json:"object"`
	OwnedBy      string           `json:"owned_by"`
	DisplayName  string           `json:"display_name,omitempty"`
	Family       string           `json:"family,omitempty"`
	Architecture ArchitectureView `json:"architecture"`
	// Pricing of the cheapest visible binding; per-provider detail below.
	Pricing   *PricingView   `json:"pricing,omitempty"`
	Providers []ProviderView `json:"providers"`
}

type ArchitectureView struct {
	InputModalities  []string `json:"input_modalities"`
	OutputModalities []string `json:"output_modalities"`
}

type ProviderView struct {
	Provider      string      `json:"provider"`
	ModelName     string      `json:"model_name"`
	ContextWindow int         `json:"context_window,omitempty"`
	MaxOutput     int         `json:"max_output,omitempty"`
	Stability     string      `json:"stability"`
	Deprecated    bool        `json:"deprecated,omitempty"`
	DeprecatedAt  *time.Time  `json:"deprecated_at,omitempty"`
	Active        bool        `json:"active"`
	DeactivatedAt *time.Time  `json:"deactivated_at,omitempty"`
	Pricing       PricingView `json:"pricing"`
	Capabilities  capsView    `json:"capabilities"`
}

type PricingView struct {
	InputPerToken       float64 `json:"input_per_token"`
	OutputPerToken      float64 `json:"output_per_token"`
	CachedInputPerToken float64 `json:"cached_input_per_token,omitempty"`
	PerRequest          float64 `json:"per_request,omitempty"`
	Discount            float64 `json:"discount,omitempty"`
}

type capsView struct {
	Streaming  bool `json:"streaming"`
	Vision     bool `json:"vision"`
	Tools      bool `json:"tools"`
	Reasoning  bool `json:"reasoning"`
	JSONOutput bool `json:"json_output"`
}

// List serves GET /v1/models. Deactivated bindings are hidden unless
// include_deactivated is set; exclude_deprecated also hides deprecated ones.
func (h *ModelsHandler) List(w http.ResponseWriter, r *http.Request) {
	includeDeactivated := r.URL.Query().Get("include_deactivated") == "true"
	excludeDeprecated := r.URL.Query().Get("exclude_deprecated") == "true"

	var views []ModelView
	for _, entry := range h.catalog.Models() {
		view := h.modelView(entry, includeDeactivated, excludeDeprecated)
		if len(view.Providers) == 0 {
			continue
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   views,
	})
}

// Retrieve serves GET /v1/models/{model}.
func (h *ModelsHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "model")
	entry, _, err := h.catalog.Lookup(id)
	if err != nil {
		writeError(w, http.StatusNotFound,
			fmt.Sprintf("The model '%s' does not exist.", id),
			"invalid_request_error", "model_not_found")
		return
	}
	writeJSON(w, http.StatusOK, h.modelView(entry, true, false))
}

func (h *ModelsHandler) modelView(entry *catalog.ModelEntry, includeDeactivated, excludeDeprecated bool) ModelView {
	view := ModelView{
		ID:          entry.ID,
		Object:      "model",
		OwnedBy:     entry.Family,
		DisplayName: entry.DisplayName,
		Family:      entry.Family,
	}
	vision := false
	var best *catalog.ProviderBinding
	for _, b := range entry.Bindings {
		if !b.Active() && !includeDeactivated {
			continue
		}
		if b.Deprecated() && excludeDeprecated {
			continue
		}
		if b.Capabilities.Vision {
			vision = true
		}
		if best == nil || b.EffectiveInputPrice() < best.EffectiveInputPrice() {
			bb := b
			best = &bb
		}
		view.Providers = append(view.Providers, ProviderView{
			Provider:      b.ProviderID,
			ModelName:     b.ModelName,
			ContextWindow: b.ContextWindow,
			MaxOutput:     b.MaxOutput,
			Stability:     b.Stability.String(),
			Deprecated:    b.Deprecated(),
			DeprecatedAt:  b.DeprecatedAt,
			Active:        b.Active(),
			DeactivatedAt: b.DeactivatedAt,
			Pricing:       pricingView(b),
			Capabilities: capsView{
				Streaming:  b.Capabilities.Streaming,
				Vision:     b.Capabilities.Vision,
				Tools:      b.Capabilities.Tools,
				Reasoning:  b.Capabilities.Reasoning,
				JSONOutput: b.Capabilities.JSONOutput,
			},
		})
	}

	view.Architecture = ArchitectureView{
		InputModalities:  []string{"text"},
		OutputModalities: []string{"text"},
	}
	if vision {
		view.Architecture.InputModalities = []string{"text", "image"}
	}
	if best != nil {
		p := pricingView(*best)
		view.Pricing = &p
	}
	return view
}

func pricingView(b catalog.ProviderBinding) PricingView {
	return PricingView{
		InputPerToken:       b.Pricing.InputPerToken,
		OutputPerToken:      b.Pricing.OutputPerToken,
		CachedInputPerToken: b.Pricing.CachedInputPerToken,
		PerRequest:          b.Pricing.PerRequest,
		Discount:            b.Discount,
	}
}
