package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/amerfu/pgate/internal/catalog"
)

func testCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	past := time.Now().Add(-time.Hour)
	cat, err := catalog.New(
		[]*catalog.ModelEntry{
			{
				ID: "gpt-4o", DisplayName: "GPT-4o", Family: "openai",
				Bindings: []catalog.ProviderBinding{
					{ProviderID: "openai", ModelName: "gpt-4o",
						Pricing:      catalog.Pricing{InputPerToken: 2e-6, OutputPerToken: 8e-6},
						Capabilities: catalog.Capabilities{Streaming: true, Tools: true}},
					{ProviderID: "azure", ModelName: "gpt-4o",
						DeprecatedAt: &past,
						Pricing:      catalog.Pricing{InputPerToken: 2e-6, OutputPerToken: 8e-6}},
				},
			},
			{
				ID: "old-model", Family: "openai",
				Bindings: []catalog.ProviderBinding{
					{ProviderID: "openai", ModelName: "old-model", DeactivatedAt: &past},
				},
			},
		},
		map[string]string{"gpt-4o-latest": "gpt-4o"},
		[]*catalog.ProviderInfo{
			{ID: "openai", DisplayName: "OpenAI"},
			{ID: "azure", DisplayName: "Azure OpenAI"},
		},
	)
	require.NoError(t, err)
	return cat
}

type modelList struct {
	Object string      `json:"object"`
	Data   []ModelView `json:"data"`
}

func listModels(t *testing.T, cat *catalog.Catalog, query string) modelList {
	t.Helper()
	h := NewModelsHandler(cat)
	req := httptest.NewRequest(http.MethodGet, "/v1/models"+query, nil)
	rec := httptest.NewRecorder()
	h.List(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var out modelList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestModelsListHidesDeactivated(t *testing.T) {
	out := listModels(t, testCatalog(t), "")

	require.Len(t, out.Data, 1)
	assert.Equal(t, "gpt-4o", out.Data[0].ID)
	assert.Len(t, out.Data[0].Providers, 2)
}

func TestModelsListIncludeDeactivated(t *testing.T) {
	out := listModels(t, testCatalog(t), "?include_deactivated=true")

	require.Len(t, out.Data, 2)
	assert.Equal(t, "old-model", out.Data[1].ID)
	assert.False(t, out.Data[1].Providers[0].Active)
	require.NotNil(t, out.Data[1].Providers[0].DeactivatedAt)
}

func TestModelsViewDetail(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	cat, err := catalog.New(
		[]*catalog.ModelEntry{{
			ID: "omni", Family: "openai",
			Bindings: []catalog.ProviderBinding{
				{ProviderID: "openai", ModelName: "omni-2024-08-06",
					Pricing:      catalog.Pricing{InputPerToken: 3e-6, OutputPerToken: 9e-6},
					Capabilities: catalog.Capabilities{Streaming: true, Vision: true}},
				{ProviderID: "azure", ModelName: "omni-deploy",
					DeprecatedAt: &past,
					Pricing:      catalog.Pricing{InputPerToken: 2e-6, OutputPerToken: 8e-6}},
			},
		}},
		nil,
		[]*catalog.ProviderInfo{{ID: "openai"}, {ID: "azure"}},
	)
	require.NoError(t, err)

	out := listModels(t, cat, "")
	require.Len(t, out.Data, 1)
	view := out.Data[0]

	assert.Equal(t, []string{"text", "image"}, view.Architecture.InputModalities)
	assert.Equal(t, []string{"text"}, view.Architecture.OutputModalities)

	// Top-level pricing mirrors the cheapest visible binding.
	require.NotNil(t, view.Pricing)
	assert.Equal(t, 2e-6, view.Pricing.InputPerToken)

	require.Len(t, view.Providers, 2)
	assert.Equal(t, "omni-2024-08-06", view.Providers[0].ModelName)
	assert.True(t, view.Providers[1].Deprecated)
	require.NotNil(t, view.Providers[1].DeprecatedAt)
	assert.Nil(t, view.Providers[0].DeactivatedAt)
}

func TestModelsListExcludeDeprecated(t *testing.T) {
	out := listModels(t, testCatalog(t), "?exclude_deprecated=true")

	require.Len(t, out.Data, 1)
	require.Len(t, out.Data[0].Providers, 1)
	assert.Equal(t, "openai", out.Data[0].Providers[0].Provider)
}

func TestModelsRetrieve(t *testing.T) {
	h := NewModelsHandler(testCatalog(t))

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("model", "gpt-4o-latest")
	req := httptest.NewRequest(http.MethodGet, "/v1/models/gpt-4o-latest", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Retrieve(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var view ModelView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, "gpt-4o", view.ID)
}

func TestModelsRetrieveUnknown(t *testing.T) {
	h := NewModelsHandler(testCatalog(t))

	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("model", "nope")
	req := httptest.NewRequest(http.MethodGet, "/v1/models/nope", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	rec := httptest.NewRecorder()
	h.Retrieve(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}
