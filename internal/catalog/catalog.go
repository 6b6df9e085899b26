package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

var ErrUnknownModel = errors.New("unknown model")

// Stability declares the maturity of a (model, provider) binding. Lower
// values sort earlier in the fallback order.
type Stability int

const (
	StabilityStable Stability = iota
	StabilityBeta
	StabilityUnstable
	StabilityExperimental
)

func (s Stability) String() string {
	switch s {
	case StabilityStable:
		return "stable"
	case StabilityBeta:
		return "beta"
	case StabilityUnstable:
		return "unstable"
	}
	return "experimental"
}

// AuthScheme selects how the gateway authenticates against a provider.
type AuthScheme int

const (
	AuthBearer AuthScheme = iota
	AuthAPIKeyHeader
	AuthSignedAWS
	AuthAzure
	AuthQueryKey
)

// ProviderInfo is the static description of one upstream provider.
type ProviderInfo struct {
	ID          string
	DisplayName string
	BaseURL     string
	Auth        AuthScheme
	KeyEnvVar   string
	// NativeSSE is false for providers with custom stream framing that the
	// adapter renormalizes (Bedrock event stream, Google chunked JSON).
	NativeSSE bool
}

// Capabilities flags what a binding supports.
type Capabilities struct {
	Streaming         bool
	Vision            bool
	Tools             bool
	ParallelToolCalls bool
	Reasoning         bool
	JSONOutput        bool
}

// Pricing is expressed in USD per token; request and image prices are per
// call and per image respectively.
type Pricing struct {
	InputPerToken       float64
	OutputPerToken      float64
	CachedInputPerToken float64
	PerRequest          float64
	PerImage            float64
}

// ProviderBinding ties a model to one provider with its own model name,
// pricing and limits.
type ProviderBinding struct {
	ProviderID    string
	ModelName     string
	Pricing       Pricing
	ContextWindow int
	MaxOutput     int
	Capabilities  Capabilities
	Discount      float64 // fraction of the price waived, 0..1
	Stability     Stability
	DeactivatedAt *time.Time
	DeprecatedAt  *time.Time
}

// EffectiveInputPrice is the input price after discount; used for ordering
// fallback candidates.
func (b ProviderBinding) EffectiveInputPrice() float64 {
	return b.Pricing.InputPerToken * (1 - b.Discount)
}

func (b ProviderBinding) Active() bool {
	return b.DeactivatedAt == nil || b.DeactivatedAt.After(time.Now())
}

func (b ProviderBinding) Deprecated() bool {
	return b.DeprecatedAt != nil && !b.DeprecatedAt.After(time.Now())
}

// ModelEntry is one model with its ordered provider bindings.
type ModelEntry struct {
	ID          string
	DisplayName string
	Family      string
	Bindings    []ProviderBinding
}

// BindingPolicy filters candidate bindings per request.
type BindingPolicy struct {
	PinnedProvider    string
	ExcludeDeprecated bool
	ExcludeUnstable   bool
	AllowedProviders  map[string]bool // nil means all
	BlockedProviders  map[string]bool
}

// Catalog is the process-wide read-only model and provider table.
type Catalog struct {
	models    map[string]*ModelEntry
	aliases   map[string]string
	providers map[string]*ProviderInfo
}

func New(models []*ModelEntry, aliases map[string]string, providers []*ProviderInfo) (*Catalog, error) {
	c := &Catalog{
		models:    make(map[string]*ModelEntry, len(models)),
		aliases:   aliases,
		providers: make(map[string]*ProviderInfo, len(providers)),
	}
	if c.aliases == nil {
		c.aliases = map[string]string{}
	}
	for _, p := range providers {
		c.providers[p.ID] = p
	}
	for _, m := range models {
		for _, b := range m.Bindings {
			if _, ok := c.providers[b.ProviderID]; !ok {
				return nil, fmt.Errorf("model %s: binding references unknown provider %q", m.ID, b.ProviderID)
			}
		}
		c.models[m.ID] = m
	}
	return c, nil
}

// Provider returns the static info for a provider id.
func (c *Catalog) Provider(id string) (*ProviderInfo, bool) {
	p, ok := c.providers[id]
	return p, ok
}

// Providers returns all known providers.
func (c *Catalog) Providers() []*ProviderInfo {
	out := make([]*ProviderInfo, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Models returns all entries sorted by id.
func (c *Catalog) Models() []*ModelEntry {
	out := make([]*ModelEntry, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Lookup resolves a model string. Accepted forms, in order: exact id,
// alias, then "provider/model" with the prefix pinning that provider.
func (c *Catalog) Lookup(model string) (*ModelEntry, string, error) {
	if m, ok := c.models[model]; ok {
		return m, "", nil
	}
	if target, ok := c.aliases[model]; ok {
		if m, ok := c.models[target]; ok {
			return m, "", nil
		}
	}
	if idx := strings.IndexByte(model, '/'); idx > 0 {
		provider, base := model[:idx], model[idx+1:]
		if _, ok := c.providers[provider]; ok {
			if m, ok := c.models[base]; ok {
				return m, provider, nil
			}
			if target, ok := c.aliases[base]; ok {
				if m, ok := c.models[target]; ok {
					return m, provider, nil
				}
			}
		}
	}
	return nil, "", fmt.Errorf("%w: %q", ErrUnknownModel, model)
}

// ListBindings returns the candidate bindings for an entry under a policy,
// ordered pinned first, then by ascending effective input price, then by
// stability.
func (c *Catalog) ListBindings(entry *ModelEntry, policy BindingPolicy) []ProviderBinding {
	out := make([]ProviderBinding, 0, len(entry.Bindings))
	for _, b := range entry.Bindings {
		if !b.Active() {
			continue
		}
		if policy.ExcludeDeprecated && b.Deprecated() {
			continue
		}
		if policy.ExcludeUnstable && b.Stability >= StabilityUnstable {
			continue
		}
		if policy.AllowedProviders != nil && !policy.AllowedProviders[b.ProviderID] {
			continue
		}
		if policy.BlockedProviders != nil && policy.BlockedProviders[b.ProviderID] {
			continue
		}
		out = append(out, b)
	}
	sort.SliceStable(out, func(i, j int) bool {
		pi := out[i].ProviderID == policy.PinnedProvider
		pj := out[j].ProviderID == policy.PinnedProvider
		if pi != pj {
			return pi
		}
		if out[i].EffectiveInputPrice() != out[j].EffectiveInputPrice() {
			return out[i].EffectiveInputPrice() < out[j].EffectiveInputPrice()
		}
		return out[i].Stability < out[j].Stability
	})
	return out
}

// Binding returns the binding of entry for a specific provider.
func (c *Catalog) Binding(entry *ModelEntry, providerID string) (ProviderBinding, bool) {
	for _, b := range entry.Bindings {
		if b.ProviderID == providerID {
			return b, true
		}
	}
	return ProviderBinding{}, false
}
