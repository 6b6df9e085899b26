package credential

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/amerfu/pgate/internal/catalog"
	"go.uber.org/zap"
)

var ErrProviderNotConfigured = errors.New("provider not configured")

// Credential is everything an adapter needs to authenticate upstream.
type Credential struct {
	ProviderID string
	APIKey     string
	APISecret  string // AWS secret access key
	BaseURL    string // override; empty means the provider default
	Region     string // bedrock
	Resource   string // azure resource name
	APIVersion string // azure api version
	BYOK       bool
}

// ResolverConfig carries provider-specific options that are not part of
// the key itself.
type ResolverConfig struct {
	BedrockRegionPrefix string // e.g. "us", prepended to the model id
	BedrockRegion       string
	AzureResource       string
	AzureAPIVersion     string
}

// Resolver returns upstream credentials for an (org, provider) pair: the
// org's stored key when present and active, otherwise the gateway-owned
// key from the provider's environment variable.
type Resolver struct {
	catalog *catalog.Catalog
	store   Store
	cfg     ResolverConfig
	logger  *zap.Logger
}

func NewResolver(cat *catalog.Catalog, store Store, cfg ResolverConfig, logger *zap.Logger) *Resolver {
	return &Resolver{catalog: cat, store: store, cfg: cfg, logger: logger}
}

func (r *Resolver) Resolve(ctx context.Context, orgID, providerID string) (*Credential, error) {
	info, ok := r.catalog.Provider(providerID)
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", ErrProviderNotConfigured, providerID)
	}

	if key, err := r.store.Lookup(ctx, orgID, providerID); err != nil {
		// A store failure should not take the whole candidate down when a
		// gateway key exists; log and fall through.
		r.logger.Warn("provider key lookup failed, falling back to gateway key",
			zap.String("org_id", orgID),
			zap.String("provider", providerID),
			zap.Error(err))
	} else if key != nil {
		cred := &Credential{
			ProviderID: providerID,
			APIKey:     key.APIKey,
			APISecret:  key.APISecret,
			BaseURL:    key.BaseURL,
			Region:     key.Region,
			Resource:   key.Resource,
			BYOK:       true,
		}
		r.applyProviderOptions(cred)
		return cred, nil
	}

	apiKey := os.Getenv(info.KeyEnvVar)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: %s (set %s)", ErrProviderNotConfigured, providerID, info.KeyEnvVar)
	}

	cred := &Credential{ProviderID: providerID, APIKey: apiKey}
	if providerID == "bedrock" {
		cred.APISecret = os.Getenv("LLM_BEDROCK_API_SECRET")
		if cred.APISecret == "" {
			return nil, fmt.Errorf("%w: bedrock requires LLM_BEDROCK_API_SECRET", ErrProviderNotConfigured)
		}
	}
	r.applyProviderOptions(cred)

	if providerID == "azure" && cred.Resource == "" {
		return nil, fmt.Errorf("%w: azure requires a resource name (LLM_AZURE_RESOURCE)", ErrProviderNotConfigured)
	}

	return cred, nil
}

func (r *Resolver) applyProviderOptions(cred *Credential) {
	switch cred.ProviderID {
	case "bedrock":
		if cred.Region == "" {
			cred.Region = r.cfg.BedrockRegion
		}
		if cred.Region == "" {
			cred.Region = "us-east-1"
		}
	case "azure":
		if cred.Resource == "" {
			cred.Resource = r.cfg.AzureResource
		}
		if cred.Resource == "" {
			cred.Resource = os.Getenv("LLM_AZURE_RESOURCE")
		}
		cred.APIVersion = r.cfg.AzureAPIVersion
		if cred.APIVersion == "" {
			cred.APIVersion = os.Getenv("LLM_AZURE_API_VERSION")
		}
		if cred.APIVersion == "" {
			cred.APIVersion = "2024-06-01"
		}
	}
}

// BedrockModelID applies the configured region prefix to a bedrock model
// id, e.g. "anthropic.claude-3-haiku..." -> "us.anthropic.claude-3-haiku...".
func (r *Resolver) BedrockModelID(modelName string) string {
	if r.cfg.BedrockRegionPrefix == "" {
		return modelName
	}
	return r.cfg.BedrockRegionPrefix + "." + modelName
}
