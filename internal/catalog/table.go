package catalog

// Static provider and model tables. Loaded once at start; read-only after.

func DefaultProviders() []*ProviderInfo {
	return []*ProviderInfo{
		{ID: "openai", DisplayName: "OpenAI", BaseURL: "https://api.openai.com/v1", Auth: AuthBearer, KeyEnvVar: "LLM_OPENAI_API_KEY", NativeSSE: true},
		{ID: "anthropic", DisplayName: "Anthropic", BaseURL: "https://api.anthropic.com/v1", Auth: AuthAPIKeyHeader, KeyEnvVar: "LLM_ANTHROPIC_API_KEY", NativeSSE: true},
		{ID: "google", DisplayName: "Google AI Studio", BaseURL: "https://generativelanguage.googleapis.com/v1beta", Auth: AuthQueryKey, KeyEnvVar: "LLM_GOOGLE_API_KEY", NativeSSE: false},
		{ID: "bedrock", DisplayName: "AWS Bedrock", BaseURL: "https://bedrock-runtime.%s.amazonaws.com", Auth: AuthSignedAWS, KeyEnvVar: "LLM_BEDROCK_API_KEY", NativeSSE: false},
		{ID: "azure", DisplayName: "Azure OpenAI", BaseURL: "https://%s.openai.azure.com", Auth: AuthAzure, KeyEnvVar: "LLM_AZURE_API_KEY", NativeSSE: true},
		{ID: "groq", DisplayName: "Groq", BaseURL: "https://api.groq.com/openai/v1", Auth: AuthBearer, KeyEnvVar: "LLM_GROQ_API_KEY", NativeSSE: true},
		{ID: "together", DisplayName: "Together AI", BaseURL: "https://api.together.xyz/v1", Auth: AuthBearer, KeyEnvVar: "LLM_TOGETHER_API_KEY", NativeSSE: true},
		{ID: "inference", DisplayName: "Inference.net", BaseURL: "https://api.inference.net/v1", Auth: AuthBearer, KeyEnvVar: "LLM_INFERENCE_API_KEY", NativeSSE: true},
		{ID: "mistral", DisplayName: "Mistral", BaseURL: "https://api.mistral.ai/v1", Auth: AuthBearer, KeyEnvVar: "LLM_MISTRAL_API_KEY", NativeSSE: true},
		{ID: "deepseek", DisplayName: "DeepSeek", BaseURL: "https://api.deepseek.com/v1", Auth: AuthBearer, KeyEnvVar: "LLM_DEEPSEEK_API_KEY", NativeSSE: true},
		{ID: "xai", DisplayName: "xAI", BaseURL: "https://api.x.ai/v1", Auth: AuthBearer, KeyEnvVar: "LLM_XAI_API_KEY", NativeSSE: true},
		{ID: "openrouter", DisplayName: "OpenRouter", BaseURL: "https://openrouter.ai/api/v1", Auth: AuthBearer, KeyEnvVar: "LLM_OPENROUTER_API_KEY", NativeSSE: true},
	}
}

func DefaultAliases() map[string]string {
	return map[string]string{
		"gpt-4o-latest":              "gpt-4o",
		"claude-3.5-sonnet":          "claude-3-5-sonnet",
		"claude-3-5-sonnet-20241022": "claude-3-5-sonnet",
		"gemini-flash":               "gemini-2.0-flash",
	}
}

// Prices below are USD per token (million-token list price / 1e6).
func DefaultModels() []*ModelEntry {
	perM := func(v float64) float64 { return v / 1_000_000 }
	allCaps := Capabilities{Streaming: true, Vision: true, Tools: true, ParallelToolCalls: true, JSONOutput: true}
	textCaps := Capabilities{Streaming: true, Tools: true, JSONOutput: true}

	return []*ModelEntry{
		{
			ID: "gpt-4o", DisplayName: "GPT-4o", Family: "gpt-4",
			Bindings: []ProviderBinding{
				{ProviderID: "openai", ModelName: "gpt-4o",
					Pricing:       Pricing{InputPerToken: perM(2.50), OutputPerToken: perM(10.00), CachedInputPerToken: perM(1.25)},
					ContextWindow: 128_000, MaxOutput: 16_384, Capabilities: allCaps, Stability: StabilityStable},
				{ProviderID: "azure", ModelName: "gpt-4o",
					Pricing:       Pricing{InputPerToken: perM(2.50), OutputPerToken: perM(10.00), CachedInputPerToken: perM(1.25)},
					ContextWindow: 128_000, MaxOutput: 16_384, Capabilities: allCaps, Stability: StabilityBeta},
			},
		},
		{
			ID: "gpt-4o-mini", DisplayName: "GPT-4o mini", Family: "gpt-4",
			Bindings: []ProviderBinding{
				{ProviderID: "openai", ModelName: "gpt-4o-mini",
					Pricing:       Pricing{InputPerToken: perM(0.15), OutputPerToken: perM(0.60), CachedInputPerToken: perM(0.075)},
					ContextWindow: 128_000, MaxOutput: 16_384, Capabilities: allCaps, Stability: StabilityStable},
			},
		},
		{
			ID: "claude-3-5-sonnet", DisplayName: "Claude 3.5 Sonnet", Family: "claude-3",
			Bindings: []ProviderBinding{
				{ProviderID: "anthropic", ModelName: "claude-3-5-sonnet-20241022",
					Pricing:       Pricing{InputPerToken: perM(3.00), OutputPerToken: perM(15.00), CachedInputPerToken: perM(0.30)},
					ContextWindow: 200_000, MaxOutput: 8_192, Capabilities: allCaps, Stability: StabilityStable},
				{ProviderID: "bedrock", ModelName: "anthropic.claude-3-5-sonnet-20241022-v2:0",
					Pricing:       Pricing{InputPerToken: perM(3.00), OutputPerToken: perM(15.00)},
					ContextWindow: 200_000, MaxOutput: 8_192, Capabilities: allCaps, Stability: StabilityBeta},
			},
		},
		{
			ID: "claude-3-haiku", DisplayName: "Claude 3 Haiku", Family: "claude-3",
			Bindings: []ProviderBinding{
				{ProviderID: "anthropic", ModelName: "claude-3-haiku-20240307",
					Pricing:       Pricing{InputPerToken: perM(0.25), OutputPerToken: perM(1.25)},
					ContextWindow: 200_000, MaxOutput: 4_096, Capabilities: allCaps, Stability: StabilityStable},
				{ProviderID: "bedrock", ModelName: "anthropic.claude-3-haiku-20240307-v1:0",
					Pricing:       Pricing{InputPerToken: perM(0.25), OutputPerToken: perM(1.25)},
					ContextWindow: 200_000, MaxOutput: 4_096, Capabilities: allCaps, Stability: StabilityBeta},
			},
		},
		{
			ID: "gemini-2.0-flash", DisplayName: "Gemini 2.0 Flash", Family: "gemini",
			Bindings: []ProviderBinding{
				{ProviderID: "google", ModelName: "gemini-2.0-flash",
					Pricing:       Pricing{InputPerToken: perM(0.10), OutputPerToken: perM(0.40)},
					ContextWindow: 1_000_000, MaxOutput: 8_192, Capabilities: allCaps, Stability: StabilityStable},
			},
		},
		{
			ID: "llama-3.3-70b", DisplayName: "Llama 3.3 70B Instruct", Family: "llama-3",
			Bindings: []ProviderBinding{
				{ProviderID: "groq", ModelName: "llama-3.3-70b-versatile",
					Pricing:       Pricing{InputPerToken: perM(0.59), OutputPerToken: perM(0.79)},
					ContextWindow: 128_000, MaxOutput: 32_768, Capabilities: textCaps, Stability: StabilityStable},
				{ProviderID: "together", ModelName: "meta-llama/Llama-3.3-70B-Instruct-Turbo",
					Pricing:       Pricing{InputPerToken: perM(0.88), OutputPerToken: perM(0.88)},
					ContextWindow: 128_000, MaxOutput: 4_096, Capabilities: textCaps, Stability: StabilityStable},
				{ProviderID: "inference", ModelName: "meta-llama/llama-3.3-70b-instruct/fp-16",
					Pricing:       Pricing{InputPerToken: perM(0.40), OutputPerToken: perM(0.40)},
					ContextWindow: 128_000, MaxOutput: 4_096, Capabilities: textCaps, Stability: StabilityUnstable},
			},
		},
		{
			ID: "deepseek-chat", DisplayName: "DeepSeek V3", Family: "deepseek",
			Bindings: []ProviderBinding{
				{ProviderID: "deepseek", ModelName: "deepseek-chat",
					Pricing:       Pricing{InputPerToken: perM(0.27), OutputPerToken: perM(1.10), CachedInputPerToken: perM(0.07)},
					ContextWindow: 64_000, MaxOutput: 8_192, Capabilities: textCaps, Stability: StabilityStable},
				{ProviderID: "together", ModelName: "deepseek-ai/DeepSeek-V3",
					Pricing:       Pricing{InputPerToken: perM(1.25), OutputPerToken: perM(1.25)},
					ContextWindow: 64_000, MaxOutput: 8_192, Capabilities: textCaps, Stability: StabilityBeta},
			},
		},
		{
			ID: "grok-2", DisplayName: "Grok 2", Family: "grok",
			Bindings: []ProviderBinding{
				{ProviderID: "xai", ModelName: "grok-2-latest",
					Pricing:       Pricing{InputPerToken: perM(2.00), OutputPerToken: perM(10.00)},
					ContextWindow: 131_072, MaxOutput: 8_192, Capabilities: textCaps, Stability: StabilityStable},
			},
		},
		{
			ID: "mistral-large", DisplayName: "Mistral Large", Family: "mistral",
			Bindings: []ProviderBinding{
				{ProviderID: "mistral", ModelName: "mistral-large-latest",
					Pricing:       Pricing{InputPerToken: perM(2.00), OutputPerToken: perM(6.00)},
					ContextWindow: 128_000, MaxOutput: 8_192, Capabilities: textCaps, Stability: StabilityStable},
			},
		},
	}
}

// Default builds the default catalog; panics on an inconsistent table since
// that is a programming error caught at startup.
func Default() *Catalog {
	c, err := New(DefaultModels(), DefaultAliases(), DefaultProviders())
	if err != nil {
		panic(err)
	}
	return c
}
