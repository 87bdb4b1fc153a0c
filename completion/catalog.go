package completion

// ModelInfo describes a model the client knows how to budget for.
type ModelInfo struct {
	ID            string   `json:"id"`
	Provider      string   `json:"provider"`
	DisplayName   string   `json:"display_name"`
	ContextWindow int      `json:"context_window"`
	MaxOutput     int      `json:"max_output"`
	Aliases       []string `json:"aliases,omitempty"`
}

// Models is the built-in catalog, newest first within each provider.
var Models = []ModelInfo{
	{
		ID: "claude-sonnet-4-5", Provider: "anthropic", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200000, MaxOutput: 16384,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-haiku-4-5", Provider: "anthropic", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200000, MaxOutput: 8192,
		Aliases: []string{"haiku", "claude-haiku"},
	},
	{
		ID: "gpt-4o", Provider: "openai", DisplayName: "GPT-4o",
		ContextWindow: 128000, MaxOutput: 16384,
	},
	{
		ID: "gpt-4o-mini", Provider: "openai", DisplayName: "GPT-4o mini",
		ContextWindow: 128000, MaxOutput: 16384,
		Aliases: []string{"mini"},
	},
	{
		ID: "llama3.1", Provider: "ollama", DisplayName: "Llama 3.1 (local)",
		ContextWindow: 8192, MaxOutput: 2048,
		Aliases: []string{"llama3"},
	},
}

// GetModelInfo returns the catalog entry for a model ID or alias, or nil.
func GetModelInfo(modelID string) *ModelInfo {
	for i := range Models {
		if Models[i].ID == modelID {
			return &Models[i]
		}
		for _, alias := range Models[i].Aliases {
			if alias == modelID {
				return &Models[i]
			}
		}
	}
	return nil
}

// ListModels returns known models, optionally filtered by provider.
func ListModels(provider string) []ModelInfo {
	var result []ModelInfo
	for _, m := range Models {
		if provider == "" || m.Provider == provider {
			result = append(result, m)
		}
	}
	return result
}

// DefaultModel returns the first catalog model for provider, or nil.
func DefaultModel(provider string) *ModelInfo {
	for i := range Models {
		if Models[i].Provider == provider {
			return &Models[i]
		}
	}
	return nil
}

// ContextWindow returns the model's context window in tokens, or fallback
// when the model is not in the catalog.
func ContextWindow(modelID string, fallback int) int {
	if info := GetModelInfo(modelID); info != nil {
		return info.ContextWindow
	}
	return fallback
}
