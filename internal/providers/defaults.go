// Package providers contains the provider adapters, their wire formats and the
// offline demo responder.
package providers

import (
	"strings"

	"github.com/neves/zen-gateway/internal/ai"
)

// ProviderDefaults contains default configuration for each provider kind.
type ProviderDefaults struct {
	Model      string // Default model
	BaseURL    string // Default API base URL
	APIVersion string // Azure only
}

// Defaults maps provider kinds to their default configuration.
var Defaults = map[ai.ProviderKind]ProviderDefaults{
	ai.KindOpenAICompatible: {
		Model:   "gpt-4o-mini",
		BaseURL: "https://api.openai.com/v1",
	},
	ai.KindOllama: {
		Model:   "llama3.2",
		BaseURL: "http://localhost:11434",
	},
	ai.KindAzureDeployment: {
		Model:      "gpt-4o",
		APIVersion: "2024-02-15-preview",
	},
}

// GetDefaultModel returns the default model for a kind.
func GetDefaultModel(kind ai.ProviderKind) string {
	return Defaults[kind].Model
}

// GetDefaultBaseURL returns the default base URL for a kind. Azure has none:
// every resource has its own host.
func GetDefaultBaseURL(kind ai.ProviderKind) string {
	return Defaults[kind].BaseURL
}

// ApplyDefaults fills blank optional fields. Used when configs are written, never
// at dispatch time, so a stored config is validated as stored.
func ApplyDefaults(cfg *ai.ProviderConfig) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = GetDefaultBaseURL(cfg.Kind)
	}
	if cfg.Model == "" {
		if cfg.Kind == ai.KindAzureDeployment && cfg.Deployment != "" {
			cfg.Model = cfg.Deployment
		} else {
			cfg.Model = GetDefaultModel(cfg.Kind)
		}
	}
	if cfg.Kind == ai.KindAzureDeployment && cfg.APIVersion == "" {
		cfg.APIVersion = Defaults[ai.KindAzureDeployment].APIVersion
	}
}

// InferKindFromEndpoint guesses the kind from an endpoint URL.
func InferKindFromEndpoint(endpoint string) ai.ProviderKind {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, ".openai.azure.com"), strings.Contains(endpoint, ".cognitiveservices.azure.com"):
		return ai.KindAzureDeployment
	case strings.Contains(endpoint, ":11434"), strings.Contains(endpoint, "ollama"):
		return ai.KindOllama
	default:
		return ai.KindOpenAICompatible
	}
}
