package ai

import (
	"fmt"
	"strings"
)

// ProviderKind selects the wire protocol used to reach a provider
type ProviderKind string

const (
	KindOpenAICompatible ProviderKind = "openai"
	KindOllama           ProviderKind = "ollama"
	KindAzureDeployment  ProviderKind = "azure"
	// KindDemo marks results produced by the offline responder; never stored.
	KindDemo ProviderKind = "demo"
)

// ProviderKinds lists the storable kinds
var ProviderKinds = []ProviderKind{KindOpenAICompatible, KindOllama, KindAzureDeployment}

// ParseProviderKind accepts the canonical names plus a few common aliases
func ParseProviderKind(s string) (ProviderKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "openai", "openai-compatible", "openai_compatible":
		return KindOpenAICompatible, nil
	case "ollama":
		return KindOllama, nil
	case "azure", "azure-openai", "azure_openai":
		return KindAzureDeployment, nil
	default:
		return "", fmt.Errorf("unknown provider kind %q (want openai, ollama or azure)", s)
	}
}

// Valid reports whether k is a storable kind
func (k ProviderKind) Valid() bool {
	for _, known := range ProviderKinds {
		if k == known {
			return true
		}
	}
	return false
}

// SamplingParams holds optional generation settings. Nil means "provider default".
type SamplingParams struct {
	Temperature       *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxOutputTokens   *int     `json:"max_output_tokens,omitempty" yaml:"max_output_tokens,omitempty"`
	RepetitionPenalty *float64 `json:"repetition_penalty,omitempty" yaml:"repetition_penalty,omitempty"`
}

// ProviderConfig is one stored provider entry
type ProviderConfig struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Kind           ProviderKind   `json:"kind"`
	Endpoint       string         `json:"endpoint"`
	Credential     string         `json:"-"`
	Model          string         `json:"model"`
	Deployment     string         `json:"deployment,omitempty"`
	APIVersion     string         `json:"api_version,omitempty"`
	Sampling       SamplingParams `json:"sampling"`
	SystemPrompt   string         `json:"system_prompt,omitempty"`
	SupportsVision bool           `json:"supports_vision"`
	Enabled        bool           `json:"enabled"`
	IsDefault      bool           `json:"is_default"`
}

// DisplayName falls back to the model when no name was given
func (c ProviderConfig) DisplayName() string {
	if c.Name != "" {
		return c.Name
	}
	if c.Model != "" {
		return c.Model
	}
	return string(c.Kind)
}
