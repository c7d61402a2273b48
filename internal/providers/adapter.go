package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/streaming"
)

// Adapter speaks one provider wire protocol. Adapters are stateless; all
// per-call input comes from the config and turns.
type Adapter interface {
	Kind() ai.ProviderKind

	// BuildRequest returns a ready-to-send request. It does no I/O.
	BuildRequest(ctx context.Context, cfg ai.ProviderConfig, turns []ai.Turn, stream bool) (*http.Request, error)

	// ParseResponse reads a buffered (non-streaming) 2xx body. Usage is nil when
	// the provider did not report it.
	ParseResponse(body []byte) (string, *ai.Usage, error)

	// StreamFormat is the framing of this provider's streaming body
	StreamFormat() streaming.Format

	// MapStatus converts a non-2xx response into the error taxonomy
	MapStatus(status int, body []byte) error
}

// ForKind returns the adapter for kind. This is the only place that branches on kind.
func ForKind(kind ai.ProviderKind) (Adapter, error) {
	switch kind {
	case ai.KindOpenAICompatible:
		return &OpenAICompatibleAdapter{}, nil
	case ai.KindOllama:
		return &OllamaAdapter{}, nil
	case ai.KindAzureDeployment:
		return &AzureAdapter{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider kind %q", ErrInvalidConfig, kind)
	}
}

// Usable reports whether cfg can be dispatched at all. A nil, disabled, or
// endpoint-less config (or an Azure config without its required credential)
// counts as "not configured" and goes to the demo responder.
func Usable(cfg *ai.ProviderConfig) bool {
	if cfg == nil || !cfg.Enabled {
		return false
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return false
	}
	if cfg.Kind == ai.KindAzureDeployment && strings.TrimSpace(cfg.Credential) == "" {
		return false
	}
	return true
}

// Validate checks the kind-specific required fields
func Validate(cfg ai.ProviderConfig) error {
	if !cfg.Kind.Valid() {
		return fmt.Errorf("%w: unknown provider kind %q", ErrInvalidConfig, cfg.Kind)
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return fmt.Errorf("%w: %s provider %q has no endpoint", ErrInvalidConfig, cfg.Kind, cfg.DisplayName())
	}
	if !strings.HasPrefix(cfg.Endpoint, "http://") && !strings.HasPrefix(cfg.Endpoint, "https://") {
		return fmt.Errorf("%w: endpoint %q must start with http:// or https://", ErrInvalidConfig, cfg.Endpoint)
	}

	switch cfg.Kind {
	case ai.KindOpenAICompatible, ai.KindOllama:
		if strings.TrimSpace(cfg.Model) == "" {
			return fmt.Errorf("%w: %s provider %q has no model", ErrInvalidConfig, cfg.Kind, cfg.DisplayName())
		}
	case ai.KindAzureDeployment:
		if strings.TrimSpace(cfg.Deployment) == "" {
			return fmt.Errorf("%w: azure provider %q has no deployment name", ErrInvalidConfig, cfg.DisplayName())
		}
		if strings.TrimSpace(cfg.APIVersion) == "" {
			return fmt.Errorf("%w: azure provider %q has no api version", ErrInvalidConfig, cfg.DisplayName())
		}
		if strings.TrimSpace(cfg.Credential) == "" {
			return fmt.Errorf("%w: azure provider %q has no credential", ErrInvalidConfig, cfg.DisplayName())
		}
	}

	s := cfg.Sampling
	if s.Temperature != nil && (*s.Temperature < 0 || *s.Temperature > 2) {
		return fmt.Errorf("%w: temperature %.2f out of range [0,2]", ErrInvalidConfig, *s.Temperature)
	}
	if s.MaxOutputTokens != nil && *s.MaxOutputTokens <= 0 {
		return fmt.Errorf("%w: max output tokens must be positive", ErrInvalidConfig)
	}
	if s.RepetitionPenalty != nil && *s.RepetitionPenalty <= 0 {
		return fmt.Errorf("%w: repetition penalty must be positive", ErrInvalidConfig)
	}
	return nil
}

func newJSONRequest(ctx context.Context, url string, payload interface{}, stream bool) (*http.Request, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if stream {
		req.Header.Set("Accept", "text/event-stream, application/x-ndjson")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	return req, nil
}

// joinEndpoint appends path to base, tolerating a trailing slash or a base that
// already ends with path.
func joinEndpoint(base, path string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	base = strings.TrimSuffix(base, path)
	return base + path
}
