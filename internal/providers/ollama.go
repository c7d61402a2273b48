package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/streaming"
)

// OllamaAdapter talks to an Ollama server's /api/chat
type OllamaAdapter struct{}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"` // raw base64, no data: prefix
}

type ollamaOptions struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	NumPredict    *int     `json:"num_predict,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  *ollamaOptions  `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

func (a *OllamaAdapter) Kind() ai.ProviderKind { return ai.KindOllama }

func (a *OllamaAdapter) StreamFormat() streaming.Format { return streaming.FormatNDJSON }

// BuildRequest implements Adapter
func (a *OllamaAdapter) BuildRequest(ctx context.Context, cfg ai.ProviderConfig, turns []ai.Turn, stream bool) (*http.Request, error) {
	payload := ollamaChatRequest{
		Model:    cfg.Model,
		Messages: make([]ollamaMessage, 0, len(turns)),
		Stream:   stream,
	}

	for _, turn := range turns {
		msg := ollamaMessage{Role: string(turn.Role), Content: turn.Text}
		for _, ref := range turn.Attachments {
			// Ollama only accepts raw bytes; URL and unresolved refs are skipped.
			if ref.Kind == ai.ImageInline && ref.Data != "" {
				msg.Images = append(msg.Images, ref.Data)
			}
		}
		payload.Messages = append(payload.Messages, msg)
	}

	s := cfg.Sampling
	if s.Temperature != nil || s.MaxOutputTokens != nil || s.RepetitionPenalty != nil {
		payload.Options = &ollamaOptions{
			Temperature:   s.Temperature,
			NumPredict:    s.MaxOutputTokens,
			RepeatPenalty: s.RepetitionPenalty,
		}
	}

	req, err := newJSONRequest(ctx, joinEndpoint(cfg.Endpoint, "/api/chat"), payload, stream)
	if err != nil {
		return nil, err
	}
	// Plain Ollama has no auth; reverse proxies in front of it usually want a bearer.
	if cfg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Credential)
	}
	return req, nil
}

// ParseResponse implements Adapter. Ollama's usage counters are not trusted;
// usage is always estimated for this kind.
func (a *OllamaAdapter) ParseResponse(body []byte) (string, *ai.Usage, error) {
	var resp ollamaChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, fmt.Errorf("%w: ollama sent an unparseable response: %v", ErrUpstream, err)
	}
	if resp.Error != "" {
		return "", nil, fmt.Errorf("%w: ollama: %s", ErrUpstream, resp.Error)
	}
	return resp.Message.Content, nil, nil
}

// MapStatus implements Adapter
func (a *OllamaAdapter) MapStatus(status int, body []byte) error {
	return statusError("ollama", status, body)
}
