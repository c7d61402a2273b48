package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/streaming"
	"github.com/sashabaranov/go-openai"
)

// OpenAICompatibleAdapter handles any server exposing POST {endpoint}/chat/completions:
// OpenAI itself, vLLM, LM Studio, OpenRouter and the like.
type OpenAICompatibleAdapter struct{}

func (a *OpenAICompatibleAdapter) Kind() ai.ProviderKind { return ai.KindOpenAICompatible }

func (a *OpenAICompatibleAdapter) StreamFormat() streaming.Format { return streaming.FormatSSE }

// BuildRequest implements Adapter
func (a *OpenAICompatibleAdapter) BuildRequest(ctx context.Context, cfg ai.ProviderConfig, turns []ai.Turn, stream bool) (*http.Request, error) {
	payload := buildChatCompletion(cfg.Model, cfg.Sampling, turns, stream)

	req, err := newJSONRequest(ctx, joinEndpoint(cfg.Endpoint, "/chat/completions"), payload, stream)
	if err != nil {
		return nil, err
	}
	// OpenAI-style servers only understand bearer auth; local servers need none.
	if cfg.Credential != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Credential)
	}
	return req, nil
}

// ParseResponse implements Adapter
func (a *OpenAICompatibleAdapter) ParseResponse(body []byte) (string, *ai.Usage, error) {
	return parseChatCompletion("openai-compatible", body)
}

// MapStatus implements Adapter
func (a *OpenAICompatibleAdapter) MapStatus(status int, body []byte) error {
	return statusError("openai-compatible", status, body)
}

// buildChatCompletion converts turns to the OpenAI chat schema. Turns with
// attachments become multi-part content; everything else stays a plain string.
func buildChatCompletion(model string, sampling ai.SamplingParams, turns []ai.Turn, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(turns)),
		Stream:   stream,
	}

	for _, turn := range turns {
		msg := openai.ChatCompletionMessage{Role: string(turn.Role)}

		parts := imageParts(turn.Attachments)
		if len(parts) == 0 {
			msg.Content = turn.Text
		} else {
			if turn.Text != "" {
				msg.MultiContent = append(msg.MultiContent, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: turn.Text,
				})
			}
			msg.MultiContent = append(msg.MultiContent, parts...)
		}
		req.Messages = append(req.Messages, msg)
	}

	if sampling.Temperature != nil {
		req.Temperature = float32(*sampling.Temperature)
	}
	if sampling.MaxOutputTokens != nil {
		req.MaxTokens = *sampling.MaxOutputTokens
	}
	return req
}

func imageParts(refs []ai.ImageRef) []openai.ChatMessagePart {
	var parts []openai.ChatMessagePart
	for _, ref := range refs {
		// unresolved blob keys cannot be sent; the resolver drops failures before this
		uri := ref.DataURI()
		if uri == "" {
			continue
		}
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: uri, Detail: openai.ImageURLDetailAuto},
		})
	}
	return parts
}

func parseChatCompletion(provider string, body []byte) (string, *ai.Usage, error) {
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, fmt.Errorf("%w: %s sent an unparseable response: %v", ErrUpstream, provider, err)
	}
	if len(resp.Choices) == 0 {
		return "", nil, fmt.Errorf("%w: %s returned no choices", ErrUpstream, provider)
	}

	text := resp.Choices[0].Message.Content
	if text == "" {
		for _, part := range resp.Choices[0].Message.MultiContent {
			if part.Type == openai.ChatMessagePartTypeText {
				text += part.Text
			}
		}
	}

	var usage *ai.Usage
	u := resp.Usage
	if u.PromptTokens > 0 || u.CompletionTokens > 0 || u.TotalTokens > 0 {
		total := u.TotalTokens
		if total < u.PromptTokens+u.CompletionTokens {
			total = u.PromptTokens + u.CompletionTokens
		}
		usage = &ai.Usage{InputTokens: u.PromptTokens, OutputTokens: u.CompletionTokens, TotalTokens: total}
	}
	return text, usage, nil
}
