package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/conversation"
	"github.com/neves/zen-gateway/internal/logging"
)

// ConfigResolver finds the provider config for a request. ok=false means
// nothing is configured and the turn goes to the demo responder.
type ConfigResolver interface {
	Resolve(ctx context.Context, userID string) (*ai.ProviderConfig, bool, error)
	ResolveID(ctx context.Context, id string) (*ai.ProviderConfig, bool, error)
}

// Dispatcher sends a built conversation to a provider
type Dispatcher interface {
	Dispatch(ctx context.Context, cfg *ai.ProviderConfig, turns []ai.Turn, stream bool, sink ai.Sink) (*ai.DispatchResult, error)
}

// ImageInput is the wire form of an attachment. Exactly one of Data, Key or
// URL should be set; Data is base64.
type ImageInput struct {
	Data string `json:"data,omitempty"`
	MIME string `json:"mime,omitempty"`
	Key  string `json:"key,omitempty"`
	URL  string `json:"url,omitempty"`
}

// HistoryTurn is one earlier message of the conversation
type HistoryTurn struct {
	Role    string       `json:"role"`
	Content string       `json:"content"`
	Images  []ImageInput `json:"images,omitempty"`
}

// ChatRequest is the body of every chat endpoint
type ChatRequest struct {
	UserID         string        `json:"user_id"`
	Message        string        `json:"message"`
	History        []HistoryTurn `json:"history,omitempty"`
	Images         []ImageInput  `json:"images,omitempty"`
	ProfileContext string        `json:"profile_context,omitempty"`
	ProviderID     string        `json:"provider_id,omitempty"`
}

// ErrBadRequest wraps request shape problems
var ErrBadRequest = errors.New("bad request")

// ChatService resolves the provider, builds context and dispatches one turn
type ChatService struct {
	resolver   ConfigResolver
	builder    *conversation.Builder
	dispatcher Dispatcher
	logger     *logging.Logger
}

// NewChatService wires the pieces together. resolver may be nil, in which
// case every turn is answered in demo mode.
func NewChatService(resolver ConfigResolver, builder *conversation.Builder, dispatcher Dispatcher, logger *logging.Logger) *ChatService {
	if builder == nil {
		builder = conversation.NewBuilder("", nil)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &ChatService{resolver: resolver, builder: builder, dispatcher: dispatcher, logger: logger}
}

// Chat runs one turn. With stream set, events go to sink.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest, stream bool, sink ai.Sink) (*ai.DispatchResult, error) {
	cfg, turns, err := s.Prepare(ctx, req)
	if err != nil {
		return nil, err
	}
	return s.dispatcher.Dispatch(ctx, cfg, turns, stream, sink)
}

// Prepare resolves the config and builds the turns without dispatching
func (s *ChatService) Prepare(ctx context.Context, req ChatRequest) (*ai.ProviderConfig, []ai.Turn, error) {
	history, err := convertHistory(req.History)
	if err != nil {
		return nil, nil, err
	}
	images, err := convertImages(req.Images)
	if err != nil {
		return nil, nil, err
	}

	cfg, err := s.resolve(ctx, req)
	if err != nil {
		return nil, nil, err
	}

	creq := conversation.Request{
		ProfileContext: req.ProfileContext,
		History:        history,
		Text:           req.Message,
		Images:         images,
	}
	if cfg != nil {
		creq.SystemPrompt = cfg.SystemPrompt
		creq.SupportsVision = cfg.SupportsVision
	}

	turns, err := s.builder.Build(ctx, creq)
	if err != nil {
		return nil, nil, err
	}
	return cfg, turns, nil
}

func (s *ChatService) resolve(ctx context.Context, req ChatRequest) (*ai.ProviderConfig, error) {
	if s.resolver == nil {
		return nil, nil
	}

	var (
		cfg *ai.ProviderConfig
		ok  bool
		err error
	)
	if req.ProviderID != "" {
		cfg, ok, err = s.resolver.ResolveID(ctx, req.ProviderID)
	} else {
		cfg, ok, err = s.resolver.Resolve(ctx, req.UserID)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve provider config: %w", err)
	}
	if !ok {
		s.logger.Debug("[Chat] No usable provider for user %q, answering in demo mode", req.UserID)
		return nil, nil
	}
	return cfg, nil
}

func convertHistory(in []HistoryTurn) ([]ai.Turn, error) {
	out := make([]ai.Turn, 0, len(in))
	for i, h := range in {
		role := ai.Role(strings.ToLower(strings.TrimSpace(h.Role)))
		switch role {
		case ai.RoleUser, ai.RoleAssistant, ai.RoleSystem:
		default:
			return nil, fmt.Errorf("%w: history[%d] has unknown role %q", ErrBadRequest, i, h.Role)
		}
		images, err := convertImages(h.Images)
		if err != nil {
			return nil, fmt.Errorf("history[%d]: %w", i, err)
		}
		out = append(out, ai.Turn{Role: role, Text: h.Content, Attachments: images})
	}
	return out, nil
}

func convertImages(in []ImageInput) ([]ai.ImageRef, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]ai.ImageRef, 0, len(in))
	for i, img := range in {
		switch {
		case img.Data != "":
			out = append(out, ai.InlineImage(img.Data, img.MIME))
		case img.Key != "":
			out = append(out, ai.RemoteImage(img.Key))
		case img.URL != "":
			out = append(out, ai.URLImage(img.URL))
		default:
			return nil, fmt.Errorf("%w: image %d has no data, key or url", ErrBadRequest, i)
		}
	}
	return out, nil
}
