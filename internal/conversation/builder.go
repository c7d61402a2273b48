// Package conversation assembles the ordered turn list sent to a provider.
package conversation

import (
	"context"
	"errors"
	"strings"

	"github.com/neves/zen-gateway/internal/ai"
)

// DefaultSystemPrompt is used when neither the request nor the config sets one
const DefaultSystemPrompt = "You are a helpful assistant."

const profilePrefix = "The user has shared the following context about themselves: "

// ErrEmptyTurn is returned for a new turn with no text and no images
var ErrEmptyTurn = errors.New("message must contain text or at least one image")

// ImageResolver resolves a turn's attachments; failures are dropped by the resolver
type ImageResolver interface {
	ResolveAll(ctx context.Context, refs []ai.ImageRef, visionRequired bool) []ai.ImageRef
}

// Request is everything needed to build one dispatch's context
type Request struct {
	SystemPrompt   string // overrides the builder default when set
	ProfileContext string
	History        []ai.Turn
	Text           string
	Images         []ai.ImageRef
	SupportsVision bool
}

// Builder builds conversation context
type Builder struct {
	defaultPrompt string
	resolver      ImageResolver
}

// NewBuilder creates a builder. An empty prompt uses DefaultSystemPrompt; a nil
// resolver passes attachments through unchanged.
func NewBuilder(defaultPrompt string, resolver ImageResolver) *Builder {
	if strings.TrimSpace(defaultPrompt) == "" {
		defaultPrompt = DefaultSystemPrompt
	}
	return &Builder{defaultPrompt: defaultPrompt, resolver: resolver}
}

// SystemPrompt returns the leading system text for req
func (b *Builder) SystemPrompt(req Request) string {
	prompt := strings.TrimSpace(req.SystemPrompt)
	if prompt == "" {
		prompt = b.defaultPrompt
	}
	if profile := strings.TrimSpace(req.ProfileContext); profile != "" {
		prompt += "\n\n" + profilePrefix + profile
	}
	return prompt
}

// Build returns exactly one system turn, then the history in order, then the
// new user turn. System turns carried in the history are dropped so the
// leading prompt stays the only one. Without vision support every attachment
// is stripped, and a blank turn left with no attachments after that is
// rejected with ErrEmptyTurn. The caller's slices are never modified.
func (b *Builder) Build(ctx context.Context, req Request) ([]ai.Turn, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return nil, ErrEmptyTurn
	}

	turns := make([]ai.Turn, 0, len(req.History)+2)
	turns = append(turns, ai.Turn{Role: ai.RoleSystem, Text: b.SystemPrompt(req)})

	for _, h := range req.History {
		if h.Role == ai.RoleSystem {
			continue
		}
		turn := ai.Turn{Role: h.Role, Text: h.Text}
		if req.SupportsVision && len(h.Attachments) > 0 {
			turn.Attachments = b.resolve(ctx, h.Attachments)
		}
		turns = append(turns, turn)
	}

	next := ai.Turn{Role: ai.RoleUser, Text: req.Text}
	if req.SupportsVision && len(req.Images) > 0 {
		next.Attachments = b.resolve(ctx, req.Images)
	}
	if strings.TrimSpace(next.Text) == "" && len(next.Attachments) == 0 {
		return nil, ErrEmptyTurn
	}
	turns = append(turns, next)

	return turns, nil
}

func (b *Builder) resolve(ctx context.Context, refs []ai.ImageRef) []ai.ImageRef {
	if b.resolver == nil {
		out := make([]ai.ImageRef, len(refs))
		copy(out, refs)
		return out
	}
	return b.resolver.ResolveAll(ctx, refs, true)
}
