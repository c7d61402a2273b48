package ai

import (
	"fmt"
	"time"
)

// Role is the author of a conversation turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ImageKind tags the variant held by an ImageRef
type ImageKind int

const (
	ImageInline ImageKind = iota // base64 bytes + mime, ready for any adapter
	ImageRemote                  // opaque blob-store key, must be resolved first
	ImageURL                     // already reachable URL
)

// ImageRef is a tagged union over the ways an attachment can be referenced.
// Only the fields of the active Kind are meaningful.
type ImageRef struct {
	Kind ImageKind `json:"kind"`
	Data string    `json:"data,omitempty"` // base64, ImageInline
	MIME string    `json:"mime,omitempty"` // ImageInline
	Key  string    `json:"key,omitempty"`  // ImageRemote
	URL  string    `json:"url,omitempty"`  // ImageURL
}

// InlineImage builds an inline image reference
func InlineImage(base64Data, mime string) ImageRef {
	return ImageRef{Kind: ImageInline, Data: base64Data, MIME: mime}
}

// RemoteImage builds a reference to a blob-store object
func RemoteImage(key string) ImageRef {
	return ImageRef{Kind: ImageRemote, Key: key}
}

// URLImage builds a reference to a publicly reachable image
func URLImage(url string) ImageRef {
	return ImageRef{Kind: ImageURL, URL: url}
}

// DataURI renders an inline image as a data URI. Other kinds return their URL (or "").
func (r ImageRef) DataURI() string {
	switch r.Kind {
	case ImageInline:
		mime := r.MIME
		if mime == "" {
			mime = "image/png"
		}
		return fmt.Sprintf("data:%s;base64,%s", mime, r.Data)
	case ImageURL:
		return r.URL
	default:
		return ""
	}
}

// Turn is one message of the conversation sent to a provider
type Turn struct {
	Role        Role       `json:"role"`
	Text        string     `json:"text"`
	Attachments []ImageRef `json:"attachments,omitempty"`
}

// EventKind is the type of a normalized stream event
type EventKind int

const (
	EventDelta EventKind = iota
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventDelta:
		return "delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// StreamEvent is the provider-independent unit of a streamed reply.
// A well-formed sequence is zero or more deltas followed by exactly one Done or Error.
type StreamEvent struct {
	Kind  EventKind
	Text  string // EventDelta
	Error string // EventError
	Usage *Usage // EventDone, when known
}

// Delta builds a text fragment event
func Delta(text string) StreamEvent {
	return StreamEvent{Kind: EventDelta, Text: text}
}

// Done builds the successful terminal event
func Done(usage *Usage) StreamEvent {
	return StreamEvent{Kind: EventDone, Usage: usage}
}

// Failure builds the error terminal event
func Failure(message string) StreamEvent {
	return StreamEvent{Kind: EventError, Error: message}
}

// Terminal reports whether no event may follow e
func (e StreamEvent) Terminal() bool {
	return e.Kind == EventDone || e.Kind == EventError
}

// Sink receives stream events in order. Returning an error tells the producer
// the consumer is gone and the upstream call should be abandoned.
type Sink func(StreamEvent) error

// Usage is token accounting for one dispatch
type Usage struct {
	InputTokens  int  `json:"input_tokens"`
	OutputTokens int  `json:"output_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	Estimated    bool `json:"estimated"`
}

// DispatchResult is the normalized outcome of a dispatch
type DispatchResult struct {
	Text         string        `json:"text"`
	Usage        *Usage        `json:"usage,omitempty"`
	Kind         ProviderKind  `json:"provider_kind"`
	ProviderID   string        `json:"provider_id"`
	ProviderName string        `json:"provider_name"`
	Model        string        `json:"model,omitempty"`
	Demo         bool          `json:"demo"`
	Latency      time.Duration `json:"latency_ns"`
}
