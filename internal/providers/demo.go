package providers

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"time"

	"github.com/neves/zen-gateway/internal/ai"
)

// DefaultWordDelay paces the demo stream so it looks like generation
const DefaultWordDelay = 30 * time.Millisecond

var demoTemplates = []string{
	"This is a demo reply to \"%s\". No language model provider is configured, so the gateway answered offline.",
	"You said: \"%s\". Add a provider in the admin settings to get real model answers.",
	"Demo mode is active. Your message \"%s\" was received, but no model backend is available right now.",
}

// DemoResponder answers without network or credentials. The same input always
// picks the same template.
type DemoResponder struct {
	wordDelay time.Duration
}

// NewDemoResponder creates a responder; a negative delay means DefaultWordDelay
func NewDemoResponder(wordDelay time.Duration) *DemoResponder {
	if wordDelay < 0 {
		wordDelay = DefaultWordDelay
	}
	return &DemoResponder{wordDelay: wordDelay}
}

// Templates returns the canned templates, each with one %s for the input
func Templates() []string {
	out := make([]string, len(demoTemplates))
	copy(out, demoTemplates)
	return out
}

// Respond returns the full canned reply for input
func (d *DemoResponder) Respond(input string) string {
	h := fnv.New32a()
	h.Write([]byte(input))
	tpl := demoTemplates[int(h.Sum32()%uint32(len(demoTemplates)))]
	// word-normalized so that streamed and buffered replies are byte-identical
	return strings.Join(strings.Fields(fmt.Sprintf(tpl, input)), " ")
}

// Stream emits the reply one word per Delta, then Done. It returns the full text.
// Done carries no usage; the dispatcher fills in the estimate.
// If ctx ends or the sink fails mid-way, the partial text and the error are returned.
func (d *DemoResponder) Stream(ctx context.Context, input string, sink ai.Sink) (string, error) {
	words := strings.Fields(d.Respond(input))

	var sent strings.Builder
	for i, word := range words {
		if i > 0 {
			word = " " + word
			if d.wordDelay > 0 {
				select {
				case <-ctx.Done():
					return sent.String(), ctx.Err()
				case <-time.After(d.wordDelay):
				}
			}
		}
		if err := sink(ai.Delta(word)); err != nil {
			return sent.String(), err
		}
		sent.WriteString(word)
	}

	if err := sink(ai.Done(nil)); err != nil {
		return sent.String(), err
	}
	return sent.String(), nil
}
