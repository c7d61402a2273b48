// Package streaming turns raw provider stream bodies into normalized events.
package streaming

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/tidwall/gjson"
)

// Format is the framing of a provider stream
type Format int

const (
	FormatSSE    Format = iota // OpenAI / Azure: "data: {json}" lines, "data: [DONE]"
	FormatNDJSON               // Ollama: one JSON object per line, terminal has done:true
)

func (f Format) String() string {
	if f == FormatNDJSON {
		return "ndjson"
	}
	return "sse"
}

const maxLineSize = 1 << 20

// ErrIdle is reported in-band when no line arrived within the idle bound
var ErrIdle = errors.New("stream idle timeout")

// Normalize reads body in a goroutine and returns the event channel. The channel
// carries zero or more deltas and then exactly one Done or Error, and is closed after
// it. If ctx is cancelled the body is closed and the channel is closed without a
// terminal event, since nobody is listening anymore.
//
// idle bounds the gap between two lines; zero disables the watchdog.
func Normalize(ctx context.Context, body io.ReadCloser, format Format, idle time.Duration) <-chan ai.StreamEvent {
	out := make(chan ai.StreamEvent)

	go func() {
		defer close(out)
		defer body.Close()

		var idleFired atomic.Bool
		var watchdog *time.Timer
		if idle > 0 {
			watchdog = time.AfterFunc(idle, func() {
				idleFired.Store(true)
				body.Close()
			})
			defer watchdog.Stop()
		}
		stop := context.AfterFunc(ctx, func() { body.Close() })
		defer stop()

		emit := func(ev ai.StreamEvent) bool {
			select {
			case out <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		p := &parser{format: format}
		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

		for scanner.Scan() {
			// a slow consumer must not count as provider idleness
			if watchdog != nil {
				watchdog.Stop()
			}
			for _, ev := range p.parseLine(scanner.Bytes()) {
				if !emit(ev) {
					return
				}
				if ev.Terminal() {
					return
				}
			}
			if watchdog != nil {
				watchdog.Reset(idle)
			}
		}

		if ctx.Err() != nil {
			return
		}
		if idleFired.Load() {
			emit(ai.Failure(fmt.Sprintf("%v after %s", ErrIdle, idle)))
			return
		}
		if err := scanner.Err(); err != nil {
			emit(ai.Failure(fmt.Sprintf("stream read: %v", err)))
			return
		}

		// Body ended without an explicit terminal: close out with what we have.
		emit(ai.Done(p.usage))
	}()

	return out
}

// Collect drains ch and returns the concatenated delta text and every event seen
func Collect(ch <-chan ai.StreamEvent) (string, []ai.StreamEvent) {
	var text strings.Builder
	var events []ai.StreamEvent
	for ev := range ch {
		if ev.Kind == ai.EventDelta {
			text.WriteString(ev.Text)
		}
		events = append(events, ev)
	}
	return text.String(), events
}

// parser holds per-stream state across lines
type parser struct {
	format Format
	usage  *ai.Usage
}

func (p *parser) parseLine(line []byte) []ai.StreamEvent {
	line = bytes.TrimRight(line, "\r")
	if p.format == FormatNDJSON {
		return p.parseNDJSON(line)
	}
	return p.parseSSE(line)
}

func (p *parser) parseSSE(line []byte) []ai.StreamEvent {
	if !bytes.HasPrefix(line, []byte("data:")) {
		// comments, event:, id:, blank separators
		return nil
	}
	data := bytes.TrimSpace(line[len("data:"):])
	if string(data) == "[DONE]" {
		return []ai.StreamEvent{ai.Done(p.usage)}
	}
	if !gjson.ValidBytes(data) {
		return nil
	}

	payload := gjson.ParseBytes(data)
	if msg := payload.Get("error.message"); msg.Exists() {
		return []ai.StreamEvent{ai.Failure(msg.String())}
	}
	if u := payload.Get("usage"); u.IsObject() {
		p.usage = usageFrom(u.Get("prompt_tokens").Int(), u.Get("completion_tokens").Int(), u.Get("total_tokens").Int())
	}

	content := payload.Get("choices.0.delta.content").String()
	if content == "" {
		return nil
	}
	return []ai.StreamEvent{ai.Delta(content)}
}

func (p *parser) parseNDJSON(line []byte) []ai.StreamEvent {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || !gjson.ValidBytes(line) {
		return nil
	}

	obj := gjson.ParseBytes(line)
	if msg := obj.Get("error"); msg.Exists() && msg.String() != "" {
		return []ai.StreamEvent{ai.Failure(msg.String())}
	}

	var events []ai.StreamEvent
	if content := obj.Get("message.content").String(); content != "" {
		events = append(events, ai.Delta(content))
	}
	if obj.Get("done").Bool() {
		events = append(events, ai.Done(nil))
	}
	return events
}

func usageFrom(input, output, total int64) *ai.Usage {
	if input < 0 {
		input = 0
	}
	if output < 0 {
		output = 0
	}
	if total < input+output {
		total = input + output
	}
	return &ai.Usage{InputTokens: int(input), OutputTokens: int(output), TotalTokens: int(total)}
}
