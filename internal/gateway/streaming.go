package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/neves/zen-gateway/internal/ai"
)

// StreamResponse is one downstream frame, shared by SSE and WebSocket
type StreamResponse struct {
	Type    string    `json:"type,omitempty"` // control frames only (pong, cancelled)
	ID      string    `json:"id,omitempty"`
	Content string    `json:"content"`
	Done    bool      `json:"done"`
	Error   string    `json:"error,omitempty"`
	Usage   *ai.Usage `json:"usage,omitempty"`
}

// frameFor converts a normalized event into its downstream frame
func frameFor(id string, ev ai.StreamEvent) StreamResponse {
	switch ev.Kind {
	case ai.EventDelta:
		return StreamResponse{ID: id, Content: ev.Text}
	case ai.EventDone:
		return StreamResponse{ID: id, Done: true, Usage: ev.Usage}
	default:
		return StreamResponse{ID: id, Done: true, Error: ev.Error}
	}
}

// sseWriter writes frames as `data: {...}\n\n` and flushes after each one
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sseWriter{w: w, flusher: f}, true
}

func (s *sseWriter) send(frame StreamResponse) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *Server) streamHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	// Resolution and context errors still get a plain status code; once the
	// stream is open every failure is reported in-band.
	ctx := r.Context()
	cfg, turns, err := s.service.Prepare(ctx, req)
	if err != nil {
		writeFailure(w, err)
		return
	}

	sse, ok := newSSEWriter(w)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	_, err = s.service.dispatcher.Dispatch(ctx, cfg, turns, true, func(ev ai.StreamEvent) error {
		if err := sse.send(frameFor("", ev)); err != nil {
			return err
		}
		return ctx.Err()
	})
	if err != nil && ctx.Err() == nil {
		s.logger.Debug("[SSE] stream for user %q ended with error: %v", req.UserID, err)
	}
}
