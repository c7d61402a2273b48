package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/neves/zen-gateway/internal/conversation"
	"github.com/neves/zen-gateway/internal/logging"
	"github.com/neves/zen-gateway/internal/metrics"
	"github.com/neves/zen-gateway/internal/providers"
	"github.com/neves/zen-gateway/internal/ratelimit"
	"github.com/neves/zen-gateway/internal/tokens"
)

// UserIDHeader may carry the user id instead of the request body
const UserIDHeader = "X-User-ID"

const maxRequestBody = 16 << 20

// ServerOptions wires the HTTP surface. Only Service is required.
type ServerOptions struct {
	Service *ChatService
	Limiter *ratelimit.Limiter
	Metrics *metrics.Recorder
	Ledger  *tokens.Ledger
	Logger  *logging.Logger
}

// Server exposes the chat service over HTTP, SSE and WebSocket
type Server struct {
	service *ChatService
	limiter *ratelimit.Limiter
	metrics *metrics.Recorder
	ledger  *tokens.Ledger
	logger  *logging.Logger
	handler http.Handler
}

// NewServer builds the routes and middleware chain
func NewServer(opts ServerOptions) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.NewNop()
	}
	s := &Server{
		service: opts.Service,
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		ledger:  opts.Ledger,
		logger:  opts.Logger,
	}
	s.handler = Chain(s.routes(),
		RecoveryMiddleware(s.logger),
		RequestIDMiddleware,
		LoggingMiddleware(s.logger),
	)
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.Handle("POST /api/v1/chat", s.limited(http.HandlerFunc(s.chatHandler)))
	mux.Handle("POST /api/v1/chat/stream", s.limited(http.HandlerFunc(s.streamHandler)))
	mux.Handle("GET /api/v1/chat/ws", s.limited(http.HandlerFunc(s.wsHandler)))
	mux.HandleFunc("GET /api/v1/usage", s.usageHandler)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("GET /{$}", s.defaultHandler)
	return mux
}

func (s *Server) limited(h http.Handler) http.Handler {
	if s.limiter == nil {
		return h
	}
	return s.limiter.Middleware(rateLimitKey, h)
}

// rateLimitKey limits per user when one is named, otherwise per client address
func rateLimitKey(r *http.Request) string {
	if id := r.Header.Get(UserIDHeader); id != "" {
		return "user:" + id
	}
	if id := r.URL.Query().Get("user_id"); id != "" {
		return "user:" + id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "addr:" + host
}

// HTTP handlers
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "zen-gateway"})
}

func (s *Server) defaultHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "Zen Gateway\n")
	fmt.Fprintf(w, "Endpoints:\n")
	fmt.Fprintf(w, "  GET  /health              - Health check\n")
	fmt.Fprintf(w, "  GET  /metrics             - Prometheus metrics\n")
	fmt.Fprintf(w, "  GET  /api/v1/usage        - Token usage per provider\n")
	fmt.Fprintf(w, "  POST /api/v1/chat         - One completion as JSON\n")
	fmt.Fprintf(w, "  POST /api/v1/chat/stream - Server-sent event stream\n")
	fmt.Fprintf(w, "  GET  /api/v1/chat/ws      - WebSocket stream\n")
}

func (s *Server) usageHandler(w http.ResponseWriter, r *http.Request) {
	if s.ledger == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"providers": []tokens.ProviderUsage{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers": s.ledger.Snapshot(),
		"summary":   s.ledger.Summary(),
	})
}

func (s *Server) chatHandler(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatRequest(w, r)
	if err != nil {
		writeFailure(w, err)
		return
	}

	res, err := s.service.Chat(r.Context(), req, false, nil)
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Warn("[HTTP] chat for user %q failed: %v", req.UserID, err)
		}
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func decodeChatRequest(w http.ResponseWriter, r *http.Request) (ChatRequest, error) {
	var req ChatRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid JSON body: %v", ErrBadRequest, err)
	}
	if req.UserID == "" {
		req.UserID = r.Header.Get(UserIDHeader)
	}
	return req, nil
}

// errorBody is the JSON shape of every non-2xx response
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// statusFor maps the error taxonomy onto HTTP status and a stable code
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, ErrBadRequest):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, conversation.ErrEmptyTurn):
		return http.StatusBadRequest, "empty_message"
	case errors.Is(err, providers.ErrInvalidConfig):
		return http.StatusUnprocessableEntity, "invalid_config"
	case errors.Is(err, providers.ErrAuthenticationFailed):
		return http.StatusBadGateway, "auth_failed"
	case errors.Is(err, providers.ErrDeploymentNotFound):
		return http.StatusBadGateway, "deployment_not_found"
	case errors.Is(err, providers.ErrProviderUnreachable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "provider_unreachable"
	case errors.Is(err, providers.ErrUpstream):
		return http.StatusBadGateway, "upstream_error"
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "canceled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func writeFailure(w http.ResponseWriter, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "internal server error"
	}
	writeError(w, status, code, msg)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: strings.TrimSpace(message), Code: code})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
