package providers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// Error taxonomy. Callers match with errors.Is; messages carry the detail.
var (
	// ErrConfigurationMissing means no usable provider exists. The dispatcher
	// answers with the demo responder instead of returning it.
	ErrConfigurationMissing = errors.New("no provider configured")
	ErrInvalidConfig        = errors.New("invalid provider configuration")
	ErrProviderUnreachable  = errors.New("provider unreachable")
	ErrAuthenticationFailed = errors.New("provider authentication failed")
	ErrDeploymentNotFound   = errors.New("deployment not found")
	ErrUpstream             = errors.New("provider error")
)

const maxErrorBody = 400

// statusError maps a non-2xx provider response onto the taxonomy
func statusError(provider string, status int, body []byte) error {
	msg := errorMessage(body)
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %s returned %d: %s", ErrAuthenticationFailed, provider, status, msg)
	default:
		return fmt.Errorf("%w: %s returned %d: %s", ErrUpstream, provider, status, msg)
	}
}

// errorMessage extracts a readable message from the common error envelopes:
// OpenAI/Azure {"error":{"message":...}} and Ollama {"error":"..."}.
func errorMessage(body []byte) string {
	var oai openai.ErrorResponse
	if err := json.Unmarshal(body, &oai); err == nil && oai.Error != nil && oai.Error.Message != "" {
		return oai.Error.Message
	}

	var plain struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &plain); err == nil && plain.Error != "" {
		return plain.Error
	}

	s := strings.TrimSpace(string(body))
	if s == "" {
		return "(empty body)"
	}
	runes := []rune(s)
	if len(runes) > maxErrorBody {
		return string(runes[:maxErrorBody]) + "..."
	}
	return s
}
