package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/neves/zen-gateway/internal/ai"
	"github.com/neves/zen-gateway/internal/streaming"
)

// AzureAdapter targets an Azure OpenAI deployment. The body is the OpenAI chat
// schema; the URL names the deployment and the auth header depends on the credential.
type AzureAdapter struct{}

func (a *AzureAdapter) Kind() ai.ProviderKind { return ai.KindAzureDeployment }

func (a *AzureAdapter) StreamFormat() streaming.Format { return streaming.FormatSSE }

// DeploymentURL builds {base}/openai/deployments/{deployment}/chat/completions?api-version={v}
func DeploymentURL(base, deployment, apiVersion string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	// people paste the resource URL with or without the /openai suffix
	base = strings.TrimSuffix(base, "/openai")
	return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
		base, url.PathEscape(deployment), url.QueryEscape(apiVersion))
}

// BuildRequest implements Adapter
func (a *AzureAdapter) BuildRequest(ctx context.Context, cfg ai.ProviderConfig, turns []ai.Turn, stream bool) (*http.Request, error) {
	// Re-checked here so a bad config never reaches the network.
	if strings.TrimSpace(cfg.Deployment) == "" {
		return nil, fmt.Errorf("%w: azure provider %q has no deployment name", ErrInvalidConfig, cfg.DisplayName())
	}
	if strings.TrimSpace(cfg.APIVersion) == "" {
		return nil, fmt.Errorf("%w: azure provider %q has no api version", ErrInvalidConfig, cfg.DisplayName())
	}

	model := cfg.Model
	if model == "" {
		model = cfg.Deployment
	}
	payload := buildChatCompletion(model, cfg.Sampling, turns, stream)

	req, err := newJSONRequest(ctx, DeploymentURL(cfg.Endpoint, cfg.Deployment, cfg.APIVersion), payload, stream)
	if err != nil {
		return nil, err
	}

	switch ClassifyCredential(cfg.Credential) {
	case CredentialBearer:
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(cfg.Credential))
	case CredentialAPIKey:
		req.Header.Set("api-key", strings.TrimSpace(cfg.Credential))
	default:
		return nil, fmt.Errorf("%w: azure provider %q has no credential", ErrInvalidConfig, cfg.DisplayName())
	}
	return req, nil
}

// ParseResponse implements Adapter
func (a *AzureAdapter) ParseResponse(body []byte) (string, *ai.Usage, error) {
	return parseChatCompletion("azure", body)
}

// MapStatus implements Adapter. 404 from Azure almost always means the
// deployment name (not the model) is wrong.
func (a *AzureAdapter) MapStatus(status int, body []byte) error {
	if status == http.StatusNotFound {
		return fmt.Errorf("%w: %s (check the deployment name in the Azure portal under Deployments and the api-version)",
			ErrDeploymentNotFound, errorMessage(body))
	}
	return statusError("azure", status, body)
}
