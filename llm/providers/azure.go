package providers

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/wosledon/aireview/llm"
)

// defaultAzureAPIVersion is used when the endpoint does not pin one.
const defaultAzureAPIVersion = "2024-02-01"

// AzureProvider implements the Azure OpenAI service. The wire format is
// OpenAI-compatible; only the URL scheme (deployment-name paths plus an
// api-version query) and the auth header differ.
type AzureProvider struct {
	OpenAIProvider // Embed for shared request/response format
}

func init() {
	llm.RegisterProvider(&AzureProvider{})
}

// Name returns the adapter identifier.
func (a *AzureProvider) Name() string {
	return "azure"
}

// BuildURL constructs the deployment-scoped chat completions endpoint. The
// model name doubles as the Azure deployment name.
func (a *AzureProvider) BuildURL(ep llm.Endpoint, model string) string {
	baseURL := strings.TrimSuffix(ep.BaseURL, "/")

	apiVersion := ep.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAzureAPIVersion
	}

	return baseURL + "/openai/deployments/" + url.PathEscape(model) +
		"/chat/completions?api-version=" + url.QueryEscape(apiVersion)
}

// SetHeaders adds the Azure api-key header.
func (a *AzureProvider) SetHeaders(req *http.Request, ep llm.Endpoint) {
	if ep.APIKey != "" {
		req.Header.Set("api-key", ep.APIKey)
	}
}
