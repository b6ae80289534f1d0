package providers

import (
	"strings"

	"github.com/wosledon/aireview/llm"
)

// DeepSeekProvider implements the DeepSeek API, which follows the
// OpenAI-compatible chat-completions protocol with bearer auth.
type DeepSeekProvider struct {
	OpenAIProvider // Embed for shared request/response format and auth
}

func init() {
	llm.RegisterProvider(&DeepSeekProvider{})
}

// Name returns the adapter identifier.
func (d *DeepSeekProvider) Name() string {
	return "deepseek"
}

// BuildURL constructs the chat completions endpoint.
func (d *DeepSeekProvider) BuildURL(ep llm.Endpoint, _ string) string {
	baseURL := ep.BaseURL
	if baseURL == "" {
		baseURL = "https://api.deepseek.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}
