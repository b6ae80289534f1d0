package providers

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wosledon/aireview/llm"
)

func TestAzureBuildURL(t *testing.T) {
	p := &AzureProvider{}

	tests := []struct {
		name       string
		endpoint   llm.Endpoint
		deployment string
		want       string
	}{
		{
			name:       "pinned api version",
			endpoint:   llm.Endpoint{BaseURL: "https://acme.openai.azure.com", APIVersion: "2024-06-01"},
			deployment: "gpt-4o",
			want:       "https://acme.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-06-01",
		},
		{
			name:       "default api version",
			endpoint:   llm.Endpoint{BaseURL: "https://acme.openai.azure.com"},
			deployment: "gpt-35-turbo",
			want:       "https://acme.openai.azure.com/openai/deployments/gpt-35-turbo/chat/completions?api-version=" + defaultAzureAPIVersion,
		},
		{
			name:       "trailing slash",
			endpoint:   llm.Endpoint{BaseURL: "https://acme.openai.azure.com/", APIVersion: "2024-06-01"},
			deployment: "gpt-4o",
			want:       "https://acme.openai.azure.com/openai/deployments/gpt-4o/chat/completions?api-version=2024-06-01",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.BuildURL(tt.endpoint, tt.deployment)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAzureSetHeaders(t *testing.T) {
	p := &AzureProvider{}

	req, err := http.NewRequest(http.MethodPost, "https://acme.openai.azure.com", nil)
	require.NoError(t, err)

	p.SetHeaders(req, llm.Endpoint{APIKey: "azure-key"})
	assert.Equal(t, "azure-key", req.Header.Get("api-key"))
	assert.Empty(t, req.Header.Get("Authorization"), "Azure auth is not bearer")
}

func TestAzureSharesOpenAIWireFormat(t *testing.T) {
	p := &AzureProvider{}

	body, err := p.BuildRequestBody("gpt-4o", llm.Request{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(body), `"messages"`)

	resp, err := p.ParseResponse([]byte(
		`{"model":"gpt-4o","choices":[{"message":{"content":"hello"},"finish_reason":"stop"}]}`,
	), "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Text)
}
