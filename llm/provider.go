package llm

import (
	"net/http"
	"sync"
)

// Endpoint carries the per-provider connection settings resolved from
// configuration: where to call and how to authenticate.
type Endpoint struct {
	// BaseURL is the provider's API root. Empty uses the adapter default.
	BaseURL string

	// APIKey authenticates the request. Adapters choose the header.
	APIKey string

	// APIVersion is the api-version query parameter for Azure-style
	// endpoints; other adapters ignore it.
	APIVersion string
}

// Provider defines the interface for LLM provider adapters.
type Provider interface {
	// Name returns the adapter identifier (e.g. "openai", "azure").
	Name() string

	// BuildURL constructs the full API endpoint URL for a model.
	BuildURL(ep Endpoint, model string) string

	// SetHeaders adds provider-specific headers to the request.
	SetHeaders(req *http.Request, ep Endpoint)

	// BuildRequestBody creates the JSON request body for the provider.
	BuildRequestBody(model string, req Request) ([]byte, error)

	// ParseResponse extracts the response from provider-specific JSON.
	ParseResponse(body []byte, model string) (*Response, error)
}

// providerRegistry holds registered provider adapters.
var (
	providerRegistry = make(map[string]Provider)
	providerMu       sync.RWMutex
)

// RegisterProvider adds an adapter to the registry. Adapters register
// themselves in init; import the providers package for the built-in set.
func RegisterProvider(p Provider) {
	providerMu.Lock()
	defer providerMu.Unlock()
	providerRegistry[p.Name()] = p
}

// GetProvider retrieves an adapter by name.
func GetProvider(name string) Provider {
	providerMu.RLock()
	defer providerMu.RUnlock()
	return providerRegistry[name]
}

// ListProviders returns all registered adapter names.
func ListProviders() []string {
	providerMu.RLock()
	defer providerMu.RUnlock()

	names := make([]string, 0, len(providerRegistry))
	for name := range providerRegistry {
		names = append(names, name)
	}
	return names
}
