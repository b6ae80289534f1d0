// Package providers contains the built-in LLM provider adapters. Importing
// it registers them with the llm package registry.
package providers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/wosledon/aireview/llm"
)

// OpenAIProvider implements the OpenAI chat-completions API. It also
// serves any OpenAI-compatible endpoint reachable with bearer auth.
type OpenAIProvider struct{}

func init() {
	llm.RegisterProvider(&OpenAIProvider{})
}

// Name returns the adapter identifier.
func (o *OpenAIProvider) Name() string {
	return "openai"
}

// BuildURL constructs the chat completions endpoint.
func (o *OpenAIProvider) BuildURL(ep llm.Endpoint, _ string) string {
	baseURL := ep.BaseURL
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	baseURL = strings.TrimSuffix(baseURL, "/")

	if strings.HasSuffix(baseURL, "/chat/completions") {
		return baseURL
	}
	return baseURL + "/chat/completions"
}

// SetHeaders adds bearer authentication.
func (o *OpenAIProvider) SetHeaders(req *http.Request, ep llm.Endpoint) {
	if ep.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+ep.APIKey)
	}
}

// chatRequest is the OpenAI-compatible request format.
type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
	Stop        []string      `json:"stop,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildRequestBody creates the OpenAI-compatible request body. A System
// instruction becomes the leading system-role message.
func (o *OpenAIProvider) BuildRequestBody(model string, req llm.Request) ([]byte, error) {
	apiMessages := make([]chatMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		apiMessages = append(apiMessages, chatMessage{Role: "system", Content: req.System})
	}
	for _, msg := range req.Messages {
		apiMessages = append(apiMessages, chatMessage{Role: msg.Role, Content: msg.Content})
	}

	body := chatRequest{
		Model:       model,
		Messages:    apiMessages,
		Temperature: req.Temperature, // nil = use default, 0 = deterministic
		Stop:        req.StopSequences,
	}

	// Only set max_tokens if explicitly provided
	if req.MaxTokens > 0 {
		body.MaxTokens = &req.MaxTokens
	}

	return json.Marshal(body)
}

// chatResponse is the OpenAI-compatible response format.
type chatResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	Model   string `json:"model"`
	Choices []struct {
		Index   int `json:"index"`
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// ParseResponse extracts content and usage from an OpenAI-compatible
// response.
func (o *OpenAIProvider) ParseResponse(body []byte, model string) (*llm.Response, error) {
	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	respModel := resp.Model
	if respModel == "" {
		respModel = model
	}

	return &llm.Response{
		Text:  resp.Choices[0].Message.Content,
		Model: respModel,
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: llm.NormalizeFinishReason(resp.Choices[0].FinishReason),
	}, nil
}
