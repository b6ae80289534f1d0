// Package testutil provides test doubles for the llm package.
package testutil

import (
	"context"
	"sync"

	"github.com/wosledon/aireview/llm"
)

// MockClient is a thread-safe llm.Completer for tests. It returns the
// configured responses in sequence and records every request for
// assertion.
//
// Usage:
//
//	// Single response mock
//	mock := &testutil.MockClient{
//	    Responses: []*llm.Response{
//	        {Text: `{"comments": []}`, Model: "test-model"},
//	    },
//	}
//
//	// Error response
//	mock := &testutil.MockClient{
//	    Err: errors.New("connection failed"),
//	}
//
//	// Behaviour keyed off the request
//	mock := &testutil.MockClient{
//	    CompleteFn: func(_ context.Context, req llm.Request) (*llm.Response, error) { ... },
//	}
type MockClient struct {
	mu            sync.Mutex
	requests      []llm.Request
	callCount     int
	responseIndex int

	// Responses are returned in sequence. After the last one, Complete
	// returns an empty response.
	Responses []*llm.Response

	// Err, when set, is returned from every call and takes precedence
	// over Responses.
	Err error

	// CompleteFn, when set, overrides all other behaviour.
	CompleteFn func(ctx context.Context, req llm.Request) (*llm.Response, error)
}

var _ llm.Completer = (*MockClient)(nil)

// Complete implements llm.Completer.
func (m *MockClient) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.callCount++
	fn := m.CompleteFn
	if fn == nil {
		defer m.mu.Unlock()
		if m.Err != nil {
			return nil, m.Err
		}
		if m.responseIndex < len(m.Responses) {
			resp := m.Responses[m.responseIndex]
			m.responseIndex++
			return resp, nil
		}
		return &llm.Response{Text: "", Model: "mock-model", FinishReason: llm.FinishStop}, nil
	}
	m.mu.Unlock()
	return fn(ctx, req)
}

// Requests returns a copy of every request seen so far.
func (m *MockClient) Requests() []llm.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]llm.Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// CallCount returns the number of Complete calls.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

// Reset clears recorded requests and restarts the response sequence.
func (m *MockClient) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.callCount = 0
	m.responseIndex = 0
}
