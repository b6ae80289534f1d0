package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFixture(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
		t.Fatalf("write fixture %s: %v", name, err)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func postChat(t *testing.T, srv *httptest.Server, system, user string) (*http.Response, chatResponse) {
	t.Helper()
	body, _ := json.Marshal(chatRequest{
		Model: "gpt-4o-mini",
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	})
	resp, err := srv.Client().Post(srv.URL+"/v1/chat/completions", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("post completion: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	var decoded chatResponse
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode response: %v", err)
		}
	}
	return resp, decoded
}

func TestLoadFixtures_BaseOnly(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "review.json", `{"comments":[]}`)
	writeFixture(t, dir, "risk.json", `{"overallRiskScore":10}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	if len(fixtures) != 2 {
		t.Fatalf("expected 2 operations, got %d", len(fixtures))
	}
	for op, seq := range fixtures {
		if len(seq) != 1 {
			t.Errorf("operation %q: expected 1 fixture, got %d", op, len(seq))
		}
	}
}

func TestLoadFixtures_Sequential(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "review.1.json", `{"comments":[{"content":"first chunk"}]}`)
	writeFixture(t, dir, "review.2.json", `{"comments":[{"content":"second chunk"}]}`)
	writeFixture(t, dir, "review.json", `{"comments":[{"content":"repeat"}]}`)
	writeFixture(t, dir, "summary.json", `{"changeType":"fix"}`)

	fixtures, err := loadFixtures(dir)
	if err != nil {
		t.Fatalf("loadFixtures: %v", err)
	}

	seq := fixtures["review"]
	if len(seq) != 3 {
		t.Fatalf("review: expected 3 fixtures, got %d", len(seq))
	}
	if !strings.Contains(seq[0], "first chunk") {
		t.Errorf("fixture[0] should be first chunk, got: %s", seq[0])
	}
	if !strings.Contains(seq[1], "second chunk") {
		t.Errorf("fixture[1] should be second chunk, got: %s", seq[1])
	}
	if !strings.Contains(seq[2], "repeat") {
		t.Errorf("fixture[2] should be the base file, got: %s", seq[2])
	}

	if len(fixtures["summary"]) != 1 {
		t.Fatalf("summary: expected 1 fixture, got %d", len(fixtures["summary"]))
	}
}

func TestLoadFixtures_UnknownOperation(t *testing.T) {
	dir := t.TempDir()
	writeFixture(t, dir, "planner.json", `{"goal":"nope"}`)

	if _, err := loadFixtures(dir); err == nil {
		t.Fatal("expected error for fixture naming an unknown operation")
	}
}

func TestDetectOperation(t *testing.T) {
	tests := []struct {
		name     string
		messages []chatMessage
		want     string
	}{
		{
			name:     "review marker in system prompt",
			messages: []chatMessage{{Role: "system", Content: "Respond with Schema review/v1: ..."}},
			want:     "review",
		},
		{
			name:     "risk marker",
			messages: []chatMessage{{Role: "system", Content: "Schema risk/v1: {...}"}},
			want:     "risk",
		},
		{
			name:     "improvements marker",
			messages: []chatMessage{{Role: "system", Content: "Schema improvements/v1: {...}"}},
			want:     "improvements",
		},
		{
			name:     "summary marker",
			messages: []chatMessage{{Role: "system", Content: "Schema summary/v1: {...}"}},
			want:     "summary",
		},
		{
			name: "marker moved into user message",
			messages: []chatMessage{
				{Role: "system", Content: "You are a reviewer."},
				{Role: "user", Content: "Use summary/v1 for the shape.\n\ndiff here"},
			},
			want: "summary",
		},
		{
			name:     "no marker falls back to review",
			messages: []chatMessage{{Role: "user", Content: "just a diff"}},
			want:     "review",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := detectOperation(tt.messages); got != tt.want {
				t.Errorf("detectOperation = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestChatCompletionsServesBuiltins(t *testing.T) {
	s := newServer(map[string][]string{}, quietLogger())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, decoded := postChat(t, srv, "Schema risk/v1: {...}", "diff --git a/x b/x")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	if len(decoded.Choices) != 1 {
		t.Fatalf("expected 1 choice, got %d", len(decoded.Choices))
	}
	choice := decoded.Choices[0]
	if choice.FinishReason != "stop" {
		t.Errorf("finish_reason = %q", choice.FinishReason)
	}
	if !strings.Contains(choice.Message.Content, "overallRiskScore") {
		t.Errorf("risk payload not served, got: %s", choice.Message.Content)
	}
	if decoded.Usage.TotalTokens != decoded.Usage.PromptTokens+decoded.Usage.CompletionTokens {
		t.Errorf("usage totals inconsistent: %+v", decoded.Usage)
	}
	if decoded.Usage.CompletionTokens <= 0 {
		t.Errorf("completion tokens should be positive, got %d", decoded.Usage.CompletionTokens)
	}
}

func TestChatCompletionsRoutesEveryOperation(t *testing.T) {
	s := newServer(map[string][]string{}, quietLogger())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	tests := []struct {
		marker string
		expect string
	}{
		{"Schema review/v1: {...}", `"comments"`},
		{"Schema risk/v1: {...}", `"overallRiskScore"`},
		{"Schema improvements/v1: {...}", `"suggestions"`},
		{"Schema summary/v1: {...}", `"changeType"`},
	}
	for _, tt := range tests {
		_, decoded := postChat(t, srv, tt.marker, "diff")
		if !strings.Contains(decoded.Choices[0].Message.Content, tt.expect) {
			t.Errorf("marker %q: payload missing %s", tt.marker, tt.expect)
		}
	}
}

func TestChatCompletionsAdvancesSequencePerOperation(t *testing.T) {
	fixtures := map[string][]string{
		"review": {
			`{"comments":[{"content":"chunk one"}]}`,
			`{"comments":[{"content":"chunk two"}]}`,
			`{"comments":[{"content":"steady state"}]}`,
		},
	}
	s := newServer(fixtures, quietLogger())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	expect := []string{"chunk one", "chunk two", "steady state", "steady state"}
	for i, want := range expect {
		_, decoded := postChat(t, srv, "Schema review/v1: {...}", "diff")
		if !strings.Contains(decoded.Choices[0].Message.Content, want) {
			t.Errorf("call %d: expected %q, got: %s", i+1, want, decoded.Choices[0].Message.Content)
		}
	}
}

func TestFailEveryInjectsServerErrors(t *testing.T) {
	s := newServer(map[string][]string{}, quietLogger())
	s.failEvery = 2
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, _ := postChat(t, srv, "Schema review/v1: {...}", "diff")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first call should succeed, got %d", resp.StatusCode)
	}
	resp, _ = postChat(t, srv, "Schema review/v1: {...}", "diff")
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("second call should fail, got %d", resp.StatusCode)
	}
	resp, _ = postChat(t, srv, "Schema review/v1: {...}", "diff")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("third call should succeed, got %d", resp.StatusCode)
	}
}

func TestStatsCountsByOperation(t *testing.T) {
	s := newServer(map[string][]string{}, quietLogger())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	postChat(t, srv, "Schema review/v1: {...}", "diff")
	postChat(t, srv, "Schema review/v1: {...}", "diff")
	postChat(t, srv, "Schema summary/v1: {...}", "diff")

	resp, err := srv.Client().Get(srv.URL + "/stats")
	if err != nil {
		t.Fatalf("get stats: %v", err)
	}
	defer resp.Body.Close()

	var stats struct {
		TotalCalls       int64          `json:"total_calls"`
		CallsByOperation map[string]int `json:"calls_by_operation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatalf("decode stats: %v", err)
	}

	if stats.TotalCalls != 3 {
		t.Errorf("total_calls = %d, want 3", stats.TotalCalls)
	}
	if stats.CallsByOperation["review"] != 2 {
		t.Errorf("review calls = %d, want 2", stats.CallsByOperation["review"])
	}
	if stats.CallsByOperation["summary"] != 1 {
		t.Errorf("summary calls = %d, want 1", stats.CallsByOperation["summary"])
	}
}

func TestRequestsCaptureAndFilter(t *testing.T) {
	s := newServer(map[string][]string{}, quietLogger())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	postChat(t, srv, "Schema review/v1: {...}", "first diff")
	postChat(t, srv, "Schema review/v1: {...}", "second diff")
	postChat(t, srv, "Schema risk/v1: {...}", "risk diff")

	resp, err := srv.Client().Get(srv.URL + "/requests?operation=review&call=2")
	if err != nil {
		t.Fatalf("get requests: %v", err)
	}
	defer resp.Body.Close()

	var out struct {
		RequestsByOperation map[string][]capturedRequest `json:"requests_by_operation"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode requests: %v", err)
	}

	reviews := out.RequestsByOperation["review"]
	if len(reviews) != 1 {
		t.Fatalf("expected 1 captured review request, got %d", len(reviews))
	}
	if reviews[0].CallIndex != 2 {
		t.Errorf("call_index = %d, want 2", reviews[0].CallIndex)
	}
	found := false
	for _, m := range reviews[0].Messages {
		if strings.Contains(m.Content, "second diff") {
			found = true
		}
	}
	if !found {
		t.Error("captured request should carry the second call's user message")
	}
	if _, ok := out.RequestsByOperation["risk"]; ok {
		t.Error("operation filter should exclude risk requests")
	}
}

func TestHealthzEndpoint(t *testing.T) {
	s := newServer(map[string][]string{}, quietLogger())
	srv := httptest.NewServer(s.routes())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("get healthz: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}
