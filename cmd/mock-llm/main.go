// Package main implements a mock LLM server for developing the review
// engine offline. It serves OpenAI-compatible /v1/chat/completions
// responses routed by the schema marker the engine embeds in its system
// prompts (review/v1, risk/v1, improvements/v1, summary/v1), so a full
// review pipeline runs with no provider keys and deterministic output.
//
// Usage:
//
//	mock-llm -port 11434
//	mock-llm -fixtures ./fixtures -latency 200ms -fail-every 5
//
// Built-in payloads cover all four operations. A fixtures directory
// overrides them per operation: "review.json" replaces the review payload,
// and numbered files ("review.1.json", "review.2.json") are served in
// order before the base file repeats. Numbered fixtures make multi-chunk
// reviews return distinct comments per chunk.
//
// -fail-every N turns every Nth completion into a 500, which exercises the
// engine's retry, fallback and circuit-breaker paths; -latency delays each
// response, which exercises saturation pausing and job timeouts.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wosledon/aireview/parse"
	"github.com/wosledon/aireview/tokens"
)

// OpenAI wire types, request side.

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   *int          `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
	Usage   chatUsage    `json:"usage"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// operations the engine performs, in marker-scan order.
var operations = []struct {
	name   string
	marker string
}{
	{"review", parse.ReviewSchemaVersion},
	{"risk", parse.RiskSchemaVersion},
	{"improvements", parse.ImprovementsSchemaVersion},
	{"summary", parse.SummarySchemaVersion},
}

// builtinPayloads answer each operation when no fixture overrides it.
var builtinPayloads = map[string]string{
	"review": `{"comments":[
  {"filePath":"internal/auth/token.go","lineNumber":42,"severity":"Major","category":"Security",
   "content":"The refresh token is written to the debug log.","suggestion":"Redact the token before logging."},
  {"filePath":"internal/auth/token.go","severity":"Info","category":"Style",
   "content":"Exported function ParseToken has no doc comment."}
]}`,
	"risk": `{"overallRiskScore":55,"complexityRisk":40,"securityRisk":70,"performanceRisk":25,
  "maintainabilityRisk":45,"riskDescription":"Token handling changes touch the authentication path.",
  "mitigationSuggestions":"Add a regression test around refresh expiry.","confidenceScore":0.8}`,
	"improvements": `{"suggestions":[
  {"type":"security","priority":"high","title":"Redact tokens in logs",
   "description":"Mask the refresh token before it reaches the logger.",
   "filePath":"internal/auth/token.go","startLine":42,"endLine":44,
   "implementationComplexity":2,"confidenceScore":0.85}
]}`,
	"summary": `{"changeType":"fix","breakingChangeRisk":"low",
  "summary":"Tightens refresh token validation and stops tokens leaking into logs.",
  "keyChanges":["refresh expiry check","log redaction"],"changeStatistics":{}}`,
}

// capturedRequest keeps the fields tests assert on per completion call.
type capturedRequest struct {
	Operation string        `json:"operation"`
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	CallIndex int           `json:"call_index"`
	Timestamp int64         `json:"timestamp"`
}

type server struct {
	fixtures  map[string][]string // operation -> ordered payload sequence
	latency   time.Duration
	failEvery int64
	logger    *slog.Logger

	calls atomic.Int64

	mu       sync.Mutex
	opCalls  map[string]int
	captured map[string][]capturedRequest
}

func newServer(fixtures map[string][]string, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{
		fixtures: fixtures,
		logger:   logger,
		opCalls:  make(map[string]int),
		captured: make(map[string][]capturedRequest),
	}
}

func main() {
	fixtureDir := flag.String("fixtures", "", "directory of per-operation payload overrides")
	port := flag.Int("port", 11434, "port to listen on")
	latency := flag.Duration("latency", 0, "artificial delay before each completion")
	failEvery := flag.Int64("fail-every", 0, "return HTTP 500 for every Nth completion (0 disables)")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	if envDir := os.Getenv("MOCK_LLM_FIXTURES"); envDir != "" && *fixtureDir == "" {
		*fixtureDir = envDir
	}

	fixtures := map[string][]string{}
	if *fixtureDir != "" {
		loaded, err := loadFixtures(*fixtureDir)
		if err != nil {
			logger.Error("load fixtures", "dir", *fixtureDir, "error", err)
			os.Exit(1)
		}
		fixtures = loaded
		for op, seq := range loaded {
			logger.Info("fixture override", "operation", op, "responses", len(seq))
		}
	}

	s := newServer(fixtures, logger)
	s.latency = *latency
	s.failEvery = *failEvery

	addr := fmt.Sprintf(":%d", *port)
	logger.Info("mock LLM server listening", "addr", addr, "latency", *latency, "fail_every", *failEvery)
	if err := http.ListenAndServe(addr, s.routes()); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func (s *server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("/v1/models", s.handleModels)
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/requests", s.handleRequests)
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("invalid request body: %v", err), http.StatusBadRequest)
		return
	}

	if s.latency > 0 {
		time.Sleep(s.latency)
	}

	callNum := s.calls.Add(1)
	if s.failEvery > 0 && callNum%s.failEvery == 0 {
		s.logger.Warn("injected failure", "call", callNum)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"message": "injected failure", "type": "server_error"},
		})
		return
	}

	op := detectOperation(req.Messages)
	callIndex := s.recordCall(op, req)
	content := s.payloadFor(op, callIndex)

	s.logger.Info("completion served",
		"call", callNum, "operation", op, "model", req.Model, "op_call", callIndex)

	var promptText strings.Builder
	for _, m := range req.Messages {
		promptText.WriteString(m.Content)
	}
	promptTokens := tokens.Estimate(promptText.String())
	completionTokens := tokens.Estimate(content)

	resp := chatResponse{
		ID:      fmt.Sprintf("mock-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{
			{
				Index:        0,
				Message:      chatMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: chatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// detectOperation finds the schema marker in the conversation. The engine
// always puts it in the system message; scanning every message also covers
// custom prompt templates that moved it. Unmarked conversations get the
// review payload.
func detectOperation(messages []chatMessage) string {
	for _, m := range messages {
		for _, op := range operations {
			if strings.Contains(m.Content, op.marker) {
				return op.name
			}
		}
	}
	return "review"
}

// recordCall bumps the per-operation counter and captures the request.
// Returns the 1-indexed call number for this operation.
func (s *server) recordCall(op string, req chatRequest) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opCalls[op]++
	idx := s.opCalls[op]
	s.captured[op] = append(s.captured[op], capturedRequest{
		Operation: op,
		Model:     req.Model,
		Messages:  req.Messages,
		CallIndex: idx,
		Timestamp: time.Now().UnixMilli(),
	})
	return idx
}

// payloadFor picks the response body: the callIndex'th fixture while the
// sequence lasts, then the base fixture, then the builtin.
func (s *server) payloadFor(op string, callIndex int) string {
	seq := s.fixtures[op]
	if len(seq) == 0 {
		return builtinPayloads[op]
	}
	if callIndex <= len(seq) {
		return seq[callIndex-1]
	}
	return seq[len(seq)-1]
}

// handleModels lists one pseudo-model per operation so OpenAI client
// health probes succeed.
func (s *server) handleModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		OwnedBy string `json:"owned_by"`
	}
	models := make([]modelEntry, 0, len(operations))
	for _, op := range operations {
		models = append(models, modelEntry{ID: "mock-" + op.name, Object: "model", OwnedBy: "mock-llm"})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"object": "list", "data": models})
}

// handleStats returns call counts for assertions in integration scripts.
func (s *server) handleStats(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	byOp := make(map[string]int, len(s.opCalls))
	for op, n := range s.opCalls {
		byOp[op] = n
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"total_calls":        s.calls.Load(),
		"calls_by_operation": byOp,
	})
}

// handleRequests returns captured completion requests.
// Query params: operation filters to one operation, call to one 1-indexed
// call number within it.
func (s *server) handleRequests(w http.ResponseWriter, r *http.Request) {
	opFilter := r.URL.Query().Get("operation")
	callFilter := r.URL.Query().Get("call")

	s.mu.Lock()
	result := make(map[string][]capturedRequest)
	for op, reqs := range s.captured {
		if opFilter != "" && op != opFilter {
			continue
		}
		if callFilter == "" {
			result[op] = append(result[op], reqs...)
			continue
		}
		idx, err := strconv.Atoi(callFilter)
		if err != nil {
			continue
		}
		for _, cr := range reqs {
			if cr.CallIndex == idx {
				result[op] = append(result[op], cr)
			}
		}
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"requests_by_operation": result})
}

var numberedFixture = regexp.MustCompile(`^([a-z]+)\.(\d+)\.json$`)

// loadFixtures reads per-operation payload overrides from dir. Base files
// are {operation}.json; numbered variants {operation}.N.json are served
// in order before the base repeats. Returns an error for files that name
// no known operation, which catches typos early.
func loadFixtures(dir string) (map[string][]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read fixtures dir: %w", err)
	}

	known := make(map[string]bool, len(operations))
	for _, op := range operations {
		known[op.name] = true
	}

	type numbered struct {
		n    int
		body string
	}
	sequences := make(map[string][]numbered)
	bases := make(map[string]string)

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read fixture %s: %w", e.Name(), err)
		}

		if m := numberedFixture.FindStringSubmatch(e.Name()); m != nil {
			if !known[m[1]] {
				return nil, fmt.Errorf("fixture %s names unknown operation %q", e.Name(), m[1])
			}
			n, _ := strconv.Atoi(m[2])
			sequences[m[1]] = append(sequences[m[1]], numbered{n: n, body: string(data)})
			continue
		}

		op := strings.TrimSuffix(e.Name(), ".json")
		if !known[op] {
			return nil, fmt.Errorf("fixture %s names unknown operation %q", e.Name(), op)
		}
		bases[op] = string(data)
	}

	fixtures := make(map[string][]string)
	for op, seq := range sequences {
		sort.Slice(seq, func(i, j int) bool { return seq[i].n < seq[j].n })
		for _, f := range seq {
			fixtures[op] = append(fixtures[op], f.body)
		}
	}
	for op, body := range bases {
		fixtures[op] = append(fixtures[op], body)
	}
	return fixtures, nil
}
