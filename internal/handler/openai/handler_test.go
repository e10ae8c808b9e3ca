package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	openaiModel "github.com/cligate/cligate/internal/model/openai"
	"github.com/cligate/cligate/internal/service/backend"
	chatService "github.com/cligate/cligate/internal/service/chat"
	modelService "github.com/cligate/cligate/internal/service/model"
	"github.com/cligate/cligate/internal/store/sqlite"
)

type scriptedRunner struct {
	text   string
	events []backend.Event
}

// failingRunner refuses to start, standing in for a missing backend command.
type failingRunner struct{}

func (failingRunner) Complete(context.Context, string, string) (backend.Result, error) {
	return backend.Result{}, errors.New("backend command failed: executable not found")
}

func (failingRunner) Stream(context.Context, string, string) (<-chan backend.Event, error) {
	return nil, errors.New("backend command failed: executable not found")
}

func (s *scriptedRunner) Complete(context.Context, string, string) (backend.Result, error) {
	return backend.Result{Text: s.text, Usage: backend.Usage{InputTokens: 3, OutputTokens: 2}}, nil
}

func (s *scriptedRunner) Stream(context.Context, string, string) (<-chan backend.Event, error) {
	ch := make(chan backend.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func setupRouter(t *testing.T, runner backend.Runner) *chi.Mux {
	t.Helper()
	st, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "sessions.db"), time.Hour)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	resolver := modelService.NewResolver([]string{"sonnet", "opus"}, "sonnet")
	orchestrator := chatService.NewOrchestrator(st, runner, resolver)
	handler := New(orchestrator, resolver)

	r := chi.NewRouter()
	handler.RegisterRoutes(r)
	return r
}

func completionRequest(t *testing.T, body map[string]any, sessionID string) *http.Request {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if sessionID != "" {
		req.Header.Set(SessionHeader, sessionID)
	}
	return req
}

func TestChatCompletionFreshSession(t *testing.T) {
	r := setupRouter(t, &scriptedRunner{text: "Nice to meet you, Alice"})

	req := completionRequest(t, map[string]any{
		"model":    "sonnet",
		"messages": []map[string]string{{"role": "user", "content": "My name is Alice"}},
	}, "")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if resp.Header().Get(SessionHeader) == "" {
		t.Fatal("expected X-Session-ID response header")
	}

	var body openaiModel.ChatCompletionResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body.Object != "chat.completion" {
		t.Fatalf("unexpected object: %s", body.Object)
	}
	if body.Model != "sonnet" {
		t.Fatalf("expected model echo sonnet, got %s", body.Model)
	}
	if got := body.Choices[0].Message.Content; got != "Nice to meet you, Alice" {
		t.Fatalf("unexpected content: %s", got)
	}
	if !strings.HasPrefix(body.ID, "chatcmpl-") {
		t.Fatalf("unexpected response id: %s", body.ID)
	}
}

func TestChatCompletionSessionContinuity(t *testing.T) {
	r := setupRouter(t, &scriptedRunner{text: "reply"})

	first := httptest.NewRecorder()
	r.ServeHTTP(first, completionRequest(t, map[string]any{
		"model":    "sonnet",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, ""))
	sessionID := first.Header().Get(SessionHeader)
	if sessionID == "" {
		t.Fatal("expected session id from first call")
	}

	second := httptest.NewRecorder()
	r.ServeHTTP(second, completionRequest(t, map[string]any{
		"model":    "sonnet",
		"messages": []map[string]string{{"role": "user", "content": "again"}},
	}, sessionID))

	if got := second.Header().Get(SessionHeader); got != sessionID {
		t.Fatalf("expected session %s to be reused, got %s", sessionID, got)
	}
}

func TestChatCompletionUnknownSessionID(t *testing.T) {
	r := setupRouter(t, &scriptedRunner{text: "reply"})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, completionRequest(t, map[string]any{
		"model":    "sonnet",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, "not-a-real-id"))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	got := resp.Header().Get(SessionHeader)
	if got == "" || got == "not-a-real-id" {
		t.Fatalf("expected a fresh session id, got %q", got)
	}
}

func TestChatCompletionUnsupportedModel(t *testing.T) {
	r := setupRouter(t, &scriptedRunner{text: "unreachable"})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, completionRequest(t, map[string]any{
		"model":    "totally-unknown",
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, ""))

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}

	var body openaiModel.ErrorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Type != "invalid_request_error" {
		t.Fatalf("unexpected error type: %s", body.Error.Type)
	}
}

func TestChatCompletionInvalidBody(t *testing.T) {
	r := setupRouter(t, &scriptedRunner{})

	req := httptest.NewRequest(http.MethodPost, "/chat/completions", strings.NewReader("{not json"))
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)

	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.Code)
	}
}

func TestChatCompletionStreaming(t *testing.T) {
	r := setupRouter(t, &scriptedRunner{events: []backend.Event{
		{Kind: backend.EventDelta, Text: "Hel"},
		{Kind: backend.EventDelta, Text: "lo"},
		{Kind: backend.EventDone},
	}})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, completionRequest(t, map[string]any{
		"model":    "sonnet",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "greet"}},
	}, ""))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type: %s", ct)
	}
	if resp.Header().Get(SessionHeader) == "" {
		t.Fatal("expected X-Session-ID on streaming response")
	}

	body := resp.Body.String()
	if !strings.Contains(body, `"content":"Hel"`) || !strings.Contains(body, `"content":"lo"`) {
		t.Fatalf("missing delta frames: %s", body)
	}
	if !strings.Contains(body, `"finish_reason":"stop"`) {
		t.Fatalf("missing final chunk: %s", body)
	}
	if !strings.HasSuffix(strings.TrimSpace(body), "data: [DONE]") {
		t.Fatalf("missing [DONE] sentinel: %s", body)
	}
}

func TestChatCompletionStreamingFailure(t *testing.T) {
	r := setupRouter(t, &scriptedRunner{events: []backend.Event{
		{Kind: backend.EventDelta, Text: "Hel"},
		{Kind: backend.EventDelta, Text: "lo"},
		{Kind: backend.EventFailed, Err: context.DeadlineExceeded},
	}})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, completionRequest(t, map[string]any{
		"model":    "sonnet",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "greet"}},
	}, ""))

	body := resp.Body.String()
	if !strings.Contains(body, `"type":"upstream_error"`) {
		t.Fatalf("missing inline error frame: %s", body)
	}
	if strings.Contains(body, "[DONE]") {
		t.Fatalf("sentinel must not follow a failure: %s", body)
	}
}

func TestStreamingStartupFailureEchoesFreshSession(t *testing.T) {
	r := setupRouter(t, failingRunner{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, completionRequest(t, map[string]any{
		"model":    "sonnet",
		"stream":   true,
		"messages": []map[string]string{{"role": "user", "content": "hi"}},
	}, "not-a-real-id"))

	if resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}

	got := resp.Header().Get(SessionHeader)
	if got == "" || got == "not-a-real-id" {
		t.Fatalf("expected a fresh session id on failure, got %q", got)
	}

	var body openaiModel.ErrorResponse
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if body.Error.Type != "upstream_error" {
		t.Fatalf("unexpected error type: %s", body.Error.Type)
	}
}

func TestListModels(t *testing.T) {
	r := setupRouter(t, &scriptedRunner{})

	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/models", nil))

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}

	var body openaiModel.ModelList
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode models: %v", err)
	}
	if body.Object != "list" || len(body.Data) != 2 {
		t.Fatalf("unexpected model list: %+v", body)
	}
	if body.Data[0].ID != "sonnet" {
		t.Fatalf("unexpected first model: %s", body.Data[0].ID)
	}
}
