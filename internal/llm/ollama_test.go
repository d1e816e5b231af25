package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestOllamaChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			http.NotFound(w, r)
			return
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("client requested streaming")
		}
		if req.Options == nil || req.Options.NumPredict != 256 {
			t.Errorf("options = %+v, want num_predict 256", req.Options)
		}

		resp := map[string]any{
			"model": req.Model,
			"message": map[string]any{
				"role": "assistant",
				"tool_calls": []map[string]any{
					{"function": map[string]any{"name": "list_datasets", "arguments": map[string]any{}}},
					{"function": map[string]any{"name": "get_schema", "arguments": map[string]any{"dataset": "orders"}}},
				},
			},
			"done":              true,
			"prompt_eval_count": 42,
			"eval_count":        17,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 256)
	got, err := c.Chat(context.Background(), "qwen3:4b", []Message{{Role: "user", Content: "q"}}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if got.InputTokens != 42 || got.OutputTokens != 17 {
		t.Errorf("tokens = %d/%d, want 42/17", got.InputTokens, got.OutputTokens)
	}
	if len(got.Message.ToolCalls) != 2 {
		t.Fatalf("tool calls = %+v", got.Message.ToolCalls)
	}
	// Ollama assigns no IDs; the client synthesizes distinct ones.
	if got.Message.ToolCalls[0].ID == "" || got.Message.ToolCalls[0].ID == got.Message.ToolCalls[1].ID {
		t.Errorf("call IDs = %q, %q", got.Message.ToolCalls[0].ID, got.Message.ToolCalls[1].ID)
	}
}

func TestOllamaChatTextToolCallFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"model": "qwen3:4b",
			"message": map[string]any{
				"role":    "assistant",
				"content": `{"name": "list_datasets", "arguments": {}}`,
			},
			"done": true,
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 0)
	got, err := c.Chat(context.Background(), "qwen3:4b", []Message{{Role: "user", Content: "q"}}, nil)
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if !got.HasToolCalls() {
		t.Fatal("text-form tool call not parsed")
	}
	if got.Message.Content != "" {
		t.Errorf("Content = %q, want empty once parsed as a tool call", got.Message.Content)
	}
}

func TestOllamaChatAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewOllamaClient(srv.URL, 0)
	if _, err := c.Chat(context.Background(), "nope", nil, nil); err == nil {
		t.Error("API error not surfaced")
	}
}
