package provideradapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/scttfrdmn/airouter/internal/domain"
)

func newExecuteRequest(content string) *domain.Request {
	req := domain.NewRequest(context.Background(), 0)
	req.Messages = []domain.Message{{Role: "user", Content: content}}
	req.Params = domain.GenerationParams{MaxTokens: 64}
	return req
}

func TestLocalAdapter_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body localChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.Model != "llama2" {
			t.Fatalf("expected model llama2, got %q", body.Model)
		}
		_ = json.NewEncoder(w).Encode(localChatResponse{
			Model:           "llama2",
			Message:         localMessage{Role: "assistant", Content: "hi there"},
			Done:            true,
			PromptEvalCount: 3,
			EvalCount:       2,
		})
	}))
	defer srv.Close()

	adapter := NewLocalAdapter("local-1", "llama2", srv.URL)
	resp, err := adapter.Execute(context.Background(), newExecuteRequest("hello"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Content != "hi there" {
		t.Fatalf("expected content %q, got %q", "hi there", resp.Content)
	}
	if resp.Usage.Total != 5 {
		t.Fatalf("expected total usage 5, got %d", resp.Usage.Total)
	}
}

func TestLocalAdapter_ExecuteMapsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	adapter := NewLocalAdapter("local-1", "llama2", srv.URL)
	_, err := adapter.Execute(context.Background(), newExecuteRequest("hello"))
	if err == nil {
		t.Fatal("expected an error on 429 response")
	}
}

func TestLocalAdapter_ListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"models": []map[string]string{{"name": "llama2"}, {"name": "mistral"}},
		})
	}))
	defer srv.Close()

	adapter := NewLocalAdapter("local-1", "llama2", srv.URL)
	models, err := adapter.ListModels(context.Background())
	if err != nil {
		t.Fatalf("list models: %v", err)
	}
	if len(models) != 2 {
		t.Fatalf("expected 2 models, got %d", len(models))
	}
}
