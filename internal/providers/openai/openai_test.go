package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/loomchat/gateway/internal/providers"
)

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model: "gpt-4o",
		Messages: []providers.Message{
			providers.TextMessage("user", "Hello"),
		},
		APIKey:    "sk-mock",
		RequestID: "req-mock-1",
	}
}

func sseHandler(t *testing.T, chunks []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		if got := r.Header.Get("Authorization"); got != "Bearer sk-mock" {
			t.Errorf("authorization = %q", got)
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		for _, c := range chunks {
			fmt.Fprintf(w, "data: %s\n\n", c)
			if ok {
				flusher.Flush()
			}
		}
		fmt.Fprintln(w, "data: [DONE]")
	}
}

func TestAdapter_Stream(t *testing.T) {
	chunks := []string{
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"chatcmpl-1","object":"chat.completion.chunk","created":0,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`,
	}

	srv := httptest.NewServer(sseHandler(t, chunks))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	ch, err := a.Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		content string
		final   providers.Chunk
	)
	for chunk := range ch {
		content += chunk.Content
		if chunk.Done {
			final = chunk
		}
	}

	if content != "Hello world" {
		t.Errorf("content = %q", content)
	}
	if !final.Done {
		t.Fatal("missing terminal chunk")
	}
	if final.Usage == nil || final.Usage.InputTokens != 10 || final.Usage.OutputTokens != 5 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestAdapter_Stream_RateLimit_TypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{
				"message": "Rate limit exceeded",
				"type":    "rate_limit_error",
				"code":    "rate_limit_exceeded",
			},
		})
	}))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	_, err := a.Stream(context.Background(), baseRequest())

	var adaptErr *providers.AdapterError
	if !errors.As(err, &adaptErr) {
		t.Fatalf("expected *AdapterError, got %v", err)
	}
	if adaptErr.HTTPStatus() != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", adaptErr.HTTPStatus())
	}
	if adaptErr.Provider != providers.ProviderOpenAI {
		t.Errorf("provider = %q", adaptErr.Provider)
	}
}

func TestNewCompatible_CarriesFamilyName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "bad key", "type": "invalid_request_error"},
		})
	}))
	defer srv.Close()

	a := NewCompatible(providers.ProviderDeepSeek, srv.URL)
	if a.Name() != providers.ProviderDeepSeek {
		t.Fatalf("name = %q", a.Name())
	}

	_, err := a.Stream(context.Background(), baseRequest())
	var adaptErr *providers.AdapterError
	if !errors.As(err, &adaptErr) {
		t.Fatalf("expected *AdapterError, got %v", err)
	}
	if adaptErr.Provider != providers.ProviderDeepSeek {
		t.Errorf("typed error carries %q, want the compatible family name", adaptErr.Provider)
	}
}

func TestBuildParams_ReasoningModelOmitsTemperature(t *testing.T) {
	a := New()

	req := baseRequest()
	req.Temperature = 0.9
	if params := a.buildParams(req); !params.Temperature.Valid() || params.Temperature.Value != 0.9 {
		t.Errorf("temperature = %+v, want 0.9", params.Temperature)
	}

	req.Model = "o1-preview"
	if params := a.buildParams(req); params.Temperature.Valid() {
		t.Error("temperature must be omitted for o1-family models")
	}
}

func TestBuildParams_UsageAlwaysRequested(t *testing.T) {
	a := New()
	params := a.buildParams(baseRequest())
	if !params.StreamOptions.IncludeUsage.Valid() || !params.StreamOptions.IncludeUsage.Value {
		t.Fatal("stream_options.include_usage must be set")
	}
}

func TestToSDKMessage_ImageUsesPartArray(t *testing.T) {
	m := providers.Message{Role: "user", Parts: []providers.ContentPart{
		providers.TextPart("see"),
		providers.ImagePart("image/png", "aGk="),
	}}
	u := toSDKMessage(m)
	if u.OfUser == nil {
		t.Fatal("expected user message")
	}
	parts := u.OfUser.Content.OfArrayOfContentParts
	if len(parts) != 2 {
		t.Fatalf("parts = %d, want 2", len(parts))
	}
	if parts[1].OfImageURL == nil || parts[1].OfImageURL.ImageURL.URL != "data:image/png;base64,aGk=" {
		t.Fatalf("image part = %+v", parts[1])
	}
}
