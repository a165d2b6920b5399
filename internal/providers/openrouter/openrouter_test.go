package openrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/loomchat/gateway/internal/providers"
)

func baseRequest() *providers.ChatRequest {
	return &providers.ChatRequest{
		Model: "mistralai/mistral-large",
		Messages: []providers.Message{
			providers.TextMessage("user", "Hello"),
		},
		APIKey:    "sk-or-test",
		RequestID: "req-mock-1",
	}
}

func collect(t *testing.T, ch <-chan providers.Chunk) (content string, final providers.Chunk) {
	t.Helper()
	for chunk := range ch {
		content += chunk.Content
		if chunk.Done {
			final = chunk
		}
	}
	return content, final
}

func TestAdapter_Stream(t *testing.T) {
	chunks := []string{
		`{"choices":[{"index":0,"delta":{"role":"assistant","content":"Hello"},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{"content":" world"},"finish_reason":null}]}`,
		`{"choices":[{"index":0,"delta":{},"finish_reason":"stop"}],"usage":{"prompt_tokens":12,"completion_tokens":4,"total_tokens":16}}`,
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-or-test" {
			t.Errorf("authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != "text/event-stream" {
			t.Errorf("accept = %q", got)
		}

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body["stream"] != true {
			t.Error("stream must be requested")
		}
		if usage, ok := body["usage"].(map[string]any); !ok || usage["include"] != true {
			t.Error("usage accounting must be requested")
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
	}))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	ch, err := a.Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content, final := collect(t, ch)
	if content != "Hello world" {
		t.Errorf("content = %q", content)
	}
	if !final.Done {
		t.Fatal("missing terminal chunk")
	}
	if final.Usage == nil || final.Usage.InputTokens != 12 || final.Usage.OutputTokens != 4 {
		t.Errorf("usage = %+v", final.Usage)
	}
}

func TestAdapter_Stream_NonOK_TypedError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":{"message":"invalid key"}}`)
	}))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	_, err := a.Stream(context.Background(), baseRequest())

	var adaptErr *providers.AdapterError
	if !errors.As(err, &adaptErr) {
		t.Fatalf("expected *AdapterError, got %v", err)
	}
	if adaptErr.HTTPStatus() != http.StatusUnauthorized {
		t.Errorf("status = %d", adaptErr.HTTPStatus())
	}
	if !strings.Contains(adaptErr.Body, "invalid key") {
		t.Errorf("body not captured: %q", adaptErr.Body)
	}
	if strings.Contains(adaptErr.Error(), "invalid key") {
		t.Error("Error() must not include the raw body")
	}
}

func TestAdapter_Stream_MalformedLinesSkipped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "data: {not json}\n\n")
		fmt.Fprint(w, ": sse comment\n\n")
		fmt.Fprint(w, `data: {"choices":[{"delta":{"content":"ok"}}]}`+"\n\n")
		fmt.Fprintln(w, "data: [DONE]")
	}))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	ch, err := a.Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatal(err)
	}

	content, final := collect(t, ch)
	if content != "ok" {
		t.Errorf("content = %q", content)
	}
	if !final.Done {
		t.Error("missing terminal chunk")
	}
}

func TestBuildRequest_TemperatureGate(t *testing.T) {
	req := baseRequest()
	req.Temperature = 0.7
	if got := buildRequest(req).Temperature; got != 0.7 {
		t.Errorf("temperature = %v, want 0.7", got)
	}

	req.Model = "deepseek-reasoner"
	if got := buildRequest(req).Temperature; got != 0 {
		t.Errorf("temperature for reasoner model = %v, want omitted", got)
	}
}

func TestToWireMessage_ImageSwitchesToParts(t *testing.T) {
	text := providers.TextMessage("user", "plain")
	if _, ok := toWireMessage(text).Content.(string); !ok {
		t.Fatal("text-only message should keep string content")
	}

	withImage := providers.Message{Role: "user", Parts: []providers.ContentPart{
		providers.TextPart("look"),
		providers.ImagePart("image/png", "aGk="),
	}}
	parts, ok := toWireMessage(withImage).Content.([]contentPart)
	if !ok {
		t.Fatal("image message should use the part-array form")
	}
	if len(parts) != 2 || parts[1].Type != "image_url" {
		t.Fatalf("parts = %+v", parts)
	}
	if parts[1].ImageURL.URL != "data:image/png;base64,aGk=" {
		t.Errorf("data uri = %q", parts[1].ImageURL.URL)
	}
}
