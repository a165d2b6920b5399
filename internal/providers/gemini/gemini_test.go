package gemini

import (
	"context"
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
		Model: "gemini-2.0-flash",
		Messages: []providers.Message{
			providers.TextMessage("user", "Hello"),
		},
		APIKey:    "gm-mock-key",
		RequestID: "req-mock-1",
	}
}

func sseHandler(t *testing.T, chunks []string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		t.Helper()
		if !strings.Contains(r.URL.Path, "streamGenerateContent") {
			t.Errorf("expected streamGenerateContent in path, got %q", r.URL.Path)
		}
		if r.URL.Query().Get("alt") != "sse" {
			t.Errorf("expected alt=sse, got %q", r.URL.Query().Get("alt"))
		}
		if got := r.Header.Get("X-Goog-Api-Key"); got != "gm-mock-key" {
			t.Errorf("x-goog-api-key = %q", got)
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
	}
}

func TestAdapter_Stream(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Hello"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":" world"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"finishReason":"STOP"}],"usageMetadata":{"promptTokenCount":9,"candidatesTokenCount":6,"totalTokenCount":15}}`,
	}

	srv := httptest.NewServer(sseHandler(t, chunks))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	ch, err := a.Stream(context.Background(), baseRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var (
		content strings.Builder
		final   providers.Chunk
	)
	for chunk := range ch {
		content.WriteString(chunk.Content)
		if chunk.Done {
			final = chunk
		}
	}

	if content.String() != "Hello world" {
		t.Errorf("content = %q", content.String())
	}
	if !final.Done {
		t.Fatal("missing terminal chunk")
	}
	if final.Usage == nil || final.Usage.InputTokens != 9 || final.Usage.OutputTokens != 6 {
		t.Errorf("usage = %+v, want 9 in / 6 out", final.Usage)
	}
}

func TestAdapter_Stream_GroundingChunk(t *testing.T) {
	chunks := []string{
		`{"candidates":[{"content":{"role":"model","parts":[{"text":"Answer"}]}}]}`,
		`{"candidates":[{"content":{"role":"model","parts":[{"text":""}]},"groundingMetadata":{"groundingChunks":[{"web":{"uri":"https://example.com/a","title":"Example A"}},{"web":{"uri":"https://example.com/b","title":"Example B"}}]}}]}`,
	}

	srv := httptest.NewServer(sseHandler(t, chunks))
	defer srv.Close()

	req := baseRequest()
	req.SearchGrounding = true

	a := New(WithBaseURL(srv.URL))
	ch, err := a.Stream(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}

	var grounding *providers.Grounding
	for chunk := range ch {
		if chunk.Grounding != nil {
			grounding = chunk.Grounding
		}
	}

	if grounding == nil {
		t.Fatal("expected a grounding chunk")
	}
	if len(grounding.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(grounding.Sources))
	}
	if grounding.Sources[0].URL != "https://example.com/a" || grounding.Sources[0].Title != "Example A" {
		t.Errorf("source = %+v", grounding.Sources[0])
	}
}

func TestAdapter_Stream_AuthError_BeforeChannel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
	}))
	defer srv.Close()

	a := New(WithBaseURL(srv.URL))
	_, err := a.Stream(context.Background(), baseRequest())
	if err == nil {
		t.Fatal("expected a typed error before any chunk")
	}

	var adaptErr *providers.AdapterError
	if !errors.As(err, &adaptErr) {
		t.Fatalf("expected *AdapterError, got %T: %v", err, err)
	}
	if adaptErr.HTTPStatus() != http.StatusForbidden {
		t.Errorf("status = %d, want 403", adaptErr.HTTPStatus())
	}
	if adaptErr.Provider != providers.ProviderGemini {
		t.Errorf("provider = %q", adaptErr.Provider)
	}
}

func TestBuildContentsAndConfig(t *testing.T) {
	req := baseRequest()
	req.Messages = []providers.Message{
		providers.TextMessage("system", "Be brief."),
		providers.TextMessage("user", "Hello"),
		providers.TextMessage("assistant", "Hi."),
		providers.TextMessage("user", "Again"),
	}
	req.Temperature = 0.4
	req.MaxTokens = 256
	req.SearchGrounding = true

	contents, cfg := buildContentsAndConfig(req)

	// The system turn folds into the instruction, not the contents.
	if len(contents) != 3 {
		t.Fatalf("contents = %d, want 3", len(contents))
	}
	if cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "Be brief." {
		t.Errorf("system instruction = %+v", cfg.SystemInstruction)
	}
	if cfg.Temperature == nil || *cfg.Temperature != 0.4 {
		t.Errorf("temperature = %v", cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 256 {
		t.Errorf("max output tokens = %d", cfg.MaxOutputTokens)
	}
	if len(cfg.Tools) != 1 || cfg.Tools[0].GoogleSearch == nil {
		t.Error("search grounding must enable the GoogleSearch tool")
	}
}

func TestSplitBaseURLAndVersion(t *testing.T) {
	cases := []struct {
		in, base, version string
	}{
		{"https://generativelanguage.googleapis.com/v1beta", "https://generativelanguage.googleapis.com", "v1beta"},
		{"https://example.com/v1/", "https://example.com", "v1"},
		{"http://127.0.0.1:8080", "http://127.0.0.1:8080", ""},
	}
	for _, c := range cases {
		base, version := splitBaseURLAndVersion(c.in)
		if base != c.base || version != c.version {
			t.Errorf("split(%q) = (%q, %q), want (%q, %q)", c.in, base, version, c.base, c.version)
		}
	}
}
