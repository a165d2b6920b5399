// Package gemini implements the providers.Adapter for Google Gemini using
// the official GenAI SDK. Gemini is the one family with native web
// grounding: when the request asks for search grounding the adapter enables
// the GoogleSearch tool and maps the returned grounding chunks onto a
// single normalized chunk.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"iter"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/loomchat/gateway/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Adapter streams chat completions from the Gemini API.
type Adapter struct {
	baseURL string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a Gemini Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providers.ProviderGemini }

func (a *Adapter) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.Chunk, error) {
	base, version := splitBaseURLAndVersion(a.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      req.APIKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.CallTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: version},
	})
	if err != nil {
		return nil, err
	}

	contents, cfg := buildContentsAndConfig(req)

	next, stop := iter.Pull2(client.Models.GenerateContentStream(ctx, req.Model, contents, cfg))

	// Pull the first response synchronously so upstream rejections surface
	// as a typed error before any frame is written downstream.
	first, firstErr, ok := next()
	if ok && firstErr != nil {
		stop()
		return nil, toAdapterError(firstErr)
	}

	ch := make(chan providers.Chunk, providers.ChunkBuffer)

	go func() {
		defer close(ch)
		defer stop()

		usage := providers.Usage{}
		groundingSent := false

		emit := func(resp *genai.GenerateContentResponse) {
			if resp == nil {
				return
			}
			if text := resp.Text(); text != "" {
				send(ctx, ch, providers.Chunk{Content: text})
			}
			if resp.UsageMetadata != nil {
				usage = providers.Usage{
					InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
					OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
					TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
				}
			}
			if g := extractGrounding(resp); g != nil && !groundingSent {
				groundingSent = true
				send(ctx, ch, providers.Chunk{Grounding: g})
			}
		}

		if ok {
			emit(first)
		}
		for {
			resp, err, more := next()
			if !more || err != nil {
				break
			}
			emit(resp)
		}

		u := usage
		send(ctx, ch, providers.Chunk{Usage: &u, Done: true})
	}()

	return ch, nil
}

func send(ctx context.Context, ch chan<- providers.Chunk, c providers.Chunk) {
	select {
	case ch <- c:
	case <-ctx.Done():
	}
}

func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var systemPrompt string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Text()
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(m.Text(), genai.RoleModel))
		default:
			contents = append(contents, toUserContent(m))
		}
	}

	cfg := &genai.GenerateContentConfig{}

	if systemPrompt != "" {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: systemPrompt}},
		}
	}
	if req.Temperature > 0 && providers.SupportsTemperature(req.Model) {
		cfg.Temperature = genai.Ptr[float32](float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if req.SearchGrounding {
		cfg.Tools = []*genai.Tool{{GoogleSearch: &genai.GoogleSearch{}}}
	}

	return contents, cfg
}

func toUserContent(m providers.Message) *genai.Content {
	parts := make([]*genai.Part, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case providers.PartImage:
			raw, err := base64.StdEncoding.DecodeString(p.Data)
			if err != nil {
				continue
			}
			parts = append(parts, genai.NewPartFromBytes(raw, p.MimeType))
		default:
			parts = append(parts, genai.NewPartFromText(p.Text))
		}
	}
	return genai.NewContentFromParts(parts, genai.RoleUser)
}

// extractGrounding maps the SDK grounding metadata onto the normalized
// shape. Returns nil when the response carries no web sources.
func extractGrounding(resp *genai.GenerateContentResponse) *providers.Grounding {
	if len(resp.Candidates) == 0 {
		return nil
	}
	gm := resp.Candidates[0].GroundingMetadata
	if gm == nil || len(gm.GroundingChunks) == 0 {
		return nil
	}

	sources := make([]providers.Source, 0, len(gm.GroundingChunks))
	for _, gc := range gm.GroundingChunks {
		if gc.Web == nil {
			continue
		}
		sources = append(sources, providers.Source{
			Title: gc.Web.Title,
			URL:   gc.Web.URI,
		})
	}
	if len(sources) == 0 {
		return nil
	}
	return &providers.Grounding{Sources: sources}
}

// splitBaseURLAndVersion separates the API version suffix from the base URL
// so it can be passed to the SDK's HTTPOptions.
func splitBaseURLAndVersion(u string) (base, version string) {
	trimmed := strings.TrimRight(u, "/")
	if i := strings.LastIndex(trimmed, "/"); i > 0 {
		last := trimmed[i+1:]
		if last == "v1" || last == "v1beta" || last == "v1alpha" {
			return trimmed[:i], last
		}
	}
	return trimmed, ""
}

func toAdapterError(err error) error {
	var apierr genai.APIError
	if errors.As(err, &apierr) {
		return &providers.AdapterError{
			Provider:   providers.ProviderGemini,
			StatusCode: apierr.Code,
			Body:       apierr.Message,
		}
	}
	return err
}
