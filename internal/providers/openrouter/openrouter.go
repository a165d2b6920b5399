// Package openrouter implements the providers.Adapter for OpenRouter, the
// default family for model ids no other rule matches. The upstream speaks
// the OpenAI chat-completions dialect; this adapter talks to it with a
// plain HTTP client and parses the "data:" event lines by hand.
package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/loomchat/gateway/internal/providers"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Stream      bool          `json:"stream"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Usage       *usageOpts    `json:"usage,omitempty"`
}

type usageOpts struct {
	Include bool `json:"include"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type streamEnvelope struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Adapter streams chat completions from OpenRouter.
type Adapter struct {
	baseURL string
	client  *http.Client
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates an OpenRouter Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: providers.CallTimeout},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providers.ProviderOpenRouter }

func (a *Adapter) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.Chunk, error) {
	body, err := json.Marshal(buildRequest(req))
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+req.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		resp.Body.Close()
		return nil, &providers.AdapterError{
			Provider:   providers.ProviderOpenRouter,
			StatusCode: resp.StatusCode,
			Body:       string(raw),
		}
	}

	ch := make(chan providers.Chunk, providers.ChunkBuffer)

	go func() {
		defer resp.Body.Close()
		defer close(ch)

		usage := providers.Usage{}
		sawUsage := false

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)

		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				break
			}

			var env streamEnvelope
			if err := json.Unmarshal([]byte(data), &env); err != nil {
				continue
			}

			if env.Usage != nil {
				usage = providers.Usage{
					InputTokens:  env.Usage.PromptTokens,
					OutputTokens: env.Usage.CompletionTokens,
					TotalTokens:  env.Usage.TotalTokens,
				}
				sawUsage = true
			}

			if len(env.Choices) == 0 {
				continue
			}
			if delta := env.Choices[0].Delta.Content; delta != "" {
				send(ctx, ch, providers.Chunk{Content: delta})
			}
		}

		final := providers.Chunk{Done: true}
		if sawUsage {
			u := usage
			final.Usage = &u
		}
		send(ctx, ch, final)
	}()

	return ch, nil
}

func send(ctx context.Context, ch chan<- providers.Chunk, c providers.Chunk) {
	select {
	case ch <- c:
	case <-ctx.Done():
	}
}

func buildRequest(req *providers.ChatRequest) chatRequest {
	msgs := make([]chatMessage, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = toWireMessage(m)
	}

	cr := chatRequest{
		Model:    req.Model,
		Messages: msgs,
		Stream:   true,
		Usage:    &usageOpts{Include: true},
	}
	if req.Temperature > 0 && providers.SupportsTemperature(req.Model) {
		cr.Temperature = req.Temperature
	}
	if req.MaxTokens > 0 {
		cr.MaxTokens = req.MaxTokens
	}
	return cr
}

// toWireMessage keeps plain string content for text-only messages and
// switches to the part-array form only when images are present.
func toWireMessage(m providers.Message) chatMessage {
	hasImage := false
	for _, p := range m.Parts {
		if p.Kind == providers.PartImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return chatMessage{Role: m.Role, Content: m.Text()}
	}

	parts := make([]contentPart, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case providers.PartImage:
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: p.DataURI()},
			})
		default:
			parts = append(parts, contentPart{Type: "text", Text: p.Text})
		}
	}
	return chatMessage{Role: m.Role, Content: parts}
}
