// Package openai implements the providers.Adapter for the OpenAI chat
// completions API and for OpenAI-compatible upstreams (xAI, DeepSeek, Groq)
// that differ only in base URL and bearer token.
package openai

import (
	"context"
	"errors"
	"net/http"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/loomchat/gateway/internal/providers"
)

// Adapter streams chat completions from OpenAI or a compatible upstream.
type Adapter struct {
	name    string
	baseURL string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates the canonical OpenAI Adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{name: providers.ProviderOpenAI}
	for _, o := range opts {
		o(a)
	}
	return a
}

// NewCompatible creates an Adapter for an OpenAI-compatible provider family.
// name is the provider identifier used for routing and credential lookup;
// baseURL is the upstream endpoint, e.g. "https://api.x.ai/v1".
func NewCompatible(name, baseURL string) *Adapter {
	return &Adapter{name: name, baseURL: baseURL}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.Chunk, error) {
	opts := []option.RequestOption{
		option.WithAPIKey(req.APIKey),
		option.WithHTTPClient(&http.Client{Timeout: providers.CallTimeout}),
	}
	if a.baseURL != "" {
		opts = append(opts, option.WithBaseURL(a.baseURL))
	}
	client := openaiSDK.NewClient(opts...)

	params := a.buildParams(req)
	stream := client.Chat.Completions.NewStreaming(ctx, params)

	primed := stream.Next()
	if !primed {
		if err := stream.Err(); err != nil {
			return nil, a.toAdapterError(err)
		}
	}

	ch := make(chan providers.Chunk, providers.ChunkBuffer)

	go func() {
		defer close(ch)

		usage := providers.Usage{}
		sawUsage := false

		for ok := primed; ok; ok = stream.Next() {
			chunk := stream.Current()

			// The usage envelope arrives as a final chunk with no choices
			// when stream_options.include_usage is set.
			if chunk.Usage.TotalTokens > 0 {
				usage = providers.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}
				sawUsage = true
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				send(ctx, ch, providers.Chunk{Content: delta})
			}
		}

		if err := stream.Err(); err != nil {
			return
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

func (a *Adapter) buildParams(req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    req.Model,
		StreamOptions: openaiSDK.ChatCompletionStreamOptionsParam{
			IncludeUsage: openaiSDK.Bool(true),
		},
	}

	// Reasoning-tuned models reject the temperature parameter entirely.
	if req.Temperature > 0 && providers.SupportsTemperature(req.Model) {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}

	return params
}

func toSDKMessage(m providers.Message) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(m.Role) {
	case "system":
		return openaiSDK.SystemMessage(m.Text())
	case "developer":
		return openaiSDK.DeveloperMessage(m.Text())
	case "assistant":
		return openaiSDK.AssistantMessage(m.Text())
	}

	if !hasImages(m) {
		return openaiSDK.UserMessage(m.Text())
	}

	parts := make([]openaiSDK.ChatCompletionContentPartUnionParam, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case providers.PartImage:
			parts = append(parts, openaiSDK.ChatCompletionContentPartUnionParam{
				OfImageURL: &openaiSDK.ChatCompletionContentPartImageParam{
					ImageURL: openaiSDK.ChatCompletionContentPartImageImageURLParam{
						URL: p.DataURI(),
					},
				},
			})
		default:
			parts = append(parts, openaiSDK.ChatCompletionContentPartUnionParam{
				OfText: &openaiSDK.ChatCompletionContentPartTextParam{Text: p.Text},
			})
		}
	}

	return openaiSDK.ChatCompletionMessageParamUnion{
		OfUser: &openaiSDK.ChatCompletionUserMessageParam{
			Content: openaiSDK.ChatCompletionUserMessageParamContentUnion{
				OfArrayOfContentParts: parts,
			},
		},
	}
}

func hasImages(m providers.Message) bool {
	for _, p := range m.Parts {
		if p.Kind == providers.PartImage {
			return true
		}
	}
	return false
}

func (a *Adapter) toAdapterError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &providers.AdapterError{
			Provider:   a.name,
			StatusCode: apierr.StatusCode,
			Body:       apierr.Error(),
		}
	}
	return err
}
