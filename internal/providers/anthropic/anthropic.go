// Package anthropic implements the providers.Adapter for the Anthropic
// Messages API using the official SDK.
package anthropic

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/loomchat/gateway/internal/providers"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	defaultMaxTokens = 4096
)

// Adapter streams chat completions from Anthropic.
type Adapter struct {
	baseURL string
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates an Anthropic Adapter. The API key is supplied per request —
// credentials are resolved per user, not per process.
func New(opts ...Option) *Adapter {
	a := &Adapter{baseURL: defaultBaseURL}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Name() string { return providers.ProviderAnthropic }

func (a *Adapter) Stream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.Chunk, error) {
	client := anthropic.NewClient(
		option.WithAPIKey(req.APIKey),
		option.WithBaseURL(a.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: providers.CallTimeout}),
	)

	params := buildParams(req)
	stream := client.Messages.NewStreaming(ctx, params)

	// Prime the stream so auth and request-shape failures surface as a typed
	// error before any downstream frame is written.
	primed := stream.Next()
	if !primed {
		if err := stream.Err(); err != nil {
			return nil, ToAdapterError(err)
		}
	}

	ch := make(chan providers.Chunk, providers.ChunkBuffer)

	go func() {
		defer close(ch)

		usage := providers.Usage{}

		for ok := primed; ok; ok = stream.Next() {
			ev := stream.Current()

			switch event := ev.AsAny().(type) {
			case anthropic.MessageStartEvent:
				usage.InputTokens = int(event.Message.Usage.InputTokens)
				usage.OutputTokens = int(event.Message.Usage.OutputTokens)
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens

			case anthropic.ContentBlockDeltaEvent:
				switch delta := event.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if delta.Text != "" {
						send(ctx, ch, providers.Chunk{Content: delta.Text})
					}
				case *anthropic.TextDelta:
					if delta.Text != "" {
						send(ctx, ch, providers.Chunk{Content: delta.Text})
					}
				}

			case anthropic.MessageDeltaEvent:
				usage.OutputTokens = int(event.Usage.OutputTokens)
				usage.TotalTokens = usage.InputTokens + usage.OutputTokens
				u := usage
				send(ctx, ch, providers.Chunk{Usage: &u})
			}
		}

		if err := stream.Err(); err != nil {
			// Stream broke mid-flight; the orchestrator treats channel close
			// without Done as normal end, so nothing more to emit here.
			return
		}

		final := usage
		send(ctx, ch, providers.Chunk{Usage: &final, Done: true})
	}()

	return ch, nil
}

// send delivers a chunk unless the request context is gone.
func send(ctx context.Context, ch chan<- providers.Chunk, c providers.Chunk) {
	select {
	case ch <- c:
	case <-ctx.Done():
	}
}

func buildParams(req *providers.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Text()
		default:
			msgs = append(msgs, toSDKMessage(m))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	if req.Temperature > 0 && providers.SupportsTemperature(req.Model) {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	return params
}

func toSDKMessage(m providers.Message) anthropic.MessageParam {
	role := anthropic.MessageParamRoleUser
	if strings.ToLower(m.Role) == "assistant" {
		role = anthropic.MessageParamRoleAssistant
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
	for _, p := range m.Parts {
		switch p.Kind {
		case providers.PartImage:
			blocks = append(blocks, anthropic.NewImageBlockBase64(p.MimeType, p.Data))
		default:
			blocks = append(blocks, anthropic.NewTextBlock(p.Text))
		}
	}

	return anthropic.MessageParam{Role: role, Content: blocks}
}

// ToAdapterError converts SDK errors into the shared typed form.
func ToAdapterError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &providers.AdapterError{
			Provider:   providers.ProviderAnthropic,
			StatusCode: apierr.StatusCode,
			Body:       apierr.Error(),
		}
	}
	return err
}
