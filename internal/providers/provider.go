// Package providers defines the normalized request/response model shared by
// all upstream LLM adapter implementations (Anthropic, OpenAI, Gemini,
// OpenRouter, and the OpenAI-compatible families).
//
// Each adapter lives in its own sub-package and implements the Adapter
// interface: it translates a ChatRequest into the provider's native wire
// format, opens a streaming call, and converts the provider's incremental
// encoding into a sequence of Chunk values. Everything downstream of an
// adapter is provider-agnostic.
package providers

import (
	"context"
	"fmt"
	"time"
)

type (
	// PartKind discriminates ContentPart variants.
	PartKind string

	// ContentPart is one provider-agnostic piece of message content.
	// Text parts carry Text; image parts carry MimeType plus base64 Data.
	ContentPart struct {
		Kind     PartKind
		Text     string
		MimeType string
		Data     string // base64-encoded bytes, no data-URI prefix
	}

	// Message is a single conversation turn.
	Message struct {
		Role  string
		Parts []ContentPart
	}

	// Usage — token usage stats reported by the upstream.
	Usage struct {
		InputTokens  int
		OutputTokens int
		TotalTokens  int
	}

	// Source is one search-derived citation attached to a grounded answer.
	Source struct {
		Title string `json:"title"`
		URL   string `json:"url"`
	}

	// Grounding carries the search sources a provider discovered while
	// answering. Attached to at most one chunk per stream.
	Grounding struct {
		Sources []Source `json:"sources"`
	}

	// Chunk is the normalized unit of streamed output. Content chunks arrive
	// in display order; Done is true on at most one chunk, always the last.
	Chunk struct {
		Content   string
		Usage     *Usage
		Grounding *Grounding
		Done      bool
	}

	// ChatRequest is the normalized request handed to an adapter. APIKey is
	// the per-user credential resolved for the target provider; it must never
	// be logged.
	ChatRequest struct {
		Model           string
		Messages        []Message
		Temperature     float64
		MaxTokens       int
		SearchGrounding bool
		APIKey          string
		RequestID       string
	}
)

const (
	PartText  PartKind = "text"
	PartImage PartKind = "image"
)

// TextPart builds a plain text ContentPart.
func TextPart(s string) ContentPart {
	return ContentPart{Kind: PartText, Text: s}
}

// ImagePart builds an inline-image ContentPart from a media type and
// base64-encoded bytes.
func ImagePart(mimeType, b64 string) ContentPart {
	return ContentPart{Kind: PartImage, MimeType: mimeType, Data: b64}
}

// DataURI renders an image part as an RFC 2397 data URI.
func (p ContentPart) DataURI() string {
	return "data:" + p.MimeType + ";base64," + p.Data
}

// TextMessage builds a single-part text Message.
func TextMessage(role, content string) Message {
	return Message{Role: role, Parts: []ContentPart{TextPart(content)}}
}

// Text concatenates the text parts of the message.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			s += p.Text
		}
	}
	return s
}

// Adapter is the capability every provider family implements: build the
// provider-native request and expose the native streaming response as a
// normalized chunk sequence. Stream returns an error only for failures
// before the stream opens (bad credential, non-2xx status); once a channel
// is returned, the adapter signals exhaustion by closing it.
type Adapter interface {
	Name() string
	Stream(ctx context.Context, req *ChatRequest) (<-chan Chunk, error)
}

// ChunkBuffer is the channel capacity adapters use. One slot keeps the
// producer at most one chunk ahead of the flushed client write, so a slow
// client read stalls the upstream socket instead of growing a buffer.
const ChunkBuffer = 1

// CallTimeout bounds one upstream dispatch. Providers occasionally hang;
// the orchestrator applies this to every call.
const CallTimeout = 120 * time.Second

// AdapterError is the typed error for a non-2xx upstream response. Body
// holds the provider's raw error payload for server-side diagnostics only —
// it is never forwarded to clients.
type AdapterError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("%s: upstream status %d", e.Provider, e.StatusCode)
}

// HTTPStatus reports the upstream status code.
func (e *AdapterError) HTTPStatus() int { return e.StatusCode }

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}
