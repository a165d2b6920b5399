// Package files turns attachment references into provider-agnostic content
// parts.
//
// The one rule that matters here: a single bad attachment must never fail
// an otherwise-valid chat turn. Every per-item failure degrades to a
// placeholder text part describing the attachment, and processing continues
// with the rest of the batch.
package files

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomchat/gateway/internal/providers"
	"github.com/loomchat/gateway/internal/store"
)

// maxFetchBytes caps the bytes pulled for any single attachment.
const maxFetchBytes = 20 << 20

// AttachmentRef identifies one uploaded file in a chat turn. Created by the
// upload flow; read-only here.
type AttachmentRef struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
	URL      string `json:"url,omitempty"`
}

// fileStore is the slice of the backend the preprocessor needs.
type fileStore interface {
	GetFile(ctx context.Context, fileID string) (*store.File, error)
}

// Preprocessor resolves attachment references to content parts.
type Preprocessor struct {
	store       fileStore
	client      *http.Client
	maxParallel int
}

// Option configures a Preprocessor.
type Option func(*Preprocessor)

// WithHTTPClient replaces the fetch client (useful for testing).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Preprocessor) { p.client = c }
}

// WithMaxParallel bounds concurrent attachment fetches. Default 4.
func WithMaxParallel(n int) Option {
	return func(p *Preprocessor) {
		if n > 0 {
			p.maxParallel = n
		}
	}
}

// New creates a Preprocessor backed by the given file store.
func New(s fileStore, opts ...Option) *Preprocessor {
	p := &Preprocessor{
		store:       s,
		client:      &http.Client{Timeout: 30 * time.Second},
		maxParallel: 4,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Process converts refs into content parts, one per ref, in input order,
// and reports how many degraded to placeholders. Attachments are fetched
// with bounded parallelism; results are written by index so completion
// order never changes output order. Process never returns an error for
// per-item failures — those become placeholders.
func (p *Preprocessor) Process(ctx context.Context, refs []AttachmentRef) ([]providers.ContentPart, int) {
	if len(refs) == 0 {
		return nil, 0
	}

	parts := make([]providers.ContentPart, len(refs))
	failed := make([]bool, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.maxParallel)

	for i, ref := range refs {
		g.Go(func() error {
			parts[i], failed[i] = p.processOne(gctx, ref)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	degraded := 0
	for _, f := range failed {
		if f {
			degraded++
		}
	}
	return parts, degraded
}

func (p *Preprocessor) processOne(ctx context.Context, ref AttachmentRef) (part providers.ContentPart, degraded bool) {
	resolved, err := p.resolve(ctx, ref)
	if err != nil {
		return placeholder(ref, "could not be loaded"), true
	}

	switch classify(resolved.MimeType) {
	case kindImage:
		data, err := p.fetch(ctx, resolved.URL)
		if err != nil {
			return placeholder(ref, "could not be loaded"), true
		}
		return providers.ImagePart(resolved.MimeType, base64.StdEncoding.EncodeToString(data)), false

	case kindText:
		data, err := p.fetch(ctx, resolved.URL)
		if err != nil {
			return placeholder(ref, "could not be loaded"), true
		}
		return providers.TextPart(fmt.Sprintf("File %q:\n%s", resolved.Name, data)), false

	default:
		// Unsupported type: describe it without fetching content.
		return providers.TextPart(fmt.Sprintf(
			"[Attachment %q (%s, %d bytes) content type not supported inline]",
			resolved.Name, resolved.MimeType, resolved.Size)), false
	}
}

// resolve fills in missing fields from the file store. Refs that already
// carry a URL skip the lookup.
func (p *Preprocessor) resolve(ctx context.Context, ref AttachmentRef) (*store.File, error) {
	if ref.URL != "" {
		return &store.File{
			ID:       ref.ID,
			Name:     ref.Name,
			MimeType: ref.MimeType,
			Size:     ref.Size,
			URL:      ref.URL,
		}, nil
	}
	return p.store.GetFile(ctx, ref.ID)
}

func (p *Preprocessor) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("files: fetch %s: status %d", url, resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, maxFetchBytes))
}

func placeholder(ref AttachmentRef, reason string) providers.ContentPart {
	return providers.TextPart(fmt.Sprintf("[Attachment %q %s]", ref.Name, reason))
}

type contentKind int

const (
	kindOther contentKind = iota
	kindImage
	kindText
)

// classify buckets a declared media type. Text-like covers the formats the
// product lets users attach as plain documents.
func classify(mimeType string) contentKind {
	mt := strings.ToLower(mimeType)
	switch {
	case strings.HasPrefix(mt, "image/"):
		return kindImage
	case strings.HasPrefix(mt, "text/"),
		mt == "application/json",
		mt == "application/xml",
		mt == "application/javascript",
		mt == "application/x-yaml":
		return kindText
	default:
		return kindOther
	}
}
