// Package identity resolves the caller's external auth id from a bearer
// token. The actual identity provider is an external collaborator; this
// package only verifies tokens against its verification endpoint.
package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnauthenticated is returned for missing, expired, or invalid tokens.
var ErrUnauthenticated = errors.New("identity: unauthenticated")

// Verifier resolves a bearer token to an opaque external auth id.
type Verifier interface {
	Verify(ctx context.Context, token string) (authID string, err error)
}

// HTTPVerifier verifies tokens against the identity provider's verify
// endpoint.
type HTTPVerifier struct {
	verifyURL string
	client    *http.Client
}

// NewHTTPVerifier creates a Verifier calling verifyURL.
func NewHTTPVerifier(verifyURL string) *HTTPVerifier {
	return &HTTPVerifier{
		verifyURL: verifyURL,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Verify sends the token and returns the provider-assigned auth id.
func (v *HTTPVerifier) Verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthenticated
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.verifyURL, nil)
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", ErrUnauthenticated
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return "", fmt.Errorf("identity: verify: status %d: %s", resp.StatusCode, body)
	}

	var out struct {
		Subject string `json:"sub"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("identity: decode: %w", err)
	}
	if out.Subject == "" {
		return "", ErrUnauthenticated
	}
	return out.Subject, nil
}
