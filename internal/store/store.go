// Package store is the HTTP client for the hosted document backend that
// owns users, per-provider credentials, and uploaded file records. The
// gateway only reads from it; all writes happen in the surrounding product.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the backend has no record for the lookup.
// Callers treat it as an expected, recoverable condition.
var ErrNotFound = errors.New("store: not found")

type (
	// User is the resolved account record.
	User struct {
		ID     string `json:"id"`
		AuthID string `json:"authId"`
		Email  string `json:"email"`
	}

	// Credential is a stored provider key. EncryptedKey is opaque ciphertext;
	// decryption happens in the credentials package.
	Credential struct {
		Provider     string `json:"provider"`
		EncryptedKey string `json:"encryptedKey"`
	}

	// File is an uploaded attachment record.
	File struct {
		ID       string `json:"id"`
		Name     string `json:"name"`
		MimeType string `json:"mimeType"`
		Size     int64  `json:"size"`
		URL      string `json:"url"`
	}
)

// Client talks to the document backend's HTTP API.
type Client struct {
	baseURL   string
	deployKey string
	client    *http.Client
}

// New creates a store Client. deployKey authenticates the gateway to the
// backend; it is sent as a bearer token on every call.
func New(baseURL, deployKey string) *Client {
	return &Client{
		baseURL:   baseURL,
		deployKey: deployKey,
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

// GetUserByAuthID resolves the user record for an external auth id.
func (c *Client) GetUserByAuthID(ctx context.Context, authID string) (*User, error) {
	var u User
	if err := c.get(ctx, "/api/users/by-auth-id/"+url.PathEscape(authID), &u); err != nil {
		return nil, err
	}
	return &u, nil
}

// GetCredential returns the encrypted provider key stored for the user, or
// ErrNotFound when none is configured.
func (c *Client) GetCredential(ctx context.Context, userID, provider string) (*Credential, error) {
	var cred Credential
	path := "/api/users/" + url.PathEscape(userID) + "/credentials/" + url.PathEscape(provider)
	if err := c.get(ctx, path, &cred); err != nil {
		return nil, err
	}
	return &cred, nil
}

// GetFile returns the attachment record for an uploaded file id.
func (c *Client) GetFile(ctx context.Context, fileID string) (*File, error) {
	var f File
	if err := c.get(ctx, "/api/files/"+url.PathEscape(fileID), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.deployKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("store: %s: status %d: %s", path, resp.StatusCode, body)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("store: decode %s: %w", path, err)
	}
	return nil
}
