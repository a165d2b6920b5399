// Package credentials resolves and decrypts per-user provider API keys.
//
// Keys are stored encrypted in the document backend and resolved fresh on
// every request — nothing is cached here, and plaintext keys are never
// persisted or logged.
package credentials

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/loomchat/gateway/internal/store"
)

// ErrNotFound signals that the user has no stored key for the provider.
// Expected and recoverable: the orchestrator reports it to the client
// before any upstream call is made.
var ErrNotFound = errors.New("credentials: no key for provider")

// credentialStore is the slice of the backend the resolver needs.
type credentialStore interface {
	GetCredential(ctx context.Context, userID, provider string) (*store.Credential, error)
}

// Resolver looks up encrypted credentials and decrypts them with a
// process-wide secret supplied at construction (never read from the
// environment at use sites).
type Resolver struct {
	store credentialStore
	aead  cipher.AEAD
}

// New creates a Resolver. secret must be 32 bytes (AES-256).
func New(s credentialStore, secret []byte) (*Resolver, error) {
	if len(secret) != 32 {
		return nil, fmt.Errorf("credentials: secret must be 32 bytes, got %d", len(secret))
	}
	block, err := aes.NewCipher(secret)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}
	return &Resolver{store: s, aead: aead}, nil
}

// Resolve returns the decrypted API key for (userID, provider).
// Returns ErrNotFound when no key is stored; corrupt ciphertext is a
// resolver error, never silently swallowed.
func (r *Resolver) Resolve(ctx context.Context, userID, provider string) (string, error) {
	cred, err := r.store.GetCredential(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("credentials: lookup: %w", err)
	}

	key, err := r.decrypt(cred.EncryptedKey)
	if err != nil {
		return "", fmt.Errorf("credentials: decrypt %s key: %w", provider, err)
	}
	return key, nil
}

// decrypt reverses Encrypt: base64(nonce || sealed).
func (r *Resolver) decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("base64: %w", err)
	}
	ns := r.aead.NonceSize()
	if len(raw) < ns {
		return "", errors.New("ciphertext shorter than nonce")
	}
	plain, err := r.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("open: %w", err)
	}
	return string(plain), nil
}

// Encrypt seals a plaintext key into the stored wire form. Used by tests
// and by the settings flow that writes credentials.
func (r *Resolver) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, r.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("credentials: nonce: %w", err)
	}
	sealed := r.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(append(nonce, sealed...)), nil
}
