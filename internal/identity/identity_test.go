package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPVerifier_Verify(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Header.Get("Authorization") {
		case "Bearer valid-token":
			fmt.Fprint(w, `{"sub":"auth-77"}`)
		case "Bearer empty-sub":
			fmt.Fprint(w, `{"sub":""}`)
		default:
			w.WriteHeader(http.StatusUnauthorized)
		}
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL)
	ctx := context.Background()

	authID, err := v.Verify(ctx, "valid-token")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if authID != "auth-77" {
		t.Fatalf("auth id = %q", authID)
	}

	for _, token := range []string{"", "expired-token", "empty-sub"} {
		if _, err := v.Verify(ctx, token); !errors.Is(err, ErrUnauthenticated) {
			t.Errorf("token %q: expected ErrUnauthenticated, got %v", token, err)
		}
	}
}

func TestHTTPVerifier_ProviderOutageIsNotUnauthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	v := NewHTTPVerifier(srv.URL)
	_, err := v.Verify(context.Background(), "some-token")
	if err == nil || errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("outage must not look like a bad token, got %v", err)
	}
}
