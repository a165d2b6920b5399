package chat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/loomchat/gateway/internal/providers"
)

// Error classes. Used as the metrics label and the logged outcome for a
// failed turn. The matching user-facing strings are sanitized — upstream
// error bodies stay in server-side logs only.
const (
	classCredentialMissing = "credential_missing"
	classCredentialError   = "credential_error"
	classProviderAuth      = "provider_auth"
	classProviderRateLimit = "provider_rate_limit"
	classQuota             = "quota_billing"
	classUnavailable       = "provider_unavailable"
	classTimeout           = "timeout"
	classNetwork           = "network"
	classDisconnect        = "client_disconnect"
	classUnknown           = "unknown"
)

// credentialMissingMessage names the provider so the client can point the
// user at the right Settings entry. Emitted before any upstream call.
func credentialMissingMessage(provider string) string {
	return fmt.Sprintf("No API key configured for %s. Add one in Settings to use this model.", provider)
}

// quotaMarkers are substrings that identify billing/quota failures across
// providers that report them with assorted status codes.
var quotaMarkers = []string{"quota", "billing", "insufficient_quota", "credit"}

// classifyUpstreamError maps an adapter error to (class, user-facing
// message). The message never contains upstream response bodies or any
// part of the user's credential.
func classifyUpstreamError(err error) (class, message string) {
	var adaptErr *providers.AdapterError
	if errors.As(err, &adaptErr) {
		lower := strings.ToLower(adaptErr.Body)
		for _, marker := range quotaMarkers {
			if strings.Contains(lower, marker) {
				return classQuota, "Your provider account is out of quota or has a billing issue. Check your provider dashboard."
			}
		}
	}

	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		switch status := sc.HTTPStatus(); {
		case status == 401 || status == 403:
			return classProviderAuth, "The provider rejected your API key. Check it in Settings."
		case status == 402:
			return classQuota, "Your provider account is out of quota or has a billing issue. Check your provider dashboard."
		case status == 429:
			return classProviderRateLimit, "The provider is rate limiting your key. Wait a moment and try again."
		case status >= 500:
			return classUnavailable, "The provider is currently unavailable. Try again or switch models."
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return classTimeout, "The provider took too long to respond. Try again."
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return classNetwork, "Could not reach the provider. Check your connection and try again."
	}

	return classUnknown, "Something went wrong while generating a response. Try again."
}
