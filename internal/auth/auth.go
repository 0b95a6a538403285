// Package auth verifies credentials presented by signaling WebSocket clients.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/janus-bridge/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns nil for AuthModeNone.
func NewVerifier(mode config.AuthMode, apiKey string) (Verifier, error) {
	switch mode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		if apiKey == "" {
			return nil, fmt.Errorf("%s requires an API key", mode)
		}
		return APIKeyVerifier{Expected: apiKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

type APIKeyVerifier struct {
	Expected string
}

func (v APIKeyVerifier) Verify(apiKey string) error {
	if apiKey == "" {
		return ErrMissingCredentials
	}
	if v.Expected == "" || subtle.ConstantTimeCompare([]byte(apiKey), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

// CredentialFromRequest extracts an API key from the `apiKey` query parameter
// or an `Authorization: Bearer` header.
func CredentialFromRequest(r *http.Request) (string, error) {
	if apiKey := r.URL.Query().Get("apiKey"); apiKey != "" {
		return apiKey, nil
	}
	if scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " "); ok && strings.EqualFold(scheme, "Bearer") {
		if token = strings.TrimSpace(token); token != "" {
			return token, nil
		}
	}
	return "", ErrMissingCredentials
}

// WireAuthMessage is the first client message when credentials are not in the
// upgrade request: {"type":"auth","apiKey":"..."}.
type WireAuthMessage struct {
	Type   string `json:"type"`
	APIKey string `json:"apiKey,omitempty"`
}

func CredentialFromAuthMessage(msg WireAuthMessage) (string, error) {
	if msg.Type != "auth" {
		return "", fmt.Errorf("%w: expected auth message, got %q", ErrMissingCredentials, msg.Type)
	}
	if msg.APIKey == "" {
		return "", ErrMissingCredentials
	}
	return msg.APIKey, nil
}

// IsUnauthorized reports whether err is a credential failure rather than a
// server-side problem.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}
