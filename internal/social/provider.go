// Package social normalizes Google, GitHub, and Apple code exchanges into one
// profile contract and applies a single account-linking policy.
package social

import (
	"context"
	"net/http"
	"time"

	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/project"
)

// Provider is a supported federation provider.
type Provider string

const (
	ProviderGoogle Provider = "google"
	ProviderGitHub Provider = "github"
	ProviderApple  Provider = "apple"
)

var (
	// ErrProviderUnsupported indicates a provider name outside the supported set.
	ErrProviderUnsupported = apperrors.New(apperrors.CodeProviderUnsupported, "provider must be one of google, github, apple")
	// ErrProviderDisabled indicates a provider the project has not configured
	// or has switched off.
	ErrProviderDisabled = apperrors.New(apperrors.CodeProviderDisabled, "provider is not enabled for this project")
	// ErrExchangeFailed indicates a non-2xx response from the provider's
	// token endpoint.
	ErrExchangeFailed = apperrors.New(apperrors.CodeExchangeFailed, "authorization code exchange failed")
	// ErrNoIDToken indicates a token response without the expected ID token.
	ErrNoIDToken = apperrors.New(apperrors.CodeNoIDToken, "provider returned no ID token")
	// ErrNoAccessToken indicates a token response without an access token.
	ErrNoAccessToken = apperrors.New(apperrors.CodeNoAccessToken, "provider returned no access token")
	// ErrEmailUnavailable indicates the provider exposed no usable email.
	ErrEmailUnavailable = apperrors.New(apperrors.CodeEmailUnavailable, "could not retrieve an email from the provider")
	// ErrInvalidProviderToken indicates an ID token missing required claims.
	ErrInvalidProviderToken = apperrors.New(apperrors.CodeProviderTokenBad, "provider ID token is missing required claims")
)

// ParseProvider validates a provider name.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderGoogle, ProviderGitHub, ProviderApple:
		return Provider(s), nil
	}
	return "", ErrProviderUnsupported
}

// Profile is the normalized result of a successful code exchange. Email may
// be empty only for Apple, which withholds it after the first consent.
type Profile struct {
	ProviderUserID string
	Email          string
	DisplayName    string
}

// Exchanger turns an authorization code into a Profile. Endpoint URLs are
// fields so tests can point them at local servers.
type Exchanger struct {
	httpClient *http.Client

	googleTokenURL  string
	githubTokenURL  string
	githubUserURL   string
	githubEmailsURL string
	appleTokenURL   string

	clock func() time.Time
}

// NewExchanger creates an exchanger against the real provider endpoints.
func NewExchanger() *Exchanger {
	return &Exchanger{
		httpClient:      &http.Client{Timeout: 10 * time.Second},
		googleTokenURL:  "https://oauth2.googleapis.com/token",
		githubTokenURL:  "https://github.com/login/oauth/access_token",
		githubUserURL:   "https://api.github.com/user",
		githubEmailsURL: "https://api.github.com/user/emails",
		appleTokenURL:   "https://appleid.apple.com/auth/token",
		clock:           time.Now,
	}
}

// WithHTTPClient overrides the HTTP client for tests.
func (e *Exchanger) WithHTTPClient(client *http.Client) *Exchanger {
	e.httpClient = client
	return e
}

// WithClock overrides the exchanger clock for tests.
func (e *Exchanger) WithClock(clock func() time.Time) *Exchanger {
	e.clock = clock
	return e
}

// Exchange dispatches the code exchange to the provider's protocol.
func (e *Exchanger) Exchange(ctx context.Context, provider Provider, credentials project.ProviderCredentials, code, redirectURI string) (Profile, error) {
	switch provider {
	case ProviderGoogle:
		return e.exchangeGoogle(ctx, credentials, code, redirectURI)
	case ProviderGitHub:
		return e.exchangeGitHub(ctx, credentials, code)
	case ProviderApple:
		return e.exchangeApple(ctx, credentials, code, redirectURI)
	}
	return Profile{}, ErrProviderUnsupported
}
