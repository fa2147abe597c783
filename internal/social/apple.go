package social

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/heimdall-id/heimdall/internal/project"
)

const appleAudience = "https://appleid.apple.com"

// appleClientSecretTTL bounds the signed client assertion. Apple accepts up
// to six months; a short window means a leaked assertion is useless quickly.
const appleClientSecretTTL = 10 * time.Minute

// exchangeApple signs a client assertion with the tenant's key material,
// trades the code for an ID token, and reads its subject. The email claim is
// optional: Apple only supplies it on the first consent.
func (e *Exchanger) exchangeApple(ctx context.Context, credentials project.ProviderCredentials, code, redirectURI string) (Profile, error) {
	clientSecret, err := e.appleClientSecret(credentials)
	if err != nil {
		return Profile{}, err
	}

	form := url.Values{
		"client_id":     {credentials.ClientID},
		"client_secret": {clientSecret},
		"code":          {code},
		"grant_type":    {"authorization_code"},
		"redirect_uri":  {redirectURI},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.appleTokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Profile{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Profile{}, ErrExchangeFailed
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Profile{}, ErrExchangeFailed
	}

	var body struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Profile{}, ErrExchangeFailed
	}
	if body.IDToken == "" {
		return Profile{}, ErrNoIDToken
	}

	subject, email, _, err := decodeIDTokenClaims(body.IDToken)
	if err != nil {
		return Profile{}, err
	}
	if subject == "" {
		return Profile{}, ErrInvalidProviderToken
	}
	return Profile{ProviderUserID: subject, Email: email}, nil
}

// appleClientSecret builds the ES256 client assertion Apple requires in
// place of a static client secret.
func (e *Exchanger) appleClientSecret(credentials project.ProviderCredentials) (string, error) {
	key, err := jwt.ParseECPrivateKeyFromPEM([]byte(credentials.PrivateKey))
	if err != nil {
		return "", fmt.Errorf("parse apple signing key: %w", err)
	}

	now := e.clock().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    credentials.TeamID,
		Subject:   credentials.ClientID,
		Audience:  jwt.ClaimStrings{appleAudience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(appleClientSecretTTL)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = credentials.KeyID

	signed, err := token.SignedString(key)
	if err != nil {
		return "", fmt.Errorf("sign apple client secret: %w", err)
	}
	return signed, nil
}
