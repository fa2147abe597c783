package social

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/heimdall-id/heimdall/internal/project"
)

// exchangeGitHub trades the code for an opaque access token and reads the
// profile from the API. GitHub hides private emails from the profile, so the
// verified primary address from the emails endpoint is the fallback.
func (e *Exchanger) exchangeGitHub(ctx context.Context, credentials project.ProviderCredentials, code string) (Profile, error) {
	payload, err := json.Marshal(map[string]string{
		"client_id":     credentials.ClientID,
		"client_secret": credentials.ClientSecret,
		"code":          code,
	})
	if err != nil {
		return Profile{}, fmt.Errorf("encode token request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.githubTokenURL, bytes.NewReader(payload))
	if err != nil {
		return Profile{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Profile{}, ErrExchangeFailed
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Profile{}, ErrExchangeFailed
	}

	var tokenBody struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenBody); err != nil {
		return Profile{}, ErrExchangeFailed
	}
	if tokenBody.AccessToken == "" {
		return Profile{}, ErrNoAccessToken
	}

	profile, err := e.fetchGitHubProfile(ctx, tokenBody.AccessToken)
	if err != nil {
		return Profile{}, err
	}
	if profile.Email == "" {
		email, err := e.fetchGitHubPrimaryEmail(ctx, tokenBody.AccessToken)
		if err != nil {
			return Profile{}, err
		}
		profile.Email = email
	}
	if profile.Email == "" {
		return Profile{}, ErrEmailUnavailable
	}
	return profile, nil
}

func (e *Exchanger) fetchGitHubProfile(ctx context.Context, accessToken string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.githubUserURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return Profile{}, ErrExchangeFailed
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Profile{}, ErrExchangeFailed
	}

	var body struct {
		ID    int64  `json:"id"`
		Login string `json:"login"`
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Profile{}, ErrExchangeFailed
	}

	displayName := body.Name
	if displayName == "" {
		displayName = body.Login
	}
	return Profile{
		ProviderUserID: strconv.FormatInt(body.ID, 10),
		Email:          body.Email,
		DisplayName:    displayName,
	}, nil
}

func (e *Exchanger) fetchGitHubPrimaryEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.githubEmailsURL, nil)
	if err != nil {
		return "", fmt.Errorf("build emails request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return "", nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", nil
	}

	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&emails); err != nil {
		return "", nil
	}
	for _, entry := range emails {
		if entry.Primary && entry.Verified {
			return entry.Email, nil
		}
	}
	return "", nil
}
