package social

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/heimdall-id/heimdall/internal/project"
)

var fixedTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func unsignedIDToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("irrelevant"))
	if err != nil {
		t.Fatalf("sign test token: %v", err)
	}
	return token
}

func googleCredentials() project.ProviderCredentials {
	return project.ProviderCredentials{ClientID: "client-1", ClientSecret: "secret-1", Enabled: true}
}

func TestGoogleExchange(t *testing.T) {
	idToken := unsignedIDToken(t, jwt.MapClaims{"sub": "g-123", "email": "sam@example.com", "name": "Sam"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if r.PostForm.Get("grant_type") != "authorization_code" || r.PostForm.Get("code") != "code-1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id_token":"` + idToken + `"}`))
	}))
	defer srv.Close()

	exchanger := NewExchanger()
	exchanger.googleTokenURL = srv.URL

	profile, err := exchanger.Exchange(context.Background(), ProviderGoogle, googleCredentials(), "code-1", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if profile.ProviderUserID != "g-123" || profile.Email != "sam@example.com" || profile.DisplayName != "Sam" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestGoogleExchangeFailures(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		wantErr error
	}{
		{
			name:    "non-2xx token response",
			handler: func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusBadRequest) },
			wantErr: ErrExchangeFailed,
		},
		{
			name: "missing id token",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{"access_token":"tok"}`))
			},
			wantErr: ErrNoIDToken,
		},
		{
			name: "undecodable id token",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.Write([]byte(`{"id_token":"garbage"}`))
			},
			wantErr: ErrInvalidProviderToken,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(tc.handler)
			defer srv.Close()
			exchanger := NewExchanger()
			exchanger.googleTokenURL = srv.URL

			_, err := exchanger.Exchange(context.Background(), ProviderGoogle, googleCredentials(), "code-1", "")
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("got %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestGoogleExchangeMissingClaims(t *testing.T) {
	idToken := unsignedIDToken(t, jwt.MapClaims{"sub": "g-123"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id_token":"` + idToken + `"}`))
	}))
	defer srv.Close()
	exchanger := NewExchanger()
	exchanger.googleTokenURL = srv.URL

	if _, err := exchanger.Exchange(context.Background(), ProviderGoogle, googleCredentials(), "code-1", ""); !errors.Is(err, ErrInvalidProviderToken) {
		t.Errorf("token without email: got %v, want ErrInvalidProviderToken", err)
	}
}

func TestGitHubExchange(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Accept") != "application/json" {
			t.Errorf("missing Accept header")
		}
		w.Write([]byte(`{"access_token":"gh-token"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer gh-token" {
			t.Errorf("authorization = %q", r.Header.Get("Authorization"))
		}
		w.Write([]byte(`{"id":42,"login":"octo","name":"Octo Cat","email":"octo@example.com"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exchanger := NewExchanger()
	exchanger.githubTokenURL = srv.URL + "/token"
	exchanger.githubUserURL = srv.URL + "/user"
	exchanger.githubEmailsURL = srv.URL + "/emails"

	profile, err := exchanger.Exchange(context.Background(), ProviderGitHub, googleCredentials(), "code-1", "")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if profile.ProviderUserID != "42" || profile.Email != "octo@example.com" || profile.DisplayName != "Octo Cat" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestGitHubExchangePrivateEmailFallback(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"access_token":"gh-token"}`))
	})
	mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id":42,"login":"octo","email":null}`))
	})
	mux.HandleFunc("/emails", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`[
			{"email":"old@example.com","primary":false,"verified":true},
			{"email":"unverified@example.com","primary":true,"verified":false},
			{"email":"octo@example.com","primary":true,"verified":true}
		]`))
	}) // the verified primary wins
	srv := httptest.NewServer(mux)
	defer srv.Close()

	exchanger := NewExchanger()
	exchanger.githubTokenURL = srv.URL + "/token"
	exchanger.githubUserURL = srv.URL + "/user"
	exchanger.githubEmailsURL = srv.URL + "/emails"

	profile, err := exchanger.Exchange(context.Background(), ProviderGitHub, googleCredentials(), "code-1", "")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if profile.Email != "octo@example.com" {
		t.Errorf("email = %q", profile.Email)
	}
	if profile.DisplayName != "octo" {
		t.Errorf("display name = %q, want login fallback", profile.DisplayName)
	}
}

func TestGitHubExchangeFailures(t *testing.T) {
	t.Run("no access token", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"error":"bad_verification_code"}`))
		}))
		defer srv.Close()
		exchanger := NewExchanger()
		exchanger.githubTokenURL = srv.URL

		if _, err := exchanger.Exchange(context.Background(), ProviderGitHub, googleCredentials(), "code-1", ""); !errors.Is(err, ErrNoAccessToken) {
			t.Errorf("got %v, want ErrNoAccessToken", err)
		}
	})

	t.Run("email unavailable", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"access_token":"gh-token"}`))
		})
		mux.HandleFunc("/user", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"id":42,"login":"octo","email":null}`))
		})
		mux.HandleFunc("/emails", func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`[]`))
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()
		exchanger := NewExchanger()
		exchanger.githubTokenURL = srv.URL + "/token"
		exchanger.githubUserURL = srv.URL + "/user"
		exchanger.githubEmailsURL = srv.URL + "/emails"

		if _, err := exchanger.Exchange(context.Background(), ProviderGitHub, googleCredentials(), "code-1", ""); !errors.Is(err, ErrEmailUnavailable) {
			t.Errorf("got %v, want ErrEmailUnavailable", err)
		}
	})
}

func appleCredentials(t *testing.T) project.ProviderCredentials {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})
	return project.ProviderCredentials{
		ClientID:   "com.example.app",
		Enabled:    true,
		TeamID:     "TEAM123",
		KeyID:      "KEY456",
		PrivateKey: string(keyPEM),
	}
}

func TestAppleExchange(t *testing.T) {
	idToken := unsignedIDToken(t, jwt.MapClaims{"sub": "apple-1", "email": "sam@example.com"})
	var clientSecret string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		clientSecret = r.PostForm.Get("client_secret")
		w.Write([]byte(`{"id_token":"` + idToken + `"}`))
	}))
	defer srv.Close()

	exchanger := NewExchanger().WithClock(func() time.Time { return fixedTime })
	exchanger.appleTokenURL = srv.URL

	profile, err := exchanger.Exchange(context.Background(), ProviderApple, appleCredentials(t), "code-1", "https://app.example.com/cb")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if profile.ProviderUserID != "apple-1" || profile.Email != "sam@example.com" {
		t.Errorf("profile = %+v", profile)
	}

	// The client secret is a short-lived ES256 assertion keyed to the tenant.
	parsed, _, err := jwt.NewParser().ParseUnverified(clientSecret, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("parse client secret: %v", err)
	}
	if parsed.Header["alg"] != "ES256" || parsed.Header["kid"] != "KEY456" {
		t.Errorf("client secret header = %v", parsed.Header)
	}
	claims := parsed.Claims.(jwt.MapClaims)
	if claims["iss"] != "TEAM123" || claims["sub"] != "com.example.app" {
		t.Errorf("client secret claims = %v", claims)
	}
}

func TestAppleExchangeSubsequentLoginWithoutEmail(t *testing.T) {
	idToken := unsignedIDToken(t, jwt.MapClaims{"sub": "apple-1"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id_token":"` + idToken + `"}`))
	}))
	defer srv.Close()

	exchanger := NewExchanger()
	exchanger.appleTokenURL = srv.URL

	profile, err := exchanger.Exchange(context.Background(), ProviderApple, appleCredentials(t), "code-1", "")
	if err != nil {
		t.Fatalf("Exchange: %v", err)
	}
	if profile.ProviderUserID != "apple-1" || profile.Email != "" {
		t.Errorf("profile = %+v", profile)
	}
}

func TestAppleExchangeMissingSubject(t *testing.T) {
	idToken := unsignedIDToken(t, jwt.MapClaims{"email": "sam@example.com"})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"id_token":"` + idToken + `"}`))
	}))
	defer srv.Close()

	exchanger := NewExchanger()
	exchanger.appleTokenURL = srv.URL

	if _, err := exchanger.Exchange(context.Background(), ProviderApple, appleCredentials(t), "code-1", ""); !errors.Is(err, ErrInvalidProviderToken) {
		t.Errorf("got %v, want ErrInvalidProviderToken", err)
	}
}

func TestParseProvider(t *testing.T) {
	for _, valid := range []string{"google", "github", "apple"} {
		if _, err := ParseProvider(valid); err != nil {
			t.Errorf("ParseProvider(%q): %v", valid, err)
		}
	}
	if _, err := ParseProvider("facebook"); !errors.Is(err, ErrProviderUnsupported) {
		t.Errorf("unsupported provider: got %v", err)
	}
}
