// Package api exposes the identity service over header-based HTTP.
//
// Every route is tenant-scoped through the X-API-Key header. Routes that act
// on behalf of a user additionally require a bearer access token whose
// project claim matches the resolved tenant.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/heimdall-id/heimdall/internal/account"
	"github.com/heimdall-id/heimdall/internal/membership"
	"github.com/heimdall-id/heimdall/internal/passkey"
	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/project"
	"github.com/heimdall-id/heimdall/internal/session"
	"github.com/heimdall-id/heimdall/internal/social"
	"github.com/heimdall-id/heimdall/internal/storage"
)

const (
	apiKeyHeader = "X-API-Key"

	// maxBodyBytes bounds request bodies; WebAuthn attestations are the
	// largest legitimate payload and stay well under this.
	maxBodyBytes = 1 << 20
)

var (
	errMissingAPIKey = apperrors.New(apperrors.CodeAPIKeyInvalid, "missing or unknown api key")
	errMissingBearer = apperrors.New(apperrors.CodeUnauthenticated, "missing or invalid bearer token")
)

// Server routes identity requests to the domain services.
type Server struct {
	projects    storage.ProjectStore
	codec       *session.Codec
	accounts    *account.Service
	issuer      *session.Issuer
	memberships *membership.Service
	passkeys    *passkey.Service
	socials     *social.Service
}

// NewServer creates the HTTP surface over the given services.
func NewServer(projects storage.ProjectStore, codec *session.Codec, accounts *account.Service, issuer *session.Issuer, memberships *membership.Service, passkeys *passkey.Service, socials *social.Service) *Server {
	return &Server{
		projects:    projects,
		codec:       codec,
		accounts:    accounts,
		issuer:      issuer,
		memberships: memberships,
		passkeys:    passkeys,
		socials:     socials,
	}
}

// Handler builds the route table. All routes run behind tenant resolution;
// the session middleware is layered per route.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /auth/register", s.withProject(s.handleRegister))
	mux.HandleFunc("POST /auth/login", s.withProject(s.handleLogin))
	mux.HandleFunc("POST /auth/refresh", s.withProject(s.handleRefresh))
	mux.HandleFunc("POST /auth/logout", s.withProject(s.handleLogout))
	mux.HandleFunc("GET /auth/me", s.withSession(s.handleMe))

	mux.HandleFunc("POST /webauthn/register/options", s.withSession(s.handleRegisterOptions))
	mux.HandleFunc("POST /webauthn/register/verify", s.withSession(s.handleRegisterVerify))
	mux.HandleFunc("POST /webauthn/login/options", s.withProject(s.handleLoginOptions))
	mux.HandleFunc("POST /webauthn/login/verify", s.withProject(s.handleLoginVerify))
	mux.HandleFunc("GET /webauthn/credentials", s.withSession(s.handleListCredentials))
	mux.HandleFunc("PATCH /webauthn/credentials/{id}", s.withSession(s.handleRenameCredential))
	mux.HandleFunc("DELETE /webauthn/credentials/{id}", s.withSession(s.handleDeleteCredential))

	mux.HandleFunc("POST /social/login", s.withProject(s.handleSocialLogin))
	mux.HandleFunc("POST /social/link", s.withSession(s.handleSocialLink))
	mux.HandleFunc("GET /social/accounts", s.withSession(s.handleListSocialAccounts))
	mux.HandleFunc("DELETE /social/accounts/{provider}", s.withSession(s.handleSocialUnlink))

	mux.HandleFunc("GET /members", s.withSession(s.handleListMembers))
	mux.HandleFunc("GET /members/{userId}", s.withSession(s.handleGetMember))
	mux.HandleFunc("POST /members/invitations", s.withSession(s.handleInvite))
	mux.HandleFunc("POST /members/invitations/accept", s.withSession(s.handleAcceptInvitation))
	mux.HandleFunc("PATCH /members/{userId}/role", s.withSession(s.handleChangeRole))
	mux.HandleFunc("DELETE /members/{userId}", s.withSession(s.handleRemoveMember))
	mux.HandleFunc("POST /members/leave", s.withSession(s.handleLeave))
	mux.HandleFunc("PATCH /members/me/metadata", s.withSession(s.handleUpdateMetadata))
	mux.HandleFunc("POST /members/me/passkey-opt-out", s.withSession(s.handlePasskeyOptOut))

	mux.HandleFunc("GET /up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	return mux
}

type projectContextKey struct{}
type claimsContextKey struct{}

// withProject resolves the tenant from the API key header.
func (s *Server) withProject(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		apiKey := strings.TrimSpace(r.Header.Get(apiKeyHeader))
		if apiKey == "" {
			writeError(w, errMissingAPIKey)
			return
		}
		p, err := s.projects.GetProjectByAPIKey(r.Context(), apiKey)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				writeError(w, errMissingAPIKey)
				return
			}
			writeError(w, err)
			return
		}
		ctx := context.WithValue(r.Context(), projectContextKey{}, p)
		next(w, r.WithContext(ctx))
	}
}

// withSession resolves the tenant, then requires a bearer access token bound
// to that same tenant.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return s.withProject(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, errMissingBearer)
			return
		}
		claims, err := s.codec.Verify(token)
		if err != nil {
			writeError(w, err)
			return
		}
		if claims.ProjectID != projectFrom(r.Context()).ID {
			writeError(w, errMissingBearer)
			return
		}
		ctx := context.WithValue(r.Context(), claimsContextKey{}, claims)
		next(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, bool) {
	authorization := r.Header.Get("Authorization")
	scheme, token, found := strings.Cut(authorization, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

func projectFrom(ctx context.Context) project.Project {
	p, _ := ctx.Value(projectContextKey{}).(project.Project)
	return p
}

func claimsFrom(ctx context.Context) session.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(session.Claims)
	return claims
}

// actorFrom builds the membership actor for the authenticated caller.
func actorFrom(ctx context.Context) membership.Actor {
	claims := claimsFrom(ctx)
	return membership.Actor{
		UserID:    claims.UserID,
		ProjectID: claims.ProjectID,
		Role:      membership.Role(claims.Role),
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "read request body", err)
	}
	if len(body) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "request body is required")
	}
	if err := json.Unmarshal(body, target); err != nil {
		return apperrors.Wrap(apperrors.CodeInvalidArgument, "invalid request body", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// writeError maps a domain error to a stable status and message. Infra
// failures are logged with detail server-side and surfaced as a generic
// internal error so nothing about the store leaks to callers.
func writeError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := code.HTTPStatus()
	message := err.Error()
	if status >= http.StatusInternalServerError || code == apperrors.CodeUnknown {
		log.Printf("api: internal error: %v", err)
		code = apperrors.CodeInternal
		status = http.StatusInternalServerError
		message = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: string(code), Message: message})
}
