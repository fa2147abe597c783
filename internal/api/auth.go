package api

import (
	"net/http"
	"time"

	"github.com/heimdall-id/heimdall/internal/membership"
	"github.com/heimdall-id/heimdall/internal/session"
)

type registerRequest struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type tokenPairResponse struct {
	AccessToken           string    `json:"accessToken"`
	RefreshToken          string    `json:"refreshToken"`
	RefreshTokenExpiresAt time.Time `json:"refreshTokenExpiresAt"`
}

func tokenPairView(pair session.TokenPair) tokenPairResponse {
	return tokenPairResponse{
		AccessToken:           pair.AccessToken,
		RefreshToken:          pair.RefreshToken,
		RefreshTokenExpiresAt: pair.RefreshExpiresAt,
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.accounts.Register(r.Context(), projectFrom(r.Context()), req.Email, req.Username, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, tokenPairView(pair))
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.accounts.Login(r.Context(), projectFrom(r.Context()), req.Email, req.Password)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairView(pair))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.issuer.Refresh(r.Context(), req.RefreshToken, projectFrom(r.Context()).ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairView(pair))
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.issuer.Logout(r.Context(), req.RefreshToken); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type sessionResponse struct {
	UserID        string         `json:"userId"`
	Email         string         `json:"email"`
	Role          string         `json:"role"`
	ProjectID     string         `json:"projectId"`
	MembershipID  string         `json:"membershipId"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	PasskeyPolicy string         `json:"passkeyPolicy"`
}

// handleMe returns the caller's session and membership view, including the
// tenant passkey policy so clients can render the passkey nudge.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	member, err := s.memberships.RequireActive(r.Context(), claims.UserID, claims.ProjectID, membership.RoleMember)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		UserID:        claims.UserID,
		Email:         claims.Email,
		Role:          string(member.Role),
		ProjectID:     claims.ProjectID,
		MembershipID:  member.ID,
		Metadata:      member.Metadata,
		PasskeyPolicy: string(projectFrom(r.Context()).PasskeyPolicy),
	})
}
