package api

import (
	"net/http"
	"time"

	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/social"
)

type socialLoginRequest struct {
	Provider    string `json:"provider"`
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri"`
}

func (r socialLoginRequest) validate() error {
	if r.Provider == "" || r.Code == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "provider and code are required")
	}
	return nil
}

type socialAccountResponse struct {
	Provider    string    `json:"provider"`
	Email       string    `json:"email,omitempty"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func socialAccountView(account social.Account) socialAccountResponse {
	return socialAccountResponse{
		Provider:    string(account.Provider),
		Email:       account.Email,
		DisplayName: account.DisplayName,
		CreatedAt:   account.CreatedAt,
	}
}

func (s *Server) handleSocialLogin(w http.ResponseWriter, r *http.Request) {
	var req socialLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.socials.Login(r.Context(), projectFrom(r.Context()), req.Provider, req.Code, req.RedirectURI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairView(pair))
}

func (s *Server) handleSocialLink(w http.ResponseWriter, r *http.Request) {
	var req socialLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	account, err := s.socials.Link(r.Context(), projectFrom(r.Context()), claimsFrom(r.Context()).UserID, req.Provider, req.Code, req.RedirectURI)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, socialAccountView(account))
}

func (s *Server) handleSocialUnlink(w http.ResponseWriter, r *http.Request) {
	err := s.socials.Unlink(r.Context(), claimsFrom(r.Context()).UserID, r.PathValue("provider"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleListSocialAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := s.socials.List(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]socialAccountResponse, 0, len(accounts))
	for _, account := range accounts {
		views = append(views, socialAccountView(account))
	}
	writeJSON(w, http.StatusOK, views)
}
