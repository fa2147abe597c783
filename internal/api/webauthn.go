package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/heimdall-id/heimdall/internal/passkey"
	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
)

type ceremonyOptionsRequest struct {
	Email  string `json:"email,omitempty"`
	Origin string `json:"origin,omitempty"`
}

type ceremonyOptionsResponse struct {
	ChallengeID string `json:"challengeId"`
	Options     any    `json:"options"`
}

type ceremonyVerifyRequest struct {
	ChallengeID string          `json:"challengeId"`
	Credential  json.RawMessage `json:"credential"`
	Name        string          `json:"name,omitempty"`
}

func (r ceremonyVerifyRequest) validate() error {
	if r.ChallengeID == "" || len(r.Credential) == 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "challengeId and credential are required")
	}
	return nil
}

type credentialResponse struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	DeviceType string     `json:"deviceType"`
	BackedUp   bool       `json:"backedUp"`
	Transports []string   `json:"transports,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

func credentialResponseView(credential passkey.Credential) credentialResponse {
	return credentialResponse{
		ID:         credential.ID,
		Name:       credential.Name,
		DeviceType: credential.DeviceType,
		BackedUp:   credential.BackedUp,
		Transports: credential.Transports,
		CreatedAt:  credential.CreatedAt,
		LastUsedAt: credential.LastUsedAt,
	}
}

func (s *Server) handleRegisterOptions(w http.ResponseWriter, r *http.Request) {
	var req ceremonyOptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	claims := claimsFrom(r.Context())
	options, challengeID, err := s.passkeys.BeginRegistration(r.Context(), projectFrom(r.Context()), claims.UserID, req.Origin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ceremonyOptionsResponse{ChallengeID: challengeID, Options: options})
}

func (s *Server) handleRegisterVerify(w http.ResponseWriter, r *http.Request) {
	var req ceremonyVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	claims := claimsFrom(r.Context())
	credential, err := s.passkeys.FinishRegistration(r.Context(), projectFrom(r.Context()), claims.UserID, req.ChallengeID, req.Credential, req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, credentialResponseView(credential))
}

func (s *Server) handleLoginOptions(w http.ResponseWriter, r *http.Request) {
	var req ceremonyOptionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	options, challengeID, err := s.passkeys.BeginLogin(r.Context(), projectFrom(r.Context()), req.Email, req.Origin)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ceremonyOptionsResponse{ChallengeID: challengeID, Options: options})
}

func (s *Server) handleLoginVerify(w http.ResponseWriter, r *http.Request) {
	var req ceremonyVerifyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := req.validate(); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.passkeys.FinishLogin(r.Context(), projectFrom(r.Context()), req.ChallengeID, req.Credential)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenPairView(pair))
}

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	credentials, err := s.passkeys.ListCredentials(r.Context(), claimsFrom(r.Context()).UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]credentialResponse, 0, len(credentials))
	for _, credential := range credentials {
		views = append(views, credentialResponseView(credential))
	}
	writeJSON(w, http.StatusOK, views)
}

type renameCredentialRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleRenameCredential(w http.ResponseWriter, r *http.Request) {
	var req renameCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	err := s.passkeys.RenameCredential(r.Context(), claimsFrom(r.Context()).UserID, r.PathValue("id"), req.Name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	err := s.passkeys.DeleteCredential(r.Context(), claimsFrom(r.Context()).UserID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}
