package api

import (
	"net/http"
	"time"

	"github.com/heimdall-id/heimdall/internal/membership"
)

type memberResponse struct {
	ID        string         `json:"id"`
	UserID    string         `json:"userId"`
	Role      string         `json:"role"`
	Status    string         `json:"status"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	InvitedBy string         `json:"invitedBy,omitempty"`
	JoinedAt  *time.Time     `json:"joinedAt,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

func memberView(m membership.Membership) memberResponse {
	return memberResponse{
		ID:        m.ID,
		UserID:    m.UserID,
		Role:      string(m.Role),
		Status:    string(m.Status),
		Metadata:  m.Metadata,
		InvitedBy: m.InvitedBy,
		JoinedAt:  m.JoinedAt,
		CreatedAt: m.CreatedAt,
	}
}

func (s *Server) handleListMembers(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if _, err := s.memberships.RequireActive(r.Context(), claims.UserID, claims.ProjectID, membership.RoleMember); err != nil {
		writeError(w, err)
		return
	}
	members, err := s.memberships.ListMembers(r.Context(), claims.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]memberResponse, 0, len(members))
	for _, m := range members {
		views = append(views, memberView(m))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleGetMember(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	if _, err := s.memberships.RequireActive(r.Context(), claims.UserID, claims.ProjectID, membership.RoleMember); err != nil {
		writeError(w, err)
		return
	}
	member, err := s.memberships.GetMember(r.Context(), claims.ProjectID, r.PathValue("userId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memberView(member))
}

type inviteRequest struct {
	Email string `json:"email"`
	Role  string `json:"role"`
}

func (s *Server) handleInvite(w http.ResponseWriter, r *http.Request) {
	var req inviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	role, err := membership.ParseRole(req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	member, err := s.memberships.Invite(r.Context(), actorFrom(r.Context()), req.Email, role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, memberView(member))
}

func (s *Server) handleAcceptInvitation(w http.ResponseWriter, r *http.Request) {
	claims := claimsFrom(r.Context())
	member, err := s.memberships.AcceptInvitation(r.Context(), claims.UserID, claims.ProjectID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memberView(member))
}

type changeRoleRequest struct {
	Role string `json:"role"`
}

func (s *Server) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	role, err := membership.ParseRole(req.Role)
	if err != nil {
		writeError(w, err)
		return
	}
	member, err := s.memberships.ChangeRole(r.Context(), actorFrom(r.Context()), r.PathValue("userId"), role)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memberView(member))
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request) {
	if err := s.memberships.Remove(r.Context(), actorFrom(r.Context()), r.PathValue("userId")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

func (s *Server) handleLeave(w http.ResponseWriter, r *http.Request) {
	if err := s.memberships.Leave(r.Context(), actorFrom(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

type metadataRequest struct {
	Metadata map[string]any `json:"metadata"`
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	var req metadataRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	member, err := s.memberships.UpdateMetadata(r.Context(), actorFrom(r.Context()), req.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memberView(member))
}

func (s *Server) handlePasskeyOptOut(w http.ResponseWriter, r *http.Request) {
	member, err := s.memberships.SetPasskeyOptOut(r.Context(), actorFrom(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, memberView(member))
}
