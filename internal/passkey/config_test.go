package passkey

import (
	"testing"

	"github.com/heimdall-id/heimdall/internal/project"
)

func TestResolveRelyingParty(t *testing.T) {
	cfg := Config{
		RPDisplayName: "Heimdall",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:8080"},
	}
	p := project.Project{
		Name:    "Acme",
		RPIDs:   []string{"acme.example", "partner.example"},
		Origins: []string{"https://app.acme.example"},
	}

	tests := []struct {
		name   string
		origin string
		wantID string
	}{
		{name: "exact match", origin: "https://acme.example", wantID: "acme.example"},
		{name: "subdomain suffix match", origin: "https://app.acme.example", wantID: "acme.example"},
		{name: "second rp id matches", origin: "https://login.partner.example", wantID: "partner.example"},
		{name: "no match falls back to first", origin: "https://other.example", wantID: "acme.example"},
		{name: "empty origin falls back to first", origin: "", wantID: "acme.example"},
		{name: "garbage origin falls back to first", origin: "://bad", wantID: "acme.example"},
		{name: "bare hostname accepted", origin: "acme.example", wantID: "acme.example"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rp := cfg.ResolveRelyingParty(p, tc.origin)
			if rp.ID != tc.wantID {
				t.Errorf("ResolveRelyingParty(%q).ID = %q, want %q", tc.origin, rp.ID, tc.wantID)
			}
		})
	}

	rp := cfg.ResolveRelyingParty(p, "")
	if rp.DisplayName != "Acme" {
		t.Errorf("display name = %q, want project name", rp.DisplayName)
	}
	if len(rp.Origins) != 1 || rp.Origins[0] != "https://app.acme.example" {
		t.Errorf("origins = %v", rp.Origins)
	}
}

func TestResolveRelyingPartyDefaults(t *testing.T) {
	cfg := Config{
		RPDisplayName: "Heimdall",
		RPID:          "localhost",
		RPOrigins:     []string{"http://localhost:8080"},
	}

	rp := cfg.ResolveRelyingParty(project.Project{}, "")
	if rp.ID != "localhost" {
		t.Errorf("rp id = %q, want environment default", rp.ID)
	}
	if rp.DisplayName != "Heimdall" {
		t.Errorf("display name = %q", rp.DisplayName)
	}
	if len(rp.Origins) != 1 || rp.Origins[0] != "http://localhost:8080" {
		t.Errorf("origins = %v", rp.Origins)
	}
}
