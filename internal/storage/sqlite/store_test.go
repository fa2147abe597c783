package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/heimdall-id/heimdall/internal/project"
	"github.com/heimdall-id/heimdall/internal/storage"
	"github.com/heimdall-id/heimdall/internal/user"
)

var fixedTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "heimdall.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})
	return store
}

// seedMembershipParents inserts the user and project rows a membership
// references, so fixtures satisfy the schema's foreign keys.
func seedMembershipParents(t *testing.T, store *Store, userIDs []string, projectID string) {
	t.Helper()
	ctx := context.Background()
	for _, id := range userIDs {
		if err := store.PutUser(ctx, user.User{
			ID: id, Email: id + "@example.com", Active: true,
			CreatedAt: fixedTime, UpdatedAt: fixedTime,
		}); err != nil {
			t.Fatalf("PutUser(%s) error = %v", id, err)
		}
	}
	if err := store.PutProject(ctx, project.Project{
		ID: projectID, Name: projectID, APIKey: "hm_" + projectID,
		PasskeyPolicy: project.PasskeyPolicyEncouraged,
		CreatedAt:     fixedTime, UpdatedAt: fixedTime,
	}); err != nil {
		t.Fatalf("PutProject(%s) error = %v", projectID, err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open("  "); err == nil {
		t.Fatal("Open() with blank path expected error")
	}
}

func TestUserRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	u := user.User{
		ID:           "u-1",
		Email:        "ada@example.com",
		Username:     "ada",
		PasswordHash: "hash",
		Active:       true,
		CreatedAt:    fixedTime,
		UpdatedAt:    fixedTime,
	}
	if err := store.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser() error = %v", err)
	}

	got, err := store.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetUser() error = %v", err)
	}
	if got != u {
		t.Errorf("GetUser() = %+v, want %+v", got, u)
	}

	byEmail, err := store.GetUserByEmail(ctx, "ada@example.com")
	if err != nil {
		t.Fatalf("GetUserByEmail() error = %v", err)
	}
	if byEmail.ID != "u-1" {
		t.Errorf("GetUserByEmail() id = %q, want u-1", byEmail.ID)
	}

	u.Active = false
	u.Username = "ada.l"
	if err := store.UpdateUser(ctx, u); err != nil {
		t.Fatalf("UpdateUser() error = %v", err)
	}
	got, err = store.GetUser(ctx, "u-1")
	if err != nil {
		t.Fatalf("GetUser() after update error = %v", err)
	}
	if got.Active || got.Username != "ada.l" {
		t.Errorf("GetUser() after update = %+v", got)
	}

	if err := store.DeleteUser(ctx, "u-1"); err != nil {
		t.Fatalf("DeleteUser() error = %v", err)
	}
	if _, err := store.GetUser(ctx, "u-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetUser() after delete error = %v, want ErrNotFound", err)
	}
}

func TestUpdateMissingUser(t *testing.T) {
	store := openTestStore(t)
	err := store.UpdateUser(context.Background(), user.User{ID: "ghost", CreatedAt: fixedTime, UpdatedAt: fixedTime})
	if !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("UpdateUser() error = %v, want ErrNotFound", err)
	}
}

func TestProjectRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	p := project.Project{
		ID:            "p-1",
		Name:          "Orbital",
		APIKey:        "hm_abc123",
		PasskeyPolicy: project.PasskeyPolicyEncouraged,
		RPIDs:         []string{"orbital.dev", "staging.orbital.dev"},
		Origins:       []string{"https://orbital.dev"},
		Providers: map[string]project.ProviderCredentials{
			"google": {ClientID: "cid", ClientSecret: "secret", Enabled: true},
			"apple":  {ClientID: "com.orbital.web", Enabled: true, TeamID: "TEAM1", KeyID: "KEY1", PrivateKey: "pem"},
		},
		CreatedAt: fixedTime,
		UpdatedAt: fixedTime,
	}
	if err := store.PutProject(ctx, p); err != nil {
		t.Fatalf("PutProject() error = %v", err)
	}

	got, err := store.GetProjectByAPIKey(ctx, "hm_abc123")
	if err != nil {
		t.Fatalf("GetProjectByAPIKey() error = %v", err)
	}
	if got.ID != "p-1" || got.PasskeyPolicy != project.PasskeyPolicyEncouraged {
		t.Errorf("GetProjectByAPIKey() = %+v", got)
	}
	if len(got.RPIDs) != 2 || got.RPIDs[0] != "orbital.dev" {
		t.Errorf("GetProjectByAPIKey() rp ids = %v", got.RPIDs)
	}
	google, ok := got.Provider("google")
	if !ok || google.ClientID != "cid" {
		t.Errorf("Provider(google) = %+v, %v", google, ok)
	}
	apple, ok := got.Provider("apple")
	if !ok || apple.KeyID != "KEY1" {
		t.Errorf("Provider(apple) = %+v, %v", apple, ok)
	}

	count, err := store.CountProjects(ctx)
	if err != nil {
		t.Fatalf("CountProjects() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountProjects() = %d, want 1", count)
	}

	if _, err := store.GetProject(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetProject(missing) error = %v, want ErrNotFound", err)
	}
}

func TestMembershipRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedMembershipParents(t, store, []string{"u-1", "u-2"}, "p-1")

	joined := fixedTime.Add(time.Hour)
	m := storage.Membership{
		ID:           "m-1",
		UserID:       "u-1",
		ProjectID:    "p-1",
		Role:         "admin",
		Status:       "active",
		MetadataJSON: `{"team":"core"}`,
		InvitedBy:    "u-owner",
		JoinedAt:     &joined,
		CreatedAt:    fixedTime,
		UpdatedAt:    fixedTime,
	}
	if err := store.PutMembership(ctx, m); err != nil {
		t.Fatalf("PutMembership() error = %v", err)
	}
	if err := store.PutMembership(ctx, storage.Membership{
		ID: "m-2", UserID: "u-2", ProjectID: "p-1", Role: "member", Status: "pending",
		CreatedAt: fixedTime.Add(time.Minute), UpdatedAt: fixedTime.Add(time.Minute),
	}); err != nil {
		t.Fatalf("PutMembership() second error = %v", err)
	}

	got, err := store.GetMembership(ctx, "u-1", "p-1")
	if err != nil {
		t.Fatalf("GetMembership() error = %v", err)
	}
	if got.Role != "admin" || got.MetadataJSON != `{"team":"core"}` {
		t.Errorf("GetMembership() = %+v", got)
	}
	if got.JoinedAt == nil || !got.JoinedAt.Equal(joined) {
		t.Errorf("GetMembership() joined at = %v, want %v", got.JoinedAt, joined)
	}

	byID, err := store.GetMembershipByID(ctx, "m-2")
	if err != nil {
		t.Fatalf("GetMembershipByID() error = %v", err)
	}
	if byID.Status != "pending" {
		t.Errorf("GetMembershipByID() status = %q", byID.Status)
	}
	if byID.JoinedAt != nil {
		t.Errorf("GetMembershipByID() joined at = %v, want nil", byID.JoinedAt)
	}

	active, err := store.ListProjectMemberships(ctx, "p-1", []string{"active"})
	if err != nil {
		t.Fatalf("ListProjectMemberships() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != "m-1" {
		t.Errorf("ListProjectMemberships(active) = %+v", active)
	}

	all, err := store.ListProjectMemberships(ctx, "p-1", nil)
	if err != nil {
		t.Fatalf("ListProjectMemberships(all) error = %v", err)
	}
	if len(all) != 2 || all[0].ID != "m-1" || all[1].ID != "m-2" {
		t.Errorf("ListProjectMemberships(all) = %+v", all)
	}

	count, err := store.CountUserMemberships(ctx, "u-1")
	if err != nil {
		t.Fatalf("CountUserMemberships() error = %v", err)
	}
	if count != 1 {
		t.Errorf("CountUserMemberships() = %d, want 1", count)
	}

	got.Status = "suspended"
	got.UpdatedAt = fixedTime.Add(2 * time.Hour)
	if err := store.UpdateMembership(ctx, got); err != nil {
		t.Fatalf("UpdateMembership() error = %v", err)
	}
	updated, err := store.GetMembershipByID(ctx, "m-1")
	if err != nil {
		t.Fatalf("GetMembershipByID() after update error = %v", err)
	}
	if updated.Status != "suspended" {
		t.Errorf("status after update = %q", updated.Status)
	}

	if err := store.DeleteMembership(ctx, "m-1"); err != nil {
		t.Fatalf("DeleteMembership() error = %v", err)
	}
	if _, err := store.GetMembershipByID(ctx, "m-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetMembershipByID() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMembershipPairUnique(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	seedMembershipParents(t, store, []string{"u-1"}, "p-1")

	first := storage.Membership{ID: "m-1", UserID: "u-1", ProjectID: "p-1", Role: "member", Status: "active",
		CreatedAt: fixedTime, UpdatedAt: fixedTime}
	if err := store.PutMembership(ctx, first); err != nil {
		t.Fatalf("PutMembership() error = %v", err)
	}
	second := first
	second.ID = "m-dup"
	if err := store.PutMembership(ctx, second); err == nil {
		t.Fatal("PutMembership() duplicate pair expected error")
	}
}

func TestRefreshTokenRedeem(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	token := storage.RefreshToken{
		TokenHash:    "hash-1",
		UserID:       "u-1",
		ProjectID:    "p-1",
		MembershipID: "m-1",
		ExpiresAt:    fixedTime.Add(14 * 24 * time.Hour),
		CreatedAt:    fixedTime,
	}
	if err := store.PutRefreshToken(ctx, token); err != nil {
		t.Fatalf("PutRefreshToken() error = %v", err)
	}

	redeemed, err := store.RedeemRefreshToken(ctx, "hash-1", "p-1")
	if err != nil {
		t.Fatalf("RedeemRefreshToken() error = %v", err)
	}
	if !redeemed.Revoked || redeemed.MembershipID != "m-1" {
		t.Errorf("RedeemRefreshToken() = %+v", redeemed)
	}
	if !redeemed.ExpiresAt.Equal(token.ExpiresAt) {
		t.Errorf("RedeemRefreshToken() expires at = %v, want %v", redeemed.ExpiresAt, token.ExpiresAt)
	}

	if _, err := store.RedeemRefreshToken(ctx, "hash-1", "p-1"); !errors.Is(err, storage.ErrAlreadyRedeemed) {
		t.Errorf("RedeemRefreshToken() replay error = %v, want ErrAlreadyRedeemed", err)
	}
	if _, err := store.RedeemRefreshToken(ctx, "hash-1", "p-other"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RedeemRefreshToken() wrong project error = %v, want ErrNotFound", err)
	}
	if _, err := store.RedeemRefreshToken(ctx, "missing", "p-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("RedeemRefreshToken() missing error = %v, want ErrNotFound", err)
	}
}

func TestRefreshTokenRedeemConcurrent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	token := storage.RefreshToken{
		TokenHash:    "hash-race",
		UserID:       "u-1",
		ProjectID:    "p-1",
		MembershipID: "m-1",
		ExpiresAt:    fixedTime.Add(14 * 24 * time.Hour),
		CreatedAt:    fixedTime,
	}
	if err := store.PutRefreshToken(ctx, token); err != nil {
		t.Fatalf("PutRefreshToken() error = %v", err)
	}

	const workers = 32
	errs := make(chan error, workers)
	var ready sync.WaitGroup
	start := make(chan struct{})
	for range workers {
		ready.Add(1)
		go func() {
			ready.Done()
			<-start
			_, err := store.RedeemRefreshToken(ctx, "hash-race", "p-1")
			errs <- err
		}()
	}
	ready.Wait()
	close(start)

	var won, replayed int
	for range workers {
		switch err := <-errs; {
		case err == nil:
			won++
		case errors.Is(err, storage.ErrAlreadyRedeemed):
			replayed++
		default:
			t.Errorf("RedeemRefreshToken() error = %v", err)
		}
	}
	if won != 1 {
		t.Errorf("successful redemptions = %d, want exactly 1", won)
	}
	if replayed != workers-1 {
		t.Errorf("replay rejections = %d, want %d", replayed, workers-1)
	}
}

func TestRevokeRefreshTokenIdempotent(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if err := store.RevokeRefreshToken(ctx, "never-stored"); err != nil {
		t.Fatalf("RevokeRefreshToken() missing token error = %v", err)
	}

	token := storage.RefreshToken{TokenHash: "hash-1", UserID: "u-1", ProjectID: "p-1",
		MembershipID: "m-1", ExpiresAt: fixedTime.Add(time.Hour), CreatedAt: fixedTime}
	if err := store.PutRefreshToken(ctx, token); err != nil {
		t.Fatalf("PutRefreshToken() error = %v", err)
	}
	if err := store.RevokeRefreshToken(ctx, "hash-1"); err != nil {
		t.Fatalf("RevokeRefreshToken() error = %v", err)
	}
	if _, err := store.RedeemRefreshToken(ctx, "hash-1", "p-1"); !errors.Is(err, storage.ErrAlreadyRedeemed) {
		t.Errorf("RedeemRefreshToken() after revoke error = %v, want ErrAlreadyRedeemed", err)
	}
}

func TestCleanupExpired(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	stale := storage.RefreshToken{TokenHash: "stale", UserID: "u-1", ProjectID: "p-1",
		MembershipID: "m-1", ExpiresAt: fixedTime.Add(-time.Minute), CreatedAt: fixedTime.Add(-time.Hour)}
	fresh := storage.RefreshToken{TokenHash: "fresh", UserID: "u-1", ProjectID: "p-1",
		MembershipID: "m-1", ExpiresAt: fixedTime.Add(time.Hour), CreatedAt: fixedTime}
	for _, token := range []storage.RefreshToken{stale, fresh} {
		if err := store.PutRefreshToken(ctx, token); err != nil {
			t.Fatalf("PutRefreshToken(%s) error = %v", token.TokenHash, err)
		}
	}
	if err := store.PutWebAuthnChallenge(ctx, storage.WebAuthnChallenge{
		ID: "ch-stale", Kind: "login", SessionJSON: "{}", ExpiresAt: fixedTime.Add(-time.Second),
	}); err != nil {
		t.Fatalf("PutWebAuthnChallenge() error = %v", err)
	}

	if err := store.CleanupExpired(ctx, fixedTime); err != nil {
		t.Fatalf("CleanupExpired() error = %v", err)
	}

	if _, err := store.RedeemRefreshToken(ctx, "stale", "p-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale token after cleanup error = %v, want ErrNotFound", err)
	}
	if _, err := store.RedeemRefreshToken(ctx, "fresh", "p-1"); err != nil {
		t.Errorf("fresh token after cleanup error = %v", err)
	}
	if _, err := store.ConsumeWebAuthnChallenge(ctx, "ch-stale", "login"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("stale challenge after cleanup error = %v, want ErrNotFound", err)
	}
}

func TestPasskeyCredentialRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	credential := storage.PasskeyCredential{
		CredentialID:   "cred-1",
		UserID:         "u-1",
		Name:           "Passkey",
		CredentialJSON: `{"id":"cred-1"}`,
		CreatedAt:      fixedTime,
		UpdatedAt:      fixedTime,
	}
	if err := store.PutPasskeyCredential(ctx, credential); err != nil {
		t.Fatalf("PutPasskeyCredential() error = %v", err)
	}

	lastUsed := fixedTime.Add(time.Minute)
	credential.Name = "MacBook"
	credential.LastUsedAt = &lastUsed
	credential.UpdatedAt = lastUsed
	if err := store.PutPasskeyCredential(ctx, credential); err != nil {
		t.Fatalf("PutPasskeyCredential() upsert error = %v", err)
	}

	got, err := store.GetPasskeyCredential(ctx, "cred-1")
	if err != nil {
		t.Fatalf("GetPasskeyCredential() error = %v", err)
	}
	if got.Name != "MacBook" {
		t.Errorf("name after upsert = %q", got.Name)
	}
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(lastUsed) {
		t.Errorf("last used at = %v, want %v", got.LastUsedAt, lastUsed)
	}

	list, err := store.ListPasskeyCredentials(ctx, "u-1")
	if err != nil {
		t.Fatalf("ListPasskeyCredentials() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListPasskeyCredentials() = %d entries, want 1", len(list))
	}

	if err := store.DeletePasskeyCredentialsByUser(ctx, "u-1"); err != nil {
		t.Fatalf("DeletePasskeyCredentialsByUser() error = %v", err)
	}
	if _, err := store.GetPasskeyCredential(ctx, "cred-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetPasskeyCredential() after delete error = %v, want ErrNotFound", err)
	}
}

func TestConsumeWebAuthnChallengeOnce(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	challenge := storage.WebAuthnChallenge{
		ID:          "ch-1",
		Kind:        "registration",
		UserID:      "u-1",
		RPID:        "example.org",
		SessionJSON: `{"challenge":"abc"}`,
		ExpiresAt:   fixedTime.Add(time.Minute),
	}
	if err := store.PutWebAuthnChallenge(ctx, challenge); err != nil {
		t.Fatalf("PutWebAuthnChallenge() error = %v", err)
	}

	if _, err := store.ConsumeWebAuthnChallenge(ctx, "ch-1", "login"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeWebAuthnChallenge() wrong kind error = %v, want ErrNotFound", err)
	}

	got, err := store.ConsumeWebAuthnChallenge(ctx, "ch-1", "registration")
	if err != nil {
		t.Fatalf("ConsumeWebAuthnChallenge() error = %v", err)
	}
	if got.SessionJSON != `{"challenge":"abc"}` || got.RPID != "example.org" || !got.ExpiresAt.Equal(challenge.ExpiresAt) {
		t.Errorf("ConsumeWebAuthnChallenge() = %+v", got)
	}

	if _, err := store.ConsumeWebAuthnChallenge(ctx, "ch-1", "registration"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("ConsumeWebAuthnChallenge() second consume error = %v, want ErrNotFound", err)
	}
}

func TestSocialAccountRoundTrip(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	account := storage.SocialAccount{
		ID:             "sa-1",
		Provider:       "google",
		ProviderUserID: "sub-123",
		UserID:         "u-1",
		Email:          "ada@example.com",
		DisplayName:    "Ada",
		CreatedAt:      fixedTime,
	}
	if err := store.PutSocialAccount(ctx, account); err != nil {
		t.Fatalf("PutSocialAccount() error = %v", err)
	}

	bySubject, err := store.GetSocialAccountBySubject(ctx, "google", "sub-123")
	if err != nil {
		t.Fatalf("GetSocialAccountBySubject() error = %v", err)
	}
	if bySubject.UserID != "u-1" {
		t.Errorf("GetSocialAccountBySubject() user = %q", bySubject.UserID)
	}

	forUser, err := store.GetSocialAccountForUser(ctx, "google", "u-1")
	if err != nil {
		t.Fatalf("GetSocialAccountForUser() error = %v", err)
	}
	if forUser.ID != "sa-1" {
		t.Errorf("GetSocialAccountForUser() = %+v", forUser)
	}

	duplicate := account
	duplicate.ID = "sa-dup"
	if err := store.PutSocialAccount(ctx, duplicate); err == nil {
		t.Fatal("PutSocialAccount() duplicate subject expected error")
	}

	list, err := store.ListSocialAccounts(ctx, "u-1")
	if err != nil {
		t.Fatalf("ListSocialAccounts() error = %v", err)
	}
	if len(list) != 1 {
		t.Errorf("ListSocialAccounts() = %d entries, want 1", len(list))
	}

	if err := store.DeleteSocialAccount(ctx, "google", "u-1"); err != nil {
		t.Fatalf("DeleteSocialAccount() error = %v", err)
	}
	if _, err := store.GetSocialAccountBySubject(ctx, "google", "sub-123"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetSocialAccountBySubject() after delete error = %v, want ErrNotFound", err)
	}
}
