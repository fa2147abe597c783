package passkey

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/heimdall-id/heimdall/internal/membership"
	apperrors "github.com/heimdall-id/heimdall/internal/platform/errors"
	"github.com/heimdall-id/heimdall/internal/platform/id"
	"github.com/heimdall-id/heimdall/internal/project"
	"github.com/heimdall-id/heimdall/internal/session"
	"github.com/heimdall-id/heimdall/internal/storage"
	"github.com/heimdall-id/heimdall/internal/user"
)

var (
	// ErrChallengeNotFound indicates an absent, expired, or already consumed
	// ceremony challenge. All three collapse into one error so a replayed
	// verification cannot distinguish them.
	ErrChallengeNotFound = apperrors.New(apperrors.CodeChallengeConsumed, "ceremony challenge not found or already used")
	// ErrCredentialNotRecognized indicates an assertion from a credential this
	// system never registered.
	ErrCredentialNotRecognized = apperrors.New(apperrors.CodeCredentialNotRecognized, "credential not recognized")
	// ErrVerificationFailed indicates a ceremony response that failed
	// signature, origin, or RP id validation.
	ErrVerificationFailed = apperrors.New(apperrors.CodeVerificationFailed, "ceremony verification failed")
	// ErrCredentialNotFound indicates a management operation on a credential
	// the user does not own.
	ErrCredentialNotFound = apperrors.New(apperrors.CodeCredentialNotFound, "passkey credential not found")
	// ErrLastAuthMethod indicates a deletion that would leave the user with
	// no way to authenticate.
	ErrLastAuthMethod = apperrors.New(apperrors.CodeLastAuthMethod, "cannot remove the last authentication method")
)

// provider is the webauthn ceremony surface, abstracted so tests can drive
// ceremonies without a real authenticator.
type provider interface {
	BeginRegistration(user webauthn.User, opts ...webauthn.RegistrationOption) (*protocol.CredentialCreation, *webauthn.SessionData, error)
	CreateCredential(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
	BeginLogin(user webauthn.User, opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	BeginDiscoverableLogin(opts ...webauthn.LoginOption) (*protocol.CredentialAssertion, *webauthn.SessionData, error)
	ValidateLogin(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (*webauthn.Credential, error)
	ValidatePasskeyLogin(handler webauthn.DiscoverableUserHandler, session webauthn.SessionData, response *protocol.ParsedCredentialAssertionData) (webauthn.User, *webauthn.Credential, error)
}

// providerFactory builds a ceremony provider for one resolved relying party.
type providerFactory func(rp RelyingParty) (provider, error)

func defaultProviderFactory(rp RelyingParty) (provider, error) {
	return webauthn.New(&webauthn.Config{
		RPDisplayName: rp.DisplayName,
		RPID:          rp.ID,
		RPOrigins:     rp.Origins,
	})
}

type parser interface {
	ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error)
	ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error)
}

type defaultParser struct{}

func (defaultParser) ParseCredentialCreationResponseBytes(data []byte) (*protocol.ParsedCredentialCreationData, error) {
	return protocol.ParseCredentialCreationResponseBytes(data)
}

func (defaultParser) ParseCredentialRequestResponseBytes(data []byte) (*protocol.ParsedCredentialAssertionData, error) {
	return protocol.ParseCredentialRequestResponseBytes(data)
}

// Credential is the management view of a registered authenticator.
type Credential struct {
	ID         string
	Name       string
	DeviceType string
	BackedUp   bool
	Transports []string
	CreatedAt  time.Time
	LastUsedAt *time.Time
}

// Service runs registration and authentication ceremonies. Each ceremony is
// scoped to a project's relying party and backed by a one-shot challenge.
type Service struct {
	cfg         Config
	users       storage.UserStore
	passkeys    storage.PasskeyStore
	challenges  storage.ChallengeStore
	socials     storage.SocialAccountStore
	memberships *membership.Service
	issuer      *session.Issuer
	newProvider providerFactory
	parser      parser
	clock       func() time.Time
	newID       func() (string, error)
}

// NewService creates a passkey ceremony manager.
func NewService(cfg Config, users storage.UserStore, passkeys storage.PasskeyStore, challenges storage.ChallengeStore, socials storage.SocialAccountStore, memberships *membership.Service, issuer *session.Issuer) *Service {
	return &Service{
		cfg:         cfg,
		users:       users,
		passkeys:    passkeys,
		challenges:  challenges,
		socials:     socials,
		memberships: memberships,
		issuer:      issuer,
		newProvider: defaultProviderFactory,
		parser:      defaultParser{},
		clock:       time.Now,
		newID:       id.NewID,
	}
}

// WithClock overrides the service clock for tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// WithIDGenerator overrides the challenge id generator for tests.
func (s *Service) WithIDGenerator(gen func() (string, error)) *Service {
	s.newID = gen
	return s
}

// WithProviderFactory overrides ceremony provider construction for tests.
func (s *Service) WithProviderFactory(factory providerFactory) *Service {
	s.newProvider = factory
	return s
}

// WithParser overrides client response parsing for tests.
func (s *Service) WithParser(p parser) *Service {
	s.parser = p
	return s
}

// BeginRegistration starts a registration ceremony for an authenticated user
// and returns the creation options plus the challenge handle the client must
// present at verification.
func (s *Service) BeginRegistration(ctx context.Context, p project.Project, userID, originHint string) (*protocol.CredentialCreation, string, error) {
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, "", apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		return nil, "", fmt.Errorf("get user: %w", err)
	}

	ceremonyUser, err := s.loadCeremonyUser(ctx, u)
	if err != nil {
		return nil, "", err
	}

	rp := s.cfg.ResolveRelyingParty(p, originHint)
	w, err := s.newProvider(rp)
	if err != nil {
		return nil, "", fmt.Errorf("configure relying party: %w", err)
	}

	options := []webauthn.RegistrationOption{
		webauthn.WithResidentKeyRequirement(protocol.ResidentKeyRequirementRequired),
	}
	if len(ceremonyUser.credentials) > 0 {
		options = append(options, webauthn.WithExclusions(webauthn.Credentials(ceremonyUser.credentials).CredentialDescriptors()))
	}

	creation, sessionData, err := w.BeginRegistration(ceremonyUser, options...)
	if err != nil {
		return nil, "", fmt.Errorf("begin registration: %w", err)
	}

	challengeID, err := s.storeChallenge(ctx, ChallengeKindRegistration, u.ID, rp.ID, sessionData)
	if err != nil {
		return nil, "", err
	}
	return creation, challengeID, nil
}

// FinishRegistration consumes the challenge, validates the client response
// against the relying party, and persists the new credential.
func (s *Service) FinishRegistration(ctx context.Context, p project.Project, userID, challengeID string, response []byte, displayName string) (Credential, error) {
	sessionData, boundUserID, rpID, err := s.consumeChallenge(ctx, challengeID, ChallengeKindRegistration)
	if err != nil {
		return Credential{}, err
	}
	// Registration challenges are always user-bound; a handle minted for
	// another user is treated as unknown.
	if boundUserID != userID {
		return Credential{}, ErrChallengeNotFound
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Credential{}, apperrors.New(apperrors.CodeNotFound, "user not found")
		}
		return Credential{}, fmt.Errorf("get user: %w", err)
	}
	ceremonyUser, err := s.loadCeremonyUser(ctx, u)
	if err != nil {
		return Credential{}, err
	}

	parsed, err := s.parser.ParseCredentialCreationResponseBytes(response)
	if err != nil {
		return Credential{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse credential response", err)
	}

	w, err := s.newProvider(s.cfg.RelyingPartyForID(p, rpID))
	if err != nil {
		return Credential{}, fmt.Errorf("configure relying party: %w", err)
	}
	credential, err := w.CreateCredential(ceremonyUser, sessionData, parsed)
	if err != nil {
		return Credential{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "ceremony verification failed", err)
	}

	if displayName == "" {
		displayName = "Passkey"
	}
	now := s.clock().UTC()
	credentialJSON, err := json.Marshal(credential)
	if err != nil {
		return Credential{}, fmt.Errorf("encode credential: %w", err)
	}
	record := storage.PasskeyCredential{
		CredentialID:   encodeCredentialID(credential.ID),
		UserID:         u.ID,
		Name:           displayName,
		CredentialJSON: string(credentialJSON),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.passkeys.PutPasskeyCredential(ctx, record); err != nil {
		return Credential{}, fmt.Errorf("store credential: %w", err)
	}
	return credentialView(record, *credential), nil
}

// BeginLogin starts an authentication ceremony. A known email scopes the
// ceremony to that user's credentials; otherwise the ceremony is
// discoverable and the challenge is unbound.
func (s *Service) BeginLogin(ctx context.Context, p project.Project, email, originHint string) (*protocol.CredentialAssertion, string, error) {
	rp := s.cfg.ResolveRelyingParty(p, originHint)
	w, err := s.newProvider(rp)
	if err != nil {
		return nil, "", fmt.Errorf("configure relying party: %w", err)
	}

	var boundUserID string
	var assertion *protocol.CredentialAssertion
	var sessionData *webauthn.SessionData

	if email != "" {
		normalized, normErr := user.NormalizeEmail(email)
		if normErr == nil {
			if u, lookupErr := s.users.GetUserByEmail(ctx, normalized); lookupErr == nil {
				ceremonyUser, loadErr := s.loadCeremonyUser(ctx, u)
				if loadErr != nil {
					return nil, "", loadErr
				}
				if len(ceremonyUser.credentials) > 0 {
					boundUserID = u.ID
					assertion, sessionData, err = w.BeginLogin(ceremonyUser)
					if err != nil {
						return nil, "", fmt.Errorf("begin login: %w", err)
					}
				}
			}
		}
	}
	// Unknown emails fall through to a discoverable ceremony so the options
	// response does not reveal which emails exist.
	if assertion == nil {
		assertion, sessionData, err = w.BeginDiscoverableLogin()
		if err != nil {
			return nil, "", fmt.Errorf("begin discoverable login: %w", err)
		}
	}

	challengeID, err := s.storeChallenge(ctx, ChallengeKindLogin, boundUserID, rp.ID, sessionData)
	if err != nil {
		return nil, "", err
	}
	return assertion, challengeID, nil
}

// FinishLogin consumes the challenge, validates the assertion, applies the
// counter policy, requires an active membership in the project, and mints a
// session pair.
func (s *Service) FinishLogin(ctx context.Context, p project.Project, challengeID string, response []byte) (session.TokenPair, error) {
	sessionData, boundUserID, rpID, err := s.consumeChallenge(ctx, challengeID, ChallengeKindLogin)
	if err != nil {
		return session.TokenPair{}, err
	}

	parsed, err := s.parser.ParseCredentialRequestResponseBytes(response)
	if err != nil {
		return session.TokenPair{}, apperrors.Wrap(apperrors.CodeInvalidArgument, "parse credential response", err)
	}

	credentialID := encodeCredentialID(parsed.RawID)
	record, err := s.passkeys.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return session.TokenPair{}, ErrCredentialNotRecognized
		}
		return session.TokenPair{}, fmt.Errorf("get credential: %w", err)
	}
	var stored webauthn.Credential
	if err := json.Unmarshal([]byte(record.CredentialJSON), &stored); err != nil {
		return session.TokenPair{}, fmt.Errorf("decode credential %s: %w", credentialID, err)
	}
	storedCounter := stored.Authenticator.SignCount

	w, err := s.newProvider(s.cfg.RelyingPartyForID(p, rpID))
	if err != nil {
		return session.TokenPair{}, fmt.Errorf("configure relying party: %w", err)
	}

	var validated *webauthn.Credential
	if boundUserID != "" {
		u, lookupErr := s.users.GetUser(ctx, boundUserID)
		if lookupErr != nil {
			return session.TokenPair{}, ErrVerificationFailed
		}
		ceremonyUser, loadErr := s.loadCeremonyUser(ctx, u)
		if loadErr != nil {
			return session.TokenPair{}, loadErr
		}
		validated, err = w.ValidateLogin(ceremonyUser, sessionData, parsed)
	} else {
		_, validated, err = w.ValidatePasskeyLogin(s.discoverableHandler(ctx), sessionData, parsed)
	}
	if err != nil {
		return session.TokenPair{}, apperrors.Wrap(apperrors.CodeVerificationFailed, "ceremony verification failed", err)
	}

	// The validated credential keeps its old counter when the reported one
	// did not advance, so the raw value comes from the authenticator data.
	reportedCounter := parsed.Response.AuthenticatorData.Counter
	if validated.Authenticator.CloneWarning || (storedCounter != 0 && reportedCounter <= storedCounter) {
		if s.cfg.CounterPolicy == CounterPolicyBlock {
			return session.TokenPair{}, apperrors.New(apperrors.CodeVerificationFailed, "authenticator counter did not advance")
		}
		log.Printf("passkey: possible cloned authenticator for credential %s (stored counter %d, reported %d)", credentialID, storedCounter, reportedCounter)
	}

	// The stored counter becomes the reported value even on an anomaly, so
	// the record always reflects the latest accepted assertion.
	validated.Authenticator.SignCount = reportedCounter
	validated.Authenticator.CloneWarning = false
	now := s.clock().UTC()
	updatedJSON, err := json.Marshal(validated)
	if err != nil {
		return session.TokenPair{}, fmt.Errorf("encode credential: %w", err)
	}
	record.CredentialJSON = string(updatedJSON)
	record.UpdatedAt = now
	record.LastUsedAt = &now
	if err := s.passkeys.PutPasskeyCredential(ctx, record); err != nil {
		return session.TokenPair{}, fmt.Errorf("update credential: %w", err)
	}

	owner, err := s.users.GetUser(ctx, record.UserID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return session.TokenPair{}, ErrCredentialNotRecognized
		}
		return session.TokenPair{}, fmt.Errorf("get user: %w", err)
	}
	if !owner.Active {
		return session.TokenPair{}, apperrors.New(apperrors.CodeAccountDisabled, "account is disabled")
	}

	m, err := s.memberships.RequireActive(ctx, owner.ID, p.ID, "")
	if err != nil {
		return session.TokenPair{}, err
	}
	return s.issuer.IssuePair(ctx, owner, m)
}

// ListCredentials returns the user's registered authenticators.
func (s *Service) ListCredentials(ctx context.Context, userID string) ([]Credential, error) {
	records, err := s.passkeys.ListPasskeyCredentials(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	credentials := make([]Credential, 0, len(records))
	for _, record := range records {
		var decoded webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &decoded); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, credentialView(record, decoded))
	}
	return credentials, nil
}

// RenameCredential updates a credential's display name.
func (s *Service) RenameCredential(ctx context.Context, userID, credentialID, name string) error {
	record, err := s.ownedCredential(ctx, userID, credentialID)
	if err != nil {
		return err
	}
	record.Name = name
	record.UpdatedAt = s.clock().UTC()
	if err := s.passkeys.PutPasskeyCredential(ctx, record); err != nil {
		return fmt.Errorf("update credential: %w", err)
	}
	return nil
}

// DeleteCredential revokes an authenticator. The user must retain another
// way to authenticate: a password, a linked social account, or another
// passkey.
func (s *Service) DeleteCredential(ctx context.Context, userID, credentialID string) error {
	record, err := s.ownedCredential(ctx, userID, credentialID)
	if err != nil {
		return err
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user: %w", err)
	}
	if !u.HasPassword() {
		linked, err := s.socials.ListSocialAccounts(ctx, userID)
		if err != nil {
			return fmt.Errorf("list social accounts: %w", err)
		}
		remaining, err := s.passkeys.ListPasskeyCredentials(ctx, userID)
		if err != nil {
			return fmt.Errorf("list credentials: %w", err)
		}
		if len(linked) == 0 && len(remaining) <= 1 {
			return ErrLastAuthMethod
		}
	}

	if err := s.passkeys.DeletePasskeyCredential(ctx, record.CredentialID); err != nil {
		return fmt.Errorf("delete credential: %w", err)
	}
	return nil
}

func (s *Service) ownedCredential(ctx context.Context, userID, credentialID string) (storage.PasskeyCredential, error) {
	record, err := s.passkeys.GetPasskeyCredential(ctx, credentialID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.PasskeyCredential{}, ErrCredentialNotFound
		}
		return storage.PasskeyCredential{}, fmt.Errorf("get credential: %w", err)
	}
	if record.UserID != userID {
		return storage.PasskeyCredential{}, ErrCredentialNotFound
	}
	return record, nil
}

func (s *Service) storeChallenge(ctx context.Context, kind ChallengeKind, userID, rpID string, sessionData *webauthn.SessionData) (string, error) {
	if sessionData == nil {
		return "", fmt.Errorf("session data is required")
	}
	payload, err := json.Marshal(sessionData)
	if err != nil {
		return "", fmt.Errorf("encode session data: %w", err)
	}
	challengeID, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("generate challenge id: %w", err)
	}
	record := storage.WebAuthnChallenge{
		ID:          challengeID,
		Kind:        string(kind),
		UserID:      userID,
		RPID:        rpID,
		SessionJSON: string(payload),
		ExpiresAt:   s.clock().UTC().Add(s.cfg.ChallengeTTL),
	}
	if err := s.challenges.PutWebAuthnChallenge(ctx, record); err != nil {
		return "", fmt.Errorf("store challenge: %w", err)
	}
	return challengeID, nil
}

// consumeChallenge atomically fetches-and-deletes a challenge. Expiry is
// re-checked here so a not-yet-swept record is still rejected.
func (s *Service) consumeChallenge(ctx context.Context, challengeID string, kind ChallengeKind) (webauthn.SessionData, string, string, error) {
	record, err := s.challenges.ConsumeWebAuthnChallenge(ctx, challengeID, string(kind))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return webauthn.SessionData{}, "", "", ErrChallengeNotFound
		}
		return webauthn.SessionData{}, "", "", fmt.Errorf("consume challenge: %w", err)
	}
	if record.ExpiresAt.Before(s.clock().UTC()) {
		return webauthn.SessionData{}, "", "", ErrChallengeNotFound
	}
	var sessionData webauthn.SessionData
	if err := json.Unmarshal([]byte(record.SessionJSON), &sessionData); err != nil {
		return webauthn.SessionData{}, "", "", fmt.Errorf("decode session data: %w", err)
	}
	return sessionData, record.UserID, record.RPID, nil
}

func (s *Service) discoverableHandler(ctx context.Context) webauthn.DiscoverableUserHandler {
	return func(_, userHandle []byte) (webauthn.User, error) {
		userID := string(userHandle)
		if userID == "" {
			return nil, fmt.Errorf("user handle is required")
		}
		u, err := s.users.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		return s.loadCeremonyUser(ctx, u)
	}
}

// ceremonyUser adapts a user and their stored credentials to webauthn.User.
type ceremonyUser struct {
	user        user.User
	credentials []webauthn.Credential
}

func (u *ceremonyUser) WebAuthnID() []byte {
	return []byte(u.user.ID)
}

func (u *ceremonyUser) WebAuthnName() string {
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnDisplayName() string {
	if u.user.Username != "" {
		return u.user.Username
	}
	return u.user.Email
}

func (u *ceremonyUser) WebAuthnIcon() string {
	return ""
}

func (u *ceremonyUser) WebAuthnCredentials() []webauthn.Credential {
	return u.credentials
}

func (s *Service) loadCeremonyUser(ctx context.Context, base user.User) (*ceremonyUser, error) {
	records, err := s.passkeys.ListPasskeyCredentials(ctx, base.ID)
	if err != nil {
		return nil, fmt.Errorf("list credentials: %w", err)
	}
	credentials := make([]webauthn.Credential, 0, len(records))
	for _, record := range records {
		var decoded webauthn.Credential
		if err := json.Unmarshal([]byte(record.CredentialJSON), &decoded); err != nil {
			return nil, fmt.Errorf("decode credential %s: %w", record.CredentialID, err)
		}
		credentials = append(credentials, decoded)
	}
	return &ceremonyUser{user: base, credentials: credentials}, nil
}

func credentialView(record storage.PasskeyCredential, credential webauthn.Credential) Credential {
	deviceType := "single_device"
	if credential.Flags.BackupEligible {
		deviceType = "multi_device"
	}
	transports := make([]string, 0, len(credential.Transport))
	for _, transport := range credential.Transport {
		transports = append(transports, string(transport))
	}
	return Credential{
		ID:         record.CredentialID,
		Name:       record.Name,
		DeviceType: deviceType,
		BackedUp:   credential.Flags.BackupState,
		Transports: transports,
		CreatedAt:  record.CreatedAt,
		LastUsedAt: record.LastUsedAt,
	}
}

func encodeCredentialID(raw []byte) string {
	return base64.RawURLEncoding.EncodeToString(raw)
}
