// Package passkey runs WebAuthn registration and authentication ceremonies.
package passkey

import (
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/heimdall-id/heimdall/internal/project"
)

// ChallengeKind describes the WebAuthn challenge purpose.
type ChallengeKind string

const (
	ChallengeKindRegistration ChallengeKind = "registration"
	ChallengeKindLogin        ChallengeKind = "login"
)

// CounterPolicy decides what happens when an authenticator reports a
// signature counter at or below the stored one, the classic sign of a cloned
// authenticator.
type CounterPolicy string

const (
	// CounterPolicyWarn logs the anomaly and lets the login proceed.
	CounterPolicyWarn CounterPolicy = "warn"
	// CounterPolicyBlock rejects the login outright.
	CounterPolicyBlock CounterPolicy = "block"
)

// Config controls WebAuthn relying party defaults for projects that carry no
// RP configuration of their own.
type Config struct {
	RPDisplayName string        `env:"HEIMDALL_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Heimdall"`
	RPID          string        `env:"HEIMDALL_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"HEIMDALL_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	ChallengeTTL  time.Duration `env:"HEIMDALL_WEBAUTHN_CHALLENGE_TTL"   envDefault:"60s"`
	CounterPolicy CounterPolicy `env:"HEIMDALL_COUNTER_POLICY"           envDefault:"warn"`
}

// LoadConfigFromEnv returns passkey configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: "Heimdall",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8080"},
			ChallengeTTL:  60 * time.Second,
			CounterPolicy: CounterPolicyWarn,
		}
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8080"}
	}
	if cfg.CounterPolicy != CounterPolicyBlock {
		cfg.CounterPolicy = CounterPolicyWarn
	}
	return cfg
}

// RelyingParty is the resolved WebAuthn scope for one ceremony.
type RelyingParty struct {
	ID          string
	DisplayName string
	Origins     []string
}

// ResolveRelyingParty picks the RP id for a ceremony by matching the request
// origin's hostname against the project's configured RP ids: an exact match
// wins, then a registrable-domain suffix match, and the first configured id
// is the fallback when no origin is given or nothing matches. Projects with
// no RP configuration use the environment defaults.
func (c Config) ResolveRelyingParty(p project.Project, originHint string) RelyingParty {
	rpIDs := p.RPIDs
	origins := p.Origins
	if len(rpIDs) == 0 {
		rpIDs = []string{c.RPID}
	}
	if len(origins) == 0 {
		origins = c.RPOrigins
	}

	rp := RelyingParty{
		ID:          rpIDs[0],
		DisplayName: c.RPDisplayName,
		Origins:     origins,
	}
	if p.Name != "" {
		rp.DisplayName = p.Name
	}

	hostname := originHostname(originHint)
	if hostname == "" {
		return rp
	}
	for _, rpID := range rpIDs {
		if hostname == rpID {
			rp.ID = rpID
			return rp
		}
	}
	for _, rpID := range rpIDs {
		if strings.HasSuffix(hostname, "."+rpID) {
			rp.ID = rpID
			return rp
		}
	}
	return rp
}

// RelyingPartyForID rebuilds the RP scope a ceremony was begun under so the
// finish step verifies against the same id the options were issued for.
// An empty id falls back to the default resolution.
func (c Config) RelyingPartyForID(p project.Project, rpID string) RelyingParty {
	rp := c.ResolveRelyingParty(p, "")
	if rpID != "" {
		rp.ID = rpID
	}
	return rp
}

func originHostname(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Hostname() == "" {
		// A bare hostname parses with an empty Host; accept it as-is.
		if !strings.Contains(origin, "/") && !strings.Contains(origin, ":") {
			return origin
		}
		return ""
	}
	return parsed.Hostname()
}
