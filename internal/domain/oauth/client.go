package oauth

import (
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ClientKind classifies a registered application.
type ClientKind string

const (
	// KindConfidential clients hold a secret and run interactive flows.
	KindConfidential ClientKind = "confidential"
	// KindPublic clients cannot keep a secret; PKCE stands in for it.
	KindPublic ClientKind = "public"
	// KindSystem clients are backend services using client_credentials.
	KindSystem ClientKind = "system"
)

// Client is the stored registration of an OAuth2 application.
type Client struct {
	ID           uuid.UUID  `json:"id"`
	ClientID     string     `json:"client_id"`
	SecretHash   string     `json:"-"`
	Name         string     `json:"client_name"`
	Kind         ClientKind `json:"kind"`
	RedirectURIs []string   `json:"redirect_uris,omitempty"`
	Scopes       []string   `json:"scopes"`
	PKCERequired bool       `json:"pkce_required"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Metadata is the runtime view of a client registration: what the
// authorization server advertises and enforces for it.
type Metadata struct {
	GrantTypes       []string `json:"grant_types"`
	TokenAuthMethods []string `json:"token_endpoint_auth_methods"`
	RequiresConsent  bool     `json:"requires_consent"`
	AllowsRefresh    bool     `json:"allows_refresh"`
	RequiresPKCE     bool     `json:"requires_pkce"`
}

// Metadata derives the runtime behavior from the stored registration.
// System clients get client_credentials with no consent; everything
// else runs the interactive authorization_code flow and may refresh
// only when it was granted offline_access.
func (c *Client) Metadata() Metadata {
	m := Metadata{RequiresPKCE: c.PKCERequired}

	// The token endpoint takes secrets from either the Authorization
	// header or the form body, so both methods are advertised.
	secretMethods := []string{"client_secret_basic", "client_secret_post"}

	switch c.Kind {
	case KindSystem:
		m.GrantTypes = []string{"client_credentials"}
		m.TokenAuthMethods = secretMethods
		return m
	case KindPublic:
		m.TokenAuthMethods = []string{"none"}
	default:
		m.TokenAuthMethods = secretMethods
	}

	m.GrantTypes = []string{"authorization_code"}
	m.RequiresConsent = true
	if c.HasScope("offline_access") {
		m.GrantTypes = append(m.GrantTypes, "refresh_token")
		m.AllowsRefresh = true
	}
	return m
}

// HasScope reports whether the registration includes an exact scope.
func (c *Client) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// VerifySecret checks a presented plaintext secret against the stored
// hash. Public clients have no secret and always fail.
func (c *Client) VerifySecret(secret string) bool {
	if c.SecretHash == "" || secret == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.SecretHash), []byte(secret)) == nil
}

// HashSecret hashes a plaintext client secret for storage.
func HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
