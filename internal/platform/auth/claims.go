package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenKind distinguishes the three token families the server issues.
type TokenKind string

const (
	// TokenKindAdmin marks short-lived interactive session tokens.
	TokenKindAdmin TokenKind = "admin"
	// TokenKindAPI marks long-lived machine integration tokens.
	TokenKindAPI TokenKind = "api"
	// TokenKindOAuth marks access tokens minted by the OAuth2 flows.
	TokenKindOAuth TokenKind = "oauth"
)

// Claims is the JWT payload for every token kind the server mints.
type Claims struct {
	jwt.RegisteredClaims
	TokenType string `json:"token_type,omitempty"`
	Scope     string `json:"scope,omitempty"`
	Email     string `json:"email,omitempty"`
	AppName   string `json:"appName,omitempty"`
	Patient   string `json:"patient,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
}

// Scopes parses the space-separated scope claim.
func (c *Claims) Scopes() ScopeSet {
	return ParseScopes(c.Scope)
}

// classifier inspects claims and reports a token kind, or false when it
// cannot decide. Classifiers run in order; the first hit wins.
type classifier func(*Claims) (TokenKind, bool)

var classifiers = []classifier{
	classifyByTokenType,
	classifyByAudience,
}

// Kind determines the token family from the claims. The token_type claim
// is authoritative; tokens minted before it existed are recognized as
// OAuth tokens by their non-empty audience. Everything else is treated as
// an admin token.
func (c *Claims) Kind() TokenKind {
	for _, classify := range classifiers {
		if kind, ok := classify(c); ok {
			return kind
		}
	}
	return TokenKindAdmin
}

func classifyByTokenType(c *Claims) (TokenKind, bool) {
	switch TokenKind(c.TokenType) {
	case TokenKindAdmin, TokenKindAPI, TokenKindOAuth:
		return TokenKind(c.TokenType), true
	}
	return "", false
}

// Legacy OAuth tokens carried an audience but no token_type claim.
func classifyByAudience(c *Claims) (TokenKind, bool) {
	if len(c.Audience) > 0 {
		return TokenKindOAuth, true
	}
	return "", false
}

// Validities holds the lifetime for each token kind.
type Validities struct {
	Admin time.Duration
	API   time.Duration
	OAuth time.Duration
}

// DefaultValidities are the lifetimes used when none are configured.
func DefaultValidities() Validities {
	return Validities{
		Admin: 24 * time.Hour,
		API:   2160 * time.Hour,
		OAuth: time.Hour,
	}
}

// For returns the lifetime for a token kind.
func (v Validities) For(kind TokenKind) time.Duration {
	switch kind {
	case TokenKindAPI:
		return v.API
	case TokenKindOAuth:
		return v.OAuth
	default:
		return v.Admin
	}
}
