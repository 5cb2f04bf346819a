package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// IssuedToken is the persistent record of a minted token. The signed JWT
// itself is never stored; only its metadata survives.
type IssuedToken struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	Email     string     `json:"email,omitempty"`
	AppName   string     `json:"appName,omitempty"`
	Kind      TokenKind  `json:"kind"`
	Scope     string     `json:"scope,omitempty"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	CreatedBy string     `json:"createdBy,omitempty"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
}

// Revoked reports whether the token has been revoked.
func (t *IssuedToken) Revoked() bool { return t.RevokedAt != nil }

// TokenRecorder persists issued token records. Issuance refuses to hand
// out a token whose record could not be written.
type TokenRecorder interface {
	Create(ctx context.Context, tok *IssuedToken) error
}

// IssueRequest describes the token to mint.
type IssueRequest struct {
	Subject   string
	Email     string
	AppName   string
	Scopes    []string
	Kind      TokenKind
	Patient   string
	FHIRUser  string
	Audience  []string
	CreatedBy string
}

// Issuer mints and parses the server's JWTs. All tokens are signed with
// HS256 using a single shared key.
type Issuer struct {
	issuer     string
	signingKey []byte
	validities Validities
	recorder   TokenRecorder
	cache      *ActiveTokenCache
}

// NewIssuer builds an Issuer. The signing key must not be empty.
func NewIssuer(issuer string, signingKey []byte, v Validities, recorder TokenRecorder, cache *ActiveTokenCache) (*Issuer, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("auth: signing key is required")
	}
	return &Issuer{
		issuer:     issuer,
		signingKey: signingKey,
		validities: v,
		recorder:   recorder,
		cache:      cache,
	}, nil
}

// Issue mints a signed token. For admin and API tokens the record is
// persisted and the jti registered in the active cache before the token
// string is returned; a persistence failure means no token. OAuth tokens
// are neither persisted nor cached.
func (i *Issuer) Issue(ctx context.Context, req IssueRequest) (string, *IssuedToken, error) {
	now := time.Now()
	jti := uuid.NewString()
	expiresAt := now.Add(i.validities.For(req.Kind))

	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   req.Subject,
			Audience:  req.Audience,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		TokenType: string(req.Kind),
		Scope:     strings.Join(req.Scopes, " "),
		Email:     req.Email,
		AppName:   req.AppName,
		Patient:   req.Patient,
		FHIRUser:  req.FHIRUser,
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("signing token: %w", err)
	}

	record := &IssuedToken{
		ID:        jti,
		Subject:   req.Subject,
		Email:     req.Email,
		AppName:   req.AppName,
		Kind:      req.Kind,
		Scope:     claims.Scope,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
		CreatedBy: req.CreatedBy,
	}

	if req.Kind != TokenKindOAuth {
		if i.recorder != nil {
			if err := i.recorder.Create(ctx, record); err != nil {
				return "", nil, fmt.Errorf("recording token: %w", err)
			}
		}
		if i.cache != nil {
			i.cache.Add(jti, expiresAt)
		}
	}

	return signed, record, nil
}

// Parse verifies the signature and standard claims of a token string.
func (i *Issuer) Parse(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return i.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}
