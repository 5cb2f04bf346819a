package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fhirgate/fhirgate/internal/domain/accounts"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

// OAuthError is an OAuth 2.0 error response.
type OAuthError struct {
	Code        string `json:"error"`
	Description string `json:"error_description"`

	// DirectOnly marks errors raised before the redirect_uri passed
	// registration checks. Per RFC 6749 §4.1.2.1 these must be answered
	// to the caller directly, never redirected.
	DirectOnly bool `json:"-"`
}

func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// AuthorizationCode is a short-lived code exchanged for tokens.
type AuthorizationCode struct {
	Code                string
	ClientID            string
	RedirectURI         string
	Scope               string
	ExpiresAt           time.Time
	PatientID           string
	EncounterID         string
	UserID              string
	CodeChallenge       string
	CodeChallengeMethod string
}

// LaunchContext holds EHR launch context handed to the authorization
// endpoint via the launch parameter.
type LaunchContext struct {
	ID          string
	PatientID   string
	EncounterID string
	UserID      string
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// RefreshTokenData is the state behind an issued refresh token.
type RefreshTokenData struct {
	Token       string
	ClientID    string
	Scope       string
	PatientID   string
	EncounterID string
	UserID      string
	ExpiresAt   time.Time
}

// TokenResponse is the OAuth2 token response with SMART extensions. The
// patient context rides at the top level next to the access token.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Patient      string `json:"patient,omitempty"`
	Encounter    string `json:"encounter,omitempty"`
	FHIRUser     string `json:"fhirUser,omitempty"`
}

// AuthorizationRequest carries the query parameters of GET /oauth2/authorize.
type AuthorizationRequest struct {
	ResponseType        string
	ClientID            string
	RedirectURI         string
	Scope               string
	State               string
	Aud                 string
	Launch              string
	PatientID           string
	UserID              string
	CodeChallenge       string
	CodeChallengeMethod string
}

// AuthorizationResponse is the result of a successful authorization.
type AuthorizationResponse struct {
	Code        string
	RedirectURI string
	State       string
}

// TokenRequest carries the form parameters of POST /oauth2/token.
type TokenRequest struct {
	GrantType    string
	Code         string
	RedirectURI  string
	ClientID     string
	ClientSecret string
	CodeVerifier string
	RefreshToken string
	Scope        string
}

// IntrospectionResponse follows RFC 7662 with SMART context fields.
type IntrospectionResponse struct {
	Active    bool   `json:"active"`
	Subject   string `json:"sub,omitempty"`
	ClientID  string `json:"client_id,omitempty"`
	Scope     string `json:"scope,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	ExpiresAt int64  `json:"exp,omitempty"`
	IssuedAt  int64  `json:"iat,omitempty"`
	Issuer    string `json:"iss,omitempty"`
	TokenID   string `json:"jti,omitempty"`
	Patient   string `json:"patient,omitempty"`
	FHIRUser  string `json:"fhirUser,omitempty"`
}

// Server implements the SMART on FHIR authorization server on top of
// the client registry, the shared token issuer, and the patient context
// resolver.
type Server struct {
	registry  *Registry
	issuer    *auth.Issuer
	resolver  *accounts.PatientResolver
	issuerURL string

	mu             sync.RWMutex
	authCodes      map[string]*AuthorizationCode
	launchContexts map[string]*LaunchContext
	refreshTokens  map[string]*RefreshTokenData

	codeExpiry    time.Duration
	tokenExpiry   time.Duration
	refreshExpiry time.Duration
}

// NewServer creates an authorization server.
func NewServer(issuerURL string, registry *Registry, issuer *auth.Issuer, resolver *accounts.PatientResolver, tokenExpiry time.Duration) *Server {
	if tokenExpiry <= 0 {
		tokenExpiry = time.Hour
	}
	return &Server{
		registry:       registry,
		issuer:         issuer,
		resolver:       resolver,
		issuerURL:      issuerURL,
		authCodes:      make(map[string]*AuthorizationCode),
		launchContexts: make(map[string]*LaunchContext),
		refreshTokens:  make(map[string]*RefreshTokenData),
		codeExpiry:     5 * time.Minute,
		tokenExpiry:    tokenExpiry,
		refreshExpiry:  24 * time.Hour,
	}
}

// IssuerURL returns the advertised issuer.
func (s *Server) IssuerURL() string { return s.issuerURL }

// CreateLaunchContext registers EHR launch context for a subsequent
// authorization request.
func (s *Server) CreateLaunchContext(patientID, encounterID, userID string) (*LaunchContext, error) {
	id, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating launch context id: %w", err)
	}

	now := time.Now()
	lc := &LaunchContext{
		ID:          id,
		PatientID:   patientID,
		EncounterID: encounterID,
		UserID:      userID,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.codeExpiry),
	}

	s.mu.Lock()
	s.launchContexts[id] = lc
	s.mu.Unlock()

	return lc, nil
}

// Authorize validates an authorization request and mints a one-time
// code. Patient context resolves in priority order: the explicitly
// requested patient, the launch context, the user's default patient,
// then the directory fallback.
func (s *Server) Authorize(ctx context.Context, req *AuthorizationRequest) (*AuthorizationResponse, error) {
	if req.ResponseType != "code" {
		return nil, &OAuthError{Code: "unsupported_response_type", Description: "response_type must be 'code'", DirectOnly: true}
	}

	client, err := s.registry.Lookup(ctx, req.ClientID)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_request", Description: "unknown client_id", DirectOnly: true}
	}

	meta := client.Metadata()
	if !grantSupported(meta.GrantTypes, "authorization_code") {
		return nil, &OAuthError{Code: "unauthorized_client", Description: "client is not allowed to use the authorization_code grant", DirectOnly: true}
	}

	if !redirectRegistered(client.RedirectURIs, req.RedirectURI) {
		return nil, &OAuthError{Code: "invalid_request", Description: "redirect_uri not registered for this client", DirectOnly: true}
	}

	if meta.RequiresPKCE {
		if req.CodeChallenge == "" {
			return nil, &OAuthError{Code: "invalid_request", Description: "code_challenge is required for this client"}
		}
		if req.CodeChallengeMethod != "" && req.CodeChallengeMethod != "S256" {
			return nil, &OAuthError{Code: "invalid_request", Description: "only the S256 code_challenge_method is supported"}
		}
	}

	negotiated, err := negotiateScopes(req.Scope, client.Scopes)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_scope", Description: err.Error()}
	}

	code, err := randomHex(32)
	if err != nil {
		return nil, fmt.Errorf("generating authorization code: %w", err)
	}

	ac := &AuthorizationCode{
		Code:                code,
		ClientID:            req.ClientID,
		RedirectURI:         req.RedirectURI,
		Scope:               negotiated,
		ExpiresAt:           time.Now().Add(s.codeExpiry),
		UserID:              req.UserID,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
	}

	requestedPatient := req.PatientID
	if req.Launch != "" {
		s.mu.Lock()
		lc, ok := s.launchContexts[req.Launch]
		if ok {
			delete(s.launchContexts, req.Launch)
		}
		s.mu.Unlock()

		if !ok || time.Now().After(lc.ExpiresAt) {
			return nil, &OAuthError{Code: "invalid_request", Description: "invalid or expired launch context"}
		}
		if requestedPatient == "" {
			requestedPatient = lc.PatientID
		}
		ac.EncounterID = lc.EncounterID
		if ac.UserID == "" {
			ac.UserID = lc.UserID
		}
	}

	if s.resolver != nil {
		ac.PatientID = s.resolver.Resolve(ctx, requestedPatient, ac.UserID)
	} else {
		ac.PatientID = requestedPatient
	}

	s.mu.Lock()
	s.authCodes[code] = ac
	s.mu.Unlock()

	return &AuthorizationResponse{
		Code:        code,
		RedirectURI: req.RedirectURI,
		State:       req.State,
	}, nil
}

// ExchangeCode exchanges an authorization code for tokens.
func (s *Server) ExchangeCode(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	s.mu.Lock()
	ac, ok := s.authCodes[req.Code]
	if ok {
		delete(s.authCodes, req.Code) // one-time use
	}
	s.mu.Unlock()

	if !ok {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid or already used authorization code"}
	}
	if time.Now().After(ac.ExpiresAt) {
		return nil, &OAuthError{Code: "invalid_grant", Description: "authorization code has expired"}
	}
	if ac.RedirectURI != req.RedirectURI {
		return nil, &OAuthError{Code: "invalid_grant", Description: "redirect_uri does not match"}
	}
	if ac.ClientID != req.ClientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match"}
	}

	client, err := s.registry.Lookup(ctx, req.ClientID)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_client", Description: "unknown client"}
	}

	if client.Kind == KindPublic {
		if ac.CodeChallenge == "" {
			return nil, &OAuthError{Code: "invalid_request", Description: "PKCE is required for public clients"}
		}
	} else if !client.VerifySecret(req.ClientSecret) {
		return nil, &OAuthError{Code: "invalid_client", Description: "invalid client_secret"}
	}

	if ac.CodeChallenge != "" {
		if req.CodeVerifier == "" {
			return nil, &OAuthError{Code: "invalid_grant", Description: "code_verifier is required"}
		}
		if !verifyPKCE(req.CodeVerifier, ac.CodeChallenge) {
			return nil, &OAuthError{Code: "invalid_grant", Description: "PKCE verification failed"}
		}
	}

	resp, err := s.mintAccessToken(ctx, client, ac.Scope, ac.UserID, ac.PatientID, ac.EncounterID)
	if err != nil {
		return nil, err
	}

	if client.Metadata().AllowsRefresh && containsScope(ac.Scope, "offline_access") {
		refreshToken, rtErr := randomHex(32)
		if rtErr != nil {
			return nil, fmt.Errorf("generating refresh token: %w", rtErr)
		}

		s.mu.Lock()
		s.refreshTokens[refreshToken] = &RefreshTokenData{
			Token:       refreshToken,
			ClientID:    ac.ClientID,
			Scope:       ac.Scope,
			PatientID:   ac.PatientID,
			EncounterID: ac.EncounterID,
			UserID:      ac.UserID,
			ExpiresAt:   time.Now().Add(s.refreshExpiry),
		}
		s.mu.Unlock()

		resp.RefreshToken = refreshToken
	}

	return resp, nil
}

// ClientCredentials runs the backend-services grant for system clients.
func (s *Server) ClientCredentials(ctx context.Context, req *TokenRequest) (*TokenResponse, error) {
	client, err := s.registry.Lookup(ctx, req.ClientID)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_client", Description: "unknown client"}
	}
	if !grantSupported(client.Metadata().GrantTypes, "client_credentials") {
		return nil, &OAuthError{Code: "unauthorized_client", Description: "client is not allowed to use the client_credentials grant"}
	}
	if !client.VerifySecret(req.ClientSecret) {
		return nil, &OAuthError{Code: "invalid_client", Description: "invalid client_secret"}
	}

	scope := req.Scope
	if scope == "" {
		scope = strings.Join(client.Scopes, " ")
	}
	negotiated, err := negotiateScopes(scope, client.Scopes)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_scope", Description: err.Error()}
	}

	return s.mintAccessToken(ctx, client, negotiated, client.ClientID, "", "")
}

// RefreshAccessToken exchanges a refresh token for a new access token.
// The refresh token itself is returned unchanged.
func (s *Server) RefreshAccessToken(ctx context.Context, refreshToken, clientID string) (*TokenResponse, error) {
	s.mu.RLock()
	rt, ok := s.refreshTokens[refreshToken]
	s.mu.RUnlock()

	if !ok {
		return nil, &OAuthError{Code: "invalid_grant", Description: "invalid refresh token"}
	}
	if time.Now().After(rt.ExpiresAt) {
		s.mu.Lock()
		delete(s.refreshTokens, refreshToken)
		s.mu.Unlock()
		return nil, &OAuthError{Code: "invalid_grant", Description: "refresh token has expired"}
	}
	if rt.ClientID != clientID {
		return nil, &OAuthError{Code: "invalid_grant", Description: "client_id does not match refresh token"}
	}

	client, err := s.registry.Lookup(ctx, clientID)
	if err != nil {
		return nil, &OAuthError{Code: "invalid_client", Description: "unknown client"}
	}

	resp, err := s.mintAccessToken(ctx, client, rt.Scope, rt.UserID, rt.PatientID, rt.EncounterID)
	if err != nil {
		return nil, err
	}
	resp.RefreshToken = refreshToken
	return resp, nil
}

func (s *Server) mintAccessToken(ctx context.Context, client *Client, scope, userID, patientID, encounterID string) (*TokenResponse, error) {
	subject := userID
	if subject == "" {
		subject = client.ClientID
	}
	fhirUser := ""
	if userID != "" {
		fhirUser = "Practitioner/" + userID
	}

	signed, _, err := s.issuer.Issue(ctx, auth.IssueRequest{
		Subject:  subject,
		AppName:  client.Name,
		Scopes:   strings.Fields(scope),
		Kind:     auth.TokenKindOAuth,
		Patient:  patientID,
		FHIRUser: fhirUser,
		Audience: []string{s.issuerURL + "/fhir"},
	})
	if err != nil {
		return nil, fmt.Errorf("signing access token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int(s.tokenExpiry.Seconds()),
		Scope:       scope,
		Patient:     patientID,
		Encounter:   encounterID,
		FHIRUser:    fhirUser,
	}, nil
}

// Introspect reports whether a token is live and echoes its claims.
// Malformed or tampered tokens come back inactive, never as errors.
func (s *Server) Introspect(tokenStr string) *IntrospectionResponse {
	claims, err := s.issuer.Parse(tokenStr)
	if err != nil {
		return &IntrospectionResponse{Active: false}
	}

	resp := &IntrospectionResponse{
		Active:    true,
		Subject:   claims.Subject,
		Scope:     claims.Scope,
		TokenType: string(claims.Kind()),
		Issuer:    claims.Issuer,
		TokenID:   claims.ID,
		Patient:   claims.Patient,
		FHIRUser:  claims.FHIRUser,
	}
	if claims.ExpiresAt != nil {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if claims.IssuedAt != nil {
		resp.IssuedAt = claims.IssuedAt.Unix()
	}
	return resp
}

// StartCleanup launches a background sweep of expired codes, launch
// contexts, and refresh tokens. Stops when ctx is canceled.
func (s *Server) StartCleanup(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *Server) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for code, ac := range s.authCodes {
		if now.After(ac.ExpiresAt) {
			delete(s.authCodes, code)
		}
	}
	for id, lc := range s.launchContexts {
		if now.After(lc.ExpiresAt) {
			delete(s.launchContexts, id)
		}
	}
	for token, rt := range s.refreshTokens {
		if now.After(rt.ExpiresAt) {
			delete(s.refreshTokens, token)
		}
	}
}

// --- helpers ---

// verifyPKCE verifies a PKCE code_verifier against a code_challenge using S256.
func verifyPKCE(verifier, challenge string) bool {
	hash := sha256.Sum256([]byte(verifier))
	computed := base64.RawURLEncoding.EncodeToString(hash[:])
	return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
}

// contextualScopes are the recognized non-resource SMART scopes.
var contextualScopes = map[string]bool{
	"openid":           true,
	"fhirUser":         true,
	"profile":          true,
	"launch":           true,
	"launch/patient":   true,
	"launch/encounter": true,
	"offline_access":   true,
}

func isValidRequestScope(scope string) bool {
	if contextualScopes[scope] {
		return true
	}
	s := auth.ParseScope(scope)
	return s.IsResourceScope()
}

// negotiateScopes returns the intersection of requested and allowed
// scopes. An unrecognized requested scope is an error; an empty
// intersection is too.
func negotiateScopes(requested string, allowed []string) (string, error) {
	requestedScopes := strings.Fields(requested)
	if len(requestedScopes) == 0 {
		return "", fmt.Errorf("no scopes requested")
	}

	for _, s := range requestedScopes {
		if !isValidRequestScope(s) {
			return "", fmt.Errorf("invalid scope: %s", s)
		}
	}

	allowedSet := make(map[string]bool, len(allowed))
	for _, s := range allowed {
		allowedSet[s] = true
	}

	var negotiated []string
	for _, s := range requestedScopes {
		if allowedSet[s] {
			negotiated = append(negotiated, s)
		}
	}
	if len(negotiated) == 0 {
		return "", fmt.Errorf("no requested scopes are allowed for this client")
	}
	return strings.Join(negotiated, " "), nil
}

func containsScope(scopeStr, target string) bool {
	for _, s := range strings.Fields(scopeStr) {
		if s == target {
			return true
		}
	}
	return false
}

func grantSupported(grants []string, grant string) bool {
	for _, g := range grants {
		if g == grant {
			return true
		}
	}
	return false
}

func redirectRegistered(registered []string, uri string) bool {
	for _, r := range registered {
		if r == uri {
			return true
		}
	}
	return false
}

// randomHex generates a cryptographically random hex string of n bytes.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
