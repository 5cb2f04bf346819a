package oauth

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/fhirgate/fhirgate/internal/domain/accounts"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

type fixedDirectory struct{ id string }

func (d fixedDirectory) FirstPatientID(ctx context.Context) (string, error) { return d.id, nil }

func newTestServer(t *testing.T, clients ...*Client) (*Server, *auth.Issuer) {
	t.Helper()
	issuer, err := auth.NewIssuer("http://localhost:8080",
		[]byte("0123456789abcdef0123456789abcdef"), auth.DefaultValidities(), nil, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	registry := NewRegistry(NewMemSource("test", clients...))
	resolver := accounts.NewPatientResolver(nil, fixedDirectory{id: "patient-first"})
	return NewServer("http://localhost:8080", registry, issuer, resolver, time.Hour), issuer
}

func confidentialClient(t *testing.T, secret string, scopes ...string) *Client {
	t.Helper()
	hash, err := HashSecret(secret)
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	return &Client{
		ClientID:     "ehr-app",
		SecretHash:   hash,
		Name:         "EHR App",
		Kind:         KindConfidential,
		RedirectURIs: []string{"https://app.example.com/callback"},
		Scopes:       scopes,
	}
}

func pkceChallenge(verifier string) string {
	hash := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

func TestAuthorizationCodeFlow(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read", "offline_access")
	srv, issuer := newTestServer(t, client)

	authResp, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/Patient.read offline_access",
		State:        "xyz",
		PatientID:    "patient-42",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if authResp.Code == "" || authResp.State != "xyz" {
		t.Fatalf("unexpected authorization response: %+v", authResp)
	}

	tokenResp, err := srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://app.example.com/callback",
		ClientID:     "ehr-app",
		ClientSecret: "s3cret",
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokenResp.AccessToken == "" || tokenResp.TokenType != "Bearer" {
		t.Fatalf("unexpected token response: %+v", tokenResp)
	}
	if tokenResp.Patient != "patient-42" {
		t.Errorf("patient = %q, want explicitly requested patient-42", tokenResp.Patient)
	}
	if tokenResp.RefreshToken == "" {
		t.Error("offline_access should yield a refresh token")
	}

	claims, err := issuer.Parse(tokenResp.AccessToken)
	if err != nil {
		t.Fatalf("Parse access token: %v", err)
	}
	if claims.Kind() != auth.TokenKindOAuth {
		t.Errorf("kind = %q, want oauth", claims.Kind())
	}
	if claims.Patient != "patient-42" {
		t.Errorf("patient claim = %q", claims.Patient)
	}
	if !strings.Contains(claims.Scope, "patient/Patient.read") {
		t.Errorf("scope claim = %q", claims.Scope)
	}

	// Codes are one-time use.
	_, err = srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://app.example.com/callback",
		ClientID:     "ehr-app",
		ClientSecret: "s3cret",
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_grant" {
		t.Errorf("code replay = %v, want invalid_grant", err)
	}
}

func TestAuthorizePatientContextFallsBackToDirectory(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read")
	srv, _ := newTestServer(t, client)

	authResp, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/Patient.read",
		State:        "s",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}

	tokenResp, err := srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://app.example.com/callback",
		ClientID:     "ehr-app",
		ClientSecret: "s3cret",
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokenResp.Patient != "patient-first" {
		t.Errorf("patient = %q, want directory fallback patient-first", tokenResp.Patient)
	}
}

func TestScopeNegotiation(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read")
	srv, _ := newTestServer(t, client)

	// Requesting a superset narrows to the client's registration.
	authResp, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/Patient.read patient/Observation.read",
		State:        "s",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	tokenResp, err := srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://app.example.com/callback",
		ClientID:     "ehr-app",
		ClientSecret: "s3cret",
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokenResp.Scope != "patient/Patient.read" {
		t.Errorf("scope = %q, want narrowed to patient/Patient.read", tokenResp.Scope)
	}

	// Nothing in common is an invalid_scope error.
	_, err = srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/Observation.read",
		State:        "s",
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_scope" {
		t.Errorf("disjoint scopes = %v, want invalid_scope", err)
	}

	// Malformed scopes are rejected outright.
	_, err = srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/.read",
		State:        "s",
	})
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_scope" {
		t.Errorf("malformed scope = %v, want invalid_scope", err)
	}
}

func TestPublicClientRequiresPKCE(t *testing.T) {
	public := &Client{
		ClientID:     "spa",
		Name:         "Browser App",
		Kind:         KindPublic,
		RedirectURIs: []string{"https://spa.example.com/cb"},
		Scopes:       []string{"patient/Patient.read"},
		PKCERequired: true,
	}
	srv, _ := newTestServer(t, public)

	_, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "spa",
		RedirectURI:  "https://spa.example.com/cb",
		Scope:        "patient/Patient.read",
		State:        "s",
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_request" {
		t.Fatalf("authorize without challenge = %v, want invalid_request", err)
	}

	verifier := "correct-horse-battery-staple-correct-horse"
	authResp, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            "spa",
		RedirectURI:         "https://spa.example.com/cb",
		Scope:               "patient/Patient.read",
		State:               "s",
		CodeChallenge:       pkceChallenge(verifier),
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatalf("Authorize with PKCE: %v", err)
	}

	// Wrong verifier fails.
	_, err = srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://spa.example.com/cb",
		ClientID:     "spa",
		CodeVerifier: "not-the-verifier",
	})
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_grant" {
		t.Fatalf("wrong verifier = %v, want invalid_grant", err)
	}

	// The code was consumed by the failed attempt; run the flow again.
	authResp, err = srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType:        "code",
		ClientID:            "spa",
		RedirectURI:         "https://spa.example.com/cb",
		Scope:               "patient/Patient.read",
		State:               "s",
		CodeChallenge:       pkceChallenge(verifier),
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	tokenResp, err := srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://spa.example.com/cb",
		ClientID:     "spa",
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("ExchangeCode with PKCE: %v", err)
	}
	if tokenResp.AccessToken == "" {
		t.Error("expected access token")
	}
}

func TestClientCredentialsGrant(t *testing.T) {
	hash, err := HashSecret("svc-secret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	system := &Client{
		ClientID:   "backend-svc",
		SecretHash: hash,
		Name:       "Backend Service",
		Kind:       KindSystem,
		Scopes:     []string{"system/Observation.read", "system/Observation.write"},
	}
	srv, issuer := newTestServer(t, system)

	resp, err := srv.ClientCredentials(context.Background(), &TokenRequest{
		GrantType:    "client_credentials",
		ClientID:     "backend-svc",
		ClientSecret: "svc-secret",
	})
	if err != nil {
		t.Fatalf("ClientCredentials: %v", err)
	}
	if resp.Patient != "" {
		t.Error("system tokens carry no patient context")
	}
	if resp.RefreshToken != "" {
		t.Error("system tokens must not get refresh tokens")
	}

	claims, err := issuer.Parse(resp.AccessToken)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if claims.Subject != "backend-svc" {
		t.Errorf("subject = %q", claims.Subject)
	}

	// Wrong secret.
	_, err = srv.ClientCredentials(context.Background(), &TokenRequest{
		ClientID:     "backend-svc",
		ClientSecret: "nope",
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_client" {
		t.Errorf("wrong secret = %v, want invalid_client", err)
	}

	// Interactive clients cannot use client_credentials.
	interactive := confidentialClient(t, "s3cret", "patient/Patient.read")
	srv2, _ := newTestServer(t, interactive)
	_, err = srv2.ClientCredentials(context.Background(), &TokenRequest{
		ClientID:     "ehr-app",
		ClientSecret: "s3cret",
	})
	if !errors.As(err, &oauthErr) || oauthErr.Code != "unauthorized_client" {
		t.Errorf("interactive client_credentials = %v, want unauthorized_client", err)
	}
}

func TestRefreshTokenGrant(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read", "offline_access")
	srv, _ := newTestServer(t, client)

	authResp, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/Patient.read offline_access",
		State:        "s",
		PatientID:    "patient-9",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	tokenResp, err := srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://app.example.com/callback",
		ClientID:     "ehr-app",
		ClientSecret: "s3cret",
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	refreshed, err := srv.RefreshAccessToken(context.Background(), tokenResp.RefreshToken, "ehr-app")
	if err != nil {
		t.Fatalf("RefreshAccessToken: %v", err)
	}
	if refreshed.AccessToken == "" || refreshed.AccessToken == tokenResp.AccessToken {
		t.Error("refresh should mint a new access token")
	}
	if refreshed.Patient != "patient-9" {
		t.Errorf("patient = %q, want preserved patient-9", refreshed.Patient)
	}

	var oauthErr *OAuthError
	if _, err := srv.RefreshAccessToken(context.Background(), tokenResp.RefreshToken, "other-client"); !errors.As(err, &oauthErr) {
		t.Error("refresh with wrong client should fail")
	}
	if _, err := srv.RefreshAccessToken(context.Background(), "bogus", "ehr-app"); !errors.As(err, &oauthErr) {
		t.Error("unknown refresh token should fail")
	}
}

func TestLaunchContextFlow(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read", "launch")
	srv, _ := newTestServer(t, client)

	lc, err := srv.CreateLaunchContext("patient-77", "enc-1", "user-5")
	if err != nil {
		t.Fatalf("CreateLaunchContext: %v", err)
	}

	authResp, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/Patient.read launch",
		State:        "s",
		Launch:       lc.ID,
	})
	if err != nil {
		t.Fatalf("Authorize with launch: %v", err)
	}
	tokenResp, err := srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://app.example.com/callback",
		ClientID:     "ehr-app",
		ClientSecret: "s3cret",
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}
	if tokenResp.Patient != "patient-77" {
		t.Errorf("patient = %q, want launch context patient-77", tokenResp.Patient)
	}
	if tokenResp.Encounter != "enc-1" {
		t.Errorf("encounter = %q, want enc-1", tokenResp.Encounter)
	}

	// Launch contexts are one-time use.
	var oauthErr *OAuthError
	_, err = srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/Patient.read launch",
		State:        "s",
		Launch:       lc.ID,
	})
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_request" {
		t.Errorf("launch replay = %v, want invalid_request", err)
	}
}

func TestIntrospect(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read")
	srv, _ := newTestServer(t, client)

	authResp, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://app.example.com/callback",
		Scope:        "patient/Patient.read",
		State:        "s",
		PatientID:    "patient-3",
	})
	if err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	tokenResp, err := srv.ExchangeCode(context.Background(), &TokenRequest{
		GrantType:    "authorization_code",
		Code:         authResp.Code,
		RedirectURI:  "https://app.example.com/callback",
		ClientID:     "ehr-app",
		ClientSecret: "s3cret",
	})
	if err != nil {
		t.Fatalf("ExchangeCode: %v", err)
	}

	intro := srv.Introspect(tokenResp.AccessToken)
	if !intro.Active {
		t.Fatal("live token should introspect active")
	}
	if intro.Patient != "patient-3" || intro.Scope != "patient/Patient.read" {
		t.Errorf("unexpected introspection: %+v", intro)
	}
	if intro.TokenType != string(auth.TokenKindOAuth) {
		t.Errorf("token_type = %q", intro.TokenType)
	}

	if srv.Introspect("garbage").Active {
		t.Error("garbage token must introspect inactive")
	}
}

func TestAuthorizeRejectsUnregisteredRedirect(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read")
	srv, _ := newTestServer(t, client)

	_, err := srv.Authorize(context.Background(), &AuthorizationRequest{
		ResponseType: "code",
		ClientID:     "ehr-app",
		RedirectURI:  "https://evil.example.com/cb",
		Scope:        "patient/Patient.read",
		State:        "s",
	})
	var oauthErr *OAuthError
	if !errors.As(err, &oauthErr) || oauthErr.Code != "invalid_request" {
		t.Errorf("unregistered redirect = %v, want invalid_request", err)
	}
}
