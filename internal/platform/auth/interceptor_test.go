package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

func runInterceptor(t *testing.T, cfg InterceptorConfig, authHeader string) (*httptest.ResponseRecorder, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/resource", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	handler := ValidationInterceptor(cfg)(func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return rec, handler(c)
}

func TestInterceptorPassesThroughWithoutCredential(t *testing.T) {
	iss := newTestIssuer(t, nil, nil)
	rec, err := runInterceptor(t, InterceptorConfig{Issuer: iss}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestInterceptorPassesThroughNonBearer(t *testing.T) {
	iss := newTestIssuer(t, nil, nil)
	rec, err := runInterceptor(t, InterceptorConfig{Issuer: iss}, "Basic dXNlcjpwYXNz")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestInterceptorRejectsBadSignature(t *testing.T) {
	iss := newTestIssuer(t, nil, nil)
	_, err := runInterceptor(t, InterceptorConfig{Issuer: iss}, "Bearer not-a-token")
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", err)
	}
}

func TestInterceptorAdmitsActiveToken(t *testing.T) {
	cache := NewActiveTokenCache()
	defer cache.Close()
	iss := newTestIssuer(t, nil, cache)

	signed, _, err := iss.Issue(context.Background(), IssueRequest{Subject: "u", Kind: TokenKindAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rec, err := runInterceptor(t, InterceptorConfig{Issuer: iss, Cache: cache}, "Bearer "+signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestInterceptorRejectsRevokedToken(t *testing.T) {
	cache := NewActiveTokenCache()
	defer cache.Close()
	iss := newTestIssuer(t, nil, cache)

	signed, record, err := iss.Issue(context.Background(), IssueRequest{Subject: "u", Kind: TokenKindAdmin})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	cache.Remove(record.ID)

	_, err = runInterceptor(t, InterceptorConfig{Issuer: iss, Cache: cache}, "Bearer "+signed)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for revoked token, got %v", err)
	}
}

func TestInterceptorRejectsUnknownJTI(t *testing.T) {
	cache := NewActiveTokenCache()
	defer cache.Close()
	// Issuer without cache: the jti never enters the active set.
	iss := newTestIssuer(t, nil, nil)

	signed, _, err := iss.Issue(context.Background(), IssueRequest{Subject: "u", Kind: TokenKindAPI})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	_, err = runInterceptor(t, InterceptorConfig{Issuer: iss, Cache: cache}, "Bearer "+signed)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown jti, got %v", err)
	}
}

func TestInterceptorAdmitsTokenWithoutJTI(t *testing.T) {
	cache := NewActiveTokenCache()
	defer cache.Close()
	iss := newTestIssuer(t, nil, cache)

	// Tokens minted before revocation tracking carry no jti. They are
	// admitted as-is; only jti-bearing tokens face the active-set gate.
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "http://localhost:8080",
			Subject:   "legacy",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TokenType: string(TokenKindAPI),
		Scope:     "system/Patient.read",
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(testKey)
	if err != nil {
		t.Fatalf("signing: %v", err)
	}

	rec, err := runInterceptor(t, InterceptorConfig{Issuer: iss, Cache: cache}, "Bearer "+signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestInterceptorAdmitsOAuthWithoutCacheEntry(t *testing.T) {
	cache := NewActiveTokenCache()
	defer cache.Close()
	iss := newTestIssuer(t, nil, cache)

	signed, _, err := iss.Issue(context.Background(), IssueRequest{
		Subject:  "u",
		Kind:     TokenKindOAuth,
		Audience: []string{"app"},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	rec, err := runInterceptor(t, InterceptorConfig{Issuer: iss, Cache: cache}, "Bearer "+signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
}

func TestRequireScope(t *testing.T) {
	cache := NewActiveTokenCache()
	defer cache.Close()
	iss := newTestIssuer(t, nil, cache)

	signed, _, err := iss.Issue(context.Background(), IssueRequest{
		Subject: "u",
		Kind:    TokenKindAPI,
		Scopes:  []string{"system/Patient.read"},
	})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	e := echo.New()
	h := ValidationInterceptor(InterceptorConfig{Issuer: iss, Cache: cache})(
		RequireScope("Patient")(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		}))

	req := httptest.NewRequest(http.MethodGet, "/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec := httptest.NewRecorder()
	if err := h(e.NewContext(req, rec)); err != nil {
		t.Fatalf("read should be allowed: %v", err)
	}

	req = httptest.NewRequest(http.MethodPost, "/Patient", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	err = h(e.NewContext(req, rec))
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for write with read scope, got %v", err)
	}
}

func TestRequireAdmin(t *testing.T) {
	cache := NewActiveTokenCache()
	defer cache.Close()
	iss := newTestIssuer(t, nil, cache)

	adminTok, _, err := iss.Issue(context.Background(), IssueRequest{Subject: "a", Kind: TokenKindAdmin})
	if err != nil {
		t.Fatalf("Issue admin: %v", err)
	}
	apiTok, _, err := iss.Issue(context.Background(), IssueRequest{
		Subject: "svc", Kind: TokenKindAPI, Scopes: []string{"system/Patient.read"},
	})
	if err != nil {
		t.Fatalf("Issue api: %v", err)
	}
	superTok, _, err := iss.Issue(context.Background(), IssueRequest{
		Subject: "svc2", Kind: TokenKindAPI, Scopes: []string{"system/*.*"},
	})
	if err != nil {
		t.Fatalf("Issue super: %v", err)
	}

	e := echo.New()
	h := ValidationInterceptor(InterceptorConfig{Issuer: iss, Cache: cache})(
		RequireAdmin()(func(c echo.Context) error {
			return c.NoContent(http.StatusOK)
		}))

	call := func(token string) error {
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		return h(e.NewContext(req, httptest.NewRecorder()))
	}

	if err := call(adminTok); err != nil {
		t.Errorf("admin token rejected: %v", err)
	}
	if err := call(superTok); err != nil {
		t.Errorf("system wildcard token rejected: %v", err)
	}
	err = call(apiTok)
	httpErr, ok := err.(*echo.HTTPError)
	if !ok || httpErr.Code != http.StatusForbidden {
		t.Errorf("expected 403 for scoped api token, got %v", err)
	}
}
