package oauth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

func newAuthorizeHandler(t *testing.T, clients ...*Client) *Handler {
	t.Helper()
	issuer, err := auth.NewIssuer("http://localhost:8080",
		[]byte("0123456789abcdef0123456789abcdef"), auth.DefaultValidities(), nil, nil)
	if err != nil {
		t.Fatalf("NewIssuer: %v", err)
	}
	registry := NewRegistry(NewMemSource("test", clients...))
	server := NewServer("http://localhost:8080", registry, issuer, nil, time.Hour)
	return NewHandler(server, registry)
}

func getAuthorize(t *testing.T, h *Handler, params url.Values) *httptest.ResponseRecorder {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/oauth2/authorize?"+params.Encode(), nil)
	rec := httptest.NewRecorder()
	if err := h.handleAuthorize(e.NewContext(req, rec)); err != nil {
		t.Fatalf("handleAuthorize: %v", err)
	}
	return rec
}

// An error about the redirect_uri itself must never be delivered to
// that uri; answering it directly keeps the endpoint from forwarding
// visitors to an attacker-chosen address.
func TestAuthorizeUnregisteredRedirectNotRedirected(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read")
	h := newAuthorizeHandler(t, client)

	rec := getAuthorize(t, h, url.Values{
		"response_type": {"code"},
		"client_id":     {"ehr-app"},
		"redirect_uri":  {"https://evil.example.com/steal"},
		"scope":         {"patient/Patient.read"},
		"state":         {"xyz"},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Fatalf("unexpected redirect to %q", loc)
	}
	var oauthErr OAuthError
	if err := json.Unmarshal(rec.Body.Bytes(), &oauthErr); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if oauthErr.Code != "invalid_request" {
		t.Errorf("error = %q, want invalid_request", oauthErr.Code)
	}
}

func TestAuthorizeUnknownClientNotRedirected(t *testing.T) {
	h := newAuthorizeHandler(t)

	rec := getAuthorize(t, h, url.Values{
		"response_type": {"code"},
		"client_id":     {"nobody"},
		"redirect_uri":  {"https://evil.example.com/steal"},
		"scope":         {"patient/Patient.read"},
		"state":         {"xyz"},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Fatalf("unexpected redirect to %q", loc)
	}
}

func TestAuthorizeMissingParamsNotRedirected(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read")
	h := newAuthorizeHandler(t, client)

	// client_id is absent, so the redirect_uri belongs to nobody yet.
	rec := getAuthorize(t, h, url.Values{
		"response_type": {"code"},
		"redirect_uri":  {"https://evil.example.com/steal"},
		"scope":         {"patient/Patient.read"},
		"state":         {"xyz"},
	})

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if loc := rec.Header().Get("Location"); loc != "" {
		t.Fatalf("unexpected redirect to %q", loc)
	}
}

// Once the redirect_uri has passed registration checks, protocol
// errors go back to the client the standard way.
func TestAuthorizeScopeErrorRedirectsToRegisteredURI(t *testing.T) {
	client := confidentialClient(t, "s3cret", "patient/Patient.read")
	h := newAuthorizeHandler(t, client)

	rec := getAuthorize(t, h, url.Values{
		"response_type": {"code"},
		"client_id":     {"ehr-app"},
		"redirect_uri":  {"https://app.example.com/callback"},
		"scope":         {"system/*.write"},
		"state":         {"xyz"},
	})

	if rec.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", rec.Code)
	}
	loc := rec.Header().Get("Location")
	if !strings.HasPrefix(loc, "https://app.example.com/callback") {
		t.Fatalf("redirected to %q, want the registered uri", loc)
	}
	redirected, err := url.Parse(loc)
	if err != nil {
		t.Fatalf("parse location: %v", err)
	}
	q := redirected.Query()
	if q.Get("error") != "invalid_scope" {
		t.Errorf("error = %q, want invalid_scope", q.Get("error"))
	}
	if q.Get("state") != "xyz" {
		t.Errorf("state = %q, want xyz", q.Get("state"))
	}
}
