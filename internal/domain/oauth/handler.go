package oauth

import (
	"errors"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/db"
)

// Handler provides the OAuth2 / SMART HTTP surface.
type Handler struct {
	server   *Server
	registry *Registry
}

func NewHandler(server *Server, registry *Registry) *Handler {
	return &Handler{server: server, registry: registry}
}

// RegisterRoutes mounts the authorization endpoints at the root and the
// client administration API under /api/v1.
func (h *Handler) RegisterRoutes(e *echo.Echo, api *echo.Group) {
	e.GET("/oauth2/authorize", h.handleAuthorize)
	e.POST("/oauth2/token", h.handleToken)
	e.POST("/oauth2/introspect", h.handleIntrospect)
	e.POST("/oauth2/launch", h.handleLaunch)
	e.GET("/.well-known/smart-configuration", h.handleSMARTConfiguration)

	g := api.Group("/oauth-clients", auth.RequireAdmin())
	g.POST("", h.CreateClient)
	g.GET("", h.ListClients)
	g.GET("/:client_id", h.GetClient)
	g.PUT("/:client_id", h.UpdateClient)
	g.DELETE("/:client_id", h.DeleteClient)
}

func (h *Handler) handleAuthorize(c echo.Context) error {
	req := &AuthorizationRequest{
		ResponseType:        c.QueryParam("response_type"),
		ClientID:            c.QueryParam("client_id"),
		RedirectURI:         c.QueryParam("redirect_uri"),
		Scope:               c.QueryParam("scope"),
		State:               c.QueryParam("state"),
		Aud:                 c.QueryParam("aud"),
		Launch:              c.QueryParam("launch"),
		PatientID:           c.QueryParam("patient_id"),
		CodeChallenge:       c.QueryParam("code_challenge"),
		CodeChallengeMethod: c.QueryParam("code_challenge_method"),
	}
	if claims, ok := auth.ClaimsFromContext(c); ok {
		req.UserID = claims.Subject
	}

	if req.ResponseType == "" || req.ClientID == "" || req.RedirectURI == "" || req.Scope == "" || req.State == "" {
		// The redirect_uri has not been checked against the client's
		// registration yet, so the error cannot be sent there.
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: "invalid_request", Description: "missing required parameters"})
	}

	resp, err := h.server.Authorize(c.Request().Context(), req)
	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			if oauthErr.DirectOnly {
				return c.JSON(http.StatusBadRequest, oauthErr)
			}
			return h.redirectWithError(c, req.RedirectURI, oauthErr.Code, oauthErr.Description, req.State)
		}
		return h.redirectWithError(c, req.RedirectURI, "server_error", "internal server error", req.State)
	}

	redirectURL, parseErr := url.Parse(resp.RedirectURI)
	if parseErr != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "invalid redirect URI")
	}

	q := redirectURL.Query()
	q.Set("code", resp.Code)
	q.Set("state", resp.State)
	redirectURL.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, redirectURL.String())
}

func (h *Handler) redirectWithError(c echo.Context, redirectURI, errCode, errDesc, state string) error {
	if redirectURI == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: errCode, Description: errDesc})
	}

	redirectURL, parseErr := url.Parse(redirectURI)
	if parseErr != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{Code: errCode, Description: errDesc})
	}

	q := redirectURL.Query()
	q.Set("error", errCode)
	q.Set("error_description", errDesc)
	if state != "" {
		q.Set("state", state)
	}
	redirectURL.RawQuery = q.Encode()

	return c.Redirect(http.StatusFound, redirectURL.String())
}

func (h *Handler) handleToken(c echo.Context) error {
	clientID, clientSecret := extractClientCredentials(c)

	req := &TokenRequest{
		GrantType:    c.FormValue("grant_type"),
		Code:         c.FormValue("code"),
		RedirectURI:  c.FormValue("redirect_uri"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		CodeVerifier: c.FormValue("code_verifier"),
		RefreshToken: c.FormValue("refresh_token"),
		Scope:        c.FormValue("scope"),
	}

	var (
		resp *TokenResponse
		err  error
	)
	switch req.GrantType {
	case "authorization_code":
		resp, err = h.server.ExchangeCode(c.Request().Context(), req)
	case "client_credentials":
		resp, err = h.server.ClientCredentials(c.Request().Context(), req)
	case "refresh_token":
		if req.RefreshToken == "" {
			return c.JSON(http.StatusBadRequest, &OAuthError{
				Code:        "invalid_request",
				Description: "refresh_token is required",
			})
		}
		resp, err = h.server.RefreshAccessToken(c.Request().Context(), req.RefreshToken, req.ClientID)
	default:
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "unsupported_grant_type",
			Description: "grant_type must be 'authorization_code', 'client_credentials', or 'refresh_token'",
		})
	}

	if err != nil {
		var oauthErr *OAuthError
		if errors.As(err, &oauthErr) {
			status := http.StatusBadRequest
			if oauthErr.Code == "invalid_client" {
				status = http.StatusUnauthorized
			}
			return c.JSON(status, oauthErr)
		}
		return c.JSON(http.StatusInternalServerError, &OAuthError{
			Code:        "server_error",
			Description: "internal server error",
		})
	}

	return c.JSON(http.StatusOK, resp)
}

// extractClientCredentials reads client_id and client_secret from HTTP
// Basic auth first, then the form body.
func extractClientCredentials(c echo.Context) (string, string) {
	clientID, clientSecret, ok := c.Request().BasicAuth()
	if ok && clientID != "" {
		return clientID, clientSecret
	}
	return c.FormValue("client_id"), c.FormValue("client_secret")
}

func (h *Handler) handleIntrospect(c echo.Context) error {
	token := c.FormValue("token")
	if token == "" {
		return c.JSON(http.StatusOK, &IntrospectionResponse{Active: false})
	}
	return c.JSON(http.StatusOK, h.server.Introspect(token))
}

func (h *Handler) handleLaunch(c echo.Context) error {
	var req struct {
		PatientID   string `json:"patient_id"`
		EncounterID string `json:"encounter_id"`
		UserID      string `json:"user_id"`
	}
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "invalid_request",
			Description: "invalid request body",
		})
	}
	if req.PatientID == "" {
		return c.JSON(http.StatusBadRequest, &OAuthError{
			Code:        "invalid_request",
			Description: "patient_id is required",
		})
	}

	lc, err := h.server.CreateLaunchContext(req.PatientID, req.EncounterID, req.UserID)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, &OAuthError{
			Code:        "server_error",
			Description: "failed to create launch context",
		})
	}

	return c.JSON(http.StatusOK, map[string]string{"launch": lc.ID})
}

func (h *Handler) handleSMARTConfiguration(c echo.Context) error {
	issuer := h.server.IssuerURL()
	cfg := map[string]interface{}{
		"issuer":                 issuer,
		"authorization_endpoint": issuer + "/oauth2/authorize",
		"token_endpoint":         issuer + "/oauth2/token",
		"introspection_endpoint": issuer + "/oauth2/introspect",
		"scopes_supported": []string{
			"patient/*.read", "patient/*.write",
			"user/*.read", "user/*.write",
			"system/*.read", "system/*.write",
			"launch", "launch/patient", "launch/encounter",
			"openid", "fhirUser",
			"offline_access",
		},
		"response_types_supported": []string{"code"},
		"capabilities": []string{
			"launch-ehr",
			"launch-standalone",
			"client-public",
			"client-confidential-symmetric",
			"permission-patient",
			"permission-user",
			"context-ehr-patient",
			"context-standalone-patient",
		},
		"code_challenge_methods_supported":      []string{"S256"},
		"grant_types_supported":                 []string{"authorization_code", "client_credentials", "refresh_token"},
		"token_endpoint_auth_methods_supported": []string{"client_secret_basic", "client_secret_post", "none"},
	}
	return c.JSON(http.StatusOK, cfg)
}

// --- client administration ---

type clientRequest struct {
	ClientID     string   `json:"client_id"`
	Name         string   `json:"client_name"`
	Kind         string   `json:"kind"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	PKCERequired bool     `json:"pkce_required"`
}

type clientResponse struct {
	*Client
	Metadata Metadata `json:"metadata"`
}

func toClientResponse(client *Client) *clientResponse {
	return &clientResponse{Client: client, Metadata: client.Metadata()}
}

// CreateClient registers a client. Confidential and system clients get
// a generated secret returned exactly once; only its hash is stored.
func (h *Handler) CreateClient(c echo.Context) error {
	var req clientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "client_name is required")
	}

	kind := ClientKind(req.Kind)
	switch kind {
	case KindConfidential, KindPublic, KindSystem:
	case "":
		kind = KindConfidential
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "kind must be confidential, public, or system")
	}
	if kind != KindSystem && len(req.RedirectURIs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "redirect_uris are required for interactive clients")
	}

	clientID := req.ClientID
	if clientID == "" {
		generated, err := randomHex(16)
		if err != nil {
			return err
		}
		clientID = generated
	}
	if _, err := h.registry.Lookup(c.Request().Context(), clientID); err == nil {
		return echo.NewHTTPError(http.StatusConflict, "client_id already registered")
	}

	client := &Client{
		ClientID:     clientID,
		Name:         req.Name,
		Kind:         kind,
		RedirectURIs: req.RedirectURIs,
		Scopes:       req.Scopes,
		PKCERequired: req.PKCERequired || kind == KindPublic,
	}

	plainSecret := ""
	if kind != KindPublic {
		secret, err := randomHex(32)
		if err != nil {
			return err
		}
		hash, err := HashSecret(secret)
		if err != nil {
			return err
		}
		client.SecretHash = hash
		plainSecret = secret
	}

	if err := h.registry.Save(c.Request().Context(), client); err != nil {
		return storeError(err)
	}

	resp := map[string]interface{}{"client": toClientResponse(client)}
	if plainSecret != "" {
		// Shown once; only the hash survives.
		resp["client_secret"] = plainSecret
	}
	return c.JSON(http.StatusCreated, resp)
}

func (h *Handler) ListClients(c echo.Context) error {
	clients, err := h.registry.List(c.Request().Context())
	if err != nil {
		return storeError(err)
	}
	out := make([]*clientResponse, 0, len(clients))
	for _, client := range clients {
		out = append(out, toClientResponse(client))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"clients": out})
}

func (h *Handler) GetClient(c echo.Context) error {
	client, err := h.registry.Lookup(c.Request().Context(), c.Param("client_id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, toClientResponse(client))
}

func (h *Handler) UpdateClient(c echo.Context) error {
	client, err := h.registry.Lookup(c.Request().Context(), c.Param("client_id"))
	if err != nil {
		return storeError(err)
	}

	var req clientRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name != "" {
		client.Name = req.Name
	}
	if req.RedirectURIs != nil {
		client.RedirectURIs = req.RedirectURIs
	}
	if req.Scopes != nil {
		client.Scopes = req.Scopes
	}
	client.PKCERequired = req.PKCERequired || client.Kind == KindPublic

	if err := h.registry.Save(c.Request().Context(), client); err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, toClientResponse(client))
}

func (h *Handler) DeleteClient(c echo.Context) error {
	if err := h.registry.Delete(c.Request().Context(), c.Param("client_id")); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func storeError(err error) error {
	switch {
	case errors.Is(err, ErrClientNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "client not found")
	case errors.Is(err, db.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
	default:
		return err
	}
}
