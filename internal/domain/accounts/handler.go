package accounts

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirgate/fhirgate/internal/domain/tokens"
	"github.com/fhirgate/fhirgate/internal/platform/auth"
)

type Handler struct {
	svc      *Service
	tokenSvc *tokens.Service
}

func NewHandler(svc *Service, tokenSvc *tokens.Service) *Handler {
	return &Handler{svc: svc, tokenSvc: tokenSvc}
}

// RegisterRoutes mounts the session endpoints under /auth.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	g := e.Group("/auth")
	g.POST("/login", h.Login)
	g.GET("/validate", h.Validate, auth.RequireAuthenticated())
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Email == "" || req.Password == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "email and password are required")
	}

	signed, record, err := h.svc.Login(c.Request().Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			return echo.NewHTTPError(http.StatusUnauthorized, "invalid credentials")
		}
		return err
	}

	userInfo := map[string]interface{}{
		"id":    record.Subject,
		"email": record.Email,
	}
	// The bootstrap admin has no stored record; display name is
	// best-effort either way.
	if user, err := h.svc.GetByID(c.Request().Context(), record.Subject); err == nil {
		userInfo["displayName"] = user.DisplayName
		userInfo["isAdmin"] = user.IsAdmin
	}

	return c.JSON(http.StatusOK, map[string]interface{}{
		"token":     signed,
		"expiresAt": record.ExpiresAt,
		"user":      userInfo,
	})
}

// Validate reports the claims of the presented token. The interceptor
// has already done the actual validation; reaching the handler means
// the token is good. Usage bookkeeping is best effort.
func (h *Handler) Validate(c echo.Context) error {
	claims, _ := auth.ClaimsFromContext(c)

	if h.tokenSvc != nil && claims.ID != "" && claims.Kind() != auth.TokenKindOAuth {
		h.tokenSvc.TouchLastUsed(c.Request().Context(), claims.ID)
	}

	resp := map[string]interface{}{
		"valid":      true,
		"subject":    claims.Subject,
		"token_type": string(claims.Kind()),
	}
	if claims.Email != "" {
		resp["email"] = claims.Email
	}
	if claims.AppName != "" {
		resp["appName"] = claims.AppName
	}
	if claims.Scope != "" {
		resp["scope"] = claims.Scope
	}
	if claims.ExpiresAt != nil {
		resp["expiresAt"] = claims.ExpiresAt.Format(time.RFC3339)
	}
	return c.JSON(http.StatusOK, resp)
}
