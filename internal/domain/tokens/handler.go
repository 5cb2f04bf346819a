package tokens

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fhirgate/fhirgate/internal/platform/auth"
	"github.com/fhirgate/fhirgate/internal/platform/db"
	"github.com/fhirgate/fhirgate/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts token management under /api/v1/tokens. All
// routes require admin privileges.
func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/tokens", auth.RequireAdmin())
	g.POST("", h.Create)
	g.GET("", h.List)
	g.GET("/:id", h.Get)
	g.POST("/:id/revoke", h.Revoke)
	g.DELETE("/:id", h.Delete)
	g.POST("/revoke-subject", h.RevokeSubject)
}

type tokenResponse struct {
	ID        string     `json:"id"`
	Subject   string     `json:"subject"`
	Email     string     `json:"email,omitempty"`
	AppName   string     `json:"appName,omitempty"`
	Kind      string     `json:"kind"`
	Scope     string     `json:"scope,omitempty"`
	IssuedAt  time.Time  `json:"issuedAt"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Revoked   bool       `json:"revoked"`
	RevokedAt *time.Time `json:"revokedAt,omitempty"`
	CreatedBy string     `json:"createdBy,omitempty"`
	LastUsed  *time.Time `json:"lastUsed,omitempty"`
}

func toTokenResponse(tok *auth.IssuedToken) *tokenResponse {
	return &tokenResponse{
		ID:        tok.ID,
		Subject:   tok.Subject,
		Email:     tok.Email,
		AppName:   tok.AppName,
		Kind:      string(tok.Kind),
		Scope:     tok.Scope,
		IssuedAt:  tok.IssuedAt,
		ExpiresAt: tok.ExpiresAt,
		Revoked:   tok.Revoked(),
		RevokedAt: tok.RevokedAt,
		CreatedBy: tok.CreatedBy,
		LastUsed:  tok.LastUsed,
	}
}

// Create mints a new API token. The signed token string appears in this
// response only; it cannot be recovered later.
func (h *Handler) Create(c echo.Context) error {
	var req CreateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AppName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "appName is required")
	}
	if claims, ok := auth.ClaimsFromContext(c); ok {
		req.CreatedBy = claims.Subject
	}

	signed, record, err := h.svc.Create(c.Request().Context(), req)
	if err != nil {
		return storeError(err)
	}

	return c.JSON(http.StatusCreated, map[string]interface{}{
		"token":  signed,
		"record": toTokenResponse(record),
	})
}

func (h *Handler) List(c echo.Context) error {
	p := pagination.FromContext(c)
	toks, total, err := h.svc.List(c.Request().Context(), p.Limit, p.Offset)
	if err != nil {
		return storeError(err)
	}

	out := make([]*tokenResponse, 0, len(toks))
	for _, tok := range toks {
		out = append(out, toTokenResponse(tok))
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(out, total, p.Limit, p.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	tok, err := h.svc.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, toTokenResponse(tok))
}

func (h *Handler) Revoke(c echo.Context) error {
	if err := h.svc.Revoke(c.Request().Context(), c.Param("id")); err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "revoked"})
}

func (h *Handler) Delete(c echo.Context) error {
	if err := h.svc.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return storeError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) RevokeSubject(c echo.Context) error {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := c.Bind(&req); err != nil || req.Subject == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "subject is required")
	}

	count, err := h.svc.RevokeAllForSubject(c.Request().Context(), req.Subject)
	if err != nil {
		return storeError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"status":  "revoked",
		"revoked": count,
	})
}

func storeError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "token not found")
	case errors.Is(err, db.ErrUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
	default:
		return err
	}
}
