package auth

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	contextKeyClaims contextKey = "auth.claims"
)

// ClaimsFromContext retrieves the claims set by the validation
// interceptor, if any.
func ClaimsFromContext(c echo.Context) (*Claims, bool) {
	claims, ok := c.Get(string(contextKeyClaims)).(*Claims)
	return claims, ok
}

// InterceptorConfig configures the request validation interceptor.
type InterceptorConfig struct {
	Issuer *Issuer
	Cache  *ActiveTokenCache
	// Skipper reports whether a request should bypass validation
	// entirely. Nil means no request is skipped.
	Skipper func(echo.Context) bool
	// OnValidated, if set, is called after a token is admitted. Used
	// for best-effort last-used bookkeeping.
	OnValidated func(c echo.Context, claims *Claims)
}

// ValidationInterceptor returns middleware that validates bearer tokens.
// Requests without a bearer credential pass through unauthenticated;
// handlers that need a principal enforce it with RequireAuthenticated or
// RequireScope. A bad signature is rejected outright. Tokens without a
// jti predate revocation tracking and are admitted; OAuth tokens are
// admitted on signature alone; everything else must be in the active
// cache.
func ValidationInterceptor(cfg InterceptorConfig) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, ok := bearerToken(c.Request().Header.Get("Authorization"))
			if !ok {
				return next(c)
			}

			claims, err := cfg.Issuer.Parse(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid or expired token")
			}

			c.Set(string(contextKeyClaims), claims)

			jti := claims.ID
			if jti == "" {
				// Minted before jti tracking existed.
				cfg.validated(c, claims)
				return next(c)
			}

			if claims.Kind() == TokenKindOAuth {
				cfg.validated(c, claims)
				return next(c)
			}

			if cfg.Cache == nil || !cfg.Cache.IsActive(jti) {
				return echo.NewHTTPError(http.StatusUnauthorized, ErrTokenRevoked.Error())
			}

			cfg.validated(c, claims)
			return next(c)
		}
	}
}

func (cfg InterceptorConfig) validated(c echo.Context, claims *Claims) {
	if cfg.OnValidated != nil {
		cfg.OnValidated(c, claims)
	}
}

func bearerToken(header string) (string, bool) {
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}
	return token, true
}

// RequireAuthenticated rejects requests that carry no validated claims.
func RequireAuthenticated() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if _, ok := ClaimsFromContext(c); !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			return next(c)
		}
	}
}

// RequireScope rejects authenticated requests whose token lacks a scope
// granting the request's action on the given resource type. Admin tokens
// are not scope-limited.
func RequireScope(resourceType string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := ClaimsFromContext(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if claims.Kind() == TokenKindAdmin {
				return next(c)
			}
			action := ActionForMethod(c.Request().Method)
			if !claims.Scopes().Allows(resourceType, action) {
				return echo.NewHTTPError(http.StatusForbidden,
					"insufficient scope: none of the granted scopes permit "+action+" on "+resourceType)
			}
			return next(c)
		}
	}
}

// RequireAdmin rejects requests unless the token is an admin token or
// carries a system-level wildcard scope.
func RequireAdmin() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, ok := ClaimsFromContext(c)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
			}
			if claims.Kind() == TokenKindAdmin {
				return next(c)
			}
			for _, s := range claims.Scopes() {
				if s.IsSystemScope() && s.ResourceType == "*" && s.Action == "*" {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden, "admin privileges required")
		}
	}
}
