package db

import (
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

// PoolStats represents database connection pool statistics.
type PoolStats struct {
	TotalConns      int32  `json:"total_conns"`
	IdleConns       int32  `json:"idle_conns"`
	AcquiredConns   int32  `json:"acquired_conns"`
	MaxConns        int32  `json:"max_conns"`
	AcquireCount    int64  `json:"acquire_count"`
	AcquireDuration string `json:"acquire_duration"`
}

// GetPoolStats returns connection pool statistics.
func GetPoolStats(pool *pgxpool.Pool) *PoolStats {
	stat := pool.Stat()
	return &PoolStats{
		TotalConns:      stat.TotalConns(),
		IdleConns:       stat.IdleConns(),
		AcquiredConns:   stat.AcquiredConns(),
		MaxConns:        stat.MaxConns(),
		AcquireCount:    stat.AcquireCount(),
		AcquireDuration: stat.AcquireDuration().String(),
	}
}

// LivenessHandler reports process liveness. It never touches the
// database: a broken backend must not get the process restarted.
func LivenessHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadinessHandler probes database connectivity through the gateway. A
// successful probe closes an open circuit. pool may be nil when the
// server runs without a database.
func ReadinessHandler(gw *Gateway, pool *pgxpool.Pool) echo.HandlerFunc {
	return func(c echo.Context) error {
		if gw == nil {
			return c.JSON(http.StatusOK, map[string]interface{}{
				"status":   "ready",
				"database": "not configured",
			})
		}

		err := gw.Probe(c.Request().Context())

		body := map[string]interface{}{
			"circuit": gw.Stats(),
		}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}

		if err != nil {
			body["status"] = "not ready"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}

		body["status"] = "ready"
		return c.JSON(http.StatusOK, body)
	}
}

// CircuitResetHandler forces a recovery attempt on an open circuit. The
// circuit closes only if the connectivity probe succeeds.
func CircuitResetHandler(gw *Gateway) echo.HandlerFunc {
	return func(c echo.Context) error {
		if gw == nil {
			return echo.NewHTTPError(http.StatusNotFound, "no database configured")
		}

		err := gw.Reset(c.Request().Context())
		body := map[string]interface{}{
			"circuit": gw.Stats(),
		}
		if err != nil {
			body["result"] = "probe failed"
			body["error"] = err.Error()
			return c.JSON(http.StatusServiceUnavailable, body)
		}
		body["result"] = "circuit closed"
		return c.JSON(http.StatusOK, body)
	}
}
