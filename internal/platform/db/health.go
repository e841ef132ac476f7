package db

import (
	"context"
	"net/http"
	"time"

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

// Check pings one dependency. A nil error means healthy.
type Check func(ctx context.Context) error

// PoolCheck pings the PostgreSQL pool.
func PoolCheck(pool *pgxpool.Pool) Check {
	return func(ctx context.Context) error {
		return pool.Ping(ctx)
	}
}

// HealthHandler runs every named check with a shared 5s deadline and
// responds 503 if any of them fails. When pool is non-nil its statistics are
// included in the body.
func HealthHandler(pool *pgxpool.Pool, checks map[string]Check) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		status, results := runChecks(ctx, checks)
		body := map[string]interface{}{
			"status": "healthy",
			"checks": results,
		}
		if pool != nil {
			body["pool"] = GetPoolStats(pool)
		}
		if status != http.StatusOK {
			body["status"] = "unhealthy"
		}
		return c.JSON(status, body)
	}
}

func runChecks(ctx context.Context, checks map[string]Check) (int, map[string]string) {
	status := http.StatusOK
	results := make(map[string]string, len(checks))
	for name, check := range checks {
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}
	return status, results
}
