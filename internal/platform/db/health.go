package db

import (
	"context"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5"
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

// readinessTable must exist in the default tenant schema before payments
// can be served.
const readinessTable = "mpesa_transaction"

// Health is the body of GET /health/db.
type Health struct {
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	Tenant      string     `json:"tenant"`
	SchemaReady bool       `json:"schema_ready"`
	Pool        *PoolStats `json:"pool,omitempty"`
}

// finish sets Status from the check result and returns the HTTP status.
// A reachable database whose tenant schema is not migrated is degraded.
func (h *Health) finish(err error) int {
	switch {
	case err != nil:
		h.Status = "unhealthy"
		h.Error = err.Error()
		return http.StatusServiceUnavailable
	case !h.SchemaReady:
		h.Status = "degraded"
		h.Error = "tenant schema " + SchemaName(h.Tenant) + " is not migrated"
		return http.StatusServiceUnavailable
	default:
		h.Status = "healthy"
		return http.StatusOK
	}
}

// HealthHandler pings the database and checks that the default tenant
// schema carries the payment tables.
func HealthHandler(pool *pgxpool.Pool, defaultTenant string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
		defer cancel()

		h := Health{Tenant: defaultTenant, Pool: GetPoolStats(pool)}
		err := pool.Ping(ctx)
		if err == nil {
			h.SchemaReady, err = tableExists(ctx, pool, SchemaName(defaultTenant), readinessTable)
		}
		return c.JSON(h.finish(err), h)
	}
}

type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func tableExists(ctx context.Context, q rowQuerier, schema, table string) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`,
		pgx.Identifier{schema, table}.Sanitize()).Scan(&exists)
	return exists, err
}
