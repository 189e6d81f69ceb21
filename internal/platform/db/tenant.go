package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
)

type contextKey string

const (
	tenantKey contextKey = "tenant_id"
	connKey   contextKey = "db_conn"
)

// Schema names are capped at 63 bytes by Postgres; "tenant_" takes 7.
var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]{1,56}$`)

var (
	ErrInvalidTenant       = errors.New("invalid tenant identifier")
	ErrTenantMismatch      = errors.New("tenant does not match token")
	ErrDatabaseUnavailable = errors.New("database unavailable")
)

// BindTenant acquires a pool connection, points its search_path at the
// tenant schema and returns a context carrying both. The returned release
// func resets the connection and hands it back to the pool.
func BindTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (context.Context, func(), error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return ctx, nil, fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("%w: %v", ErrDatabaseUnavailable, err)
	}
	release := func() {
		_, _ = conn.Exec(context.Background(), "RESET search_path")
		conn.Release()
	}

	if _, err := conn.Exec(ctx, "SET search_path TO "+quoteIdent(SchemaName(tenantID))+", public"); err != nil {
		release()
		return ctx, nil, fmt.Errorf("set search_path: %w", err)
	}

	ctx = WithTenant(ctx, tenantID)
	ctx = context.WithValue(ctx, connKey, conn)
	return ctx, release, nil
}

// TenantMiddleware binds every request to its tenant schema on a dedicated
// pool connection. Requests for which skip returns true pass through
// without a tenant; skip may be nil.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string, skip func(echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}
			ctx, release, err := BindRequestTenant(c, pool, defaultTenant)
			switch {
			case errors.Is(err, ErrTenantMismatch):
				return echo.NewHTTPError(http.StatusForbidden, err.Error())
			case errors.Is(err, ErrInvalidTenant):
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			case errors.Is(err, ErrDatabaseUnavailable):
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			case err != nil:
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", TenantFromContext(ctx))

			return next(c)
		}
	}
}

// BindRequestTenant resolves the tenant of c and binds it like BindTenant.
// Mapping the error to a response is left to the caller.
func BindRequestTenant(c echo.Context, pool *pgxpool.Pool, defaultTenant string) (context.Context, func(), error) {
	tenantID, err := resolveTenant(c, defaultTenant)
	if err != nil {
		return c.Request().Context(), nil, err
	}
	return BindTenant(c.Request().Context(), pool, tenantID)
}

// resolveTenant picks the request tenant: token claim, then X-Tenant-ID,
// then the tenant_id query parameter, then the default. A header or query
// tenant that disagrees with the token is rejected.
func resolveTenant(c echo.Context, defaultTenant string) (string, error) {
	claimed, _ := c.Get(auth.TenantContextKey).(string)
	for _, tid := range []string{c.Request().Header.Get("X-Tenant-ID"), c.QueryParam("tenant_id")} {
		if tid == "" {
			continue
		}
		if claimed != "" && !strings.EqualFold(tid, claimed) {
			return "", fmt.Errorf("%w: %q", ErrTenantMismatch, tid)
		}
		if claimed == "" {
			return tid, nil
		}
	}
	if claimed != "" {
		return claimed, nil
	}
	return defaultTenant, nil
}

// ConnFromContext returns the tenant-bound connection, or nil outside a
// tenant request.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(connKey).(*pgxpool.Conn)
	return conn
}

func WithTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(tenantKey).(string)
	return tid
}

// SchemaName returns the Postgres schema that holds a tenant's tables.
// Tenant ids are case-insensitive.
func SchemaName(tenantID string) string {
	return "tenant_" + strings.ToLower(tenantID)
}

// ValidTenantID reports whether id is safe to splice into a schema name.
func ValidTenantID(id string) bool {
	return tenantIDPattern.MatchString(id)
}

// CreateTenantSchema creates a new schema for a tenant and runs all migrations
// against it. A nil migrations source skips the migration step.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %q", ErrInvalidTenant, tenantID)
	}

	schema := SchemaName(tenantID)

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteIdent(schema))
	if err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		migrator := NewMigrator(pool, migrations)
		if _, err := migrator.Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}

	return nil
}

// TenantSchemas lists every tenant schema in the database, sorted by name.
func TenantSchemas(ctx context.Context, pool *pgxpool.Pool) ([]string, error) {
	rows, err := pool.Query(ctx, `SELECT nspname FROM pg_namespace WHERE nspname LIKE 'tenant\_%' ORDER BY nspname`)
	if err != nil {
		return nil, fmt.Errorf("list tenant schemas: %w", err)
	}
	defer rows.Close()

	var schemas []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		schemas = append(schemas, name)
	}
	return schemas, rows.Err()
}
