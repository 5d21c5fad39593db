package db

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"regexp"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	TenantIDKey contextKey = "tenant_id"
	DBConnKey   contextKey = "db_conn"
)

var tenantIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

var (
	ErrInvalidTenant     = errors.New("invalid tenant identifier")
	ErrTenantUnavailable = errors.New("tenant connection unavailable")
)

// SchemaName maps a tenant identifier onto its Postgres schema.
func SchemaName(tenantID string) string {
	return "tenant_" + tenantID
}

// PinTenant acquires a connection, points its search_path at the tenant
// schema and stores it in the returned context, so every repository call made
// with that context runs on the same connection and tenant. release must be
// called once the work is done.
func PinTenant(ctx context.Context, pool *pgxpool.Pool, tenantID string) (_ context.Context, release func(), err error) {
	if !tenantIDPattern.MatchString(tenantID) {
		return nil, nil, ErrInvalidTenant
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrTenantUnavailable, err)
	}
		if _, err := conn.Exec(ctx, "SET search_path TO "+quoteSchema(SchemaName(tenantID))+", public"); err != nil {
		conn.Release()
		return nil, nil, fmt.Errorf("set search_path for %s: %w", tenantID, err)
	}
	ctx = context.WithValue(ctx, TenantIDKey, tenantID)
	ctx = context.WithValue(ctx, DBConnKey, conn)
	return ctx, conn.Release, nil
}

// TenantMiddleware pins a tenant connection for the lifetime of the request.
func TenantMiddleware(pool *pgxpool.Pool, defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tenantID := extractTenantID(c, defaultTenant)
			ctx, release, err := PinTenant(c.Request().Context(), pool, tenantID)
			switch {
			case errors.Is(err, ErrInvalidTenant):
				return echo.NewHTTPError(http.StatusBadRequest, "invalid tenant identifier")
			case errors.Is(err, ErrTenantUnavailable):
				return echo.NewHTTPError(http.StatusServiceUnavailable, "database unavailable")
			case err != nil:
				return echo.NewHTTPError(http.StatusInternalServerError, "tenant resolution failed")
			}
			defer release()

			c.SetRequest(c.Request().WithContext(ctx))
			c.Set("tenant_id", tenantID)
			return next(c)
		}
	}
}

// extractTenantID resolves the tenant from, in order, the JWT claim set by the
// auth middleware, the X-Tenant-ID header, the tenant_id query parameter.
func extractTenantID(c echo.Context, defaultTenant string) string {
	if tid, ok := c.Get("jwt_tenant_id").(string); ok && tid != "" {
		return tid
	}
	if tid := c.Request().Header.Get("X-Tenant-ID"); tid != "" {
		return tid
	}
	if tid := c.QueryParam("tenant_id"); tid != "" {
		return tid
	}
	return defaultTenant
}

// ConnFromContext retrieves the tenant-scoped database connection from context.
func ConnFromContext(ctx context.Context) *pgxpool.Conn {
	conn, _ := ctx.Value(DBConnKey).(*pgxpool.Conn)
	return conn
}

// TenantFromContext retrieves the tenant ID from context.
func TenantFromContext(ctx context.Context) string {
	tid, _ := ctx.Value(TenantIDKey).(string)
	return tid
}

// CreateTenantSchema creates the tenant schema and, when migrations is non-nil,
// applies every pending migration to it.
func CreateTenantSchema(ctx context.Context, pool *pgxpool.Pool, tenantID string, migrations fs.FS) error {
	if !tenantIDPattern.MatchString(tenantID) {
		return fmt.Errorf("%w: %s", ErrInvalidTenant, tenantID)
	}
	schema := SchemaName(tenantID)

	if _, err := pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+quoteSchema(schema)); err != nil {
		return fmt.Errorf("create schema %s: %w", schema, err)
	}

	if migrations != nil {
		if _, err := NewMigrator(pool, migrations).Up(ctx, schema); err != nil {
			return fmt.Errorf("run migrations for %s: %w", schema, err)
		}
	}
	return nil
}
