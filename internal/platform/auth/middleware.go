package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const identityKey contextKey = "identity"

// Claims are the bearer-token claims the EDC API understands. uid is the
// numeric user_account id used as query owner and assignee; org_id scopes
// rule visibility to forms owned by the caller's organization.
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tenant_id"`
	AccountID int      `json:"uid"`
	OrgID     string   `json:"org_id"`
	Roles     []string `json:"roles"`
}

// Identity is the authenticated caller as seen by handlers and services.
type Identity struct {
	Subject   string
	AccountID int
	OrgID     string
	Roles     []string
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 validation, for development and tests.
	SigningKey []byte
	Skipper    func(c echo.Context) bool
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		keyFunc = NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL).KeyFunc()
	}

	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{"RS256", "HS256"})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}

			tokenStr, ok := bearerToken(c.Request())
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed bearer token")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set("jwt_tenant_id", claims.TenantID)
			ctx := WithIdentity(c.Request().Context(), Identity{
				Subject:   claims.Subject,
				AccountID: claims.AccountID,
				OrgID:     claims.OrgID,
				Roles:     claims.Roles,
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || strings.TrimSpace(token) == "" {
		return "", false
	}
	return strings.TrimSpace(token), true
}

// DevIdentity is injected by DevAuthMiddleware. OrgID is empty, which disables
// organization scoping.
var DevIdentity = Identity{Subject: "dev-user", AccountID: 1, Roles: []string{RoleAdmin}}

// DevAuthMiddleware authenticates every request as DevIdentity on the default
// tenant. Only wired when ENV=development.
func DevAuthMiddleware(defaultTenant string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set("jwt_tenant_id", defaultTenant)
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), DevIdentity)))
			return next(c)
		}
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}

func UserIDFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.Subject
}

// AccountIDFromContext returns the numeric user_account id, or nil when the
// caller carries none.
func AccountIDFromContext(ctx context.Context) *int {
	id, _ := IdentityFromContext(ctx)
	if id.AccountID == 0 {
		return nil
	}
	v := id.AccountID
	return &v
}

func OrgFromContext(ctx context.Context) string {
	id, _ := IdentityFromContext(ctx)
	return id.OrgID
}

func RolesFromContext(ctx context.Context) []string {
	id, _ := IdentityFromContext(ctx)
	return id.Roles
}

const defaultJWKSCacheTTL = 5 * time.Minute
