package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const principalKey contextKey = "principal"

// TenantContextKey is the echo context key the tenant middleware reads the
// token's tenant from.
const TenantContextKey = "jwt_tenant_id"

// Claims is the bearer token issued by the clinic's identity provider.
// Patients carry the "patient" role; staff carry "admin" or "billing".
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
}

// Principal is the authenticated caller attached to the request context.
type Principal struct {
	UserID   string
	TenantID string
	Roles    []string
}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey).(Principal)
	return p, ok
}

func UserIDFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.UserID
}

func RolesFromContext(ctx context.Context) []string {
	p, _ := PrincipalFromContext(ctx)
	return p.Roles
}

// Skipper reports whether a request bypasses authentication.
type Skipper func(c echo.Context) bool

type JWTConfig struct {
	Issuer   string
	Audience string
	// JWKSURL is used for RS256 tokens when SigningKey is empty.
	JWKSURL string
	// SigningKey selects HS256 verification instead of JWKS.
	SigningKey []byte
	// Keys overrides the key set built from JWKSURL.
	Keys    *KeySet
	Skipper Skipper
}

func (cfg JWTConfig) parserOptions() []jwt.ParserOption {
	method := "RS256"
	if len(cfg.SigningKey) > 0 {
		method = "HS256"
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{method}), jwt.WithExpirationRequired()}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return opts
}

func bearerToken(header string) (string, error) {
	if header == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
	}
	return token, nil
}

// JWTMiddleware verifies the bearer token and attaches its Principal to the
// request. HS256 is accepted only with a shared SigningKey and RS256 only
// with a JWKS key set, never both.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	keys := cfg.Keys
	if keys == nil && len(cfg.SigningKey) == 0 {
		keys = NewKeySet(cfg.JWKSURL, nil)
	}
	opts := cfg.parserOptions()

	keyFunc := func(ctx context.Context) jwt.Keyfunc {
		if len(cfg.SigningKey) > 0 {
			return func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
		}
		return func(t *jwt.Token) (interface{}, error) {
			kid, _ := t.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("token has no kid header")
			}
			return keys.Key(ctx, kid)
		}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			raw, err := bearerToken(c.Request().Header.Get("Authorization"))
			if err != nil {
				return err
			}

			ctx := c.Request().Context()
			claims := &Claims{}
			if _, err := jwt.ParseWithClaims(raw, claims, keyFunc(ctx), opts...); err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			c.Set(TenantContextKey, claims.TenantID)
			p := Principal{UserID: claims.Subject, TenantID: claims.TenantID, Roles: claims.Roles}
			c.SetRequest(c.Request().WithContext(WithPrincipal(ctx, p)))
			return next(c)
		}
	}
}

// DevAuthMiddleware grants every unauthenticated request the admin role in
// the default tenant. It is only installed when ENV=development.
func DevAuthMiddleware(skippers ...Skipper) echo.MiddlewareFunc {
	dev := Principal{UserID: "dev-user", TenantID: "default", Roles: []string{"admin"}}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, skip := range skippers {
				if skip != nil && skip(c) {
					return next(c)
				}
			}
			if c.Request().Header.Get("Authorization") == "" {
				c.Set(TenantContextKey, dev.TenantID)
				c.SetRequest(c.Request().WithContext(WithPrincipal(c.Request().Context(), dev)))
			}
			return next(c)
		}
	}
}
