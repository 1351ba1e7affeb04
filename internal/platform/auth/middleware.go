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

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Roles used by the billing API.
const (
	RoleAdmin          = "admin"
	RoleBiller         = "biller"
	RoleBillingManager = "billing-manager"
)

// Claims are the token claims the API reads. The subject is the actor id
// recorded in claim status history.
type Claims struct {
	jwt.RegisteredClaims
	Roles []string `json:"roles"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey selects HS256 validation, for service tokens and tests.
	SigningKey []byte
	Skipper    func(echo.Context) bool
}

// JWTMiddleware validates bearer tokens and stores the subject and roles on
// the request context. HS256 is used when a signing key is configured,
// otherwise RS256 keys come from the JWKS endpoint.
func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keys *KeySet
	if len(cfg.SigningKey) == 0 {
		keys = NewKeySet(cfg.JWKSURL, cfg.Issuer)
	}
	keyFunc := func(ctx context.Context) jwt.Keyfunc {
		if keys == nil {
			return func(*jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
		}
		return func(token *jwt.Token) (interface{}, error) {
			kid, _ := token.Header["kid"].(string)
			if kid == "" {
				return nil, fmt.Errorf("token has no kid header")
			}
			return keys.Key(ctx, kid)
		}
	}
	methods := []string{"RS256"}
	if keys == nil {
		methods = []string{"HS256"}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if cfg.Skipper != nil && cfg.Skipper(c) {
				return next(c)
			}
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			tokenStr := parts[1]
			claims := &Claims{}

			opts := []jwt.ParserOption{jwt.WithValidMethods(methods)}
			if cfg.Issuer != "" {
				opts = append(opts, jwt.WithIssuer(cfg.Issuer))
			}
			if cfg.Audience != "" {
				opts = append(opts, jwt.WithAudience(cfg.Audience))
			}

			token, err := jwt.ParseWithClaims(tokenStr, claims, keyFunc(c.Request().Context()), opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.SetRequest(c.Request().WithContext(WithActor(c.Request().Context(), claims.Subject, claims.Roles)))
			return next(c)
		}
	}
}

// DevAuthMiddleware authenticates every request as an admin "dev-user".
// An X-Actor-ID header overrides the actor id so local runs can attribute
// history entries.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			actor := c.Request().Header.Get("X-Actor-ID")
			if actor == "" {
				actor = "dev-user"
			}
			ctx := WithActor(c.Request().Context(), actor, []string{RoleAdmin})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

// WithActor stores the actor id and roles on ctx.
func WithActor(ctx context.Context, actor string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, actor)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
