package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"emisor/internal/core/apperror"
	"emisor/internal/core/id"
	"emisor/internal/core/tenant"
	"emisor/pkg/logger"
)

// Claims carried by an access token. The tenant id claim is the
// tenant-resolution collaborator for every unit of work.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string `json:"tid"`
}

// TenantResolver resolves a tenant id to a full tenant record.
// Implemented by the postgres tenant repository; resolution runs under
// system scope because it happens before the tenant is authenticated.
type TenantResolver interface {
	GetByID(ctx context.Context, tenantID id.ID) (*tenant.Tenant, error)
}

// Tenant middleware authenticates the bearer token, resolves the tenant
// from its claim and injects it into the request context.
// This middleware MUST run before any scoped repository call.
func Tenant(secret string, resolver TenantResolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		tenantID, err := tenantFromToken(c, secret)
		if err != nil {
			_ = c.Error(err)
			c.Abort()
			return
		}

		// Resolution runs under system scope; the scope does not escape
		// into the request context handed to handlers
		t, err := resolver.GetByID(tenant.WithSystemScope(ctx), tenantID)
		if err != nil {
			logger.Warn(ctx, "tenant resolution failed", "tenant_id", tenantID.String(), "error", err)
			switch {
			case errors.Is(err, tenant.ErrTenantNotFound):
				_ = c.Error(apperror.NewUnauthorized("unknown tenant"))
			default:
				_ = c.Error(apperror.NewInternal(err))
			}
			c.Abort()
			return
		}
		if !t.IsActive() {
			_ = c.Error(apperror.NewForbidden("tenant is not active").
				WithDetail("tenant_id", t.ID.String()))
			c.Abort()
			return
		}

		c.Request = c.Request.WithContext(tenant.WithTenant(ctx, t))
		c.Next()
	}
}

func tenantFromToken(c *gin.Context, secret string) (id.ID, error) {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return id.Nil(), apperror.NewUnauthorized("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return id.Nil(), apperror.NewUnauthorized("invalid authorization header format")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return id.Nil(), apperror.NewUnauthorized("invalid token")
	}

	tenantID, err := id.Parse(claims.TenantID)
	if err != nil {
		return id.Nil(), apperror.NewUnauthorized("invalid tenant claim")
	}
	return tenantID, nil
}
