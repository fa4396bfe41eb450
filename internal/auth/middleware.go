package auth

import (
	"errors"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"attendsync/internal/apperror"
	"attendsync/internal/logging"
	"attendsync/internal/response"
)

const claimsKey = "claims"

// Bearer enforces HS256 bearer tokens and stores the claims on the context.
func Bearer(key []byte, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || strings.TrimSpace(tokenStr) == "" {
			response.Abort(c, apperror.ErrUnauthorized.WithMessage("missing bearer token"))
			return
		}
		claims, err := Parse(strings.TrimSpace(tokenStr), key, issuer)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, jwt.ErrTokenExpired) {
				msg = "token expired"
			}
			response.Abort(c, apperror.ErrUnauthorized.WithMessage(msg))
			return
		}
		c.Set(claimsKey, claims)

		ctx := c.Request.Context()
		log := logging.FromContext(ctx, nil).With(zap.String("subject", claims.Subject), zap.String("role", string(claims.Role)))
		c.Request = c.Request.WithContext(logging.WithContext(ctx, log))
		c.Next()
	}
}

// FromContext returns the claims Bearer stored.
func FromContext(c *gin.Context) (Claims, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return Claims{}, false
	}
	claims, ok := v.(Claims)
	return claims, ok
}

// Authorize checks the caller's role against the policy for resource and
// action.
func Authorize(p *Policy, resource, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := FromContext(c)
		if !ok {
			response.Abort(c, apperror.ErrUnauthorized)
			return
		}
		allowed, err := p.Allowed(claims.Role, resource, action)
		if err != nil {
			response.Abort(c, err)
			return
		}
		if !allowed {
			response.Abort(c, apperror.ErrForbidden.WithDetails(gin.H{"required": resource + ":" + action}))
			return
		}
		c.Next()
	}
}
