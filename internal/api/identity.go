package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const identityContextKey = "CallerIdentity"

// IdentityHeader carries the opaque caller identity. The orchestrator does
// not interpret it beyond equality checks against strategy owners; identity
// provisioning lives upstream.
const IdentityHeader = "X-API-Identity"

// IdentityClaims are the JWT claims accepted on the Bearer fallback path.
type IdentityClaims struct {
	Identity string `json:"uid"`
	jwt.RegisteredClaims
}

// GenerateToken issues a signed identity token, used by operator tooling.
func GenerateToken(identity, secret string, expiresAt time.Time) (string, error) {
	claims := IdentityClaims{
		Identity: identity,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func parseToken(tokenStr, secret string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &IdentityClaims{}, func(token *jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	if err != nil {
		return "", err
	}
	if claims, ok := token.Claims.(*IdentityClaims); ok && token.Valid {
		return claims.Identity, nil
	}
	return "", errors.New("invalid token claims")
}

// IdentityMiddleware resolves the caller identity. The opaque identity
// header wins; a Bearer token is accepted as fallback. Requests without
// either are rejected.
func IdentityMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if id := strings.TrimSpace(c.GetHeader(IdentityHeader)); id != "" {
			c.Set(identityContextKey, id)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "MISSING_IDENTITY",
				"error": "missing identity header",
			})
			return
		}
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_AUTH_HEADER",
				"error": "invalid Authorization header",
			})
			return
		}

		identity, err := parseToken(parts[1], secret)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":  "INVALID_TOKEN",
				"error": "invalid or expired token",
			})
			return
		}

		c.Set(identityContextKey, identity)
		c.Next()
	}
}

// CallerIdentity returns the resolved identity from context.
func CallerIdentity(c *gin.Context) string {
	if v, ok := c.Get(identityContextKey); ok {
		if id, okCast := v.(string); okCast {
			return id
		}
	}
	return ""
}
