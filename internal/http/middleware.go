package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"phatnguoi-service/internal/ratelimit"
	"phatnguoi-service/internal/telemetry"
)

// JWTAuth validates a Bearer token signed with the shared secret.
func JWTAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			// Auth disabled in local development.
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("missing bearer token"))
			return
		}
		tokenString := strings.TrimPrefix(header, "Bearer ")

		token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(secret), nil
		})
		if err != nil || !token.Valid {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid token"))
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims.GetSubject(); sub != "" {
				c.Set("subject", sub)
			}
		}
		c.Next()
	}
}

// RateLimit rejects lookup requests once the caller's token bucket is
// empty. bucket may be nil (no Redis configured), in which case the
// limiter is a pass-through.
func RateLimit(bucket *ratelimit.TokenBucket, log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if bucket == nil {
			c.Next()
			return
		}

		key := "ratelimit:lookup:" + c.ClientIP()
		allowed, _, err := bucket.Allow(c.Request.Context(), key)
		if err != nil {
			// Redis being down must not take the endpoint with it.
			log.Warn().Err(err).Msg("rate limiter unavailable, admitting request")
			c.Next()
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse("rate limit exceeded, retry later"))
			return
		}
		c.Next()
	}
}
