package chatapi

import (
	"net/http"
	"strconv"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"

	"taskhive/cmd/internal/auth/session"
)

// RequireAuth rejects requests without a valid access token and stores the claims on
// the request context.
func RequireAuth(v session.Verifier, cookieName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, err := session.Authenticate(v, c.Request, cookieName, time.Now().UTC())
		if err != nil {
			writeError(c, http.StatusUnauthorized, "unauthorized", "authentication required")
			return
		}
		c.Request = c.Request.WithContext(session.WithClaims(c.Request.Context(), claims))
		c.Next()
	}
}

func callerFrom(c *gin.Context) (session.Claims, bool) {
	return session.ClaimsFromContext(c.Request.Context())
}

func newRateLimiter(limit uint, window time.Duration) gin.HandlerFunc {
	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{
		Rate:  window,
		Limit: limit,
	})
	return ratelimit.RateLimiter(store, &ratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ratelimit.Info) {
			retry := int64(time.Until(info.ResetTime).Seconds())
			if retry < 1 {
				retry = 1
			}
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			writeError(c, http.StatusTooManyRequests, "rate_limited", "too many requests")
		},
		KeyFunc: rateLimitKey,
	})
}

// rateLimitKey buckets authenticated callers by user, everyone else by client IP.
func rateLimitKey(c *gin.Context) string {
	if claims, ok := callerFrom(c); ok && claims.UserID != "" {
		return "user:" + claims.UserID
	}
	return "ip:" + c.ClientIP()
}
