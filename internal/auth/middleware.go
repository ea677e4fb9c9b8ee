package auth

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

const (
	// ContextKeyActorAddr is the gin context key holding the verified actor.
	ContextKeyActorAddr = "authActorAddr"

	HeaderActorAddress   = "X-Actor-Address"
	HeaderActorSignature = "X-Actor-Signature"
	HeaderActorTimestamp = "X-Actor-Timestamp"
	HeaderAdminSecret    = "X-Admin-Secret"
)

// RequireActor rejects requests without a valid actor signature and
// stores the verified address under ContextKeyActorAddr.
func RequireActor(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr, err := v.Verify(
			c.GetHeader(HeaderActorAddress),
			c.GetHeader(HeaderActorSignature),
			c.GetHeader(HeaderActorTimestamp),
			c.Request.Method,
			c.Request.URL.Path,
		)
		if err != nil {
			message := "Signed actor headers required: " + HeaderActorAddress + ", " +
				HeaderActorSignature + " and " + HeaderActorTimestamp + "."
			if !errors.Is(err, ErrMissingCredentials) {
				message = err.Error()
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": message,
			})
			return
		}
		c.Set(ContextKeyActorAddr, addr)
		c.Next()
	}
}

// RequireAdmin checks X-Admin-Secret in constant time. With no secret
// configured the admin surface is disabled.
func RequireAdmin(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "admin_disabled",
				"message": "Admin endpoints are disabled; set ADMIN_SECRET.",
			})
			return
		}
		got := c.GetHeader(HeaderAdminSecret)
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": HeaderAdminSecret + " header required.",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Invalid admin secret.",
			})
			return
		}
		c.Next()
	}
}

// GetActor returns the verified actor address, or "".
func GetActor(c *gin.Context) string {
	return c.GetString(ContextKeyActorAddr)
}
