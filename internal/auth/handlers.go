package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Info describes how to authenticate, for client authors.
func Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":    "eip191_request_signature",
		"headers": []string{HeaderActorAddress, HeaderActorSignature, HeaderActorTimestamp},
		"message": "custody|{METHOD}|{PATH}|{UNIX_SECONDS}",
		"maxSkew": DefaultMaxSkew.String(),
		"note":    "Sign the message with personal_sign from the actor address. Paths exclude the query string.",
		"publicEndpoints": []string{
			"GET /v1/escrows/:id",
			"GET /v1/escrows/:id/activity",
			"POST /v1/escrows/:id/fund-check",
			"GET /v1/splits/:id",
			"POST /v1/splits/:id/fund-check",
			"POST /v1/splits/validate",
			"POST /v1/allocations",
		},
		"adminHeader": HeaderAdminSecret,
	})
}
