package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

// idempotencyKey prefers the Idempotency-Key header over the body value.
func idempotencyKey(c *gin.Context, fromBody string) string {
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		return key
	}
	return strings.TrimSpace(fromBody)
}
