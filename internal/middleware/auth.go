package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"vpn-console/internal/auth"
)

const operatorIDContextKey = "operatorID"

// DeviceKeyHeader carries the shared secret devices present on /device.
const DeviceKeyHeader = "X-Device-Key"

func OperatorIDFromContext(c *gin.Context) (string, bool) {
	v, ok := c.Get(operatorIDContextKey)
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok && id != ""
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"kind": "unauthorized", "code": "unauthorized", "message": message}})
}

func RequireAuth(cfg auth.TokenConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			unauthorized(c, "Invalid authentication token")
			return
		}

		claims, err := auth.VerifyToken(parts[1], cfg)
		if err != nil {
			unauthorized(c, "Invalid authentication token")
			return
		}

		c.Set(operatorIDContextKey, claims.OperatorID)
		c.Next()
	}
}

// RequireDeviceKey admits requests carrying the configured device key. An
// empty key closes the device API entirely.
func RequireDeviceKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(DeviceKeyHeader)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			unauthorized(c, "Invalid device key")
			return
		}
		c.Next()
	}
}
