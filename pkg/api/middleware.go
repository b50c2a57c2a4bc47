package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// tenantHeader carries the caller's tenant identity. Authentication is out
// of scope; an upstream gateway is expected to set this header.
const tenantHeader = "X-Tenant-ID"

const tenantKey = "tenant_id"

// requireTenant rejects requests without a tenant id.
func requireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.GetHeader(tenantHeader)
		if tenantID == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{
				Error: "missing " + tenantHeader + " header",
				Code:  "TENANT_REQUIRED",
			})
			return
		}
		c.Set(tenantKey, tenantID)
		c.Next()
	}
}

func tenantID(c *gin.Context) string {
	return c.GetString(tenantKey)
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
