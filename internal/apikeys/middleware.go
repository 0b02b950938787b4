package apikeys

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sybilscan/internal/logging"
)

// ContextKeyAPIKey is the key for storing the API key in gin context
const ContextKeyAPIKey = "apiKey"

// Metering attaches a valid key to the context and charges one credit once
// the request succeeds. Requests without a valid key pass through.
func Metering(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.Next()
			return
		}
		key, err := m.Validate(c.Request.Context(), header)
		if err != nil {
			c.Next()
			return
		}
		c.Set(ContextKeyAPIKey, key)

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			return
		}
		if err := m.TrackUsage(context.WithoutCancel(c.Request.Context()), key.Key); err != nil {
			logging.L(c.Request.Context()).Warn("failed to track key usage", "key_name", key.Name, "error", err)
		}
	}
}

// GetAPIKey returns the API key from context (if present)
func GetAPIKey(c *gin.Context) (*Key, bool) {
	v, exists := c.Get(ContextKeyAPIKey)
	if !exists {
		return nil, false
	}
	key, ok := v.(*Key)
	return key, ok
}
