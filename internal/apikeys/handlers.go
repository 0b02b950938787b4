package apikeys

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/sybilscan/internal/logging"
	"github.com/mbd888/sybilscan/internal/validation"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager *Manager
}

// NewHandler creates a new key handler
func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

// RegisterRoutes mounts the key endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/keys", h.CreateKey)
	r.GET("/keys/validate", h.ValidateKey)
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey issues a new key for a named project
func (h *Handler) CreateKey(c *gin.Context) {
	var req CreateKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be JSON with a name field",
		})
		return
	}
	if errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, validation.MaxNameLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_failed",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	key, err := h.manager.Generate(c.Request.Context(), validation.SanitizeString(req.Name, validation.MaxNameLength))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to create key", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"key":  key.Key,
		"name": key.Name,
	})
}

// ValidateKey checks the bearer key on the request
func (h *Handler) ValidateKey(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Authorization header must use Bearer scheme",
		})
		return
	}
	key, err := h.manager.Validate(c.Request.Context(), header)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "Invalid API key",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":        true,
		"key":          key.Key,
		"name":         key.Name,
		"credits_used": key.CreditsUsed,
	})
}
