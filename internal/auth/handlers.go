package auth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/lockdrop/internal/account"
	"github.com/mbd888/lockdrop/internal/logging"
)

// Handler provides HTTP endpoints for key management
type Handler struct {
	manager     *Manager
	adminSecret string
}

// NewHandler creates a new auth handler
func NewHandler(m *Manager, adminSecret string) *Handler {
	return &Handler{manager: m, adminSecret: adminSecret}
}

// RegisterRoutes mounts key management under r.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)

	keys := r.Group("/auth/keys")
	keys.Use(RequireAuth())
	{
		keys.GET("", h.ListKeys)
		keys.POST("", h.CreateKey)
		keys.DELETE("/:keyId", h.RevokeKey)
	}
	r.GET("/auth/me", RequireAuth(), h.GetCurrentAccount)

	admin := r.Group("/admin")
	admin.Use(RequireAdmin(h.adminSecret))
	admin.POST("/keys", h.IssueKey)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":      "api_key",
		"header":    "Authorization: Bearer sk_...",
		"altHeader": "X-API-Key: sk_...",
		"note":      "Each key is bound to one account; lock and release act on that account.",
		"publicEndpoints": []string{
			"GET /v1/accounts/:address/balance",
			"GET /v1/accounts/:address/lock",
			"GET /v1/ledger",
			"GET /v1/events",
			"GET /v1/stream",
		},
		"protectedEndpoints": []string{
			"POST /v1/lock",
			"POST /v1/release",
		},
	})
}

// IssueKeyRequest is the body of POST /v1/admin/keys.
type IssueKeyRequest struct {
	Account string `json:"account" binding:"required"`
	Name    string `json:"name"`
}

// IssueKey creates a key for any account. Admin only.
func (h *Handler) IssueKey(c *gin.Context) {
	var req IssueKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "account is required",
		})
		return
	}
	owner, err := account.Parse(req.Account)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_account",
			"message": err.Error(),
		})
		return
	}
	if req.Name == "" {
		req.Name = "Primary key"
	}

	rawKey, key, err := h.manager.GenerateKey(c.Request.Context(), owner, req.Name)
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to issue key", "account", account.Hex(owner), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   key.ID,
		"account": account.Hex(key.Account),
		"name":    key.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// ListKeys returns API keys for the authenticated account
func (h *Handler) ListKeys(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keys, err := h.manager.ListKeys(c.Request.Context(), key.Account)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "failed to list keys",
		})
		return
	}

	// Don't expose hashes
	safeKeys := make([]gin.H, len(keys))
	for i, k := range keys {
		safeKeys[i] = gin.H{
			"id":        k.ID,
			"name":      k.Name,
			"createdAt": k.CreatedAt,
			"lastUsed":  k.LastUsed,
			"revoked":   k.Revoked,
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"keys":  safeKeys,
		"count": len(safeKeys),
	})
}

// CreateKeyRequest is the request body for creating a key
type CreateKeyRequest struct {
	Name string `json:"name"`
}

// CreateKey creates an additional key for the caller's account.
func (h *Handler) CreateKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req CreateKeyRequest
	_ = c.ShouldBindJSON(&req)
	if req.Name == "" {
		req.Name = "Additional key"
	}

	rawKey, newKey, err := h.manager.GenerateKey(c.Request.Context(), key.Account, req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to create API key",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"apiKey":  rawKey,
		"keyId":   newKey.ID,
		"name":    newKey.Name,
		"warning": "Store this key securely. It will not be shown again.",
	})
}

// RevokeKey revokes an API key
func (h *Handler) RevokeKey(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	keyID := c.Param("keyId")
	if keyID == key.ID {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "cannot_revoke_current",
			"message": "Cannot revoke the key you're using",
		})
		return
	}

	if err := h.manager.RevokeKey(c.Request.Context(), keyID, key.Account); err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "key_not_found",
				"message": "Key not found",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Key revoked",
		"keyId":   keyID,
	})
}

// GetCurrentAccount returns info about the authenticated key.
func (h *Handler) GetCurrentAccount(c *gin.Context) {
	key, ok := GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account":       account.Hex(key.Account),
		"accountBase58": account.Base58(key.Account),
		"keyId":         key.ID,
		"keyName":       key.Name,
		"createdAt":     key.CreatedAt,
	})
}
