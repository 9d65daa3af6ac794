package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// ErrUnknownUser is returned by a RoleLookup for ids it does not know.
var ErrUnknownUser = errors.New("auth: unknown user")

// RoleLookup resolves a user's role. Credential checks live outside this
// service; the lookup only proves the account exists.
type RoleLookup func(ctx context.Context, userID string) (role string, err error)

// DevHandler issues tokens for existing users without credentials. It is
// only registered in development.
type DevHandler struct {
	manager *Manager
	lookup  RoleLookup
}

// NewDevHandler creates a development token handler.
func NewDevHandler(manager *Manager, lookup RoleLookup) *DevHandler {
	return &DevHandler{manager: manager, lookup: lookup}
}

// RegisterRoutes sets up the development token route.
func (h *DevHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/auth/dev-token", h.IssueToken)
}

type devTokenRequest struct {
	UserID string `json:"userId" binding:"required"`
}

type devTokenResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Role      string    `json:"role"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// IssueToken handles POST /v1/auth/dev-token
func (h *DevHandler) IssueToken(c *gin.Context) {
	var req devTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"success": false,
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	role, err := h.lookup(c.Request.Context(), req.UserID)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{
			"success": false,
			"error":   "not_found",
			"message": "User not found",
		})
		return
	}

	token, err := h.manager.Issue(req.UserID, role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   "internal_error",
			"message": "Could not issue token",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"success": true,
		"data": devTokenResponse{
			Token:     token,
			UserID:    req.UserID,
			Role:      role,
			ExpiresAt: h.manager.now().Add(h.manager.ttl),
		},
	})
}
