package users

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mandi/internal/auth"
	"github.com/mbd888/mandi/internal/respond"
)

// Handler exposes read-only user endpoints.
type Handler struct {
	store Store
}

// NewHandler creates a new users handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterProtectedRoutes sets up auth-required user routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/users/me", h.Me)
	r.GET("/users/:id", h.GetProfile)
}

// Me handles GET /v1/users/me
func (h *Handler) Me(c *gin.Context) {
	u, err := h.store.Get(c.Request.Context(), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, u)
}

// Profile is the public view of another user.
type Profile struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Role              Role     `json:"role"`
	PreferredLanguage string   `json:"preferredLanguage"`
	Location          Location `json:"location"`
	IsVerified        bool     `json:"isVerified"`
}

// GetProfile handles GET /v1/users/:id
func (h *Handler) GetProfile(c *gin.Context) {
	u, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, Profile{
		ID:                u.ID,
		Name:              u.Name,
		Role:              u.Role,
		PreferredLanguage: u.PreferredLanguage,
		Location:          u.Location,
		IsVerified:        u.IsVerified,
	})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if errors.Is(err, ErrUserNotFound) {
		respond.NotFound(c, "User not found")
		return
	}
	respond.Internal(c, err)
}
