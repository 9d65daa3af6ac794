package products

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mandi/internal/auth"
	"github.com/mbd888/mandi/internal/pagination"
	"github.com/mbd888/mandi/internal/respond"
	"github.com/mbd888/mandi/internal/users"
)

// Handler provides HTTP endpoints for listings.
type Handler struct {
	service *Service
}

// NewHandler creates a new listing handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public listing routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/products", h.List)
	r.GET("/products/:id", h.Get)
}

// RegisterProtectedRoutes sets up vendor-only listing routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/products", h.Create)
	r.PUT("/products/:id", h.Update)
	r.DELETE("/products/:id", h.Deactivate)
}

// List handles GET /v1/products
func (h *Handler) List(c *gin.Context) {
	f := Filter{
		Category: Category(c.Query("category")),
		City:     c.Query("city"),
		State:    c.Query("state"),
		VendorID: c.Query("vendorId"),
		Search:   c.Query("search"),
		MinPrice: parseFloat(c.Query("minPrice")),
		MaxPrice: parseFloat(c.Query("maxPrice")),
		SortBy:   c.DefaultQuery("sortBy", SortCreatedAt),
		SortAsc:  c.Query("sortOrder") == "asc",
	}
	if f.Category != "" && !f.Category.Valid() {
		respond.BadRequest(c, "Unknown category")
		return
	}

	page, err := h.service.List(c.Request.Context(), f, pagination.FromQuery(c))
	if err != nil {
		respond.Internal(c, err)
		return
	}
	respond.OK(c, page)
}

// Get handles GET /v1/products/:id
func (h *Handler) Get(c *gin.Context) {
	p, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, p)
}

// Create handles POST /v1/products
func (h *Handler) Create(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	p, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.Created(c, p)
}

// Update handles PUT /v1/products/:id
func (h *Handler) Update(c *gin.Context) {
	var req Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	p, err := h.service.Update(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, p)
}

// Deactivate handles DELETE /v1/products/:id
func (h *Handler) Deactivate(c *gin.Context) {
	if err := h.service.Deactivate(c.Request.Context(), c.Param("id"), auth.UserID(c)); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, respond.Envelope{Success: true, Message: "Product deactivated successfully"})
}

func (h *Handler) fail(c *gin.Context, err error) {
	if verrs, ok := IsValidationError(err); ok {
		respond.Invalid(c, verrs)
		return
	}
	switch {
	case errors.Is(err, ErrProductNotFound):
		respond.NotFound(c, "Product not found")
	case errors.Is(err, ErrNotOwner):
		respond.NotFound(c, "Product not found or unauthorized")
	case errors.Is(err, ErrNotVendor), errors.Is(err, users.ErrUserNotFound):
		respond.Error(c, http.StatusForbidden, "forbidden", "Only vendors can list products")
	default:
		respond.Internal(c, err)
	}
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0
	}
	return f
}
