package negotiation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mandi/internal/auth"
	"github.com/mbd888/mandi/internal/pagination"
	"github.com/mbd888/mandi/internal/respond"
)

// Handler provides HTTP endpoints for negotiations and the engine.
type Handler struct {
	service *Service
}

// NewHandler creates a new negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up auth-required negotiation routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/negotiations", h.Create)
	r.GET("/negotiations", h.List)
	r.GET("/negotiations/:id", h.Get)
	r.POST("/negotiations/:id/messages", h.PostMessage)
	r.POST("/negotiations/:id/complete", h.Complete)
	r.POST("/negotiations/:id/cancel", h.Cancel)
	r.POST("/negotiations/:id/suggestion", h.Suggest)
	r.GET("/negotiations/:id/fairness", h.Fairness)
	r.GET("/products/:id/optimal-price", h.OptimalPrice)
}

// Create handles POST /v1/negotiations
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	n, err := h.service.Create(c.Request.Context(), auth.UserID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.Created(c, n)
}

// List handles GET /v1/negotiations
func (h *Handler) List(c *gin.Context) {
	page, err := h.service.List(c.Request.Context(), auth.UserID(c), Status(c.Query("status")), pagination.FromQuery(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, page)
}

// Get handles GET /v1/negotiations/:id
func (h *Handler) Get(c *gin.Context) {
	n, err := h.service.Get(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, n)
}

// PostMessage handles POST /v1/negotiations/:id/messages
func (h *Handler) PostMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	res, err := h.service.PostMessage(c.Request.Context(), c.Param("id"), auth.UserID(c), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, res)
}

// Complete handles POST /v1/negotiations/:id/complete
func (h *Handler) Complete(c *gin.Context) {
	n, err := h.service.Complete(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, n)
}

// Cancel handles POST /v1/negotiations/:id/cancel
func (h *Handler) Cancel(c *gin.Context) {
	n, err := h.service.Cancel(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	respond.OK(c, n)
}

type suggestRequest struct {
	OfferPrice    *float64 `json:"offerPrice"`
	OfferQuantity *float64 `json:"offerQuantity"`
}

// Suggest handles POST /v1/negotiations/:id/suggestion
func (h *Handler) Suggest(c *gin.Context) {
	var req suggestRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.OfferPrice == nil || req.OfferQuantity == nil {
		respond.BadRequest(c, "offerPrice and offerQuantity are required")
		return
	}
	if *req.OfferPrice < 0 || *req.OfferQuantity < 0 {
		respond.BadRequest(c, "Offer must not be negative")
		return
	}
	s, err := h.service.Suggest(c.Request.Context(), c.Param("id"), auth.UserID(c), *req.OfferPrice, *req.OfferQuantity)
	if err != nil {
		h.fail(c, err)
		return
	}
	if s == nil {
		respond.NotFound(c, "No suggestion available")
		return
	}
	respond.OK(c, s)
}

// Fairness handles GET /v1/negotiations/:id/fairness
func (h *Handler) Fairness(c *gin.Context) {
	report, err := h.service.Fairness(c.Request.Context(), c.Param("id"), auth.UserID(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	if report == nil {
		respond.NotFound(c, "Fairness analysis unavailable")
		return
	}
	respond.OK(c, report)
}

// OptimalPrice handles GET /v1/products/:id/optimal-price
func (h *Handler) OptimalPrice(c *gin.Context) {
	quantity, err := strconv.ParseFloat(c.DefaultQuery("quantity", "1"), 64)
	if err != nil || quantity <= 0 {
		respond.BadRequest(c, "quantity must be a positive number")
		return
	}
	op := h.service.OptimalPrice(c.Request.Context(), c.Param("id"), quantity)
	if op == nil {
		respond.NotFound(c, "Product not found")
		return
	}
	respond.OK(c, op)
}

func (h *Handler) fail(c *gin.Context, err error) {
	if verrs, ok := IsValidationError(err); ok {
		respond.Invalid(c, verrs)
		return
	}
	switch {
	case errors.Is(err, ErrNegotiationNotFound):
		respond.NotFound(c, "Negotiation not found")
	case errors.Is(err, ErrProductNotFound):
		respond.NotFound(c, "Product not found")
	case errors.Is(err, ErrSelfNegotiation):
		respond.Error(c, http.StatusBadRequest, "self_negotiation", "Cannot negotiate on your own product")
	case errors.Is(err, ErrActiveNegotiationExists):
		respond.Error(c, http.StatusConflict, "negotiation_exists", "Active negotiation already exists for this product")
	case errors.Is(err, ErrNotActive):
		respond.Error(c, http.StatusConflict, "not_active", "Negotiation is no longer active")
	case errors.Is(err, ErrVersionConflict):
		respond.Error(c, http.StatusConflict, "conflict", "Negotiation was updated concurrently, retry")
	case errors.Is(err, ErrInvalidOffer):
		respond.BadRequest(c, err.Error())
	default:
		respond.Internal(c, err)
	}
}
