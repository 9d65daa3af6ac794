package pricing

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mandi/internal/respond"
)

// maxFanOut bounds how many categories or locations one request may ask for.
const maxFanOut = 20

// Handler provides HTTP endpoints for price discovery.
type Handler struct {
	service *Service
}

// NewHandler creates a new price-discovery handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public price-discovery routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/price-discovery")
	g.GET("", h.Get)
	g.GET("/trends", h.Trends)
	g.GET("/history", h.History)
	g.GET("/compare", h.Compare)
}

// RegisterProtectedRoutes sets up auth-required price-discovery routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/price-discovery/cache/clear", h.ClearCache)
}

// Get handles GET /v1/price-discovery
func (h *Handler) Get(c *gin.Context) {
	category := strings.TrimSpace(c.Query("category"))
	if category == "" {
		respond.BadRequest(c, "Category is required")
		return
	}
	respond.OK(c, h.service.GetPriceDiscovery(c.Request.Context(), category, locationFromQuery(c)))
}

// Trends handles GET /v1/price-discovery/trends
func (h *Handler) Trends(c *gin.Context) {
	categories := splitNonEmpty(c.Query("categories"), ",")
	if len(categories) == 0 {
		respond.BadRequest(c, "Categories are required")
		return
	}
	if len(categories) > maxFanOut {
		respond.BadRequest(c, "Too many categories")
		return
	}
	respond.OK(c, h.service.GetTrends(c.Request.Context(), categories, locationFromQuery(c)))
}

// History handles GET /v1/price-discovery/history
func (h *Handler) History(c *gin.Context) {
	category := strings.TrimSpace(c.Query("category"))
	if category == "" {
		respond.BadRequest(c, "Category is required")
		return
	}
	days, _ := strconv.Atoi(c.DefaultQuery("days", "30"))

	points, err := h.service.GetPriceHistory(c.Request.Context(), category, locationFromQuery(c), days)
	if err != nil {
		respond.Internal(c, err)
		return
	}
	respond.OK(c, points)
}

// Compare handles GET /v1/price-discovery/compare. Locations are separated
// by "|" since each one is itself "City, State".
func (h *Handler) Compare(c *gin.Context) {
	category := strings.TrimSpace(c.Query("category"))
	locations := splitNonEmpty(c.Query("locations"), "|")
	if category == "" || len(locations) == 0 {
		respond.BadRequest(c, "Category and locations are required")
		return
	}
	if len(locations) > maxFanOut {
		respond.BadRequest(c, "Too many locations")
		return
	}
	respond.OK(c, h.service.Compare(c.Request.Context(), category, locations))
}

// ClearCache handles POST /v1/price-discovery/cache/clear
func (h *Handler) ClearCache(c *gin.Context) {
	if err := h.service.ClearCache(c.Request.Context()); err != nil {
		respond.Internal(c, err)
		return
	}
	respond.OK(c, gin.H{"cleared": true})
}

func locationFromQuery(c *gin.Context) string {
	city := strings.TrimSpace(c.Query("city"))
	state := strings.TrimSpace(c.Query("state"))
	switch {
	case city != "" && state != "":
		return city + ", " + state
	case state != "":
		return ", " + state
	default:
		return city
	}
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
