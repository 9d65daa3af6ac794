package translation

import (
	"log/slog"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mandi/internal/respond"
	"github.com/mbd888/mandi/internal/users"
	"github.com/mbd888/mandi/internal/validation"
)

const (
	maxTextLength       = 2000
	detectionConfidence = 0.9
)

// Handler exposes translation utilities over HTTP.
type Handler struct {
	translator Translator
	logger     *slog.Logger
}

// NewHandler creates a new translation handler.
func NewHandler(translator Translator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{translator: translator, logger: logger}
}

// RegisterRoutes sets up public translation routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	g := r.Group("/translation")
	g.POST("/translate", h.Translate)
	g.GET("/languages", h.Languages)
	g.POST("/detect", h.Detect)
}

type translateRequest struct {
	Text         string `json:"text"`
	FromLanguage string `json:"fromLanguage"`
	ToLanguage   string `json:"toLanguage"`
}

// Translate handles POST /v1/translation/translate
func (h *Handler) Translate(c *gin.Context) {
	var req translateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respond.BadRequest(c, "Invalid request body")
		return
	}
	if errs := validation.Validate(
		validation.Required("text", req.Text),
		validation.MaxLength("text", req.Text, maxTextLength),
		validation.Required("fromLanguage", req.FromLanguage),
		validation.Required("toLanguage", req.ToLanguage),
		validation.OneOf("fromLanguage", req.FromLanguage, users.SupportedLanguages),
		validation.OneOf("toLanguage", req.ToLanguage, users.SupportedLanguages),
	); len(errs) > 0 {
		respond.Invalid(c, errs)
		return
	}

	text := validation.SanitizeText(req.Text, maxTextLength)
	if req.FromLanguage == req.ToLanguage {
		respond.OK(c, Result{TranslatedText: text, Confidence: ConfidenceIdentical})
		return
	}

	res, err := h.translator.Translate(c.Request.Context(), text, req.FromLanguage, req.ToLanguage)
	if err != nil {
		h.logger.Warn("translation failed, returning original text",
			"from", req.FromLanguage, "to", req.ToLanguage, "error", err)
		res = Result{TranslatedText: text, Confidence: ConfidenceFailed}
	}
	respond.OK(c, res)
}

// Languages handles GET /v1/translation/languages
func (h *Handler) Languages(c *gin.Context) {
	respond.OK(c, Languages())
}

type detectRequest struct {
	Text string `json:"text"`
}

// Detect handles POST /v1/translation/detect
func (h *Handler) Detect(c *gin.Context) {
	var req detectRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Text == "" {
		respond.BadRequest(c, "Text is required")
		return
	}
	respond.OK(c, gin.H{
		"language":   DetectLanguage(req.Text),
		"confidence": detectionConfidence,
	})
}
