// Package respond writes the API's JSON envelope:
// {"success": true, "data": ...} or {"success": false, "error": code, "message": text}.
package respond

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/mandi/internal/logging"
	"github.com/mbd888/mandi/internal/validation"
)

// Envelope is the body of every API response.
type Envelope struct {
	Success bool                        `json:"success"`
	Data    any                         `json:"data,omitempty"`
	Error   string                      `json:"error,omitempty"`
	Message string                      `json:"message,omitempty"`
	Fields  validation.ValidationErrors `json:"fields,omitempty"`
}

// OK writes a 200 success envelope.
func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, Envelope{Success: true, Data: data})
}

// Created writes a 201 success envelope.
func Created(c *gin.Context, data any) {
	c.JSON(http.StatusCreated, Envelope{Success: true, Data: data})
}

// Error writes a failure envelope and aborts the handler chain.
func Error(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, Envelope{Error: code, Message: message})
}

// BadRequest writes a 400 with code invalid_request.
func BadRequest(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, "invalid_request", message)
}

// Invalid writes a 400 listing every failed field.
func Invalid(c *gin.Context, errs validation.ValidationErrors) {
	c.AbortWithStatusJSON(http.StatusBadRequest, Envelope{
		Error:   "validation_error",
		Message: errs.Error(),
		Fields:  errs,
	})
}

// NotFound writes a 404.
func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, "not_found", message)
}

// Unauthorized writes a 401.
func Unauthorized(c *gin.Context, message string) {
	Error(c, http.StatusUnauthorized, "unauthorized", message)
}

// Internal logs err with request context and writes a generic 500.
func Internal(c *gin.Context, err error) {
	logging.L(c.Request.Context()).Error("request failed", "path", c.FullPath(), "error", err)
	Error(c, http.StatusInternalServerError, "internal_error", "Internal server error")
}
