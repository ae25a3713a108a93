// Package response writes the API envelope {success, data, error}.
package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Body is the standard API response envelope.
type Body struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// OK sends a 200 JSON response with data.
func OK(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Body{Success: true, Data: data})
}

// Created sends a 201 JSON response with data.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Body{Success: true, Data: data})
}

// Error sends a failure envelope with the given status.
func Error(c *gin.Context, status int, msg string) {
	c.JSON(status, Body{Success: false, Error: msg})
}

// BadRequest sends 400.
func BadRequest(c *gin.Context, msg string) { Error(c, http.StatusBadRequest, msg) }

// Unauthorized sends 401.
func Unauthorized(c *gin.Context, msg string) { Error(c, http.StatusUnauthorized, msg) }

// Forbidden sends 403.
func Forbidden(c *gin.Context, msg string) { Error(c, http.StatusForbidden, msg) }

// NotFound sends 404.
func NotFound(c *gin.Context, msg string) { Error(c, http.StatusNotFound, msg) }

// ServiceUnavailable sends 503.
func ServiceUnavailable(c *gin.Context, msg string) { Error(c, http.StatusServiceUnavailable, msg) }

// Internal sends 500.
func Internal(c *gin.Context, msg string) { Error(c, http.StatusInternalServerError, msg) }
