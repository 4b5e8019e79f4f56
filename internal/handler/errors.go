package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"vpn-console/internal/apperr"
)

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindInvalidTransition, apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func errorBody(kind, code, message string) gin.H {
	return gin.H{"error": gin.H{"kind": kind, "code": code, "message": message}}
}

// writeError renders err as the structured error body and records it on
// the gin context for the request logger.
func writeError(c *gin.Context, err error) {
	_ = c.Error(err)
	if e, ok := apperr.As(err); ok {
		c.JSON(statusFor(e.Kind), errorBody(string(e.Kind), string(e.Code), e.Message))
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.JSON(http.StatusServiceUnavailable, errorBody(string(apperr.KindStoreUnavailable), string(apperr.CodeStoreUnavailable), "request canceled"))
		return
	}
	c.JSON(http.StatusInternalServerError, errorBody("internal", "internal", "Internal error"))
}

func badRequest(c *gin.Context, message string) {
	writeError(c, apperr.Validation(apperr.CodeInvalidRequest, message))
}

// bindJSON decodes the request body, answering 400 on malformed input.
func bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		badRequest(c, "Invalid request")
		return false
	}
	return true
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		badRequest(c, "limit must be a non-negative integer")
		return 0, false
	}
	return limit, true
}
