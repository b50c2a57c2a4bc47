package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/papergraph/papergraph/pkg/ingest"
	"github.com/papergraph/papergraph/pkg/services"
)

// errorBody is the uniform error payload.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// respondError maps service-layer errors to HTTP responses.
func respondError(c *gin.Context, err error) {
	var validErr *services.ValidationError
	switch {
	case errors.As(err, &validErr):
		c.JSON(http.StatusBadRequest, errorBody{Error: validErr.Error(), Code: "INVALID_INPUT"})
	case errors.Is(err, ingest.ErrUnsupportedContentType):
		c.JSON(http.StatusUnsupportedMediaType, errorBody{Error: err.Error(), Code: "UNSUPPORTED_CONTENT_TYPE"})
	case errors.Is(err, services.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: "INVALID_INPUT"})
	case errors.Is(err, services.ErrTenantRequired):
		c.JSON(http.StatusUnauthorized, errorBody{Error: err.Error(), Code: "TENANT_REQUIRED"})
	case errors.Is(err, services.ErrDemoBlocked):
		c.JSON(http.StatusForbidden, errorBody{Error: err.Error(), Code: "DEMO_BLOCKED"})
	case errors.Is(err, services.ErrRateLimited):
		c.JSON(http.StatusTooManyRequests, errorBody{Error: err.Error(), Code: "RATE_LIMIT"})
	case errors.Is(err, services.ErrUsageLimitExceeded):
		c.JSON(http.StatusForbidden, errorBody{Error: err.Error(), Code: "USAGE_LIMIT"})
	case errors.Is(err, services.ErrNotFound):
		c.JSON(http.StatusNotFound, errorBody{Error: err.Error(), Code: "NOT_FOUND"})
	default:
		slog.Error("unexpected service error", "error", err)
		c.JSON(http.StatusInternalServerError, errorBody{Error: "internal server error", Code: "INTERNAL"})
	}
}
