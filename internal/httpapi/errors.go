package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"policygov/internal/boundary"
	"policygov/internal/governance"
	"policygov/internal/policy"
	"policygov/pkg/logger"

	"github.com/gin-gonic/gin"
)

// writeError maps governance errors onto status codes. Unknown errors are
// logged and reported as a generic 500.
func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}

	var (
		violation *boundary.Violation
		envelope  *governance.EnvelopeError
		state     *governance.StateError
	)
	switch {
	case errors.As(err, &violation):
		body["violation"] = violation
		c.AbortWithStatusJSON(http.StatusForbidden, body)
	case errors.As(err, &envelope):
		body["violation"] = envelope
		c.AbortWithStatusJSON(http.StatusForbidden, body)
	case errors.Is(err, governance.ErrRequestNotPending), errors.Is(err, governance.ErrRequestExpired):
		if errors.As(err, &state) {
			body["current_state"] = state.Current
		}
		c.AbortWithStatusJSON(http.StatusConflict, body)
	case errors.Is(err, governance.ErrGrantInactive),
		errors.Is(err, governance.ErrGrantExpired),
		errors.Is(err, governance.ErrGrantNotYetValid):
		if errors.As(err, &state) {
			body["current_state"] = state.Current
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
	case errors.Is(err, governance.ErrInvalidArgument),
		errors.Is(err, governance.ErrCooldownActive),
		errors.Is(err, governance.ErrNotRollbackable),
		errors.Is(err, policy.ErrFieldNotMutable),
		errors.Is(err, policy.ErrUnknownAction),
		errors.Is(err, policy.ErrInvalidValue):
		c.AbortWithStatusJSON(http.StatusBadRequest, body)
	case errors.Is(err, governance.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, body)
	case errors.Is(err, governance.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, body)
	case errors.Is(err, governance.ErrBusy):
		c.Header("Retry-After", "1")
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": governance.ErrBusy.Error()})
	default:
		logger.FromGin(c).Error("request failed", slog.String("error", err.Error()))
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
