// README: Shared handler helpers: JSON responses and domain error mapping.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dispatch/internal/modules/assignment"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/modules/tracking"
)

type errorResponse struct {
	Error string `json:"error"`
}

// isValidID accepts the alphanumeric ids produced by types.NewID and external
// identity providers.
func isValidID(v string) bool {
	if v == "" || len(v) > 128 {
		return false
	}
	for _, c := range v {
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || c == '-' || c == '_' {
			continue
		}
		return false
	}
	return true
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

// statusFor maps domain errors to HTTP status codes. Order matters: a fare
// rejection wraps the pricing cause, which may itself look like a not-found.
func statusFor(err error) int {
	switch {
	case errors.Is(err, booking.ErrFareRejected),
		errors.Is(err, assignment.ErrIncompatible):
		return http.StatusUnprocessableEntity
	case errors.Is(err, booking.ErrBadRequest),
		errors.Is(err, driver.ErrBadRequest),
		errors.Is(err, location.ErrInvalidSample),
		errors.Is(err, pricing.ErrInvalidGeometry),
		errors.Is(err, pricing.ErrInvalidPackage),
		errors.Is(err, pricing.ErrUnsupportedKind):
		return http.StatusBadRequest
	case errors.Is(err, booking.ErrActorNotAllowed),
		errors.Is(err, tracking.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, booking.ErrNotFound),
		errors.Is(err, driver.ErrNotFound),
		errors.Is(err, tracking.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tracking.ErrExpired):
		return http.StatusGone
	case errors.Is(err, booking.ErrConflict),
		errors.Is(err, booking.ErrInvalidState),
		errors.Is(err, driver.ErrDriverBusy),
		errors.Is(err, driver.ErrInactive),
		errors.Is(err, driver.ErrUnavailable),
		errors.Is(err, assignment.ErrNotPending),
		errors.Is(err, assignment.ErrNoEligibleDriver),
		errors.Is(err, tracking.ErrClosed):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(c *gin.Context, log logrus.FieldLogger, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		log.WithError(err).WithField("path", c.FullPath()).Error("unhandled error")
		writeError(c, status, "internal error")
		return
	}
	writeError(c, status, err.Error())
}
