// README: Booking handlers: create, read, cancel, tracking and operator assignment.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dispatch/internal/http/middleware"
	"dispatch/internal/logging"
	"dispatch/internal/modules/assignment"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/tracking"
	"dispatch/internal/types"
)

type BookingHandler struct {
	bookings    *booking.Service
	coordinator *assignment.Coordinator
	tracking    *tracking.Service
	log         logrus.FieldLogger
}

func NewBookingHandler(bookings *booking.Service, coordinator *assignment.Coordinator, trackingSvc *tracking.Service, log logrus.FieldLogger) *BookingHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &BookingHandler{bookings: bookings, coordinator: coordinator, tracking: trackingSvc, log: log}
}

func actorFor(c *gin.Context) booking.Actor {
	id := types.ID(middleware.CallerUID(c))
	switch middleware.CallerRole(c) {
	case middleware.RoleOperator:
		return booking.Actor{Type: booking.ActorOperator, ID: id}
	case middleware.RoleDriver:
		return booking.Actor{Type: booking.ActorDriver, ID: id}
	default:
		return booking.Actor{Type: booking.ActorRequester, ID: id}
	}
}

// canView allows the requester, the assigned driver and operators.
func canView(c *gin.Context, b *booking.Booking) bool {
	uid := types.ID(middleware.CallerUID(c))
	switch middleware.CallerRole(c) {
	case middleware.RoleOperator:
		return true
	case middleware.RoleDriver:
		return b.DriverID != nil && *b.DriverID == uid
	default:
		return b.RequesterID == uid
	}
}

func (h *BookingHandler) Create(c *gin.Context) {
	var req createBookingReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if !isValidOptionalID(req.PickupHubID) || !isValidOptionalID(req.DropoffHubID) {
		writeError(c, http.StatusBadRequest, "invalid hub id")
		return
	}
	b, err := h.bookings.Create(c.Request.Context(), booking.CreateCommand{
		RequesterID:   types.ID(middleware.CallerUID(c)),
		Kind:          req.Kind,
		Pickup:        req.Pickup,
		Dropoff:       req.Dropoff,
		PickupHubID:   types.ID(req.PickupHubID),
		DropoffHubID:  types.ID(req.DropoffHubID),
		Package:       req.Package,
		SubmittedFare: req.SubmittedFare,
	})
	if errors.Is(err, booking.ErrFareRejected) && b != nil {
		writeJSON(c, http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "booking": toBookingResp(b)})
		return
	}
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusCreated, toBookingResp(b))
}

// load fetches the booking named by :id and checks the caller may see it.
func (h *BookingHandler) load(c *gin.Context) (*booking.Booking, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return nil, false
	}
	b, err := h.bookings.Get(c.Request.Context(), types.ID(id))
	if err != nil {
		writeDomainError(c, h.log, err)
		return nil, false
	}
	if !canView(c, b) {
		writeError(c, http.StatusForbidden, "forbidden")
		return nil, false
	}
	return b, true
}

func (h *BookingHandler) Get(c *gin.Context) {
	b, ok := h.load(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, toBookingResp(b))
}

func (h *BookingHandler) Cancel(c *gin.Context) {
	var req cancelReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	b, ok := h.load(c)
	if !ok {
		return
	}
	b, err := h.bookings.Cancel(c.Request.Context(), b.ID, actorFor(c), req.Reason)
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, toBookingResp(b))
}

func (h *BookingHandler) EnableTracking(c *gin.Context) {
	b, ok := h.load(c)
	if !ok {
		return
	}
	if middleware.CallerRole(c) == middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden")
		return
	}
	sess, err := h.tracking.Enable(c.Request.Context(), b.ID, types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusCreated, gin.H{
		"token":      sess.Token,
		"booking_id": sess.BookingID,
		"expires_at": sess.ExpiresAt,
		"url":        "/api/track/" + sess.Token,
	})
}

// RevokeTracking deletes a tracking session of the booking. Token holders can
// only read; revoking needs an authenticated caller.
func (h *BookingHandler) RevokeTracking(c *gin.Context) {
	b, ok := h.load(c)
	if !ok {
		return
	}
	err := h.tracking.Revoke(c.Request.Context(), b.ID, c.Param("token"), tracking.Caller{
		ID:       types.ID(middleware.CallerUID(c)),
		Operator: middleware.CallerRole(c) == middleware.RoleOperator,
	})
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Assign is the operator override; it records the manual method.
func (h *BookingHandler) Assign(c *gin.Context) {
	var req manualAssignReq
	if err := c.ShouldBindJSON(&req); err != nil || !isValidID(req.DriverID) {
		writeError(c, http.StatusBadRequest, "driver_id is required")
		return
	}
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return
	}
	res, err := h.coordinator.AssignManual(c.Request.Context(), types.ID(id), types.ID(req.DriverID), types.ID(middleware.CallerUID(c)))
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"booking_id": res.BookingID,
		"driver_id":  res.DriverID,
		"method":     res.Method,
		"score":      res.Score.Total,
	})
}

// Retry reopens a booking whose automatic assignment failed.
func (h *BookingHandler) Retry(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid booking id")
		return
	}
	b, err := h.bookings.Reopen(c.Request.Context(), types.ID(id), actorFor(c))
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusAccepted, toBookingResp(b))
}

func isValidOptionalID(v string) bool {
	return v == "" || isValidID(v)
}
