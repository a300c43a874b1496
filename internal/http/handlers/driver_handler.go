// README: Driver handlers: profile upsert, availability and delivery steps.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dispatch/internal/http/middleware"
	"dispatch/internal/logging"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/types"
)

type DriverHandler struct {
	drivers  *driver.Service
	bookings *booking.Service
	log      logrus.FieldLogger
}

func NewDriverHandler(drivers *driver.Service, bookings *booking.Service, log logrus.FieldLogger) *DriverHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &DriverHandler{drivers: drivers, bookings: bookings, log: log}
}

// selfOrOperator resolves :id and rejects callers acting for another driver.
func selfOrOperator(c *gin.Context) (types.ID, bool) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return "", false
	}
	if middleware.CallerRole(c) == middleware.RoleOperator {
		return types.ID(id), true
	}
	if middleware.CallerRole(c) != middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return "", false
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "forbidden: id does not match authenticated user")
		return "", false
	}
	return types.ID(id), true
}

// selfOnly is selfOrOperator without the operator bypass.
func selfOnly(c *gin.Context) (types.ID, bool) {
	if middleware.CallerRole(c) == middleware.RoleOperator {
		writeError(c, http.StatusForbidden, "forbidden: driver role required")
		return "", false
	}
	return selfOrOperator(c)
}

func (h *DriverHandler) Upsert(c *gin.Context) {
	id := c.Param("id")
	if !isValidID(id) {
		writeError(c, http.StatusBadRequest, "invalid driver id")
		return
	}
	var req upsertDriverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	d, err := h.drivers.Upsert(c.Request.Context(), driver.Profile{
		ID:               types.ID(id),
		Name:             req.Name,
		Vehicle:          req.Vehicle,
		Schedule:         req.Schedule,
		ServiceAreas:     req.ServiceAreas,
		Rating:           req.Rating,
		Active:           active,
		FragileCertified: req.FragileCertified,
	})
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, toDriverResp(d))
}

func (h *DriverHandler) Get(c *gin.Context) {
	id, ok := selfOrOperator(c)
	if !ok {
		return
	}
	d, err := h.drivers.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, toDriverResp(d))
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id, ok := selfOnly(c)
	if !ok {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	if err := h.drivers.SetAvailability(c.Request.Context(), id, req.Availability); err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	d, err := h.drivers.Get(c.Request.Context(), id)
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, toDriverResp(d))
}

type stepFunc func(s *booking.Service, c *gin.Context, bookingID, driverID types.ID) (*booking.Booking, error)

func (h *DriverHandler) step(fn stepFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		driverID, ok := selfOnly(c)
		if !ok {
			return
		}
		bid := c.Param("bid")
		if !isValidID(bid) {
			writeError(c, http.StatusBadRequest, "invalid booking id")
			return
		}
		b, err := fn(h.bookings, c, types.ID(bid), driverID)
		if err != nil {
			writeDomainError(c, h.log, err)
			return
		}
		writeJSON(c, http.StatusOK, toBookingResp(b))
	}
}

func (h *DriverHandler) PickUp() gin.HandlerFunc {
	return h.step(func(s *booking.Service, c *gin.Context, bid, did types.ID) (*booking.Booking, error) {
		return s.PickUp(c.Request.Context(), bid, did)
	})
}

func (h *DriverHandler) StartTransit() gin.HandlerFunc {
	return h.step(func(s *booking.Service, c *gin.Context, bid, did types.ID) (*booking.Booking, error) {
		return s.StartTransit(c.Request.Context(), bid, did)
	})
}

func (h *DriverHandler) Deliver() gin.HandlerFunc {
	return h.step(func(s *booking.Service, c *gin.Context, bid, did types.ID) (*booking.Booking, error) {
		return s.Deliver(c.Request.Context(), bid, did)
	})
}
