// README: HTTP router registration.
package http

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"dispatch/internal/config"
	"dispatch/internal/http/handlers"
	"dispatch/internal/http/middleware"
	"dispatch/internal/infra"
	"dispatch/internal/logging"
	"dispatch/internal/modules/assignment"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/location"
	"dispatch/internal/modules/tracking"
)

type RouterDeps struct {
	Bookings    *booking.Service
	Drivers     *driver.Service
	Coordinator *assignment.Coordinator
	Location    *location.Service
	// LocationQueue is optional; when set, location updates are queued instead of ingested inline.
	LocationQueue handlers.Enqueuer
	Tracking      *tracking.Service
	Hub           *tracking.Hub
	Verifier      infra.TokenVerifier
	LocationCfg   config.LocationConfig
	Log           logrus.FieldLogger
}

func NewRouter(d RouterDeps) *gin.Engine {
	log := d.Log
	if log == nil {
		log = logging.Discard()
	}
	r := gin.New()
	r.Use(middleware.Logging(log), middleware.Recovery(log))

	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	trackingHandler := handlers.NewTrackingHandler(d.Tracking, d.Hub, log)
	track := r.Group("/api/track")
	track.GET("/:token", trackingHandler.Get)
	track.GET("/:token/ws", trackingHandler.Stream)

	api := r.Group("/api", middleware.Auth(d.Verifier))
	operator := middleware.RequireRole(middleware.RoleOperator)

	bookingHandler := handlers.NewBookingHandler(d.Bookings, d.Coordinator, d.Tracking, log)
	api.POST("/bookings", middleware.RequireRole(middleware.RoleRequester, middleware.RoleOperator), bookingHandler.Create)
	api.GET("/bookings/:id", bookingHandler.Get)
	api.POST("/bookings/:id/cancel", bookingHandler.Cancel)
	api.POST("/bookings/:id/tracking", bookingHandler.EnableTracking)
	api.DELETE("/bookings/:id/tracking/:token", bookingHandler.RevokeTracking)
	api.POST("/bookings/:id/assign", operator, bookingHandler.Assign)
	api.POST("/bookings/:id/retry", operator, bookingHandler.Retry)

	driverHandler := handlers.NewDriverHandler(d.Drivers, d.Bookings, log)
	api.PUT("/drivers/:id", operator, driverHandler.Upsert)
	api.GET("/drivers/:id", driverHandler.Get)
	api.PUT("/drivers/:id/availability", driverHandler.SetAvailability)
	api.POST("/drivers/:id/bookings/:bid/pickup", driverHandler.PickUp())
	api.POST("/drivers/:id/bookings/:bid/transit", driverHandler.StartTransit())
	api.POST("/drivers/:id/bookings/:bid/deliver", driverHandler.Deliver())

	locationHandler := handlers.NewLocationHandler(d.Location, d.LocationQueue, d.LocationCfg, log)
	api.PUT("/drivers/:id/location", locationHandler.Update)
	api.GET("/drivers/:id/locations", locationHandler.History)

	return r
}
