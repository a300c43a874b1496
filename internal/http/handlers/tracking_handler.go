// README: Token-based tracking reads and live stream; no caller authentication.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"dispatch/internal/logging"
	"dispatch/internal/modules/tracking"
)

type TrackingHandler struct {
	tracking *tracking.Service
	hub      *tracking.Hub
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

func NewTrackingHandler(svc *tracking.Service, hub *tracking.Hub, log logrus.FieldLogger) *TrackingHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &TrackingHandler{
		tracking: svc,
		hub:      hub,
		// Token holders are third-party pages on any origin.
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      log,
	}
}

func (h *TrackingHandler) Get(c *gin.Context) {
	view, _, err := h.tracking.Read(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, view)
}

// Stream counts as one read, sends the current view, then pushes updates until
// the session expires.
func (h *TrackingHandler) Stream(c *gin.Context) {
	view, sess, err := h.tracking.Read(c.Request.Context(), c.Param("token"))
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.WithError(err).Debug("tracking websocket upgrade failed")
		return
	}
	if err := conn.WriteJSON(view); err != nil {
		_ = conn.Close()
		return
	}
	h.hub.Serve(conn, view.BookingID, sess.ExpiresAt)
}
