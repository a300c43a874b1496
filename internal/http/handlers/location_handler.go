// README: Location handlers: sample ingestion (direct or queued) and history.
package handlers

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"dispatch/internal/config"
	"dispatch/internal/logging"
	"dispatch/internal/modules/location"
	"dispatch/internal/types"
)

const maxHistoryLimit = 1000

// Enqueuer hands samples to the asynchronous pipeline.
type Enqueuer interface {
	Enqueue(ctx context.Context, sm location.Sample) error
}

type LocationHandler struct {
	location *location.Service
	queue    Enqueuer
	cfg      config.LocationConfig
	log      logrus.FieldLogger
}

// NewLocationHandler ingests inline when queue is nil.
func NewLocationHandler(svc *location.Service, queue Enqueuer, cfg config.LocationConfig, log logrus.FieldLogger) *LocationHandler {
	if log == nil {
		log = logging.Discard()
	}
	return &LocationHandler{location: svc, queue: queue, cfg: cfg, log: log}
}

func (h *LocationHandler) Update(c *gin.Context) {
	id, ok := selfOnly(c)
	if !ok {
		return
	}
	var req locationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	sm := location.Sample{
		DriverID:   id,
		Position:   types.Point{Lat: req.Lat, Lng: req.Lng},
		AccuracyM:  req.AccuracyM,
		Heading:    req.Heading,
		SpeedMps:   req.SpeedMps,
		Battery:    req.Battery,
		CapturedAt: req.CapturedAt,
	}
	if req.BookingID != "" {
		if !isValidID(req.BookingID) {
			writeError(c, http.StatusBadRequest, "invalid booking id")
			return
		}
		bid := types.ID(req.BookingID)
		sm.BookingID = &bid
	}

	if h.queue != nil {
		if err := h.queue.Enqueue(c.Request.Context(), sm); err != nil {
			writeDomainError(c, h.log, err)
			return
		}
		speed := 0.0
		if sm.SpeedMps != nil {
			speed = *sm.SpeedMps
		}
		writeJSON(c, http.StatusAccepted, gin.H{
			"status":          "queued",
			"next_interval_s": int(location.NextInterval(h.cfg, speed, sm.Battery) / time.Second),
		})
		return
	}

	res, err := h.location.Ingest(c.Request.Context(), sm)
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	writeJSON(c, http.StatusOK, gin.H{
		"accepted":        res.Accepted,
		"duplicate":       res.Duplicate,
		"stale":           res.Stale,
		"updated":         res.Updated,
		"next_interval_s": int(res.NextInterval / time.Second),
	})
}

func (h *LocationHandler) History(c *gin.Context) {
	id, ok := selfOrOperator(c)
	if !ok {
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		since = t
	}
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(c, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	samples, err := h.location.History(c.Request.Context(), id, since, limit)
	if err != nil {
		writeDomainError(c, h.log, err)
		return
	}
	if samples == nil {
		samples = []location.Sample{}
	}
	writeJSON(c, http.StatusOK, gin.H{"samples": samples})
}
