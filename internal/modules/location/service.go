// README: Location ingestion: validate, append history, advance position, refresh booking ETA.
package location

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch/internal/config"
	"dispatch/internal/geo"
	"dispatch/internal/logging"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/observability"
	"dispatch/internal/types"
)

type History interface {
	Append(ctx context.Context, s Sample) (bool, error)
	History(ctx context.Context, driverID types.ID, since time.Time, limit int) ([]Sample, error)
}

type Drivers interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	UpdatePosition(ctx context.Context, id types.ID, p types.Point, at time.Time) (bool, error)
	TrackPosition(ctx context.Context, id types.ID, p types.Point) error
}

type Bookings interface {
	ActiveByDriver(ctx context.Context, driverID types.ID) ([]*booking.Booking, error)
	ApplyTracking(ctx context.Context, id types.ID, u booking.TrackingUpdate) (bool, error)
}

// Router supplies road distance; haversine is used when it is absent or fails.
type Router interface {
	DistanceKm(ctx context.Context, from, to types.Point) (float64, error)
}

// Mirror receives accepted positions for client-facing realtime views.
type Mirror interface {
	MirrorPosition(ctx context.Context, driverID types.ID, p types.Point, at time.Time) error
}

type Service struct {
	history  History
	drivers  Drivers
	bookings Bookings
	speeds   *SpeedTracker
	cfg      config.LocationConfig
	log      logrus.FieldLogger
	router   Router
	mirror   Mirror
	now      func() time.Time
}

type Option func(*Service)

func WithRouter(r Router) Option { return func(s *Service) { s.router = r } }

func WithMirror(m Mirror) Option { return func(s *Service) { s.mirror = m } }

func NewService(history History, drivers Drivers, bookings Bookings, cfg config.LocationConfig, log logrus.FieldLogger, opts ...Option) *Service {
	if log == nil {
		log = logging.Discard()
	}
	s := &Service{
		history:  history,
		drivers:  drivers,
		bookings: bookings,
		speeds:   NewSpeedTracker(cfg),
		cfg:      cfg,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ingest processes one sample. Out-of-order samples are kept in history but
// never move the driver's position or any booking projection backwards.
// Redelivering the driver's current sample re-runs the booking projection, so
// a retry after a failed projection write completes it.
func (s *Service) Ingest(ctx context.Context, sm Sample) (Result, error) {
	now := s.now().UTC()
	if err := s.validate(sm, now); err != nil {
		observability.SamplesInvalid.Inc()
		return Result{}, err
	}
	if sm.ID == "" {
		sm.ID = types.NewID()
	}
	// Stored at Postgres precision so a redelivered sample compares equal.
	sm.CapturedAt = sm.CapturedAt.UTC().Truncate(time.Microsecond)
	sm.ReceivedAt = now
	sm.Bucket = geo.BucketKey(sm.Position)

	inserted, err := s.history.Append(ctx, sm)
	if err != nil {
		return Result{}, fmt.Errorf("append sample: %w", err)
	}
	if inserted {
		observability.SamplesIngested.Inc()
	}
	res := Result{Accepted: true, Duplicate: !inserted}

	entry := s.log.WithField("driver_id", sm.DriverID)
	advanced, err := s.drivers.UpdatePosition(ctx, sm.DriverID, sm.Position, sm.CapturedAt)
	if err != nil {
		return Result{}, fmt.Errorf("update position: %w", err)
	}
	position := sm.Position
	if !advanced {
		current, err := s.drivers.Get(ctx, sm.DriverID)
		if err != nil {
			return Result{}, fmt.Errorf("load driver: %w", err)
		}
		if current.PositionAt == nil || !current.PositionAt.Equal(sm.CapturedAt) || current.Position == nil {
			res.NextInterval = NextInterval(s.cfg, s.speeds.Peek(sm.DriverID, sm.SpeedMps), sm.Battery)
			if !res.Duplicate {
				observability.SamplesStale.Inc()
				entry.WithField("captured_at", sm.CapturedAt).Debug("stale sample kept in history only")
				res.Stale = true
			}
			return res, nil
		}
		position = *current.Position
	}

	var speed float64
	if advanced {
		speed = s.speeds.Estimate(sm.DriverID, sm.SpeedMps)
		if err := s.drivers.TrackPosition(ctx, sm.DriverID, position); err != nil {
			entry.WithError(err).Warn("geo index update failed")
		}
		if s.mirror != nil {
			if err := s.mirror.MirrorPosition(ctx, sm.DriverID, position, sm.CapturedAt); err != nil {
				entry.WithError(err).Warn("position mirror failed")
			}
		}
	} else {
		speed = s.speeds.Peek(sm.DriverID, sm.SpeedMps)
	}
	res.NextInterval = NextInterval(s.cfg, speed, sm.Battery)

	active, err := s.bookings.ActiveByDriver(ctx, sm.DriverID)
	if err != nil {
		return Result{}, fmt.Errorf("active bookings: %w", err)
	}
	for _, b := range active {
		if b.Dropoff == nil {
			continue
		}
		remaining := s.remainingKm(ctx, position, *b.Dropoff)
		eta := now.Add(time.Duration(remaining * 1000 / speed * float64(time.Second)))
		applied, err := s.bookings.ApplyTracking(ctx, b.ID, booking.TrackingUpdate{
			Position:    position,
			SampleAt:    sm.CapturedAt,
			RemainingKm: remaining,
			ETA:         eta,
		})
		if err != nil {
			return res, fmt.Errorf("apply tracking %s: %w", b.ID, err)
		}
		if applied {
			observability.ETAUpdates.Inc()
			res.Updated++
		}
	}
	return res, nil
}

// Forget drops per-driver ingestion state for a driver leaving the pool.
func (s *Service) Forget(driverID types.ID) {
	s.speeds.Forget(driverID)
}

func (s *Service) validate(sm Sample, now time.Time) error {
	switch {
	case sm.DriverID == "":
		return fmt.Errorf("%w: driver id is required", ErrInvalidSample)
	case !geo.ValidPoint(sm.Position):
		return fmt.Errorf("%w: coordinates out of range", ErrInvalidSample)
	case sm.CapturedAt.IsZero():
		return fmt.Errorf("%w: capture time is required", ErrInvalidSample)
	case sm.CapturedAt.After(now.Add(s.cfg.MaxClockSkew)):
		return fmt.Errorf("%w: capture time is in the future", ErrInvalidSample)
	case sm.AccuracyM < 0 || math.IsNaN(sm.AccuracyM):
		return fmt.Errorf("%w: accuracy must be >= 0", ErrInvalidSample)
	case sm.Battery != nil && (*sm.Battery < 0 || *sm.Battery > 100):
		return fmt.Errorf("%w: battery must be within 0..100", ErrInvalidSample)
	case sm.SpeedMps != nil && (*sm.SpeedMps < 0 || math.IsNaN(*sm.SpeedMps)):
		return fmt.Errorf("%w: speed must be >= 0", ErrInvalidSample)
	}
	return nil
}

func (s *Service) remainingKm(ctx context.Context, from, to types.Point) float64 {
	if s.router != nil {
		km, err := s.router.DistanceKm(ctx, from, to)
		if err == nil && km >= 0 {
			return km
		}
		s.log.WithError(err).Debug("router distance unavailable, using haversine")
	}
	return geo.HaversineKm(from, to)
}

func (s *Service) History(ctx context.Context, driverID types.ID, since time.Time, limit int) ([]Sample, error) {
	return s.history.History(ctx, driverID, since, limit)
}
