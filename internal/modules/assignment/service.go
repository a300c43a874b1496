// README: Assignment coordinator: candidate search, scoring and the exactly-once driver claim.
package assignment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch/internal/config"
	"dispatch/internal/events"
	"dispatch/internal/logging"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/scoring"
	"dispatch/internal/observability"
	"dispatch/internal/types"
)

type Coordinator struct {
	bookings  Bookings
	drivers   Drivers
	claimer   Claimer
	scorer    *scoring.Scorer
	publisher events.Publisher
	cfg       config.AssignmentConfig
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewCoordinator(bookings Bookings, drivers Drivers, claimer Claimer, scorer *scoring.Scorer, publisher events.Publisher, cfg config.AssignmentConfig, log logrus.FieldLogger) *Coordinator {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = logging.Discard()
	}
	if cfg.MaxPasses < 1 {
		cfg.MaxPasses = 1
	}
	return &Coordinator{
		bookings:  bookings,
		drivers:   drivers,
		claimer:   claimer,
		scorer:    scorer,
		publisher: publisher,
		cfg:       cfg,
		log:       log,
		now:       time.Now,
	}
}

var system = booking.Actor{Type: booking.ActorSystem}

// Assign picks the best eligible driver for the booking and claims it. A booking
// with no eligible driver is moved to assignment_failed and ErrNoEligibleDriver
// is returned; the retry sweeper reopens it later.
func (c *Coordinator) Assign(ctx context.Context, bookingID types.ID) (*Result, error) {
	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}
	started := c.now()
	defer func() { observability.AssignLatency.Observe(time.Since(started).Seconds()) }()

	b, err := c.pending(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	entry := c.log.WithField("booking_id", b.ID)
	job := scoring.Job{Pickup: *b.Pickup, Package: b.Package}

	tried := make(map[types.ID]bool)
	keep := func(d *driver.Driver) bool {
		return !tried[d.ID] && scoring.Compatible(d, job.Package)
	}
	attempts := 0
	for pass := 0; pass < c.cfg.MaxPasses; pass++ {
		eligible, err := c.drivers.Candidates(ctx, job.Pickup, c.scorer.MaxRadiusKm(), c.cfg.CandidateLimit, keep)
		if err != nil {
			return nil, fmt.Errorf("candidates: %w", err)
		}
		if len(eligible) == 0 {
			break
		}

		for _, cand := range c.scorer.Rank(eligible, job, c.now()) {
			tried[cand.Driver.ID] = true
			attempts++
			err := c.claim(ctx, b, cand.Driver.ID, cand.Result, booking.MethodAuto)
			switch {
			case err == nil:
				entry.WithFields(logrus.Fields{
					"driver_id": cand.Driver.ID,
					"score":     cand.Result.Total,
					"attempts":  attempts,
				}).Info("booking assigned")
				return &Result{BookingID: b.ID, DriverID: cand.Driver.ID, Method: booking.MethodAuto, Score: cand.Result, Attempts: attempts}, nil
			case errors.Is(err, ErrDriverUnavailable):
				observability.ClaimConflicts.Inc()
				entry.WithField("driver_id", cand.Driver.ID).Debug("candidate taken, trying next")
			case errors.Is(err, ErrBookingChanged):
				return nil, fmt.Errorf("%w: booking %s changed during claim", ErrBookingChanged, b.ID)
			default:
				return nil, err
			}
		}
	}

	observability.AssignmentFailures.Inc()
	entry.WithField("attempts", attempts).Warn("no eligible driver")
	if _, err := c.bookings.MarkAssignmentFailed(ctx, b.ID, ErrNoEligibleDriver.Error()); err != nil {
		return nil, fmt.Errorf("mark assignment failed: %w", err)
	}
	return nil, ErrNoEligibleDriver
}

// AssignManual binds an operator-chosen driver, bypassing ranking. The claim
// guards still apply, so a busy driver is refused.
func (c *Coordinator) AssignManual(ctx context.Context, bookingID, driverID, operatorID types.ID) (*Result, error) {
	b, err := c.bookings.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status == booking.StatusAssignmentFailed {
		if _, err := c.bookings.Reopen(ctx, b.ID, booking.Actor{Type: booking.ActorOperator, ID: operatorID}); err != nil {
			return nil, err
		}
	}
	b, err = c.pending(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	d, err := c.drivers.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	if !scoring.Compatible(d, b.Package) {
		return nil, ErrIncompatible
	}
	score := c.scorer.Score(d, scoring.Job{Pickup: *b.Pickup, Package: b.Package}, c.now())
	if err := c.claim(ctx, b, d.ID, score, booking.MethodManual); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{
		"booking_id":  b.ID,
		"driver_id":   d.ID,
		"operator_id": operatorID,
	}).Info("booking assigned manually")
	return &Result{BookingID: b.ID, DriverID: d.ID, Method: booking.MethodManual, Score: score, Attempts: 1}, nil
}

// pending moves the booking into pending_assignment, tolerating replays.
func (c *Coordinator) pending(ctx context.Context, id types.ID) (*booking.Booking, error) {
	b, err := c.bookings.RequestAssignment(ctx, id, system)
	if errors.Is(err, booking.ErrInvalidState) || errors.Is(err, booking.ErrFareRejected) {
		return nil, fmt.Errorf("%w: %v", ErrNotPending, err)
	}
	if err != nil {
		return nil, err
	}
	if b.Pickup == nil {
		return nil, fmt.Errorf("%w: booking %s has no pickup", ErrNotPending, id)
	}
	return b, nil
}

func (c *Coordinator) claim(ctx context.Context, b *booking.Booking, driverID types.ID, score scoring.Result, method booking.AssignmentMethod) error {
	err := c.claimer.Claim(ctx, booking.Claim{
		BookingID: b.ID,
		Version:   b.StatusVersion,
		DriverID:  driverID,
		Score:     score.Total,
		Method:    method,
		At:        c.now().UTC(),
	})
	if err != nil {
		return err
	}
	observability.AssignmentsTotal.WithLabelValues(string(method)).Inc()
	observability.Transitions.WithLabelValues(string(booking.StatusPendingAssignment), string(booking.StatusAssigned)).Inc()

	e := events.New(events.BookingStatusChanged, b.ID)
	e.From, e.To = string(booking.StatusPendingAssignment), string(booking.StatusAssigned)
	id := driverID
	e.DriverID = &id
	if err := c.publisher.Publish(ctx, e); err != nil {
		c.log.WithError(err).WithField("booking_id", b.ID).Warn("event publish failed")
	}
	return nil
}

// HandleEvent runs assignment for booking.created and booking.reopened. Outcomes
// that a redelivery cannot change are acknowledged.
func (c *Coordinator) HandleEvent(ctx context.Context, e events.Event) error {
	if e.Type != events.BookingCreated && e.Type != events.BookingReopened {
		return nil
	}
	_, err := c.Assign(ctx, e.BookingID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotPending), errors.Is(err, ErrNoEligibleDriver),
		errors.Is(err, ErrBookingChanged), errors.Is(err, booking.ErrNotFound):
		c.log.WithError(err).WithField("booking_id", e.BookingID).Info("assignment skipped")
		return nil
	default:
		return err
	}
}

// RunRetrySweeper periodically reopens bookings that failed assignment at least
// RetryBackoff ago. Reopening publishes booking.reopened, which drives Assign.
func (c *Coordinator) RunRetrySweeper(ctx context.Context) error {
	if c.cfg.RetryEvery <= 0 {
		return nil
	}
	ticker := time.NewTicker(c.cfg.RetryEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n, err := c.SweepOnce(ctx); err != nil {
				c.log.WithError(err).Warn("retry sweep failed")
			} else if n > 0 {
				c.log.WithField("reopened", n).Info("retry sweep")
			}
		}
	}
}

// SweepOnce reopens one batch of failed bookings and re-runs assignment for
// bookings stuck in created or pending_assignment (a lost event or an aborted
// pass). It returns how many bookings were reopened.
func (c *Coordinator) SweepOnce(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.cfg.RetryBackoff)
	failed, err := c.bookings.ListByStatus(ctx, booking.StatusAssignmentFailed, cutoff, c.cfg.RetryBatch)
	if err != nil {
		return 0, err
	}
	reopened := 0
	for _, b := range failed {
		if _, err := c.bookings.Reopen(ctx, b.ID, system); err != nil {
			if errors.Is(err, booking.ErrConflict) || errors.Is(err, booking.ErrInvalidState) {
				continue
			}
			return reopened, err
		}
		observability.AssignmentRetries.Inc()
		reopened++
	}

	for _, status := range []booking.Status{booking.StatusCreated, booking.StatusPendingAssignment} {
		stuck, err := c.bookings.ListByStatus(ctx, status, cutoff, c.cfg.RetryBatch)
		if err != nil {
			return reopened, err
		}
		for _, b := range stuck {
			if !b.Priced() {
				continue
			}
			if err := c.HandleEvent(ctx, events.New(events.BookingReopened, b.ID)); err != nil {
				return reopened, err
			}
		}
	}
	return reopened, nil
}

var _ Drivers = (*driver.Service)(nil)
var _ Bookings = (*booking.Service)(nil)
