// README: Booking service: creation with server-side pricing and guarded status transitions.
package booking

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch/internal/events"
	"dispatch/internal/logging"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/observability"
	"dispatch/internal/types"
)

var (
	ErrNotFound     = errors.New("booking not found")
	ErrConflict     = errors.New("booking state conflict")
	ErrBadRequest   = errors.New("bad request")
	ErrFareRejected = errors.New("booking could not be priced")
)

type Repository interface {
	Create(ctx context.Context, b *Booking) error
	Get(ctx context.Context, id types.ID) (*Booking, error)
	Transition(ctx context.Context, t Transition) (bool, error)
	ApplyTracking(ctx context.Context, id types.ID, u TrackingUpdate) (bool, error)
	EnableTracking(ctx context.Context, id types.ID, token string) error
	ActiveByDriver(ctx context.Context, driverID types.ID) ([]*Booking, error)
	ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Booking, error)
}

type Pricer interface {
	Quote(ctx context.Context, req pricing.Request) (pricing.Quote, error)
	IsMismatch(q pricing.Quote, submitted *types.Money) bool
}

type Service struct {
	repo      Repository
	pricing   Pricer
	publisher events.Publisher
	log       logrus.FieldLogger
	now       func() time.Time
}

func NewService(repo Repository, pricer Pricer, publisher events.Publisher, log logrus.FieldLogger) *Service {
	if publisher == nil {
		publisher = events.Nop{}
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Service{repo: repo, pricing: pricer, publisher: publisher, log: log, now: time.Now}
}

type CreateCommand struct {
	RequesterID  types.ID
	Kind         pricing.Kind
	Pickup       *types.Point
	Dropoff      *types.Point
	PickupHubID  types.ID
	DropoffHubID types.ID
	Package      types.Package
	// SubmittedFare is what the client computed; it is recorded and compared, never trusted.
	SubmittedFare *types.Money
}

// Create prices the booking on the server and persists it. Client-submitted
// money is overwritten; a mismatch is logged, not rejected. When the request
// cannot be priced the booking is stored unfinalized with the error recorded
// and returned alongside an error wrapping ErrFareRejected.
func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Booking, error) {
	if cmd.RequesterID == "" {
		return nil, fmt.Errorf("%w: requester id is required", ErrBadRequest)
	}
	kind := pricing.Kind(strings.ToLower(string(cmd.Kind)))
	if kind == "" {
		kind = pricing.KindDirect
	}
	cmd.Package.Size = cmd.Package.Size.Normalize()

	now := s.now().UTC()
	b := &Booking{
		ID:              types.NewID(),
		RequesterID:     cmd.RequesterID,
		Kind:            kind,
		Pickup:          cmd.Pickup,
		Dropoff:         cmd.Dropoff,
		PickupHubID:     cmd.PickupHubID,
		DropoffHubID:    cmd.DropoffHubID,
		Package:         cmd.Package,
		Fare:            Fare{Submitted: cmd.SubmittedFare},
		Status:          StatusCreated,
		CreatedAt:       now,
		StatusChangedAt: now,
	}
	entry := s.log.WithFields(logrus.Fields{
		"booking_id":   b.ID,
		"requester_id": b.RequesterID,
		"kind":         b.Kind,
	})

	q, err := s.pricing.Quote(ctx, pricing.Request{
		Kind:         kind,
		Pickup:       cmd.Pickup,
		Dropoff:      cmd.Dropoff,
		PickupHubID:  cmd.PickupHubID,
		DropoffHubID: cmd.DropoffHubID,
		Package:      cmd.Package,
	})
	if err != nil {
		if !pricing.IsInputError(err) {
			return nil, err
		}
		b.FareError = err.Error()
		if err := s.repo.Create(ctx, b); err != nil {
			return nil, err
		}
		observability.FareRejected.WithLabelValues(rejectReason(err)).Inc()
		entry.WithError(err).Warn("booking left unfinalized: fare input rejected")
		return b, fmt.Errorf("%w: %w", ErrFareRejected, err)
	}

	p, d := q.Pickup, q.Dropoff
	b.Pickup, b.Dropoff = &p, &d
	b.Fare.Server = q.Fare
	b.Fare.Commission = q.Commission
	b.Fare.Payout = q.Payout
	if s.pricing.IsMismatch(q, cmd.SubmittedFare) {
		b.Fare.Mismatch = true
		observability.FareMismatches.Inc()
		entry.WithFields(logrus.Fields{
			"submitted_fare": cmd.SubmittedFare.Amount,
			"server_fare":    q.Fare.Amount,
			"currency":       q.Fare.Currency,
		}).Warn("fare mismatch: submitted fare overwritten by server fare")
	}

	if err := s.repo.Create(ctx, b); err != nil {
		return nil, err
	}
	observability.BookingsCreated.WithLabelValues(string(kind)).Inc()
	entry.WithField("server_fare", q.Fare.Amount).Info("booking created")
	s.publish(ctx, events.New(events.BookingCreated, b.ID))
	return b, nil
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, pricing.ErrInvalidGeometry):
		return "geometry"
	case errors.Is(err, pricing.ErrUnresolvableHub):
		return "hub"
	case errors.Is(err, pricing.ErrInvalidPackage):
		return "package"
	default:
		return "kind"
	}
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Booking, error) {
	return s.repo.Get(ctx, id)
}

// RequestAssignment moves a priced booking into pending_assignment. A booking
// already pending is returned unchanged.
func (s *Service) RequestAssignment(ctx context.Context, id types.ID, actor Actor) (*Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status == StatusPendingAssignment {
		return b, nil
	}
	if !b.Priced() {
		return nil, &TransitionError{From: b.Status, To: StatusPendingAssignment, Actor: actor.Type, Err: ErrFareRejected}
	}
	return s.transition(ctx, b, StatusPendingAssignment, actor, "")
}

func (s *Service) MarkAssignmentFailed(ctx context.Context, id types.ID, reason string) (*Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, b, StatusAssignmentFailed, Actor{Type: ActorCoordinator}, reason)
}

// Reopen puts a failed booking back in the assignment queue.
func (s *Service) Reopen(ctx context.Context, id types.ID, actor Actor) (*Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusAssignmentFailed {
		return nil, &TransitionError{From: b.Status, To: StatusPendingAssignment, Actor: actor.Type, Err: ErrInvalidState}
	}
	b, err = s.transition(ctx, b, StatusPendingAssignment, actor, "reopened")
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.New(events.BookingReopened, b.ID))
	return b, nil
}

func (s *Service) PickUp(ctx context.Context, id, driverID types.ID) (*Booking, error) {
	return s.driverStep(ctx, id, driverID, StatusPickedUp)
}

func (s *Service) StartTransit(ctx context.Context, id, driverID types.ID) (*Booking, error) {
	return s.driverStep(ctx, id, driverID, StatusInTransit)
}

// Deliver completes the booking and releases the driver atomically.
func (s *Service) Deliver(ctx context.Context, id, driverID types.ID) (*Booking, error) {
	return s.driverStep(ctx, id, driverID, StatusDelivered)
}

func (s *Service) driverStep(ctx context.Context, id, driverID types.ID, to Status) (*Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, b, to, Actor{Type: ActorDriver, ID: driverID}, "")
}

// Cancel ends a non-terminal booking; a held driver is released in the same write.
func (s *Service) Cancel(ctx context.Context, id types.ID, actor Actor, reason string) (*Booking, error) {
	b, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, b, StatusCancelled, actor, reason)
}

func (s *Service) transition(ctx context.Context, b *Booking, to Status, actor Actor, reason string) (*Booking, error) {
	if err := Authorize(b, to, actor); err != nil {
		return nil, err
	}
	t := Transition{
		BookingID: b.ID,
		From:      b.Status,
		To:        to,
		Version:   b.StatusVersion,
		Actor:     actor,
		Reason:    reason,
		At:        s.now().UTC(),
	}
	if b.Status.HoldsDriver() {
		t.DriverID = b.DriverID
	}
	ok, err := s.repo.Transition(ctx, t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrConflict
	}

	observability.Transitions.WithLabelValues(string(t.From), string(t.To)).Inc()
	s.log.WithFields(logrus.Fields{
		"booking_id": b.ID,
		"from":       t.From,
		"to":         t.To,
		"actor":      actor.Type,
	}).Info("booking transition")

	b.Status = to
	b.StatusVersion++
	b.StatusChangedAt = t.At
	if to == StatusCancelled {
		b.CancelReason = reason
	}
	s.publishStatus(ctx, b, t.From)
	return b, nil
}

// ApplyTracking writes the live projection; stale samples are ignored.
func (s *Service) ApplyTracking(ctx context.Context, id types.ID, u TrackingUpdate) (bool, error) {
	applied, err := s.repo.ApplyTracking(ctx, id, u)
	if err != nil || !applied {
		return applied, err
	}
	e := events.New(events.BookingTrackingUpdated, id)
	pos, km, eta := u.Position, u.RemainingKm, u.ETA
	e.Position, e.RemainingKm, e.ETA = &pos, &km, &eta
	s.publish(ctx, e)
	return true, nil
}

func (s *Service) EnableTracking(ctx context.Context, id types.ID, token string) error {
	return s.repo.EnableTracking(ctx, id, token)
}

func (s *Service) ActiveByDriver(ctx context.Context, driverID types.ID) ([]*Booking, error) {
	return s.repo.ActiveByDriver(ctx, driverID)
}

func (s *Service) ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Booking, error) {
	return s.repo.ListByStatus(ctx, status, before, limit)
}

func (s *Service) publishStatus(ctx context.Context, b *Booking, from Status) {
	e := events.New(events.BookingStatusChanged, b.ID)
	e.From, e.To = string(from), string(b.Status)
	e.DriverID = b.DriverID
	s.publish(ctx, e)
}

// publish is best effort: the booking row is the source of truth and the
// retry sweeper picks up bookings whose created event was lost.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"event":      e.Type,
			"booking_id": e.BookingID,
		}).Warn("event publish failed")
	}
}
