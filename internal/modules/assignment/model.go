// README: Assignment coordinator errors, collaborator contracts and results.
package assignment

import (
	"context"
	"errors"
	"time"

	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/scoring"
	"dispatch/internal/types"
)

var (
	ErrNoEligibleDriver = errors.New("no eligible driver")
	ErrNotPending       = errors.New("booking is not awaiting assignment")
	ErrIncompatible     = errors.New("driver vehicle cannot carry the package")
	// ErrDriverUnavailable means the claim lost the driver; the next candidate is tried.
	ErrDriverUnavailable = driver.ErrUnavailable
	// ErrBookingChanged means the booking moved on during the claim; assignment stops.
	ErrBookingChanged = booking.ErrConflict
)

type Bookings interface {
	Get(ctx context.Context, id types.ID) (*booking.Booking, error)
	RequestAssignment(ctx context.Context, id types.ID, actor booking.Actor) (*booking.Booking, error)
	MarkAssignmentFailed(ctx context.Context, id types.ID, reason string) (*booking.Booking, error)
	Reopen(ctx context.Context, id types.ID, actor booking.Actor) (*booking.Booking, error)
	ListByStatus(ctx context.Context, status booking.Status, before time.Time, limit int) ([]*booking.Booking, error)
}

type Drivers interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	Candidates(ctx context.Context, pickup types.Point, radiusKm float64, limit int, keep func(*driver.Driver) bool) ([]*driver.Driver, error)
}

// Claimer commits booking and driver together: both guarded writes succeed or neither does.
type Claimer interface {
	Claim(ctx context.Context, c booking.Claim) error
}

type Result struct {
	BookingID types.ID                 `json:"booking_id"`
	DriverID  types.ID                 `json:"driver_id"`
	Method    booking.AssignmentMethod `json:"method"`
	Score     scoring.Result           `json:"score"`
	// Attempts counts claims tried, including the winning one.
	Attempts int `json:"attempts"`
}
