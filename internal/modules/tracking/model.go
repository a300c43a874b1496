// README: Shareable read-only tracking sessions bound to one booking.
package tracking

import (
	"errors"
	"time"

	"dispatch/internal/modules/booking"
	"dispatch/internal/types"
)

var (
	ErrNotFound  = errors.New("tracking session not found")
	ErrExpired   = errors.New("tracking session expired")
	ErrClosed    = errors.New("booking is closed")
	ErrForbidden = errors.New("not allowed to revoke this tracking session")
)

// Session is an unauthenticated capability to read one booking until ExpiresAt.
type Session struct {
	Token        string     `json:"token"`
	BookingID    types.ID   `json:"booking_id"`
	CreatorID    types.ID   `json:"creator_id"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	AccessCount  int64      `json:"access_count"`
	LastAccessAt *time.Time `json:"last_access_at,omitempty"`
}

// Readable reports whether the session may be read at now. ExpiresAt itself is
// still inside the window.
func (s Session) Readable(now time.Time) bool {
	return !now.After(s.ExpiresAt)
}

// View is what a token holder sees. It carries no money or requester data.
type View struct {
	BookingID       types.ID       `json:"booking_id"`
	Status          booking.Status `json:"status"`
	Pickup          *types.Point   `json:"pickup,omitempty"`
	Dropoff         *types.Point   `json:"dropoff,omitempty"`
	DriverAssigned  bool           `json:"driver_assigned"`
	Position        *types.Point   `json:"position,omitempty"`
	SampleAt        *time.Time     `json:"sample_at,omitempty"`
	RemainingKm     *float64       `json:"remaining_km,omitempty"`
	ETA             *time.Time     `json:"eta,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	AssignedAt      *time.Time     `json:"assigned_at,omitempty"`
	StatusChangedAt time.Time      `json:"status_changed_at"`
	ExpiresAt       time.Time      `json:"expires_at"`
}

func newView(b *booking.Booking, s Session) View {
	return View{
		BookingID:       b.ID,
		Status:          b.Status,
		Pickup:          b.Pickup,
		Dropoff:         b.Dropoff,
		DriverAssigned:  b.DriverID != nil,
		Position:        b.Tracking.Position,
		SampleAt:        b.Tracking.SampleAt,
		RemainingKm:     b.Tracking.RemainingKm,
		ETA:             b.Tracking.ETA,
		CreatedAt:       b.CreatedAt,
		AssignedAt:      b.AssignedAt,
		StatusChangedAt: b.StatusChangedAt,
		ExpiresAt:       s.ExpiresAt,
	}
}
