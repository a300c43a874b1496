// README: Domain events exchanged between booking, assignment and tracking.
package events

import (
	"context"
	"time"

	"dispatch/internal/types"
)

type Type string

const (
	BookingCreated         Type = "booking.created"
	BookingReopened        Type = "booking.reopened"
	BookingStatusChanged   Type = "booking.status_changed"
	BookingTrackingUpdated Type = "booking.tracking_updated"
)

type Event struct {
	ID          string       `json:"id"`
	Type        Type         `json:"type"`
	BookingID   types.ID     `json:"booking_id"`
	From        string       `json:"from,omitempty"`
	To          string       `json:"to,omitempty"`
	DriverID    *types.ID    `json:"driver_id,omitempty"`
	Position    *types.Point `json:"position,omitempty"`
	RemainingKm *float64     `json:"remaining_km,omitempty"`
	ETA         *time.Time   `json:"eta,omitempty"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

func New(t Type, bookingID types.ID) Event {
	return Event{
		ID:         string(types.NewID()),
		Type:       t,
		BookingID:  bookingID,
		OccurredAt: time.Now().UTC(),
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Handler consumes one event. Delivery is at-least-once, so handlers must be idempotent.
type Handler func(ctx context.Context, e Event) error

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
