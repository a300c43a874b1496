// README: JSON request and response shapes for the HTTP API.
package handlers

import (
	"time"

	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/types"
)

type createBookingReq struct {
	Kind          pricing.Kind  `json:"kind"`
	Pickup        *types.Point  `json:"pickup"`
	Dropoff       *types.Point  `json:"dropoff"`
	PickupHubID   string        `json:"pickup_hub_id"`
	DropoffHubID  string        `json:"dropoff_hub_id"`
	Package       types.Package `json:"package"`
	SubmittedFare *types.Money  `json:"submitted_fare"`
}

type fareResp struct {
	Submitted  *types.Money `json:"submitted,omitempty"`
	Server     types.Money  `json:"server"`
	Commission types.Money  `json:"commission"`
	Payout     types.Money  `json:"payout"`
	Mismatch   bool         `json:"mismatch"`
}

type trackingResp struct {
	Enabled     bool         `json:"enabled"`
	Position    *types.Point `json:"position,omitempty"`
	SampleAt    *time.Time   `json:"sample_at,omitempty"`
	RemainingKm *float64     `json:"remaining_km,omitempty"`
	ETA         *time.Time   `json:"eta,omitempty"`
}

type bookingResp struct {
	ID               types.ID                 `json:"id"`
	RequesterID      types.ID                 `json:"requester_id"`
	Kind             pricing.Kind             `json:"kind"`
	Pickup           *types.Point             `json:"pickup,omitempty"`
	Dropoff          *types.Point             `json:"dropoff,omitempty"`
	PickupHubID      types.ID                 `json:"pickup_hub_id,omitempty"`
	DropoffHubID     types.ID                 `json:"dropoff_hub_id,omitempty"`
	Package          types.Package            `json:"package"`
	Fare             *fareResp                `json:"fare,omitempty"`
	FareError        string                   `json:"fare_error,omitempty"`
	Status           booking.Status           `json:"status"`
	StatusVersion    int                      `json:"status_version"`
	DriverID         *types.ID                `json:"driver_id,omitempty"`
	AssignmentScore  float64                  `json:"assignment_score,omitempty"`
	AssignmentMethod booking.AssignmentMethod `json:"assignment_method,omitempty"`
	Tracking         trackingResp             `json:"tracking"`
	CancelReason     string                   `json:"cancel_reason,omitempty"`
	CreatedAt        time.Time                `json:"created_at"`
	AssignedAt       *time.Time               `json:"assigned_at,omitempty"`
	StatusChangedAt  time.Time                `json:"status_changed_at"`
}

func toBookingResp(b *booking.Booking) bookingResp {
	r := bookingResp{
		ID:               b.ID,
		RequesterID:      b.RequesterID,
		Kind:             b.Kind,
		Pickup:           b.Pickup,
		Dropoff:          b.Dropoff,
		PickupHubID:      b.PickupHubID,
		DropoffHubID:     b.DropoffHubID,
		Package:          b.Package,
		FareError:        b.FareError,
		Status:           b.Status,
		StatusVersion:    b.StatusVersion,
		DriverID:         b.DriverID,
		AssignmentScore:  b.Assignment.Score,
		AssignmentMethod: b.Assignment.Method,
		Tracking: trackingResp{
			Enabled:     b.Tracking.Enabled,
			Position:    b.Tracking.Position,
			SampleAt:    b.Tracking.SampleAt,
			RemainingKm: b.Tracking.RemainingKm,
			ETA:         b.Tracking.ETA,
		},
		CancelReason:    b.CancelReason,
		CreatedAt:       b.CreatedAt,
		AssignedAt:      b.AssignedAt,
		StatusChangedAt: b.StatusChangedAt,
	}
	if b.Priced() {
		r.Fare = &fareResp{
			Submitted:  b.Fare.Submitted,
			Server:     b.Fare.Server,
			Commission: b.Fare.Commission,
			Payout:     b.Fare.Payout,
			Mismatch:   b.Fare.Mismatch,
		}
	}
	return r
}

type upsertDriverReq struct {
	Name             string          `json:"name"`
	Vehicle          driver.Vehicle  `json:"vehicle"`
	Schedule         driver.Schedule `json:"schedule"`
	ServiceAreas     []string        `json:"service_areas"`
	Rating           float64         `json:"rating"`
	Active           *bool           `json:"active"`
	FragileCertified bool            `json:"fragile_certified"`
}

type driverResp struct {
	ID               types.ID            `json:"id"`
	Name             string              `json:"name"`
	Vehicle          driver.Vehicle      `json:"vehicle"`
	Schedule         driver.Schedule     `json:"schedule,omitempty"`
	ServiceAreas     []string            `json:"service_areas,omitempty"`
	Rating           float64             `json:"rating"`
	Active           bool                `json:"active"`
	FragileCertified bool                `json:"fragile_certified"`
	Availability     driver.Availability `json:"availability"`
	CurrentBookingID *types.ID           `json:"current_booking_id,omitempty"`
	CompletedCount   int                 `json:"completed_count"`
	Position         *types.Point        `json:"position,omitempty"`
	PositionAt       *time.Time          `json:"position_at,omitempty"`
}

func toDriverResp(d *driver.Driver) driverResp {
	return driverResp{
		ID:               d.ID,
		Name:             d.Name,
		Vehicle:          d.Vehicle,
		Schedule:         d.Schedule,
		ServiceAreas:     d.ServiceAreas,
		Rating:           d.Rating,
		Active:           d.Active,
		FragileCertified: d.FragileCertified,
		Availability:     d.Availability,
		CurrentBookingID: d.CurrentBookingID,
		CompletedCount:   d.CompletedCount,
		Position:         d.Position,
		PositionAt:       d.PositionAt,
	}
}

type availabilityReq struct {
	Availability driver.Availability `json:"availability"`
}

type locationReq struct {
	Lat        float64   `json:"lat"`
	Lng        float64   `json:"lng"`
	AccuracyM  float64   `json:"accuracy_m"`
	Heading    *float64  `json:"heading"`
	SpeedMps   *float64  `json:"speed_mps"`
	Battery    *int      `json:"battery_pct"`
	CapturedAt time.Time `json:"captured_at"`
	BookingID  string    `json:"booking_id"`
}

type cancelReq struct {
	Reason string `json:"reason"`
}

type manualAssignReq struct {
	DriverID string `json:"driver_id"`
}
