// README: Driver aggregate: vehicle, schedule, service areas, availability and position.
package driver

import (
	"time"

	"dispatch/internal/types"
)

type Availability string

const (
	AvailabilityAvailable Availability = "available"
	AvailabilityAssigned  Availability = "assigned"
	AvailabilityOffline   Availability = "offline"
)

func (a Availability) Valid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityAssigned, AvailabilityOffline:
		return true
	}
	return false
}

type Vehicle struct {
	Class      string     `json:"class"`
	CapacityKg float64    `json:"capacity_kg"`
	MaxSize    types.Size `json:"max_size"`
}

// Shift is a working window in minutes since midnight (UTC), End exclusive.
type Shift struct {
	StartMin int `json:"start_min"`
	EndMin   int `json:"end_min"`
}

func (s Shift) Valid() bool {
	return s.StartMin >= 0 && s.EndMin <= 24*60 && s.StartMin < s.EndMin
}

// Schedule maps a weekday to its shifts.
type Schedule map[time.Weekday][]Shift

type Driver struct {
	ID               types.ID
	Name             string
	Vehicle          Vehicle
	Schedule         Schedule
	ServiceAreas     []string
	Rating           float64
	Active           bool
	FragileCertified bool

	// Operational state, never overwritten by Upsert.
	Availability     Availability
	CurrentBookingID *types.ID
	CompletedCount   int
	ActiveCount      int
	Position         *types.Point
	PositionAt       *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Profile is the operator-editable part of a driver record.
type Profile struct {
	ID               types.ID
	Name             string
	Vehicle          Vehicle
	Schedule         Schedule
	ServiceAreas     []string
	Rating           float64
	Active           bool
	FragileCertified bool
}

// Apply overwrites profile fields and leaves availability, the current booking,
// counters and position untouched.
func (p Profile) Apply(d *Driver) {
	d.Name = p.Name
	d.Vehicle = p.Vehicle
	d.Schedule = p.Schedule
	d.ServiceAreas = p.ServiceAreas
	d.Rating = p.Rating
	d.Active = p.Active
	d.FragileCertified = p.FragileCertified
}

// Assignable reports whether the driver may be offered a new booking.
func (d *Driver) Assignable() bool {
	return d.Active && d.Availability == AvailabilityAvailable && d.CurrentBookingID == nil
}
