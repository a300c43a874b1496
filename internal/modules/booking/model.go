// README: Booking aggregate, status definitions and the transition table.
package booking

import (
	"errors"
	"fmt"
	"time"

	"dispatch/internal/modules/pricing"
	"dispatch/internal/types"
)

type Status string

const (
	StatusNone              Status = "none"
	StatusCreated           Status = "created"
	StatusPendingAssignment Status = "pending_assignment"
	StatusAssignmentFailed  Status = "assignment_failed"
	StatusAssigned          Status = "assigned"
	StatusPickedUp          Status = "picked_up"
	StatusInTransit         Status = "in_transit"
	StatusDelivered         Status = "delivered"
	StatusCancelled         Status = "cancelled"
)

// AllowedTransitions represents the booking state flow as code.
var AllowedTransitions = map[Status][]Status{
	StatusCreated:           {StatusPendingAssignment, StatusCancelled},
	StatusPendingAssignment: {StatusAssigned, StatusAssignmentFailed, StatusCancelled},
	StatusAssignmentFailed:  {StatusPendingAssignment, StatusCancelled},
	StatusAssigned:          {StatusPickedUp, StatusCancelled},
	StatusPickedUp:          {StatusInTransit, StatusCancelled},
	StatusInTransit:         {StatusDelivered, StatusCancelled},
}

func CanTransition(from, to Status) bool {
	next, ok := AllowedTransitions[from]
	if !ok {
		return false
	}
	for _, s := range next {
		if s == to {
			return true
		}
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// HoldsDriver reports whether a booking in this status owns its driver.
func (s Status) HoldsDriver() bool {
	return s == StatusAssigned || s == StatusPickedUp || s == StatusInTransit
}

// ActiveStatuses are the statuses that receive live tracking updates.
var ActiveStatuses = []Status{StatusAssigned, StatusPickedUp, StatusInTransit}

type ActorType string

const (
	ActorRequester   ActorType = "requester"
	ActorDriver      ActorType = "driver"
	ActorCoordinator ActorType = "coordinator"
	ActorOperator    ActorType = "operator"
	ActorSystem      ActorType = "system"
)

type Actor struct {
	Type ActorType
	ID   types.ID
}

type AssignmentMethod string

const (
	MethodAuto   AssignmentMethod = "auto"
	MethodManual AssignmentMethod = "manual"
)

type Fare struct {
	Submitted  *types.Money
	Server     types.Money
	Commission types.Money
	Payout     types.Money
	Mismatch   bool
}

type Assignment struct {
	Score  float64
	Method AssignmentMethod
}

// Tracking is the derived live projection; history lives with the location samples.
type Tracking struct {
	Enabled      bool
	SessionToken string
	Position     *types.Point
	SampleAt     *time.Time
	RemainingKm  *float64
	ETA          *time.Time
}

type Booking struct {
	ID              types.ID
	RequesterID     types.ID
	Kind            pricing.Kind
	Pickup          *types.Point
	Dropoff         *types.Point
	PickupHubID     types.ID
	DropoffHubID    types.ID
	Package         types.Package
	Fare            Fare
	FareError       string
	Status          Status
	StatusVersion   int
	DriverID        *types.ID
	Assignment      Assignment
	Tracking        Tracking
	CancelReason    string
	CreatedAt       time.Time
	AssignedAt      *time.Time
	StatusChangedAt time.Time
}

// Priced reports whether the fare engine finalized the money block.
func (b *Booking) Priced() bool {
	return b.FareError == "" && b.Fare.Server.Amount > 0
}

type Event struct {
	ID         int64
	BookingID  types.ID
	FromStatus Status
	ToStatus   Status
	ActorType  ActorType
	ActorID    *types.ID
	Reason     string
	CreatedAt  time.Time
}

// Transition is one conditional status change. Version is the status_version
// the caller read; the write only applies if it still matches.
type Transition struct {
	BookingID types.ID
	From      Status
	To        Status
	Version   int
	Actor     Actor
	Reason    string
	At        time.Time
	// DriverID is the driver released when a driver-holding booking ends.
	DriverID *types.ID
}

// ReleasesDriver reports whether applying t must free the booking's driver.
func (t Transition) ReleasesDriver() bool {
	return t.DriverID != nil && t.From.HoldsDriver() && t.To.Terminal()
}

// Claim binds a pending booking to a driver. It applies only when the booking
// is still pending at Version and the driver is still free.
type Claim struct {
	BookingID types.ID
	Version   int
	DriverID  types.ID
	Score     float64
	Method    AssignmentMethod
	At        time.Time
}

type TrackingUpdate struct {
	Position    types.Point
	SampleAt    time.Time
	RemainingKm float64
	ETA         time.Time
}

// TransitionError reports a rejected transition with the current and attempted state.
type TransitionError struct {
	From  Status
	To    Status
	Actor ActorType
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("booking cannot move from %s to %s (actor %s): %v", e.From, e.To, e.Actor, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

var (
	ErrInvalidState    = errors.New("invalid state transition")
	ErrActorNotAllowed = errors.New("actor not allowed to perform transition")
)

// Authorize checks the actor rules of the state machine for b moving to `to`.
func Authorize(b *Booking, to Status, actor Actor) error {
	if !CanTransition(b.Status, to) {
		return &TransitionError{From: b.Status, To: to, Actor: actor.Type, Err: ErrInvalidState}
	}
	allowed := false
	switch to {
	case StatusAssigned:
		allowed = actor.Type == ActorCoordinator
	case StatusPendingAssignment:
		allowed = actor.Type == ActorCoordinator || actor.Type == ActorSystem || actor.Type == ActorOperator
	case StatusAssignmentFailed:
		allowed = actor.Type == ActorCoordinator || actor.Type == ActorSystem
	case StatusPickedUp, StatusInTransit, StatusDelivered:
		allowed = actor.Type == ActorDriver && isDriver(b, actor.ID)
	case StatusCancelled:
		switch actor.Type {
		case ActorOperator, ActorSystem:
			allowed = true
		case ActorRequester:
			allowed = actor.ID != "" && actor.ID == b.RequesterID
		}
	}
	if !allowed {
		return &TransitionError{From: b.Status, To: to, Actor: actor.Type, Err: ErrActorNotAllowed}
	}
	return nil
}

func isDriver(b *Booking, id types.ID) bool {
	return b.DriverID != nil && id != "" && *b.DriverID == id
}
