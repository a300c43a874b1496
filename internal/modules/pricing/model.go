// README: Fare engine inputs and outputs.
package pricing

import (
	"math"

	"dispatch/internal/types"
)

type Kind string

const (
	KindDirect Kind = "direct"
	KindHub    Kind = "hub"
)

// Hub is a fixed collection point used by hub-to-hub deliveries.
type Hub struct {
	ID       types.ID
	Name     string
	Location types.Point
}

// Request carries the raw trip attributes a fare is derived from.
// Direct deliveries use Pickup/Dropoff, hub deliveries use the hub ids.
type Request struct {
	Kind         Kind
	Pickup       *types.Point
	Dropoff      *types.Point
	PickupHubID  types.ID
	DropoffHubID types.ID
	Package      types.Package
}

type Quote struct {
	Kind       Kind
	DistanceKm float64
	// Pickup and Dropoff are the resolved endpoints (hub locations for hub kind).
	Pickup     types.Point
	Dropoff    types.Point
	Fare       types.Money
	Commission types.Money
	Payout     types.Money
	Breakdown  map[string]float64
}

// Differs reports whether a client-submitted fare is outside tolerance of the quote.
func (q Quote) Differs(submitted *types.Money, tolerance int64) bool {
	if submitted == nil {
		return false
	}
	if submitted.Currency != "" && submitted.Currency != q.Fare.Currency {
		return true
	}
	diff := submitted.Amount - q.Fare.Amount
	return int64(math.Abs(float64(diff))) > tolerance
}
