// README: Pricing service computes authoritative fares, commission and payout.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"math"

	"dispatch/internal/config"
	"dispatch/internal/geo"
	"dispatch/internal/types"
)

var (
	ErrInvalidGeometry  = errors.New("invalid or missing geometry")
	ErrUnresolvableHub  = errors.New("unresolvable hub reference")
	ErrInvalidPackage   = errors.New("invalid package attributes")
	ErrUnsupportedKind  = errors.New("unsupported delivery kind")
	errHubNotConfigured = errors.New("hub resolver not configured")
)

// maxWeightKg bounds package weight; anything heavier is a data error, not freight.
const maxWeightKg = 1000

// hubRoundingUnit is the currency step hub fares are rounded to.
const hubRoundingUnit = 100

type HubResolver interface {
	GetHub(ctx context.Context, id types.ID) (Hub, error)
}

type Service struct {
	hubs HubResolver
	cfg  config.PricingConfig
}

func NewService(hubs HubResolver, cfg config.PricingConfig) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{hubs: hubs, cfg: cfg}, nil
}

func (s *Service) Config() config.PricingConfig {
	return s.cfg
}

// IsInputError reports whether err means the request itself cannot be priced.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInvalidGeometry) || errors.Is(err, ErrUnresolvableHub) ||
		errors.Is(err, ErrInvalidPackage) || errors.Is(err, ErrUnsupportedKind)
}

// Quote resolves the trip distance and prices it.
func (s *Service) Quote(ctx context.Context, req Request) (Quote, error) {
	var from, to types.Point
	switch req.Kind {
	case KindDirect:
		if req.Pickup == nil || req.Dropoff == nil || !geo.ValidPoint(*req.Pickup) || !geo.ValidPoint(*req.Dropoff) {
			return Quote{}, ErrInvalidGeometry
		}
		from, to = *req.Pickup, *req.Dropoff
	case KindHub:
		fromHub, err := s.resolveHub(ctx, req.PickupHubID)
		if err != nil {
			return Quote{}, err
		}
		toHub, err := s.resolveHub(ctx, req.DropoffHubID)
		if err != nil {
			return Quote{}, err
		}
		from, to = fromHub.Location, toHub.Location
	default:
		return Quote{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, req.Kind)
	}
	q, err := s.Compute(req.Kind, geo.HaversineKm(from, to), req.Package)
	if err != nil {
		return Quote{}, err
	}
	q.Pickup, q.Dropoff = from, to
	return q, nil
}

func (s *Service) resolveHub(ctx context.Context, id types.ID) (Hub, error) {
	if id == "" {
		return Hub{}, fmt.Errorf("%w: empty hub id", ErrUnresolvableHub)
	}
	if s.hubs == nil {
		return Hub{}, fmt.Errorf("%w: %v", ErrUnresolvableHub, errHubNotConfigured)
	}
	hub, err := s.hubs.GetHub(ctx, id)
	if errors.Is(err, ErrHubNotFound) {
		return Hub{}, fmt.Errorf("%w: %s", ErrUnresolvableHub, id)
	}
	if err != nil {
		return Hub{}, err
	}
	if !geo.ValidPoint(hub.Location) {
		return Hub{}, fmt.Errorf("%w: hub %s has no location", ErrInvalidGeometry, id)
	}
	return hub, nil
}

// Compute is the pure fare function: identical inputs give identical quotes.
func (s *Service) Compute(kind Kind, distanceKm float64, pkg types.Package) (Quote, error) {
	if distanceKm < 0 || math.IsNaN(distanceKm) || math.IsInf(distanceKm, 0) {
		return Quote{}, ErrInvalidGeometry
	}
	mult, err := s.sizeMultiplier(pkg)
	if err != nil {
		return Quote{}, err
	}

	base := s.cfg.BaseDirect
	if kind == KindHub {
		base = s.cfg.BaseHub
	} else if kind != KindDirect {
		return Quote{}, fmt.Errorf("%w: %q", ErrUnsupportedKind, kind)
	}

	breakdown := map[string]float64{
		"base":     base,
		"distance": distanceKm * s.cfg.PerKm,
		"weight":   pkg.WeightKg * s.cfg.PerKg * mult,
	}
	if pkg.Fragile {
		breakdown["fragile"] = s.cfg.FragileFee
	}
	raw := breakdown["base"] + breakdown["distance"] + breakdown["weight"] + breakdown["fragile"]

	var fare int64
	if kind == KindDirect {
		fare = int64(math.Round(math.Max(raw, s.cfg.MinimumFare)))
	} else {
		discounted := raw * s.cfg.HubDiscount
		breakdown["discount"] = discounted - raw
		fare = int64(math.Round(discounted/hubRoundingUnit)) * hubRoundingUnit
		if fare < hubRoundingUnit {
			fare = hubRoundingUnit
		}
	}

	commission := int64(math.Round(float64(fare) * s.cfg.CommissionRate))
	return Quote{
		Kind:       kind,
		DistanceKm: distanceKm,
		Fare:       s.money(fare),
		Commission: s.money(commission),
		Payout:     s.money(fare - commission),
		Breakdown:  breakdown,
	}, nil
}

func (s *Service) sizeMultiplier(pkg types.Package) (float64, error) {
	if pkg.WeightKg <= 0 || pkg.WeightKg > maxWeightKg || math.IsNaN(pkg.WeightKg) {
		return 0, fmt.Errorf("%w: weight %.2fkg", ErrInvalidPackage, pkg.WeightKg)
	}
	mult, ok := s.cfg.SizeMultipliers[string(pkg.Size.Normalize())]
	if !ok {
		return 0, fmt.Errorf("%w: unknown size %q", ErrInvalidPackage, pkg.Size)
	}
	return mult, nil
}

// IsMismatch applies the configured tolerance to a submitted fare.
func (s *Service) IsMismatch(q Quote, submitted *types.Money) bool {
	return q.Differs(submitted, s.cfg.MismatchTolerance)
}

func (s *Service) money(amount int64) types.Money {
	return types.Money{Amount: amount, Currency: s.cfg.Currency}
}
