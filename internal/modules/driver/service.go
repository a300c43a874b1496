// README: Driver service: profile upsert, availability toggles and candidate lookup.
package driver

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"dispatch/internal/geo"
	"dispatch/internal/logging"
	"dispatch/internal/types"
)

var (
	ErrNotFound   = errors.New("driver not found")
	ErrBadRequest = errors.New("bad request")
	ErrDriverBusy = errors.New("driver holds an active booking")
	ErrInactive   = errors.New("driver account is inactive")
	// ErrUnavailable is returned by a claim that lost the driver to another booking.
	ErrUnavailable = errors.New("driver no longer available")
)

type Repository interface {
	Get(ctx context.Context, id types.ID) (*Driver, error)
	GetMany(ctx context.Context, ids []types.ID) ([]*Driver, error)
	Upsert(ctx context.Context, p Profile) (*Driver, error)
	SetAvailability(ctx context.Context, id types.ID, to Availability) (bool, error)
	UpdatePosition(ctx context.Context, id types.ID, p types.Point, at time.Time) (bool, error)
	// ListAssignable pages assignable drivers ordered by id, starting after the given id.
	ListAssignable(ctx context.Context, after types.ID, limit int) ([]*Driver, error)
}

type GeoIndex interface {
	Add(ctx context.Context, id types.ID, p types.Point) error
	Remove(ctx context.Context, id types.ID) error
	Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]types.ID, error)
}

type Service struct {
	repo      Repository
	geo       GeoIndex
	log       logrus.FieldLogger
	onOffline []func(types.ID)
}

func NewService(repo Repository, index GeoIndex, log logrus.FieldLogger) *Service {
	if log == nil {
		log = logging.Discard()
	}
	return &Service{repo: repo, geo: index, log: log}
}

// OnOffline registers fn to run after a driver is switched offline. Register
// during wiring, before the service handles requests.
func (s *Service) OnOffline(fn func(types.ID)) {
	s.onOffline = append(s.onOffline, fn)
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Driver, error) {
	return s.repo.Get(ctx, id)
}

// Upsert creates or updates the driver profile. Availability, the current
// booking, counters and position are preserved on update.
func (s *Service) Upsert(ctx context.Context, p Profile) (*Driver, error) {
	if err := validateProfile(&p); err != nil {
		return nil, err
	}
	d, err := s.repo.Upsert(ctx, p)
	if err != nil {
		return nil, err
	}
	if !d.Active && s.geo != nil {
		if err := s.geo.Remove(ctx, d.ID); err != nil {
			s.log.WithError(err).WithField("driver_id", d.ID).Warn("geo index remove failed")
		}
	}
	return d, nil
}

func validateProfile(p *Profile) error {
	if p.ID == "" || strings.TrimSpace(p.Name) == "" {
		return fmt.Errorf("%w: id and name are required", ErrBadRequest)
	}
	p.Vehicle.MaxSize = p.Vehicle.MaxSize.Normalize()
	if p.Vehicle.MaxSize.Rank() == 0 {
		return fmt.Errorf("%w: unknown max size %q", ErrBadRequest, p.Vehicle.MaxSize)
	}
	if p.Vehicle.CapacityKg <= 0 {
		return fmt.Errorf("%w: capacity must be positive", ErrBadRequest)
	}
	if p.Rating < 0 {
		return fmt.Errorf("%w: rating must be >= 0", ErrBadRequest)
	}
	for day, shifts := range p.Schedule {
		if day < time.Sunday || day > time.Saturday {
			return fmt.Errorf("%w: invalid weekday %d", ErrBadRequest, day)
		}
		for _, sh := range shifts {
			if !sh.Valid() {
				return fmt.Errorf("%w: invalid shift %+v", ErrBadRequest, sh)
			}
		}
	}
	for i, area := range p.ServiceAreas {
		p.ServiceAreas[i] = strings.ToLower(strings.TrimSpace(area))
	}
	return nil
}

// SetAvailability moves a driver between available and offline. A driver
// holding a booking cannot go offline; the booking must be delivered or
// cancelled first.
func (s *Service) SetAvailability(ctx context.Context, id types.ID, to Availability) error {
	if to != AvailabilityAvailable && to != AvailabilityOffline {
		return fmt.Errorf("%w: availability %q", ErrBadRequest, to)
	}
	ok, err := s.repo.SetAvailability(ctx, id, to)
	if err != nil {
		return err
	}
	if !ok {
		d, err := s.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if !d.Active && to == AvailabilityAvailable {
			return ErrInactive
		}
		return ErrDriverBusy
	}

	if to == AvailabilityOffline {
		for _, fn := range s.onOffline {
			fn(id)
		}
	}
	if s.geo == nil {
		return nil
	}
	if to == AvailabilityOffline {
		return s.geo.Remove(ctx, id)
	}
	d, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if d.Position != nil {
		return s.geo.Add(ctx, id, *d.Position)
	}
	return nil
}

// TrackPosition keeps the geo index in line with an accepted position sample.
func (s *Service) TrackPosition(ctx context.Context, id types.ID, p types.Point) error {
	if s.geo == nil {
		return nil
	}
	return s.geo.Add(ctx, id, p)
}

// UpdatePosition is the last-timestamp-wins position write used by ingestion.
func (s *Service) UpdatePosition(ctx context.Context, id types.ID, p types.Point, at time.Time) (bool, error) {
	return s.repo.UpdatePosition(ctx, id, p, at)
}

// Candidates returns up to limit assignable drivers accepted by keep whose
// service areas cover pickup. Drivers inside radiusKm come first, closest
// first. When none of them qualify, every assignable driver is considered:
// positioned ones by distance, then the rest by id. A nil keep accepts all.
func (s *Service) Candidates(ctx context.Context, pickup types.Point, radiusKm float64, limit int, keep func(*Driver) bool) ([]*Driver, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("%w: candidate limit must be positive", ErrBadRequest)
	}
	accept := func(d *Driver) bool {
		return d.Assignable() && geo.InAreas(pickup, d.ServiceAreas) && (keep == nil || keep(d))
	}

	out, err := s.nearby(ctx, pickup, radiusKm, limit, accept)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		if out, err = s.anywhere(ctx, limit, accept); err != nil {
			return nil, err
		}
	}
	sortByDistance(out, pickup)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// nearby widens the geo query until limit drivers pass accept or the radius
// holds no more members. Drivers stay indexed while busy, so the nearest
// slots may all be taken.
func (s *Service) nearby(ctx context.Context, pickup types.Point, radiusKm float64, limit int, accept func(*Driver) bool) ([]*Driver, error) {
	if s.geo == nil {
		return nil, nil
	}
	var out []*Driver
	seen := 0
	for count := limit * 2; ; count *= 2 {
		ids, err := s.geo.Nearby(ctx, pickup, radiusKm, count)
		if err != nil {
			return nil, fmt.Errorf("nearby drivers: %w", err)
		}
		if len(ids) > seen {
			drivers, err := s.repo.GetMany(ctx, ids[seen:])
			if err != nil {
				return nil, fmt.Errorf("load drivers: %w", err)
			}
			for _, d := range drivers {
				if d.Position != nil && accept(d) {
					out = append(out, d)
				}
			}
			seen = len(ids)
		}
		if len(out) >= limit || len(ids) < count {
			return out, nil
		}
	}
}

// anywhere pages through all assignable drivers by id.
func (s *Service) anywhere(ctx context.Context, limit int, accept func(*Driver) bool) ([]*Driver, error) {
	var out []*Driver
	var after types.ID
	page := limit * 2
	for {
		drivers, err := s.repo.ListAssignable(ctx, after, page)
		if err != nil {
			return nil, fmt.Errorf("list assignable drivers: %w", err)
		}
		for _, d := range drivers {
			if accept(d) {
				out = append(out, d)
				if len(out) == limit {
					return out, nil
				}
			}
		}
		if len(drivers) < page {
			return out, nil
		}
		after = drivers[len(drivers)-1].ID
	}
}

func sortByDistance(drivers []*Driver, pickup types.Point) {
	geo.SortByDistance(drivers, func(d *Driver) float64 {
		if d.Position == nil {
			return math.Inf(1)
		}
		return geo.HaversineKm(*d.Position, pickup)
	})
}
