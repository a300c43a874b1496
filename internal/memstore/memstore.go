// README: In-memory persistence for bookings, drivers, hubs and the driver geo index.
// One mutex guards everything so a claim touches booking and driver atomically.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"dispatch/internal/geo"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/types"
)

type Store struct {
	mu       sync.Mutex
	bookings map[types.ID]*booking.Booking
	events   map[types.ID][]booking.Event
	drivers  map[types.ID]*driver.Driver
	hubs     map[types.ID]pricing.Hub
	geo      *GeoIndex
	eventSeq int64
}

func New() *Store {
	return &Store{
		bookings: make(map[types.ID]*booking.Booking),
		events:   make(map[types.ID][]booking.Event),
		drivers:  make(map[types.ID]*driver.Driver),
		hubs:     make(map[types.ID]pricing.Hub),
		geo:      &GeoIndex{members: make(map[types.ID]types.Point)},
	}
}

// Bookings exposes the booking repository view of the store.
func (s *Store) Bookings() *Bookings { return &Bookings{s} }

// Drivers exposes the driver repository view of the store.
func (s *Store) Drivers() *Drivers { return &Drivers{s} }

// GeoIndex exposes the driver geo index view of the store.
func (s *Store) GeoIndex() *GeoIndex { return s.geo }

func (s *Store) PutHub(h pricing.Hub) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hubs[h.ID] = h
}

func (s *Store) GetHub(_ context.Context, id types.ID) (pricing.Hub, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hubs[id]
	if !ok {
		return pricing.Hub{}, pricing.ErrHubNotFound
	}
	return h, nil
}

// Claim applies the assignment to booking and driver together or not at all.
func (s *Store) Claim(_ context.Context, c booking.Claim) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.bookings[c.BookingID]
	if !ok {
		return booking.ErrNotFound
	}
	if b.Status != booking.StatusPendingAssignment || b.StatusVersion != c.Version {
		return booking.ErrConflict
	}
	d, ok := s.drivers[c.DriverID]
	if !ok || !d.Assignable() {
		return driver.ErrUnavailable
	}

	id := b.ID
	d.Availability = driver.AvailabilityAssigned
	d.CurrentBookingID = &id
	d.ActiveCount++
	d.UpdatedAt = c.At

	driverID := d.ID
	at := c.At
	b.Status = booking.StatusAssigned
	b.StatusVersion++
	b.StatusChangedAt = c.At
	b.DriverID = &driverID
	b.AssignedAt = &at
	b.Assignment = booking.Assignment{Score: c.Score, Method: c.Method}

	s.appendEvent(booking.Event{
		BookingID:  b.ID,
		FromStatus: booking.StatusPendingAssignment,
		ToStatus:   booking.StatusAssigned,
		ActorType:  booking.ActorCoordinator,
		ActorID:    &driverID,
		Reason:     string(c.Method),
		CreatedAt:  c.At,
	})
	return nil
}

func (s *Store) appendEvent(e booking.Event) {
	s.eventSeq++
	e.ID = s.eventSeq
	s.events[e.BookingID] = append(s.events[e.BookingID], e)
}

type Bookings struct{ s *Store }

func (r *Bookings) Create(_ context.Context, b *booking.Booking) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cp := cloneBooking(b)
	r.s.bookings[b.ID] = cp
	requester := b.RequesterID
	r.s.appendEvent(booking.Event{
		BookingID:  b.ID,
		FromStatus: booking.StatusNone,
		ToStatus:   b.Status,
		ActorType:  booking.ActorRequester,
		ActorID:    &requester,
		Reason:     b.FareError,
		CreatedAt:  b.CreatedAt,
	})
	return nil
}

func (r *Bookings) Get(_ context.Context, id types.ID) (*booking.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bookings[id]
	if !ok {
		return nil, booking.ErrNotFound
	}
	return cloneBooking(b), nil
}

func (r *Bookings) Transition(_ context.Context, t booking.Transition) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bookings[t.BookingID]
	if !ok {
		return false, booking.ErrNotFound
	}
	if b.Status != t.From || b.StatusVersion != t.Version {
		return false, nil
	}
	b.Status = t.To
	b.StatusVersion++
	b.StatusChangedAt = t.At
	if t.To == booking.StatusCancelled {
		b.CancelReason = t.Reason
	}
	if t.ReleasesDriver() {
		if d, ok := r.s.drivers[*t.DriverID]; ok && d.CurrentBookingID != nil && *d.CurrentBookingID == b.ID {
			if d.Availability == driver.AvailabilityAssigned {
				d.Availability = driver.AvailabilityAvailable
			}
			d.CurrentBookingID = nil
			if d.ActiveCount > 0 {
				d.ActiveCount--
			}
			if t.To == booking.StatusDelivered {
				d.CompletedCount++
			}
			d.UpdatedAt = t.At
		}
	}
	var actorID *types.ID
	if t.Actor.ID != "" {
		id := t.Actor.ID
		actorID = &id
	}
	r.s.appendEvent(booking.Event{
		BookingID:  b.ID,
		FromStatus: t.From,
		ToStatus:   t.To,
		ActorType:  t.Actor.Type,
		ActorID:    actorID,
		Reason:     t.Reason,
		CreatedAt:  t.At,
	})
	return true, nil
}

func (r *Bookings) ApplyTracking(_ context.Context, id types.ID, u booking.TrackingUpdate) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bookings[id]
	if !ok || !b.Status.HoldsDriver() {
		return false, nil
	}
	if b.Tracking.SampleAt != nil && !b.Tracking.SampleAt.Before(u.SampleAt) {
		return false, nil
	}
	pos, at, km, eta := u.Position, u.SampleAt, u.RemainingKm, u.ETA
	b.Tracking.Position = &pos
	b.Tracking.SampleAt = &at
	b.Tracking.RemainingKm = &km
	b.Tracking.ETA = &eta
	return true, nil
}

func (r *Bookings) EnableTracking(_ context.Context, id types.ID, token string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	b, ok := r.s.bookings[id]
	if !ok {
		return booking.ErrNotFound
	}
	b.Tracking.Enabled = true
	b.Tracking.SessionToken = token
	return nil
}

func (r *Bookings) ActiveByDriver(_ context.Context, driverID types.ID) ([]*booking.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*booking.Booking
	for _, b := range r.s.bookings {
		if b.DriverID != nil && *b.DriverID == driverID && b.Status.HoldsDriver() {
			out = append(out, cloneBooking(b))
		}
	}
	sortBookings(out)
	return out, nil
}

// ListByStatus returns priced bookings in status whose last change is before `before`, oldest first.
func (r *Bookings) ListByStatus(_ context.Context, status booking.Status, before time.Time, limit int) ([]*booking.Booking, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*booking.Booking
	for _, b := range r.s.bookings {
		if b.Status == status && b.StatusChangedAt.Before(before) && b.FareError == "" {
			out = append(out, cloneBooking(b))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StatusChangedAt.Equal(out[j].StatusChangedAt) {
			return out[i].StatusChangedAt.Before(out[j].StatusChangedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Bookings) Events(_ context.Context, id types.ID) ([]booking.Event, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return append([]booking.Event(nil), r.s.events[id]...), nil
}

type Drivers struct{ s *Store }

func (r *Drivers) Get(_ context.Context, id types.ID) (*driver.Driver, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drivers[id]
	if !ok {
		return nil, driver.ErrNotFound
	}
	return cloneDriver(d), nil
}

func (r *Drivers) GetMany(_ context.Context, ids []types.ID) ([]*driver.Driver, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := make([]*driver.Driver, 0, len(ids))
	for _, id := range ids {
		if d, ok := r.s.drivers[id]; ok {
			out = append(out, cloneDriver(d))
		}
	}
	return out, nil
}

func (r *Drivers) Upsert(_ context.Context, p driver.Profile) (*driver.Driver, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	now := time.Now().UTC()
	d, ok := r.s.drivers[p.ID]
	if !ok {
		d = &driver.Driver{ID: p.ID, Availability: driver.AvailabilityOffline, CreatedAt: now}
		r.s.drivers[p.ID] = d
	}
	p.Apply(d)
	d.UpdatedAt = now
	return cloneDriver(d), nil
}

func (r *Drivers) SetAvailability(_ context.Context, id types.ID, to driver.Availability) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drivers[id]
	if !ok {
		return false, driver.ErrNotFound
	}
	if d.CurrentBookingID != nil || d.Availability == driver.AvailabilityAssigned {
		return false, nil
	}
	if !d.Active && to != driver.AvailabilityOffline {
		return false, nil
	}
	d.Availability = to
	d.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *Drivers) ListAssignable(_ context.Context, after types.ID, limit int) ([]*driver.Driver, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []*driver.Driver
	for id, d := range r.s.drivers {
		if id > after && d.Assignable() {
			out = append(out, cloneDriver(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Drivers) UpdatePosition(_ context.Context, id types.ID, p types.Point, at time.Time) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.drivers[id]
	if !ok {
		return false, driver.ErrNotFound
	}
	if d.PositionAt != nil && !d.PositionAt.Before(at) {
		return false, nil
	}
	pos := p
	ts := at
	d.Position = &pos
	d.PositionAt = &ts
	return true, nil
}

// GeoIndex filters indexed members by haversine distance.
type GeoIndex struct {
	mu      sync.Mutex
	members map[types.ID]types.Point
}

func (g *GeoIndex) Add(_ context.Context, id types.ID, p types.Point) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.members[id] = p
	return nil
}

func (g *GeoIndex) Remove(_ context.Context, id types.ID) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.members, id)
	return nil
}

func (g *GeoIndex) Nearby(_ context.Context, p types.Point, radiusKm float64, limit int) ([]types.ID, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	type hit struct {
		id types.ID
		km float64
	}
	var hits []hit
	for id, at := range g.members {
		if km := geo.HaversineKm(at, p); km <= radiusKm {
			hits = append(hits, hit{id: id, km: km})
		}
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].km != hits[j].km {
			return hits[i].km < hits[j].km
		}
		return hits[i].id < hits[j].id
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]types.ID, len(hits))
	for i, h := range hits {
		out[i] = h.id
	}
	return out, nil
}

func sortBookings(b []*booking.Booking) {
	sort.Slice(b, func(i, j int) bool { return b[i].ID < b[j].ID })
}

func cloneBooking(b *booking.Booking) *booking.Booking {
	cp := *b
	cp.Pickup = clonePtr(b.Pickup)
	cp.Dropoff = clonePtr(b.Dropoff)
	cp.DriverID = clonePtr(b.DriverID)
	cp.AssignedAt = clonePtr(b.AssignedAt)
	cp.Fare.Submitted = clonePtr(b.Fare.Submitted)
	cp.Tracking.Position = clonePtr(b.Tracking.Position)
	cp.Tracking.SampleAt = clonePtr(b.Tracking.SampleAt)
	cp.Tracking.RemainingKm = clonePtr(b.Tracking.RemainingKm)
	cp.Tracking.ETA = clonePtr(b.Tracking.ETA)
	return &cp
}

func cloneDriver(d *driver.Driver) *driver.Driver {
	cp := *d
	cp.CurrentBookingID = clonePtr(d.CurrentBookingID)
	cp.Position = clonePtr(d.Position)
	cp.PositionAt = clonePtr(d.PositionAt)
	cp.ServiceAreas = append([]string(nil), d.ServiceAreas...)
	if d.Schedule != nil {
		cp.Schedule = make(driver.Schedule, len(d.Schedule))
		for k, v := range d.Schedule {
			cp.Schedule[k] = append([]driver.Shift(nil), v...)
		}
	}
	return &cp
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
