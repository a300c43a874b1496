// README: Coordinator tests: ranking, failure path, manual override and claim contention (run with -race).
package assignment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/events"
	"dispatch/internal/memstore"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/modules/scoring"
	"dispatch/internal/types"
)

var (
	pickup  = types.Point{Lat: 43.2380, Lng: 76.8890}
	dropoff = types.Point{Lat: 43.2567, Lng: 76.9286}
	box     = types.Package{WeightKg: 4, Size: types.SizeSmall}
)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type env struct {
	store    *memstore.Store
	bookings *booking.Service
	drivers  *driver.Service
	coord    *Coordinator
	pub      *recorder
}

func newEnv(t *testing.T, claimer Claimer) *env {
	t.Helper()
	store := memstore.New()
	cfg := config.Default()
	fares, err := pricing.NewService(store, cfg.Pricing)
	if err != nil {
		t.Fatal(err)
	}
	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		t.Fatal(err)
	}
	pub := &recorder{}
	bookings := booking.NewService(store.Bookings(), fares, pub, nil)
	drivers := driver.NewService(store.Drivers(), store.GeoIndex(), nil)
	if claimer == nil {
		claimer = store
	}
	return &env{
		store:    store,
		bookings: bookings,
		drivers:  drivers,
		coord:    NewCoordinator(bookings, drivers, claimer, scorer, pub, cfg.Assignment, nil),
		pub:      pub,
	}
}

// addDriver registers an available driver offsetKm north of the pickup.
func (e *env) addDriver(t *testing.T, id types.ID, offsetKm float64, capacityKg float64) {
	t.Helper()
	ctx := context.Background()
	if _, err := e.drivers.Upsert(ctx, driver.Profile{
		ID: id, Name: string(id), Active: true, Rating: 4,
		Vehicle: driver.Vehicle{Class: "car", CapacityKg: capacityKg, MaxSize: types.SizeMedium},
	}); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	pos := types.Point{Lat: pickup.Lat + offsetKm/111.0, Lng: pickup.Lng}
	if _, err := e.drivers.UpdatePosition(ctx, id, pos, time.Now()); err != nil {
		t.Fatalf("position %s: %v", id, err)
	}
	if err := e.drivers.SetAvailability(ctx, id, driver.AvailabilityAvailable); err != nil {
		t.Fatalf("availability %s: %v", id, err)
	}
}

func (e *env) newBooking(t *testing.T) types.ID {
	t.Helper()
	b, err := e.bookings.Create(context.Background(), booking.CreateCommand{
		RequesterID: "r1", Pickup: &pickup, Dropoff: &dropoff, Package: box,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	return b.ID
}

func TestAssign_PicksHighestScore(t *testing.T) {
	e := newEnv(t, nil)
	e.addDriver(t, "far", 6, 100)
	e.addDriver(t, "near", 0.5, 100)
	id := e.newBooking(t)

	res, err := e.coord.Assign(context.Background(), id)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "near" || res.Method != booking.MethodAuto {
		t.Fatalf("result = %+v, want near/auto", res)
	}

	b, _ := e.bookings.Get(context.Background(), id)
	if b.Status != booking.StatusAssigned || b.DriverID == nil || *b.DriverID != "near" {
		t.Fatalf("booking not assigned to near: %s %v", b.Status, b.DriverID)
	}
	if b.Assignment.Score != res.Score.Total || b.AssignedAt == nil {
		t.Errorf("assignment record = %+v", b.Assignment)
	}
	d, _ := e.drivers.Get(context.Background(), "near")
	if d.Availability != driver.AvailabilityAssigned || d.CurrentBookingID == nil || *d.CurrentBookingID != id || d.ActiveCount != 1 {
		t.Errorf("driver state = %+v", d)
	}
	other, _ := e.drivers.Get(context.Background(), "far")
	if other.Availability != driver.AvailabilityAvailable {
		t.Errorf("unchosen driver touched: %s", other.Availability)
	}
}

func TestAssign_NoEligibleDriver(t *testing.T) {
	e := newEnv(t, nil)
	e.addDriver(t, "tiny", 0.2, 1) // cannot carry 4kg
	id := e.newBooking(t)

	_, err := e.coord.Assign(context.Background(), id)
	if !errors.Is(err, ErrNoEligibleDriver) {
		t.Fatalf("err = %v, want ErrNoEligibleDriver", err)
	}
	b, _ := e.bookings.Get(context.Background(), id)
	if b.Status != booking.StatusAssignmentFailed || b.DriverID != nil {
		t.Errorf("booking = %s driver=%v", b.Status, b.DriverID)
	}
	d, _ := e.drivers.Get(context.Background(), "tiny")
	if d.Availability != driver.AvailabilityAvailable || d.ActiveCount != 0 {
		t.Errorf("driver touched on failure: %+v", d)
	}
}

func TestAssign_BusyNearbyDriversDoNotHideFreeOne(t *testing.T) {
	e := newEnv(t, nil)
	e.coord.cfg.CandidateLimit = 2
	ctx := context.Background()
	e.addDriver(t, "busy1", 0.2, 100)
	e.addDriver(t, "busy2", 0.3, 100)
	e.addDriver(t, "free", 3, 100)
	for _, d := range []types.ID{"busy1", "busy2"} {
		if _, err := e.coord.AssignManual(ctx, e.newBooking(t), d, "op1"); err != nil {
			t.Fatalf("occupy %s: %v", d, err)
		}
	}

	id := e.newBooking(t)
	res, err := e.coord.Assign(ctx, id)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "free" {
		t.Fatalf("driver = %s, want free", res.DriverID)
	}
}

func TestAssign_DriverBeyondRadiusStillEligible(t *testing.T) {
	e := newEnv(t, nil)
	e.addDriver(t, "distant", 15, 100)
	id := e.newBooking(t)

	res, err := e.coord.Assign(context.Background(), id)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "distant" || res.Score.Breakdown.Proximity != 0 {
		t.Fatalf("result = %+v, want distant with zero proximity", res)
	}
	b, _ := e.bookings.Get(context.Background(), id)
	if b.Status != booking.StatusAssigned {
		t.Errorf("status = %s", b.Status)
	}
}

func TestAssign_NearbyIncompatibleFallsBackToFarther(t *testing.T) {
	e := newEnv(t, nil)
	e.addDriver(t, "tiny", 0.2, 1)
	e.addDriver(t, "van", 25, 100)
	id := e.newBooking(t)

	res, err := e.coord.Assign(context.Background(), id)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "van" {
		t.Fatalf("driver = %s, want van", res.DriverID)
	}
}

func TestAssign_ReplayIsNoop(t *testing.T) {
	e := newEnv(t, nil)
	e.addDriver(t, "d1", 1, 100)
	id := e.newBooking(t)

	if _, err := e.coord.Assign(context.Background(), id); err != nil {
		t.Fatal(err)
	}
	if _, err := e.coord.Assign(context.Background(), id); !errors.Is(err, ErrNotPending) {
		t.Fatalf("replay err = %v, want ErrNotPending", err)
	}
	if err := e.coord.HandleEvent(context.Background(), events.New(events.BookingCreated, id)); err != nil {
		t.Fatalf("replayed event should be acknowledged, got %v", err)
	}
}

type scriptedClaimer struct {
	mu    sync.Mutex
	next  Claimer
	fail  map[types.ID]error
	calls []types.ID
}

func (s *scriptedClaimer) Claim(ctx context.Context, c booking.Claim) error {
	s.mu.Lock()
	s.calls = append(s.calls, c.DriverID)
	err := s.fail[c.DriverID]
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return s.next.Claim(ctx, c)
}

func TestAssign_TakenDriverFallsThrough(t *testing.T) {
	claimer := &scriptedClaimer{fail: map[types.ID]error{"best": ErrDriverUnavailable}}
	e := newEnv(t, claimer)
	claimer.next = e.store
	e.addDriver(t, "best", 0.2, 100)
	e.addDriver(t, "second", 2, 100)
	id := e.newBooking(t)

	res, err := e.coord.Assign(context.Background(), id)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if res.DriverID != "second" || res.Attempts != 2 {
		t.Fatalf("result = %+v, want second after 2 attempts", res)
	}
}

func TestAssign_BookingChangedStops(t *testing.T) {
	claimer := &scriptedClaimer{fail: map[types.ID]error{"best": ErrBookingChanged}}
	e := newEnv(t, claimer)
	claimer.next = e.store
	e.addDriver(t, "best", 0.2, 100)
	e.addDriver(t, "second", 2, 100)
	id := e.newBooking(t)

	if _, err := e.coord.Assign(context.Background(), id); !errors.Is(err, booking.ErrConflict) {
		t.Fatalf("err = %v, want conflict", err)
	}
	if len(claimer.calls) != 1 {
		t.Errorf("claims after conflict = %v, want only the first", claimer.calls)
	}
}

func TestAssign_TwoBookingsOneDriver(t *testing.T) {
	e := newEnv(t, nil)
	e.addDriver(t, "only", 0.5, 100)
	ids := []types.ID{e.newBooking(t), e.newBooking(t)}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			_, err := e.coord.Assign(context.Background(), id)
			errs <- err
		}(id)
	}
	close(start)
	wg.Wait()
	close(errs)

	assigned, failed := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			assigned++
		case errors.Is(err, ErrNoEligibleDriver):
			failed++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if assigned != 1 || failed != 1 {
		t.Fatalf("assigned=%d failed=%d, want 1/1", assigned, failed)
	}
	d, _ := e.drivers.Get(context.Background(), "only")
	if d.ActiveCount != 1 {
		t.Errorf("active count = %d, want 1", d.ActiveCount)
	}
}

func TestAssign_StressEachDriverOnce(t *testing.T) {
	e := newEnv(t, nil)
	const drivers, bookings = 5, 25
	for i := 0; i < drivers; i++ {
		e.addDriver(t, types.ID(fmt.Sprintf("d%d", i)), 0.3*float64(i+1), 100)
	}
	ids := make([]types.ID, bookings)
	for i := range ids {
		ids[i] = e.newBooking(t)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	var mu sync.Mutex
	winners := map[types.ID]types.ID{}
	for _, id := range ids {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			res, err := e.coord.Assign(context.Background(), id)
			if err != nil {
				if !errors.Is(err, ErrNoEligibleDriver) {
					t.Errorf("assign %s: %v", id, err)
				}
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if prev, dup := winners[res.DriverID]; dup {
				t.Errorf("driver %s assigned to %s and %s", res.DriverID, prev, id)
			}
			winners[res.DriverID] = id
		}(id)
	}
	close(start)
	wg.Wait()

	if len(winners) != drivers {
		t.Fatalf("assigned %d bookings, want %d", len(winners), drivers)
	}
	for driverID, bookingID := range winners {
		d, _ := e.drivers.Get(context.Background(), driverID)
		if d.CurrentBookingID == nil || *d.CurrentBookingID != bookingID || d.ActiveCount != 1 {
			t.Errorf("driver %s state = %+v", driverID, d)
		}
	}
}

func TestAssignManual(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	id := e.newBooking(t)
	if _, err := e.coord.Assign(ctx, id); !errors.Is(err, ErrNoEligibleDriver) {
		t.Fatalf("setup: %v", err)
	}
	e.addDriver(t, "picked", 8, 100)

	res, err := e.coord.AssignManual(ctx, id, "picked", "op1")
	if err != nil {
		t.Fatalf("manual: %v", err)
	}
	if res.Method != booking.MethodManual {
		t.Errorf("method = %s", res.Method)
	}
	b, _ := e.bookings.Get(ctx, id)
	if b.Status != booking.StatusAssigned || b.Assignment.Method != booking.MethodManual {
		t.Errorf("booking = %s %s", b.Status, b.Assignment.Method)
	}

	other := e.newBooking(t)
	if _, err := e.coord.AssignManual(ctx, other, "picked", "op1"); !errors.Is(err, ErrDriverUnavailable) {
		t.Errorf("busy driver err = %v, want ErrDriverUnavailable", err)
	}
	e.addDriver(t, "small", 1, 1)
	if _, err := e.coord.AssignManual(ctx, other, "small", "op1"); !errors.Is(err, ErrIncompatible) {
		t.Errorf("incompatible err = %v, want ErrIncompatible", err)
	}
}

func TestSweepOnce_ReopensFailedBookings(t *testing.T) {
	e := newEnv(t, nil)
	ctx := context.Background()
	id := e.newBooking(t)
	if _, err := e.coord.Assign(ctx, id); !errors.Is(err, ErrNoEligibleDriver) {
		t.Fatalf("setup: %v", err)
	}

	if n, err := e.coord.SweepOnce(ctx); err != nil || n != 0 {
		t.Fatalf("sweep before backoff: n=%d err=%v", n, err)
	}

	e.coord.now = func() time.Time { return time.Now().Add(e.coord.cfg.RetryBackoff + time.Second) }
	e.addDriver(t, "late", 1, 100)
	n, err := e.coord.SweepOnce(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	// The reopened booking is past the cutoff as pending, so the same sweep assigns it.
	b, _ := e.bookings.Get(ctx, id)
	if b.Status != booking.StatusAssigned || b.DriverID == nil || *b.DriverID != "late" {
		t.Fatalf("status = %s driver = %v, want assigned to late", b.Status, b.DriverID)
	}
	var reopened bool
	for _, ev := range e.pub.events {
		if ev.Type == events.BookingReopened && ev.BookingID == id {
			reopened = true
		}
	}
	if !reopened {
		t.Error("expected booking.reopened to be published")
	}
}

func TestHandleEvent_IgnoresOtherTypes(t *testing.T) {
	e := newEnv(t, nil)
	id := e.newBooking(t)
	if err := e.coord.HandleEvent(context.Background(), events.New(events.BookingTrackingUpdated, id)); err != nil {
		t.Fatal(err)
	}
	b, _ := e.bookings.Get(context.Background(), id)
	if b.Status != booking.StatusCreated {
		t.Errorf("status = %s, want untouched", b.Status)
	}
}
