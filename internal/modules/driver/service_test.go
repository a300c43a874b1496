package driver_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"dispatch/internal/memstore"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/types"
)

var center = types.Point{Lat: 43.2380, Lng: 76.8890}

func newService() (*driver.Service, *memstore.Store) {
	store := memstore.New()
	return driver.NewService(store.Drivers(), store.GeoIndex(), nil), store
}

func profile(id types.ID) driver.Profile {
	return driver.Profile{
		ID: id, Name: "Aigerim", Active: true, Rating: 4.8,
		Vehicle:  driver.Vehicle{Class: "van", CapacityKg: 300, MaxSize: "Large"},
		Schedule: driver.Schedule{time.Monday: {{StartMin: 8 * 60, EndMin: 18 * 60}}},
	}
}

func online(t *testing.T, svc *driver.Service, id types.ID, p types.Point) {
	t.Helper()
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, profile(id)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if _, err := svc.UpdatePosition(ctx, id, p, time.Now()); err != nil {
		t.Fatalf("position: %v", err)
	}
	if err := svc.SetAvailability(ctx, id, driver.AvailabilityAvailable); err != nil {
		t.Fatalf("availability: %v", err)
	}
}

func TestUpsert_NewDriverStartsOffline(t *testing.T) {
	svc, _ := newService()
	d, err := svc.Upsert(context.Background(), profile("d1"))
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if d.Availability != driver.AvailabilityOffline {
		t.Errorf("availability = %s, want offline", d.Availability)
	}
	if d.Vehicle.MaxSize != types.SizeLarge {
		t.Errorf("max size not normalized: %q", d.Vehicle.MaxSize)
	}
}

func TestUpsert_PreservesOperationalState(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	online(t, svc, "d1", center)

	if err := store.Bookings().Create(ctx, &booking.Booking{ID: "b1", RequesterID: "r", Status: booking.StatusPendingAssignment}); err != nil {
		t.Fatal(err)
	}
	if err := store.Claim(ctx, booking.Claim{BookingID: "b1", DriverID: "d1", At: time.Now()}); err != nil {
		t.Fatalf("claim: %v", err)
	}

	p := profile("d1")
	p.Name = "Renamed"
	p.Rating = 3.1
	d, err := svc.Upsert(ctx, p)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if d.Name != "Renamed" || d.Rating != 3.1 {
		t.Errorf("profile not applied: %+v", d)
	}
	if d.Availability != driver.AvailabilityAssigned || d.CurrentBookingID == nil || d.ActiveCount != 1 || d.Position == nil {
		t.Errorf("operational state lost on upsert: %+v", d)
	}
}

func TestUpsert_Validation(t *testing.T) {
	svc, _ := newService()
	cases := map[string]func(*driver.Profile){
		"missing name":  func(p *driver.Profile) { p.Name = " " },
		"unknown size":  func(p *driver.Profile) { p.Vehicle.MaxSize = "huge" },
		"zero capacity": func(p *driver.Profile) { p.Vehicle.CapacityKg = 0 },
		"bad shift":     func(p *driver.Profile) { p.Schedule[time.Monday] = []driver.Shift{{StartMin: 600, EndMin: 500}} },
		"bad rating":    func(p *driver.Profile) { p.Rating = -1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := profile("d1")
			mutate(&p)
			if _, err := svc.Upsert(context.Background(), p); !errors.Is(err, driver.ErrBadRequest) {
				t.Fatalf("err = %v, want ErrBadRequest", err)
			}
		})
	}
}

func TestSetAvailability_BusyDriverCannotGoOffline(t *testing.T) {
	svc, store := newService()
	ctx := context.Background()
	online(t, svc, "d1", center)
	if err := store.Bookings().Create(ctx, &booking.Booking{ID: "b1", RequesterID: "r", Status: booking.StatusPendingAssignment}); err != nil {
		t.Fatal(err)
	}
	if err := store.Claim(ctx, booking.Claim{BookingID: "b1", DriverID: "d1", At: time.Now()}); err != nil {
		t.Fatal(err)
	}

	if err := svc.SetAvailability(ctx, "d1", driver.AvailabilityOffline); !errors.Is(err, driver.ErrDriverBusy) {
		t.Fatalf("err = %v, want ErrDriverBusy", err)
	}
	if err := svc.SetAvailability(ctx, "d1", driver.AvailabilityAssigned); !errors.Is(err, driver.ErrBadRequest) {
		t.Fatalf("self-assign err = %v, want ErrBadRequest", err)
	}
}

func TestSetAvailability_InactiveCannotGoOnline(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	p := profile("d1")
	p.Active = false
	if _, err := svc.Upsert(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetAvailability(ctx, "d1", driver.AvailabilityAvailable); !errors.Is(err, driver.ErrInactive) {
		t.Fatalf("err = %v, want ErrInactive", err)
	}
}

func TestCandidates_FiltersAndOrders(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	online(t, svc, "near", types.Point{Lat: center.Lat + 0.005, Lng: center.Lng})
	online(t, svc, "mid", types.Point{Lat: center.Lat + 0.02, Lng: center.Lng})
	online(t, svc, "away", types.Point{Lat: center.Lat + 1, Lng: center.Lng})
	online(t, svc, "resting", types.Point{Lat: center.Lat + 0.001, Lng: center.Lng})
	if err := svc.SetAvailability(ctx, "resting", driver.AvailabilityOffline); err != nil {
		t.Fatal(err)
	}

	fenced := profile("fenced")
	fenced.ServiceAreas = []string{"u4pru"} // Aalborg, not Almaty
	if _, err := svc.Upsert(ctx, fenced); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.UpdatePosition(ctx, "fenced", center, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetAvailability(ctx, "fenced", driver.AvailabilityAvailable); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Candidates(ctx, center, 10, 20, nil)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	var ids []types.ID
	for _, d := range got {
		ids = append(ids, d.ID)
	}
	if len(ids) != 2 || ids[0] != "near" || ids[1] != "mid" {
		t.Fatalf("candidates = %v, want [near mid]", ids)
	}
}

func TestCandidates_PagesPastRejectedDrivers(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	for i, id := range []types.ID{"a", "b", "c", "d", "e"} {
		online(t, svc, id, types.Point{Lat: center.Lat + float64(i+1)*0.001, Lng: center.Lng})
	}
	skip := map[types.ID]bool{"a": true, "b": true, "c": true}

	got, err := svc.Candidates(ctx, center, 10, 1, func(d *driver.Driver) bool { return !skip[d.ID] })
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 1 || got[0].ID != "d" {
		t.Fatalf("candidates = %v, want [d]", driverIDs(got))
	}
}

func TestCandidates_FallsBackBeyondRadius(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	online(t, svc, "far", types.Point{Lat: center.Lat + 0.5, Lng: center.Lng})
	if _, err := svc.Upsert(ctx, profile("unplaced")); err != nil {
		t.Fatal(err)
	}
	if err := svc.SetAvailability(ctx, "unplaced", driver.AvailabilityAvailable); err != nil {
		t.Fatal(err)
	}
	online(t, svc, "resting", center)
	if err := svc.SetAvailability(ctx, "resting", driver.AvailabilityOffline); err != nil {
		t.Fatal(err)
	}

	got, err := svc.Candidates(ctx, center, 10, 20, nil)
	if err != nil {
		t.Fatalf("candidates: %v", err)
	}
	if len(got) != 2 || got[0].ID != "far" || got[1].ID != "unplaced" {
		t.Fatalf("candidates = %v, want [far unplaced]", driverIDs(got))
	}
}

func driverIDs(drivers []*driver.Driver) []types.ID {
	out := make([]types.ID, len(drivers))
	for i, d := range drivers {
		out[i] = d.ID
	}
	return out
}

func TestUpdatePosition_LastTimestampWins(t *testing.T) {
	svc, _ := newService()
	ctx := context.Background()
	if _, err := svc.Upsert(ctx, profile("d1")); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if ok, _ := svc.UpdatePosition(ctx, "d1", center, now); !ok {
		t.Fatal("first sample rejected")
	}
	if ok, _ := svc.UpdatePosition(ctx, "d1", types.Point{Lat: 1, Lng: 1}, now.Add(-time.Second)); ok {
		t.Error("older sample advanced position")
	}
	if ok, _ := svc.UpdatePosition(ctx, "d1", center, now); ok {
		t.Error("equal timestamp advanced position")
	}
	if _, err := svc.UpdatePosition(ctx, "ghost", center, now); !errors.Is(err, driver.ErrNotFound) {
		t.Errorf("unknown driver err = %v", err)
	}
}
