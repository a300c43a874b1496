package assignment

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/memstore"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/driver"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/modules/scoring"
	"dispatch/internal/pgtest"
	"dispatch/internal/types"
)

func TestPostgres_ConcurrentClaimsOneDriver(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()
	cfg := config.Default()

	fares, err := pricing.NewService(pricing.NewStore(db), cfg.Pricing)
	if err != nil {
		t.Fatal(err)
	}
	scorer, err := scoring.New(cfg.Scoring)
	if err != nil {
		t.Fatal(err)
	}
	bookings := booking.NewService(booking.NewStore(db), fares, nil, nil)
	drivers := driver.NewService(driver.NewStore(db), memstore.New().GeoIndex(), nil)
	coord := NewCoordinator(bookings, drivers, NewStore(db), scorer, nil, cfg.Assignment, nil)

	if _, err := drivers.Upsert(ctx, driver.Profile{
		ID: "pg-d1", Name: "PG", Active: true, Rating: 5,
		Vehicle: driver.Vehicle{Class: "car", CapacityKg: 50, MaxSize: types.SizeLarge},
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := drivers.UpdatePosition(ctx, "pg-d1", pickup, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := drivers.SetAvailability(ctx, "pg-d1", driver.AvailabilityAvailable); err != nil {
		t.Fatal(err)
	}

	const n = 4
	ids := make([]types.ID, n)
	for i := range ids {
		b, err := bookings.Create(ctx, booking.CreateCommand{RequesterID: "r1", Pickup: &pickup, Dropoff: &dropoff, Package: box})
		if err != nil {
			t.Fatal(err)
		}
		ids[i] = b.ID
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, n)
	for _, id := range ids {
		wg.Add(1)
		go func(id types.ID) {
			defer wg.Done()
			<-start
			_, err := coord.Assign(ctx, id)
			errs <- err
		}(id)
	}
	close(start)
	wg.Wait()
	close(errs)

	assigned := 0
	for err := range errs {
		if err == nil {
			assigned++
			continue
		}
		if !errors.Is(err, ErrNoEligibleDriver) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if assigned != 1 {
		t.Fatalf("assigned = %d, want exactly 1", assigned)
	}
	d, err := drivers.Get(ctx, "pg-d1")
	if err != nil {
		t.Fatal(err)
	}
	if d.ActiveCount != 1 || d.CurrentBookingID == nil {
		t.Errorf("driver = %+v", d)
	}
}
