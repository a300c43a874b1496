// README: Concurrency tests for booking transitions against Postgres (run with -race).
package booking_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"dispatch/internal/config"
	"dispatch/internal/modules/booking"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/pgtest"
)

func TestPostgres_ConcurrentTransitionsSingleWinner(t *testing.T) {
	db := pgtest.Open(t)
	ctx := context.Background()

	fares, err := pricing.NewService(pricing.NewStore(db), config.Default().Pricing)
	if err != nil {
		t.Fatal(err)
	}
	store := booking.NewStore(db)
	svc := booking.NewService(store, fares, nil, nil)

	b, err := svc.Create(ctx, booking.CreateCommand{RequesterID: "r1", Pickup: &almaty, Dropoff: &medeu, Package: parcel})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.RequestAssignment(ctx, b.ID, booking.Actor{Type: booking.ActorSystem}); err != nil {
		t.Fatalf("pending: %v", err)
	}

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make(chan error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, err := svc.Cancel(ctx, b.ID, booking.Actor{Type: booking.ActorRequester, ID: "r1"}, "user_cancel")
		errs <- err
	}()
	go func() {
		defer wg.Done()
		<-start
		_, err := svc.MarkAssignmentFailed(ctx, b.ID, "no drivers")
		errs <- err
	}()
	close(start)
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, booking.ErrConflict) && !errors.Is(err, booking.ErrInvalidState) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success < 1 || success > 2 {
		t.Fatalf("expected 1 or 2 successes, got %d", success)
	}

	got, err := svc.Get(ctx, b.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	log, err := store.Events(ctx, b.ID)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if last := log[len(log)-1]; last.ToStatus != got.Status {
		t.Errorf("last event to = %s, booking status = %s", last.ToStatus, got.Status)
	}
	if got.StatusVersion != len(log)-1 {
		t.Errorf("status_version = %d, events after create = %d", got.StatusVersion, len(log)-1)
	}
}
