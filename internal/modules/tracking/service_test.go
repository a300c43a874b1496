package tracking

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"dispatch/internal/memstore"
	"dispatch/internal/modules/booking"
	"dispatch/internal/types"
)

func newService(t *testing.T, st Store) (*Service, *memstore.Store) {
	t.Helper()
	mem := memstore.New()
	drop := types.Point{Lat: 43.25, Lng: 76.92}
	for id, status := range map[types.ID]booking.Status{"b1": booking.StatusAssigned, "done": booking.StatusDelivered} {
		driverID := types.ID("d1")
		err := mem.Bookings().Create(context.Background(), &booking.Booking{
			ID: id, RequesterID: "secret-requester", Status: status, Dropoff: &drop, DriverID: &driverID,
			Fare: booking.Fare{Server: types.Money{Amount: 4200, Currency: "KZT"}},
		})
		if err != nil {
			t.Fatal(err)
		}
	}
	svc := NewService(st, mem.Bookings(), 0, nil)
	return svc, mem
}

func TestService_EnableAndRead(t *testing.T) {
	svc, mem := newService(t, NewRedisStore(newRedis(t)))
	ctx := context.Background()

	sess, err := svc.Enable(ctx, "b1", "secret-requester")
	if err != nil {
		t.Fatalf("enable: %v", err)
	}
	if len(sess.Token) != 64 || strings.Trim(sess.Token, "0123456789abcdef") != "" {
		t.Errorf("token %q is not 256-bit hex", sess.Token)
	}
	if got := sess.ExpiresAt.Sub(sess.CreatedAt); got != DefaultTTL {
		t.Errorf("ttl = %v", got)
	}
	b, _ := mem.Bookings().Get(ctx, "b1")
	if !b.Tracking.Enabled || b.Tracking.SessionToken != sess.Token {
		t.Errorf("booking tracking = %+v", b.Tracking)
	}

	view, read, err := svc.Read(ctx, sess.Token)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if view.BookingID != "b1" || view.Status != booking.StatusAssigned || !view.DriverAssigned || read.AccessCount != 1 {
		t.Errorf("view = %+v, session = %+v", view, read)
	}
	raw, _ := json.Marshal(view)
	for _, leak := range []string{"secret-requester", "KZT", "fare", "d1"} {
		if strings.Contains(string(raw), leak) {
			t.Errorf("view leaks %q: %s", leak, raw)
		}
	}
}

func TestService_ReadAfterExpiry(t *testing.T) {
	svc, _ := newService(t, NewMemoryStore())
	ctx := context.Background()
	sess, err := svc.Enable(ctx, "b1", "u1")
	if err != nil {
		t.Fatal(err)
	}
	svc.now = func() time.Time { return sess.ExpiresAt }
	if _, _, err := svc.Read(ctx, sess.Token); err != nil {
		t.Fatalf("read at expiry: %v", err)
	}
	svc.now = func() time.Time { return sess.ExpiresAt.Add(time.Nanosecond) }
	if _, _, err := svc.Read(ctx, sess.Token); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
}

func TestService_EnableRejections(t *testing.T) {
	svc, _ := newService(t, NewMemoryStore())
	ctx := context.Background()
	if _, err := svc.Enable(ctx, "done", "u1"); !errors.Is(err, ErrClosed) {
		t.Errorf("delivered booking err = %v", err)
	}
	if _, err := svc.Enable(ctx, "missing", "u1"); !errors.Is(err, booking.ErrNotFound) {
		t.Errorf("missing booking err = %v", err)
	}
}

func TestService_Revoke(t *testing.T) {
	svc, _ := newService(t, NewMemoryStore())
	ctx := context.Background()
	sess, _ := svc.Enable(ctx, "b1", "u1")
	if err := svc.Revoke(ctx, "b1", sess.Token, Caller{ID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if _, _, err := svc.Read(ctx, sess.Token); !errors.Is(err, ErrNotFound) {
		t.Errorf("read after revoke err = %v", err)
	}
	if err := svc.Revoke(ctx, "b1", sess.Token, Caller{ID: "u1"}); !errors.Is(err, ErrNotFound) {
		t.Errorf("second revoke err = %v", err)
	}
}

func TestService_RevokeAuthorization(t *testing.T) {
	tests := []struct {
		name    string
		booking types.ID
		caller  Caller
		wantErr error
	}{
		{name: "creator", booking: "b1", caller: Caller{ID: "creator"}},
		{name: "requester", booking: "b1", caller: Caller{ID: "secret-requester"}},
		{name: "operator", booking: "b1", caller: Caller{ID: "op", Operator: true}},
		{name: "assigned driver", booking: "b1", caller: Caller{ID: "d1"}, wantErr: ErrForbidden},
		{name: "anonymous", booking: "b1", caller: Caller{}, wantErr: ErrForbidden},
		{name: "other booking", booking: "done", caller: Caller{ID: "op", Operator: true}, wantErr: ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newService(t, NewRedisStore(newRedis(t)))
			ctx := context.Background()
			sess, err := svc.Enable(ctx, "b1", "creator")
			if err != nil {
				t.Fatal(err)
			}

			err = svc.Revoke(ctx, tt.booking, sess.Token, tt.caller)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			_, read, readErr := svc.Read(ctx, sess.Token)
			if tt.wantErr == nil {
				if !errors.Is(readErr, ErrNotFound) {
					t.Errorf("read after revoke err = %v", readErr)
				}
				return
			}
			if readErr != nil || read.AccessCount != 1 {
				t.Errorf("refused revoke touched the session: %v %+v", readErr, read)
			}
		})
	}
}
