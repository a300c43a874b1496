// README: Booking store backed by PostgreSQL.
package booking

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"dispatch/internal/infra"
	"dispatch/internal/modules/pricing"
	"dispatch/internal/types"
)

type Store struct {
	db infra.DB
}

func NewStore(db infra.DB) *Store {
	return &Store{db: db}
}

var errStale = errors.New("booking changed")

func (s *Store) Create(ctx context.Context, b *Booking) error {
	return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO bookings (
				id, requester_id, kind,
				pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, pickup_hub_id, dropoff_hub_id,
				weight_kg, size, fragile,
				submitted_fare, server_fare, commission, payout, currency, fare_mismatch, fare_error,
				status, status_version, created_at, status_changed_at
			) VALUES (
				$1, $2, $3,
				$4, $5, $6, $7, $8, $9,
				$10, $11, $12,
				$13, $14, $15, $16, $17, $18, $19,
				$20, $21, $22, $22
			)`,
			string(b.ID), string(b.RequesterID), string(b.Kind),
			latPtr(b.Pickup), lngPtr(b.Pickup), latPtr(b.Dropoff), lngPtr(b.Dropoff),
			nullableID(b.PickupHubID), nullableID(b.DropoffHubID),
			b.Package.WeightKg, string(b.Package.Size), b.Package.Fragile,
			amountPtr(b.Fare.Submitted), serverAmount(b, b.Fare.Server), serverAmount(b, b.Fare.Commission), serverAmount(b, b.Fare.Payout),
			b.Fare.Server.Currency, b.Fare.Mismatch, nullableString(b.FareError),
			string(b.Status), b.StatusVersion, b.CreatedAt,
		)
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, &Event{
			BookingID:  b.ID,
			FromStatus: StatusNone,
			ToStatus:   b.Status,
			ActorType:  ActorRequester,
			ActorID:    &b.RequesterID,
			Reason:     b.FareError,
			CreatedAt:  b.CreatedAt,
		})
	})
}

const bookingColumns = `
	id, requester_id, kind,
	pickup_lat, pickup_lng, dropoff_lat, dropoff_lng, pickup_hub_id, dropoff_hub_id,
	weight_kg, size, fragile,
	submitted_fare, server_fare, commission, payout, currency, fare_mismatch, fare_error,
	status, status_version, driver_id, assignment_score, assignment_method,
	tracking_enabled, tracking_token, tracking_lat, tracking_lng, tracking_sample_at, remaining_km, eta,
	cancel_reason, created_at, assigned_at, status_changed_at`

func (s *Store) Get(ctx context.Context, id types.ID) (*Booking, error) {
	row := s.db.QueryRow(ctx, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, string(id))
	b, err := scanBooking(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

// Transition applies t only if the booking is still at t.From/t.Version. Ending a
// driver-holding booking releases the driver in the same transaction.
func (s *Store) Transition(ctx context.Context, t Transition) (bool, error) {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE bookings
			SET status = $1,
			    status_version = status_version + 1,
			    status_changed_at = $2,
			    cancel_reason = CASE WHEN $1 = 'cancelled' THEN $3 ELSE cancel_reason END
			WHERE id = $4 AND status = $5 AND status_version = $6`,
			string(t.To), t.At, nullableString(t.Reason), string(t.BookingID), string(t.From), t.Version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return errStale
		}
		if t.ReleasesDriver() {
			completed := 0
			if t.To == StatusDelivered {
				completed = 1
			}
			_, err = tx.Exec(ctx, `
				UPDATE drivers
				SET availability = CASE WHEN availability = 'assigned' THEN 'available' ELSE availability END,
				    current_booking_id = NULL,
				    active_count = GREATEST(active_count - 1, 0),
				    completed_count = completed_count + $2,
				    updated_at = NOW()
				WHERE id = $1 AND current_booking_id = $3`,
				string(*t.DriverID), completed, string(t.BookingID),
			)
			if err != nil {
				return err
			}
		}
		actorID := nullableActor(t.Actor.ID)
		return insertEvent(ctx, tx, &Event{
			BookingID:  t.BookingID,
			FromStatus: t.From,
			ToStatus:   t.To,
			ActorType:  t.Actor.Type,
			ActorID:    actorID,
			Reason:     t.Reason,
			CreatedAt:  t.At,
		})
	})
	if errors.Is(err, errStale) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ApplyTracking overwrites the live projection unless a newer sample was already applied.
func (s *Store) ApplyTracking(ctx context.Context, id types.ID, u TrackingUpdate) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings
		SET tracking_lat = $2, tracking_lng = $3, tracking_sample_at = $4, remaining_km = $5, eta = $6
		WHERE id = $1
		  AND status IN ('assigned', 'picked_up', 'in_transit')
		  AND (tracking_sample_at IS NULL OR tracking_sample_at < $4)`,
		string(id), u.Position.Lat, u.Position.Lng, u.SampleAt, u.RemainingKm, u.ETA,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) EnableTracking(ctx context.Context, id types.ID, token string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE bookings SET tracking_enabled = TRUE, tracking_token = $2
		WHERE id = $1`, string(id), token)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ActiveByDriver(ctx context.Context, driverID types.ID) ([]*Booking, error) {
	return s.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE driver_id = $1 AND status IN ('assigned', 'picked_up', 'in_transit')
		ORDER BY created_at`, string(driverID))
}

// ListByStatus returns priced bookings in status whose last change is older than before.
func (s *Store) ListByStatus(ctx context.Context, status Status, before time.Time, limit int) ([]*Booking, error) {
	return s.list(ctx, `SELECT `+bookingColumns+` FROM bookings
		WHERE status = $1 AND status_changed_at < $2 AND fare_error IS NULL
		ORDER BY status_changed_at
		LIMIT $3`, string(status), before, limit)
}

func (s *Store) Events(ctx context.Context, id types.ID) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, booking_id, from_status, to_status, actor_type, actor_id, COALESCE(reason, ''), created_at
		FROM booking_events
		WHERE booking_id = $1
		ORDER BY id`, string(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			e                          Event
			bookingID, from, to, actor string
			actorID                    *string
		)
		if err := rows.Scan(&e.ID, &bookingID, &from, &to, &actor, &actorID, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.BookingID = types.ID(bookingID)
		e.FromStatus, e.ToStatus, e.ActorType = Status(from), Status(to), ActorType(actor)
		if actorID != nil {
			a := types.ID(*actorID)
			e.ActorID = &a
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) list(ctx context.Context, sql string, args ...any) ([]*Booking, error) {
	rows, err := s.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func insertEvent(ctx context.Context, tx pgx.Tx, e *Event) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO booking_events (
			booking_id, from_status, to_status, actor_type, actor_id, reason, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		string(e.BookingID),
		string(e.FromStatus),
		string(e.ToStatus),
		string(e.ActorType),
		toStringPtr(e.ActorID),
		nullableString(e.Reason),
		e.CreatedAt,
	)
	return err
}

func scanBooking(row pgx.Row) (*Booking, error) {
	var (
		b                                      Booking
		id, requester, kind, size, status      string
		pickupLat, pickupLng, dropLat, dropLng *float64
		pickupHub, dropoffHub                  *string
		submitted, server, commission, payout  *int64
		currency                               string
		fareErr, driverID, method, token       *string
		score, trackLat, trackLng, remaining   *float64
		cancelReason                           *string
	)
	err := row.Scan(
		&id, &requester, &kind,
		&pickupLat, &pickupLng, &dropLat, &dropLng, &pickupHub, &dropoffHub,
		&b.Package.WeightKg, &size, &b.Package.Fragile,
		&submitted, &server, &commission, &payout, &currency, &b.Fare.Mismatch, &fareErr,
		&status, &b.StatusVersion, &driverID, &score, &method,
		&b.Tracking.Enabled, &token, &trackLat, &trackLng, &b.Tracking.SampleAt, &remaining, &b.Tracking.ETA,
		&cancelReason, &b.CreatedAt, &b.AssignedAt, &b.StatusChangedAt,
	)
	if err != nil {
		return nil, err
	}
	b.ID = types.ID(id)
	b.RequesterID = types.ID(requester)
	b.Kind = pricing.Kind(kind)
	b.Package.Size = types.Size(size)
	b.Status = Status(status)
	b.Pickup = point(pickupLat, pickupLng)
	b.Dropoff = point(dropLat, dropLng)
	b.PickupHubID = types.ID(deref(pickupHub))
	b.DropoffHubID = types.ID(deref(dropoffHub))
	if submitted != nil {
		b.Fare.Submitted = &types.Money{Amount: *submitted, Currency: currency}
	}
	if server != nil {
		b.Fare.Server = types.Money{Amount: *server, Currency: currency}
	}
	if commission != nil {
		b.Fare.Commission = types.Money{Amount: *commission, Currency: currency}
	}
	if payout != nil {
		b.Fare.Payout = types.Money{Amount: *payout, Currency: currency}
	}
	b.FareError = deref(fareErr)
	if driverID != nil {
		d := types.ID(*driverID)
		b.DriverID = &d
	}
	if score != nil {
		b.Assignment.Score = *score
	}
	b.Assignment.Method = AssignmentMethod(deref(method))
	b.Tracking.SessionToken = deref(token)
	b.Tracking.Position = point(trackLat, trackLng)
	b.Tracking.RemainingKm = remaining
	b.CancelReason = deref(cancelReason)
	return &b, nil
}

func point(lat, lng *float64) *types.Point {
	if lat == nil || lng == nil {
		return nil
	}
	return &types.Point{Lat: *lat, Lng: *lng}
}

func latPtr(p *types.Point) *float64 {
	if p == nil {
		return nil
	}
	return &p.Lat
}

func lngPtr(p *types.Point) *float64 {
	if p == nil {
		return nil
	}
	return &p.Lng
}

func amountPtr(m *types.Money) *int64 {
	if m == nil {
		return nil
	}
	n := m.Amount
	return &n
}

// serverAmount keeps money columns NULL for bookings the fare engine rejected.
func serverAmount(b *Booking, m types.Money) *int64 {
	if b.FareError != "" {
		return nil
	}
	n := m.Amount
	return &n
}

func toStringPtr(v *types.ID) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func nullableID(v types.ID) *string {
	if v == "" {
		return nil
	}
	s := string(v)
	return &s
}

func nullableActor(v types.ID) *types.ID {
	if v == "" {
		return nil
	}
	return &v
}

func nullableString(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
