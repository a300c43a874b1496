// README: Postgres claimer: booking and driver bound in a single transaction.
package assignment

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"dispatch/internal/infra"
	"dispatch/internal/modules/booking"
)

const uniqueViolation = "23505"

type Store struct {
	db infra.DB
}

func NewStore(db infra.DB) *Store {
	return &Store{db: db}
}

// Claim locks the driver first, then the booking. Either guard failing rolls
// the whole transaction back, so a driver is never left assigned to a booking
// that was not.
func (s *Store) Claim(ctx context.Context, c booking.Claim) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE drivers
			SET availability = 'assigned',
			    current_booking_id = $2,
			    active_count = active_count + 1,
			    updated_at = $3
			WHERE id = $1
			  AND active
			  AND availability = 'available'
			  AND current_booking_id IS NULL`,
			string(c.DriverID), string(c.BookingID), c.At,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrDriverUnavailable
		}

		tag, err = tx.Exec(ctx, `
			UPDATE bookings
			SET status = 'assigned',
			    status_version = status_version + 1,
			    driver_id = $2,
			    assignment_score = $3,
			    assignment_method = $4,
			    assigned_at = $5,
			    status_changed_at = $5
			WHERE id = $1 AND status = 'pending_assignment' AND status_version = $6`,
			string(c.BookingID), string(c.DriverID), c.Score, string(c.Method), c.At, c.Version,
		)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return ErrBookingChanged
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO booking_events (
				booking_id, from_status, to_status, actor_type, actor_id, reason, created_at
			) VALUES ($1, 'pending_assignment', 'assigned', 'coordinator', $2, $3, $4)`,
			string(c.BookingID), string(c.DriverID), string(c.Method), c.At,
		)
		return err
	})

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		// Another driver already holds this booking.
		return ErrBookingChanged
	}
	return err
}
