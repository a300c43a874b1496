// README: Driver store backed by PostgreSQL.
package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"dispatch/internal/infra"
	"dispatch/internal/types"
)

type Store struct {
	db infra.DB
}

func NewStore(db infra.DB) *Store {
	return &Store{db: db}
}

const driverColumns = `
	id, name, vehicle_class, capacity_kg, max_size, schedule, service_areas,
	rating, active, fragile_certified, availability, current_booking_id,
	completed_count, active_count, lat, lng, position_at, created_at, updated_at`

func (s *Store) Get(ctx context.Context, id types.ID) (*Driver, error) {
	row := s.db.QueryRow(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = $1`, string(id))
	d, err := scanDriver(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (s *Store) GetMany(ctx context.Context, ids []types.ID) ([]*Driver, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	rows, err := s.db.Query(ctx, `SELECT `+driverColumns+` FROM drivers WHERE id = ANY($1)`, raw)
	if err != nil {
		return nil, err
	}
	return collectDrivers(rows)
}

// ListAssignable is keyset-paged by id so busy drivers never hide free ones.
func (s *Store) ListAssignable(ctx context.Context, after types.ID, limit int) ([]*Driver, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+driverColumns+` FROM drivers
		WHERE active
		  AND availability = 'available'
		  AND current_booking_id IS NULL
		  AND id > $1
		ORDER BY id
		LIMIT $2`,
		string(after), limit,
	)
	if err != nil {
		return nil, err
	}
	return collectDrivers(rows)
}

func collectDrivers(rows pgx.Rows) ([]*Driver, error) {
	defer rows.Close()
	var out []*Driver
	for rows.Next() {
		d, err := scanDriver(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Upsert writes profile fields; a new driver starts offline with zero counters.
func (s *Store) Upsert(ctx context.Context, p Profile) (*Driver, error) {
	schedule, err := json.Marshal(p.Schedule)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	areas := p.ServiceAreas
	if areas == nil {
		areas = []string{}
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO drivers (
			id, name, vehicle_class, capacity_kg, max_size, schedule, service_areas,
			rating, active, fragile_certified, availability, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'offline', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			vehicle_class = EXCLUDED.vehicle_class,
			capacity_kg = EXCLUDED.capacity_kg,
			max_size = EXCLUDED.max_size,
			schedule = EXCLUDED.schedule,
			service_areas = EXCLUDED.service_areas,
			rating = EXCLUDED.rating,
			active = EXCLUDED.active,
			fragile_certified = EXCLUDED.fragile_certified,
			updated_at = NOW()`,
		string(p.ID),
		p.Name,
		p.Vehicle.Class,
		p.Vehicle.CapacityKg,
		string(p.Vehicle.MaxSize),
		schedule,
		areas,
		p.Rating,
		p.Active,
		p.FragileCertified,
	)
	if err != nil {
		return nil, err
	}
	return s.Get(ctx, p.ID)
}

// SetAvailability toggles available/offline for a driver that holds no booking.
func (s *Store) SetAvailability(ctx context.Context, id types.ID, to Availability) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET availability = $2, updated_at = NOW()
		WHERE id = $1
		  AND current_booking_id IS NULL
		  AND availability <> 'assigned'
		  AND (active OR $2 = 'offline')`,
		string(id),
		string(to),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// UpdatePosition applies the sample only when it is strictly newer than the stored one.
func (s *Store) UpdatePosition(ctx context.Context, id types.ID, p types.Point, at time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE drivers
		SET lat = $2, lng = $3, position_at = $4, updated_at = NOW()
		WHERE id = $1 AND (position_at IS NULL OR position_at < $4)`,
		string(id), p.Lat, p.Lng, at,
	)
	if err != nil {
		return false, err
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	var exists bool
	if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM drivers WHERE id = $1)`, string(id)).Scan(&exists); err != nil {
		return false, err
	}
	if !exists {
		return false, ErrNotFound
	}
	return false, nil
}

func scanDriver(row pgx.Row) (*Driver, error) {
	var (
		d         Driver
		id        string
		maxSize   string
		avail     string
		schedule  []byte
		bookingID *string
		lat, lng  *float64
	)
	err := row.Scan(
		&id, &d.Name, &d.Vehicle.Class, &d.Vehicle.CapacityKg, &maxSize, &schedule, &d.ServiceAreas,
		&d.Rating, &d.Active, &d.FragileCertified, &avail, &bookingID,
		&d.CompletedCount, &d.ActiveCount, &lat, &lng, &d.PositionAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	d.ID = types.ID(id)
	d.Vehicle.MaxSize = types.Size(maxSize)
	d.Availability = Availability(avail)
	if bookingID != nil {
		b := types.ID(*bookingID)
		d.CurrentBookingID = &b
	}
	if lat != nil && lng != nil {
		d.Position = &types.Point{Lat: *lat, Lng: *lng}
	}
	if len(schedule) > 0 {
		if err := json.Unmarshal(schedule, &d.Schedule); err != nil {
			return nil, fmt.Errorf("decode schedule: %w", err)
		}
	}
	return &d, nil
}
