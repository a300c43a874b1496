// README: Location history: append-only Postgres samples keyed by driver and capture time.
package location

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"dispatch/internal/infra"
	"dispatch/internal/modules/driver"
	"dispatch/internal/types"
)

const foreignKeyViolation = "23503"

type Store struct {
	db infra.DB
}

func NewStore(db infra.DB) *Store {
	return &Store{db: db}
}

// Append stores the sample and reports false when it was already recorded.
func (s *Store) Append(ctx context.Context, sm Sample) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		INSERT INTO location_samples (
			id, driver_id, booking_id, captured_at, received_at, lat, lng,
			accuracy_m, heading, speed_mps, battery_pct, bucket
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (driver_id, captured_at) DO NOTHING`,
		string(sm.ID),
		string(sm.DriverID),
		bookingPtr(sm.BookingID),
		sm.CapturedAt,
		sm.ReceivedAt,
		sm.Position.Lat,
		sm.Position.Lng,
		sm.AccuracyM,
		sm.Heading,
		sm.SpeedMps,
		sm.Battery,
		sm.Bucket,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return false, driver.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// History returns a driver's samples captured at or after since, oldest first.
func (s *Store) History(ctx context.Context, driverID types.ID, since time.Time, limit int) ([]Sample, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, driver_id, booking_id, captured_at, received_at, lat, lng,
		       accuracy_m, heading, speed_mps, battery_pct, bucket
		FROM location_samples
		WHERE driver_id = $1 AND captured_at >= $2
		ORDER BY captured_at
		LIMIT $3`, string(driverID), since, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Sample
	for rows.Next() {
		var (
			sm        Sample
			id        string
			driver    string
			bookingID *string
			battery   *int32
		)
		if err := rows.Scan(&id, &driver, &bookingID, &sm.CapturedAt, &sm.ReceivedAt, &sm.Position.Lat, &sm.Position.Lng,
			&sm.AccuracyM, &sm.Heading, &sm.SpeedMps, &battery, &sm.Bucket); err != nil {
			return nil, err
		}
		sm.ID = types.ID(id)
		sm.DriverID = types.ID(driver)
		if bookingID != nil {
			b := types.ID(*bookingID)
			sm.BookingID = &b
		}
		if battery != nil {
			v := int(*battery)
			sm.Battery = &v
		}
		out = append(out, sm)
	}
	return out, rows.Err()
}

func bookingPtr(id *types.ID) *string {
	if id == nil {
		return nil
	}
	v := string(*id)
	return &v
}

type sampleKey struct {
	driver types.ID
	at     int64
}

// MemoryHistory is the in-process history used when no database is configured.
type MemoryHistory struct {
	mu      sync.Mutex
	samples map[sampleKey]Sample
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{samples: make(map[sampleKey]Sample)}
}

func (h *MemoryHistory) Append(_ context.Context, sm Sample) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	k := sampleKey{driver: sm.DriverID, at: sm.CapturedAt.UnixNano()}
	if _, ok := h.samples[k]; ok {
		return false, nil
	}
	h.samples[k] = sm
	return true, nil
}

func (h *MemoryHistory) History(_ context.Context, driverID types.ID, since time.Time, limit int) ([]Sample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Sample
	for k, sm := range h.samples {
		if k.driver == driverID && !sm.CapturedAt.Before(since) {
			out = append(out, sm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CapturedAt.Before(out[j].CapturedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
