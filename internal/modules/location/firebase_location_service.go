// README: Realtime Database mirror of driver positions for the driver and requester apps.
package location

import (
	"context"
	"fmt"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/db"

	"dispatch/internal/geo"
	"dispatch/internal/types"
)

const driverLocationsNode = "driver_locations"

// rtdbDriverEntry mirrors a single driver entry stored under /driver_locations.
type rtdbDriverEntry struct {
	Lat       float64 `json:"lat"`
	Lng       float64 `json:"lng"`
	Geohash   string  `json:"geohash"`
	Timestamp int64   `json:"timestamp"`
}

// FirebaseMirror writes accepted driver positions to Firebase RTDB. Apps
// listen to /driver_locations/{driverID} directly instead of polling the API.
type FirebaseMirror struct {
	client *db.Client
}

func NewFirebaseMirror(ctx context.Context, app *firebase.App) (*FirebaseMirror, error) {
	client, err := app.Database(ctx)
	if err != nil {
		return nil, fmt.Errorf("initialising firebase RTDB client: %w", err)
	}
	return &FirebaseMirror{client: client}, nil
}

func (m *FirebaseMirror) MirrorPosition(ctx context.Context, driverID types.ID, p types.Point, at time.Time) error {
	ref := m.client.NewRef(driverLocationsNode + "/" + string(driverID))
	if err := ref.Set(ctx, newDriverEntry(p, at)); err != nil {
		return fmt.Errorf("mirroring driver %s: %w", driverID, err)
	}
	return nil
}

func newDriverEntry(p types.Point, at time.Time) rtdbDriverEntry {
	return rtdbDriverEntry{
		Lat:       p.Lat,
		Lng:       p.Lng,
		Geohash:   geo.BucketKey(p),
		Timestamp: at.UnixMilli(),
	}
}
