// README: Location samples, ingestion results and the validation rules.
package location

import (
	"errors"
	"time"

	"dispatch/internal/types"
)

var ErrInvalidSample = errors.New("invalid location sample")

// Sample is one append-only position report from a driver device.
type Sample struct {
	ID         types.ID    `json:"id,omitempty"`
	DriverID   types.ID    `json:"driver_id"`
	BookingID  *types.ID   `json:"booking_id,omitempty"`
	Position   types.Point `json:"position"`
	AccuracyM  float64     `json:"accuracy_m"`
	Heading    *float64    `json:"heading,omitempty"`
	SpeedMps   *float64    `json:"speed_mps,omitempty"`
	CapturedAt time.Time   `json:"captured_at"`
	Battery    *int        `json:"battery,omitempty"`
	Bucket     string      `json:"bucket,omitempty"`
	ReceivedAt time.Time   `json:"received_at,omitempty"`
}

type Result struct {
	Accepted bool `json:"accepted"`
	// Duplicate is set when the same driver and capture time was already stored.
	Duplicate bool `json:"duplicate,omitempty"`
	// Stale is set when the sample is older than the driver's current position.
	Stale bool `json:"stale,omitempty"`
	// Updated counts booking projections refreshed by this sample.
	Updated int `json:"updated"`
	// NextInterval is the advisory send interval for the device.
	NextInterval time.Duration `json:"next_interval"`
}
