// README: Advisory sampling interval for the device-side rate controller.
package location

import (
	"math"
	"time"

	"dispatch/internal/config"
)

// cruiseSpeedMps is the speed at which devices report at the minimum interval.
const cruiseSpeedMps = 15.0

// NextInterval interpolates between MinInterval (fast) and MaxInterval (stationary).
// A battery at or below LowBatteryPercent doubles the interval, capped at MaxInterval.
func NextInterval(cfg config.LocationConfig, speedMps float64, battery *int) time.Duration {
	ratio := math.Max(0, math.Min(1, speedMps/cruiseSpeedMps))
	span := float64(cfg.MaxInterval - cfg.MinInterval)
	d := cfg.MaxInterval - time.Duration(span*ratio)
	if battery != nil && *battery <= cfg.LowBatteryPercent {
		d *= 2
	}
	if d > cfg.MaxInterval {
		d = cfg.MaxInterval
	}
	if d < cfg.MinInterval {
		d = cfg.MinInterval
	}
	return d.Round(time.Second)
}
