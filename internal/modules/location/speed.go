// README: Per-driver speed estimate: plausible sample speed, else rolling average, else fallback.
package location

import (
	"sync"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

type SpeedTracker struct {
	mu       sync.Mutex
	window   int
	max      float64
	fallback float64
	recent   map[types.ID][]float64
}

func NewSpeedTracker(cfg config.LocationConfig) *SpeedTracker {
	window := cfg.SpeedWindow
	if window < 1 {
		window = 1
	}
	return &SpeedTracker{
		window:   window,
		max:      cfg.MaxPlausibleSpeedMps,
		fallback: cfg.FallbackSpeedMps,
		recent:   make(map[types.ID][]float64),
	}
}

func (t *SpeedTracker) plausible(v *float64) bool {
	return v != nil && *v > 0 && *v <= t.max
}

// Estimate records a plausible sample speed and returns the speed to use for ETA.
func (t *SpeedTracker) Estimate(driverID types.ID, sample *float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.plausible(sample) {
		w := append(t.recent[driverID], *sample)
		if len(w) > t.window {
			w = w[len(w)-t.window:]
		}
		t.recent[driverID] = w
		return *sample
	}
	return t.average(driverID)
}

// Peek returns the speed Estimate would return without recording the sample.
func (t *SpeedTracker) Peek(driverID types.ID, sample *float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.plausible(sample) {
		return *sample
	}
	return t.average(driverID)
}

func (t *SpeedTracker) average(driverID types.ID) float64 {
	w := t.recent[driverID]
	if len(w) == 0 {
		return t.fallback
	}
	sum := 0.0
	for _, v := range w {
		sum += v
	}
	return sum / float64(len(w))
}

// Forget drops the window of a driver who went offline.
func (t *SpeedTracker) Forget(driverID types.ID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.recent, driverID)
}
