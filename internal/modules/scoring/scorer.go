// README: Driver scorer: weighted multi-factor score of a driver for a booking.
package scoring

import (
	"math"
	"sort"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/geo"
	"dispatch/internal/modules/driver"
	"dispatch/internal/types"
)

// Job is what the scorer needs to know about a booking.
type Job struct {
	Pickup  types.Point
	Package types.Package
}

type Breakdown struct {
	Proximity    float64 `json:"proximity"`
	Workload     float64 `json:"workload"`
	Reputation   float64 `json:"reputation"`
	Capability   float64 `json:"capability"`
	Availability float64 `json:"availability"`
}

type Result struct {
	DriverID   types.ID  `json:"driver_id"`
	Total      float64   `json:"total"`
	DistanceKm float64   `json:"distance_km"`
	Breakdown  Breakdown `json:"breakdown"`
}

type Scorer struct {
	cfg config.ScoringConfig
}

func New(cfg config.ScoringConfig) (*Scorer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Scorer{cfg: cfg}, nil
}

func (s *Scorer) MaxRadiusKm() float64 {
	return s.cfg.MaxRadiusKm
}

// Score is pure: the same driver, job and clock always produce the same result.
func (s *Scorer) Score(d *driver.Driver, job Job, now time.Time) Result {
	r := Result{DriverID: d.ID, DistanceKm: math.Inf(1)}
	if d.Position != nil {
		r.DistanceKm = geo.HaversineKm(*d.Position, job.Pickup)
	}
	r.Breakdown = Breakdown{
		Proximity:    s.proximity(r.DistanceKm),
		Workload:     workload(d.ActiveCount),
		Reputation:   s.reputation(d.Rating),
		Capability:   Capability(d, job.Package),
		Availability: s.availability(d.Schedule, now),
	}
	w := s.cfg.Weights
	total := w.Proximity*r.Breakdown.Proximity +
		w.Workload*r.Breakdown.Workload +
		w.Reputation*r.Breakdown.Reputation +
		w.Capability*r.Breakdown.Capability +
		w.Availability*r.Breakdown.Availability
	r.Total = clamp(total, 0, 1)
	return r
}

// proximity falls linearly from 1 at the pickup to 0 at the max radius.
func (s *Scorer) proximity(km float64) float64 {
	if math.IsInf(km, 1) || km >= s.cfg.MaxRadiusKm {
		return 0
	}
	return 1 - km/s.cfg.MaxRadiusKm
}

func workload(active int) float64 {
	if active < 0 {
		active = 0
	}
	return 1 / float64(1+active)
}

func (s *Scorer) reputation(rating float64) float64 {
	return clamp(rating, 0, s.cfg.MaxRating) / s.cfg.MaxRating
}

// Capability is 0 when the vehicle or certification cannot carry the package,
// otherwise it rewards loads that use the vehicle well.
func Capability(d *driver.Driver, pkg types.Package) float64 {
	size := pkg.Size.Normalize()
	maxSize := d.Vehicle.MaxSize.Normalize()
	if size.Rank() == 0 || maxSize.Rank() == 0 {
		return 0
	}
	if pkg.WeightKg <= 0 || d.Vehicle.CapacityKg <= 0 || pkg.WeightKg > d.Vehicle.CapacityKg {
		return 0
	}
	if size.Rank() > maxSize.Rank() {
		return 0
	}
	if pkg.Fragile && !d.FragileCertified {
		return 0
	}
	fit := 0.5 + 0.5*(pkg.WeightKg/d.Vehicle.CapacityKg) - 0.1*float64(maxSize.Rank()-size.Rank())
	return clamp(fit, 0.1, 1)
}

// Compatible reports whether the driver can carry the package at all.
func Compatible(d *driver.Driver, pkg types.Package) bool {
	return Capability(d, pkg) > 0
}

// availability is 1 inside a shift and decays exponentially with the distance
// to the nearest shift edge of the same day. Days without shifts score 0.
func (s *Scorer) availability(schedule driver.Schedule, now time.Time) float64 {
	now = now.UTC()
	shifts := schedule[now.Weekday()]
	if len(shifts) == 0 {
		return 0
	}
	minute := float64(now.Hour()*60+now.Minute()) + float64(now.Second())/60
	nearest := math.Inf(1)
	for _, sh := range shifts {
		start, end := float64(sh.StartMin), float64(sh.EndMin)
		switch {
		case minute >= start && minute < end:
			return 1
		case minute < start:
			nearest = math.Min(nearest, start-minute)
		default:
			nearest = math.Min(nearest, minute-end)
		}
	}
	return math.Exp(-nearest / s.cfg.DecayMinutes)
}

type Candidate struct {
	Driver *driver.Driver
	Result Result
}

// Rank scores and orders drivers: total desc, then fewer active deliveries,
// then driver id.
func (s *Scorer) Rank(drivers []*driver.Driver, job Job, now time.Time) []Candidate {
	out := make([]Candidate, 0, len(drivers))
	for _, d := range drivers {
		out = append(out, Candidate{Driver: d, Result: s.Score(d, job, now)})
	}
	SortCandidates(out)
	return out
}

func SortCandidates(c []Candidate) {
	sort.Slice(c, func(i, j int) bool {
		a, b := c[i], c[j]
		if a.Result.Total != b.Result.Total {
			return a.Result.Total > b.Result.Total
		}
		if a.Driver.ActiveCount != b.Driver.ActiveCount {
			return a.Driver.ActiveCount < b.Driver.ActiveCount
		}
		return a.Driver.ID < b.Driver.ID
	})
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
