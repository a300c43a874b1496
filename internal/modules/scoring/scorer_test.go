package scoring

import (
	"math"
	"testing"
	"time"

	"dispatch/internal/config"
	"dispatch/internal/modules/driver"
	"dispatch/internal/types"
)

var (
	pickup = types.Point{Lat: 43.238, Lng: 76.889}
	// Wednesday 10:30 UTC
	wednesday = time.Date(2026, 3, 4, 10, 30, 0, 0, time.UTC)
)

func newScorer(t *testing.T) *Scorer {
	t.Helper()
	s, err := New(config.Default().Scoring)
	if err != nil {
		t.Fatalf("new scorer: %v", err)
	}
	return s
}

func testDriver(id string, lat float64) *driver.Driver {
	pos := types.Point{Lat: lat, Lng: pickup.Lng}
	return &driver.Driver{
		ID:               types.ID(id),
		Vehicle:          driver.Vehicle{Class: "van", CapacityKg: 100, MaxSize: types.SizeLarge},
		Schedule:         driver.Schedule{time.Wednesday: {{StartMin: 8 * 60, EndMin: 18 * 60}}},
		Rating:           4.5,
		Active:           true,
		FragileCertified: true,
		Availability:     driver.AvailabilityAvailable,
		Position:         &pos,
	}
}

func TestScore_ProximityMonotonic(t *testing.T) {
	s := newScorer(t)
	job := Job{Pickup: pickup, Package: types.Package{WeightKg: 5, Size: types.SizeMedium}}

	prev := math.Inf(1)
	for _, offset := range []float64{0, 0.005, 0.01, 0.02, 0.04, 0.08} {
		r := s.Score(testDriver("d", pickup.Lat+offset), job, wednesday)
		if r.Breakdown.Proximity >= prev {
			t.Fatalf("proximity not strictly decreasing at offset %f: %f >= %f", offset, r.Breakdown.Proximity, prev)
		}
		prev = r.Breakdown.Proximity
	}

	near := s.Score(testDriver("near", pickup.Lat+0.01), job, wednesday)
	far := s.Score(testDriver("far", pickup.Lat+0.03), job, wednesday)
	if near.Total <= far.Total {
		t.Errorf("closer driver should score higher: %f vs %f", near.Total, far.Total)
	}
}

func TestScore_ProximityBeyondRadius(t *testing.T) {
	s := newScorer(t)
	job := Job{Pickup: pickup, Package: types.Package{WeightKg: 5, Size: types.SizeMedium}}

	r := s.Score(testDriver("d", pickup.Lat+1), job, wednesday)
	if r.Breakdown.Proximity != 0 {
		t.Errorf("proximity beyond radius = %f", r.Breakdown.Proximity)
	}
	d := testDriver("nopos", 0)
	d.Position = nil
	if r := s.Score(d, job, wednesday); r.Breakdown.Proximity != 0 {
		t.Errorf("proximity without position = %f", r.Breakdown.Proximity)
	}
}

func TestScore_Bounds(t *testing.T) {
	s := newScorer(t)
	job := Job{Pickup: pickup, Package: types.Package{WeightKg: 100, Size: types.SizeLarge}}
	d := testDriver("best", pickup.Lat)
	d.Rating = 9
	r := s.Score(d, job, wednesday)
	if r.Total < 0 || r.Total > 1 {
		t.Fatalf("total out of range: %f", r.Total)
	}
	if math.Abs(r.Total-1) > 1e-9 {
		t.Errorf("perfect driver should score 1, got %f (%+v)", r.Total, r.Breakdown)
	}
	if r.Breakdown.Reputation != 1 {
		t.Errorf("reputation should clamp to 1, got %f", r.Breakdown.Reputation)
	}
}

func TestScore_Workload(t *testing.T) {
	s := newScorer(t)
	job := Job{Pickup: pickup, Package: types.Package{WeightKg: 5, Size: types.SizeSmall}}
	idle := testDriver("idle", pickup.Lat)
	busy := testDriver("busy", pickup.Lat)
	busy.ActiveCount = 3
	if a, b := s.Score(idle, job, wednesday).Breakdown.Workload, s.Score(busy, job, wednesday).Breakdown.Workload; a != 1 || b != 0.25 {
		t.Errorf("workload idle=%f busy=%f", a, b)
	}
}

func TestCapability(t *testing.T) {
	base := testDriver("d", pickup.Lat)
	cases := []struct {
		name    string
		mutate  func(d *driver.Driver)
		pkg     types.Package
		wantMin float64
		wantMax float64
	}{
		{"over capacity", nil, types.Package{WeightKg: 150, Size: types.SizeSmall}, 0, 0},
		{"too big", nil, types.Package{WeightKg: 5, Size: types.SizeXLarge}, 0, 0},
		{"fragile uncertified", func(d *driver.Driver) { d.FragileCertified = false }, types.Package{WeightKg: 5, Size: types.SizeSmall, Fragile: true}, 0, 0},
		{"unknown size", nil, types.Package{WeightKg: 5, Size: "crate"}, 0, 0},
		{"full load exact size", nil, types.Package{WeightKg: 100, Size: types.SizeLarge}, 1, 1},
		{"light small parcel", nil, types.Package{WeightKg: 1, Size: types.SizeSmall}, 0.1, 0.4},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := *base
			if tc.mutate != nil {
				tc.mutate(&d)
			}
			got := Capability(&d, tc.pkg)
			if got < tc.wantMin || got > tc.wantMax {
				t.Errorf("capability = %f, want [%f,%f]", got, tc.wantMin, tc.wantMax)
			}
			if Compatible(&d, tc.pkg) != (tc.wantMax > 0) {
				t.Errorf("compatible mismatch for capability %f", got)
			}
		})
	}
}

func TestAvailability(t *testing.T) {
	s := newScorer(t)
	sched := driver.Schedule{time.Wednesday: {{StartMin: 8 * 60, EndMin: 18 * 60}}}

	if got := s.availability(sched, wednesday); got != 1 {
		t.Errorf("inside shift = %f", got)
	}
	justAfter := time.Date(2026, 3, 4, 18, 30, 0, 0, time.UTC)
	want := math.Exp(-30.0 / 60.0)
	if got := s.availability(sched, justAfter); math.Abs(got-want) > 1e-9 {
		t.Errorf("30min after shift = %f, want %f", got, want)
	}
	early := time.Date(2026, 3, 4, 6, 0, 0, 0, time.UTC)
	if got := s.availability(sched, early); got >= s.availability(sched, justAfter) {
		t.Errorf("two hours early should decay more than 30 minutes late: %f", got)
	}
	thursday := time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC)
	if got := s.availability(sched, thursday); got != 0 {
		t.Errorf("day off = %f", got)
	}
}

func TestRank_TieBreak(t *testing.T) {
	s := newScorer(t)
	job := Job{Pickup: pickup, Package: types.Package{WeightKg: 5, Size: types.SizeMedium}}

	a := testDriver("b-driver", pickup.Lat+0.01)
	b := testDriver("a-driver", pickup.Lat+0.01)
	c := testDriver("c-driver", pickup.Lat+0.01)
	ranked := s.Rank([]*driver.Driver{a, b, c}, job, wednesday)
	if ranked[0].Driver.ID != "a-driver" || ranked[1].Driver.ID != "b-driver" || ranked[2].Driver.ID != "c-driver" {
		t.Errorf("equal scores should order by id, got %s,%s,%s", ranked[0].Driver.ID, ranked[1].Driver.ID, ranked[2].Driver.ID)
	}

	// Equal totals built by hand to isolate the active-count tie-break.
	x := &driver.Driver{ID: "x", ActiveCount: 2}
	y := &driver.Driver{ID: "y", ActiveCount: 1}
	cands := []Candidate{
		{Driver: x, Result: Result{DriverID: "x", Total: 0.7}},
		{Driver: y, Result: Result{DriverID: "y", Total: 0.7}},
		{Driver: &driver.Driver{ID: "z", ActiveCount: 5}, Result: Result{DriverID: "z", Total: 0.9}},
	}
	SortCandidates(cands)
	if cands[0].Driver.ID != "z" || cands[1].Driver.ID != "y" || cands[2].Driver.ID != "x" {
		t.Errorf("unexpected order %s,%s,%s", cands[0].Driver.ID, cands[1].Driver.ID, cands[2].Driver.ID)
	}
}

func TestNew_RejectsBadWeights(t *testing.T) {
	cfg := config.Default().Scoring
	cfg.Weights.Proximity = 0.5
	if _, err := New(cfg); err == nil {
		t.Error("expected error for weights not summing to 1")
	}
}
