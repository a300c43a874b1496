package pricing

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/pashagolub/pgxmock/v3"

	"dispatch/internal/config"
	"dispatch/internal/types"
)

type hubMap map[types.ID]Hub

func (m hubMap) GetHub(_ context.Context, id types.ID) (Hub, error) {
	h, ok := m[id]
	if !ok {
		return Hub{}, ErrHubNotFound
	}
	return h, nil
}

func newTestService(t *testing.T, hubs HubResolver) *Service {
	t.Helper()
	s, err := NewService(hubs, config.Default().Pricing)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return s
}

func TestCompute_DirectScenario(t *testing.T) {
	s := newTestService(t, nil)
	cfg := s.Config()

	q, err := s.Compute(KindDirect, 12.5, types.Package{WeightKg: 5.2, Size: types.SizeMedium, Fragile: true})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}

	want := int64(math.Round(math.Max(cfg.BaseDirect+12.5*cfg.PerKm+5.2*cfg.PerKg*1.2+cfg.FragileFee, cfg.MinimumFare)))
	if q.Fare.Amount != want {
		t.Errorf("fare = %d, want %d", q.Fare.Amount, want)
	}
	if q.Fare.Amount != 3999 {
		t.Errorf("fare with default table = %d, want 3999", q.Fare.Amount)
	}
	if q.Commission.Amount != 600 || q.Payout.Amount != 3399 {
		t.Errorf("commission/payout = %d/%d, want 600/3399", q.Commission.Amount, q.Payout.Amount)
	}
	if q.Fare.Currency != cfg.Currency {
		t.Errorf("currency = %q", q.Fare.Currency)
	}
}

func TestCompute_DirectInvariants(t *testing.T) {
	s := newTestService(t, nil)
	cfg := s.Config()
	sizes := []types.Size{types.SizeSmall, types.SizeMedium, types.SizeLarge, types.SizeXLarge}

	for km := 0.0; km <= 60; km += 3.7 {
		for _, kg := range []float64{0.1, 1, 4.35, 19.9, 250} {
			for _, size := range sizes {
				for _, fragile := range []bool{false, true} {
					q, err := s.Compute(KindDirect, km, types.Package{WeightKg: kg, Size: size, Fragile: fragile})
					if err != nil {
						t.Fatalf("compute(%v,%v,%v): %v", km, kg, size, err)
					}
					if float64(q.Fare.Amount) < cfg.MinimumFare {
						t.Fatalf("fare %d below minimum %f", q.Fare.Amount, cfg.MinimumFare)
					}
					if q.Commission.Amount+q.Payout.Amount != q.Fare.Amount {
						t.Fatalf("commission %d + payout %d != fare %d", q.Commission.Amount, q.Payout.Amount, q.Fare.Amount)
					}
				}
			}
		}
	}
}

func TestCompute_MinimumFareFloor(t *testing.T) {
	s := newTestService(t, nil)
	q, err := s.Compute(KindDirect, 0.5, types.Package{WeightKg: 1, Size: types.SizeSmall})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if q.Fare.Amount != 2000 {
		t.Errorf("fare = %d, want minimum 2000", q.Fare.Amount)
	}
}

func TestCompute_HubMultipleOf100(t *testing.T) {
	s := newTestService(t, nil)
	for km := 0.0; km <= 80; km += 1.3 {
		for _, kg := range []float64{0.2, 3.3, 17} {
			q, err := s.Compute(KindHub, km, types.Package{WeightKg: kg, Size: types.SizeLarge, Fragile: kg > 10})
			if err != nil {
				t.Fatalf("compute: %v", err)
			}
			if q.Fare.Amount%100 != 0 || q.Fare.Amount <= 0 {
				t.Fatalf("hub fare %d is not a positive multiple of 100", q.Fare.Amount)
			}
			if q.Commission.Amount+q.Payout.Amount != q.Fare.Amount {
				t.Fatalf("money does not add up: %+v", q)
			}
		}
	}

	q, _ := s.Compute(KindHub, 10, types.Package{WeightKg: 2, Size: types.SizeSmall})
	// (1000 + 1200 + 160) * 0.85 = 2006 -> 2000
	if q.Fare.Amount != 2000 {
		t.Errorf("hub fare = %d, want 2000", q.Fare.Amount)
	}
}

func TestCompute_Deterministic(t *testing.T) {
	s := newTestService(t, nil)
	pkg := types.Package{WeightKg: 7.77, Size: types.SizeXLarge, Fragile: true}
	first, _ := s.Compute(KindDirect, 33.333, pkg)
	for i := 0; i < 100; i++ {
		q, _ := s.Compute(KindDirect, 33.333, pkg)
		if q.Fare != first.Fare || q.Commission != first.Commission || q.Payout != first.Payout {
			t.Fatalf("run %d differs: %+v vs %+v", i, q, first)
		}
	}
}

func TestCompute_InvalidInput(t *testing.T) {
	s := newTestService(t, nil)
	tests := []struct {
		name string
		kind Kind
		km   float64
		pkg  types.Package
		want error
	}{
		{"zero weight", KindDirect, 3, types.Package{WeightKg: 0, Size: types.SizeSmall}, ErrInvalidPackage},
		{"unknown size", KindDirect, 3, types.Package{WeightKg: 1, Size: "pallet"}, ErrInvalidPackage},
		{"negative distance", KindDirect, -1, types.Package{WeightKg: 1, Size: types.SizeSmall}, ErrInvalidGeometry},
		{"nan distance", KindHub, math.NaN(), types.Package{WeightKg: 1, Size: types.SizeSmall}, ErrInvalidGeometry},
		{"unknown kind", "drone", 1, types.Package{WeightKg: 1, Size: types.SizeSmall}, ErrUnsupportedKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Compute(tt.kind, tt.km, tt.pkg); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestQuote_DirectGeometry(t *testing.T) {
	s := newTestService(t, nil)
	pkg := types.Package{WeightKg: 1, Size: types.SizeSmall}
	pickup := types.Point{Lat: 43.238, Lng: 76.889}

	if _, err := s.Quote(context.Background(), Request{Kind: KindDirect, Pickup: &pickup, Package: pkg}); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("missing dropoff: err = %v", err)
	}
	bad := types.Point{Lat: 120, Lng: 0}
	if _, err := s.Quote(context.Background(), Request{Kind: KindDirect, Pickup: &pickup, Dropoff: &bad, Package: pkg}); !errors.Is(err, ErrInvalidGeometry) {
		t.Errorf("out of range dropoff: err = %v", err)
	}

	dropoff := types.Point{Lat: 43.338, Lng: 76.889}
	q, err := s.Quote(context.Background(), Request{Kind: KindDirect, Pickup: &pickup, Dropoff: &dropoff, Package: pkg})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if math.Abs(q.DistanceKm-11.12) > 0.05 {
		t.Errorf("distance = %f, want ~11.12", q.DistanceKm)
	}
}

func TestQuote_HubResolution(t *testing.T) {
	hubs := hubMap{
		"h1": {ID: "h1", Name: "North", Location: types.Point{Lat: 43.30, Lng: 76.90}},
		"h2": {ID: "h2", Name: "South", Location: types.Point{Lat: 43.20, Lng: 76.90}},
	}
	s := newTestService(t, hubs)
	pkg := types.Package{WeightKg: 3, Size: types.SizeMedium}

	q, err := s.Quote(context.Background(), Request{Kind: KindHub, PickupHubID: "h1", DropoffHubID: "h2", Package: pkg})
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Fare.Amount%100 != 0 {
		t.Errorf("hub fare %d not a multiple of 100", q.Fare.Amount)
	}

	_, err = s.Quote(context.Background(), Request{Kind: KindHub, PickupHubID: "h1", DropoffHubID: "missing", Package: pkg})
	if !errors.Is(err, ErrUnresolvableHub) {
		t.Errorf("err = %v, want ErrUnresolvableHub", err)
	}
	_, err = s.Quote(context.Background(), Request{Kind: KindHub, PickupHubID: "", DropoffHubID: "h2", Package: pkg})
	if !errors.Is(err, ErrUnresolvableHub) {
		t.Errorf("err = %v, want ErrUnresolvableHub", err)
	}

	noResolver := newTestService(t, nil)
	_, err = noResolver.Quote(context.Background(), Request{Kind: KindHub, PickupHubID: "h1", DropoffHubID: "h2", Package: pkg})
	if !errors.Is(err, ErrUnresolvableHub) {
		t.Errorf("err = %v, want ErrUnresolvableHub", err)
	}
}

func TestIsMismatch(t *testing.T) {
	s := newTestService(t, nil)
	q, _ := s.Compute(KindDirect, 12.5, types.Package{WeightKg: 5.2, Size: types.SizeMedium, Fragile: true})

	cases := []struct {
		name      string
		submitted *types.Money
		want      bool
	}{
		{"nothing submitted", nil, false},
		{"exact", &types.Money{Amount: 3999, Currency: "KZT"}, false},
		{"within tolerance", &types.Money{Amount: 4000}, false},
		{"too low", &types.Money{Amount: 100, Currency: "KZT"}, true},
		{"other currency", &types.Money{Amount: 3999, Currency: "USD"}, true},
	}
	for _, tc := range cases {
		if got := s.IsMismatch(q, tc.submitted); got != tc.want {
			t.Errorf("%s: got %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestNewService_RejectsBadConfig(t *testing.T) {
	cfg := config.Default().Pricing
	cfg.HubDiscount = 0
	if _, err := NewService(nil, cfg); err == nil {
		t.Error("expected validation error")
	}
}

func TestStore_GetHub(t *testing.T) {
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	defer mock.Close()

	mock.ExpectQuery(`FROM hubs`).
		WithArgs("h1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "lat", "lng"}).AddRow("h1", "North", 43.3, 76.9))
	mock.ExpectQuery(`FROM hubs`).
		WithArgs("nope").
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "lat", "lng"}))

	store := NewStore(mock)
	h, err := store.GetHub(context.Background(), "h1")
	if err != nil {
		t.Fatalf("get hub: %v", err)
	}
	if h.ID != "h1" || h.Location.Lat != 43.3 {
		t.Errorf("unexpected hub %+v", h)
	}
	if _, err := store.GetHub(context.Background(), "nope"); !errors.Is(err, ErrHubNotFound) {
		t.Errorf("err = %v, want ErrHubNotFound", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("expectations: %v", err)
	}
}
