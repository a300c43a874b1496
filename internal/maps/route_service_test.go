package maps

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"googlemaps.github.io/maps"

	"dispatch/internal/types"
)

func TestLatLng(t *testing.T) {
	got := latLng(types.Point{Lat: 43.238, Lng: -76.88901234})
	if got != "43.238000,-76.889012" {
		t.Errorf("latLng = %q", got)
	}
}

func TestTravelEstimate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("origin") != "43.238000,76.889000" {
			t.Errorf("origin = %q", r.URL.Query().Get("origin"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","routes":[{"legs":[{"distance":{"value":12500,"text":"12.5 km"},"duration":{"value":900,"text":"15 mins"}}]}]}`))
	}))
	defer srv.Close()

	svc, err := NewRouteService("AIzaTestKey", maps.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	d, km, err := svc.TravelEstimate(context.Background(), types.Point{Lat: 43.238, Lng: 76.889}, types.Point{Lat: 43.25, Lng: 76.93})
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if km != 12.5 || d != 15*time.Minute {
		t.Errorf("estimate = %v / %v km", d, km)
	}
}

func TestTravelEstimate_NoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","routes":[]}`))
	}))
	defer srv.Close()

	svc, err := NewRouteService("AIzaTestKey", maps.WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := svc.DistanceKm(context.Background(), types.Point{Lat: 1, Lng: 1}, types.Point{Lat: 2, Lng: 2}); !errors.Is(err, ErrNoRoute) {
		t.Errorf("err = %v, want ErrNoRoute", err)
	}
}
