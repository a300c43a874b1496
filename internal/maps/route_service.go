// README: Google Maps routing collaborator for road distance on the remaining leg.
package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"googlemaps.github.io/maps"

	"dispatch/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// RouteService handles interactions with the Google Maps Directions API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string, opts ...maps.ClientOption) (*RouteService, error) {
	client, err := maps.NewClient(append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// TravelEstimate returns the driving duration and distance in km between two points.
func (s *RouteService) TravelEstimate(ctx context.Context, from, to types.Point) (time.Duration, float64, error) {
	r := &maps.DirectionsRequest{
		Origin:      latLng(from),
		Destination: latLng(to),
		Mode:        maps.TravelModeDriving,
	}

	routes, _, err := s.client.Directions(ctx, r)
	if err != nil {
		return 0, 0, fmt.Errorf("maps api error: %w", err)
	}
	if len(routes) == 0 || len(routes[0].Legs) == 0 {
		return 0, 0, ErrNoRoute
	}

	leg := routes[0].Legs[0]
	return leg.Duration, float64(leg.Distance.Meters) / 1000, nil
}

// DistanceKm is the road distance used for the remaining-distance projection.
func (s *RouteService) DistanceKm(ctx context.Context, from, to types.Point) (float64, error) {
	_, km, err := s.TravelEstimate(ctx, from, to)
	return km, err
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
