// README: Driver position index backed by Redis GEO.
package driver

import (
	"context"

	"github.com/redis/go-redis/v9"

	"dispatch/internal/types"
)

const driverGeoKey = "dispatch:drivers:geo"

type RedisGeoIndex struct {
	redis *redis.Client
}

func NewRedisGeoIndex(redis *redis.Client) *RedisGeoIndex {
	return &RedisGeoIndex{redis: redis}
}

func (g *RedisGeoIndex) Add(ctx context.Context, id types.ID, p types.Point) error {
	return g.redis.GeoAdd(ctx, driverGeoKey, &redis.GeoLocation{
		Name:      string(id),
		Longitude: p.Lng,
		Latitude:  p.Lat,
	}).Err()
}

func (g *RedisGeoIndex) Remove(ctx context.Context, id types.ID) error {
	return g.redis.ZRem(ctx, driverGeoKey, string(id)).Err()
}

// Nearby returns driver ids within radiusKm of p, closest first.
func (g *RedisGeoIndex) Nearby(ctx context.Context, p types.Point, radiusKm float64, limit int) ([]types.ID, error) {
	results, err := g.redis.GeoSearch(ctx, driverGeoKey, &redis.GeoSearchQuery{
		Longitude:  p.Lng,
		Latitude:   p.Lat,
		Radius:     radiusKm,
		RadiusUnit: "km",
		Sort:       "ASC",
		Count:      limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]types.ID, len(results))
	for i, r := range results {
		ids[i] = types.ID(r)
	}
	return ids, nil
}
