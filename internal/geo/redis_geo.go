package geo

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/example/home-dispatch/internal/models"
)

// RedisIndex implements Index using Redis GEO commands.
type RedisIndex struct {
	client redis.UniversalClient
	key    string
}

func NewRedisIndex(client redis.UniversalClient, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

func (r *RedisIndex) Upsert(ctx context.Context, workerID string, c models.Coordinate) error {
	return r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: workerID}).Err()
}

func (r *RedisIndex) Remove(ctx context.Context, workerID string) error {
	return r.client.ZRem(ctx, r.key, workerID).Err()
}

func (r *RedisIndex) Nearby(ctx context.Context, center models.Coordinate, radiusKm float64, limit int) ([]Position, error) {
	if err := Validate(center); err != nil {
		return nil, err
	}
	q := &redis.GeoRadiusQuery{Radius: radiusKm, Unit: "km", WithCoord: true, WithDist: true, Sort: "ASC"}
	if limit > 0 {
		q.Count = limit
	}
	res, err := r.client.GeoRadius(ctx, r.key, center.Lon, center.Lat, q).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Position, 0, len(res))
	for _, g := range res {
		out = append(out, Position{
			WorkerID:   g.Name,
			Coordinate: models.Coordinate{Lat: g.Latitude, Lon: g.Longitude},
			DistanceKm: g.Dist,
		})
	}
	return out, nil
}
