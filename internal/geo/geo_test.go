package geo

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/example/home-dispatch/internal/models"
)

func TestDistanceKmZero(t *testing.T) {
	c := models.Coordinate{Lat: 12.9716, Lon: 77.5946}
	d, err := DistanceKm(c, c)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d != 0 {
		t.Fatalf("expected 0, got %f", d)
	}
}

func TestDistanceKmKnownPairs(t *testing.T) {
	cases := []struct {
		name string
		a, b models.Coordinate
		min  float64
		max  float64
	}{
		{"bangalore_mg_road_to_koramangala", models.Coordinate{Lat: 12.9716, Lon: 77.5946}, models.Coordinate{Lat: 12.9352, Lon: 77.6245}, 5.1, 5.3},
		{"bangalore_to_chennai", models.Coordinate{Lat: 12.9716, Lon: 77.5946}, models.Coordinate{Lat: 13.0827, Lon: 80.2707}, 285, 295},
		{"one_degree_longitude_at_equator", models.Coordinate{Lat: 0, Lon: 0}, models.Coordinate{Lat: 0, Lon: 1}, 111.1, 111.3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d, err := DistanceKm(tc.a, tc.b)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if d < tc.min || d > tc.max {
				t.Fatalf("distance %f outside [%f, %f]", d, tc.min, tc.max)
			}
			back, _ := DistanceKm(tc.b, tc.a)
			if math.Abs(back-d) > 1e-9 {
				t.Fatalf("distance not symmetric: %f vs %f", d, back)
			}
		})
	}
}

func TestDistanceKmRejectsOutOfBounds(t *testing.T) {
	ok := models.Coordinate{Lat: 12.9716, Lon: 77.5946}
	bad := []models.Coordinate{
		{Lat: 91, Lon: 0},
		{Lat: -90.5, Lon: 0},
		{Lat: 0, Lon: 180.1},
		{Lat: 0, Lon: -181},
		{Lat: math.NaN(), Lon: 0},
	}
	for _, c := range bad {
		if _, err := DistanceKm(ok, c); !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("expected ErrInvalidCoordinate for %+v, got %v", c, err)
		}
		if _, err := DistanceKm(c, ok); !errors.Is(err, ErrInvalidCoordinate) {
			t.Fatalf("expected ErrInvalidCoordinate for %+v as origin, got %v", c, err)
		}
	}
	if err := Validate(models.Coordinate{Lat: 90, Lon: -180}); err != nil {
		t.Fatalf("boundary values should be valid: %v", err)
	}
}

func TestMemoryIndexNearby(t *testing.T) {
	ctx := context.Background()
	idx := NewMemoryIndex()
	center := models.Coordinate{Lat: 12.9716, Lon: 77.5946}
	_ = idx.Upsert(ctx, "far", models.Coordinate{Lat: 13.0827, Lon: 80.2707})
	_ = idx.Upsert(ctx, "near", models.Coordinate{Lat: 12.9352, Lon: 77.6245})
	_ = idx.Upsert(ctx, "here", center)

	got, err := idx.Nearby(ctx, center, 10, 0)
	if err != nil {
		t.Fatalf("nearby: %v", err)
	}
	if len(got) != 2 || got[0].WorkerID != "here" || got[1].WorkerID != "near" {
		t.Fatalf("unexpected result: %+v", got)
	}

	_ = idx.Remove(ctx, "here")
	got, _ = idx.Nearby(ctx, center, 10, 1)
	if len(got) != 1 || got[0].WorkerID != "near" {
		t.Fatalf("unexpected result after remove: %+v", got)
	}
}
