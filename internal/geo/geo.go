package geo

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/example/home-dispatch/internal/models"
)

const earthRadiusKm = 6371.0

var ErrInvalidCoordinate = errors.New("invalid coordinate")

// Validate rejects coordinates outside WGS84 bounds.
func Validate(c models.Coordinate) error {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) || c.Lat < -90 || c.Lat > 90 || c.Lon < -180 || c.Lon > 180 {
		return fmt.Errorf("%w: lat=%v lon=%v", ErrInvalidCoordinate, c.Lat, c.Lon)
	}
	return nil
}

// DistanceKm is the great-circle distance between a and b.
func DistanceKm(a, b models.Coordinate) (float64, error) {
	if err := Validate(a); err != nil {
		return 0, err
	}
	if err := Validate(b); err != nil {
		return 0, err
	}
	return HaversineKm(a.Lat, a.Lon, b.Lat, b.Lon), nil
}

// HaversineKm skips bound checks; callers validate first.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

// Position is a worker's last known point as seen by an Index.
type Position struct {
	WorkerID   string            `json:"worker_id"`
	Coordinate models.Coordinate `json:"coordinate"`
	DistanceKm float64           `json:"distance_km"`
}

// Index mirrors current worker positions for operator map views. It is not
// the source of truth for matching.
type Index interface {
	Upsert(ctx context.Context, workerID string, c models.Coordinate) error
	Remove(ctx context.Context, workerID string) error
	Nearby(ctx context.Context, center models.Coordinate, radiusKm float64, limit int) ([]Position, error)
}

type MemoryIndex struct {
	mu        sync.RWMutex
	positions map[string]models.Coordinate
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{positions: make(map[string]models.Coordinate)}
}

func (g *MemoryIndex) Upsert(_ context.Context, workerID string, c models.Coordinate) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.positions[workerID] = c
	return nil
}

func (g *MemoryIndex) Remove(_ context.Context, workerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.positions, workerID)
	return nil
}

// naive scan; fine for a single instance
func (g *MemoryIndex) Nearby(_ context.Context, center models.Coordinate, radiusKm float64, limit int) ([]Position, error) {
	if err := Validate(center); err != nil {
		return nil, err
	}
	g.mu.RLock()
	out := make([]Position, 0, len(g.positions))
	for id, c := range g.positions {
		d := HaversineKm(center.Lat, center.Lon, c.Lat, c.Lon)
		if d > radiusKm {
			continue
		}
		out = append(out, Position{WorkerID: id, Coordinate: c, DistanceKm: d})
	}
	g.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceKm != out[j].DistanceKm {
			return out[i].DistanceKm < out[j].DistanceKm
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
