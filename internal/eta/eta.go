package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/models"
)

// Client estimates travel time between two points in seconds.
type Client interface {
	EstimateSeconds(ctx context.Context, from, to models.Coordinate) (float64, error)
}

// DefaultSpeedMps is roughly 29 km/h of city traffic.
const DefaultSpeedMps = 8.0

// Naive estimates straight-line distance over a fixed speed.
type Naive struct {
	SpeedMps float64
}

func (n Naive) EstimateSeconds(_ context.Context, from, to models.Coordinate) (float64, error) {
	km, err := geo.DistanceKm(from, to)
	if err != nil {
		return 0, err
	}
	return EstimateSeconds(km, n.SpeedMps), nil
}

func EstimateSeconds(distanceKm, speedMps float64) float64 {
	if speedMps <= 0 {
		speedMps = DefaultSpeedMps
	}
	return distanceKm * 1000 / speedMps
}

// Cache is a small TTL cache for ETA lookups keyed by coordinates.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coordinate) string {
	return fmt.Sprintf("%.6f,%.6f->%.6f,%.6f", a.Lat, a.Lon, b.Lat, b.Lon)
}

func (c *Cache) Get(a, b models.Coordinate) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *Cache) Set(a, b models.Coordinate, v float64) {
	c.mu.Lock()
	c.store[keyFor(a, b)] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// Cached wraps a Client with a Cache.
type Cached struct {
	Next  Client
	Cache *Cache
}

func (c Cached) EstimateSeconds(ctx context.Context, from, to models.Coordinate) (float64, error) {
	if v, ok := c.Cache.Get(from, to); ok {
		return v, nil
	}
	v, err := c.Next.EstimateSeconds(ctx, from, to)
	if err != nil {
		return 0, err
	}
	c.Cache.Set(from, to, v)
	return v, nil
}
