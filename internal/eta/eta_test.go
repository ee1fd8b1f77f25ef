package eta

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/home-dispatch/internal/models"
)

type countingClient struct {
	calls int
	err   error
}

func (c *countingClient) EstimateSeconds(context.Context, models.Coordinate, models.Coordinate) (float64, error) {
	c.calls++
	return 42, c.err
}

func TestNaiveDefaultsSpeed(t *testing.T) {
	got := EstimateSeconds(8, 0)
	if got != 1000 {
		t.Fatalf("expected 1000s for 8km at default speed, got %f", got)
	}
}

func TestCachedHitsUnderlyingOnce(t *testing.T) {
	inner := &countingClient{}
	c := Cached{Next: inner, Cache: NewCache(time.Minute)}
	a := models.Coordinate{Lat: 1, Lon: 1}
	b := models.Coordinate{Lat: 2, Lon: 2}
	for i := 0; i < 3; i++ {
		v, err := c.EstimateSeconds(context.Background(), a, b)
		if err != nil || v != 42 {
			t.Fatalf("unexpected %f %v", v, err)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected 1 upstream call, got %d", inner.calls)
	}
}

func TestCachedDoesNotStoreErrors(t *testing.T) {
	inner := &countingClient{err: errors.New("down")}
	c := Cached{Next: inner, Cache: NewCache(time.Minute)}
	a := models.Coordinate{Lat: 1, Lon: 1}
	_, _ = c.EstimateSeconds(context.Background(), a, a)
	_, _ = c.EstimateSeconds(context.Background(), a, a)
	if inner.calls != 2 {
		t.Fatalf("expected 2 upstream calls, got %d", inner.calls)
	}
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":"Ok","routes":[{"duration":321.5}]}`))
	}))
	defer srv.Close()

	v, err := NewOSRMClient(srv.URL).EstimateSeconds(context.Background(), models.Coordinate{}, models.Coordinate{Lat: 1})
	if err != nil {
		t.Fatalf("osrm: %v", err)
	}
	if v != 321.5 {
		t.Fatalf("expected 321.5, got %f", v)
	}
}
