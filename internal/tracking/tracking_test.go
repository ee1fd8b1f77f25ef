package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/storage"
)

type capture struct {
	mu     sync.Mutex
	groups []broadcast.Group
	events []broadcast.Event
}

func (c *capture) Publish(_ context.Context, g broadcast.Group, ev broadcast.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.groups = append(c.groups, g)
	c.events = append(c.events, ev)
	return nil
}

func (c *capture) sentTo(g broadcast.Group) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, got := range c.groups {
		if got == g {
			n++
		}
	}
	return n
}

func setup(t *testing.T) (*Service, *storage.MemoryStore, *geo.MemoryIndex, *capture) {
	t.Helper()
	st := storage.NewMemoryStore()
	idx := geo.NewMemoryIndex()
	pub := &capture{}
	err := st.CreateWorker(context.Background(), &models.Worker{ID: "w1", CategoryID: "Electrical", Availability: models.AvailabilityAvailable, KYC: models.KYCApproved})
	if err != nil {
		t.Fatalf("create worker: %v", err)
	}
	return NewService(st, idx, pub, nil), st, idx, pub
}

func TestRecordLocationValidates(t *testing.T) {
	svc, st, _, pub := setup(t)
	ctx := context.Background()

	_, err := svc.RecordLocation(ctx, LocationInput{WorkerID: "w1", Coordinate: models.Coordinate{Lat: 91, Lon: 0}})
	if !errors.Is(err, geo.ErrInvalidCoordinate) {
		t.Fatalf("expected ErrInvalidCoordinate, got %v", err)
	}
	if len(pub.groups) != 0 {
		t.Fatalf("invalid ping must not be broadcast")
	}

	s, err := svc.RecordLocation(ctx, LocationInput{WorkerID: "w1", Coordinate: models.Coordinate{Lat: 12.9716, Lon: 77.5946}})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if !s.IsOnline || s.ID == "" {
		t.Fatalf("unexpected sample %+v", s)
	}
	w, _ := st.GetWorker(ctx, "w1")
	if w.CurrentLocation == nil || *w.CurrentLocation != (models.Coordinate{Lat: 12.9716, Lon: 77.5946}) {
		t.Fatalf("current location not updated: %+v", w.CurrentLocation)
	}
	if pub.sentTo(broadcast.Operators) != 1 {
		t.Fatalf("expected operators broadcast")
	}
}

func TestRecordLocationUnknownWorker(t *testing.T) {
	svc, _, _, _ := setup(t)
	_, err := svc.RecordLocation(context.Background(), LocationInput{WorkerID: "ghost", Coordinate: models.Coordinate{Lat: 1, Lon: 1}})
	if !errors.Is(err, storage.ErrNotFound) || !IsInvalid(err) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordLocationForActiveRequest(t *testing.T) {
	svc, st, idx, pub := setup(t)
	ctx := context.Background()
	w1 := "w1"
	_ = st.CreateRequest(ctx, &models.Request{ID: "r1", CustomerID: "c9", Status: models.StatusPartnerAccepted, AssignedWorkerID: &w1})
	_ = st.CreateRequest(ctx, &models.Request{ID: "r2", CustomerID: "c8", Status: models.StatusPartnerAssigned, AssignedWorkerID: &w1})

	r1 := "r1"
	if _, err := svc.RecordLocation(ctx, LocationInput{WorkerID: "w1", Coordinate: models.Coordinate{Lat: 12.97, Lon: 77.59}, RequestID: &r1}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if pub.sentTo(broadcast.CustomerGroup("c9")) != 1 {
		t.Fatalf("customer of the active request should get the update")
	}
	entries, _, _ := st.QueryActivity(ctx, storage.ActivityQuery{RequestID: "r1", Action: "location_update"})
	if len(entries) != 1 || entries[0].Location == nil || entries[0].ActorID != "w1" {
		t.Fatalf("expected a location activity entry, got %+v", entries)
	}
	near, _ := idx.Nearby(ctx, models.Coordinate{Lat: 12.97, Lon: 77.59}, 1, 0)
	if len(near) != 1 {
		t.Fatalf("geo index not updated")
	}

	r2 := "r2"
	_, _ = svc.RecordLocation(ctx, LocationInput{WorkerID: "w1", Coordinate: models.Coordinate{Lat: 12.97, Lon: 77.59}, RequestID: &r2})
	if pub.sentTo(broadcast.CustomerGroup("c8")) != 0 {
		t.Fatalf("request that is not active must not leak location to its customer")
	}
}

func TestOlderPingDoesNotMoveWorker(t *testing.T) {
	svc, st, idx, pub := setup(t)
	ctx := context.Background()
	bangalore := models.Coordinate{Lat: 12.9716, Lon: 77.5946}
	chennai := models.Coordinate{Lat: 13.0827, Lon: 80.2707}
	newer := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)
	older := newer.Add(-5 * time.Minute)

	if _, err := svc.RecordLocation(ctx, LocationInput{WorkerID: "w1", Coordinate: bangalore, RecordedAt: &newer}); err != nil {
		t.Fatalf("record newer: %v", err)
	}
	late, err := svc.RecordLocation(ctx, LocationInput{WorkerID: "w1", Coordinate: chennai, RecordedAt: &older})
	if err != nil {
		t.Fatalf("record older: %v", err)
	}
	if !late.RecordedAt.Equal(older) {
		t.Fatalf("late sample should keep its device time, got %v", late.RecordedAt)
	}

	w, _ := st.GetWorker(ctx, "w1")
	if w.CurrentLocation == nil || *w.CurrentLocation != bangalore {
		t.Fatalf("older ping moved the worker to %+v", w.CurrentLocation)
	}
	if w.LastLocationUpdate == nil || !w.LastLocationUpdate.Equal(newer) {
		t.Fatalf("last update went backwards: %v", w.LastLocationUpdate)
	}
	if near, _ := idx.Nearby(ctx, bangalore, 1, 0); len(near) != 1 {
		t.Fatalf("index should still place w1 at the newer fix")
	}
	if near, _ := idx.Nearby(ctx, chennai, 1, 0); len(near) != 0 {
		t.Fatalf("index moved to the older fix")
	}
	if pub.sentTo(broadcast.Operators) != 1 {
		t.Fatalf("older ping must not be broadcast, got %d operator events", pub.sentTo(broadcast.Operators))
	}
	hist, _ := svc.History(ctx, "w1", HistoryQuery{})
	if len(hist) != 2 || !hist[0].RecordedAt.Equal(newer) || !hist[1].RecordedAt.Equal(older) {
		t.Fatalf("both samples belong in history, got %+v", hist)
	}
}

func TestHistoryLimitsAndOrder(t *testing.T) {
	svc, _, _, _ := setup(t)
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 120; i++ {
		ts := base.Add(time.Duration(i) * time.Second)
		if _, err := svc.RecordLocation(ctx, LocationInput{WorkerID: "w1", Coordinate: models.Coordinate{Lat: 12.97, Lon: 77.59}, RecordedAt: &ts}); err != nil {
			t.Fatalf("record: %v", err)
		}
	}

	page, err := svc.History(ctx, "w1", HistoryQuery{})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(page) != DefaultHistoryLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultHistoryLimit, len(page))
	}
	if !page[0].RecordedAt.Equal(base.Add(119 * time.Second)) {
		t.Fatalf("expected newest first, got %v", page[0].RecordedAt)
	}

	end := page[len(page)-1].RecordedAt.Add(-time.Nanosecond)
	rest, _ := svc.History(ctx, "w1", HistoryQuery{End: &end, Limit: 5000})
	if len(rest) != 20 {
		t.Fatalf("expected remaining 20 samples, got %d", len(rest))
	}

	start := base.Add(time.Minute)
	before := base
	empty, _ := svc.History(ctx, "w1", HistoryQuery{Start: &start, End: &before})
	if len(empty) != 0 {
		t.Fatalf("inverted range should be empty")
	}
}

func TestMarkOfflinePreservesHistory(t *testing.T) {
	svc, st, idx, pub := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ts := time.Date(2024, 6, 1, 8, i, 0, 0, time.UTC)
		_, _ = svc.RecordLocation(ctx, LocationInput{WorkerID: "w1", Coordinate: models.Coordinate{Lat: 12.97, Lon: 77.59}, RecordedAt: &ts})
	}

	w, err := svc.MarkOffline(ctx, "w1")
	if err != nil {
		t.Fatalf("offline: %v", err)
	}
	if w.Availability != models.AvailabilityOffline {
		t.Fatalf("expected OFFLINE, got %s", w.Availability)
	}
	hist, _ := svc.History(ctx, "w1", HistoryQuery{})
	if len(hist) != 3 || hist[0].IsOnline || !hist[1].IsOnline {
		t.Fatalf("unexpected history after offline: %+v", hist)
	}
	if near, _ := idx.Nearby(ctx, models.Coordinate{Lat: 12.97, Lon: 77.59}, 1, 0); len(near) != 0 {
		t.Fatalf("offline worker still in index")
	}
	if pub.sentTo(broadcast.Operators) != 4 {
		t.Fatalf("expected three pings and one offline notice to operators")
	}
	if pool, _ := st.ListEligibleWorkers(ctx, "Electrical", nil); len(pool) != 0 {
		t.Fatalf("offline worker must not be eligible")
	}

	w, _ = svc.MarkOnline(ctx, "w1")
	if w.Availability != models.AvailabilityAvailable {
		t.Fatalf("expected AVAILABLE, got %s", w.Availability)
	}
}
