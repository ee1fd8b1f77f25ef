package storage

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/example/home-dispatch/internal/models"
)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore() })
}

func TestPostgresStore(t *testing.T) {
	runStoreSuite(t, setupPostgres)
}

func setupPostgres(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("DISPATCH_TEST_DSN")
	if dsn == "" {
		t.Skip("DISPATCH_TEST_DSN not set; skipping Postgres store tests")
	}
	ctx := context.Background()
	s, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("connect db: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	script, err := os.ReadFile(filepath.Join("..", "..", "migrations", "001_init.sql"))
	if err != nil {
		t.Fatalf("read migration: %v", err)
	}
	if err := s.Migrate(ctx, string(script)); err != nil {
		t.Fatalf("apply migration: %v", err)
	}
	if _, err := s.DB().ExecContext(ctx, "TRUNCATE TABLE activity_log, worker_locations, requests, workers"); err != nil {
		t.Fatalf("truncate tables: %v", err)
	}
	return s
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Run("eligible workers", func(t *testing.T) { testEligibleWorkers(t, newStore(t)) })
	t.Run("transition cas", func(t *testing.T) { testTransitionCAS(t, newStore(t)) })
	t.Run("claim and release", func(t *testing.T) { testClaimAndRelease(t, newStore(t)) })
	t.Run("concurrent claim", func(t *testing.T) { testConcurrentClaim(t, newStore(t)) })
	t.Run("location history", func(t *testing.T) { testLocationHistory(t, newStore(t)) })
	t.Run("late sample", func(t *testing.T) { testLateSampleKeepsCurrent(t, newStore(t)) })
	t.Run("reservation", func(t *testing.T) { testReservationHoldsWorker(t, newStore(t)) })
	t.Run("concurrent reserve", func(t *testing.T) { testConcurrentReserve(t, newStore(t)) })
	t.Run("duplicate ids", func(t *testing.T) { testDuplicateIDs(t, newStore(t)) })
	t.Run("activity query", func(t *testing.T) { testActivityQuery(t, newStore(t)) })
}

func seedWorker(t *testing.T, s Store, id, category string, av models.Availability) {
	t.Helper()
	w := &models.Worker{ID: id, CategoryID: category, Availability: av, KYC: models.KYCApproved}
	if err := s.CreateWorker(context.Background(), w); err != nil {
		t.Fatalf("create worker: %v", err)
	}
}

func seedRequest(t *testing.T, s Store, status models.Status) *models.Request {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Microsecond)
	r := &models.Request{
		ID:         uuid.NewString(),
		CustomerID: "c1",
		Services:   []models.ServiceLine{{ServiceID: "s1", CategoryID: "electrical", Quantity: 1}},
		CategoryID: "electrical",
		Pickup:     &models.Coordinate{Lat: 12.9716, Lon: 77.5946},
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.CreateRequest(context.Background(), r); err != nil {
		t.Fatalf("create request: %v", err)
	}
	return r
}

func entry(requestID, action string) models.ActivityEntry {
	return models.ActivityEntry{ID: uuid.NewString(), RequestID: requestID, ActorType: models.ActorSystem, Action: action}
}

func ptr(s string) *string { return &s }

func testEligibleWorkers(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorker(t, s, "w-a", "electrical", models.AvailabilityAvailable)
	seedWorker(t, s, "w-b", "electrical", models.AvailabilityAvailable)
	seedWorker(t, s, "w-busy", "electrical", models.AvailabilityBusy)
	seedWorker(t, s, "w-off", "electrical", models.AvailabilityOffline)
	seedWorker(t, s, "w-plumb", "plumbing", models.AvailabilityAvailable)
	if err := s.CreateWorker(ctx, &models.Worker{ID: "w-kyc", CategoryID: "electrical", Availability: models.AvailabilityAvailable, KYC: models.KYCPending}); err != nil {
		t.Fatalf("create worker: %v", err)
	}

	got, err := s.ListEligibleWorkers(ctx, "electrical", []string{"w-b"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].ID != "w-a" {
		t.Fatalf("expected only w-a, got %+v", got)
	}
}

func testTransitionCAS(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRequest(t, s, models.StatusPending)

	next, err := s.ApplyTransition(ctx, Transition{
		RequestID: r.ID, FromStatus: models.StatusPending, FromVersion: 0,
		ToStatus: models.StatusSearchingPartner, Activity: entry(r.ID, "SUBMIT"),
	})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if next.Status != models.StatusSearchingPartner || next.Version != 1 {
		t.Fatalf("unexpected request after transition: %+v", next)
	}

	_, err = s.ApplyTransition(ctx, Transition{
		RequestID: r.ID, FromStatus: models.StatusPending, FromVersion: 0,
		ToStatus: models.StatusSearchingPartner, Activity: entry(r.ID, "SUBMIT"),
	})
	if !errors.Is(err, ErrStaleState) {
		t.Fatalf("expected ErrStaleState, got %v", err)
	}

	_, err = s.ApplyTransition(ctx, Transition{RequestID: "missing", FromStatus: models.StatusPending, ToStatus: models.StatusCancelled, Activity: entry("missing", "CANCEL")})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	entries, total, err := s.QueryActivity(ctx, ActivityQuery{RequestID: r.ID})
	if err != nil {
		t.Fatalf("query activity: %v", err)
	}
	if total != 1 || len(entries) != 1 || entries[0].Action != "SUBMIT" {
		t.Fatalf("expected exactly one SUBMIT entry, got %d %+v", total, entries)
	}
}

func testClaimAndRelease(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorker(t, s, "w1", "electrical", models.AvailabilityAvailable)
	r := seedRequest(t, s, models.StatusPartnerAssigned)

	accepted, err := s.ApplyTransition(ctx, Transition{
		RequestID: r.ID, FromStatus: models.StatusPartnerAssigned, FromVersion: 0,
		ToStatus: models.StatusPartnerAccepted, AssignedWorkerID: ptr("w1"),
		WorkerID: "w1", Effect: WorkerClaim, Activity: entry(r.ID, "ACCEPT"),
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	w, _ := s.GetWorker(ctx, "w1")
	if w.Availability != models.AvailabilityBusy {
		t.Fatalf("expected BUSY after claim, got %s", w.Availability)
	}
	if pool, _ := s.ListEligibleWorkers(ctx, "electrical", nil); len(pool) != 0 {
		t.Fatalf("busy worker must not be eligible, got %+v", pool)
	}

	other := seedRequest(t, s, models.StatusSearchingPartner)
	_, err = s.ApplyTransition(ctx, Transition{
		RequestID: other.ID, FromStatus: models.StatusSearchingPartner, FromVersion: 0,
		ToStatus: models.StatusPartnerAssigned, AssignedWorkerID: ptr("w1"),
		WorkerID: "w1", Effect: WorkerReserve, Activity: entry(other.ID, "ASSIGN"),
	})
	if !errors.Is(err, ErrWorkerBusy) {
		t.Fatalf("expected ErrWorkerBusy, got %v", err)
	}

	_, err = s.ApplyTransition(ctx, Transition{
		RequestID: r.ID, FromStatus: models.StatusPartnerAccepted, FromVersion: accepted.Version,
		ToStatus: models.StatusCancelled, AssignedWorkerID: ptr("w1"),
		WorkerID: "w1", Effect: WorkerRelease, Activity: entry(r.ID, "CANCEL"),
	})
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	w, _ = s.GetWorker(ctx, "w1")
	if w.Availability != models.AvailabilityAvailable {
		t.Fatalf("expected AVAILABLE after release, got %s", w.Availability)
	}
}

func testConcurrentClaim(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorker(t, s, "w1", "electrical", models.AvailabilityAvailable)
	const n = 8
	reqs := make([]*models.Request, n)
	for i := range reqs {
		reqs[i] = seedRequest(t, s, models.StatusPartnerAssigned)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, r := range reqs {
		wg.Add(1)
		go func(r *models.Request) {
			defer wg.Done()
			_, err := s.ApplyTransition(ctx, Transition{
				RequestID: r.ID, FromStatus: models.StatusPartnerAssigned, FromVersion: 0,
				ToStatus: models.StatusPartnerAccepted, AssignedWorkerID: ptr("w1"),
				WorkerID: "w1", Effect: WorkerClaim, Activity: entry(r.ID, "ACCEPT"),
			})
			errs <- err
		}(r)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrWorkerBusy) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one claim, got %d", success)
	}
}

func reserve(ctx context.Context, s Store, r *models.Request, workerID string) (*models.Request, error) {
	return s.ApplyTransition(ctx, Transition{
		RequestID: r.ID, FromStatus: models.StatusSearchingPartner, FromVersion: 0,
		ToStatus: models.StatusPartnerAssigned, AssignedWorkerID: ptr(workerID),
		WorkerID: workerID, Effect: WorkerReserve, Activity: entry(r.ID, "ASSIGN"),
	})
}

func testReservationHoldsWorker(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorker(t, s, "w1", "electrical", models.AvailabilityAvailable)
	r1 := seedRequest(t, s, models.StatusSearchingPartner)
	r2 := seedRequest(t, s, models.StatusSearchingPartner)

	offered, err := reserve(ctx, s, r1, "w1")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if pool, _ := s.ListEligibleWorkers(ctx, "electrical", nil); len(pool) != 0 {
		t.Fatalf("worker with an open offer must not be eligible, got %+v", pool)
	}
	if _, err := reserve(ctx, s, r2, "w1"); !errors.Is(err, ErrWorkerBusy) {
		t.Fatalf("expected ErrWorkerBusy for second offer, got %v", err)
	}

	// Rejecting the first offer frees the worker for the second request.
	_, err = s.ApplyTransition(ctx, Transition{
		RequestID: r1.ID, FromStatus: models.StatusPartnerAssigned, FromVersion: offered.Version,
		ToStatus: models.StatusSearchingPartner, RejectWorkerID: "w1", Activity: entry(r1.ID, "REJECT"),
	})
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if pool, _ := s.ListEligibleWorkers(ctx, "electrical", nil); len(pool) != 1 {
		t.Fatalf("worker should be eligible again, got %+v", pool)
	}
	if _, err := reserve(ctx, s, r2, "w1"); err != nil {
		t.Fatalf("reserve after reject: %v", err)
	}
}

func testConcurrentReserve(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorker(t, s, "w1", "electrical", models.AvailabilityAvailable)
	const n = 8
	reqs := make([]*models.Request, n)
	for i := range reqs {
		reqs[i] = seedRequest(t, s, models.StatusSearchingPartner)
	}

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for _, r := range reqs {
		wg.Add(1)
		go func(r *models.Request) {
			defer wg.Done()
			_, err := reserve(ctx, s, r, "w1")
			errs <- err
		}(r)
	}
	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if !errors.Is(err, ErrWorkerBusy) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if success != 1 {
		t.Fatalf("expected exactly one reservation, got %d", success)
	}
}

func testLateSampleKeepsCurrent(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorker(t, s, "w1", "electrical", models.AvailabilityAvailable)
	newer := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	older := newer.Add(-5 * time.Minute)

	current, err := s.RecordLocation(ctx, &models.LocationSample{
		ID: uuid.NewString(), WorkerID: "w1", Coordinate: models.Coordinate{Lat: 12.9716, Lon: 77.5946},
		IsOnline: true, RecordedAt: newer,
	})
	if err != nil || !current {
		t.Fatalf("expected newer sample to become current, got %v %v", current, err)
	}
	current, err = s.RecordLocation(ctx, &models.LocationSample{
		ID: uuid.NewString(), WorkerID: "w1", Coordinate: models.Coordinate{Lat: 13.0827, Lon: 80.2707},
		IsOnline: true, RecordedAt: older,
	})
	if err != nil || current {
		t.Fatalf("expected late sample to stay historical, got %v %v", current, err)
	}

	w, _ := s.GetWorker(ctx, "w1")
	if w.CurrentLocation == nil || math.Abs(w.CurrentLocation.Lon-77.5946) > 1e-9 {
		t.Fatalf("current location moved back to a late sample: %+v", w.CurrentLocation)
	}
	if w.LastLocationUpdate == nil || !w.LastLocationUpdate.Equal(newer) {
		t.Fatalf("last update should stay at %v, got %v", newer, w.LastLocationUpdate)
	}
	all, _ := s.LocationHistory(ctx, "w1", HistoryRange{})
	if len(all) != 2 {
		t.Fatalf("late sample must still be kept, got %d samples", len(all))
	}
}

func testDuplicateIDs(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorker(t, s, "w1", "electrical", models.AvailabilityAvailable)
	err := s.CreateWorker(ctx, &models.Worker{ID: "w1", CategoryID: "electrical", Availability: models.AvailabilityAvailable, KYC: models.KYCApproved})
	if !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for worker, got %v", err)
	}
	r := seedRequest(t, s, models.StatusPending)
	if err := s.CreateRequest(ctx, r); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for request, got %v", err)
	}
}

func testLocationHistory(t *testing.T, s Store) {
	ctx := context.Background()
	seedWorker(t, s, "w1", "electrical", models.AvailabilityAvailable)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := s.RecordLocation(ctx, &models.LocationSample{
			ID: uuid.NewString(), WorkerID: "w1",
			Coordinate: models.Coordinate{Lat: 12.97 + float64(i)*0.001, Lon: 77.59},
			IsOnline:   true, RecordedAt: base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if _, err := s.RecordLocation(ctx, &models.LocationSample{ID: uuid.NewString(), WorkerID: "ghost", RecordedAt: base}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown worker, got %v", err)
	}

	w, _ := s.GetWorker(ctx, "w1")
	if w.CurrentLocation == nil || math.Abs(w.CurrentLocation.Lat-12.974) > 1e-9 {
		t.Fatalf("expected current location from last ping, got %+v", w.CurrentLocation)
	}

	start := base.Add(time.Minute)
	got, err := s.LocationHistory(ctx, "w1", HistoryRange{Start: &start, Limit: 2})
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(got) != 2 || !got[0].RecordedAt.Equal(base.Add(4*time.Minute)) || !got[1].RecordedAt.Equal(base.Add(3*time.Minute)) {
		t.Fatalf("unexpected history page: %+v", got)
	}

	if _, err := s.MarkOffline(ctx, "w1"); err != nil {
		t.Fatalf("mark offline: %v", err)
	}
	all, _ := s.LocationHistory(ctx, "w1", HistoryRange{})
	if len(all) != 5 {
		t.Fatalf("history must be preserved, got %d samples", len(all))
	}
	if all[0].IsOnline {
		t.Fatalf("latest sample should be flagged offline")
	}
	for _, smp := range all[1:] {
		if !smp.IsOnline {
			t.Fatalf("older samples must not change")
		}
	}
	w, _ = s.GetWorker(ctx, "w1")
	if w.Availability != models.AvailabilityOffline {
		t.Fatalf("expected OFFLINE, got %s", w.Availability)
	}
	w, _ = s.SetOnline(ctx, "w1")
	if w.Availability != models.AvailabilityAvailable {
		t.Fatalf("expected AVAILABLE after going online, got %s", w.Availability)
	}
}

func testActivityQuery(t *testing.T, s Store) {
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	for i, action := range []string{"SUBMIT", "ASSIGN", "location_update", "ACCEPT"} {
		e := entry("r1", action)
		e.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if action == "location_update" {
			e.ActorType = models.ActorWorker
		}
		if err := s.AppendActivity(ctx, &e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	other := entry("r2", "SUBMIT")
	other.CreatedAt = base
	_ = s.AppendActivity(ctx, &other)

	got, total, err := s.QueryActivity(ctx, ActivityQuery{RequestID: "r1", Limit: 2, Offset: 1})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if total != 4 || len(got) != 2 || got[0].Action != "ASSIGN" || got[1].Action != "location_update" {
		t.Fatalf("unexpected page: total=%d %+v", total, got)
	}

	got, _, _ = s.QueryActivity(ctx, ActivityQuery{ActorType: models.ActorWorker})
	if len(got) != 1 || got[0].Action != "location_update" {
		t.Fatalf("actor filter failed: %+v", got)
	}

	to := base.Add(time.Second)
	got, _, _ = s.QueryActivity(ctx, ActivityQuery{RequestID: "r1", To: &to})
	if len(got) != 2 {
		t.Fatalf("time filter failed: %+v", got)
	}
}
