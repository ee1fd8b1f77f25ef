package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/home-dispatch/internal/models"
)

// MemoryStore keeps everything in process. A single mutex stands in for the
// row locks PostgresStore takes, so transition checks and writes are atomic.
type MemoryStore struct {
	mu        sync.RWMutex
	workers   map[string]*models.Worker
	requests  map[string]*models.Request
	locations map[string][]models.LocationSample
	activity  []models.ActivityEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		workers:   make(map[string]*models.Worker),
		requests:  make(map[string]*models.Request),
		locations: make(map[string][]models.LocationSample),
	}
}

func (m *MemoryStore) CreateWorker(_ context.Context, w *models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workers[w.ID]; ok {
		return fmt.Errorf("worker %s: %w", w.ID, ErrDuplicate)
	}
	m.workers[w.ID] = cloneWorker(w)
	return nil
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneWorker(w), nil
}

func (m *MemoryStore) SetOnline(_ context.Context, workerID string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	if w.Availability == models.AvailabilityOffline {
		w.Availability = models.AvailabilityAvailable
	}
	return cloneWorker(w), nil
}

func (m *MemoryStore) MarkOffline(_ context.Context, workerID string) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return nil, ErrNotFound
	}
	w.Availability = models.AvailabilityOffline
	if samples := m.locations[workerID]; len(samples) > 0 {
		latest := 0
		for i := range samples {
			if samples[i].RecordedAt.After(samples[latest].RecordedAt) {
				latest = i
			}
		}
		samples[latest].IsOnline = false
	}
	return cloneWorker(w), nil
}

func (m *MemoryStore) ListEligibleWorkers(_ context.Context, categoryID string, exclude []string) ([]models.Worker, error) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Worker, 0)
	for _, w := range m.workers {
		if skip[w.ID] || w.CategoryID != categoryID {
			continue
		}
		if w.Availability != models.AvailabilityAvailable || w.KYC != models.KYCApproved {
			continue
		}
		if m.heldLocked(w.ID, "", models.Status.Holds) {
			continue
		}
		out = append(out, *cloneWorker(w))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s: %w", r.ID, ErrDuplicate)
	}
	m.requests[r.ID] = cloneRequest(r)
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.Request, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.requests[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(r), nil
}

func (m *MemoryStore) ApplyTransition(_ context.Context, t Transition) (*models.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[t.RequestID]
	if !ok {
		return nil, ErrNotFound
	}
	if r.Status != t.FromStatus || r.Version != t.FromVersion {
		return nil, ErrStaleState
	}

	var w *models.Worker
	if t.Effect != WorkerUnchanged && t.WorkerID != "" {
		w, ok = m.workers[t.WorkerID]
		if !ok {
			return nil, ErrNotFound
		}
		switch t.Effect {
		case WorkerReserve:
			if w.Availability != models.AvailabilityAvailable || m.heldLocked(w.ID, r.ID, models.Status.Holds) {
				return nil, ErrWorkerBusy
			}
		case WorkerClaim:
			if w.Availability != models.AvailabilityAvailable || m.heldLocked(w.ID, r.ID, models.Status.Active) {
				return nil, ErrWorkerBusy
			}
		}
	}

	at := t.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.Status = t.ToStatus
	r.Version++
	r.UpdatedAt = at
	r.AssignedWorkerID = copyString(t.AssignedWorkerID)
	if t.RejectWorkerID != "" && !r.HasRejected(t.RejectWorkerID) {
		r.RejectedWorkerIDs = append(r.RejectedWorkerIDs, t.RejectWorkerID)
	}

	if w != nil {
		switch t.Effect {
		case WorkerClaim:
			w.Availability = models.AvailabilityBusy
		case WorkerRelease:
			if w.Availability == models.AvailabilityBusy && !m.heldLocked(w.ID, r.ID, models.Status.Active) {
				w.Availability = models.AvailabilityAvailable
			}
		}
	}

	e := t.Activity
	if e.CreatedAt.IsZero() {
		e.CreatedAt = at
	}
	m.activity = append(m.activity, e)
	return cloneRequest(r), nil
}

// heldLocked reports whether a request other than skip is assigned to
// workerID in a status matching held.
func (m *MemoryStore) heldLocked(workerID, skip string, held func(models.Status) bool) bool {
	for id, r := range m.requests {
		if id == skip || r.AssignedWorkerID == nil || *r.AssignedWorkerID != workerID {
			continue
		}
		if held(r.Status) {
			return true
		}
	}
	return false
}

func (m *MemoryStore) RecordLocation(_ context.Context, s *models.LocationSample) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[s.WorkerID]
	if !ok {
		return false, ErrNotFound
	}
	m.locations[s.WorkerID] = append(m.locations[s.WorkerID], cloneSample(*s))
	if w.LastLocationUpdate != nil && s.RecordedAt.Before(*w.LastLocationUpdate) {
		return false, nil
	}
	c := s.Coordinate
	at := s.RecordedAt
	w.CurrentLocation = &c
	w.LastLocationUpdate = &at
	return true, nil
}

func (m *MemoryStore) LocationHistory(_ context.Context, workerID string, q HistoryRange) ([]models.LocationSample, error) {
	m.mu.RLock()
	out := make([]models.LocationSample, 0)
	for _, s := range m.locations[workerID] {
		if q.Start != nil && s.RecordedAt.Before(*q.Start) {
			continue
		}
		if q.End != nil && s.RecordedAt.After(*q.End) {
			continue
		}
		out = append(out, cloneSample(s))
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AppendActivity(_ context.Context, e *models.ActivityEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activity = append(m.activity, *e)
	return nil
}

func (m *MemoryStore) QueryActivity(_ context.Context, q ActivityQuery) ([]models.ActivityEntry, int, error) {
	m.mu.RLock()
	matched := make([]models.ActivityEntry, 0)
	for _, e := range m.activity {
		if q.RequestID != "" && e.RequestID != q.RequestID {
			continue
		}
		if q.ActorType != "" && e.ActorType != q.ActorType {
			continue
		}
		if q.Action != "" && e.Action != q.Action {
			continue
		}
		if q.From != nil && e.CreatedAt.Before(*q.From) {
			continue
		}
		if q.To != nil && e.CreatedAt.After(*q.To) {
			continue
		}
		matched = append(matched, e)
	}
	m.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	total := len(matched)
	if q.Offset >= total {
		return []models.ActivityEntry{}, total, nil
	}
	matched = matched[q.Offset:]
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched, total, nil
}

func cloneWorker(w *models.Worker) *models.Worker {
	c := *w
	if w.CurrentLocation != nil {
		loc := *w.CurrentLocation
		c.CurrentLocation = &loc
	}
	if w.LastLocationUpdate != nil {
		ts := *w.LastLocationUpdate
		c.LastLocationUpdate = &ts
	}
	return &c
}

func cloneRequest(r *models.Request) *models.Request {
	c := *r
	c.Services = append([]models.ServiceLine(nil), r.Services...)
	c.RejectedWorkerIDs = append([]string(nil), r.RejectedWorkerIDs...)
	c.AssignedWorkerID = copyString(r.AssignedWorkerID)
	if r.Pickup != nil {
		p := *r.Pickup
		c.Pickup = &p
	}
	return &c
}

func cloneSample(s models.LocationSample) models.LocationSample {
	if s.Accuracy != nil {
		a := *s.Accuracy
		s.Accuracy = &a
	}
	s.RequestID = copyString(s.RequestID)
	return s
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
