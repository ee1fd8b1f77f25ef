package booking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/observability"
	"github.com/example/home-dispatch/internal/storage"
)

const DefaultMaxRetries = 3

// Store is the persistence the machine needs.
type Store interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	ApplyTransition(ctx context.Context, t storage.Transition) (*models.Request, error)
}

type Machine struct {
	store      Store
	publisher  broadcast.Publisher
	logger     *slog.Logger
	maxRetries int
	now        func() time.Time
}

func NewMachine(store Store, publisher broadcast.Publisher, maxRetries int, logger *slog.Logger) *Machine {
	if publisher == nil {
		publisher = broadcast.Nop{}
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Machine{
		store:      store,
		publisher:  publisher,
		logger:     logging.OrDefault(logger),
		maxRetries: maxRetries,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Transition applies ev to the request on behalf of actor. The status
// change, worker availability change and activity entry commit together;
// subscribers are notified afterwards on a best-effort basis.
func (m *Machine) Transition(ctx context.Context, requestID string, ev Event, actor models.Actor) (*models.Request, error) {
	for attempt := 0; ; attempt++ {
		cur, err := m.store.GetRequest(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("load request %s: %w", requestID, err)
		}

		if ev.Type == Cancel && cur.Status.Terminal() {
			observability.TransitionsTotal.WithLabelValues(string(ev.Type), "noop").Inc()
			return cur, nil
		}

		t, err := m.plan(cur, ev, actor)
		if err != nil {
			observability.TransitionsTotal.WithLabelValues(string(ev.Type), "illegal").Inc()
			return nil, err
		}

		next, err := m.store.ApplyTransition(ctx, t)
		switch {
		case err == nil:
			observability.TransitionsTotal.WithLabelValues(string(ev.Type), "ok").Inc()
			m.logger.Info("transition",
				"request_id", next.ID, "event", string(ev.Type),
				"from", string(cur.Status), "status", string(next.Status),
				"actor_type", string(actor.Type), "actor_id", actor.ID)
			m.notify(ctx, cur, next, ev)
			return next, nil
		case errors.Is(err, storage.ErrStaleState):
			if attempt >= m.maxRetries {
				observability.TransitionsTotal.WithLabelValues(string(ev.Type), "conflict").Inc()
				return nil, fmt.Errorf("%w: request %s", ErrConflict, requestID)
			}
			observability.TransitionRetriesTotal.Inc()
			continue
		case errors.Is(err, storage.ErrWorkerBusy):
			observability.TransitionsTotal.WithLabelValues(string(ev.Type), "worker_busy").Inc()
			return nil, fmt.Errorf("%w: worker %s", ErrConcurrentAssignment, t.WorkerID)
		default:
			observability.TransitionsTotal.WithLabelValues(string(ev.Type), "error").Inc()
			return nil, fmt.Errorf("apply %s to %s: %w", ev.Type, requestID, err)
		}
	}
}

func (m *Machine) plan(cur *models.Request, ev Event, actor models.Actor) (storage.Transition, error) {
	to, ok := Next(cur.Status, ev.Type)
	if !ok {
		return storage.Transition{}, &IllegalTransitionError{From: cur.Status, Event: ev.Type}
	}
	illegal := func(reason string) (storage.Transition, error) {
		return storage.Transition{}, &IllegalTransitionError{From: cur.Status, Event: ev.Type, Reason: reason}
	}

	assigned := ""
	if cur.AssignedWorkerID != nil {
		assigned = *cur.AssignedWorkerID
	}
	now := m.now()
	from := cur.Status
	t := storage.Transition{
		RequestID:        cur.ID,
		FromStatus:       cur.Status,
		FromVersion:      cur.Version,
		ToStatus:         to,
		AssignedWorkerID: cur.AssignedWorkerID,
		At:               now,
		Activity: models.ActivityEntry{
			ID:             uuid.NewString(),
			RequestID:      cur.ID,
			ActorType:      actor.Type,
			ActorID:        actor.ID,
			Action:         string(ev.Type),
			PreviousStatus: &from,
			NewStatus:      &to,
			Detail:         ev.Reason,
			CreatedAt:      now,
		},
	}

	switch ev.Type {
	case Assign:
		if ev.WorkerID == "" {
			return illegal("worker id required")
		}
		if cur.HasRejected(ev.WorkerID) {
			return illegal("worker already rejected this request")
		}
		w := ev.WorkerID
		t.AssignedWorkerID = &w
		t.WorkerID = w
		t.Effect = storage.WorkerReserve
		t.Activity.Detail = joinDetail("worker "+w, ev.Reason)
	case Accept, Reject:
		if actor.Type != models.ActorWorker || actor.ID != assigned {
			return illegal("only the assigned worker may respond")
		}
		if ev.Type == Accept {
			t.WorkerID = assigned
			t.Effect = storage.WorkerClaim
		} else {
			t.AssignedWorkerID = nil
			t.RejectWorkerID = assigned
		}
	case Arrive, Start, Complete:
		if actor.Type == models.ActorWorker && actor.ID != assigned {
			return illegal("worker is not assigned to this request")
		}
		if ev.Type == Complete {
			t.WorkerID = assigned
			t.Effect = storage.WorkerRelease
		}
	case Cancel:
		if assigned != "" {
			t.WorkerID = assigned
			t.Effect = storage.WorkerRelease
		}
	}
	return t, nil
}

func joinDetail(a, b string) string {
	if b == "" {
		return a
	}
	return a + ": " + b
}

func (m *Machine) notify(ctx context.Context, prev, next *models.Request, ev Event) {
	out := broadcast.Event{
		Type:      broadcast.EventStatusChange,
		RequestID: next.ID,
		Status:    next.Status,
		Action:    string(ev.Type),
		Timestamp: next.UpdatedAt,
	}
	if next.AssignedWorkerID != nil {
		out.WorkerID = *next.AssignedWorkerID
	}

	groups := []broadcast.Group{broadcast.CustomerGroup(next.CustomerID), broadcast.Operators}
	seen := map[string]bool{}
	for _, p := range []*string{prev.AssignedWorkerID, next.AssignedWorkerID} {
		if p != nil && !seen[*p] {
			seen[*p] = true
			groups = append(groups, broadcast.WorkerGroup(*p))
		}
	}
	for _, g := range groups {
		if err := m.publisher.Publish(ctx, g, out); err != nil {
			observability.PublishFailuresTotal.WithLabelValues("booking").Inc()
			m.logger.Warn("publish_failed", "request_id", next.ID, "group", string(g), "error", err)
		}
	}
}
