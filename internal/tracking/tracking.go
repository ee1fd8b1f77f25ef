package tracking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/home-dispatch/internal/broadcast"
	"github.com/example/home-dispatch/internal/geo"
	"github.com/example/home-dispatch/internal/logging"
	"github.com/example/home-dispatch/internal/models"
	"github.com/example/home-dispatch/internal/observability"
	"github.com/example/home-dispatch/internal/storage"
)

const (
	DefaultHistoryLimit = 100
	MaxHistoryLimit     = 1000
)

type Store interface {
	GetRequest(ctx context.Context, id string) (*models.Request, error)
	RecordLocation(ctx context.Context, s *models.LocationSample) (bool, error)
	LocationHistory(ctx context.Context, workerID string, q storage.HistoryRange) ([]models.LocationSample, error)
	MarkOffline(ctx context.Context, workerID string) (*models.Worker, error)
	SetOnline(ctx context.Context, workerID string) (*models.Worker, error)
	AppendActivity(ctx context.Context, e *models.ActivityEntry) error
}

type LocationInput struct {
	WorkerID   string            `json:"worker_id"`
	Coordinate models.Coordinate `json:"coordinate"`
	Accuracy   *float64          `json:"accuracy,omitempty"`
	RequestID  *string           `json:"request_id,omitempty"`
	// RecordedAt defaults to now.
	RecordedAt *time.Time `json:"recorded_at,omitempty"`
}

type HistoryQuery struct {
	Start *time.Time
	End   *time.Time
	Limit int
}

type Service struct {
	store     Store
	index     geo.Index
	publisher broadcast.Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewService wires the tracker. index may be nil.
func NewService(store Store, index geo.Index, publisher broadcast.Publisher, logger *slog.Logger) *Service {
	if publisher == nil {
		publisher = broadcast.Nop{}
	}
	return &Service{
		store:     store,
		index:     index,
		publisher: publisher,
		logger:    logging.OrDefault(logger),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordLocation stores a ping and fans it out. The worker's current
// location and the history row commit together; the index mirror, the
// broadcasts and the request activity entry are best effort.
func (s *Service) RecordLocation(ctx context.Context, in LocationInput) (*models.LocationSample, error) {
	if err := geo.Validate(in.Coordinate); err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("invalid").Inc()
		return nil, err
	}
	at := s.now()
	if in.RecordedAt != nil && !in.RecordedAt.IsZero() {
		at = in.RecordedAt.UTC()
	}
	sample := &models.LocationSample{
		ID:         uuid.NewString(),
		WorkerID:   in.WorkerID,
		Coordinate: in.Coordinate,
		Accuracy:   in.Accuracy,
		RequestID:  in.RequestID,
		IsOnline:   true,
		RecordedAt: at,
	}
	current, err := s.store.RecordLocation(ctx, sample)
	if err != nil {
		observability.LocationUpdatesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("record location for %s: %w", in.WorkerID, err)
	}
	if !current {
		// Late sample: kept in history, but the map and subscribers stay on the newer fix.
		observability.LocationUpdatesTotal.WithLabelValues("late").Inc()
		s.logger.Debug("late_location_sample", "worker_id", in.WorkerID, "recorded_at", at)
		return sample, nil
	}
	observability.LocationUpdatesTotal.WithLabelValues("ok").Inc()

	if s.index != nil {
		if err := s.index.Upsert(ctx, in.WorkerID, in.Coordinate); err != nil {
			s.logger.Warn("geo_index_upsert_failed", "worker_id", in.WorkerID, "error", err)
		}
	}

	c := in.Coordinate
	ev := broadcast.Event{Type: broadcast.EventLocationUpdate, WorkerID: in.WorkerID, Coordinate: &c, Timestamp: at}
	s.publish(ctx, broadcast.Operators, ev)

	if in.RequestID != nil && *in.RequestID != "" {
		s.requestBound(ctx, *in.RequestID, in.WorkerID, ev)
	}
	return sample, nil
}

func (s *Service) requestBound(ctx context.Context, requestID, workerID string, ev broadcast.Event) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		s.logger.Warn("location_request_lookup_failed", "request_id", requestID, "worker_id", workerID, "error", err)
		return
	}
	if req.AssignedWorkerID == nil || *req.AssignedWorkerID != workerID || !req.Status.Active() {
		return
	}
	ev.RequestID = requestID
	ev.Status = req.Status
	s.publish(ctx, broadcast.CustomerGroup(req.CustomerID), ev)

	entry := &models.ActivityEntry{
		ID:        uuid.NewString(),
		RequestID: requestID,
		ActorType: models.ActorWorker,
		ActorID:   workerID,
		Action:    string(broadcast.EventLocationUpdate),
		Location:  ev.Coordinate,
		CreatedAt: ev.Timestamp,
	}
	if err := s.store.AppendActivity(ctx, entry); err != nil {
		s.logger.Warn("location_activity_failed", "request_id", requestID, "worker_id", workerID, "error", err)
	}
}

// History returns samples newest first. Pass the oldest RecordedAt seen as
// End to page further back.
func (s *Service) History(ctx context.Context, workerID string, q HistoryQuery) ([]models.LocationSample, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}
	if q.Start != nil && q.End != nil && q.End.Before(*q.Start) {
		return []models.LocationSample{}, nil
	}
	return s.store.LocationHistory(ctx, workerID, storage.HistoryRange{Start: q.Start, End: q.End, Limit: limit})
}

// MarkOffline takes the worker out of matching regardless of current state.
func (s *Service) MarkOffline(ctx context.Context, workerID string) (*models.Worker, error) {
	w, err := s.store.MarkOffline(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("mark %s offline: %w", workerID, err)
	}
	observability.WorkersOffline.Inc()
	if s.index != nil {
		if err := s.index.Remove(ctx, workerID); err != nil {
			s.logger.Warn("geo_index_remove_failed", "worker_id", workerID, "error", err)
		}
	}
	s.logger.Info("worker_offline", "worker_id", workerID)
	s.publish(ctx, broadcast.Operators, broadcast.Event{
		Type:      broadcast.EventLocationUpdate,
		WorkerID:  workerID,
		Action:    "offline",
		Timestamp: s.now(),
	})
	return w, nil
}

// MarkOnline returns an OFFLINE worker to AVAILABLE. A BUSY worker is left as is.
func (s *Service) MarkOnline(ctx context.Context, workerID string) (*models.Worker, error) {
	w, err := s.store.SetOnline(ctx, workerID)
	if err != nil {
		return nil, fmt.Errorf("mark %s online: %w", workerID, err)
	}
	if s.index != nil && w.CurrentLocation != nil {
		if err := s.index.Upsert(ctx, workerID, *w.CurrentLocation); err != nil {
			s.logger.Warn("geo_index_upsert_failed", "worker_id", workerID, "error", err)
		}
	}
	s.publish(ctx, broadcast.Operators, broadcast.Event{
		Type:       broadcast.EventLocationUpdate,
		WorkerID:   workerID,
		Coordinate: w.CurrentLocation,
		Action:     "online",
		Timestamp:  s.now(),
	})
	return w, nil
}

func (s *Service) publish(ctx context.Context, g broadcast.Group, ev broadcast.Event) {
	if err := s.publisher.Publish(ctx, g, ev); err != nil {
		observability.PublishFailuresTotal.WithLabelValues("tracking").Inc()
		s.logger.Warn("publish_failed", "group", string(g), "worker_id", ev.WorkerID, "error", err)
	}
}

// IsInvalid reports errors a caller should not retry.
func IsInvalid(err error) bool {
	return errors.Is(err, geo.ErrInvalidCoordinate) || errors.Is(err, storage.ErrNotFound)
}
